package wire

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// DefaultMaxPayload bounds one encoded message. Peers built against the
// fixed-width protocol used 120 bytes; fields are variable-width now, so
// the bound is larger and configurable.
const DefaultMaxPayload = 4096

var (
	// ErrPayloadTooLarge is returned when an encoded message exceeds the
	// codec's maximum payload.
	ErrPayloadTooLarge = errors.New("wire: payload exceeds maximum size")

	// ErrMalformed is returned for input that is not a tag-prefixed tuple
	// of supported primitive values.
	ErrMalformed = errors.New("wire: malformed message")
)

// Codec encodes tuples into a reusable buffer. A Codec is not safe for
// concurrent use.
type Codec struct {
	max int
	buf bytes.Buffer
	enc *msgpack.Encoder
}

// NewCodec creates a codec bounded to maxPayload bytes per message.
// A non-positive maxPayload selects DefaultMaxPayload.
func NewCodec(maxPayload int) *Codec {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	c := &Codec{max: maxPayload}
	c.enc = msgpack.NewEncoder(&c.buf)
	return c
}

// MaxPayload returns the largest message the codec will produce.
func (c *Codec) MaxPayload() int { return c.max }

// Encode packs an event. The returned slice is only valid until the next
// call on c.
func (c *Codec) Encode(ev Event) ([]byte, error) {
	c.buf.Reset()
	if err := c.enc.EncodeArrayLen(len(ev.Fields) + 1); err != nil {
		return nil, err
	}
	if err := c.enc.EncodeBytes([]byte(ev.Tag)); err != nil {
		return nil, err
	}
	for i, f := range ev.Fields {
		if err := c.encodeValue(f, false); err != nil {
			return nil, fmt.Errorf("encoding %s field %d: %w", ev.Tag, i, err)
		}
	}
	return c.finish(ev.Tag)
}

// EncodeCommand packs a command. Text arguments are packed as msgpack
// str, which is what control clients have always sent.
func (c *Codec) EncodeCommand(cmd Command) ([]byte, error) {
	c.buf.Reset()
	if err := c.enc.EncodeArrayLen(len(cmd.Args) + 1); err != nil {
		return nil, err
	}
	if err := c.enc.EncodeString(cmd.Name); err != nil {
		return nil, err
	}
	for i, a := range cmd.Args {
		if err := c.encodeValue(a, true); err != nil {
			return nil, fmt.Errorf("encoding %s argument %d: %w", cmd.Name, i, err)
		}
	}
	return c.finish(Tag(cmd.Name))
}

func (c *Codec) finish(tag Tag) ([]byte, error) {
	if c.buf.Len() > c.max {
		return nil, fmt.Errorf("%s: %d > %d bytes: %w", tag, c.buf.Len(), c.max, ErrPayloadTooLarge)
	}
	return c.buf.Bytes(), nil
}

func (c *Codec) encodeValue(v Value, text bool) error {
	switch v.kind {
	case KindBool:
		b, _ := v.Bool()
		return c.enc.EncodeBool(b)
	case KindInt32:
		n, _ := v.Int()
		return c.enc.EncodeInt(n)
	case KindUint32, KindUint64:
		return c.enc.EncodeUint(v.num)
	case KindBytes:
		if text {
			return c.enc.EncodeString(string(v.b))
		}
		return c.enc.EncodeBytes(v.b)
	default:
		return fmt.Errorf("value kind %s: %w", v.kind, ErrMalformed)
	}
}

// Decode unpacks one tuple into an Event.
func Decode(b []byte) (Event, error) {
	tag, fields, err := decodeTuple(b)
	if err != nil {
		return Event{}, err
	}
	for i := range min(signedFields[Tag(tag)], len(fields)) {
		f := fields[i]
		if f.kind == KindUint32 && f.num <= math.MaxInt32 {
			fields[i] = Int32(int32(f.num))
		}
	}
	return Event{Tag: Tag(tag), Fields: fields}, nil
}

func decodeTuple(b []byte) (string, []Value, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return "", nil, fmt.Errorf("reading tuple header: %w", errors.Join(ErrMalformed, err))
	}
	if n < 1 {
		return "", nil, fmt.Errorf("empty tuple: %w", ErrMalformed)
	}

	raw, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return "", nil, fmt.Errorf("reading tag: %w", errors.Join(ErrMalformed, err))
	}
	var tag string
	switch t := raw.(type) {
	case string:
		tag = t
	case []byte:
		tag = string(t)
	default:
		return "", nil, fmt.Errorf("tag of type %T: %w", raw, ErrMalformed)
	}

	fields := make([]Value, 0, n-1)
	for i := 1; i < n; i++ {
		raw, err := dec.DecodeInterfaceLoose()
		if err != nil {
			return "", nil, fmt.Errorf("reading %s field %d: %w", tag, i-1, errors.Join(ErrMalformed, err))
		}
		v, err := fromLoose(raw)
		if err != nil {
			return "", nil, fmt.Errorf("%s field %d: %w", tag, i-1, err)
		}
		fields = append(fields, v)
	}
	return tag, fields, nil
}

func fromLoose(raw any) (Value, error) {
	switch v := raw.(type) {
	case bool:
		return Bool(v), nil
	case int64:
		if v < 0 {
			if v < math.MinInt32 {
				return Value{}, fmt.Errorf("integer %d out of range: %w", v, ErrMalformed)
			}
			return Int32(int32(v)), nil
		}
		return unsigned(uint64(v)), nil
	case uint64:
		return unsigned(v), nil
	case string:
		return String(v), nil
	case []byte:
		return Bytes(v), nil
	default:
		return Value{}, fmt.Errorf("unsupported value of type %T: %w", raw, ErrMalformed)
	}
}

func unsigned(n uint64) Value {
	if n <= math.MaxUint32 {
		return Uint32(uint32(n))
	}
	return Uint64(n)
}
