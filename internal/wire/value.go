package wire

import (
	"fmt"
	"math"
)

// Kind identifies the primitive type carried by a Value.
type Kind uint8

// Value kinds.
const (
	KindInvalid Kind = iota
	KindBool
	KindInt32
	KindUint32
	KindUint64
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt32:
		return "int32"
	case KindUint32:
		return "uint32"
	case KindUint64:
		return "uint64"
	case KindBytes:
		return "bytes"
	default:
		return "invalid"
	}
}

// Value is one field of an event or command tuple.
type Value struct {
	kind Kind
	num  uint64
	b    []byte
}

// Bool returns a boolean Value.
func Bool(v bool) Value {
	var n uint64
	if v {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

// Int32 returns a signed Value.
func Int32(v int32) Value {
	return Value{kind: KindInt32, num: uint64(int64(v))}
}

// Uint32 returns an unsigned 32-bit Value.
func Uint32(v uint32) Value {
	return Value{kind: KindUint32, num: uint64(v)}
}

// Uint64 returns an unsigned 64-bit Value.
func Uint64(v uint64) Value {
	return Value{kind: KindUint64, num: v}
}

// Bytes returns a byte string Value. The slice is not copied.
func Bytes(v []byte) Value {
	if v == nil {
		v = []byte{}
	}
	return Value{kind: KindBytes, b: v}
}

// String returns a byte string Value holding s.
func String(s string) Value {
	return Value{kind: KindBytes, b: []byte(s)}
}

// Kind reports the kind of v.
func (v Value) Kind() Kind { return v.kind }

// Bool returns the boolean held by v.
func (v Value) Bool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.num == 1, true
}

// Int returns v as a signed integer. It succeeds for every numeric kind
// whose value fits in an int64.
func (v Value) Int() (int64, bool) {
	switch v.kind {
	case KindInt32:
		return int64(v.num), true
	case KindUint32, KindUint64:
		if v.num > math.MaxInt64 {
			return 0, false
		}
		return int64(v.num), true
	default:
		return 0, false
	}
}

// Uint returns v as an unsigned integer. Negative values fail.
func (v Value) Uint() (uint64, bool) {
	switch v.kind {
	case KindUint32, KindUint64:
		return v.num, true
	case KindInt32:
		if int64(v.num) < 0 {
			return 0, false
		}
		return v.num, true
	default:
		return 0, false
	}
}

// Bytes returns the byte string held by v.
func (v Value) Bytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return v.b, true
}

// Text returns the byte string held by v as a string.
func (v Value) Text() (string, bool) {
	b, ok := v.Bytes()
	return string(b), ok
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		b, _ := v.Bool()
		return fmt.Sprintf("%t", b)
	case KindInt32:
		n, _ := v.Int()
		return fmt.Sprintf("%d", n)
	case KindUint32, KindUint64:
		return fmt.Sprintf("%d", v.num)
	case KindBytes:
		return fmt.Sprintf("%q", v.b)
	default:
		return "<invalid>"
	}
}
