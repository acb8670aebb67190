package wire

import "strings"

// Tag names an event or command kind.
type Tag string

// Outbound event tags.
const (
	TagMethodName Tag = "mid"
	TagClassName  Tag = "klass"
	TagCall       Tag = "call"
	TagCCall      Tag = "ccall"
	TagReturn     Tag = "return"
	TagCReturn    Tag = "creturn"
	TagSlow       Tag = "slow"
	TagCSlow      Tag = "cslow"
	TagExprValue  Tag = "exprval"
	TagAdd        Tag = "add"
	TagRemove     Tag = "remove"
	TagNewExpr    Tag = "newexpr"
	TagAttached   Tag = "attached"
	TagDetached   Tag = "detached"
	TagEvaled     Tag = "evaled"
	TagGCStart    Tag = "gc_start"
	TagGCEnd      Tag = "gc_end"
	TagGC         Tag = "gc"
	TagDuringGC   Tag = "during_gc"
)

// signedFields counts the leading int32 fields of each tag that has them.
// msgpack packs non-negative ints like unsigned ones, so Decode uses this to
// give those fields back their kind.
var signedFields = map[Tag]int{
	TagExprValue: 2,
	TagAdd:       1,
	TagRemove:    1,
	TagNewExpr:   2,
}

// Event is a typed tuple: a tag followed by fields.
type Event struct {
	Tag    Tag
	Fields []Value
}

// NewEvent builds an event from a tag and its fields.
func NewEvent(tag Tag, fields ...Value) Event {
	return Event{Tag: tag, Fields: fields}
}

// Field returns the i-th field, or an invalid Value when out of range.
func (e Event) Field(i int) Value {
	if i < 0 || i >= len(e.Fields) {
		return Value{}
	}
	return e.Fields[i]
}

func (e Event) String() string {
	var sb strings.Builder
	sb.WriteString(string(e.Tag))
	for _, f := range e.Fields {
		sb.WriteByte(',')
		sb.WriteString(f.String())
	}
	return sb.String()
}

// MethodName announces the human-readable name of a method identity.
func MethodName(id uint64, name string) Event {
	return NewEvent(TagMethodName, Uint64(id), String(name))
}

// ClassName announces the human-readable name of a class identity.
func ClassName(id uint64, name string) Event {
	return NewEvent(TagClassName, Uint64(id), String(name))
}

// Call reports a method entry. native selects the ccall tag.
func Call(native bool, ts uint64, rule uint32, mid uint64, singleton bool, klass uint64) Event {
	tag := TagCall
	if native {
		tag = TagCCall
	}
	return NewEvent(tag, Uint64(ts), Uint32(rule), Uint64(mid), Bool(singleton), Uint64(klass))
}

// Return reports a method exit. native selects the creturn tag.
func Return(native bool, ts uint64, rule uint32) Event {
	tag := TagReturn
	if native {
		tag = TagCReturn
	}
	return NewEvent(tag, Uint64(ts), Uint32(rule))
}

// Slow reports a call whose duration exceeded the slow-watch threshold.
func Slow(native bool, entryTS, elapsed uint64, depth uint32, mid uint64, singleton bool, klass uint64) Event {
	tag := TagSlow
	if native {
		tag = TagCSlow
	}
	return NewEvent(tag, Uint64(entryTS), Uint64(elapsed), Uint32(depth), Uint64(mid), Bool(singleton), Uint64(klass))
}

// ExprValue reports the result of an attached expression.
func ExprValue(rule, expr int32, value string) Event {
	return NewEvent(TagExprValue, Int32(rule), Int32(expr), String(value))
}

// Added acknowledges an add command. rule is -1 when nothing was added.
func Added(rule int32, query string) Event {
	return NewEvent(TagAdd, Int32(rule), String(query))
}

// Removed acknowledges a removal. rule is -1 when nothing matched.
func Removed(rule int32, query string) Event {
	return NewEvent(TagRemove, Int32(rule), String(query))
}

// NewExpr acknowledges an addexpr command.
func NewExpr(rule, expr int32, text string) Event {
	return NewEvent(TagNewExpr, Int32(rule), Int32(expr), String(text))
}

// Attached acknowledges an attach command with the pid that won.
func Attached(pid uint32) Event {
	return NewEvent(TagAttached, Uint32(pid))
}

// Detached acknowledges a detach.
func Detached(pid uint32) Event {
	return NewEvent(TagDetached, Uint32(pid))
}

// Evaled carries the inspected result of an eval command.
func Evaled(result string) Event {
	return NewEvent(TagEvaled, String(result))
}

// GCStart marks the start of a garbage collection.
func GCStart(ts uint64) Event { return NewEvent(TagGCStart, Uint64(ts)) }

// GCEnd marks the end of a garbage collection.
func GCEnd(ts uint64) Event { return NewEvent(TagGCEnd, Uint64(ts)) }

// GCMark marks a collection reported without phases.
func GCMark(ts uint64) Event { return NewEvent(TagGC, Uint64(ts)) }

// DuringGC tells the peer that commands were not drained because the
// runtime was collecting.
func DuringGC() Event { return NewEvent(TagDuringGC) }
