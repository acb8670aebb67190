package dispatch

// entry is the timing record for one in-flight call.
type entry struct {
	wall    uint64
	measure uint64
}

// CallStack records entry times of in-flight timed calls. Depth keeps
// counting past capacity; calls beyond it are not timed.
type CallStack struct {
	entries []entry
	depth   int
}

// NewCallStack returns a stack timing at most capacity nested calls.
func NewCallStack(capacity int) *CallStack {
	if capacity <= 0 {
		capacity = DefaultMaxCalls
	}
	return &CallStack{entries: make([]entry, capacity)}
}

// Push records a call entry.
func (s *CallStack) Push(wall, measure uint64) {
	if s.depth < len(s.entries) {
		s.entries[s.depth] = entry{wall: wall, measure: measure}
	}
	s.depth++
}

// Pop removes the innermost entry and returns it with the depth left
// after removal. ok is false for a return with no recorded entry.
func (s *CallStack) Pop() (e entry, depth int, ok bool) {
	if s.depth == 0 {
		return entry{}, 0, false
	}
	s.depth--
	if s.depth >= len(s.entries) {
		return entry{}, s.depth, false
	}
	return s.entries[s.depth], s.depth, true
}

// Depth is the current nesting level.
func (s *CallStack) Depth() int { return s.depth }

// Reset forgets every entry.
func (s *CallStack) Reset() { s.depth = 0 }
