package objspace

import (
	"fmt"

	"github.com/mrzor/calltrace/internal/interp"
)

// Send invokes the method name on self.
func (s *Space) Send(self interp.Value, name string, args ...interp.Value) (interp.Value, error) {
	id := s.Intern(name)
	m := s.lookup(self, id)
	if m == nil {
		return interp.Nil, fmt.Errorf("%w %q for %s", ErrNoMethod, name, s.Inspect(self))
	}

	s.enter(m, self)
	defer s.leave(m, self)

	if m.def.Body == nil {
		return interp.Nil, nil
	}
	return m.def.Body(s, self, args)
}

func (s *Space) enter(m *method, self interp.Value) {
	s.hookMu.Lock()
	s.frames = append(s.frames, frame{m: m, self: self})
	hook := s.callHook
	s.hookMu.Unlock()

	if hook != nil {
		hook(s.notification(m, self, true))
	}
}

func (s *Space) leave(m *method, self interp.Value) {
	s.hookMu.Lock()
	hook := s.callHook
	s.hookMu.Unlock()

	if hook != nil {
		hook(s.notification(m, self, false))
	}

	s.hookMu.Lock()
	s.frames = s.frames[:len(s.frames)-1]
	s.hookMu.Unlock()
}

func (s *Space) notification(m *method, self interp.Value, call bool) interp.Notification {
	n := interp.Notification{Self: self}
	switch {
	case call && m.def.Native:
		n.Kind = interp.CCall
	case call:
		n.Kind = interp.Call
	case m.def.Native:
		n.Kind = interp.CReturn
	default:
		n.Kind = interp.Return
	}
	if !m.def.Native {
		n.Method = m.id
		n.Class = m.holder
	}
	return n
}

// GC runs a collection, reporting its start and end to the GC hook.
func (s *Space) GC() {
	s.hookMu.Lock()
	hook := s.gcHook
	s.inGC = true
	s.hookMu.Unlock()

	if hook != nil {
		hook(interp.GCStart)
	}

	s.hookMu.Lock()
	s.inGC = false
	s.hookMu.Unlock()

	if hook != nil {
		hook(interp.GCEnd)
	}
}

// SetCallHook implements interp.Hooks.
func (s *Space) SetCallHook(h interp.CallHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.callHook = h
}

// ClearCallHook implements interp.Hooks.
func (s *Space) ClearCallHook() {
	s.SetCallHook(nil)
}

// SetGCHook implements interp.Hooks.
func (s *Space) SetGCHook(h interp.GCHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.gcHook = h
}

// ClearGCHook implements interp.Hooks.
func (s *Space) ClearGCHook() {
	s.SetGCHook(nil)
}

// SetGCState marks the collector as running or idle. The agent refuses
// commands while it is running.
func (s *Space) SetGCState(running bool) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.inGC = running
}

func (s *Space) top() (frame, bool) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	if len(s.frames) == 0 {
		return frame{}, false
	}
	return s.frames[len(s.frames)-1], true
}
