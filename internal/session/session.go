package session

import (
	"errors"
	"math"

	"github.com/mrzor/calltrace/internal/interp"
	"github.com/mrzor/calltrace/internal/log"
	"github.com/mrzor/calltrace/internal/registry"
	"github.com/mrzor/calltrace/internal/timesync"
	"github.com/mrzor/calltrace/internal/transport"
	"github.com/mrzor/calltrace/internal/wire"
)

// Connector opens the outbound channel to the peer.
type Connector func() (transport.Conn, error)

// Options configure a Session.
type Options struct {
	MaxPayload   int
	SendAttempts int
	SlowAllRules bool
	Clock        timesync.Clock
}

// Session is the tracing context shared by the dispatcher and the command
// processor.
type Session struct {
	guard Guard

	reg     *registry.Registry
	rt      interp.Runtime
	hooks   interp.Hooks
	clock   timesync.Clock
	codec   *wire.Codec
	connect Connector
	conn    transport.Conn
	retries int

	peer     uint32
	methods  map[interp.MethodID]struct{}
	classes  map[interp.Value]struct{}
	lastRule int
	epoch    uint64

	callHook      interp.CallHook
	gcHook        interp.GCHook
	callInstalled bool
	gcInstalled   bool
}

// New creates a detached session. hooks may be nil when the caller drives
// the dispatcher directly.
func New(rt interp.Runtime, hooks interp.Hooks, connect Connector, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = timesync.System{}
	}
	return &Session{
		reg:      registry.New(registry.Options{SlowAllRules: opts.SlowAllRules}),
		rt:       rt,
		hooks:    hooks,
		clock:    opts.Clock,
		codec:    wire.NewCodec(opts.MaxPayload),
		connect:  connect,
		retries:  opts.SendAttempts,
		methods:  make(map[interp.MethodID]struct{}),
		classes:  make(map[interp.Value]struct{}),
		lastRule: registry.NoRule,
	}
}

// Guard returns the reentrancy guard.
func (s *Session) Guard() *Guard { return &s.guard }

// Registry returns the rule registry.
func (s *Session) Registry() *registry.Registry { return s.reg }

// Runtime returns the embedding runtime.
func (s *Session) Runtime() interp.Runtime { return s.rt }

// Clock returns the session clock.
func (s *Session) Clock() timesync.Clock { return s.clock }

// Epoch changes whenever call timing must restart: on slow watch changes
// and on detach.
func (s *Session) Epoch() uint64 { return s.epoch }

// BindHooks sets the callbacks installed into the interpreter while the
// registry is active.
func (s *Session) BindHooks(call interp.CallHook, gc interp.GCHook) {
	s.callHook = call
	s.gcHook = gc
	s.syncHooks()
}

// Peer returns the attached peer id.
func (s *Session) Peer() (uint32, bool) {
	return s.peer, s.peer != 0
}

// Attach records pid as the peer unless one is already attached, then
// acknowledges with the pid that holds the session.
func (s *Session) Attach(pid uint32) {
	if pid != 0 && s.peer == 0 {
		if err := s.openConn(); err != nil {
			log.Warn("cannot open event channel, staying detached", "pid", pid, "error", err)
			return
		}
		s.peer = pid
		log.Info("attached", "pid", pid)
	}
	s.Emit(wire.Attached(s.peer))
}

// Detach acknowledges to the current peer, if any, and drops every rule,
// mode and name. It is idempotent.
func (s *Session) Detach() {
	if s.peer != 0 {
		s.Emit(wire.Detached(s.peer))
		log.Info("detached", "pid", s.peer)
	}
	s.reset()
}

func (s *Session) reset() {
	s.peer = 0
	s.reg.Reset()
	clear(s.methods)
	clear(s.classes)
	s.lastRule = registry.NoRule
	s.epoch++
	s.syncHooks()
}

// AddRule registers a rule and acknowledges with its id, or -1.
func (s *Session) AddRule(query string, slow bool) int {
	id, err := s.reg.AddRule(query, slow, s.rt)
	if err != nil {
		log.Debug("rule not added", "query", query, "error", err)
	}
	s.lastRule = id
	s.Emit(wire.Added(int32(id), query)) //nolint:gosec // ids are below MaxRules
	s.syncHooks()
	return id
}

// AddExpression attaches expr to the rule added last.
func (s *Session) AddExpression(expr string) int {
	rule := s.lastRule
	idx, err := s.reg.AddExpression(rule, expr)
	if errors.Is(err, registry.ErrNoSuchRule) {
		rule = registry.NoRule
	}
	if err != nil {
		log.Debug("expression not added", "rule", s.lastRule, "expr", expr, "error", err)
	}
	s.Emit(wire.NewExpr(int32(rule), int32(idx), expr)) //nolint:gosec // bounded by table limits
	return idx
}

// RemoveQuery removes the rule registered with query.
func (s *Session) RemoveQuery(query string) int {
	removed, _ := s.reg.RemoveQuery(query) //nolint:errcheck // acknowledged with -1
	s.Emit(wire.Removed(int32(removed.ID), query)) //nolint:gosec // ids are below MaxRules
	s.syncHooks()
	return removed.ID
}

// RemoveID removes the rule in slot id.
func (s *Session) RemoveID(id int) int {
	removed, _ := s.reg.RemoveID(id) //nolint:errcheck // acknowledged with -1
	s.Emit(wire.Removed(int32(removed.ID), removed.Query)) //nolint:gosec // ids are below MaxRules
	s.syncHooks()
	return removed.ID
}

// Watch enables the slow-call watch. A second call while it is on is
// ignored. Thresholds too large for microseconds saturate.
func (s *Session) Watch(thresholdMs uint64, cpu bool) {
	usec := uint64(math.MaxUint64)
	if thresholdMs <= math.MaxUint64/1000 {
		usec = thresholdMs * 1000
	}
	if s.reg.EnableSlowWatch(usec, cpu) {
		s.epoch++
	}
	s.syncHooks()
}

// Unwatch disables the slow-call watch.
func (s *Session) Unwatch() {
	s.reg.DisableSlowWatch()
	s.epoch++
	s.syncHooks()
}

// Firehose makes every call match.
func (s *Session) Firehose() {
	s.reg.EnableFirehose()
	s.syncHooks()
}

// EnableGC subscribes to collector notifications.
func (s *Session) EnableGC() {
	s.reg.EnableGC()
	s.syncHooks()
}

// SetVerbose switches to verbose mode: class names are sent with every
// call and rules match by class name.
func (s *Session) SetVerbose() {
	s.reg.SetVerbose(true)
}

// Eval evaluates expr in global scope and sends the inspected result.
// Errors are reported as their inspection.
func (s *Session) Eval(expr string) string {
	out, err := s.rt.Evaluate(interp.Nil, expr)
	if err != nil {
		out = s.rt.InspectError(err)
	}
	s.Emit(wire.Evaled(out))
	return out
}

// AnnounceNames sends the names behind mid and klass unless already sent
// this session. With verbose set the class name is sent every time. A name
// counts as sent only once the peer got it.
func (s *Session) AnnounceNames(mid interp.MethodID, klass interp.Value, verbose bool) {
	if s.peer == 0 {
		return
	}
	if _, ok := s.methods[mid]; !ok {
		if s.Emit(wire.MethodName(uint64(mid), s.rt.MethodName(mid))) {
			s.methods[mid] = struct{}{}
		}
	}
	if _, ok := s.classes[klass]; verbose || !ok {
		if s.Emit(wire.ClassName(uint64(klass), s.rt.ClassName(klass))) && !verbose {
			s.classes[klass] = struct{}{}
		}
	}
}

// Emit encodes ev and sends it to the peer. Events are dropped while no
// peer is attached. A peer that is gone triggers a detach. Emit reports
// whether the event was sent.
func (s *Session) Emit(ev wire.Event) bool {
	if s.peer == 0 || s.conn == nil {
		return false
	}

	b, err := s.codec.Encode(ev)
	if err != nil {
		log.Debug("dropping event", "tag", ev.Tag, "error", err)
		return false
	}

	err = transport.SendWithRetry(s.conn, b, s.retries)
	switch {
	case err == nil:
		return true
	case errors.Is(err, transport.ErrPeerGone), errors.Is(err, transport.ErrClosed):
		log.Warn("peer is gone, detaching", "pid", s.peer, "error", err)
		s.closeConn()
		s.reset()
	default:
		log.Debug("dropping event", "tag", ev.Tag, "error", err)
	}
	return false
}

// Close detaches and releases the transport.
func (s *Session) Close() error {
	s.Detach()
	return s.closeConn()
}

func (s *Session) openConn() error {
	if s.conn != nil {
		return nil
	}
	if s.connect == nil {
		return transport.ErrNoPeer
	}
	conn, err := s.connect()
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *Session) closeConn() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Session) syncHooks() {
	if s.hooks == nil {
		return
	}

	active := s.reg.Active()
	switch {
	case active && !s.callInstalled && s.callHook != nil:
		s.hooks.SetCallHook(s.callHook)
		s.callInstalled = true
	case !active && s.callInstalled:
		s.hooks.ClearCallHook()
		s.callInstalled = false
	}

	gc := s.reg.GC()
	switch {
	case gc && !s.gcInstalled && s.gcHook != nil:
		s.hooks.SetGCHook(s.gcHook)
		s.gcInstalled = true
	case !gc && s.gcInstalled:
		s.hooks.ClearGCHook()
		s.gcInstalled = false
	}
}

// HooksInstalled reports whether the call and GC hooks are installed.
func (s *Session) HooksInstalled() (call, gc bool) {
	return s.callInstalled, s.gcInstalled
}
