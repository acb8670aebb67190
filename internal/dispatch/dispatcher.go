package dispatch

import (
	"strconv"
	"strings"

	"github.com/mrzor/calltrace/internal/interp"
	"github.com/mrzor/calltrace/internal/registry"
	"github.com/mrzor/calltrace/internal/session"
	"github.com/mrzor/calltrace/internal/wire"
)

// DefaultMaxCalls is the default timing stack capacity.
const DefaultMaxCalls = 32768

// Dispatcher handles notifications for one session.
type Dispatcher struct {
	sess  *session.Session
	rt    interp.Runtime
	stack *CallStack
	epoch uint64
}

// New creates a dispatcher and binds it as the session's hooks.
func New(sess *session.Session, maxCalls int) *Dispatcher {
	d := &Dispatcher{
		sess:  sess,
		rt:    sess.Runtime(),
		stack: NewCallStack(maxCalls),
		epoch: sess.Epoch(),
	}
	sess.BindHooks(d.Handle, d.HandleGC)
	return d
}

// Depth is the current timed-call nesting level.
func (d *Dispatcher) Depth() int { return d.stack.Depth() }

// Handle processes one call or return notification.
func (d *Dispatcher) Handle(n interp.Notification) {
	g := d.sess.Guard()
	if !g.TryEnter() {
		return
	}
	defer g.Exit()

	mid, klass := n.Method, n.Class
	if mid == 0 {
		mid, klass = d.rt.CurrentFrame()
	}
	if d.rt.IsAllocator(mid) {
		return
	}

	resolved, singleton := d.rt.ResolveClass(klass)
	c := registry.Candidate{
		Method:    mid,
		Class:     resolved,
		Self:      n.Self,
		Singleton: singleton && d.rt.IsModule(n.Self),
	}

	hit, ok := d.sess.Registry().Match(c, d.rt)
	if !ok {
		return
	}
	if hit.Timed {
		d.timed(n.Kind, c, hit)
		return
	}
	d.trace(n.Kind, c, hit)
}

func (d *Dispatcher) timed(kind interp.Kind, c registry.Candidate, hit registry.Hit) {
	if e := d.sess.Epoch(); e != d.epoch {
		d.stack.Reset()
		d.epoch = e
	}

	clock := d.sess.Clock()
	measure := clock.WallMicros
	if hit.Slow.CPU {
		measure = clock.CPUMicros
	}

	if kind.IsCall() {
		d.stack.Push(clock.WallMicros(), measure())
		return
	}

	now := measure()
	start, depth, ok := d.stack.Pop()
	if !ok || now < start.measure {
		return
	}
	elapsed := now - start.measure
	if elapsed <= hit.Slow.ThresholdUsec {
		return
	}

	target := c.Target()
	d.sess.AnnounceNames(c.Method, target, hit.Verbose)
	d.sess.Emit(wire.Slow(kind.IsNative(), start.wall, elapsed, uint32(depth), //nolint:gosec // depth is non-negative
		uint64(c.Method), c.Singleton, uint64(target)))
}

func (d *Dispatcher) trace(kind interp.Kind, c registry.Candidate, hit registry.Hit) {
	ts := d.sess.Clock().WallMicros()
	rule := hit.RuleID()

	if !kind.IsCall() {
		d.sess.Emit(wire.Return(kind.IsNative(), ts, rule))
		return
	}

	target := c.Target()
	d.sess.AnnounceNames(c.Method, target, hit.Verbose)
	d.sess.Emit(wire.Call(kind.IsNative(), ts, rule, uint64(c.Method), c.Singleton, uint64(target)))

	if !hit.Bound {
		return
	}
	for i, expr := range hit.Rule.Exprs {
		if out := d.evaluate(c.Self, expr); out != "" {
			d.sess.Emit(wire.ExprValue(int32(rule), int32(i), out)) //nolint:gosec // bounded by table limits
		}
	}
}

// evaluate computes one expression value. A few forms are answered
// without the evaluator.
func (d *Dispatcher) evaluate(self interp.Value, expr string) string {
	switch {
	case expr == "self":
		return d.rt.Inspect(self)
	case expr == "__source__":
		file, line := d.rt.SourceLocation()
		return `"` + file + ":" + strconv.Itoa(line) + `"`
	case len(expr) >= 2 && expr[0] == '@' && !strings.HasPrefix(expr, "@@"):
		return d.rt.Inspect(d.rt.InstanceVariable(self, expr))
	}

	out, err := d.rt.Evaluate(self, expr)
	if err != nil {
		return d.rt.InspectError(err)
	}
	return out
}

// HandleGC reports a collector phase.
func (d *Dispatcher) HandleGC(phase interp.GCPhase) {
	g := d.sess.Guard()
	if !g.TryEnter() {
		return
	}
	defer g.Exit()

	ts := d.sess.Clock().WallMicros()
	switch phase {
	case interp.GCStart:
		d.sess.Emit(wire.GCStart(ts))
	case interp.GCEnd:
		d.sess.Emit(wire.GCEnd(ts))
	case interp.GCCycle:
		d.sess.Emit(wire.GCMark(ts))
	}
}
