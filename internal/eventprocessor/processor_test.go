package eventprocessor

import (
	"errors"
	"testing"
	"time"

	"github.com/mrzor/calltrace/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const self = 4242

type controlRecorder struct {
	attached []uint32
	mine     []bool
	detached []uint32
	added    []string
	removed  []int
	exprs    []string
	evaled   []string
	duringGC int
}

func (c *controlRecorder) HandleAttached(pid uint32, mine bool) {
	c.attached = append(c.attached, pid)
	c.mine = append(c.mine, mine)
}
func (c *controlRecorder) HandleDetached(pid uint32, _ bool) { c.detached = append(c.detached, pid) }
func (c *controlRecorder) HandleRuleAdded(rule int, query string) {
	c.added = append(c.added, wire.Added(int32(rule), query).String()) //nolint:gosec // test ids
}
func (c *controlRecorder) HandleRuleRemoved(rule int, _ string) { c.removed = append(c.removed, rule) }
func (c *controlRecorder) HandleExprAdded(_, _ int, expr string) {
	c.exprs = append(c.exprs, expr)
}
func (c *controlRecorder) HandleEvaled(result string) { c.evaled = append(c.evaled, result) }
func (c *controlRecorder) HandleDuringGC()            { c.duringGC++ }

type traceRecorder struct {
	calls   []*Call
	values  []*ExprValue
	returns []*Return
	slows   []*Slow
	gcs     []*GC
	resets  []int
	err     error
}

func (t *traceRecorder) HandleCall(c *Call) error { t.calls = append(t.calls, c); return t.err }
func (t *traceRecorder) HandleExprValue(v *ExprValue) error {
	t.values = append(t.values, v)
	return t.err
}
func (t *traceRecorder) HandleReturn(r *Return) error { t.returns = append(t.returns, r); return t.err }
func (t *traceRecorder) HandleSlow(s *Slow) error     { t.slows = append(t.slows, s); return t.err }
func (t *traceRecorder) HandleGC(g *GC) error         { t.gcs = append(t.gcs, g); return t.err }
func (t *traceRecorder) ResetRule(rule int)           { t.resets = append(t.resets, rule) }

func newTestProcessor(t *testing.T) (*Processor, *controlRecorder, *traceRecorder) {
	t.Helper()
	ctl, tr := &controlRecorder{}, &traceRecorder{}
	p := NewProcessor(self, ctl, tr)
	require.NoError(t, p.HandleEvent(wire.Attached(self)))
	require.True(t, p.Attached())
	return p, ctl, tr
}

func feed(t *testing.T, p *Processor, evs ...wire.Event) {
	t.Helper()
	for _, ev := range evs {
		require.NoError(t, p.HandleEvent(ev), ev.String())
	}
}

func TestProcessor_CallResolution(t *testing.T) {
	p, ctl, tr := newTestProcessor(t)

	feed(t, p,
		wire.Added(0, "Foo#bar"),
		wire.NewExpr(0, 0, " @x"),
		wire.MethodName(42, "bar"),
		wire.ClassName(7, "Foo"),
		wire.Call(false, 1_000_000, 0, 42, false, 7),
		wire.ExprValue(0, 0, "1"),
		wire.Return(false, 1_000_500, 0),
	)

	assert.Equal(t, []string{`add,0,"Foo#bar"`}, ctl.added)
	assert.Equal(t, []string{"@x"}, ctl.exprs)
	assert.Equal(t, []int{0}, tr.resets)

	require.Len(t, tr.calls, 1)
	c := tr.calls[0]
	assert.Equal(t, "Foo#bar", c.Name())
	assert.Equal(t, "Foo#bar", c.Query)
	assert.False(t, c.Native)
	assert.Equal(t, time.UnixMicro(1_000_000), c.Time())

	require.Len(t, tr.values, 1)
	assert.Equal(t, ExprValue{Rule: 0, Index: 0, Expr: "@x", Value: "1"}, *tr.values[0])

	require.Len(t, tr.returns, 1)
	assert.Equal(t, uint64(1_000_500), tr.returns[0].TS)
}

func TestProcessor_Names(t *testing.T) {
	p, _, tr := newTestProcessor(t)

	feed(t, p,
		wire.MethodName(1, "now"),
		wire.ClassName(2, "Time"),
		wire.Call(true, 10, SentinelRule, 1, true, 2),
		wire.Call(true, 11, SentinelRule, 99, false, 0),
		wire.Call(false, 12, SentinelRule, 1, false, 0),
	)

	require.Len(t, tr.calls, 3)
	assert.Equal(t, "Time.now", tr.calls[0].Name())
	assert.True(t, tr.calls[0].Native)
	assert.Empty(t, tr.calls[0].Query)
	assert.Equal(t, UnknownMethod, tr.calls[1].Name())
	assert.Equal(t, "now", tr.calls[2].Name())
}

func TestProcessor_BeforeAttach(t *testing.T) {
	ctl, tr := &controlRecorder{}, &traceRecorder{}
	p := NewProcessor(self, ctl, tr)

	feed(t, p, wire.Call(false, 1, 0, 1, false, 1), wire.DuringGC())
	assert.Empty(t, tr.calls)
	assert.Equal(t, 1, ctl.duringGC)

	// someone else's attachment does not attach us
	feed(t, p, wire.Attached(7))
	assert.False(t, p.Attached())
	assert.Equal(t, []bool{false}, ctl.mine)

	feed(t, p, wire.Attached(self), wire.Detached(self))
	assert.False(t, p.Attached())
	assert.Equal(t, []uint32{self}, ctl.detached)
}

func TestProcessor_ControlEvents(t *testing.T) {
	p, ctl, tr := newTestProcessor(t)

	feed(t, p,
		wire.Added(-1, "Nope#x"),
		wire.Added(3, "Kernel#sleep"),
		wire.Removed(3, "Kernel#sleep"),
		wire.Evaled("2"),
	)

	assert.Equal(t, []string{`add,-1,"Nope#x"`, `add,3,"Kernel#sleep"`}, ctl.added)
	assert.Equal(t, []int{3}, tr.resets, "failed adds do not reset rule state")
	assert.Equal(t, []int{3}, ctl.removed)
	assert.Equal(t, []string{"2"}, ctl.evaled)
	assert.Equal(t, "Kernel#sleep", p.Query(3))
}

func TestProcessor_AddResetsExpressions(t *testing.T) {
	p, _, tr := newTestProcessor(t)

	feed(t, p,
		wire.Added(0, "A#a"),
		wire.NewExpr(0, 0, "self"),
		wire.Added(0, "B#b"),
		wire.ExprValue(0, 0, "x"),
	)

	require.Len(t, tr.values, 1)
	assert.Empty(t, tr.values[0].Expr)
	assert.Equal(t, "B#b", p.Query(0))
}

func TestProcessor_SlowAndGC(t *testing.T) {
	p, _, tr := newTestProcessor(t)

	feed(t, p,
		wire.MethodName(5, "sleep"),
		wire.ClassName(6, "Kernel"),
		wire.Slow(false, 100, 250001, 2, 5, false, 6),
		wire.GCStart(200),
		wire.GCEnd(300),
		wire.GCMark(400),
	)

	require.Len(t, tr.slows, 1)
	s := tr.slows[0]
	assert.Equal(t, "Kernel#sleep", s.Name())
	assert.Equal(t, 250001*time.Microsecond, s.Duration)
	assert.Equal(t, 2, s.Depth)

	require.Len(t, tr.gcs, 3)
	assert.Equal(t, GCStart, tr.gcs[0].Phase)
	assert.Equal(t, GCEnd, tr.gcs[1].Phase)
	assert.Equal(t, GCMark, tr.gcs[2].Phase)
	assert.Equal(t, "gc", tr.gcs[2].Phase.String())
}

func TestProcessor_Malformed(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	err := p.HandleEvent(wire.NewEvent(wire.TagCall, wire.String("x")))
	assert.ErrorIs(t, err, ErrMalformed)

	assert.NoError(t, p.HandleEvent(wire.NewEvent("forked", wire.Uint32(1))), "unknown events are skipped")
}

func TestProcessor_HandlerErrorsJoined(t *testing.T) {
	ctl := &controlRecorder{}
	a := &traceRecorder{err: errors.New("a failed")}
	b := &traceRecorder{}
	p := NewProcessor(self, ctl, a, b)
	feed(t, p, wire.Attached(self))

	err := p.HandleEvent(wire.GCMark(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a failed")
	assert.Len(t, b.gcs, 1, "later handlers still run")
}
