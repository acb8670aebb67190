package client

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/mrzor/calltrace/internal/agent"
	"github.com/mrzor/calltrace/internal/config"
	"github.com/mrzor/calltrace/internal/interp"
	"github.com/mrzor/calltrace/internal/objspace"
	"github.com/mrzor/calltrace/internal/output"
	"github.com/mrzor/calltrace/internal/transport"
	"github.com/mrzor/calltrace/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tracedPID = 99
	selfPID   = 1234
)

type harness struct {
	space   *objspace.Space
	agent   *agent.Agent
	ctl     *transport.Pipe
	tracer  *Tracer
	notices *bytes.Buffer
	out     *bytes.Buffer
	alive   error
}

// newHarness wires a tracer to an in-process agent. Waking the traced
// process polls the agent on the calling goroutine.
func newHarness(t *testing.T) *harness {
	t.Helper()
	space, err := objspace.New(objspace.Options{})
	require.NoError(t, err)

	agentIn, clientOut := transport.NewPipe(0, 0)
	agentOut, clientIn := transport.NewPipe(0, 0)

	a, err := agent.New(space, space, agent.Options{
		Config: &config.Core{
			SocketDir:    "/tmp",
			MaxPayload:   4096,
			SendAttempts: 10,
			RecvAttempts: 10,
			MaxCalls:     64,
		},
		PID:       tracedPID,
		Control:   agentIn,
		Connector: func() (transport.Conn, error) { return agentOut, nil },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	h := &harness{
		space:   space,
		agent:   a,
		ctl:     clientOut,
		notices: &bytes.Buffer{},
		out:     &bytes.Buffer{},
	}
	c := New(tracedPID, clientIn, clientOut, Options{
		Signal: func(int) error {
			_, err := a.Poll()
			return err
		},
		Alive: func(int) error { return h.alive },
	})
	text := output.NewTextFormatter(h.out, output.TextOptions{HideDuration: true})
	h.tracer = NewTracer(c, TracerOptions{
		Timeout:      200 * time.Millisecond,
		PollInterval: time.Millisecond,
		IdleInterval: 5 * time.Millisecond,
		Notices:      h.notices,
		SelfPID:      selfPID,
	}, text)
	return h
}

func (h *harness) fooWithCount(t *testing.T) interp.Value {
	t.Helper()
	foo := h.space.DefineClass("Foo", interp.Nil)
	require.NoError(t, h.space.Define(foo, objspace.Method{Name: "bar"}))
	x, err := h.space.NewObject(foo)
	require.NoError(t, err)
	require.NoError(t, h.space.SetIvar(x, "@count", h.space.Box(41)))
	return x
}

func TestTracer_Attach(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.tracer.Attach(context.Background()))
	assert.True(t, h.tracer.Attached())
	assert.True(t, h.tracer.Processor().Attached())
	assert.Equal(t, "*** attached to process 99\n", h.notices.String())
}

func TestTracer_AttachAlreadyTraced(t *testing.T) {
	h := newHarness(t)

	b, err := wire.NewCodec(0).EncodeCommand(wire.NewCommand(wire.CmdAttach, wire.Uint32(7)))
	require.NoError(t, err)
	require.NoError(t, h.ctl.Send(b))
	_, err = h.agent.Poll()
	require.NoError(t, err)

	err = h.tracer.Attach(context.Background())
	require.ErrorIs(t, err, ErrAlreadyTraced)
	assert.False(t, h.tracer.Attached())
	assert.Contains(t, h.notices.String(), "*** process 99 is already being traced (7 != 1234)")
}

func TestTracer_AddTracesCalls(t *testing.T) {
	h := newHarness(t)
	x := h.fooWithCount(t)

	require.NoError(t, h.tracer.Attach(context.Background()))
	require.NoError(t, h.tracer.Add([]string{"Foo#bar(self.count)", " "}, false))

	_, err := h.space.Send(x, "bar")
	require.NoError(t, err)
	h.tracer.drain()

	assert.Equal(t, "Foo#bar(self.count=41)\n", h.out.String())
	assert.Equal(t, "Foo#bar", h.tracer.Processor().Query(0))
}

func TestTracer_AddRejected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tracer.Attach(context.Background()))

	require.NoError(t, h.tracer.Add([]string{"Nope#bar"}, false))
	assert.Contains(t, h.notices.String(), "*** unable to add tracer for Nope#bar\n")
}

func TestTracer_AddInvalidExpression(t *testing.T) {
	h := newHarness(t)
	h.fooWithCount(t)
	require.NoError(t, h.tracer.Attach(context.Background()))

	err := h.tracer.Add([]string{"Foo#bar(self.count +)"}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `in method "Foo#bar(self.count +)"`)
	assert.Zero(t, h.ctl.Pending(), "nothing is sent for an invalid selector")
}

func TestTracer_RemoveUnknown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tracer.Attach(context.Background()))

	require.NoError(t, h.tracer.Remove("Foo#bar"))
	assert.Contains(t, h.notices.String(), "*** no tracer for Foo#bar\n")

	assert.Error(t, h.tracer.RemoveID(-1))
}

func TestTracer_Eval(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tracer.Attach(context.Background()))

	res, err := h.tracer.Eval(context.Background(), "1 + 1")
	require.NoError(t, err)
	assert.Equal(t, "2", res)

	_, err = h.tracer.Eval(context.Background(), "1 +")
	assert.Error(t, err)
}

func TestTracer_EvalTimesOutBeforeAttach(t *testing.T) {
	h := newHarness(t)

	_, err := h.tracer.Eval(context.Background(), "1 + 1")
	require.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, h.notices.String(), "*** timed out waiting for eval response\n")
}

func TestTracer_EvalCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.tracer.Eval(ctx, "1 + 1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTracer_Detach(t *testing.T) {
	h := newHarness(t)
	x := h.fooWithCount(t)
	require.NoError(t, h.tracer.Attach(context.Background()))
	require.NoError(t, h.tracer.Add([]string{"Foo#bar"}, false))

	h.tracer.Detach()
	assert.False(t, h.tracer.Attached())
	assert.Contains(t, h.notices.String(), "*** detached from process 99\n")

	// the traced process forgot the rule
	_, err := h.space.Send(x, "bar")
	require.NoError(t, err)
	h.tracer.drain()
	assert.Empty(t, h.out.String())
}

func TestTracer_WatchSlow(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tracer.Attach(context.Background()))
	require.NoError(t, h.tracer.Watch(250, true))
	require.NoError(t, h.tracer.Unwatch())
	require.NoError(t, h.tracer.GC())
	require.NoError(t, h.tracer.DevMode())
	require.NoError(t, h.tracer.Firehose())

	_, ok := h.agent.Session().Registry().Slow()
	assert.False(t, ok)
	assert.True(t, h.agent.Session().Registry().Firehose())
	assert.True(t, h.agent.Session().Registry().Verbose())
	assert.True(t, h.agent.Session().Registry().GC())
}

func TestTracer_RunStopsWhenProcessExits(t *testing.T) {
	h := newHarness(t)
	x := h.fooWithCount(t)
	require.NoError(t, h.tracer.Attach(context.Background()))
	require.NoError(t, h.tracer.Add([]string{"Foo#bar"}, false))

	_, err := h.space.Send(x, "bar")
	require.NoError(t, err)
	h.alive = ErrProcessGone

	done := make(chan error, 1)
	go func() { done <- h.tracer.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, "Foo#bar\n", h.out.String())
}

func TestTracer_RunCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.tracer.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestTracer_DuringGCWakesAgain(t *testing.T) {
	var signals int
	c := New(tracedPID, nil, nil, Options{
		Signal: func(int) error { signals++; return nil },
	})
	tr := NewTracer(c, TracerOptions{Notices: &bytes.Buffer{}})

	tr.HandleDuringGC()
	assert.Equal(t, 1, signals)
}

func TestTracer_ForeignDetach(t *testing.T) {
	var notices bytes.Buffer
	c := New(tracedPID, nil, nil, Options{Signal: func(int) error { return nil }})
	tr := NewTracer(c, TracerOptions{Notices: &notices, SelfPID: selfPID})

	tr.HandleAttached(selfPID, true)
	tr.HandleDetached(7, false)
	assert.True(t, tr.Attached())
	assert.Equal(t, "*** process 99 detached 7, but we are 1234\n", notices.String())
}
