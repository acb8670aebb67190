package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mrzor/calltrace/internal/config"
	"github.com/mrzor/calltrace/internal/interp"
	"github.com/mrzor/calltrace/internal/objspace"
	"github.com/mrzor/calltrace/internal/transport"
	"github.com/mrzor/calltrace/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Core {
	return &config.Core{
		SocketDir:    "/tmp",
		MaxPayload:   4096,
		SendAttempts: 10,
		RecvAttempts: 10,
		MaxCalls:     64,
	}
}

type harness struct {
	space  *objspace.Space
	agent  *Agent
	ctl    *transport.Pipe
	inbox  *transport.Pipe
	events *transport.Pipe
	codec  *wire.Codec
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	space, err := objspace.New(objspace.Options{})
	require.NoError(t, err)

	agentIn, clientOut := transport.NewPipe(0, 0)
	agentOut, clientIn := transport.NewPipe(0, 0)

	a, err := New(space, space, Options{
		Config:    testConfig(),
		PID:       99,
		Control:   agentIn,
		Connector: func() (transport.Conn, error) { return agentOut, nil },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	return &harness{space: space, agent: a, ctl: clientOut, inbox: agentIn, events: clientIn, codec: wire.NewCodec(0)}
}

func (h *harness) send(t *testing.T, name string, args ...wire.Value) {
	t.Helper()
	b, err := h.codec.EncodeCommand(wire.NewCommand(name, args...))
	require.NoError(t, err)
	require.NoError(t, h.ctl.Send(b))
}

func (h *harness) received(t *testing.T) []wire.Tag {
	t.Helper()
	var out []wire.Tag
	buf := make([]byte, 4096)
	for {
		n, err := h.events.Recv(buf)
		if errors.Is(err, transport.ErrWouldBlock) {
			return out
		}
		require.NoError(t, err)
		ev, err := wire.Decode(buf[:n])
		require.NoError(t, err)
		out = append(out, ev.Tag)
	}
}

func TestPoll_TracesAfterCommands(t *testing.T) {
	h := newHarness(t)
	foo := h.space.DefineClass("Foo", interp.Nil)
	require.NoError(t, h.space.Define(foo, objspace.Method{Name: "bar"}))
	x, err := h.space.NewObject(foo)
	require.NoError(t, err)

	h.send(t, wire.CmdAttach, wire.Uint32(7))
	h.send(t, wire.CmdAdd, wire.String("Foo#bar"), wire.Bool(false))
	n, err := h.agent.Poll()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = h.space.Send(x, "bar")
	require.NoError(t, err)

	assert.Equal(t, []wire.Tag{
		wire.TagAttached, wire.TagAdd,
		wire.TagMethodName, wire.TagClassName, wire.TagCall, wire.TagReturn,
	}, h.received(t))
}

func TestPollIfPending(t *testing.T) {
	h := newHarness(t)
	h.send(t, wire.CmdAttach, wire.Uint32(7))

	n, err := h.agent.PollIfPending()
	require.NoError(t, err)
	assert.Zero(t, n)

	h.agent.Wake()
	assert.True(t, h.agent.Pending())
	n, err = h.agent.PollIfPending()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, h.agent.Pending())
}

func TestPoll_BusyKeepsPending(t *testing.T) {
	h := newHarness(t)
	h.send(t, wire.CmdAttach, wire.Uint32(7))

	g := h.agent.Session().Guard()
	require.True(t, g.TryEnter())
	n, err := h.agent.Poll()
	g.Exit()

	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, h.agent.Pending())

	n, err = h.agent.PollIfPending()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestServe_OnlyMarksPending(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.agent.Serve(ctx, 10*time.Millisecond) }()

	h.send(t, wire.CmdAttach, wire.Uint32(7))
	require.Eventually(t, h.agent.Pending, 2*time.Second, 5*time.Millisecond)

	// commands wait for the host's safe point
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, h.events.Pending())
	assert.Equal(t, 1, h.inbox.Pending())

	n, err := h.agent.PollIfPending()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []wire.Tag{wire.TagAttached}, h.received(t))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestClose_Detaches(t *testing.T) {
	h := newHarness(t)
	h.send(t, wire.CmdAttach, wire.Uint32(7))
	_, err := h.agent.Poll()
	require.NoError(t, err)

	require.NoError(t, h.agent.Close())
	require.NoError(t, h.agent.Close())

	assert.Equal(t, []wire.Tag{wire.TagAttached, wire.TagDetached}, h.received(t))
}
