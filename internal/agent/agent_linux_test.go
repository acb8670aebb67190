//go:build linux

package agent

import (
	"os"
	"testing"
	"time"

	"github.com/mrzor/calltrace/internal/objspace"
	"github.com/mrzor/calltrace/internal/transport"
	"github.com/mrzor/calltrace/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAgent_UnixSockets(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "ct")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	space, err := objspace.New(objspace.Options{})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.SocketDir = dir
	cfg.SendBuffer = 65536
	a, err := New(space, space, Options{Config: cfg, PID: 4242})
	require.NoError(t, err)
	defer a.Close()

	client, err := transport.Open(transport.EventPath(dir, 4242), transport.ControlPath(dir, 4242), transport.Options{})
	require.NoError(t, err)
	defer client.Close()

	b, err := wire.NewCodec(0).EncodeCommand(wire.NewCommand(wire.CmdAttach, wire.Uint32(uint32(os.Getpid()))))
	require.NoError(t, err)
	require.NoError(t, client.Send(b))

	n, err := a.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ready, err := client.Wait(time.Second)
	require.NoError(t, err)
	require.True(t, ready)

	buf := make([]byte, 4096)
	m, err := client.Recv(buf)
	require.NoError(t, err)
	ev, err := wire.Decode(buf[:m])
	require.NoError(t, err)
	assert.Equal(t, wire.TagAttached, ev.Tag)
	pid, _ := ev.Field(0).Uint()
	assert.Equal(t, uint64(os.Getpid()), pid)
}

func TestAgent_WakeSignal(t *testing.T) {
	h := newHarness(t)
	h.agent.Notify()

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGURG))
	require.Eventually(t, h.agent.Pending, 2*time.Second, 5*time.Millisecond)
}
