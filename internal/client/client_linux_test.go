//go:build linux

package client

import (
	"os"
	"testing"
	"time"

	"github.com/mrzor/calltrace/internal/transport"
	"github.com/mrzor/calltrace/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func noSignal(int) error { return nil }

func TestDial_UnixSockets(t *testing.T) {
	dir := t.TempDir()
	ctl, err := transport.Open(transport.ControlPath(dir, 4242), "", transport.Options{})
	require.NoError(t, err)
	defer ctl.Close()

	c, err := Dial(4242, Options{SocketDir: dir, Signal: noSignal, Alive: noSignal})
	require.NoError(t, err)

	fi, err := os.Stat(transport.EventPath(dir, 4242))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o666), fi.Mode().Perm())

	require.NoError(t, c.Send(wire.CmdGC))
	ready, err := ctl.Wait(time.Second)
	require.NoError(t, err)
	require.True(t, ready)

	require.NoError(t, c.Close())
	_, err = os.Stat(transport.EventPath(dir, 4242))
	assert.True(t, os.IsNotExist(err), "closing removes the event socket")
}

func TestDial_NotListening(t *testing.T) {
	dir := t.TempDir()
	signals := 0
	_, err := Dial(4242, Options{
		SocketDir: dir,
		Signal:    func(int) error { signals++; return nil },
		Alive:     noSignal,
	})
	require.ErrorIs(t, err, ErrNotListening)
	assert.Equal(t, listenTries, signals)

	_, err = os.Stat(transport.EventPath(dir, 4242))
	assert.True(t, os.IsNotExist(err))
}

func TestSignalError(t *testing.T) {
	assert.NoError(t, signalError(1, nil))
	assert.ErrorIs(t, signalError(1, unix.ESRCH), ErrProcessGone)
	assert.ErrorIs(t, signalError(1, unix.EPERM), ErrPermission)
	assert.ErrorIs(t, signalError(1, unix.EINVAL), unix.EINVAL)
}

func TestAlive_Self(t *testing.T) {
	assert.NoError(t, Alive(os.Getpid()))
}
