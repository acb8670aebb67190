//go:build linux

package transport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func shortTempDir(t *testing.T) string {
	t.Helper()
	// t.TempDir paths can exceed the sockaddr_un limit
	dir, err := os.MkdirTemp("/tmp", "ct")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func TestSocket_RoundTrip(t *testing.T) {
	dir := shortTempDir(t)
	ctl := ControlPath(dir, 1)
	evt := EventPath(dir, 1)

	agent, err := Open(ctl, evt, Options{SendBuffer: 65536, Mode: 0o600})
	require.NoError(t, err)
	defer agent.Close()

	client, err := Open(evt, ctl, Options{})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send([]byte("attach")))
	ok, err := agent.Wait(time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	buf := make([]byte, 64)
	n, err := agent.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, "attach", string(buf[:n]))

	require.NoError(t, agent.Send([]byte("attached")))
	n, err = RecvWithRetry(client, buf, 10)
	require.NoError(t, err)
	assert.Equal(t, "attached", string(buf[:n]))

	_, err = agent.Recv(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)

	info, err := os.Stat(ctl)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSocket_PeerGone(t *testing.T) {
	dir := shortTempDir(t)

	s, err := Open("", filepath.Join(dir, "missing.sock"), Options{})
	require.NoError(t, err)
	defer s.Close()

	assert.ErrorIs(t, s.Send([]byte("x")), ErrPeerGone)
}

func TestSocket_NoPeer(t *testing.T) {
	dir := shortTempDir(t)

	s, err := Open(filepath.Join(dir, "in.sock"), "", Options{})
	require.NoError(t, err)
	defer s.Close()

	assert.ErrorIs(t, s.Send([]byte("x")), ErrNoPeer)
}

func TestSocket_CloseRemovesFile(t *testing.T) {
	dir := shortTempDir(t)
	path := filepath.Join(dir, "in.sock")

	// a stale file from a previous run is replaced
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	s, err := Open(path, "", Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.ErrorIs(t, s.Send(nil), ErrClosed)
}

func TestOpen_PathTooLong(t *testing.T) {
	_, err := Open("/tmp/"+strings.Repeat("x", 200), "", Options{})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		errno unix.Errno
		want  error
	}{
		{unix.EAGAIN, ErrWouldBlock},
		{unix.ENOBUFS, ErrWouldBlock},
		{unix.EINTR, ErrWouldBlock},
		{unix.EINVAL, ErrPeerGone},
		{unix.ENOENT, ErrPeerGone},
		{unix.ECONNREFUSED, ErrPeerGone},
		{unix.EPIPE, ErrPeerGone},
		{unix.EMSGSIZE, ErrTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.errno.Error(), func(t *testing.T) {
			err := classify("sendto", tt.errno)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, tt.errno)
		})
	}

	err := classify("sendto", unix.EACCES)
	assert.NotErrorIs(t, err, ErrWouldBlock)
	assert.NotErrorIs(t, err, ErrPeerGone)
}
