package transport

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe_SendRecv(t *testing.T) {
	a, b := NewPipe(0, 0)

	require.NoError(t, a.Send([]byte("one")))
	require.NoError(t, a.Send([]byte("two")))
	assert.Equal(t, 2, b.Pending())

	buf := make([]byte, 16)
	n, err := b.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, "one", string(buf[:n]))

	n, err = b.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, "two", string(buf[:n]))

	_, err = b.Recv(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestPipe_SendCopiesBuffer(t *testing.T) {
	a, b := NewPipe(0, 0)

	msg := []byte("abc")
	require.NoError(t, a.Send(msg))
	msg[0] = 'x'

	buf := make([]byte, 8)
	n, err := b.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))
}

func TestPipe_Bounds(t *testing.T) {
	a, b := NewPipe(2, 4)

	err := a.Send([]byte("toolong"))
	assert.ErrorIs(t, err, ErrTooLarge)

	require.NoError(t, a.Send([]byte("1")))
	require.NoError(t, a.Send([]byte("2")))
	err = a.Send([]byte("3"))
	assert.ErrorIs(t, err, ErrWouldBlock)

	small := make([]byte, 0)
	_, err = b.Recv(small)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestPipe_Close(t *testing.T) {
	a, b := NewPipe(0, 0)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, a.Send([]byte("x")), ErrPeerGone)
	assert.ErrorIs(t, b.Send([]byte("x")), ErrClosed)

	_, err := b.Recv(make([]byte, 4))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPipe_Wait(t *testing.T) {
	a, b := NewPipe(0, 0)

	ok, err := b.Wait(10 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = a.Send([]byte("late")) //nolint:errcheck // checked through Wait
	}()

	ok, err = b.Wait(time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

// flaky fails with ErrWouldBlock a fixed number of times.
type flaky struct {
	failures int
	calls    int
	err      error
}

func (f *flaky) Send([]byte) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flaky) Recv([]byte) (int, error) {
	f.calls++
	if f.calls <= f.failures {
		return 0, f.err
	}
	return 1, nil
}

func (f *flaky) Close() error { return nil }

func TestSendWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		err       error
		attempts  int
		wantErr   error
		wantCalls int
	}{
		{"first try", 0, ErrWouldBlock, 10, nil, 1},
		{"recovers", 9, ErrWouldBlock, 10, nil, 10},
		{"gives up", 10, ErrWouldBlock, 10, ErrWouldBlock, 10},
		{"permanent stops", 5, ErrPeerGone, 10, ErrPeerGone, 1},
		{"default attempts", 100, ErrWouldBlock, 0, ErrWouldBlock, DefaultAttempts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &flaky{failures: tt.failures, err: tt.err}
			err := SendWithRetry(c, []byte("x"), tt.attempts)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantCalls, c.calls)
		})
	}
}

func TestRecvWithRetry(t *testing.T) {
	c := &flaky{failures: 3, err: ErrWouldBlock}
	n, err := RecvWithRetry(c, make([]byte, 1), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 4, c.calls)

	c = &flaky{failures: 3, err: errors.New("boom")}
	_, err = RecvWithRetry(c, make([]byte, 1), 5)
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, c.calls)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, filepath.Join("/tmp", "calltrace-4242.ctl.sock"), ControlPath("/tmp", 4242))
	assert.Equal(t, filepath.Join("/tmp", "calltrace-4242.sock"), EventPath("/tmp", 4242))
}
