package transport

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

var (
	// ErrWouldBlock is returned when the operation cannot complete without
	// blocking. It is transient.
	ErrWouldBlock = errors.New("transport: operation would block")

	// ErrPeerGone is returned when the peer endpoint no longer exists or
	// refuses datagrams. It is permanent.
	ErrPeerGone = errors.New("transport: peer is gone")

	// ErrClosed is returned by operations on a closed endpoint.
	ErrClosed = errors.New("transport: endpoint is closed")

	// ErrNoPeer is returned by Send on an endpoint opened without a peer.
	ErrNoPeer = errors.New("transport: no peer address")

	// ErrTooLarge is returned when a datagram exceeds what the channel
	// accepts.
	ErrTooLarge = errors.New("transport: datagram too large")

	// ErrTruncated is returned by Recv when the datagram did not fit the
	// buffer. The leading bytes are still copied.
	ErrTruncated = errors.New("transport: datagram truncated")

	// ErrNotSupported is returned where unix datagram sockets are not
	// available.
	ErrNotSupported = errors.New("transport: not supported on this platform")
)

// DefaultAttempts is the retry bound used when a caller passes zero.
const DefaultAttempts = 10

// Conn is a datagram endpoint. Implementations never block.
type Conn interface {
	Send(b []byte) error
	Recv(b []byte) (int, error)
	Close() error
}

// WaitConn is a Conn that can wait for inbound data.
type WaitConn interface {
	Conn
	// Wait blocks up to timeout for a datagram to become readable.
	Wait(timeout time.Duration) (bool, error)
}

// Options configure a unix datagram endpoint.
type Options struct {
	// SendBuffer sets SO_SNDBUF when positive.
	SendBuffer int
	// Mode is applied to the bound socket file when non-zero.
	Mode uint32
}

// SendWithRetry sends b, retrying transient failures up to attempts times.
// The last transient error is returned when every attempt would block.
func SendWithRetry(c Conn, b []byte, attempts int) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = c.Send(b)
		if err == nil || !errors.Is(err, ErrWouldBlock) {
			return err
		}
	}
	return err
}

// RecvWithRetry reads one datagram into buf, retrying up to attempts
// times while nothing is available.
func RecvWithRetry(c Conn, buf []byte, attempts int) (int, error) {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	var (
		n   int
		err error
	)
	for i := 0; i < attempts; i++ {
		n, err = c.Recv(buf)
		if err == nil || !errors.Is(err, ErrWouldBlock) {
			return n, err
		}
	}
	return n, err
}

// ControlPath is the address the traced process binds for commands.
func ControlPath(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("calltrace-%d.ctl.sock", pid))
}

// EventPath is the address the client binds to receive events from the
// traced process pid.
func EventPath(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("calltrace-%d.sock", pid))
}
