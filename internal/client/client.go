package client

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mrzor/calltrace/internal/log"
	"github.com/mrzor/calltrace/internal/transport"
	"github.com/mrzor/calltrace/internal/wire"
	"golang.org/x/sys/unix"
)

var (
	ErrInvalidPID      = errors.New("invalid pid")
	ErrPermission      = errors.New("could not signal process, are you running as root?")
	ErrNotListening    = errors.New("pid is not listening for messages, is the agent loaded?")
	ErrProcessGone     = errors.New("process is gone")
	ErrAlreadyTraced   = errors.New("process already being traced")
	ErrTimeout         = errors.New("timed out")
	ErrCommandTooLong  = errors.New("command is too long")
	ErrInvalidSelector = errors.New("invalid selector")
)

const (
	// listenTries and listenDelay bound how long Dial waits for the
	// traced process to bind its control socket.
	listenTries = 5
	listenDelay = 150 * time.Millisecond
)

// Options configure a Client.
type Options struct {
	SocketDir    string
	MaxPayload   int
	SendAttempts int
	// Signal wakes the traced process. It defaults to sending SIGURG.
	Signal func(pid int) error
	// Alive checks that the traced process still exists. It defaults to
	// kill(pid, 0).
	Alive func(pid int) error
}

// Client talks to one traced process.
type Client struct {
	pid      int
	events   transport.WaitConn
	control  transport.Conn
	codec    *wire.Codec
	attempts int
	signal   func(int) error
	alive    func(int) error
}

// New creates a client over already opened endpoints. events receives
// from the traced process and control sends to it; they may be the same
// endpoint.
func New(pid int, events transport.WaitConn, control transport.Conn, opts Options) *Client {
	if opts.Signal == nil {
		opts.Signal = Wake
	}
	if opts.Alive == nil {
		opts.Alive = Alive
	}
	return &Client{
		pid:      pid,
		events:   events,
		control:  control,
		codec:    wire.NewCodec(opts.MaxPayload),
		attempts: opts.SendAttempts,
		signal:   opts.Signal,
		alive:    opts.Alive,
	}
}

// Dial checks that pid can be signalled, binds the event socket for it
// and waits until the process has bound its control socket.
func Dial(pid int, opts Options) (*Client, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrInvalidPID)
	}
	if opts.SocketDir == "" {
		opts.SocketDir = os.TempDir()
	}
	if opts.Alive == nil {
		opts.Alive = Alive
	}
	if opts.Signal == nil {
		opts.Signal = Wake
	}
	if err := opts.Alive(pid); err != nil {
		if errors.Is(err, ErrProcessGone) {
			return nil, fmt.Errorf("pid %d: %w", pid, ErrInvalidPID)
		}
		return nil, err
	}

	ctlPath := transport.ControlPath(opts.SocketDir, pid)
	sock, err := transport.Open(transport.EventPath(opts.SocketDir, pid), ctlPath, transport.Options{Mode: 0o666})
	if err != nil {
		return nil, fmt.Errorf("failed to bind event socket: %w", err)
	}

	for i := 0; i < listenTries; i++ {
		if err := opts.Signal(pid); err != nil {
			_ = sock.Close() //nolint:errcheck // error path
			return nil, err
		}
		time.Sleep(listenDelay)
		if _, err := os.Stat(ctlPath); err == nil {
			log.Debug("control socket found", "pid", pid, "path", ctlPath, "tries", i+1)
			return New(pid, sock, sock, opts), nil
		}
	}
	_ = sock.Close() //nolint:errcheck // error path
	return nil, fmt.Errorf("pid %d: %w", pid, ErrNotListening)
}

// PID returns the traced process id.
func (c *Client) PID() int { return c.pid }

// Events returns the endpoint trace events arrive on.
func (c *Client) Events() transport.WaitConn { return c.events }

// Send encodes a command, queues it on the control socket and wakes the
// traced process.
func (c *Client) Send(name string, args ...wire.Value) error {
	b, err := c.codec.EncodeCommand(wire.NewCommand(name, args...))
	if errors.Is(err, wire.ErrPayloadTooLarge) {
		return fmt.Errorf("%s: %w", name, ErrCommandTooLong)
	}
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	if err := transport.SendWithRetry(c.control, b, c.attempts); err != nil {
		return fmt.Errorf("sending %s: %w", name, err)
	}
	log.Debug("sent command", "name", name, "args", len(args))
	return c.Signal()
}

// Signal wakes the traced process so it polls its control socket.
func (c *Client) Signal() error {
	return c.signal(c.pid)
}

// Alive reports ErrProcessGone once the traced process has exited.
func (c *Client) Alive() error {
	return c.alive(c.pid)
}

// Close releases both endpoints and removes the event socket file.
func (c *Client) Close() error {
	errs := []error{c.events.Close()}
	if c.control != transport.Conn(c.events) {
		errs = append(errs, c.control.Close())
	}
	return errors.Join(errs...)
}

// Wake sends SIGURG to pid.
func Wake(pid int) error {
	return signalError(pid, unix.Kill(pid, unix.SIGURG))
}

// Alive probes pid with signal 0.
func Alive(pid int) error {
	return signalError(pid, unix.Kill(pid, 0))
}

func signalError(pid int, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ESRCH):
		return fmt.Errorf("pid %d: %w", pid, ErrProcessGone)
	case errors.Is(err, unix.EPERM):
		return fmt.Errorf("pid %d: %w", pid, ErrPermission)
	default:
		return fmt.Errorf("signalling pid %d: %w", pid, err)
	}
}
