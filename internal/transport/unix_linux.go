//go:build linux

package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Socket is a non-blocking unix datagram endpoint.
type Socket struct {
	mu     sync.Mutex
	fd     int
	local  string
	peer   *unix.SockaddrUnix
	closed bool
}

var _ WaitConn = (*Socket)(nil)

// Open creates a datagram socket. When local is non-empty the socket is
// bound there, replacing any stale file. When peer is non-empty Send
// addresses it.
func Open(local, peer string, opts Options) (*Socket, error) {
	for _, p := range []string{local, peer} {
		if err := checkPath(p); err != nil {
			return nil, err
		}
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("creating socket: %w", err)
	}

	if opts.SendBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBuffer); err != nil {
			_ = unix.Close(fd) //nolint:errcheck // error path
			return nil, fmt.Errorf("setting SO_SNDBUF: %w", err)
		}
	}

	s := &Socket{fd: fd}
	if local != "" {
		if err := unix.Unlink(local); err != nil && !errors.Is(err, unix.ENOENT) {
			_ = unix.Close(fd) //nolint:errcheck // error path
			return nil, fmt.Errorf("removing stale socket %s: %w", local, err)
		}
		if err := unix.Bind(fd, &unix.SockaddrUnix{Name: local}); err != nil {
			_ = unix.Close(fd) //nolint:errcheck // error path
			return nil, fmt.Errorf("binding %s: %w", local, err)
		}
		if opts.Mode != 0 {
			if err := unix.Chmod(local, opts.Mode); err != nil {
				_ = unix.Close(fd)     //nolint:errcheck // error path
				_ = unix.Unlink(local) //nolint:errcheck // error path
				return nil, fmt.Errorf("chmod %s: %w", local, err)
			}
		}
		s.local = local
	}
	if peer != "" {
		s.peer = &unix.SockaddrUnix{Name: peer}
	}
	return s, nil
}

// LocalPath returns the bound address, if any.
func (s *Socket) LocalPath() string { return s.local }

// Send transmits one datagram to the peer.
func (s *Socket) Send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.peer == nil {
		return ErrNoPeer
	}
	if err := unix.Sendto(s.fd, b, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL, s.peer); err != nil {
		return classify("sendto", err)
	}
	return nil
}

// Recv reads one datagram into b.
func (s *Socket) Recv(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	n, _, err := unix.Recvfrom(s.fd, b, unix.MSG_DONTWAIT|unix.MSG_TRUNC)
	if err != nil {
		return 0, classify("recvfrom", err)
	}
	if n > len(b) {
		return len(b), fmt.Errorf("%d byte datagram into %d byte buffer: %w", n, len(b), ErrTruncated)
	}
	return n, nil
}

// Wait polls for readability. It returns false on timeout.
func (s *Socket) Wait(timeout time.Duration) (bool, error) {
	s.mu.Lock()
	fd, closed := s.fd, s.closed
	s.mu.Unlock()
	if closed {
		return false, ErrClosed
	}

	ms := int(timeout / time.Millisecond)
	if ms < 0 {
		ms = -1
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}} //nolint:gosec // fds fit in int32
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&unix.POLLNVAL != 0 {
		return false, ErrClosed
	}
	return fds[0].Revents&unix.POLLIN != 0, nil
}

// Close releases the socket and removes the bound file. It is idempotent.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := unix.Close(s.fd); err != nil {
		errs = append(errs, fmt.Errorf("closing socket: %w", err))
	}
	if s.local != "" {
		if err := unix.Unlink(s.local); err != nil && !errors.Is(err, unix.ENOENT) {
			errs = append(errs, fmt.Errorf("removing %s: %w", s.local, err))
		}
	}
	return errors.Join(errs...)
}

// classify maps errno values onto the package's transient and permanent
// error classes, keeping the errno in the chain.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, unix.EAGAIN),
		errors.Is(err, unix.ENOBUFS),
		errors.Is(err, unix.EINTR):
		return fmt.Errorf("%s: %w: %w", op, ErrWouldBlock, err)
	case errors.Is(err, unix.EINVAL),
		errors.Is(err, unix.ENOENT),
		errors.Is(err, unix.ECONNREFUSED),
		errors.Is(err, unix.EPIPE),
		errors.Is(err, unix.ENOTCONN):
		return fmt.Errorf("%s: %w: %w", op, ErrPeerGone, err)
	case errors.Is(err, unix.EMSGSIZE):
		return fmt.Errorf("%s: %w: %w", op, ErrTooLarge, err)
	case errors.Is(err, unix.EBADF):
		return fmt.Errorf("%s: %w: %w", op, ErrClosed, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func checkPath(p string) error {
	var sa unix.RawSockaddrUnix
	if len(p) >= len(sa.Path) {
		return fmt.Errorf("socket path %q exceeds %d bytes", p, len(sa.Path)-1)
	}
	return nil
}
