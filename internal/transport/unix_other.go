//go:build !linux

package transport

import "time"

// Socket is unavailable on this platform; use Pipe.
type Socket struct{}

// Open always fails with ErrNotSupported.
func Open(_, _ string, _ Options) (*Socket, error) {
	return nil, ErrNotSupported
}

// LocalPath returns the empty string.
func (s *Socket) LocalPath() string { return "" }

// Send always fails.
func (s *Socket) Send([]byte) error { return ErrNotSupported }

// Recv always fails.
func (s *Socket) Recv([]byte) (int, error) { return 0, ErrNotSupported }

// Wait always fails.
func (s *Socket) Wait(time.Duration) (bool, error) { return false, ErrNotSupported }

// Close is a no-op.
func (s *Socket) Close() error { return nil }
