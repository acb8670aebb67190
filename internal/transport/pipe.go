package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// DefaultPipeDepth bounds the number of datagrams queued per direction.
const DefaultPipeDepth = 1024

// pipeBuf is the shared state behind a Pipe pair.
type pipeBuf struct {
	mu       sync.Mutex
	depth    int
	maxBytes int
}

// Pipe is one end of an in-memory datagram pair.
type Pipe struct {
	shared  *pipeBuf
	inbox   *queue.Queue
	notify  chan struct{}
	peer    *Pipe
	closed  bool
	sendErr error
}

var _ WaitConn = (*Pipe)(nil)

// NewPipe returns two connected ends. depth bounds each direction's queue
// (DefaultPipeDepth when non-positive) and maxBytes, when positive, bounds
// one datagram.
func NewPipe(depth, maxBytes int) (*Pipe, *Pipe) {
	if depth <= 0 {
		depth = DefaultPipeDepth
	}
	shared := &pipeBuf{depth: depth, maxBytes: maxBytes}
	a := &Pipe{shared: shared, inbox: queue.New(), notify: make(chan struct{}, 1)}
	b := &Pipe{shared: shared, inbox: queue.New(), notify: make(chan struct{}, 1)}
	a.peer, b.peer = b, a
	return a, b
}

// Send copies b onto the peer's queue.
func (p *Pipe) Send(b []byte) error {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()

	switch {
	case p.closed:
		return ErrClosed
	case p.sendErr != nil:
		return p.sendErr
	case p.peer.closed:
		return fmt.Errorf("send: %w", ErrPeerGone)
	case p.shared.maxBytes > 0 && len(b) > p.shared.maxBytes:
		return fmt.Errorf("send %d bytes: %w", len(b), ErrTooLarge)
	case p.peer.inbox.Length() >= p.shared.depth:
		return fmt.Errorf("send: queue full: %w", ErrWouldBlock)
	}

	msg := make([]byte, len(b))
	copy(msg, b)
	p.peer.inbox.Add(msg)

	select {
	case p.peer.notify <- struct{}{}:
	default:
	}
	return nil
}

// Recv pops the oldest queued datagram.
func (p *Pipe) Recv(b []byte) (int, error) {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()

	if p.closed {
		return 0, ErrClosed
	}
	if p.inbox.Length() == 0 {
		return 0, ErrWouldBlock
	}
	msg := p.inbox.Remove().([]byte) //nolint:forcetypeassert // only []byte is queued
	n := copy(b, msg)
	if n < len(msg) {
		return n, fmt.Errorf("%d byte datagram into %d byte buffer: %w", len(msg), len(b), ErrTruncated)
	}
	return n, nil
}

// Wait blocks until a datagram is queued or timeout elapses.
func (p *Pipe) Wait(timeout time.Duration) (bool, error) {
	p.shared.mu.Lock()
	closed, pending := p.closed, p.inbox.Length() > 0
	p.shared.mu.Unlock()

	if closed {
		return false, ErrClosed
	}
	if pending {
		return true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.notify:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

// Pending returns the number of datagrams waiting in this end's queue.
func (p *Pipe) Pending() int {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	return p.inbox.Length()
}

// SetSendError makes every subsequent Send fail with err. A nil err
// restores normal behavior.
func (p *Pipe) SetSendError(err error) {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	p.sendErr = err
}

// Close closes this end. The peer sees ErrPeerGone on its next Send.
func (p *Pipe) Close() error {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	p.closed = true
	return nil
}
