package eventstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mrzor/calltrace/internal/log"
	"github.com/mrzor/calltrace/internal/transport"
	"github.com/mrzor/calltrace/internal/wire"
)

const (
	// DefaultPollInterval bounds one wait for inbound data.
	DefaultPollInterval = time.Second
	// batchSize is how many datagrams are drained per wake-up.
	batchSize = 50
	// bufSize holds the largest datagram a traced process sends.
	bufSize = 65536
)

// Handler consumes decoded events.
type Handler interface {
	HandleEvent(ev wire.Event) error
}

// Options tune a Stream.
type Options struct {
	// PollInterval bounds each wait; OnIdle runs when it elapses with
	// nothing received.
	PollInterval time.Duration
	// OnIdle is called after an idle wait. A non-nil error ends the stream,
	// typically because the traced process is gone.
	OnIdle func() error
}

// Stream reads events from a datagram endpoint and dispatches them to a handler.
type Stream struct {
	conn    transport.WaitConn
	handler Handler
	opts    Options
	buf     []byte

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	mu       sync.Mutex
	err      error
}

// New creates a new Stream with the given endpoint and event handler.
func New(conn transport.WaitConn, handler Handler, opts Options) *Stream {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Stream{
		conn:    conn,
		handler: handler,
		opts:    opts,
		buf:     make([]byte, bufSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins reading events in a goroutine.
// It returns immediately and processes events in the background until
// the context is cancelled, Stop is called, or the endpoint fails.
func (s *Stream) Start(ctx context.Context) error {
	go s.processEvents(ctx)
	return nil
}

// Stop signals the event processing goroutine to stop and waits for it.
func (s *Stream) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
	return nil
}

// Done is closed when the processing goroutine exits.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Drain processes up to one batch of queued datagrams without waiting.
// It must not run concurrently with the processing goroutine: call it
// before Start or after Stop.
func (s *Stream) Drain() (int, error) {
	return s.drain()
}

func (s *Stream) processEvents(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		ready, err := s.conn.Wait(s.opts.PollInterval)
		if err != nil {
			s.fail(err)
			return
		}
		if !ready {
			if s.opts.OnIdle != nil {
				if err := s.opts.OnIdle(); err != nil {
					s.fail(err)
					return
				}
			}
			continue
		}

		if _, err := s.drain(); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Stream) drain() (int, error) {
	n := 0
	for i := 0; i < batchSize; i++ {
		size, err := s.conn.Recv(s.buf)
		switch {
		case errors.Is(err, transport.ErrWouldBlock):
			return n, nil
		case errors.Is(err, transport.ErrTruncated):
			log.Warn("dropping truncated event", "size", size)
			continue
		case err != nil:
			return n, err
		}

		ev, err := wire.Decode(s.buf[:size])
		if err != nil {
			log.Warn("parsing event", "error", err)
			continue
		}
		n++
		if err := s.handler.HandleEvent(ev); err != nil {
			log.Warn("handling event", "event", string(ev.Tag), "error", err)
		}
	}
	return n, nil
}

func (s *Stream) fail(err error) {
	if errors.Is(err, transport.ErrClosed) {
		return
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
