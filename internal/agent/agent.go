package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrzor/calltrace/internal/command"
	"github.com/mrzor/calltrace/internal/config"
	"github.com/mrzor/calltrace/internal/dispatch"
	"github.com/mrzor/calltrace/internal/interp"
	"github.com/mrzor/calltrace/internal/log"
	"github.com/mrzor/calltrace/internal/session"
	"github.com/mrzor/calltrace/internal/timesync"
	"github.com/mrzor/calltrace/internal/transport"
	"golang.org/x/sys/unix"
)

// DefaultPollInterval is how long Serve waits on the control socket
// between checks for pending work.
const DefaultPollInterval = 100 * time.Millisecond

// Options configure an Agent. Zero values select the defaults derived
// from Config and the current process.
type Options struct {
	Config *config.Core
	PID    int
	// Control replaces the bound control socket.
	Control transport.Conn
	// Connector replaces the event socket dialer.
	Connector session.Connector
	Clock     timesync.Clock
	// Wake is the signal that marks commands pending.
	Wake os.Signal
}

// Agent is the in-process tracer.
type Agent struct {
	cfg  *config.Core
	pid  int
	sess *session.Session
	disp *dispatch.Dispatcher
	proc *command.Processor
	ctl  transport.Conn
	wake os.Signal

	pending atomic.Bool
	signals chan os.Signal
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// New creates an agent for rt. The agent is passive until a client
// attaches.
func New(rt interp.Runtime, hooks interp.Hooks, opts Options) (*Agent, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.ParseCore(); err != nil {
			return nil, err
		}
	}
	pid := opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}
	wake := opts.Wake
	if wake == nil {
		wake = unix.SIGURG
	}

	ctl := opts.Control
	if ctl == nil {
		sock, err := transport.Open(transport.ControlPath(cfg.SocketDir, pid), "", transport.Options{Mode: 0o666})
		if err != nil {
			return nil, fmt.Errorf("failed to open control socket: %w", err)
		}
		ctl = sock
	}

	connect := opts.Connector
	if connect == nil {
		events := transport.EventPath(cfg.SocketDir, pid)
		sndbuf := cfg.SendBuffer
		connect = func() (transport.Conn, error) {
			return transport.Open("", events, transport.Options{SendBuffer: sndbuf})
		}
	}

	sess := session.New(rt, hooks, connect, session.Options{
		MaxPayload:   cfg.MaxPayload,
		SendAttempts: cfg.SendAttempts,
		SlowAllRules: cfg.SlowAllRules,
		Clock:        opts.Clock,
	})

	a := &Agent{
		cfg:  cfg,
		pid:  pid,
		sess: sess,
		disp: dispatch.New(sess, cfg.MaxCalls),
		proc: command.New(sess, ctl, cfg.MaxPayload, cfg.RecvAttempts),
		ctl:  ctl,
		wake: wake,
		stop: make(chan struct{}),
	}
	log.Debug("agent ready", "pid", pid, "dir", cfg.SocketDir)
	return a, nil
}

// Session returns the agent's session.
func (a *Agent) Session() *session.Session { return a.sess }

// Dispatcher returns the agent's dispatcher.
func (a *Agent) Dispatcher() *dispatch.Dispatcher { return a.disp }

// PID is the process id the agent is addressed by.
func (a *Agent) PID() int { return a.pid }

// Wake marks commands as pending.
func (a *Agent) Wake() { a.pending.Store(true) }

// Pending reports whether a wake-up has not been served yet.
func (a *Agent) Pending() bool { return a.pending.Load() }

// Poll applies every queued command. When the session is busy the
// wake-up stays pending and Poll returns zero.
func (a *Agent) Poll() (int, error) {
	a.pending.Store(false)
	n, err := a.proc.Drain()
	if errors.Is(err, command.ErrBusy) {
		a.pending.Store(true)
		return 0, nil
	}
	if err != nil {
		return n, fmt.Errorf("draining commands: %w", err)
	}
	return n, nil
}

// PollIfPending polls only after a wake-up.
func (a *Agent) PollIfPending() (int, error) {
	if !a.pending.Load() {
		return 0, nil
	}
	return a.Poll()
}

// Notify installs the wake-up signal handler.
func (a *Agent) Notify() {
	a.once.Do(func() {
		a.signals = make(chan os.Signal, 1)
		signal.Notify(a.signals, a.wake)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for {
				select {
				case <-a.signals:
					a.Wake()
				case <-a.stop:
					return
				}
			}
		}()
	})
}

// Serve marks commands pending whenever the control socket becomes
// readable, until ctx is done or the agent is closed. It never applies
// commands itself: the host keeps calling PollIfPending at a safe point on
// the goroutine that runs the interpreter. Serve is meant for its own
// goroutine, next to the signal wake-up installed by Notify.
func (a *Agent) Serve(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	a.Notify()

	waiter, canWait := a.ctl.(transport.WaitConn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// a readable socket stays readable until the host drains it
		if canWait && !a.pending.Load() {
			ready, err := waiter.Wait(interval)
			if err != nil {
				return fmt.Errorf("waiting for commands: %w", err)
			}
			if ready {
				a.Wake()
			}
		} else {
			select {
			case <-ticker.C:
			case <-ctx.Done():
			case <-a.stop:
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stop:
			return nil
		default:
		}
	}
}

// Close detaches any client and releases the sockets.
func (a *Agent) Close() error {
	select {
	case <-a.stop:
		return nil
	default:
		close(a.stop)
	}
	if a.signals != nil {
		signal.Stop(a.signals)
	}
	a.wg.Wait()

	var errs []error
	g := a.sess.Guard()
	for !g.TryEnter() {
		time.Sleep(time.Millisecond)
	}
	errs = append(errs, a.sess.Close())
	g.Exit()
	errs = append(errs, a.ctl.Close())
	return errors.Join(errs...)
}
