package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrzor/calltrace/internal/eventprocessor"
	"github.com/mrzor/calltrace/internal/eventstream"
	"github.com/mrzor/calltrace/internal/log"
	"github.com/mrzor/calltrace/internal/transport"
	"github.com/mrzor/calltrace/internal/wire"
)

const (
	DefaultTimeout      = 5 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
	// duringGCDelay is how long to wait before waking a process that
	// deferred its commands until the collector finished.
	duringGCDelay = 10 * time.Millisecond
)

// TracerOptions configure a Tracer.
type TracerOptions struct {
	// Timeout bounds every wait for an acknowledgement.
	Timeout time.Duration
	// PollInterval is the pause between two wake-ups while waiting.
	PollInterval time.Duration
	// IdleInterval bounds one wait of the background reader. The traced
	// process is probed for liveness after each idle wait.
	IdleInterval time.Duration
	// Notices receives the "***" status lines. Defaults to stderr.
	Notices io.Writer
	// Validate checks expressions before they are sent. Defaults to
	// ValidateExpression.
	Validate func(code string) error
	// SelfPID identifies this client in the attach handshake. Defaults to
	// the current pid.
	SelfPID int
}

// newliner is implemented by trace handlers that print partial lines.
type newliner interface {
	Newline() error
}

// Tracer drives the command protocol for one traced process.
type Tracer struct {
	c      *Client
	opts   TracerOptions
	proc   *eventprocessor.Processor
	stream *eventstream.Stream
	traces []eventprocessor.TraceHandler

	running atomic.Bool

	mu         sync.Mutex
	attached   bool
	holder     uint32
	evalResult *string
}

var _ eventprocessor.ControlHandler = (*Tracer)(nil)

// NewTracer creates a tracer that routes trace events to traces.
func NewTracer(c *Client, opts TracerOptions, traces ...eventprocessor.TraceHandler) *Tracer {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Notices == nil {
		opts.Notices = os.Stderr
	}
	if opts.Validate == nil {
		opts.Validate = ValidateExpression
	}
	if opts.SelfPID == 0 {
		opts.SelfPID = os.Getpid()
	}

	t := &Tracer{c: c, opts: opts, traces: traces}
	t.proc = eventprocessor.NewProcessor(uint32(opts.SelfPID), t, traces...) //nolint:gosec // pids fit in uint32
	t.stream = eventstream.New(c.Events(), t.proc, eventstream.Options{
		PollInterval: opts.IdleInterval,
		OnIdle:       c.Alive,
	})
	return t
}

// Processor returns the event processor fed by the tracer.
func (t *Tracer) Processor() *eventprocessor.Processor { return t.proc }

// Attached reports whether the traced process acknowledged this client.
func (t *Tracer) Attached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attached
}

// Attach registers this client with the traced process. It fails with
// ErrAlreadyTraced when another client holds the process.
func (t *Tracer) Attach(ctx context.Context) error {
	if err := t.send(wire.CmdAttach, wire.Uint32(uint32(t.opts.SelfPID))); err != nil { //nolint:gosec // pids fit in uint32
		return err
	}

	var holder uint32
	ok, err := t.wait(ctx, "to attach", func() bool {
		t.mu.Lock()
		defer t.mu.Unlock()
		holder = t.holder
		return t.attached || holder != 0
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("process %d: %w: %w", t.c.PID(), ErrAlreadyTraced, ErrTimeout)
	}
	if holder != 0 && !t.Attached() {
		return fmt.Errorf("process %d is traced by %d: %w", t.c.PID(), holder, ErrAlreadyTraced)
	}
	t.notice("attached to process %d", t.c.PID())
	return nil
}

// Detach ends the session. It waits for the acknowledgement and reports
// whether the detach was clean on the notice stream.
func (t *Tracer) Detach() {
	pid := t.c.PID()
	err := t.send(wire.CmdDetach)
	switch {
	case err == nil, errors.Is(err, ErrProcessGone):
	case errors.Is(err, transport.ErrPeerGone):
		t.newline()
		t.notice("process %d is gone", pid)
		return
	default:
		log.Warn("detach failed", "pid", pid, "error", err)
	}

	t.newline()
	ok, _ := t.wait(context.Background(), "to detach cleanly", func() bool { return !t.Attached() }) //nolint:errcheck // background wait
	t.newline()
	if ok {
		t.notice("detached from process %d", pid)
	} else {
		t.notice("could not detach cleanly from process %d", pid)
	}
}

// Watch enables the slow-call watch with a threshold in milliseconds,
// measured in CPU time when cpu is set.
func (t *Tracer) Watch(thresholdMs uint64, cpu bool) error {
	name := wire.CmdWatch
	if cpu {
		name = wire.CmdWatchCPU
	}
	return t.send(name, wire.Uint64(thresholdMs))
}

// Unwatch disables the slow-call watch.
func (t *Tracer) Unwatch() error { return t.send(wire.CmdUnwatch) }

// Firehose traces every call.
func (t *Tracer) Firehose() error { return t.send(wire.CmdFirehose) }

// DevMode makes rules match by class name.
func (t *Tracer) DevMode() error { return t.send(wire.CmdDevMode) }

// GC subscribes to collector events.
func (t *Tracer) GC() error { return t.send(wire.CmdGC) }

// Add registers one rule per selector, followed by its expressions. slow
// restricts the slow watch to these rules.
func (t *Tracer) Add(selectors []string, slow bool) error {
	for _, s := range selectors {
		if strings.TrimSpace(s) == "" {
			continue
		}
		sel, err := ParseSelector(s)
		if err != nil {
			return err
		}
		for _, e := range sel.Exprs {
			if err := t.opts.Validate(e); err != nil {
				return fmt.Errorf("in method %q: %w", s, err)
			}
		}

		if err := t.send(wire.CmdAdd, wire.String(sel.Query), wire.Bool(slow)); err != nil {
			return err
		}
		for _, e := range sel.Exprs {
			if err := t.send(wire.CmdAddExpr, wire.String(e)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Remove removes the rule registered with query.
func (t *Tracer) Remove(query string) error {
	return t.send(wire.CmdRemove, wire.String(query))
}

// RemoveID removes the rule in slot id.
func (t *Tracer) RemoveID(id int) error {
	if id < 0 {
		return fmt.Errorf("rule id %d is negative", id)
	}
	return t.send(wire.CmdRemove, wire.Uint32(uint32(id))) //nolint:gosec // checked above
}

// Eval evaluates code in the traced process and returns the inspected
// result.
func (t *Tracer) Eval(ctx context.Context, code string) (string, error) {
	if err := t.opts.Validate(code); err != nil {
		return "", err
	}

	t.mu.Lock()
	t.evalResult = nil
	t.mu.Unlock()

	if err := t.send(wire.CmdEval, wire.String(code)); err != nil {
		return "", err
	}

	var res string
	ok, err := t.wait(ctx, "for eval response", func() bool {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.evalResult == nil {
			return false
		}
		res = *t.evalResult
		t.evalResult = nil
		return true
	})
	if err != nil {
		return "", err
	}
	if !ok {
		t.notice("timed out waiting for eval response")
		return "", fmt.Errorf("eval: %w", ErrTimeout)
	}
	return res, nil
}

// Run reads trace events in the background until ctx is done or the
// traced process exits. It may be called once.
func (t *Tracer) Run(ctx context.Context) error {
	t.running.Store(true)
	defer t.running.Store(false)

	if err := t.stream.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-t.stream.Done():
	}
	_ = t.stream.Stop() //nolint:errcheck // always nil

	err := t.stream.Err()
	if errors.Is(err, ErrProcessGone) {
		log.Info("traced process exited", "pid", t.c.PID())
		return nil
	}
	return err
}

// Close releases the client endpoints.
func (t *Tracer) Close() error {
	return t.c.Close()
}

// HandleAttached implements eventprocessor.ControlHandler.
func (t *Tracer) HandleAttached(pid uint32, mine bool) {
	t.mu.Lock()
	if mine {
		t.attached = true
	} else {
		t.holder = pid
	}
	t.mu.Unlock()
	if !mine {
		t.notice("process %d is already being traced (%d != %d)", t.c.PID(), pid, t.opts.SelfPID)
	}
}

// HandleDetached implements eventprocessor.ControlHandler.
func (t *Tracer) HandleDetached(pid uint32, mine bool) {
	if !mine {
		t.notice("process %d detached %d, but we are %d", t.c.PID(), pid, t.opts.SelfPID)
		return
	}
	t.mu.Lock()
	t.attached = false
	t.mu.Unlock()
}

// HandleRuleAdded implements eventprocessor.ControlHandler.
func (t *Tracer) HandleRuleAdded(rule int, query string) {
	if rule < 0 {
		t.notice("unable to add tracer for %s", query)
		return
	}
	log.Debug("rule added", "rule", rule, "query", query)
}

// HandleRuleRemoved implements eventprocessor.ControlHandler.
func (t *Tracer) HandleRuleRemoved(rule int, query string) {
	if rule < 0 {
		t.notice("no tracer for %s", query)
		return
	}
	log.Debug("rule removed", "rule", rule, "query", query)
}

// HandleExprAdded implements eventprocessor.ControlHandler.
func (t *Tracer) HandleExprAdded(rule, index int, expr string) {
	if index < 0 {
		t.notice("unable to add expression %s", expr)
		return
	}
	log.Debug("expression added", "rule", rule, "index", index, "expr", expr)
}

// HandleEvaled implements eventprocessor.ControlHandler.
func (t *Tracer) HandleEvaled(result string) {
	t.mu.Lock()
	t.evalResult = &result
	t.mu.Unlock()
}

// HandleDuringGC implements eventprocessor.ControlHandler. The traced
// process deferred its commands, so it is woken again shortly.
func (t *Tracer) HandleDuringGC() {
	time.Sleep(duringGCDelay)
	if err := t.c.Signal(); err != nil {
		log.Debug("wake-up after gc failed", "error", err)
	}
}

// send queues a command and, unless the background reader runs, reads
// whatever the traced process already answered.
func (t *Tracer) send(name string, args ...wire.Value) error {
	if err := t.c.Send(name, args...); err != nil {
		return err
	}
	t.drain()
	return nil
}

func (t *Tracer) drain() {
	if t.running.Load() {
		return
	}
	if _, err := t.stream.Drain(); err != nil {
		log.Warn("reading events", "error", err)
	}
}

// wait polls for cond until the timeout: each round reads queued events,
// sleeps, wakes the traced process and checks cond. It stops early when
// the process is gone.
func (t *Tracer) wait(ctx context.Context, reason string, cond func() bool) (bool, error) {
	rounds := int(t.opts.Timeout / t.opts.PollInterval)
	timer := time.NewTimer(t.opts.PollInterval)
	defer timer.Stop()

	for i := 0; i < rounds; i++ {
		if err := ctx.Err(); err != nil {
			return false, t.stopWaiting(reason, i, err)
		}
		t.drain()

		timer.Reset(t.opts.PollInterval)
		select {
		case <-ctx.Done():
			return false, t.stopWaiting(reason, i, ctx.Err())
		case <-timer.C:
		}

		if err := t.c.Signal(); err != nil {
			if errors.Is(err, ErrProcessGone) {
				break
			}
			return false, err
		}
		if cond() {
			return true, nil
		}
	}
	return false, nil
}

func (t *Tracer) stopWaiting(reason string, round int, err error) error {
	left := t.opts.Timeout - time.Duration(round)*t.opts.PollInterval
	log.Info("stopped waiting", "reason", reason, "left", left)
	return err
}

func (t *Tracer) newline() {
	for _, h := range t.traces {
		if n, ok := h.(newliner); ok {
			if err := n.Newline(); err != nil {
				log.Debug("newline failed", "error", err)
			}
		}
	}
}

func (t *Tracer) notice(format string, args ...any) {
	fmt.Fprintf(t.opts.Notices, "*** "+format+"\n", args...)
}
