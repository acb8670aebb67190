package command

import (
	"errors"
	"math"

	"github.com/mrzor/calltrace/internal/log"
	"github.com/mrzor/calltrace/internal/session"
	"github.com/mrzor/calltrace/internal/transport"
	"github.com/mrzor/calltrace/internal/wire"
)

// ErrBusy is returned by Drain when the session is in use.
var ErrBusy = errors.New("session is busy")

// Processor applies inbound commands to a session.
type Processor struct {
	sess     *session.Session
	conn     transport.Conn
	buf      []byte
	attempts int
}

// New creates a processor reading from conn. maxPayload sizes the receive
// buffer; attempts bounds the retries of each read.
func New(sess *session.Session, conn transport.Conn, maxPayload, attempts int) *Processor {
	if maxPayload <= 0 {
		maxPayload = wire.DefaultMaxPayload
	}
	return &Processor{
		sess:     sess,
		conn:     conn,
		buf:      make([]byte, maxPayload),
		attempts: attempts,
	}
}

// Drain applies every queued command and returns how many were applied.
// It takes the session guard and returns ErrBusy when it is held. While
// the collector runs nothing is read and a during_gc event is sent
// instead.
func (p *Processor) Drain() (int, error) {
	g := p.sess.Guard()
	if !g.TryEnter() {
		return 0, ErrBusy
	}
	defer g.Exit()

	if p.sess.Runtime().DuringGC() {
		p.sess.Emit(wire.DuringGC())
		return 0, nil
	}

	applied := 0
	for {
		n, err := transport.RecvWithRetry(p.conn, p.buf, p.attempts)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrWouldBlock):
			return applied, nil
		case errors.Is(err, transport.ErrTruncated):
			log.Debug("dropping oversized command", "error", err)
			continue
		default:
			return applied, err
		}

		cmd, err := wire.DecodeCommand(p.buf[:n])
		if err != nil {
			log.Debug("dropping malformed command", "error", err)
			continue
		}
		if p.Apply(cmd) {
			applied++
		}
	}
}

// Apply runs one command against the session and reports whether it was
// well formed.
func (p *Processor) Apply(cmd wire.Command) bool {
	ok := p.apply(cmd)
	if !ok {
		log.Debug("ignoring command", "name", cmd.Name, "args", len(cmd.Args))
	}
	return ok
}

func (p *Processor) apply(cmd wire.Command) bool {
	s := p.sess
	arity := len(cmd.Args)

	switch cmd.Name {
	case wire.CmdAttach:
		pid, ok := cmd.Arg(0).Uint()
		if arity != 1 || !ok || pid > math.MaxUint32 {
			return false
		}
		s.Attach(uint32(pid))

	case wire.CmdDetach:
		s.Detach()

	case wire.CmdWatch, wire.CmdWatchCPU:
		ms, ok := cmd.Arg(0).Uint()
		if arity != 1 || !ok || ms > math.MaxUint32 {
			return false
		}
		s.Watch(ms, cmd.Name == wire.CmdWatchCPU)

	case wire.CmdUnwatch:
		s.Unwatch()

	case wire.CmdFirehose:
		s.Firehose()

	case wire.CmdAdd:
		query, ok := cmd.Arg(0).Text()
		slow, isBool := cmd.Arg(1).Bool()
		if arity != 2 || !ok || !isBool {
			return false
		}
		s.AddRule(query, slow)

	case wire.CmdAddExpr:
		expr, ok := cmd.Arg(0).Text()
		if arity != 1 || !ok {
			return false
		}
		s.AddExpression(expr)

	case wire.CmdRemove:
		if arity != 1 {
			return false
		}
		if query, ok := cmd.Arg(0).Text(); ok {
			s.RemoveQuery(query)
			return true
		}
		id, ok := cmd.Arg(0).Uint()
		if !ok || id > math.MaxInt32 {
			return false
		}
		s.RemoveID(int(id))

	case wire.CmdGC:
		s.EnableGC()

	case wire.CmdDevMode:
		s.SetVerbose()

	case wire.CmdEval:
		expr, ok := cmd.Arg(0).Text()
		if arity != 1 || !ok {
			return false
		}
		s.Eval(expr)

	default:
		return false
	}
	return true
}
