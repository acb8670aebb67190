package eventprocessor

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mrzor/calltrace/internal/log"
	"github.com/mrzor/calltrace/internal/wire"
)

// SentinelRule is the rule id reported for calls not bound to a rule.
const SentinelRule = 255

// ErrMalformed is returned for events whose fields do not fit their tag.
var ErrMalformed = errors.New("malformed event")

// ControlHandler handles handshake and acknowledgement events.
type ControlHandler interface {
	// HandleAttached reports the pid the traced process is attached to.
	// mine is set when that pid is ours.
	HandleAttached(pid uint32, mine bool)
	HandleDetached(pid uint32, mine bool)
	// HandleRuleAdded reports an add acknowledgement. rule is -1 when the
	// traced process rejected the query.
	HandleRuleAdded(rule int, query string)
	HandleRuleRemoved(rule int, query string)
	HandleExprAdded(rule, index int, expr string)
	HandleEvaled(result string)
	HandleDuringGC()
}

// TraceHandler handles resolved trace events.
type TraceHandler interface {
	HandleCall(c *Call) error
	HandleExprValue(v *ExprValue) error
	HandleReturn(r *Return) error
	HandleSlow(s *Slow) error
	HandleGC(g *GC) error
}

// RuleResetter is implemented by trace handlers that keep per-rule state.
type RuleResetter interface {
	ResetRule(rule int)
}

type ruleState struct {
	query string
	exprs map[int]string
}

// Processor coordinates event processing.
// It resolves identities and routes events to the control and trace handlers.
type Processor struct {
	mu       sync.Mutex
	selfPID  uint32
	attached bool
	methods  map[uint64]string
	classes  map[uint64]string
	rules    map[int]*ruleState
	control  ControlHandler
	traces   []TraceHandler
}

// NewProcessor creates a new event processor for a client running as selfPID.
func NewProcessor(selfPID uint32, control ControlHandler, traces ...TraceHandler) *Processor {
	return &Processor{
		selfPID: selfPID,
		methods: make(map[uint64]string),
		classes: make(map[uint64]string),
		rules:   make(map[int]*ruleState),
		control: control,
		traces:  traces,
	}
}

// Attached reports whether the traced process acknowledged us.
func (p *Processor) Attached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached
}

// Query returns the query text of rule, or "" for unknown rules.
func (p *Processor) Query(rule int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.rules[rule]; ok {
		return st.query
	}
	return ""
}

// HandleEvent routes one event by tag.
func (p *Processor) HandleEvent(ev wire.Event) error {
	switch ev.Tag {
	case wire.TagDuringGC:
		p.control.HandleDuringGC()
		return nil
	case wire.TagAttached, wire.TagDetached:
		return p.handleAttachment(ev)
	}

	p.mu.Lock()
	attached := p.attached
	p.mu.Unlock()
	if !attached {
		log.Warn("event before attaching", "event", string(ev.Tag))
		return nil
	}

	switch ev.Tag {
	case wire.TagEvaled:
		res, ok := ev.Field(0).Text()
		if !ok {
			return malformed(ev)
		}
		p.control.HandleEvaled(res)
		return nil
	case wire.TagMethodName, wire.TagClassName:
		return p.handleName(ev)
	case wire.TagAdd:
		return p.handleAdd(ev)
	case wire.TagRemove:
		return p.handleRemove(ev)
	case wire.TagNewExpr:
		return p.handleNewExpr(ev)
	case wire.TagExprValue:
		return p.handleExprValue(ev)
	case wire.TagCall, wire.TagCCall:
		return p.handleCall(ev)
	case wire.TagReturn, wire.TagCReturn:
		return p.handleReturn(ev)
	case wire.TagSlow, wire.TagCSlow:
		return p.handleSlow(ev)
	case wire.TagGCStart:
		return p.handleGC(ev, GCStart)
	case wire.TagGCEnd:
		return p.handleGC(ev, GCEnd)
	case wire.TagGC:
		return p.handleGC(ev, GCMark)
	default:
		log.Warn("unknown event", "event", ev.String())
		return nil
	}
}

func (p *Processor) handleAttachment(ev wire.Event) error {
	pid, ok := ev.Field(0).Uint()
	if !ok {
		return malformed(ev)
	}
	mine := uint32(pid) == p.selfPID //nolint:gosec // pids fit in uint32

	p.mu.Lock()
	if mine {
		p.attached = ev.Tag == wire.TagAttached
	}
	p.mu.Unlock()

	if ev.Tag == wire.TagAttached {
		p.control.HandleAttached(uint32(pid), mine) //nolint:gosec // pids fit in uint32
	} else {
		p.control.HandleDetached(uint32(pid), mine) //nolint:gosec // pids fit in uint32
	}
	return nil
}

func (p *Processor) handleName(ev wire.Event) error {
	id, ok := ev.Field(0).Uint()
	name, ok2 := ev.Field(1).Text()
	if !ok || !ok2 {
		return malformed(ev)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.Tag == wire.TagMethodName {
		p.methods[id] = name
	} else {
		p.classes[id] = name
	}
	return nil
}

func (p *Processor) handleAdd(ev wire.Event) error {
	id, ok := ev.Field(0).Int()
	query, ok2 := ev.Field(1).Text()
	if !ok || !ok2 {
		return malformed(ev)
	}

	if id >= 0 {
		p.mu.Lock()
		p.rules[int(id)] = &ruleState{query: query, exprs: make(map[int]string)}
		p.mu.Unlock()
		for _, h := range p.traces {
			if r, ok := h.(RuleResetter); ok {
				r.ResetRule(int(id))
			}
		}
	}
	p.control.HandleRuleAdded(int(id), query)
	return nil
}

func (p *Processor) handleRemove(ev wire.Event) error {
	id, ok := ev.Field(0).Int()
	query, ok2 := ev.Field(1).Text()
	if !ok || !ok2 {
		return malformed(ev)
	}
	// in-flight returns of the removed rule still resolve its state
	p.control.HandleRuleRemoved(int(id), query)
	return nil
}

func (p *Processor) handleNewExpr(ev wire.Event) error {
	rule, ok := ev.Field(0).Int()
	idx, ok2 := ev.Field(1).Int()
	expr, ok3 := ev.Field(2).Text()
	if !ok || !ok2 || !ok3 {
		return malformed(ev)
	}

	expr = strings.TrimSpace(expr)
	if idx > -1 {
		p.mu.Lock()
		if st, found := p.rules[int(rule)]; found {
			st.exprs[int(idx)] = expr
		}
		p.mu.Unlock()
	}
	p.control.HandleExprAdded(int(rule), int(idx), expr)
	return nil
}

func (p *Processor) handleExprValue(ev wire.Event) error {
	rule, ok := ev.Field(0).Int()
	idx, ok2 := ev.Field(1).Int()
	val, ok3 := ev.Field(2).Text()
	if !ok || !ok2 || !ok3 {
		return malformed(ev)
	}

	v := &ExprValue{Rule: int(rule), Index: int(idx), Value: val}
	p.mu.Lock()
	if st, found := p.rules[v.Rule]; found {
		v.Expr = st.exprs[v.Index]
	}
	p.mu.Unlock()

	return p.each(func(h TraceHandler) error { return h.HandleExprValue(v) })
}

func (p *Processor) handleCall(ev wire.Event) error {
	ts, ok1 := ev.Field(0).Uint()
	rule, ok2 := ev.Field(1).Uint()
	mid, ok3 := ev.Field(2).Uint()
	single, ok4 := ev.Field(3).Bool()
	klass, ok5 := ev.Field(4).Uint()
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return malformed(ev)
	}

	c := &Call{
		TS:        ts,
		Rule:      int(rule), //nolint:gosec // rule ids are below 256
		Native:    ev.Tag == wire.TagCCall,
		Singleton: single,
	}
	p.mu.Lock()
	c.Method = p.methods[mid]
	c.Class = p.classes[klass]
	if st, found := p.rules[c.Rule]; found && c.Rule != SentinelRule {
		c.Query = st.query
	}
	p.mu.Unlock()

	return p.each(func(h TraceHandler) error { return h.HandleCall(c) })
}

func (p *Processor) handleReturn(ev wire.Event) error {
	ts, ok1 := ev.Field(0).Uint()
	rule, ok2 := ev.Field(1).Uint()
	if !ok1 || !ok2 {
		return malformed(ev)
	}

	r := &Return{TS: ts, Rule: int(rule), Native: ev.Tag == wire.TagCReturn} //nolint:gosec // rule ids are below 256
	return p.each(func(h TraceHandler) error { return h.HandleReturn(r) })
}

func (p *Processor) handleSlow(ev wire.Event) error {
	ts, ok1 := ev.Field(0).Uint()
	elapsed, ok2 := ev.Field(1).Uint()
	depth, ok3 := ev.Field(2).Uint()
	mid, ok4 := ev.Field(3).Uint()
	single, ok5 := ev.Field(4).Bool()
	klass, ok6 := ev.Field(5).Uint()
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		return malformed(ev)
	}

	s := &Slow{
		TS:        ts,
		Duration:  time.Duration(elapsed) * time.Microsecond, //nolint:gosec // bounded by wire timestamps
		Depth:     int(depth),                                //nolint:gosec // bounded by the call stack size
		Native:    ev.Tag == wire.TagCSlow,
		Singleton: single,
	}
	p.mu.Lock()
	s.Method = p.methods[mid]
	s.Class = p.classes[klass]
	p.mu.Unlock()

	return p.each(func(h TraceHandler) error { return h.HandleSlow(s) })
}

func (p *Processor) handleGC(ev wire.Event, phase GCPhase) error {
	ts, ok := ev.Field(0).Uint()
	if !ok {
		return malformed(ev)
	}
	g := &GC{Phase: phase, TS: ts}
	return p.each(func(h TraceHandler) error { return h.HandleGC(g) })
}

func (p *Processor) each(fn func(TraceHandler) error) error {
	var errs []error
	for _, h := range p.traces {
		if err := fn(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func malformed(ev wire.Event) error {
	return fmt.Errorf("%s: %w", ev.String(), ErrMalformed)
}
