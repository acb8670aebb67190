package output

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/mrzor/calltrace/internal/attributes"
	"github.com/mrzor/calltrace/internal/eventprocessor"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrRule       = attribute.Key("calltrace.rule")
	AttrQuery      = attribute.Key("calltrace.query")
	AttrNative     = attribute.Key("calltrace.native")
	AttrSingleton  = attribute.Key("calltrace.singleton")
	AttrDurationUs = attribute.Key("calltrace.duration_us")
	AttrSlow       = attribute.Key("calltrace.slow")
	AttrDepth      = attribute.Key("calltrace.depth")
	AttrGCPhase    = attribute.Key("calltrace.gc.phase")
	AttrIncomplete = attribute.Key("calltrace.incomplete")
	AttrPID        = attribute.Key("process.pid")

	// exprPrefix is followed by the sanitized expression text.
	exprPrefix = "calltrace.expr."
	gcSpanName = "garbage_collect"
)

// OTELOptions configure an OTELFormatter.
type OTELOptions struct {
	// PID is the traced process.
	PID int
	// Env is exposed to custom attribute expressions as env.
	Env map[string]string
	// Args and Cmdline are exposed as args and cmdline.
	Args    []string
	Cmdline string
	// Attributes evaluates custom attributes when a call span ends.
	Attributes *attributes.Evaluator
	// TraceID and ParentID place root spans under a remote parent when
	// both are valid.
	TraceID  trace.TraceID
	ParentID trace.SpanID
	// Warnings are attached to every root span, typically from trace and
	// parent id evaluation.
	Warnings []attribute.KeyValue
}

// OTELSpanInfo holds an open call span.
type OTELSpanInfo struct {
	Span  trace.Span
	Ctx   context.Context
	Call  *eventprocessor.Call
	Exprs map[string]string
}

// OTELFormatter turns call/return pairs, slow calls and collections into
// OpenTelemetry spans. Nested calls become child spans of the innermost
// open call, whatever rule matched them.
type OTELFormatter struct {
	mu     sync.Mutex
	tracer trace.Tracer
	opts   OTELOptions
	root   context.Context

	byRule map[int][]*OTELSpanInfo
	active []*OTELSpanInfo
	gc     trace.Span
	lastTS uint64
}

var _ eventprocessor.TraceHandler = (*OTELFormatter)(nil)

// NewOTELFormatter creates a new OTELFormatter.
func NewOTELFormatter(tracer trace.Tracer, opts OTELOptions) *OTELFormatter {
	root := context.Background()
	if opts.TraceID.IsValid() && opts.ParentID.IsValid() {
		parent := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    opts.TraceID,
			SpanID:     opts.ParentID,
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		})
		root = trace.ContextWithRemoteSpanContext(root, parent)
	}

	return &OTELFormatter{
		tracer: tracer,
		opts:   opts,
		root:   root,
		byRule: make(map[int][]*OTELSpanInfo),
	}
}

// parentLocked returns the context new spans start from and whether they
// are root spans.
func (f *OTELFormatter) parentLocked() (context.Context, bool) {
	if n := len(f.active); n > 0 {
		return f.active[n-1].Ctx, false
	}
	return f.root, true
}

func (f *OTELFormatter) touch(ts uint64) {
	f.lastTS = max(f.lastTS, ts)
}

// HandleCall starts a span for the call.
func (f *OTELFormatter) HandleCall(c *eventprocessor.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touch(c.TS)

	parent, isRoot := f.parentLocked()
	attrs := []attribute.KeyValue{
		semconv.CodeFunction(c.Method),
		AttrRule.Int(c.Rule),
		AttrNative.Bool(c.Native),
		AttrSingleton.Bool(c.Singleton),
		AttrPID.Int(f.opts.PID),
	}
	if c.Class != "" {
		attrs = append(attrs, semconv.CodeNamespace(c.Class))
	}
	if c.Query != "" {
		attrs = append(attrs, AttrQuery.String(c.Query))
	}
	if isRoot {
		attrs = append(attrs, f.opts.Warnings...)
	}

	ctx, span := f.tracer.Start(parent, c.Name(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(c.Time()),
		trace.WithAttributes(attrs...),
	)

	info := &OTELSpanInfo{Span: span, Ctx: ctx, Call: c, Exprs: make(map[string]string)}
	f.byRule[c.Rule] = append(f.byRule[c.Rule], info)
	f.active = append(f.active, info)
	return nil
}

// HandleExprValue records an expression value on the open call of its rule.
func (f *OTELFormatter) HandleExprValue(v *eventprocessor.ExprValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stack := f.byRule[v.Rule]
	if len(stack) == 0 {
		return nil
	}
	info := stack[len(stack)-1]
	info.Exprs[v.Expr] = v.Value
	info.Span.SetAttributes(attribute.String(exprPrefix+attributes.SanitizeAttributeName(v.Expr), v.Value))
	return nil
}

// HandleReturn ends the innermost open span of the rule.
func (f *OTELFormatter) HandleReturn(r *eventprocessor.Return) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touch(r.TS)

	stack := f.byRule[r.Rule]
	if len(stack) == 0 {
		// call started before we attached
		return nil
	}
	info := stack[len(stack)-1]
	f.byRule[r.Rule] = stack[:len(stack)-1]
	f.deactivateLocked(info)

	durUs := uint64(0)
	if r.TS > info.Call.TS {
		durUs = r.TS - info.Call.TS
	}
	info.Span.SetAttributes(AttrDurationUs.Int64(int64(durUs))) //nolint:gosec // bounded by wire timestamps

	if f.opts.Attributes != nil && f.opts.Attributes.Len() > 0 {
		rec := f.record(info.Call.Method, info.Call.Class, info.Call.Name(), info.Call.Query, info.Call.Rule,
			info.Call.Native, info.Call.Singleton, durUs, info.Exprs)
		info.Span.SetAttributes(f.opts.Attributes.EvaluateCustomAttributes(rec)...)
	}

	info.Span.End(trace.WithTimestamp(r.Time()))
	return nil
}

// HandleSlow emits one span covering the slow call.
func (f *OTELFormatter) HandleSlow(s *eventprocessor.Slow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touch(s.TS)

	parent, isRoot := f.parentLocked()
	durUs := uint64(s.Duration / time.Microsecond) //nolint:gosec // durations are positive
	attrs := []attribute.KeyValue{
		semconv.CodeFunction(s.Method),
		AttrSlow.Bool(true),
		AttrDepth.Int(s.Depth),
		AttrNative.Bool(s.Native),
		AttrSingleton.Bool(s.Singleton),
		AttrDurationUs.Int64(int64(durUs)), //nolint:gosec // bounded by wire timestamps
		AttrPID.Int(f.opts.PID),
	}
	if s.Class != "" {
		attrs = append(attrs, semconv.CodeNamespace(s.Class))
	}
	if isRoot {
		attrs = append(attrs, f.opts.Warnings...)
	}
	if f.opts.Attributes != nil && f.opts.Attributes.Len() > 0 {
		rec := f.record(s.Method, s.Class, s.Name(), "", eventprocessor.SentinelRule, s.Native, s.Singleton, durUs, nil)
		attrs = append(attrs, f.opts.Attributes.EvaluateCustomAttributes(rec)...)
	}

	_, span := f.tracer.Start(parent, s.Name(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(s.Time()),
		trace.WithAttributes(attrs...),
	)
	span.End(trace.WithTimestamp(s.Time().Add(s.Duration)))
	return nil
}

// HandleGC emits garbage_collect spans.
func (f *OTELFormatter) HandleGC(g *eventprocessor.GC) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touch(g.TS)

	switch g.Phase {
	case eventprocessor.GCStart:
		if f.gc != nil {
			f.gc.End(trace.WithTimestamp(g.Time()))
		}
		parent, _ := f.parentLocked()
		_, f.gc = f.tracer.Start(parent, gcSpanName,
			trace.WithTimestamp(g.Time()),
			trace.WithAttributes(AttrGCPhase.String("full"), AttrPID.Int(f.opts.PID)),
		)
	case eventprocessor.GCEnd:
		if f.gc != nil {
			f.gc.End(trace.WithTimestamp(g.Time()))
			f.gc = nil
		}
	case eventprocessor.GCMark:
		if f.gc != nil {
			break
		}
		parent, _ := f.parentLocked()
		_, span := f.tracer.Start(parent, gcSpanName,
			trace.WithTimestamp(g.Time()),
			trace.WithAttributes(AttrGCPhase.String("mark"), AttrPID.Int(f.opts.PID)),
		)
		span.End(trace.WithTimestamp(g.Time()))
	}
	return nil
}

// ResetRule ends the open spans of a reused rule slot as incomplete.
func (f *OTELFormatter) ResetRule(rule int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, info := range f.byRule[rule] {
		f.endIncompleteLocked(info)
	}
	delete(f.byRule, rule)
}

// Close ends every open span as incomplete at the last seen timestamp.
func (f *OTELFormatter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for rule, stack := range f.byRule {
		for _, info := range stack {
			f.endIncompleteLocked(info)
		}
		delete(f.byRule, rule)
	}
	if f.gc != nil {
		f.gc.SetAttributes(AttrIncomplete.Bool(true))
		f.gc.End(trace.WithTimestamp(f.lastTimeLocked()))
		f.gc = nil
	}
	return nil
}

func (f *OTELFormatter) endIncompleteLocked(info *OTELSpanInfo) {
	f.deactivateLocked(info)
	info.Span.SetAttributes(AttrIncomplete.Bool(true))
	info.Span.End(trace.WithTimestamp(f.lastTimeLocked()))
}

func (f *OTELFormatter) lastTimeLocked() time.Time {
	if f.lastTS == 0 {
		return time.Now()
	}
	return time.UnixMicro(int64(f.lastTS)) //nolint:gosec // wire timestamps fit in int64
}

func (f *OTELFormatter) deactivateLocked(info *OTELSpanInfo) {
	if i := slices.Index(f.active, info); i >= 0 {
		f.active = slices.Delete(f.active, i, i+1)
	}
}

func (f *OTELFormatter) record(method, class, name, query string, rule int, native, singleton bool, durUs uint64, exprs map[string]string) *attributes.Record {
	return &attributes.Record{
		PID:        f.opts.PID,
		Env:        f.opts.Env,
		Args:       f.opts.Args,
		Cmdline:    f.opts.Cmdline,
		Method:     method,
		Class:      class,
		Name:       name,
		Query:      query,
		Rule:       rule,
		Native:     native,
		Singleton:  singleton,
		DurationUs: durUs,
		Exprs:      exprs,
	}
}
