package output

import (
	"context"
	"testing"
	"time"

	"github.com/mrzor/calltrace/internal/eventprocessor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newTestOTEL(t *testing.T, opts OTELOptions) (*OTELFormatter, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTELFormatter(tp.Tracer("test"), opts), exp
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func TestOTELFormatter_NestedSpans(t *testing.T) {
	f, exp := newTestOTEL(t, OTELOptions{PID: 77})

	require.NoError(t, f.HandleCall(&eventprocessor.Call{TS: 1_000_000, Rule: 0, Query: "Foo#bar", Class: "Foo", Method: "bar"}))
	require.NoError(t, f.HandleExprValue(&eventprocessor.ExprValue{Rule: 0, Expr: "@x", Value: "1"}))
	require.NoError(t, f.HandleCall(&eventprocessor.Call{TS: 1_000_100, Rule: 1, Class: "Kernel", Method: "sleep", Native: true}))
	require.NoError(t, f.HandleReturn(&eventprocessor.Return{TS: 1_100_100, Rule: 1, Native: true}))
	require.NoError(t, f.HandleReturn(&eventprocessor.Return{TS: 1_200_000, Rule: 0}))

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	inner, outer := spans[0], spans[1]

	assert.Equal(t, "Kernel#sleep", inner.Name)
	assert.Equal(t, "Foo#bar", outer.Name)
	assert.Equal(t, outer.SpanContext.SpanID(), inner.Parent.SpanID())
	assert.True(t, outer.StartTime.Equal(time.UnixMicro(1_000_000)))
	assert.True(t, outer.EndTime.Equal(time.UnixMicro(1_200_000)))

	attrs := attrMap(outer.Attributes)
	assert.Equal(t, "1", attrs["calltrace.expr._x"].AsString())
	assert.Equal(t, "Foo#bar", attrs["calltrace.query"].AsString())
	assert.Equal(t, int64(200_000), attrs["calltrace.duration_us"].AsInt64())
	assert.Equal(t, int64(77), attrs["process.pid"].AsInt64())
	assert.Equal(t, "Foo", attrs["code.namespace"].AsString())

	assert.True(t, attrMap(inner.Attributes)["calltrace.native"].AsBool())
}

func TestOTELFormatter_RemoteParent(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	parentID, _ := trace.SpanIDFromHex("0123456789abcdef")
	warn := attribute.String("_parent_id_invalid_warning", "x")

	f, exp := newTestOTEL(t, OTELOptions{TraceID: traceID, ParentID: parentID, Warnings: []attribute.KeyValue{warn}})

	require.NoError(t, f.HandleCall(&eventprocessor.Call{TS: 1, Rule: 255, Method: "run"}))
	require.NoError(t, f.HandleCall(&eventprocessor.Call{TS: 2, Rule: 255, Method: "step"}))
	require.NoError(t, f.HandleReturn(&eventprocessor.Return{TS: 3, Rule: 255}))
	require.NoError(t, f.HandleReturn(&eventprocessor.Return{TS: 4, Rule: 255}))

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	root := spans[1]
	assert.Equal(t, "run", root.Name)
	assert.Equal(t, traceID, root.SpanContext.TraceID())
	assert.Equal(t, parentID, root.Parent.SpanID())
	assert.Contains(t, attrMap(root.Attributes), "_parent_id_invalid_warning")
	assert.NotContains(t, attrMap(spans[0].Attributes), "_parent_id_invalid_warning", "warnings go on root spans only")
}

func TestOTELFormatter_SlowSpan(t *testing.T) {
	f, exp := newTestOTEL(t, OTELOptions{})

	require.NoError(t, f.HandleSlow(&eventprocessor.Slow{
		TS: 5_000_000, Duration: 250 * time.Millisecond, Depth: 1, Class: "Kernel", Method: "sleep",
	}))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "Kernel#sleep", spans[0].Name)
	assert.Equal(t, 250*time.Millisecond, spans[0].EndTime.Sub(spans[0].StartTime))
	attrs := attrMap(spans[0].Attributes)
	assert.True(t, attrs["calltrace.slow"].AsBool())
	assert.Equal(t, int64(1), attrs["calltrace.depth"].AsInt64())
}

func TestOTELFormatter_GC(t *testing.T) {
	f, exp := newTestOTEL(t, OTELOptions{})

	require.NoError(t, f.HandleGC(&eventprocessor.GC{Phase: eventprocessor.GCStart, TS: 100}))
	require.NoError(t, f.HandleGC(&eventprocessor.GC{Phase: eventprocessor.GCMark, TS: 150}))
	require.NoError(t, f.HandleGC(&eventprocessor.GC{Phase: eventprocessor.GCEnd, TS: 300}))
	require.NoError(t, f.HandleGC(&eventprocessor.GC{Phase: eventprocessor.GCMark, TS: 400}))

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "garbage_collect", spans[0].Name)
	assert.Equal(t, 200*time.Microsecond, spans[0].EndTime.Sub(spans[0].StartTime))
	assert.Equal(t, "mark", attrMap(spans[1].Attributes)["calltrace.gc.phase"].AsString())
}

func TestOTELFormatter_ReturnWithoutCall(t *testing.T) {
	f, exp := newTestOTEL(t, OTELOptions{})

	require.NoError(t, f.HandleReturn(&eventprocessor.Return{TS: 1, Rule: 0}))
	require.NoError(t, f.HandleExprValue(&eventprocessor.ExprValue{Rule: 0, Expr: "self", Value: "x"}))
	assert.Empty(t, exp.GetSpans())
}

func TestOTELFormatter_ResetAndClose(t *testing.T) {
	f, exp := newTestOTEL(t, OTELOptions{})

	require.NoError(t, f.HandleCall(&eventprocessor.Call{TS: 10, Rule: 0, Method: "a"}))
	require.NoError(t, f.HandleCall(&eventprocessor.Call{TS: 20, Rule: 1, Method: "b"}))
	f.ResetRule(0)
	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "a", spans[0].Name)
	assert.True(t, spans[0].EndTime.Equal(time.UnixMicro(20)))

	require.NoError(t, f.HandleGC(&eventprocessor.GC{Phase: eventprocessor.GCStart, TS: 30}))
	require.NoError(t, f.Close())

	spans = exp.GetSpans()
	require.Len(t, spans, 3)
	for _, s := range spans {
		assert.True(t, attrMap(s.Attributes)["calltrace.incomplete"].AsBool(), s.Name)
	}
	assert.True(t, spans[2].EndTime.Equal(time.UnixMicro(30)))
}
