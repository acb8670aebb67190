package attributes

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func envRecord(env map[string]string) *Record {
	return &Record{PID: 100, Env: env}
}

func TestTraceIDEvaluator_ValidHex(t *testing.T) {
	evaluator, err := NewTraceIDEvaluator(`env["TRACE_ID"]`)
	if err != nil {
		t.Fatalf("NewTraceIDEvaluator() error = %v", err)
	}

	rec := envRecord(map[string]string{"TRACE_ID": "0123456789abcdef0123456789abcdef"})

	traceID, warnings, err := evaluator.EvaluateAndValidate(rec)
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("Expected no warnings for valid trace ID, got %d", len(warnings))
	}

	expected, err := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("trace.TraceIDFromHex() error = %v", err)
	}
	if traceID != expected {
		t.Errorf("traceID = %v, want %v", traceID, expected)
	}
}

func TestTraceIDEvaluator_HashesInvalid(t *testing.T) {
	evaluator, err := NewTraceIDEvaluator(`"deploy-" + string(pid)`)
	if err != nil {
		t.Fatalf("NewTraceIDEvaluator() error = %v", err)
	}

	traceID, warnings, err := evaluator.EvaluateAndValidate(envRecord(nil))
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}

	hash := sha256.Sum256([]byte("deploy-100"))
	expected, err := trace.TraceIDFromHex(hex.EncodeToString(hash[:16]))
	if err != nil {
		t.Fatalf("trace.TraceIDFromHex() error = %v", err)
	}
	if traceID != expected {
		t.Errorf("traceID = %v, want %v", traceID, expected)
	}

	foundResult, foundWarning := false, false
	for _, w := range warnings {
		if w.Key == "_trace_id_expr_result" {
			foundResult = true
			if w.Value.AsString() != "deploy-100" {
				t.Errorf("_trace_id_expr_result = %q, want %q", w.Value.AsString(), "deploy-100")
			}
		}
		if w.Key == "_trace_id_invalid_warning" {
			foundWarning = true
		}
	}
	if !foundResult {
		t.Error("Missing _trace_id_expr_result warning")
	}
	if !foundWarning {
		t.Error("Missing _trace_id_invalid_warning warning")
	}
}

func TestTraceIDEvaluator_NoExpression(t *testing.T) {
	evaluator, err := NewTraceIDEvaluator("")
	if err != nil {
		t.Fatalf("NewTraceIDEvaluator(\"\") error = %v", err)
	}

	traceID, warnings, err := evaluator.EvaluateAndValidate(envRecord(nil))
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}
	if traceID != (trace.TraceID{}) {
		t.Error("Expected zero trace ID when no expression is configured")
	}
	if len(warnings) != 0 {
		t.Errorf("Expected no warnings, got %d", len(warnings))
	}
}

func TestTraceIDEvaluator_CompileError(t *testing.T) {
	if _, err := NewTraceIDEvaluator(`env[`); err == nil {
		t.Error("NewTraceIDEvaluator() expected error")
	}
}

func TestParentIDEvaluator_ValidHex(t *testing.T) {
	evaluator, err := NewParentIDEvaluator(`env["PARENT_SPAN_ID"]`)
	if err != nil {
		t.Fatalf("NewParentIDEvaluator() error = %v", err)
	}

	rec := envRecord(map[string]string{"PARENT_SPAN_ID": "0123456789abcdef"})

	spanID, warnings, err := evaluator.EvaluateAndValidate(rec)
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("Expected no warnings for valid span ID, got %d", len(warnings))
	}

	expected, err := trace.SpanIDFromHex("0123456789abcdef")
	if err != nil {
		t.Fatalf("trace.SpanIDFromHex() error = %v", err)
	}
	if spanID != expected {
		t.Errorf("spanID = %v, want %v", spanID, expected)
	}
}

func TestParentIDEvaluator_InvalidHex(t *testing.T) {
	evaluator, err := NewParentIDEvaluator(`env["INVALID_PARENT"]`)
	if err != nil {
		t.Fatalf("NewParentIDEvaluator() error = %v", err)
	}

	rec := envRecord(map[string]string{"INVALID_PARENT": "notvalid"})

	spanID, warnings, err := evaluator.EvaluateAndValidate(rec)
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}
	if spanID != (trace.SpanID{}) {
		t.Error("Expected zero span ID for invalid parent")
	}
	if len(warnings) != 2 {
		t.Errorf("Expected 2 warnings for invalid parent ID, got %d", len(warnings))
	}
}

func TestParentIDEvaluator_NoExpression(t *testing.T) {
	evaluator, err := NewParentIDEvaluator("")
	if err != nil {
		t.Fatalf("NewParentIDEvaluator(\"\") error = %v", err)
	}

	spanID, warnings, err := evaluator.EvaluateAndValidate(nil)
	if err != nil {
		t.Fatalf("EvaluateAndValidate() error = %v", err)
	}
	if spanID != (trace.SpanID{}) {
		t.Error("Expected zero span ID when no expression is configured")
	}
	if len(warnings) != 0 {
		t.Errorf("Expected no warnings, got %d", len(warnings))
	}
}

func TestEnviron(t *testing.T) {
	t.Setenv("CALLTRACE_ATTR_TEST", "a=b")
	if got := Environ()["CALLTRACE_ATTR_TEST"]; got != "a=b" {
		t.Errorf("Environ()[CALLTRACE_ATTR_TEST] = %q, want %q", got, "a=b")
	}
}
