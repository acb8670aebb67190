package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mrzor/calltrace/internal/config"
	"github.com/mrzor/calltrace/internal/eventprocessor"
	"github.com/mrzor/calltrace/internal/output"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name string
		opts options
		want string
	}{
		{"no pid", options{firehose: true}, "--pid is required"},
		{"nothing to trace", options{pid: 1}, errNothingToTrace.Error()},
		{"append without output", options{pid: 1, gc: true, appendOut: true}, "--append requires --output"},
		{"negative prefix", options{pid: 1, gc: true, prefix: -1}, "--prefix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, (&options{pid: 1, methods: []string{"Foo#bar"}}).validate())
	assert.NoError(t, (&options{pid: 1, evalGiven: true}).validate())
	assert.NoError(t, (&options{pid: 1, slowGiven: true}).validate())
}

func TestOptions_Watch(t *testing.T) {
	o := options{slow: 250, slowCPU: 100}
	_, _, ok := o.watch()
	assert.False(t, ok)

	o.slowGiven = true
	ms, cpu, ok := o.watch()
	assert.True(t, ok)
	assert.False(t, cpu)
	assert.Equal(t, uint64(250), ms)

	o.slowCPUGiven = true
	ms, cpu, _ = o.watch()
	assert.True(t, cpu)
	assert.Equal(t, uint64(100), ms)
}

func TestOptions_WaitTimeout(t *testing.T) {
	cfg := &config.Client{Timeout: 5 * time.Second}
	assert.Equal(t, 5*time.Second, (&options{}).waitTimeout(cfg))
	assert.Equal(t, 2*time.Second, (&options{timeout: 2}).waitTimeout(cfg))
}

func TestOptions_Selectors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "io.tracer"), []byte("# io\nFile.open\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "db.yaml"), []byte("slow_methods: [Repo.find]\n"), 0o600))

	o := options{
		methods:     []string{"Foo#bar(a, b)"},
		slowMethods: []string{"Foo#slow"},
		configs:     []string{"io", "db"},
	}
	methods, slow, err := o.selectors(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"Foo#bar(a, b)", "File.open"}, methods)
	assert.Equal(t, []string{"Foo#slow", "Repo.find"}, slow)

	o.configs = []string{"missing"}
	_, _, err = o.selectors(dir)
	assert.ErrorContains(t, err, "file does not exist")
}

func TestReport(t *testing.T) {
	rec, err := output.OpenRecorder(filepath.Join(t.TempDir(), "calls.db"), 7)
	require.NoError(t, err)
	defer rec.Close()

	require.NoError(t, rec.HandleCall(&eventprocessor.Call{TS: 1_000_000, Rule: 0, Class: "Foo", Method: "bar"}))
	require.NoError(t, rec.HandleExprValue(&eventprocessor.ExprValue{Rule: 0, Expr: "@x", Value: "1"}))
	require.NoError(t, rec.HandleReturn(&eventprocessor.Return{TS: 1_250_000, Rule: 0}))

	var buf bytes.Buffer
	require.NoError(t, report(&buf, rec, 5))

	out := buf.String()
	assert.Contains(t, out, "1 calls, 0 collections")
	assert.Contains(t, out, "Foo#bar")
	assert.Contains(t, out, "250ms")
	assert.Contains(t, out, "@x=1")
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Empty(t, firstNonEmpty("", ""))
}
