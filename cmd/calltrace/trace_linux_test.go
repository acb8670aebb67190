//go:build linux

package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessRecord_Self(t *testing.T) {
	rec, warnings := processRecord(os.Getpid())
	require.Empty(t, warnings)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.NotEmpty(t, rec.Args)
	assert.NotEmpty(t, rec.Cmdline)
	assert.NotEmpty(t, rec.Env)
}

func TestProcessRecord_Gone(t *testing.T) {
	rec, warnings := processRecord(1 << 30)
	require.Len(t, warnings, 1)
	assert.Equal(t, "_process_metadata_warning", string(warnings[0].Key))
	assert.Empty(t, rec.Args)
	assert.NotEmpty(t, rec.Env)
}
