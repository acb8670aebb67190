package procmeta

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultRoot is where the proc filesystem is mounted.
const DefaultRoot = "/proc"

// ProcessMetadata holds structured process information for expression evaluation.
type ProcessMetadata struct {
	Environ     map[string]string // Parsed environment variables
	Args        []string          // Command-line arguments
	CmdlineFull string            // Full command line as single string
}

// Read collects the metadata of pid under root. A process whose
// environment is unreadable still yields its command line; the returned
// error then describes what is missing.
func Read(root string, pid int) (*ProcessMetadata, error) {
	if root == "" {
		root = DefaultRoot
	}
	dir := filepath.Join(root, strconv.Itoa(pid))

	raw, err := os.ReadFile(filepath.Join(dir, "cmdline"))
	if err != nil {
		return nil, fmt.Errorf("reading command line of %d: %w", pid, err)
	}
	meta := &ProcessMetadata{Environ: map[string]string{}}
	meta.Args, meta.CmdlineFull = parseCmdline(splitNul(raw))

	raw, err = os.ReadFile(filepath.Join(dir, "environ"))
	if err != nil {
		return meta, fmt.Errorf("reading environment of %d: %w", pid, err)
	}
	meta.Environ = parseEnviron(splitNul(raw))
	return meta, nil
}

// splitNul splits a NUL-separated proc file. A trailing NUL does not
// produce an empty entry.
func splitNul(raw []byte) []string {
	raw = bytes.TrimSuffix(raw, []byte{0})
	if len(raw) == 0 {
		return nil
	}
	parts := bytes.Split(raw, []byte{0})
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

func parseEnviron(raw []string) map[string]string {
	env := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env
}

func parseCmdline(raw []string) ([]string, string) {
	if len(raw) == 0 {
		return nil, ""
	}
	return raw, strings.Join(raw, " ")
}
