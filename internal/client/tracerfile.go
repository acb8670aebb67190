package client

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TracerFile is a set of selectors loaded from disk.
type TracerFile struct {
	Methods     []string `yaml:"methods"`
	SlowMethods []string `yaml:"slow_methods"`
}

// LoadTracerFile reads selectors from path. Files ending in .yml or .yaml
// hold a methods and a slow_methods list. Any other file holds one
// selector per line; blank lines and lines starting with '#' are skipped.
func LoadTracerFile(path string) (*TracerFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tracer file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		var tf TracerFile
		if err := yaml.Unmarshal(data, &tf); err != nil {
			return nil, fmt.Errorf("failed to parse tracer file %s: %w", path, err)
		}
		tf.Methods = compact(tf.Methods)
		tf.SlowMethods = compact(tf.SlowMethods)
		return &tf, nil
	default:
		return parseTracerLines(data), nil
	}
}

func parseTracerLines(data []byte) *TracerFile {
	tf := &TracerFile{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tf.Methods = append(tf.Methods, line)
	}
	return tf
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
