// Package config reads agent and client settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mrzor/calltrace/internal/log"
)

// Core configures the agent embedded in the traced process.
type Core struct {
	SocketDir    string `env:"CALLTRACE_SOCKET_DIR" envDefault:"/tmp"`
	MaxPayload   int    `env:"CALLTRACE_MAX_PAYLOAD" envDefault:"4096"`
	SendAttempts int    `env:"CALLTRACE_SEND_ATTEMPTS" envDefault:"10"`
	RecvAttempts int    `env:"CALLTRACE_RECV_ATTEMPTS" envDefault:"10"`
	SendBuffer   int    `env:"CALLTRACE_SNDBUF" envDefault:"65536"`
	MaxCalls     int    `env:"CALLTRACE_MAX_CALLS" envDefault:"32768"`
	// SlowAllRules times every match while the slow watch is on instead of
	// only slow-variant rules.
	SlowAllRules bool   `env:"CALLTRACE_SLOW_ALL_RULES" envDefault:"false"`
	LogLevel     string `env:"CALLTRACE_LOG_LEVEL" envDefault:"warn"`
	LogJSON      bool   `env:"CALLTRACE_LOG_JSON" envDefault:"false"`
	LogFile      string `env:"CALLTRACE_LOG_FILE" envDefault:""`
}

// Client configures the control client.
type Client struct {
	SocketDir  string        `env:"CALLTRACE_SOCKET_DIR" envDefault:"/tmp"`
	MaxPayload int           `env:"CALLTRACE_MAX_PAYLOAD" envDefault:"4096"`
	Timeout    time.Duration `env:"CALLTRACE_TIMEOUT" envDefault:"5s"`
	// Attributes are custom span attributes, see ParseAttributeString.
	Attributes string `env:"CALLTRACE_ATTRIBUTES" envDefault:""`
	TraceID    string `env:"CALLTRACE_TRACE_ID" envDefault:""`
	// TracerDir is searched for named tracer files (NAME.tracer, NAME.yaml).
	TracerDir  string `env:"CALLTRACE_TRACER_DIR" envDefault:""`
	ParentID   string `env:"CALLTRACE_PARENT_ID" envDefault:""`
	LogLevel   string `env:"CALLTRACE_LOG_LEVEL" envDefault:"warn"`
	LogJSON    bool   `env:"CALLTRACE_LOG_JSON" envDefault:"false"`
}

// ParseCore reads Core from the environment.
func ParseCore() (*Core, error) {
	var cfg Core
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse agent config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks numeric bounds.
func (c *Core) Validate() error {
	switch {
	case c.SocketDir == "":
		return fmt.Errorf("CALLTRACE_SOCKET_DIR cannot be empty")
	case c.MaxPayload < 64:
		return fmt.Errorf("CALLTRACE_MAX_PAYLOAD must be at least 64, got %d", c.MaxPayload)
	case c.SendAttempts < 1:
		return fmt.Errorf("CALLTRACE_SEND_ATTEMPTS must be positive, got %d", c.SendAttempts)
	case c.RecvAttempts < 1:
		return fmt.Errorf("CALLTRACE_RECV_ATTEMPTS must be positive, got %d", c.RecvAttempts)
	case c.MaxCalls < 1:
		return fmt.Errorf("CALLTRACE_MAX_CALLS must be positive, got %d", c.MaxCalls)
	}
	return nil
}

// LogOptions maps the logging settings onto log.Options.
func (c *Core) LogOptions() (log.Options, error) {
	return logOptions(c.LogLevel, c.LogJSON, c.LogFile)
}

// ParseClient reads Client from the environment.
func ParseClient() (*Client, error) {
	var cfg Client
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("CALLTRACE_TIMEOUT must be positive, got %s", cfg.Timeout)
	}
	return &cfg, nil
}

// LogOptions maps the logging settings onto log.Options.
func (c *Client) LogOptions() (log.Options, error) {
	return logOptions(c.LogLevel, c.LogJSON, "")
}

func logOptions(level string, json bool, file string) (log.Options, error) {
	l, err := log.ParseLevel(level)
	if err != nil {
		return log.Options{Level: slog.LevelWarn}, err
	}
	return log.Options{Level: l, JSONFormat: json, File: file}, nil
}

// CustomAttribute is a span attribute computed from an expression.
type CustomAttribute struct {
	Name       string
	Expression string
}

// ParseAttributeString parses "name=expr;name2=expr2". Empty sections are
// skipped and surrounding whitespace is trimmed.
func ParseAttributeString(s string) ([]CustomAttribute, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var attrs []CustomAttribute
	for _, section := range strings.Split(s, ";") {
		section = strings.TrimSpace(section)
		if section == "" {
			continue
		}
		name, expression, ok := strings.Cut(section, "=")
		if !ok {
			return nil, fmt.Errorf("invalid attribute format %q: expected name=expression", section)
		}
		name = strings.TrimSpace(name)
		expression = strings.TrimSpace(expression)
		if name == "" {
			return nil, fmt.Errorf("invalid attribute %q: name cannot be empty", section)
		}
		if expression == "" {
			return nil, fmt.Errorf("invalid attribute %q: expression cannot be empty", section)
		}
		attrs = append(attrs, CustomAttribute{Name: name, Expression: expression})
	}
	return attrs, nil
}
