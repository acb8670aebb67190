package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mrzor/calltrace/internal/client"
	"github.com/mrzor/calltrace/internal/config"
	"github.com/mrzor/calltrace/internal/log"
	"github.com/spf13/cobra"
)

// options holds the parsed command line.
type options struct {
	pid         int
	firehose    bool
	slow        uint64
	slowCPU     uint64
	slowMethods []string
	methods     []string
	gc          bool
	startTime   bool
	noDuration  bool
	output      string
	appendOut   bool
	prefix      int
	configs     []string
	devMode     bool
	eval        string
	timeout     int

	socketDir  string
	otel       bool
	record     string
	attributes string
	traceID    string
	parentID   string
	logLevel   string

	// set from cobra's Changed after parsing
	slowGiven    bool
	slowCPUGiven bool
	evalGiven    bool
}

var errNothingToTrace = errors.New("--slow, --slowcpu, --gc, --firehose, --methods, --slow-methods, --config or --eval required")

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "calltrace -p PID [flags]",
		Short: "Trace method calls in a running process",
		Long: `calltrace attaches to a running process that embeds the calltrace agent.
It registers the selected methods, prints every matching call as an
indented tree with its duration and detaches on interrupt.

Selectors name a method and optionally expressions evaluated on each call:

  calltrace -p 1234 -m 'Foo#bar(self.id, @name)' -m 'Kernel#sleep'`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := cmd.Flags()
			opts.slowGiven = f.Changed("slow")
			opts.slowCPUGiven = f.Changed("slowcpu")
			opts.evalGiven = f.Changed("eval")

			cfg, err := config.ParseClient()
			if err != nil {
				return err
			}
			if err := initLogging(cfg, opts.logLevel); err != nil {
				cmd.PrintErrf("Warning: failed to initialize logging: %v\n", err)
			}
			defer log.Close()

			if err := opts.validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, opts)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.pid, "pid", "p", 0, "pid of the process to trace")
	f.BoolVarP(&opts.firehose, "firehose", "f", false, "show all method calls")
	f.Uint64VarP(&opts.slow, "slow", "s", 250, "watch for method calls slower than N milliseconds")
	f.Uint64Var(&opts.slowCPU, "slowcpu", 250, "watch for method calls slower than N milliseconds (CPU time only)")
	f.StringArrayVar(&opts.slowMethods, "slow-methods", nil, "method selectors to restrict the slow watch to")
	f.StringArrayVarP(&opts.methods, "methods", "m", nil, "method selectors to trace")
	f.BoolVar(&opts.gc, "gc", false, "trace garbage collections")
	f.BoolVarP(&opts.startTime, "start-time", "t", false, "show start time for each method call")
	f.BoolVarP(&opts.noDuration, "no-duration", "n", false, "hide the duration of each method call")
	f.StringVarP(&opts.output, "output", "o", "", "write trace to file instead of stdout")
	f.BoolVarP(&opts.appendOut, "append", "a", false, "append to the output file instead of overwriting it")
	f.IntVarP(&opts.prefix, "prefix", "r", 2, "spaces of indentation per nesting level")
	f.StringArrayVarP(&opts.configs, "config", "c", nil, "tracer file with one selector per line, or NAME in $CALLTRACE_TRACER_DIR")
	f.BoolVar(&opts.devMode, "devmode", false, "match classes by name, for code that is reloaded")
	f.StringVarP(&opts.eval, "eval", "e", "", "evaluate an expression in the traced process and print the result")
	f.IntVar(&opts.timeout, "timeout", 0, "seconds to wait for the traced process to respond (default $CALLTRACE_TIMEOUT)")

	f.StringVar(&opts.socketDir, "socket-dir", "", "directory holding the agent sockets (default $CALLTRACE_SOCKET_DIR)")
	f.BoolVar(&opts.otel, "otel", false, "export calls as OpenTelemetry spans over OTLP/HTTP")
	f.StringVar(&opts.record, "record", "", "record finished calls to a SQLite database")
	f.StringVar(&opts.attributes, "attributes", "", "custom span attributes as name=expr;name2=expr2 (default $CALLTRACE_ATTRIBUTES)")
	f.StringVar(&opts.traceID, "trace-id", "", "expression yielding the trace id of exported spans (default $CALLTRACE_TRACE_ID)")
	f.StringVar(&opts.parentID, "parent-id", "", "expression yielding the parent span id of exported spans (default $CALLTRACE_PARENT_ID)")
	f.StringVar(&opts.logLevel, "log-level", "", "diagnostic log level: debug, info, warn, error (default $CALLTRACE_LOG_LEVEL)")

	cmd.AddCommand(newReportCmd())
	return cmd
}

func initLogging(cfg *config.Client, level string) error {
	if level != "" {
		cfg.LogLevel = level
	}
	logOpts, err := cfg.LogOptions()
	if err != nil {
		return err
	}
	return log.Init(logOpts)
}

func (o *options) validate() error {
	switch {
	case o.pid <= 0:
		return fmt.Errorf("--pid is required")
	case o.prefix < 0:
		return fmt.Errorf("--prefix must not be negative, got %d", o.prefix)
	case o.timeout < 0:
		return fmt.Errorf("--timeout must not be negative, got %d", o.timeout)
	case o.appendOut && o.output == "":
		return fmt.Errorf("--append requires --output")
	}

	if !o.slowGiven && !o.slowCPUGiven && !o.firehose && !o.gc && !o.evalGiven &&
		len(o.methods) == 0 && len(o.slowMethods) == 0 && len(o.configs) == 0 {
		return errNothingToTrace
	}
	return nil
}

// watch returns the slow watch requested on the command line. --slowcpu
// wins over --slow.
func (o *options) watch() (ms uint64, cpu, ok bool) {
	switch {
	case o.slowCPUGiven:
		return o.slowCPU, true, true
	case o.slowGiven:
		return o.slow, false, true
	default:
		return 0, false, false
	}
}

// waitTimeout is the --timeout flag, or the configured default.
func (o *options) waitTimeout(cfg *config.Client) time.Duration {
	if o.timeout > 0 {
		return time.Duration(o.timeout) * time.Second
	}
	return cfg.Timeout
}

// selectors gathers method and slow-method selectors from the flags and
// the tracer files.
func (o *options) selectors(tracerDir string) (methods, slow []string, err error) {
	methods = append(methods, o.methods...)
	slow = append(slow, o.slowMethods...)

	for _, name := range o.configs {
		path, err := findTracerFile(name, tracerDir)
		if err != nil {
			return nil, nil, err
		}
		tf, err := client.LoadTracerFile(path)
		if err != nil {
			return nil, nil, err
		}
		methods = append(methods, tf.Methods...)
		slow = append(slow, tf.SlowMethods...)
	}
	return methods, slow, nil
}

func findTracerFile(name, dir string) (string, error) {
	candidates := []string{name}
	if dir != "" {
		for _, ext := range []string{".tracer", ".yaml", ".yml"} {
			candidates = append(candidates, filepath.Join(dir, name+ext))
		}
	}
	for _, p := range candidates {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("--config %s: file does not exist", name)
}
