package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mrzor/calltrace/internal/attributes"
	"github.com/mrzor/calltrace/internal/client"
	"github.com/mrzor/calltrace/internal/config"
	"github.com/mrzor/calltrace/internal/eventprocessor"
	"github.com/mrzor/calltrace/internal/log"
	"github.com/mrzor/calltrace/internal/otel"
	"github.com/mrzor/calltrace/internal/output"
	"github.com/mrzor/calltrace/internal/procmeta"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// setupOTEL initializes the OTEL provider and returns a tracer and cleanup function.
func setupOTEL(traceID trace.TraceID) (trace.Tracer, func(), error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}

	tp, err := otel.InitProvider(otelCfg, traceID)
	if err != nil {
		return nil, nil, fmt.Errorf("ABORT: failed to initialize OTEL provider: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
			log.Error("shutting down OTEL provider", "error", err)
		}
	}

	return tp.Tracer("calltrace"), cleanup, nil
}

// setupSpanExport builds the OTEL formatter: custom attributes, plus the
// trace and parent ids evaluated once for the whole session.
func setupSpanExport(cfg *config.Client, opts *options) (*output.OTELFormatter, func(), error) {
	attrSpec := firstNonEmpty(opts.attributes, cfg.Attributes)
	customAttrs, err := config.ParseAttributeString(attrSpec)
	if err != nil {
		return nil, nil, err
	}
	evaluator, err := attributes.NewEvaluator(customAttrs)
	if err != nil {
		return nil, nil, err
	}

	session, issues := processRecord(opts.pid)

	traceIDs, err := attributes.NewTraceIDEvaluator(firstNonEmpty(opts.traceID, cfg.TraceID))
	if err != nil {
		return nil, nil, err
	}
	traceID, warnings, err := traceIDs.EvaluateAndValidate(session)
	if err != nil {
		return nil, nil, err
	}

	parentIDs, err := attributes.NewParentIDEvaluator(firstNonEmpty(opts.parentID, cfg.ParentID))
	if err != nil {
		return nil, nil, err
	}
	parentID, parentWarnings, err := parentIDs.EvaluateAndValidate(session)
	if err != nil {
		return nil, nil, err
	}
	warnings = append(issues, append(warnings, parentWarnings...)...)

	tracer, cleanup, err := setupOTEL(traceID)
	if err != nil {
		return nil, nil, err
	}

	formatter := output.NewOTELFormatter(tracer, output.OTELOptions{
		PID:        opts.pid,
		Env:        session.Env,
		Args:       session.Args,
		Cmdline:    session.Cmdline,
		Attributes: evaluator,
		TraceID:    traceID,
		ParentID:   parentID,
		Warnings:   warnings,
	})
	return formatter, func() {
		if err := formatter.Close(); err != nil {
			log.Error("closing span export", "error", err)
		}
		cleanup()
	}, nil
}

// processRecord describes the traced process for session-level
// expressions. Without access to its environment, the client's own
// environment is used and a warning is attached to the session span.
func processRecord(pid int) (*attributes.Record, []attribute.KeyValue) {
	rec := &attributes.Record{PID: pid}
	meta, err := procmeta.Read(procmeta.DefaultRoot, pid)
	if meta != nil {
		rec.Args, rec.Cmdline = meta.Args, meta.CmdlineFull
	}
	if err != nil {
		log.Warn("process metadata unavailable", "pid", pid, "error", err)
		rec.Env = attributes.Environ()
		return rec, []attribute.KeyValue{
			attribute.String("_process_metadata_warning", fmt.Sprintf("using client environment: %v", err)),
		}
	}
	rec.Env = meta.Environ
	return rec, nil
}

// setupOutput opens the trace destination.
func setupOutput(opts *options) (io.Writer, func(), error) {
	if opts.output == "" {
		return os.Stdout, func() {}, nil
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if opts.appendOut {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(opts.output, flags, 0o644) //nolint:gosec // user-chosen output path
	if err != nil {
		return nil, nil, fmt.Errorf("opening output: %w", err)
	}
	return f, func() {
		if err := f.Close(); err != nil {
			log.Error("closing output", "error", err)
		}
	}, nil
}

// setupComponents builds the trace handlers and returns them with a
// cleanup function that closes them in reverse order.
func setupComponents(cfg *config.Client, opts *options, out io.Writer) ([]eventprocessor.TraceHandler, func(), error) {
	var (
		handlers []eventprocessor.TraceHandler
		cleanups []func()
	)
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	_, _, watching := opts.watch()
	handlers = append(handlers, output.NewTextFormatter(out, output.TextOptions{
		Prefix:       strings.Repeat(" ", opts.prefix),
		ShowTime:     opts.startTime,
		HideDuration: opts.noDuration,
		WatchSlow:    watching,
	}))

	if opts.otel {
		formatter, closeSpans, err := setupSpanExport(cfg, opts)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, formatter)
		cleanups = append(cleanups, closeSpans)
	}

	if opts.record != "" {
		rec, err := output.OpenRecorder(opts.record, opts.pid)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		handlers = append(handlers, rec)
		cleanups = append(cleanups, func() {
			if err := rec.Close(); err != nil {
				log.Error("closing recording", "error", err)
			}
		})
	}

	return handlers, cleanup, nil
}

// configure sends the rules and modes the command line asks for.
func configure(t *client.Tracer, opts *options, methods, slow []string) error {
	if opts.devMode {
		if err := t.DevMode(); err != nil {
			return err
		}
	}
	if opts.gc {
		if err := t.GC(); err != nil {
			return err
		}
	}
	if opts.firehose {
		return t.Firehose()
	}

	if err := t.Add(methods, false); err != nil {
		return err
	}
	ms, cpu, ok := opts.watch()
	if !ok && len(slow) > 0 {
		ms, ok = opts.slow, true
	}
	if !ok {
		return nil
	}
	if err := t.Watch(ms, cpu); err != nil {
		return err
	}
	return t.Add(slow, true)
}

func run(ctx context.Context, cfg *config.Client, opts *options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	methods, slow, err := opts.selectors(cfg.TracerDir)
	if err != nil {
		return err
	}

	out, closeOutput, err := setupOutput(opts)
	if err != nil {
		return err
	}
	defer closeOutput()

	log.Info("starting calltrace", "version", version, "commit", commit, "pid", opts.pid)

	c, err := client.Dial(opts.pid, client.Options{
		SocketDir:  firstNonEmpty(opts.socketDir, cfg.SocketDir),
		MaxPayload: cfg.MaxPayload,
	})
	if err != nil {
		return fmt.Errorf("--pid %d: %w", opts.pid, err)
	}

	var handlers []eventprocessor.TraceHandler
	cleanupComponents := func() {}
	if !opts.evalGiven {
		handlers, cleanupComponents, err = setupComponents(cfg, opts, out)
		if err != nil {
			_ = c.Close() //nolint:errcheck // error path
			return err
		}
	}
	defer cleanupComponents()

	tracer := client.NewTracer(c, client.TracerOptions{Timeout: opts.waitTimeout(cfg)}, handlers...)
	defer func() {
		if err := tracer.Close(); err != nil {
			log.Error("closing client", "error", err)
		}
	}()

	if err := tracer.Attach(ctx); err != nil {
		return err
	}
	defer tracer.Detach()

	if opts.evalGiven {
		res, err := tracer.Eval(ctx, opts.eval)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, ">> %s\n=> %s\n", opts.eval, res)
		return nil
	}

	if err := configure(tracer, opts, methods, slow); err != nil {
		return err
	}
	if err := tracer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
