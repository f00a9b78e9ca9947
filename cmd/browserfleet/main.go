package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/odvcencio/browserfleet/pkg/config"
	"github.com/odvcencio/browserfleet/pkg/logging"
	"github.com/odvcencio/browserfleet/pkg/session"
	"github.com/odvcencio/browserfleet/pkg/telemetry"
)

// Version information - set via ldflags during build
var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

const shutdownTimeout = 30 * time.Second

type options struct {
	configPath  string
	listen      string
	logLevel    string
	traceStdout bool
	showVersion bool
}

// loadConfigFn allows tests to stub configuration loading.
var loadConfigFn = config.Load

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeForError(err))
	}
}

func parseOptions(args []string, out io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("browserfleet", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&opts.configPath, "config", "", "path to a YAML config file layered over the defaults")
	fs.StringVar(&opts.listen, "listen", "", "address for the ops HTTP server (overrides http.listen)")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level (overrides logging.level)")
	fs.BoolVar(&opts.traceStdout, "trace-stdout", false, "export trace spans to stderr")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

func run(args []string, out io.Writer) error {
	opts, err := parseOptions(args, out)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	if opts.showVersion {
		fmt.Fprintf(out, "browserfleet %s (%s)\n", version, commit)
		return nil
	}

	cfg, err := loadConfigFn(opts.configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	if opts.listen != "" {
		cfg.HTTP.Listen = opts.listen
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.traceStdout {
		cfg.Telemetry.TraceStdout = true
	}

	log, closer, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return withExitCode(fmt.Errorf("logging: %w", err), exitUsage)
	}
	defer closer.Close()

	var traceOut io.Writer
	if cfg.Telemetry.TraceStdout {
		traceOut = os.Stderr
	}
	tp, err := telemetry.NewTracerProvider(cfg.Telemetry.ServiceName, version, traceOut)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mgr, err := session.Open(ctx, cfg, log, telemetry.NewMetrics(reg))
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return withExitCode(err, exitUsage)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           newRouter(mgr, reg, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	log.WithField("listen", cfg.HTTP.Listen).WithField("version", version).Info("browserfleet started")

	var errs []error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("ops server: %w", err))
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
