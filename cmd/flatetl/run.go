package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ajitpratap0/flatetl/internal/pipeline"
	"github.com/ajitpratap0/flatetl/pkg/artifact"
	"github.com/ajitpratap0/flatetl/pkg/config"
	"github.com/ajitpratap0/flatetl/pkg/errors"
	"github.com/ajitpratap0/flatetl/pkg/extract"
	"github.com/ajitpratap0/flatetl/pkg/load"
	"github.com/ajitpratap0/flatetl/pkg/logger"
	"github.com/ajitpratap0/flatetl/pkg/metrics"
	"github.com/ajitpratap0/flatetl/pkg/observability"
	"github.com/ajitpratap0/flatetl/pkg/provision"
	"github.com/ajitpratap0/flatetl/pkg/transform"
)

// runFlags override configuration values when set on the command line.
type runFlags struct {
	inputDir        string
	outputDir       string
	pattern         string
	table           string
	loadMode        string
	missingStrategy string
	compression     string
	summaryJSON     string
	metricsAddr     string
	tracing         string
	logLevel        string
	workers         int
	maxRetries      int
	batchSize       int
	chunkSize       int
	baseDelay       time.Duration
	timeout         time.Duration
	noArtifacts     bool
	provision       bool
}

func newRunCmd(global *globalFlags) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline over every input file",
		Long: `Run discovers the files in the input directory and drives each one through
extraction, transformation and loading. A failed file never stops the run;
the command exits non-zero when any file failed and 130 when interrupted.

Example:
  flatetl run --config flatetl.yaml --input-dir data/raw --workers 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(global.configFile)
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}
			return runPipeline(cmd, cfg)
		},
	}

	flags.register(cmd.Flags())
	return cmd
}

// register binds the run flags to f.
func (r *runFlags) register(f *pflag.FlagSet) {
	f.StringVar(&r.inputDir, "input-dir", "", "Directory scanned for input files")
	f.StringVar(&r.outputDir, "output-dir", "", "Directory receiving cleaned files")
	f.StringVar(&r.pattern, "pattern", "", "Glob matched against input file names")
	f.StringVar(&r.table, "table", "", "Destination table for every file (default: derived from the file name)")
	f.StringVar(&r.loadMode, "load-mode", "", "Load mode (replace, append)")
	f.StringVar(&r.missingStrategy, "missing-strategy", "", "Missing value strategy (none, drop_all, drop_any, fill_mean)")
	f.StringVar(&r.compression, "compression", "", "Cleaned file compression (none, gzip, zstd, lz4)")
	f.StringVar(&r.summaryJSON, "summary-json", "", "Write the run summary as JSON to this path")
	f.StringVar(&r.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	f.StringVar(&r.tracing, "tracing", "", "Trace exporter (none, stdout)")
	f.StringVar(&r.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.IntVar(&r.workers, "workers", 0, "Number of files processed concurrently")
	f.IntVar(&r.maxRetries, "max-retries", 0, "Attempts per stage per file")
	f.IntVar(&r.batchSize, "batch-size", 0, "Rows committed per transaction")
	f.IntVar(&r.chunkSize, "chunk-size", 0, "Rows per chunk when reading large files")
	f.DurationVar(&r.baseDelay, "base-delay", 0, "Initial retry backoff")
	f.DurationVar(&r.timeout, "timeout", 0, "Bound the whole run (0 = none)")
	f.BoolVar(&r.noArtifacts, "no-artifacts", false, "Do not write cleaned files")
	f.BoolVar(&r.provision, "provision", false, "Apply the destination schema before loading")
}

// apply copies every explicitly set flag into cfg and revalidates it.
func (r *runFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	set := cmd.Flags().Changed

	if set("input-dir") {
		cfg.Input.Dir = r.inputDir
	}
	if set("output-dir") {
		cfg.Output.Dir = r.outputDir
	}
	if set("pattern") {
		cfg.Input.Pattern = r.pattern
	}
	if set("table") {
		cfg.Load.Table = r.table
	}
	if set("load-mode") {
		cfg.Load.Mode = r.loadMode
	}
	if set("missing-strategy") {
		cfg.Transform.MissingValueStrategy = r.missingStrategy
	}
	if set("compression") {
		cfg.Output.Compression = r.compression
	}
	if set("summary-json") {
		cfg.Output.SummaryJSON = r.summaryJSON
	}
	if set("metrics-addr") {
		cfg.Observability.MetricsAddr = r.metricsAddr
	}
	if set("tracing") {
		cfg.Observability.Tracing = r.tracing
	}
	if set("log-level") {
		cfg.Observability.LogLevel = r.logLevel
	}
	if set("workers") {
		cfg.Pipeline.Workers = r.workers
	}
	if set("max-retries") {
		cfg.Retry.MaxRetries = r.maxRetries
	}
	if set("batch-size") {
		cfg.Load.BatchSize = r.batchSize
	}
	if set("chunk-size") {
		cfg.Extract.ChunkSize = r.chunkSize
	}
	if set("base-delay") {
		cfg.Retry.BaseDelay = r.baseDelay
	}
	if set("timeout") {
		cfg.Pipeline.Timeout = r.timeout
	}
	if set("no-artifacts") {
		cfg.Output.WriteArtifacts = !r.noArtifacts
	}
	if set("provision") {
		cfg.Load.Provision = r.provision
	}
	return cfg.Validate()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Development: cfg.Observability.Development,
		Encoding:    cfg.Observability.LogEncoding,
		// stdout carries the run report
		OutputPaths: []string{"stderr"},
	})
}

// runPipeline wires the stages from cfg, runs them and reports the result.
func runPipeline(cmd *cobra.Command, cfg *config.Config) error {
	signalCtx := cmd.Context()
	ctx := signalCtx
	if cfg.Pipeline.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Pipeline.Timeout)
		defer cancel()
	}

	log, err := newLogger(cfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize logger")
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("component", "flatetl-cli"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		stop := serveMetrics(addr, reg, log)
		defer stop()
	}

	tracingCfg := observability.DefaultTracingConfig()
	tracingCfg.ServiceVersion = version
	tracingCfg.Exporter = cfg.Observability.Tracing
	// stdout carries the run report
	tracingCfg.Writer = cmd.ErrOrStderr()
	tracer, err := observability.Init(ctx, tracingCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.Warn("failed to flush spans", zap.Error(err))
		}
	}()

	stages := pipeline.Stages{
		Extractor:   extract.New(log),
		Transformer: transform.New(log),
	}
	if cfg.Output.WriteArtifacts {
		alg, err := artifact.ParseAlgorithm(cfg.Output.Compression)
		if err != nil {
			return err
		}
		stages.Artifacts = artifact.NewWriter(cfg.Output.Dir, alg)
	}

	if cfg.Database.Enabled() {
		if cfg.Load.Provision {
			if _, err := provision.Run(ctx, cfg.Database, log); err != nil {
				return err
			}
		}
		pool, err := load.NewPool(ctx, cfg.Database, log)
		if err != nil {
			return err
		}
		defer pool.Close()
		stages.Loader = load.New(pool, log)
	} else {
		log.Warn("no database configured, only cleaned files are written")
	}

	orch := pipeline.New(pipeline.OptionsFromConfig(cfg), stages, log).
		WithMetrics(m).
		WithTracer(tracer)

	summary, err := orch.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), summary.Report())
	if path := cfg.Output.SummaryJSON; path != "" {
		if err := writeSummary(path, summary); err != nil {
			log.Error("failed to write summary", zap.String("path", path), zap.Error(err))
		}
	}

	switch {
	case summary.Aborted && signalCtx.Err() != nil:
		return &exitError{code: exitInterrupted}
	case !summary.OK():
		return &exitError{
			code: exitFailure,
			err:  fmt.Errorf("%d of %d file(s) failed", summary.FilesFailed, summary.FilesDiscovered),
		}
	}
	return nil
}

func writeSummary(path string, summary pipeline.RunSummary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return err
	}
	if err := summary.WriteJSON(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// serveMetrics exposes reg over HTTP until the returned stop is called.
func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
