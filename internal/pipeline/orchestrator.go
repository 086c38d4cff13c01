// Package pipeline drives input files through extraction, transformation
// and loading, retrying each stage independently, and folds the per-file
// results into a RunSummary.
//
// # Overview
//
// Every discovered file becomes a FileJob that moves through
//
//	discovered -> extracting -> transforming -> loading -> succeeded
//
// or ends in failed from any in-progress state. A failed file never stops
// the run: the orchestrator records it and moves on. Only stages are
// retried; the run as a whole is not.
//
// # Basic Usage
//
//	opts := pipeline.OptionsFromConfig(cfg)
//	orch := pipeline.New(opts, pipeline.Stages{
//	    Extractor:   extract.New(logger),
//	    Transformer: transform.New(logger),
//	    Loader:      load.New(pool, logger),
//	    Artifacts:   artifact.NewWriter(cfg.Output.Dir, artifact.None),
//	}, logger)
//
//	summary, err := orch.Run(ctx)
//	if err != nil {
//	    return err // discovery failed, nothing ran
//	}
//	fmt.Print(summary.Report())
//
// # Concurrency
//
// With Workers > 1 files are processed by a bounded errgroup. Each FileJob
// is owned by one goroutine and results reach a single aggregating
// goroutine over a channel, so the summary is never mutated concurrently.
package pipeline

import (
	"context"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/flatetl/pkg/artifact"
	"github.com/ajitpratap0/flatetl/pkg/config"
	"github.com/ajitpratap0/flatetl/pkg/errors"
	"github.com/ajitpratap0/flatetl/pkg/extract"
	"github.com/ajitpratap0/flatetl/pkg/load"
	"github.com/ajitpratap0/flatetl/pkg/logger"
	"github.com/ajitpratap0/flatetl/pkg/metrics"
	"github.com/ajitpratap0/flatetl/pkg/observability"
	"github.com/ajitpratap0/flatetl/pkg/retry"
	"github.com/ajitpratap0/flatetl/pkg/table"
	"github.com/ajitpratap0/flatetl/pkg/transform"
)

// Extractor reads one input file.
type Extractor interface {
	Extract(ctx context.Context, path string, opts extract.Options) (*table.Batch, extract.Stats, error)
}

// Transformer cleans a batch.
type Transformer interface {
	Transform(ctx context.Context, in *table.Batch, opts transform.Options) (*table.Batch, transform.Stats, error)
}

// Loader writes a batch to the destination table.
type Loader interface {
	Load(ctx context.Context, b *table.Batch, target load.Target, batchSize int) (int, load.Stats, error)
}

// ArtifactWriter persists the cleaned batch of an input file.
type ArtifactWriter interface {
	Write(ctx context.Context, inputName string, b *table.Batch) (artifact.Result, error)
}

// Stages are the collaborators a run drives. Loader and Artifacts are
// optional sinks; a nil sink is skipped.
type Stages struct {
	Extractor   Extractor
	Transformer Transformer
	Loader      Loader
	Artifacts   ArtifactWriter
}

// Options configures a run.
type Options struct {
	InputDir string
	Pattern  string

	Extract   extract.Options
	Transform transform.Options

	// Table overrides the per-file table derived from the file name
	Table     string
	LoadMode  string
	BatchSize int

	// Retry is applied to every stage of every file
	Retry   retry.Policy
	Workers int
}

// OptionsFromConfig maps the enumerated configuration onto run options.
func OptionsFromConfig(cfg *config.Config) Options {
	policy := retry.NewPolicy(cfg.Retry.MaxRetries, cfg.Retry.BaseDelay)
	if cfg.Retry.MaxDelay > 0 {
		policy.MaxDelay = cfg.Retry.MaxDelay
	}
	if cfg.Retry.Multiplier > 0 {
		policy.Multiplier = cfg.Retry.Multiplier
	}
	policy.RandomizeFactor = cfg.Retry.Jitter

	return Options{
		InputDir:  cfg.Input.Dir,
		Pattern:   cfg.Input.Pattern,
		Extract:   extract.OptionsFromConfig(cfg.Extract),
		Transform: transform.OptionsFromConfig(cfg.Transform),
		Table:     cfg.Load.Table,
		LoadMode:  cfg.Load.Mode,
		BatchSize: cfg.Load.BatchSize,
		Retry:     policy,
		Workers:   cfg.Pipeline.Workers,
	}
}

// Orchestrator runs files through the stages.
type Orchestrator struct {
	opts    Options
	stages  Stages
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  *observability.Tracer
}

// New creates an Orchestrator. A nil logger disables logging.
func New(opts Options, stages Stages, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.LoadMode == "" {
		opts.LoadMode = load.ModeAppend
	}
	return &Orchestrator{
		opts:   opts,
		stages: stages,
		logger: logger.With(zap.String("component", "orchestrator")),
	}
}

// WithMetrics records stage and file metrics on m.
func (o *Orchestrator) WithMetrics(m *metrics.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithTracer emits file and stage spans through t.
func (o *Orchestrator) WithTracer(t *observability.Tracer) *Orchestrator {
	o.tracer = t
	return o
}

// Run discovers the input files and processes them. The error is non-nil
// only when the options are unusable or discovery fails; file failures are
// reported in the summary.
func (o *Orchestrator) Run(ctx context.Context) (RunSummary, error) {
	if o.opts.Table != "" && o.opts.LoadMode == load.ModeReplace {
		return RunSummary{}, errors.New(errors.ErrorTypeConfig,
			"replace mode cannot load every file into one table").WithDetail("table", o.opts.Table)
	}
	files, err := Discover(o.opts.InputDir, o.opts.Pattern)
	if err != nil {
		return RunSummary{}, err
	}
	return o.RunFiles(ctx, files), nil
}

// RunFiles processes files in order and returns the finalized summary. When
// ctx ends, in-flight files fail as cancelled, files not yet started are
// recorded as cancelled with zero attempts, and the summary is marked
// aborted.
func (o *Orchestrator) RunFiles(ctx context.Context, files []string) RunSummary {
	runID := uuid.NewString()
	ctx = logger.WithRunID(ctx, runID)
	log := logger.FromContext(ctx, o.logger)

	start := time.Now()
	log.Info("run started",
		zap.Int("files", len(files)),
		zap.Int("workers", o.opts.Workers),
		zap.Int("max_attempts", o.opts.Retry.MaxAttempts),
		zap.Bool("database", o.stages.Loader != nil),
		zap.Bool("artifacts", o.stages.Artifacts != nil))

	results := make(chan FileResult, len(files))
	done := make(chan RunSummary, 1)
	tracker := metrics.NewThroughputTracker(o.metrics)

	go func() {
		summary := NewRunSummary(runID, len(files), start)
		for r := range results {
			summary = summary.Merge(r)
			tracker.Increment(int64(r.Extract.Rows))
			o.metrics.FileDone(string(r.State))
		}
		done <- summary
	}()

	var g errgroup.Group
	g.SetLimit(o.opts.Workers)
	for _, path := range files {
		g.Go(func() error {
			results <- o.processFile(ctx, runID, path)
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	summary := (<-done).Finalize(time.Now(), ctx.Err() != nil)
	tracker.GetAndReset()

	fields := []zap.Field{
		zap.Int("files_succeeded", summary.FilesSucceeded),
		zap.Int("files_failed", summary.FilesFailed),
		zap.Int("rows_extracted", summary.RowsExtracted),
		zap.Int("rows_loaded", summary.RowsLoaded),
		zap.Duration("duration", summary.Duration),
		zap.Float64("rows_per_second", summary.RowsPerSecond),
		zap.Bool("aborted", summary.Aborted),
	}
	if summary.OK() {
		log.Info("run finished", fields...)
	} else {
		log.Warn("run finished with failures", fields...)
	}
	return summary
}

// staged pairs a stage's output batch with its stats.
type staged[S any] struct {
	batch *table.Batch
	stats S
}

// processFile drives one file to a terminal state.
func (o *Orchestrator) processFile(ctx context.Context, runID, path string) FileResult {
	start := time.Now()
	job := newFileJob(path, o.opts.Table)
	ctx = logger.WithFile(ctx, path)
	result := FileResult{File: path, Table: job.Table}

	if err := ctx.Err(); err != nil {
		return o.fail(ctx, job, result, retry.ReasonCancelled, errors.Cancelled(err), start)
	}

	ctx, span := o.tracer.StartFile(ctx, runID, path)
	defer func() { span.End(result.Err) }()

	// Extract
	if err := job.advance(StateExtracting); err != nil {
		result = o.fail(ctx, job, result, retry.ReasonPermanent, err, start)
		return result
	}
	ex := runStage(ctx, o, job, StageExtract, func(ctx context.Context) (staged[extract.Stats], error) {
		b, stats, err := o.stages.Extractor.Extract(ctx, path, o.opts.Extract)
		return staged[extract.Stats]{b, stats}, err
	})
	if !ex.OK() {
		result = o.fail(ctx, job, result, ex.Reason, ex.Err, start)
		return result
	}
	result.Extract = ex.Value.stats
	o.metrics.AddRows(StageExtract, result.Extract.Rows)
	o.report(ctx, StageExtract, result.Extract.Report())

	// Transform
	if err := job.advance(StateTransforming); err != nil {
		result = o.fail(ctx, job, result, retry.ReasonPermanent, err, start)
		return result
	}
	tr := runStage(ctx, o, job, StageTransform, func(ctx context.Context) (staged[transform.Stats], error) {
		b, stats, err := o.stages.Transformer.Transform(ctx, ex.Value.batch, o.opts.Transform)
		return staged[transform.Stats]{b, stats}, err
	})
	if !tr.OK() {
		result = o.fail(ctx, job, result, tr.Reason, tr.Err, start)
		return result
	}
	result.Transform = tr.Value.stats
	o.metrics.AddRows(StageTransform, result.Transform.RowsOut)
	o.report(ctx, StageTransform, result.Transform.Report())

	// Load
	if err := job.advance(StateLoading); err != nil {
		result = o.fail(ctx, job, result, retry.ReasonPermanent, err, start)
		return result
	}
	sink := &fileSink{o: o, job: job, batch: tr.Value.batch}
	ld := runStage(ctx, o, job, StageLoad, sink.persist)
	result.Load = sink.stats()
	result.Artifact = sink.written
	if !ld.OK() {
		result = o.fail(ctx, job, result, ld.Reason, ld.Err, start)
		return result
	}
	if o.stages.Loader != nil {
		o.report(ctx, StageLoad, result.Load.Report())
	}

	if err := job.advance(StateSucceeded); err != nil {
		result = o.fail(ctx, job, result, retry.ReasonPermanent, err, start)
		return result
	}
	result.State = job.State
	result.Attempts = maps.Clone(job.Attempts)
	result.Duration = time.Since(start)

	logger.FromContext(ctx, o.logger).Info("file succeeded",
		zap.String("table", job.Table),
		zap.Int("rows_extracted", result.Extract.Rows),
		zap.Int("rows_transformed", result.Transform.RowsOut),
		zap.Int("rows_loaded", result.Load.Loaded),
		zap.Duration("duration", result.Duration))
	return result
}

// fail moves job to failed and records why.
func (o *Orchestrator) fail(ctx context.Context, job *FileJob, result FileResult, reason retry.Reason, err error, start time.Time) FileResult {
	stage := job.State.stageOf()
	if stage == "" {
		// never started
		stage = StageExtract
	}
	if !job.State.Terminal() {
		job.State = StateFailed
	}

	result.State = StateFailed
	result.Stage = stage
	result.Reason = reason
	result.Err = err
	result.Attempts = maps.Clone(job.Attempts)
	result.Duration = time.Since(start)

	log := logger.FromContext(ctx, o.logger)
	fields := []zap.Field{
		zap.String("stage", stage),
		zap.String("reason", string(reason)),
		zap.Int("attempts", job.Attempts[stage]),
		zap.Error(err),
	}
	if reason == retry.ReasonCancelled {
		log.Warn("file cancelled", fields...)
	} else {
		log.Error("file failed", fields...)
	}
	return result
}

func (o *Orchestrator) report(ctx context.Context, stage, report string) {
	logger.FromContext(logger.WithStage(ctx, stage), o.logger).Info("stage report", zap.String("report", report))
}

// runStage runs fn under the retry policy, logging, timing and tracing
// every attempt.
func runStage[T any](ctx context.Context, o *Orchestrator, job *FileJob, stage string, fn func(ctx context.Context) (T, error)) retry.Outcome[T] {
	ctx = logger.WithStage(ctx, stage)
	log := logger.FromContext(ctx, o.logger)

	policy := o.opts.Retry
	maxAttempts := max(policy.MaxAttempts, 1)
	next := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn("retrying stage",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if next != nil {
			next(attempt, delay, err)
		}
	}

	return retry.Do(ctx, policy, stage, func(ctx context.Context, attempt int) (T, error) {
		job.Attempts[stage] = attempt

		ctx, span := o.tracer.StartStage(ctx, stage, attempt)
		timer := metrics.NewTimer()
		value, err := guard(ctx, stage, fn)
		elapsed := timer.Stop()
		span.End(err)

		outcome := metrics.OutcomeOf(err)
		o.metrics.ObserveStage(stage, outcome, elapsed)

		fields := []zap.Field{
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("duration", elapsed),
			zap.String("outcome", outcome),
		}
		if err != nil {
			log.Warn("stage attempt failed", append(fields,
				zap.Bool("retryable", errors.IsRetryable(err)),
				zap.Error(err))...)
		} else {
			log.Info("stage attempt succeeded", fields...)
		}
		return value, err
	})
}

// guard converts a panic in fn into a permanent internal error.
func guard[T any](ctx context.Context, stage string, fn func(ctx context.Context) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrorTypeInternal, "panic in %s stage: %v", stage, r).Permanent()
		}
	}()
	return fn(ctx)
}

// fileSink persists one cleaned batch to the artifact directory and the
// database. It remembers progress across load attempts: the artifact is
// written once and a retried database load resumes after the rows that
// earlier attempts committed.
type fileSink struct {
	o     *Orchestrator
	job   *FileJob
	batch *table.Batch

	written   *artifact.Result
	committed int
	load      load.Stats
}

func (s *fileSink) persist(ctx context.Context) (struct{}, error) {
	if s.o.stages.Artifacts != nil && s.written == nil {
		res, err := s.o.stages.Artifacts.Write(ctx, s.job.Path, s.batch)
		if err != nil {
			return struct{}{}, errors.Wrap(err, errors.ErrorTypeLoad, "failed to write cleaned file")
		}
		s.written = &res
		s.o.metrics.AddRows("artifact", res.Rows)
	}

	if s.o.stages.Loader == nil {
		return struct{}{}, nil
	}
	if s.job.Table == "" {
		return struct{}{}, errors.Newf(errors.ErrorTypeConfig, "no table name can be derived from %s", s.job.Path)
	}

	target := load.Target{Table: s.job.Table, Mode: s.o.opts.LoadMode}
	if s.committed > 0 {
		// the table already holds this file's earlier sub-batches
		target.Mode = load.ModeAppend
	}
	rest := s.batch.Slice(s.committed, s.batch.Len())
	n, stats, err := s.o.stages.Loader.Load(ctx, rest, target, s.o.opts.BatchSize)

	s.committed += n
	s.load.SubBatches += stats.SubBatches
	s.load.Truncated = s.load.Truncated || stats.Truncated
	s.load.Duration += stats.Duration
	s.o.metrics.AddRows(StageLoad, n)
	return struct{}{}, err
}

// stats reports the load across every attempt.
func (s *fileSink) stats() load.Stats {
	if s.o.stages.Loader == nil {
		return load.Stats{}
	}
	st := s.load
	st.Table = s.job.Table
	st.Mode = s.o.opts.LoadMode
	st.Attempted = s.batch.Len()
	st.Loaded = s.committed
	st.Failed = st.Attempted - st.Loaded
	return st
}
