// Package flatetl moves delimited flat files into PostgreSQL through a staged
// Extract -> Transform -> Load pipeline with per-stage retries.
//
// Every file found in the input directory is handled on its own: it is read
// into a typed table, cleaned, written to the output directory as a cleaned
// file and committed to a destination table in batches. A file that fails
// never stops the run; the run summary records which stage failed, after how
// many attempts and why.
//
// # Architecture
//
// The pipeline is built from small packages that each own one concern:
//
//   - pkg/extract: encoding detection, header parsing and CSV decoding
//   - pkg/transform: column normalization, deduplication, missing values, type inference
//   - pkg/load: transactional batch inserts over pgx
//   - pkg/artifact: cleaned file output with gzip, zstd or lz4 compression
//   - pkg/retry: exponential backoff that stops on permanent errors
//   - internal/pipeline: the orchestrator that drives files through the stages
//
// Errors carry a type and a retryable flag (pkg/errors). Only retryable
// errors are retried; configuration, header and constraint errors fail the
// file on the first attempt.
//
// # Quick Start
//
// Process a directory of CSV files without a database:
//
//	flatetl run --input-dir data/raw --output-dir data/processed
//
// Load into PostgreSQL, creating the schema first:
//
//	export POSTGRES_HOST=localhost POSTGRES_USER=etl POSTGRES_PASSWORD=etl POSTGRES_DB=warehouse
//	flatetl run --input-dir data/raw --provision --workers 4
//
// Using the library directly:
//
//	import (
//	    "github.com/ajitpratap0/flatetl/internal/pipeline"
//	    "github.com/ajitpratap0/flatetl/pkg/config"
//	    "github.com/ajitpratap0/flatetl/pkg/extract"
//	    "github.com/ajitpratap0/flatetl/pkg/transform"
//	)
//
//	cfg, _ := config.Load("flatetl.yaml")
//	stages := pipeline.Stages{
//	    Extractor:   extract.New(logger),
//	    Transformer: transform.New(logger),
//	}
//	summary, err := pipeline.New(pipeline.OptionsFromConfig(cfg), stages, logger).Run(ctx)
//	fmt.Print(summary.Report())
//
// # Configuration
//
// Configuration is read from a YAML file and overridden by FLATETL_*
// environment variables (FLATETL_LOAD_MODE, FLATETL_PIPELINE_WORKERS, ...)
// and then by command line flags. A .env file in the working directory is
// loaded when present.
//
// # Observability
//
// Logs are structured (zap) and written to stderr. Prometheus metrics are
// served with --metrics-addr and spans for every file and stage attempt can
// be printed with --tracing stdout.
package flatetl
