// Package config provides the configuration system for flatetl.
// A single Config structure covers every recognised option, organised into
// logical sections:
//   - Input: where input files are discovered
//   - Output: cleaned artifacts and the run summary
//   - Extract: encoding, chunking and header contract
//   - Transform: the cleaning steps and missing-value strategy
//   - Load: load mode and sub-batch size
//   - Database: the destination connection pool
//   - Retry: per-stage retry budget and backoff
//   - Pipeline: worker count and run timeout
//   - Observability: logging, metrics and tracing
//
// Example usage:
//
//	cfg := config.NewDefaultConfig()
//	cfg.Load.BatchSize = 1000
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/ajitpratap0/flatetl/pkg/errors"
)

// Missing value strategies
const (
	MissingNone     = "none"
	MissingDropAll  = "drop_all"
	MissingDropAny  = "drop_any"
	MissingFillMean = "fill_mean"
)

// Load modes
const (
	LoadModeReplace = "replace"
	LoadModeAppend  = "append"
)

// Bad line handling
const (
	BadLinesWarn  = "warn"
	BadLinesSkip  = "skip"
	BadLinesError = "error"
)

// Config is the complete flatetl configuration.
type Config struct {
	Input         InputConfig         `yaml:"input" json:"input" mapstructure:"input"`
	Output        OutputConfig        `yaml:"output" json:"output" mapstructure:"output"`
	Extract       ExtractConfig       `yaml:"extract" json:"extract" mapstructure:"extract"`
	Transform     TransformConfig     `yaml:"transform" json:"transform" mapstructure:"transform"`
	Load          LoadConfig          `yaml:"load" json:"load" mapstructure:"load"`
	Database      DatabaseConfig      `yaml:"database" json:"database" mapstructure:"database"`
	Retry         RetryConfig         `yaml:"retry" json:"retry" mapstructure:"retry"`
	Pipeline      PipelineConfig      `yaml:"pipeline" json:"pipeline" mapstructure:"pipeline"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`
}

// InputConfig controls file discovery.
type InputConfig struct {
	// Dir is the directory scanned for input files
	Dir string `yaml:"dir" json:"dir" mapstructure:"dir"`
	// Pattern is the glob matched against file names in Dir
	Pattern string `yaml:"pattern" json:"pattern" mapstructure:"pattern"`
}

// OutputConfig controls the cleaned artifacts.
type OutputConfig struct {
	// Dir receives one cleaned file per input
	Dir string `yaml:"dir" json:"dir" mapstructure:"dir"`
	// WriteArtifacts toggles writing cleaned files
	WriteArtifacts bool `yaml:"write_artifacts" json:"write_artifacts" mapstructure:"write_artifacts"`
	// Compression applied to cleaned files (none, gzip, zstd, lz4)
	Compression string `yaml:"compression" json:"compression" mapstructure:"compression"`
	// SummaryJSON, when set, receives the run summary as JSON
	SummaryJSON string `yaml:"summary_json" json:"summary_json" mapstructure:"summary_json"`
}

// ExtractConfig controls how input files are read.
type ExtractConfig struct {
	// Encoding of input files; empty or "auto" probes a byte sample
	Encoding string `yaml:"encoding" json:"encoding" mapstructure:"encoding"`
	// FallbackEncoding is used when the probe is inconclusive
	FallbackEncoding string `yaml:"fallback_encoding" json:"fallback_encoding" mapstructure:"fallback_encoding"`
	// SampleSize is the number of bytes probed for encoding detection
	SampleSize int `yaml:"sample_size" json:"sample_size" mapstructure:"sample_size"`
	// Delimiter separates fields; a single character
	Delimiter string `yaml:"delimiter" json:"delimiter" mapstructure:"delimiter"`
	// ChunkSize is the number of rows per chunk when reading large files
	ChunkSize int `yaml:"chunk_size" json:"chunk_size" mapstructure:"chunk_size"`
	// LargeFileThresholdBytes triggers chunked reading
	LargeFileThresholdBytes int64 `yaml:"large_file_threshold_bytes" json:"large_file_threshold_bytes" mapstructure:"large_file_threshold_bytes"`
	// BadLines selects how rows with the wrong field count are handled
	BadLines string `yaml:"bad_lines" json:"bad_lines" mapstructure:"bad_lines"`
	// ExpectedColumns must be present in every input header
	ExpectedColumns []string `yaml:"expected_columns" json:"expected_columns" mapstructure:"expected_columns"`
	// StrictColumns rejects headers with columns beyond ExpectedColumns
	StrictColumns bool `yaml:"strict_columns" json:"strict_columns" mapstructure:"strict_columns"`
}

// TransformConfig toggles the cleaning steps.
type TransformConfig struct {
	NormalizeColumns     bool   `yaml:"normalize_columns" json:"normalize_columns" mapstructure:"normalize_columns"`
	RemoveDuplicates     bool   `yaml:"remove_duplicates" json:"remove_duplicates" mapstructure:"remove_duplicates"`
	MissingValueStrategy string `yaml:"missing_value_strategy" json:"missing_value_strategy" mapstructure:"missing_value_strategy"`
	ConvertTypes         bool   `yaml:"convert_types" json:"convert_types" mapstructure:"convert_types"`
	ParseDates           bool   `yaml:"parse_dates" json:"parse_dates" mapstructure:"parse_dates"`
}

// LoadConfig controls database loading.
type LoadConfig struct {
	// Mode is replace or append
	Mode string `yaml:"mode" json:"mode" mapstructure:"mode"`
	// BatchSize is the number of rows committed per transaction
	BatchSize int `yaml:"batch_size" json:"batch_size" mapstructure:"batch_size"`
	// Table overrides the per-file target table derived from the file name
	Table string `yaml:"table" json:"table" mapstructure:"table"`
	// Provision applies the destination schema before the first load
	Provision bool `yaml:"provision" json:"provision" mapstructure:"provision"`
}

// DatabaseConfig describes the destination connection pool. Loading is
// skipped entirely when Host is empty.
type DatabaseConfig struct {
	Host              string        `yaml:"host" json:"host" mapstructure:"host"`
	Port              int           `yaml:"port" json:"port" mapstructure:"port"`
	User              string        `yaml:"user" json:"user" mapstructure:"user"`
	Password          string        `yaml:"password" json:"-" mapstructure:"password"`
	Name              string        `yaml:"name" json:"name" mapstructure:"name"`
	SSLMode           string        `yaml:"ssl_mode" json:"ssl_mode" mapstructure:"ssl_mode"`
	MaxConns          int32         `yaml:"max_conns" json:"max_conns" mapstructure:"max_conns"`
	MinConns          int32         `yaml:"min_conns" json:"min_conns" mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `yaml:"max_conn_lifetime" json:"max_conn_lifetime" mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `yaml:"max_conn_idle_time" json:"max_conn_idle_time" mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period" json:"health_check_period" mapstructure:"health_check_period"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" json:"connect_timeout" mapstructure:"connect_timeout"`
}

// RetryConfig is the per-stage retry budget.
type RetryConfig struct {
	// MaxRetries is the total number of attempts per stage per file
	MaxRetries int `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries"`
	// BaseDelay seeds the exponential backoff
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay" mapstructure:"base_delay"`
	// MaxDelay caps a single backoff sleep
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay" mapstructure:"max_delay"`
	// Multiplier grows the delay between attempts
	Multiplier float64 `yaml:"multiplier" json:"multiplier" mapstructure:"multiplier"`
	// Jitter randomises each delay by +/- this fraction (0 disables)
	Jitter float64 `yaml:"jitter" json:"jitter" mapstructure:"jitter"`
}

// PipelineConfig controls the orchestrator.
type PipelineConfig struct {
	// Workers is the number of files processed concurrently
	Workers int `yaml:"workers" json:"workers" mapstructure:"workers"`
	// Timeout bounds the whole run (0 = none)
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
}

// ObservabilityConfig controls logging, metrics and tracing.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	LogEncoding string `yaml:"log_encoding" json:"log_encoding" mapstructure:"log_encoding"`
	Development bool   `yaml:"development" json:"development" mapstructure:"development"`
	// MetricsAddr, when set, serves Prometheus metrics (e.g. ":9090")
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr" mapstructure:"metrics_addr"`
	// Tracing selects the span exporter (none, stdout)
	Tracing string `yaml:"tracing" json:"tracing" mapstructure:"tracing"`
}

// NewDefaultConfig creates a Config with production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Input: InputConfig{
			Dir:     "data/raw",
			Pattern: "*.csv",
		},
		Output: OutputConfig{
			Dir:            "data/processed",
			WriteArtifacts: true,
			Compression:    "none",
		},
		Extract: ExtractConfig{
			Encoding:                "auto",
			FallbackEncoding:        "windows-1252",
			SampleSize:              64 * 1024,
			Delimiter:               ",",
			ChunkSize:               10000,
			LargeFileThresholdBytes: 50 * 1024 * 1024,
			BadLines:                BadLinesWarn,
		},
		Transform: TransformConfig{
			NormalizeColumns:     true,
			RemoveDuplicates:     true,
			MissingValueStrategy: MissingDropAll,
			ConvertTypes:         true,
		},
		Load: LoadConfig{
			Mode:      LoadModeAppend,
			BatchSize: 5000,
		},
		Database: DatabaseConfig{
			Port:              5432,
			User:              "postgres",
			Password:          "postgres",
			Name:              "etl_db",
			SSLMode:           "disable",
			MaxConns:          10,
			MinConns:          1,
			MaxConnLifetime:   time.Hour,
			MaxConnIdleTime:   30 * time.Minute,
			HealthCheckPeriod: 30 * time.Second,
			ConnectTimeout:    10 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
			Multiplier: 2.0,
		},
		Pipeline: PipelineConfig{
			Workers: 1,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogEncoding: "json",
			Tracing:     "none",
		},
	}
}

// Validate checks every enumerated option and range. It returns a config
// error naming the first invalid field.
func (c *Config) Validate() error {
	invalid := func(field string, format string, args ...interface{}) error {
		return errors.Newf(errors.ErrorTypeConfig, "%s: %s", field, fmt.Sprintf(format, args...)).
			WithDetail("field", field)
	}

	if c.Input.Dir == "" {
		return invalid("input.dir", "is required")
	}
	if c.Input.Pattern == "" {
		return invalid("input.pattern", "is required")
	}
	if c.Output.WriteArtifacts && c.Output.Dir == "" {
		return invalid("output.dir", "is required when write_artifacts is set")
	}
	switch c.Output.Compression {
	case "", "none", "gzip", "zstd", "lz4":
	default:
		return invalid("output.compression", "unknown algorithm %q", c.Output.Compression)
	}
	if c.Extract.ChunkSize <= 0 {
		return invalid("extract.chunk_size", "must be positive")
	}
	if c.Extract.LargeFileThresholdBytes < 0 {
		return invalid("extract.large_file_threshold_bytes", "cannot be negative")
	}
	if c.Extract.SampleSize <= 0 {
		return invalid("extract.sample_size", "must be positive")
	}
	if len([]rune(c.Extract.Delimiter)) != 1 {
		return invalid("extract.delimiter", "must be a single character")
	}
	switch c.Extract.BadLines {
	case BadLinesWarn, BadLinesSkip, BadLinesError:
	default:
		return invalid("extract.bad_lines", "must be one of warn, skip, error; got %q", c.Extract.BadLines)
	}
	switch c.Transform.MissingValueStrategy {
	case MissingNone, MissingDropAll, MissingDropAny, MissingFillMean:
	default:
		return invalid("transform.missing_value_strategy", "must be one of none, drop_all, drop_any, fill_mean; got %q", c.Transform.MissingValueStrategy)
	}
	switch c.Load.Mode {
	case LoadModeReplace, LoadModeAppend:
	default:
		return invalid("load.mode", "must be replace or append; got %q", c.Load.Mode)
	}
	if c.Load.Mode == LoadModeReplace && c.Load.Table != "" {
		return invalid("load.mode", "replace cannot be combined with load.table: every file would truncate the rows of the previous one; use append")
	}
	if c.Load.BatchSize <= 0 {
		return invalid("load.batch_size", "must be positive")
	}
	if c.Retry.MaxRetries < 1 {
		return invalid("retry.max_retries", "must be at least 1")
	}
	if c.Retry.BaseDelay < 0 {
		return invalid("retry.base_delay", "cannot be negative")
	}
	if c.Retry.Multiplier < 1 {
		return invalid("retry.multiplier", "must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return invalid("retry.jitter", "must be in [0, 1)")
	}
	if c.Pipeline.Workers < 1 {
		return invalid("pipeline.workers", "must be at least 1")
	}
	if c.Database.Enabled() {
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return invalid("database.port", "out of range")
		}
		if c.Database.MaxConns <= 0 {
			return invalid("database.max_conns", "must be positive")
		}
		if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
			return invalid("database.min_conns", "must be between 0 and max_conns")
		}
	}
	switch c.Observability.Tracing {
	case "", "none", "stdout":
	default:
		return invalid("observability.tracing", "unknown exporter %q", c.Observability.Tracing)
	}
	return nil
}

// Enabled reports whether a destination database is configured.
func (d *DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// DSN returns a PostgreSQL connection URL.
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   d.Host + ":" + strconv.Itoa(d.Port),
		Path:   "/" + d.Name,
	}
	q := url.Values{}
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	if d.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(d.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Redacted returns the DSN with the password masked, for logging.
func (d *DatabaseConfig) Redacted() string {
	masked := *d
	masked.Password = "xxxxx"
	return masked.DSN()
}
