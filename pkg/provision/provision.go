// Package provision applies the destination schema (customers, products
// and sales) before any data is loaded. The migrations are embedded in the
// binary and applied with goose.
package provision

import (
	"context"
	"database/sql"
	"embed"
	"sync"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	// registers the "pgx" database/sql driver
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ajitpratap0/flatetl/pkg/config"
	"github.com/ajitpratap0/flatetl/pkg/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// goose keeps its settings in package globals.
var gooseMu sync.Mutex

// Tables lists the provisioned tables in dependency order.
var Tables = []string{"customers", "products", "sales"}

// Open opens a database/sql handle for cfg through the pgx driver.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to open database")
	}
	return db, nil
}

// Up applies every pending migration and returns the resulting schema
// version.
func Up(ctx context.Context, db *sql.DB, logger *zap.Logger) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := setup(logger); err != nil {
		return 0, err
	}
	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConnection, "failed to apply migrations")
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read schema version")
	}
	return version, nil
}

// Version returns the applied schema version.
func Version(ctx context.Context, db *sql.DB, logger *zap.Logger) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := setup(logger); err != nil {
		return 0, err
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read schema version")
	}
	return version, nil
}

// Run opens the database described by cfg, applies the migrations and
// closes it again.
func Run(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (int64, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := Open(cfg)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConnection, "failed to reach database").
			WithDetail("dsn", cfg.Redacted())
	}

	version, err := Up(ctx, db, logger)
	if err != nil {
		return 0, err
	}
	logger.Info("schema provisioned",
		zap.Int64("version", version),
		zap.Strings("tables", Tables))
	return version, nil
}

func setup(logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	goose.SetLogger(&gooseLogger{log: logger.Sugar().With("component", "provision")})
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to select migration dialect")
	}
	return nil
}

// gooseLogger implements goose.Logger on top of zap.
type gooseLogger struct {
	log *zap.SugaredLogger
}

func (l *gooseLogger) Printf(format string, v ...interface{}) { l.log.Infof(format, v...) }
func (l *gooseLogger) Fatalf(format string, v ...interface{}) { l.log.Fatalf(format, v...) }
