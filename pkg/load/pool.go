package load

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/flatetl/pkg/config"
	"github.com/ajitpratap0/flatetl/pkg/errors"
)

// ConnPool hands out connections for one unit of work each.
type ConnPool interface {
	Acquire(ctx context.Context) (Conn, error)
}

// Conn is a connection borrowed from a ConnPool. Release must be called
// exactly once.
type Conn interface {
	Begin(ctx context.Context) (Tx, error)
	// TableColumns returns the insertable columns of table in ordinal
	// order, or an empty slice when the table does not exist.
	TableColumns(ctx context.Context, table string) ([]string, error)
	Release()
}

// Tx is a database transaction. pgx.Tx satisfies it.
type Tx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Pool is the PostgreSQL ConnPool backed by pgxpool.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool creates and verifies a connection pool for cfg.
func NewPool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse connection string")
	}

	poolConfig.MaxConns = cfg.MaxConns
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = 10
	}
	poolConfig.MinConns = cfg.MinConns
	if poolConfig.MinConns > poolConfig.MaxConns {
		poolConfig.MinConns = poolConfig.MaxConns / 2
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, Classify(errors.Wrap(err, errors.ErrorTypeConnection, "failed to reach database"))
	}

	logger.Info("connected to PostgreSQL",
		zap.String("dsn", cfg.Redacted()),
		zap.Int32("max_connections", poolConfig.MaxConns),
		zap.Int32("min_connections", poolConfig.MinConns),
		zap.Duration("idle_timeout", poolConfig.MaxConnIdleTime),
		zap.Duration("health_check_period", poolConfig.HealthCheckPeriod))

	return &Pool{pool: pool}, nil
}

// Acquire borrows a connection from the pool.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: c}, nil
}

// Stats reports pool usage for logging.
func (p *Pool) Stats() map[string]interface{} {
	stat := p.pool.Stat()
	return map[string]interface{}{
		"total_conns":    stat.TotalConns(),
		"idle_conns":     stat.IdleConns(),
		"acquired_conns": stat.AcquiredConns(),
		"acquire_count":  stat.AcquireCount(),
	}
}

// Close closes every connection in the pool.
func (p *Pool) Close() {
	p.pool.Close()
}

type pgxConn struct {
	conn *pgxpool.Conn
}

func (c *pgxConn) Begin(ctx context.Context) (Tx, error) {
	return c.conn.Begin(ctx)
}

const columnsQuery = `
SELECT column_name::text
FROM information_schema.columns
WHERE table_schema = COALESCE($1::text, current_schema()::text)
  AND table_name = $2::text
  AND is_generated = 'NEVER'
ORDER BY ordinal_position`

func (c *pgxConn) TableColumns(ctx context.Context, table string) ([]string, error) {
	var schema *string
	name := table
	if parts := strings.SplitN(table, ".", 2); len(parts) == 2 {
		schema = &parts[0]
		name = parts[1]
	}

	rows, err := c.conn.Query(ctx, columnsQuery, schema, name)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (c *pgxConn) Release() {
	c.conn.Release()
}
