// Package load writes cleaned batches into PostgreSQL.
//
// A batch is split into consecutive sub-batches of at most batchSize rows.
// Each sub-batch is inserted inside its own transaction on a freshly
// acquired pooled connection, so it either fully commits or fully rolls
// back. Loading stops at the first failing sub-batch; earlier sub-batches
// stay committed and are reported in Stats.Loaded.
package load

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ajitpratap0/flatetl/pkg/config"
	"github.com/ajitpratap0/flatetl/pkg/errors"
	"github.com/ajitpratap0/flatetl/pkg/table"
)

// Load modes
const (
	ModeReplace = config.LoadModeReplace
	ModeAppend  = config.LoadModeAppend
)

// maxParams is the PostgreSQL limit on bind parameters per statement.
const maxParams = 65535

// Target names the destination of a load.
type Target struct {
	// Table may be schema qualified ("public.sales")
	Table string
	// Mode is replace or append
	Mode string
}

// Validate checks the target and sub-batch size.
func (t Target) Validate(batchSize int) error {
	if strings.TrimSpace(t.Table) == "" {
		return errors.New(errors.ErrorTypeConfig, "target table is required")
	}
	switch t.Mode {
	case ModeReplace, ModeAppend:
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown load mode %q", t.Mode)
	}
	if batchSize <= 0 {
		return errors.Newf(errors.ErrorTypeConfig, "batch size must be positive, got %d", batchSize)
	}
	return nil
}

// Stats describes one load attempt. It is returned with errors too.
type Stats struct {
	Table      string        `json:"table"`
	Mode       string        `json:"mode"`
	Attempted  int           `json:"attempted"`
	Loaded     int           `json:"loaded"`
	Failed     int           `json:"failed"`
	SubBatches int           `json:"sub_batches"`
	Truncated  bool          `json:"truncated"`
	Duration   time.Duration `json:"duration"`
}

// Report renders a short human-readable summary.
func (s Stats) Report() string {
	return fmt.Sprintf("loaded %d/%d rows into %s (%s, %d sub-batch(es), %d failed) in %s",
		s.Loaded, s.Attempted, s.Table, s.Mode, s.SubBatches, s.Failed, s.Duration.Round(time.Millisecond))
}

// Loader inserts batches through a ConnPool.
type Loader struct {
	pool   ConnPool
	logger *zap.Logger
}

// New creates a Loader. A nil logger disables logging.
func New(pool ConnPool, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{pool: pool, logger: logger.With(zap.String("component", "loader"))}
}

// Load writes b into target and returns the number of committed rows.
func (l *Loader) Load(ctx context.Context, b *table.Batch, target Target, batchSize int) (int, Stats, error) {
	start := time.Now()
	stats := Stats{Table: target.Table, Mode: target.Mode}
	if b != nil {
		stats.Attempted = b.Len()
	}
	finish := func(err error) (int, Stats, error) {
		stats.Failed = stats.Attempted - stats.Loaded
		stats.Duration = time.Since(start)
		return stats.Loaded, stats, err
	}

	if err := target.Validate(batchSize); err != nil {
		return finish(err)
	}
	if b == nil {
		return finish(errors.New(errors.ErrorTypeLoad, "nil batch").Permanent())
	}
	if err := ctx.Err(); err != nil {
		return finish(errors.Cancelled(err))
	}

	if err := l.checkSchema(ctx, b, target.Table); err != nil {
		return finish(err)
	}

	if target.Mode == ModeReplace {
		if err := l.truncate(ctx, target.Table); err != nil {
			return finish(err)
		}
		stats.Truncated = true
	}

	if b.Len() == 0 || b.Width() == 0 {
		return finish(nil)
	}

	insert := newInsertBuilder(target.Table, b.Columns())
	for lo := 0; lo < b.Len(); lo += batchSize {
		if err := ctx.Err(); err != nil {
			return finish(errors.Cancelled(err))
		}
		sub := b.Slice(lo, lo+batchSize)
		if err := l.insertSubBatch(ctx, insert, sub); err != nil {
			l.logger.Warn("sub-batch rolled back",
				zap.String("table", target.Table),
				zap.Int("offset", lo),
				zap.Int("rows", sub.Len()),
				zap.Error(err))
			return finish(err)
		}
		stats.Loaded += sub.Len()
		stats.SubBatches++
		l.logger.Debug("sub-batch committed",
			zap.String("table", target.Table),
			zap.Int("offset", lo),
			zap.Int("rows", sub.Len()))
	}
	return finish(nil)
}

// checkSchema verifies that the target exists and has every batch column.
func (l *Loader) checkSchema(ctx context.Context, b *table.Batch, tableName string) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return Classify(errors.Wrap(err, errors.ErrorTypeConnection, "failed to acquire connection"))
	}
	defer conn.Release()

	columns, err := conn.TableColumns(ctx, tableName)
	if err != nil {
		return Classify(err)
	}
	if len(columns) == 0 {
		return errors.Newf(errors.ErrorTypeLoad, "target table %q does not exist", tableName).
			WithDetail("table", tableName).Permanent()
	}

	known := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		known[c] = struct{}{}
	}
	var unknown []string
	for _, c := range b.Columns() {
		if _, ok := known[c]; !ok {
			unknown = append(unknown, c)
		}
	}
	if len(unknown) > 0 {
		return errors.Newf(errors.ErrorTypeLoad, "schema mismatch: %s has no column(s) %s", tableName, strings.Join(unknown, ", ")).
			WithDetail("table", tableName).
			WithDetail("columns", unknown).
			Permanent()
	}
	return nil
}

func (l *Loader) truncate(ctx context.Context, tableName string) error {
	return l.inTx(ctx, func(tx Tx) error {
		_, err := tx.Exec(ctx, "TRUNCATE TABLE "+quoteTable(tableName))
		return err
	})
}

func (l *Loader) insertSubBatch(ctx context.Context, insert *insertBuilder, sub *table.Batch) error {
	return l.inTx(ctx, func(tx Tx) error {
		for lo := 0; lo < sub.Len(); lo += insert.rowsPerStatement {
			sql, args := insert.build(sub, lo, min(lo+insert.rowsPerStatement, sub.Len()))
			if _, err := tx.Exec(ctx, sql, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// inTx runs fn in a transaction on its own connection. The connection is
// released and the transaction rolled back on every error path.
func (l *Loader) inTx(ctx context.Context, fn func(Tx) error) (err error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return Classify(errors.Wrap(err, errors.ErrorTypeConnection, "failed to acquire connection"))
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return Classify(err)
	}
	committed := false
	defer func() {
		if !committed {
			// ctx may already be cancelled
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if rerr := tx.Rollback(rctx); rerr != nil && !stderrors.Is(rerr, pgx.ErrTxClosed) {
				l.logger.Warn("rollback failed", zap.Error(rerr))
			}
		}
	}()

	if err := fn(tx); err != nil {
		return Classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Classify(err)
	}
	committed = true
	return nil
}

// insertBuilder renders multi-row parameterized INSERT statements.
type insertBuilder struct {
	prefix           string
	width            int
	rowsPerStatement int
}

func newInsertBuilder(tableName string, columns []string) *insertBuilder {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	rows := maxParams / len(columns)
	if rows < 1 {
		rows = 1
	}
	return &insertBuilder{
		prefix:           "INSERT INTO " + quoteTable(tableName) + " (" + strings.Join(quoted, ", ") + ") VALUES ",
		width:            len(columns),
		rowsPerStatement: rows,
	}
}

// build renders rows [lo, hi) of b.
func (ib *insertBuilder) build(b *table.Batch, lo, hi int) (string, []any) {
	var sb strings.Builder
	sb.WriteString(ib.prefix)
	args := make([]any, 0, (hi-lo)*ib.width)
	for i := lo; i < hi; i++ {
		if i > lo {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := 0; j < ib.width; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			args = append(args, b.Value(i, j))
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(len(args)))
		}
		sb.WriteByte(')')
	}
	return sb.String(), args
}

func quoteTable(name string) string {
	return pgx.Identifier(strings.SplitN(name, ".", 2)).Sanitize()
}
