package load

import (
	stderrors "errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ajitpratap0/flatetl/pkg/errors"
)

// SQLSTATE classes and codes that describe deterministic failures.
var permanentClasses = []string{
	"22", // data exception
	"23", // integrity constraint violation
	"42", // syntax error or access rule violation
	"0A", // feature not supported
}

// Classify returns err as a load error, marked permanent when retrying
// cannot change the result. Context errors become cancellations.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.IsCancelled(err) {
		if errors.IsType(err, errors.ErrorTypeCancelled) {
			return err
		}
		return errors.Cancelled(err)
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		wrapped := errors.Wrap(err, errors.ErrorTypeLoad, "database rejected the write").
			WithDetail("sqlstate", pgErr.Code)
		if pgErr.ConstraintName != "" {
			wrapped = wrapped.WithDetail("constraint", pgErr.ConstraintName)
		}
		if pgErr.TableName != "" {
			wrapped = wrapped.WithDetail("table", pgErr.TableName)
		}
		if isPermanentCode(pgErr.Code) {
			wrapped = wrapped.Permanent()
		}
		return wrapped
	}

	var netErr net.Error
	if pgconn.Timeout(err) || stderrors.As(err, &netErr) || errors.IsType(err, errors.ErrorTypeConnection) {
		return errors.Wrap(err, errors.ErrorTypeLoad, "database connection failed")
	}

	if errors.IsType(err, errors.ErrorTypeLoad) {
		return err
	}
	return errors.Wrap(err, errors.ErrorTypeLoad, "load failed")
}

func isPermanentCode(code string) bool {
	for _, class := range permanentClasses {
		if strings.HasPrefix(code, class) {
			return true
		}
	}
	// Everything else (08 connection, 40 rollback, 53 resources, 57
	// operator intervention, ...) may succeed on a later attempt.
	return false
}
