// Package errors maps engine failures to short, low-cardinality class names
// for metric tags and job failure details.
package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/target/etl-loader/internal/errors"
)

// kinded is satisfied by errors that carry their own classification, such as
// sandbox violations.
type kinded interface {
	error
	ClassKind() string
}

// Classify returns a class for err. Structured engine errors use their code,
// Postgres errors their SQLSTATE class, and anything else the innermost
// concrete type name in snake case.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	}

	var k kinded
	if goerrors.As(err, &k) {
		if kind := strings.TrimSpace(k.ClassKind()); kind != "" {
			return kind
		}
	}

	if code := apperrors.GetCode(err); code != "" && code != apperrors.ErrCodeInternal {
		return string(code)
	}

	var pgErr *pgconn.PgError
	if goerrors.As(err, &pgErr) {
		return postgresClass(pgErr.Code)
	}

	return typeName(innermost(err))
}

func postgresClass(code string) string {
	switch {
	case pgerrcode.IsIntegrityConstraintViolation(code):
		return "pg_integrity"
	case pgerrcode.IsDataException(code):
		return "pg_data"
	case pgerrcode.IsTransactionRollback(code):
		return "pg_tx_rollback"
	case pgerrcode.IsConnectionException(code), pgerrcode.IsOperatorIntervention(code):
		return "pg_connection"
	case pgerrcode.IsInsufficientResources(code):
		return "pg_resources"
	case pgerrcode.IsSyntaxErrororAccessRuleViolation(code):
		return "pg_schema"
	default:
		return "pg_other"
	}
}

func innermost(err error) error {
	for {
		next := goerrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}
	name := strings.ToLower(strings.ReplaceAll(t.String(), ".", "_"))
	if name == "" {
		return "unknown"
	}
	return name
}
