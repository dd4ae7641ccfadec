package errors

import (
	"context"
	"database/sql"
	"errors"
	"regexp"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// reKeyField extracts the column from "Key (field)=(value) already exists.".
var reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)

// Extended result codes reported by SQLite for constraint failures.
const (
	sqliteConstraint           = 19
	sqliteConstraintCheck      = 275
	sqliteConstraintForeignKey = 787
	sqliteConstraintNotNull    = 1299
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

// SQL Server error numbers for constraint failures.
const (
	mssqlNotNull         = 515
	mssqlConstraint      = 547
	mssqlUniqueIndex     = 2601
	mssqlUniqueViolation = 2627
)

type sqliteCoder interface{ Code() int }

type mssqlNumberer interface{ SQLErrorNumber() int32 }

// MapDBError maps driver errors to AppError values. It understands
// PostgreSQL, SQLite and SQL Server constraint failures, no-rows sentinels
// and context errors. Unrecognised errors are returned unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &AppError{Code: ErrCodeTimeout, Message: "operation timed out", Cause: err}
	case errors.Is(err, context.Canceled):
		return &AppError{Code: ErrCodeCanceled, Message: "operation was canceled", Cause: err}
	case errors.Is(err, pgx.ErrNoRows), errors.Is(err, sql.ErrNoRows):
		return &AppError{Code: ErrCodeNotFound, Message: "resource not found", Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}
	var ms mssqlNumberer
	if errors.As(err, &ms) {
		return mapMSSQLError(err, ms.SQLErrorNumber())
	}
	var lite sqliteCoder
	if errors.As(err, &lite) {
		return mapSQLiteError(err, lite.Code())
	}
	return err
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		field := pgErr.ColumnName
		if field == "" {
			if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
				field = m[1]
			}
		}
		return &AppError{Code: ErrCodeConflict, Message: "value already exists", Field: field, Cause: pgErr}
	case pgerrcode.ForeignKeyViolation:
		return &AppError{Code: ErrCodeForeignKey, Message: "referenced row is missing or still in use", Cause: pgErr}
	case pgerrcode.CheckViolation, pgerrcode.NotNullViolation,
		pgerrcode.InvalidTextRepresentation, pgerrcode.NumericValueOutOfRange,
		pgerrcode.StringDataRightTruncationDataException, pgerrcode.InvalidDatetimeFormat:
		return &AppError{Code: ErrCodeValidation, Message: "value rejected by target", Field: pgErr.ColumnName, Cause: pgErr}
	case pgerrcode.QueryCanceled:
		return &AppError{Code: ErrCodeTimeout, Message: "statement timed out", Cause: pgErr}
	default:
		return &AppError{Code: ErrCodeInternal, Message: "database error", Cause: pgErr}
	}
}

func mapSQLiteError(err error, code int) error {
	switch code {
	case sqliteConstraintUnique, sqliteConstraintPrimaryKey:
		return &AppError{Code: ErrCodeConflict, Message: "value already exists", Cause: err}
	case sqliteConstraintForeignKey:
		return &AppError{Code: ErrCodeForeignKey, Message: "referenced row is missing or still in use", Cause: err}
	case sqliteConstraintNotNull, sqliteConstraintCheck:
		return &AppError{Code: ErrCodeValidation, Message: "value rejected by target", Cause: err}
	}
	// Primary code only when extended codes are off.
	if code&0xff == sqliteConstraint {
		return &AppError{Code: ErrCodeValidation, Message: "constraint violated", Cause: err}
	}
	return err
}

func mapMSSQLError(err error, number int32) error {
	switch number {
	case mssqlUniqueIndex, mssqlUniqueViolation:
		return &AppError{Code: ErrCodeConflict, Message: "value already exists", Cause: err}
	case mssqlConstraint:
		return &AppError{Code: ErrCodeForeignKey, Message: "constraint violated", Cause: err}
	case mssqlNotNull:
		return &AppError{Code: ErrCodeValidation, Message: "value rejected by target", Cause: err}
	default:
		return &AppError{Code: ErrCodeInternal, Message: "database error", Cause: err}
	}
}
