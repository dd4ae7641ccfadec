package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeSQLiteErr struct{ code int }

func (e *fakeSQLiteErr) Error() string { return fmt.Sprintf("sqlite %d", e.code) }
func (e *fakeSQLiteErr) Code() int { return e.code }

type fakeMSSQLErr struct{ number int32 }

func (e fakeMSSQLErr) Error() string { return fmt.Sprintf("mssql %d", e.number) }
func (e fakeMSSQLErr) SQLErrorNumber() int32 { return e.number }

func TestMapDBError_Nil(t *testing.T) {
	if MapDBError(nil) != nil {
		t.Error("MapDBError(nil) should be nil")
	}
}

func TestMapDBError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
	}{
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout},
		{"canceled", fmt.Errorf("exec: %w", context.Canceled), ErrCodeCanceled},
		{"pgx no rows", pgx.ErrNoRows, ErrCodeNotFound},
		{"sql no rows", sql.ErrNoRows, ErrCodeNotFound},
		{"pg unique", &pgconn.PgError{Code: pgerrcode.UniqueViolation}, ErrCodeConflict},
		{"pg fk", &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation}, ErrCodeForeignKey},
		{"pg not null", &pgconn.PgError{Code: pgerrcode.NotNullViolation}, ErrCodeValidation},
		{"pg bad text", &pgconn.PgError{Code: pgerrcode.InvalidTextRepresentation}, ErrCodeValidation},
		{"pg other", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, ErrCodeInternal},
		{"sqlite unique", &fakeSQLiteErr{code: sqliteConstraintUnique}, ErrCodeConflict},
		{"sqlite pk", &fakeSQLiteErr{code: sqliteConstraintPrimaryKey}, ErrCodeConflict},
		{"sqlite not null", &fakeSQLiteErr{code: sqliteConstraintNotNull}, ErrCodeValidation},
		{"sqlite primary code", &fakeSQLiteErr{code: sqliteConstraint}, ErrCodeValidation},
		{"mssql unique", fakeMSSQLErr{number: mssqlUniqueViolation}, ErrCodeConflict},
		{"mssql null", fakeMSSQLErr{number: mssqlNotNull}, ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapDBError(tt.err)
			if GetCode(got) != tt.wantCode {
				t.Errorf("MapDBError() code = %q, want %q", GetCode(got), tt.wantCode)
			}
			if !errors.Is(got, tt.err) && !errors.Is(got, errors.Unwrap(tt.err)) {
				t.Errorf("mapped error should wrap the cause")
			}
		})
	}
}

func TestMapDBError_UniqueViolationField(t *testing.T) {
	err := MapDBError(&pgconn.PgError{
		Code:   pgerrcode.UniqueViolation,
		Detail: "Key (id)=(42) already exists.",
	})
	if GetField(err) != "id" {
		t.Errorf("GetField() = %q, want id", GetField(err))
	}
}

func TestMapDBError_Unrecognised(t *testing.T) {
	plain := errors.New("connection reset")
	if got := MapDBError(plain); got != plain {
		t.Errorf("unrecognised errors should pass through, got %v", got)
	}
}
