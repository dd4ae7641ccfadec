package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without cause",
			err:  NotFound("load not found"),
			want: "load not found",
		},
		{
			name: "with cause",
			err:  Wrap(errors.New("boom"), ErrCodeInternal, "chunk failed"),
			want: "chunk failed: boom",
		},
		{
			name: "percent in message without args",
			err:  Validation("rate must be <= 100%"),
			want: "rate must be <= 100%",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConstructorsAndPredicates(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		code  ErrorCode
	}{
		{"duplicate job", DuplicateJob("abc"), IsConflict, ErrCodeConflict},
		{"illegal transition", IllegalTransition("abc", "completed", "processing"), IsIllegalTransition, ErrCodeIllegalTransition},
		{"not rollbackable", NotRollbackable("h1", "already rolled back"), IsNotRollbackable, ErrCodeNotRollbackable},
		{"validation field", ValidationField("priority", "out of range"), IsValidation, ErrCodeValidation},
		{"wrapped twice", fmt.Errorf("outer: %w", NotFoundf("job %s", "x")), IsNotFound, ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("predicate returned false for %v", tt.err)
			}
			if got := GetCode(tt.err); got != tt.code {
				t.Errorf("GetCode() = %q, want %q", got, tt.code)
			}
		})
	}

	if GetField(DuplicateJob("x")) != "id" {
		t.Error("DuplicateJob should carry the id field")
	}
	if GetCode(errors.New("plain")) != "" {
		t.Error("plain errors have no code")
	}
}

func TestWrap_NilError(t *testing.T) {
	if Wrap(nil, ErrCodeInternal, "x") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("root")
	err := Wrapf(cause, ErrCodeTimeout, "chunk %d", 3)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the cause")
	}
	if err.Error() != "chunk 3: root" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
