package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapDBError_NilError(t *testing.T) {
	if err := MapDBError(nil); err != nil {
		t.Errorf("MapDBError(nil) = %v, want nil", err)
	}
}

func TestMapDBError_Codes(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  ErrorCode
		wantField string
	}{
		{name: "deadline exceeded", err: context.DeadlineExceeded, wantCode: ErrCodeTimeout},
		{name: "canceled", err: fmt.Errorf("query: %w", context.Canceled), wantCode: ErrCodeCanceled},
		{name: "no rows", err: pgx.ErrNoRows, wantCode: ErrCodeNotFound},
		{
			name:      "unique violation with column",
			err:       &pgconn.PgError{Code: pgerrcode.UniqueViolation, ColumnName: "id"},
			wantCode:  ErrCodeConflict,
			wantField: "id",
		},
		{
			name:      "unique violation parsed from detail",
			err:       &pgconn.PgError{Code: pgerrcode.UniqueViolation, Detail: "Key (id)=(abc123) already exists."},
			wantCode:  ErrCodeConflict,
			wantField: "id",
		},
		{
			name:      "check violation",
			err:       &pgconn.PgError{Code: pgerrcode.CheckViolation, ColumnName: "status"},
			wantCode:  ErrCodeValidation,
			wantField: "status",
		},
		{name: "not null", err: &pgconn.PgError{Code: pgerrcode.NotNullViolation}, wantCode: ErrCodeValidation},
		{name: "serialization", err: &pgconn.PgError{Code: pgerrcode.SerializationFailure}, wantCode: ErrCodeUnavailable},
		{name: "deadlock", err: &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, wantCode: ErrCodeUnavailable},
		{name: "connection failure", err: &pgconn.PgError{Code: pgerrcode.ConnectionFailure}, wantCode: ErrCodeUnavailable},
		{name: "other pg error", err: &pgconn.PgError{Code: pgerrcode.UndefinedTable}, wantCode: ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapDBError(tt.err)
			if code := GetCode(got); code != tt.wantCode {
				t.Errorf("GetCode() = %q, want %q", code, tt.wantCode)
			}
			if field := GetField(got); field != tt.wantField {
				t.Errorf("GetField() = %q, want %q", field, tt.wantField)
			}
			if !errors.Is(got, tt.err) {
				var pgErr *pgconn.PgError
				if !errors.As(got, &pgErr) {
					t.Error("mapped error lost its cause")
				}
			}
		})
	}
}

func TestMapDBError_PassesThroughOtherErrors(t *testing.T) {
	plain := errors.New("marshal payload")
	if got := MapDBError(plain); got != plain {
		t.Errorf("MapDBError() = %v, want the original error", got)
	}
}
