package errors

import (
	"context"
	"errors"
	"regexp"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// reKeyField extracts the column from a unique violation detail: "Key (field)=(value) already exists.".
var reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)

// MapDBError maps database errors to AppError instances:
// - pgx.ErrNoRows → NotFound
// - unique violations → Conflict
// - check and NOT NULL violations → Validation
// - serialization failures, deadlocks and connection exceptions → Unavailable
// - context timeouts/cancellations → Timeout/Canceled
//
// Errors that are not database errors are returned unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &AppError{Code: ErrCodeTimeout, Message: "database call timed out", Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &AppError{Code: ErrCodeCanceled, Message: "database call canceled", Cause: err}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &AppError{Code: ErrCodeNotFound, Message: "task not found", Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}
	return err
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch {
	case pgErr.Code == pgerrcode.UniqueViolation:
		return &AppError{
			Code:    ErrCodeConflict,
			Message: "task already exists",
			Field:   violatedField(pgErr),
			Cause:   pgErr,
		}
	case pgErr.Code == pgerrcode.CheckViolation, pgErr.Code == pgerrcode.NotNullViolation:
		return &AppError{
			Code:    ErrCodeValidation,
			Message: "task violates a table constraint",
			Field:   pgErr.ColumnName,
			Cause:   pgErr,
		}
	case pgErr.Code == pgerrcode.SerializationFailure,
		pgErr.Code == pgerrcode.DeadlockDetected,
		pgerrcode.IsConnectionException(pgErr.Code):
		return &AppError{Code: ErrCodeUnavailable, Message: "database temporarily unavailable", Cause: pgErr}
	default:
		return &AppError{Code: ErrCodeInternal, Message: "database error", Cause: pgErr}
	}
}

// violatedField prefers the column metadata and falls back to parsing the detail message.
func violatedField(pgErr *pgconn.PgError) string {
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName
	}
	if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
		return m[1]
	}
	return ""
}
