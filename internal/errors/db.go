package errors

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// reNotPresent extracts the parent table from a foreign key detail:
// "Key (department_id)=(x) is not present in table "departments".".
var reNotPresent = regexp.MustCompile(`is not present in table "?([^"]+)"?`)

// MapDBError maps database errors to AppError instances.
// It handles the error patterns the profile store can hit:
// - pgx.ErrNoRows → NotFound
// - Context timeouts/cancellations → Timeout/Canceled
// - Connection and availability failures → Unavailable
// - Missing schema (migrations not applied) → Internal
// - Foreign key to a missing department or person → Validation
//
// If the error is not a recognized database error, it returns the original error.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	// Check for context errors first
	if errors.Is(err, context.DeadlineExceeded) {
		return &AppError{
			Code:    ErrCodeTimeout,
			Message: "database request timed out",
			Cause:   err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &AppError{
			Code:    ErrCodeCanceled,
			Message: "database request was canceled",
			Cause:   err,
		}
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return &AppError{
			Code:    ErrCodeNotFound,
			Message: "record not found",
			Cause:   err,
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return &AppError{
			Code:    ErrCodeUnavailable,
			Message: "database unavailable",
			Cause:   err,
		}
	}

	return err
}

// mapPgError maps PostgreSQL-specific errors to AppError instances.
func mapPgError(pgErr *pgconn.PgError) error {
	switch {
	case pgerrcode.IsConnectionException(pgErr.Code),
		pgerrcode.IsOperatorIntervention(pgErr.Code),
		pgerrcode.IsInsufficientResources(pgErr.Code):
		return &AppError{
			Code:    ErrCodeUnavailable,
			Message: "database unavailable",
			Cause:   pgErr,
		}
	case pgErr.Code == pgerrcode.UndefinedTable, pgErr.Code == pgerrcode.UndefinedColumn:
		return &AppError{
			Code:    ErrCodeInternal,
			Message: "database schema is out of date; run migrations",
			Cause:   pgErr,
		}
	case pgErr.Code == pgerrcode.QueryCanceled:
		return &AppError{
			Code:    ErrCodeTimeout,
			Message: "database request timed out",
			Cause:   pgErr,
		}
	case pgErr.Code == pgerrcode.ForeignKeyViolation:
		msg := "referenced record does not exist"
		if m := reNotPresent.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
			msg = fmt.Sprintf("referenced %s record does not exist", m[1])
		}
		return &AppError{
			Code:    ErrCodeValidation,
			Message: msg,
			Cause:   pgErr,
		}
	case pgErr.Code == pgerrcode.InvalidTextRepresentation:
		return &AppError{
			Code:    ErrCodeValidation,
			Message: "malformed identifier",
			Cause:   pgErr,
		}
	default:
		return &AppError{
			Code:    ErrCodeInternal,
			Message: "a database error occurred",
			Cause:   pgErr,
		}
	}
}
