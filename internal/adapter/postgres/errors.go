package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/couchcryptid/outage-engine/internal/domain"
)

const (
	sqlstateSerializationFailed = "40001"
	sqlstateDeadlockDetected    = "40P01"
	sqlstateUniqueViolation     = "23505"
	sqlstateForeignKeyViolation = "23503"
	sqlstateCheckViolation      = "23514"
	sqlstateAdminShutdown       = "57P01"
	sqlstateCrashShutdown       = "57P02"
	sqlstateCannotConnectNow    = "57P03"
	sqlstateTooManyConnections  = "53300"
)

// classify wraps driver errors in the domain taxonomy so callers can use errors.Is.
// Caller cancellation passes through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateSerializationFailed, sqlstateDeadlockDetected, sqlstateUniqueViolation:
			return fmt.Errorf("%w: %w", domain.ErrConflict, err)
		case sqlstateForeignKeyViolation, sqlstateCheckViolation:
			return fmt.Errorf("%w: %w", domain.ErrInvalidArgument, err)
		case sqlstateAdminShutdown, sqlstateCrashShutdown, sqlstateCannotConnectNow, sqlstateTooManyConnections:
			return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
		}
		return err
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || pgconn.Timeout(err) ||
		errors.Is(err, context.DeadlineExceeded) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	return err
}
