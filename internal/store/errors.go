// ABOUTME: Error taxonomy predicates over Postgres SQLSTATE classes:
// ABOUTME: contention (retry), integrity (abort), data (job-level failure).
package store

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error taxonomy for store operations. Workers decide between retry, abort,
// and job-level failure based on which class a Postgres error falls into:
//
//   - contention (lock conflicts, serialization failures, dropped
//     connections) is recovered by bounded retry with backoff;
//   - integrity violations (duplicate key, FK) abort immediately; retrying
//     a constraint violation can never succeed;
//   - data errors (oversized or malformed values) are job-level failures
//     routed into the errored state rather than retried.

// IsContention reports whether err is a transient condition worth retrying:
// a serialization/deadlock failure, a lock-not-available error, or a broken
// connection.
func IsContention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		case "55P03": // lock_not_available
			return true
		}
		// Class 08, connection exceptions.
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08"
	}
	if pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

// IsIntegrity reports whether err is a constraint violation (SQLSTATE class 23).
func IsIntegrity(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23"
}

// IsData reports whether err is a data exception (SQLSTATE class 22), e.g. a
// value too large for its column. These are permanent for a given payload.
func IsData(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "22"
}
