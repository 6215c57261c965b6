package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"projectescrow/internal/escrow"
)

// IsRetryableError classifies err and returns whether retrying may succeed
// together with a short label for logs.
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// Escrow rejections are final: the same call will be rejected again.
	if escrow.IsDomainError(err) {
		return false, "escrow_rejected"
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false, "json_decode_error"
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return false, "not_found"
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return false, "duplicate_key"
		case strings.HasPrefix(pgErr.Code, "23"):
			return false, "constraint_violation"
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return true, "serialization_failure"
		case strings.HasPrefix(pgErr.Code, "08"):
			return true, "db_connection_error"
		}
		return false, "db_error"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "timeout") {
		return true, "db_connection_error"
	}

	return false, "unknown_error"
}

// ShouldRetry reports whether another attempt is allowed.
func ShouldRetry(retryCount int64, maxRetries int64, isRetryable bool) bool {
	if !isRetryable {
		return false
	}
	return retryCount <= maxRetries
}
