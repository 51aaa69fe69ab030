package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// TransientError wraps an error that is safe to retry (e.g., 5xx, network
// timeout, connection loss).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// transientPgCodes are Postgres SQLSTATE codes signalling connection loss or
// a server-side cancellation/shutdown, all safe to retry.
var transientPgCodes = map[string]bool{
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"57014": true, // query_canceled (statement timeout)
	"57P01": true, // admin_shutdown
}

// transientPatterns are string signatures of transient infrastructure
// failures as surfaced by HTTP clients and database drivers that wrap the
// underlying syscall error.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"connection terminated",
	"connection lost",
	"can't reach server",
	"timeout",
	"timed out",
	"temporary failure in name resolution",
	"no such host",
	"broken pipe",
	"server closed idle connection",
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, a network timeout, a connection-level syscall error, a
// transient Postgres error code, or matches a known transient signature.
// Validation errors and other domain failures are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && transientPgCodes[pgErr.Code] {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
