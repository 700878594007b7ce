package warehouse

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/smukkama/weather-warehouse/internal/logger"
)

var (
	// ErrUnavailable means the warehouse cannot be reached; the cycle must abort.
	ErrUnavailable = errors.New("warehouse unavailable")
	// ErrMissingAttribute means a reading lacks a required dimension attribute.
	ErrMissingAttribute = errors.New("missing dimension attribute")
	// ErrNotFound is returned when a natural key has no dimension row.
	ErrNotFound = errors.New("not found")
)

// transientCodes are SQLSTATEs worth retrying on a fresh transaction.
var transientCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"53300": true, // too_many_connections
}

// systemicCodes mean the server is going away or cannot accept work.
var systemicCodes = map[pq.ErrorCode]bool{
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"53100": true, // disk_full
}

// IsTransient reports whether err is a retryable database error.
func IsTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientCodes[pqErr.Code]
	}
	return false
}

// IsConflict reports whether err is a unique-constraint violation.
func IsConflict(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// IsUnavailable reports whether err means the warehouse is unreachable.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08" || systemicCodes[pqErr.Code]
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classify wraps unreachable-warehouse errors in ErrUnavailable and passes
// everything else through unchanged.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) || !IsUnavailable(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// RetryPolicy bounds how often a transient failure is retried.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// Backoff is the delay before the first retry; it doubles on each further retry.
	Backoff time.Duration
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// retries are used up. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, what string, fn func() error) error {
	delay := p.Backoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !IsTransient(err) || attempt >= p.MaxRetries {
			return err
		}

		logger.Warnf("%s failed (attempt %d/%d), retrying in %s: %v", what, attempt+1, p.MaxRetries+1, delay, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
