package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
)

// Default retry policy for row-locked read-modify-write operations.
const (
	defaultTxRetries   = 3
	defaultTxBaseDelay = 50 * time.Millisecond
)

// isRetriable returns true for Postgres error codes that indicate a transient conflict.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	default:
		return false
	}
}

// WithRetry executes fn, retrying up to maxRetries times on serialization or
// deadlock errors with jittered exponential backoff starting at baseDelay.
// Any other error is returned immediately.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	backoff := retry.WithMaxRetries(uint64(maxRetries), //nolint:gosec // maxRetries is a small constant
		retry.WithJitterPercent(50, retry.NewExponential(baseDelay)))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err != nil && isRetriable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
