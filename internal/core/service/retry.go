package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Policy bounds how often a failing step is attempted and how long to wait
// between attempts.
type Policy struct {
	Attempts int
	Backoff  time.Duration
}

// Retries builds a policy that runs once and then retries up to n more times.
func Retries(n int, wait time.Duration) Policy {
	return Policy{Attempts: n + 1, Backoff: wait}
}

// retry runs op until it succeeds, returns a backoff.Permanent error or the
// policy is exhausted. The last error is returned.
func retry(ctx context.Context, p Policy, logger *zap.Logger, op func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	_, err := backoff.Retry(ctx,
		func() (struct{}, error) { return struct{}{}, op() },
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Backoff)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("attempt failed, retrying", zap.Error(err), zap.Duration("backoff", next))
		}),
	)
	return err
}
