// Package retry applies a fixed-delay retry policy to a unit of work. The
// same policy value is used for vendor fetches and batch dispatch, so the
// retry behavior stays uniform across the connector.
package retry

import (
	"context"
	"time"
)

// Policy describes how often to retry and what counts as retryable.
// A nil Retryable retries every error.
type Policy struct {
	Attempts  int
	Delay     time.Duration
	Retryable func(error) bool
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts
// the attempts, or the context is cancelled. The delay between attempts is
// fixed, not exponential.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	return err
}
