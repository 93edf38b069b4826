package scheduler

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// newPublishBackoff bounds one outbox publish attempt: a few quick retries
// with jittered exponential backoff, then give up and let the next drain
// pass pick the row up again.
func newPublishBackoff() retry.Backoff {
	b := retry.NewExponential(200 * time.Millisecond)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithMaxRetries(4, b)
	return b
}

// retryDo retries fn on any error until the backoff is exhausted.
func retryDo(ctx context.Context, b retry.Backoff, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}
