package tool

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retries of transient tool failures.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries up to three times within a few seconds.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      3,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

// ExecuteWithRetry runs t, retrying errors wrapping ErrTransient with
// exponential backoff. Any other error is returned at once.
func ExecuteWithRetry(ctx context.Context, t Tool, input json.RawMessage, policy RetryPolicy) (*Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.MaxElapsedTime = 0

	var result *Result
	op := func() error {
		var err error
		result, err = t.Execute(ctx, input)
		if err != nil && !errors.Is(err, ErrTransient) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, policy.MaxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}
