package shared

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultRetryAttempts is the default number of attempts for external calls.
	DefaultRetryAttempts = 3
	// DefaultRetryBackoff is the initial backoff between attempts.
	DefaultRetryBackoff = time.Millisecond * 200
	// maxRetryBackoff caps the backoff between attempts.
	maxRetryBackoff = time.Second * 5
)

// ErrPermanent wraps errors that should not be retried.
var ErrPermanent = errors.New("permanent failure")

// Retry calls fn until it succeeds, the attempts are exhausted or the context is done. The
// backoff doubles after every failed attempt.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil || errors.Is(err, ErrPermanent) {
			return err
		}

		if attempt == attempts-1 {
			break
		}

		wait := backoff << attempt
		if wait > maxRetryBackoff {
			wait = maxRetryBackoff
		}

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(wait):
		}
	}

	return err
}

// WithTimeout runs fn with a context bounded by the provided timeout.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return fn(tctx)
}
