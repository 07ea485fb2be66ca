package uploader

import (
	"context"
	"math/rand"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
)

// A RetryPolicy bounds how hard the pipeline tries before giving up on
// a request. The zero value means DefaultRetry.
type RetryPolicy struct {
	MaxAttempts int           // total tries, including the first
	Delay       time.Duration // backoff before the second try, doubling after
	MaxDelay    time.Duration // backoff ceiling
	Timeout     time.Duration // per-attempt deadline
}

// DefaultRetry is used when a Pipeline has no explicit policy.
var DefaultRetry = RetryPolicy{
	MaxAttempts: 5,
	Delay:       500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	Timeout:     5 * time.Minute,
}

func (p RetryPolicy) orDefault() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultRetry.MaxAttempts
	}
	if p.Delay == 0 {
		p.Delay = DefaultRetry.Delay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = DefaultRetry.MaxDelay
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultRetry.Timeout
	}
	return p
}

// backoff returns the pause before try attempt+1, with jitter in the
// upper half of the window.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.Delay << uint(attempt)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// shouldRetry reports whether err is worth another attempt.
// Authorization failures never are. ErrNoContainer is handled by the
// caller, not here.
func shouldRetry(err error) bool {
	if errors.Is(err, ErrNotAuthorized) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if isTemporary(err) {
		return true
	}
	var nerr interface{ Timeout() bool }
	return errors.As(err, &nerr) && nerr.Timeout()
}

// retry runs fn until it succeeds, fails fatally, or the policy is
// exhausted. Each attempt gets its own deadline. The clock is a
// parameter so tests do not sleep. notify, if not nil, is called with
// the error before each new attempt.
func retry(ctx context.Context, clk clock.Clock, policy RetryPolicy, notify func(error), fn func(context.Context) error) error {
	policy = policy.orDefault()
	var err error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if notify != nil {
				notify(err)
			}
			select {
			case <-clk.After(policy.backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		actx, cancel := context.WithTimeout(ctx, policy.Timeout)
		err = fn(actx)
		cancel()
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return err
		}
	}
	return errors.Wrapf(err, "giving up after %d attempts", policy.MaxAttempts)
}
