// Package retry runs an operation a bounded number of times with a backoff
// between attempts. Storage reconnection, pager delivery and MLLP reconnection
// all go through Do.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how often and how patiently to retry.
type Policy struct {
	MaxAttempts int           // 0 means retry until the context is done
	Delay       time.Duration // wait before the second attempt
	Multiplier  float64       // 0 or 1 keeps the delay fixed
	MaxDelay    time.Duration // cap for a growing delay, 0 means no cap
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// Forever retries with a constant delay until the context is cancelled.
func Forever(delay time.Duration) Policy {
	return Policy{Delay: delay}
}

// Permanent marks err so that Do stops immediately and returns it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do calls op until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. onRetry, when not nil, is called before each wait.
func Do(ctx context.Context, p Policy, op func() error, onRetry func(attempt int, err error, wait time.Duration)) error {
	var (
		attempt   int
		lastErr   error
		permanent bool
	)
	operation := func() error {
		attempt++
		lastErr = op()
		var perr *backoff.PermanentError
		permanent = errors.As(lastErr, &perr)
		return lastErr
	}

	var notify backoff.Notify
	if onRetry != nil {
		notify = func(err error, wait time.Duration) {
			onRetry(attempt, err, wait)
		}
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	switch {
	case err == nil:
		return nil
	case permanent:
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%d denemeden sonra iptal edildi: %w", attempt, errors.Join(ctx.Err(), lastErr))
	}
	return fmt.Errorf("%d denemeden sonra başarısız: %w", attempt, err)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.Multiplier > 1 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.Delay
		exp.Multiplier = p.Multiplier
		exp.RandomizationFactor = 0
		exp.MaxElapsedTime = 0
		if p.MaxDelay > 0 {
			exp.MaxInterval = p.MaxDelay
		} else {
			exp.MaxInterval = time.Duration(1<<63 - 1)
		}
		exp.Reset()
		b = exp
	} else {
		b = backoff.NewConstantBackOff(p.Delay)
	}

	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}
