// Package backoff provides the retry policy shared by the consumer loop and
// the outbound call client. Both paths compute delays from one Policy so
// retry behavior is tuned in a single place: the consumer schedules the
// delay onto the retry set, the call client sleeps it in process.
package backoff

import (
	"context"
	"math/rand"
	"time"

	bck "github.com/cenkalti/backoff/v4"

	"github.com/quillhaven/taskwire/internal/taskerr"
)

// Policy describes exponential backoff with full jitter bounds.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	Base        time.Duration // delay before the second attempt
	Max         time.Duration // delay ceiling
	Factor      float64       // delay multiplier per attempt
	Jitter      float64       // +/- fraction applied to each delay (0.0-1.0)
}

// Default mirrors the platform policy: 3 attempts, 1s base, x4 growth.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		Base:        1 * time.Second,
		Max:         2 * time.Minute,
		Factor:      4.0,
		Jitter:      0.25,
	}
}

// Delay returns the jittered delay to apply after the given attempt number
// (1-based). Used by the consumer to score the retry set; the returned value
// is never negative.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}
	if p.Jitter > 0 {
		j := 1 + (rand.Float64()*2-1)*p.Jitter
		d *= j
	}
	if d < 0 {
		d = 0
	}
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt (1-based, already performed) was the
// last one the policy allows.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Retry runs op with in-process backoff until it succeeds, a permanent
// error surfaces, the attempt budget runs out, or ctx is done. Errors that
// the taxonomy marks non-retryable stop the loop immediately.
func (p Policy) Retry(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !taskerr.Retryable(err) {
			return bck.Permanent(err)
		}
		return err
	}

	eb := bck.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	eb.MaxInterval = p.Max
	eb.Multiplier = p.Factor
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0 // bounded by attempts and ctx, not wall clock

	var b bck.BackOff = bck.WithContext(eb, ctx)
	if p.MaxAttempts > 0 {
		b = bck.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return bck.Retry(wrapped, b)
}

// RetryNotify is Retry with a callback per failed attempt, used to count
// retries and log between attempts.
func (p Policy) RetryNotify(ctx context.Context, op func() error, notify func(err error, next time.Duration)) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !taskerr.Retryable(err) {
			return bck.Permanent(err)
		}
		return err
	}

	eb := bck.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	eb.MaxInterval = p.Max
	eb.Multiplier = p.Factor
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0

	var b bck.BackOff = bck.WithContext(eb, ctx)
	if p.MaxAttempts > 0 {
		b = bck.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return bck.RetryNotify(wrapped, b, notify)
}
