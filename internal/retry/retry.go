// Package retry provides the single backoff-with-jitter policy used for every
// remote call in the pipeline: processing requests, tag resolution, tag
// attachment and marker creation.
//
// Attempt 1 runs immediately. After a failure the policy asks its classifier
// whether the error is worth retrying; terminal errors and the final attempt
// return at once without sleeping. Otherwise it waits
//
//	min(MaxDelay, BaseDelay * 2^(attempt-1)) + uniform(0, Jitter)
//
// before the next attempt.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/catalog-autotag/internal/failure"
)

// Defaults used when a Policy field is left at its zero value.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultJitter      = time.Second
)

// Policy is a bounded retry policy. The zero value is usable and means
// 3 attempts, 1s base delay, 30s cap, up to 1s jitter, failure.Retryable
// as the classifier.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the upper bound of the random offset added to every delay.
	// A negative value disables jitter.
	Jitter time.Duration

	// Retryable classifies errors; nil means failure.Retryable.
	Retryable func(error) bool
	// Sleep waits for d or until ctx is done; nil means a timer-based sleep.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0, 1); nil means math/rand/v2.
	Rand func() float64
}

// Default returns the policy configured with the package defaults.
func Default() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// Delay returns the deterministic part of the wait after the given failed
// attempt (1-based), before jitter is added.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

func (p Policy) jitter() time.Duration {
	j := p.Jitter
	if j == 0 {
		j = DefaultJitter
	}
	if j < 0 {
		return 0
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * float64(j))
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return failure.Retryable(err)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op until it succeeds, fails terminally or exhausts MaxAttempts.
// It returns the number of invocations made and the last error. name is used
// only for logging.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) (int, error) {
	maxAttempts := p.maxAttempts()
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return attempt, nil
		}
		if attempt >= maxAttempts || !p.retryable(err) {
			return attempt, err
		}

		delay := p.Delay(attempt) + p.jitter()
		log.Warn().
			Err(err).
			Str("operation", name).
			Int("attempt", attempt).
			Int("maxAttempts", maxAttempts).
			Dur("delay", delay).
			Msg("Operation failed, retrying")

		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return attempt, fmt.Errorf("%s: retry aborted (%v): %w", name, sleepErr, err)
		}
	}
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, int, error) {
	var out T
	attempts, err := p.Do(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, attempts, err
}
