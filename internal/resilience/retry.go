package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/pkg/provider/llm"
)

// ErrProviderExhausted is returned when an overloaded provider is still
// failing after every permitted attempt. It wraps the last provider error.
var ErrProviderExhausted = errors.New("resilience: provider exhausted")

// Defaults applied by [NewRetrier].
const (
	DefaultMaxAttempts  = 4
	DefaultInitialDelay = 500 * time.Millisecond
)

// RetryConfig configures a [Retrier].
type RetryConfig struct {
	// MaxAttempts is the total number of calls per [Retrier.Do], first call
	// included. Default: 4.
	MaxAttempts int

	// InitialDelay is the wait before the first retry. Each further retry
	// waits twice as long as the one before. Default: 500ms.
	InitialDelay time.Duration
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// RetryOption customises a [Retrier].
type RetryOption func(*Retrier)

// WithSleeper replaces the real timer, typically with a recorder in tests.
func WithSleeper(s Sleeper) RetryOption {
	return func(r *Retrier) { r.sleep = s }
}

// WithRetryable replaces the retry predicate. The default retries only
// errors wrapping [llm.ErrOverloaded].
func WithRetryable(fn func(error) bool) RetryOption {
	return func(r *Retrier) { r.retryable = fn }
}

// WithRetryHook registers fn to be called before every backoff sleep.
// attempt is the 1-based number of the call that just failed.
func WithRetryHook(fn func(attempt int, delay time.Duration, err error)) RetryOption {
	return func(r *Retrier) { r.onRetry = fn }
}

// Retrier retries overloaded calls with exponential backoff. A Retrier holds
// no per-call state and may be shared; the [Budget] passed to Do may not.
type Retrier struct {
	maxAttempts  int
	initialDelay time.Duration
	sleep        Sleeper
	retryable    func(error) bool
	onRetry      func(int, time.Duration, error)
}

// NewRetrier creates a [Retrier]. Zero-valued fields of cfg take their
// defaults.
func NewRetrier(cfg RetryConfig, opts ...RetryOption) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	r := &Retrier{
		maxAttempts:  cfg.MaxAttempts,
		initialDelay: cfg.InitialDelay,
		sleep:        sleepContext,
		retryable:    IsOverloaded,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// attempts run out. Every retry consumes one provider retry from budget; a
// nil budget limits retries only by MaxAttempts.
//
// Non-retryable errors are returned unchanged. Running out of attempts
// returns an error wrapping both [ErrProviderExhausted] and the last error.
func (r *Retrier) Do(ctx context.Context, budget *Budget, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !r.retryable(err) {
			return err
		}
		if attempt+1 >= r.maxAttempts || !budget.SpendProviderRetry() {
			return fmt.Errorf("%w after %d attempts: %w", ErrProviderExhausted, attempt+1, err)
		}

		delay := r.initialDelay << attempt
		slog.Warn("provider overloaded, backing off",
			"attempt", attempt+1,
			"delay", delay,
			"err", err)
		if r.onRetry != nil {
			r.onRetry(attempt+1, delay, err)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Call is [Retrier.Do] for functions that return a value.
func Call[T any](ctx context.Context, r *Retrier, budget *Budget, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, budget, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// IsOverloaded reports whether err signals a transient provider overload.
func IsOverloaded(err error) bool {
	return errors.Is(err, llm.ErrOverloaded)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
