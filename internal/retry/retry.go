// Package retry runs calls to flaky external dependencies with bounded
// exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	goretry "github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/lalithlochan/stencil/internal/domain"
	"github.com/lalithlochan/stencil/internal/metrics"
)

// Options controls a single Execute call. Zero fields fall back to the
// executor defaults.
type Options struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// JitterFactor bounds the random jitter added to each delay as a
	// fraction of the un-jittered delay for that attempt.
	JitterFactor float64

	// Classifier reports whether an error may be retried.
	Classifier func(error) bool

	// OnRetry runs before each backoff sleep. It cannot alter control flow.
	OnRetry func(attempt int, err error)
}

// DefaultOptions returns 3 attempts, 1s initial delay doubling up to 10s,
// and up to 30% jitter.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:       3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		JitterFactor:      0.3,
		Classifier:        domain.IsRetryable,
	}
}

// Context describes one logical operation being retried.
type Context struct {
	OperationName string
	TenantID      string
	Attempt       int
	MaxAttempts   int
}

// Operation is the unit of work retried by Execute.
type Operation[T any] func(ctx context.Context) (T, error)

// Executor holds retry defaults and the logger shared by all calls.
type Executor struct {
	defaults Options
	logger   *zap.Logger
	jitter   func() float64
}

// NewExecutor creates an executor. Zero fields in defaults are filled from
// DefaultOptions.
func NewExecutor(defaults Options, logger *zap.Logger) *Executor {
	e := &Executor{
		defaults: DefaultOptions(),
		logger:   logger,
		jitter:   rand.Float64,
	}
	e.defaults = e.resolve(defaults)
	return e
}

// Defaults returns the executor's resolved default options.
func (e *Executor) Defaults() Options {
	return e.defaults
}

func (e *Executor) resolve(opts Options) Options {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = e.defaults.MaxAttempts
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = e.defaults.InitialDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = e.defaults.MaxDelay
	}
	if opts.BackoffMultiplier < 1 {
		opts.BackoffMultiplier = e.defaults.BackoffMultiplier
	}
	if opts.JitterFactor <= 0 {
		opts.JitterFactor = e.defaults.JitterFactor
	}
	if opts.Classifier == nil {
		opts.Classifier = e.defaults.Classifier
	}
	if opts.OnRetry == nil {
		opts.OnRetry = e.defaults.OnRetry
	}
	return opts
}

// BaseDelay is initialDelay * multiplier^(attempt-1), capped at MaxDelay.
// attempt is 1-based: BaseDelay(1) is the wait after the first failure.
func BaseDelay(attempt int, opts Options) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(opts.InitialDelay) * math.Pow(opts.BackoffMultiplier, float64(attempt-1))
	if d > float64(opts.MaxDelay) {
		return opts.MaxDelay
	}
	return time.Duration(d)
}

// Delay returns the jittered wait after the given failed attempt:
// min(base + U[0, JitterFactor*base], MaxDelay).
func (e *Executor) Delay(attempt int, opts Options) time.Duration {
	opts = e.resolve(opts)
	base := BaseDelay(attempt, opts)
	jitter := time.Duration(e.jitter() * opts.JitterFactor * float64(base))
	d := base + jitter
	if d > opts.MaxDelay {
		d = opts.MaxDelay
	}
	return d
}

// Execute runs op until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. Exhaustion returns *domain.RetriesExhaustedError
// wrapping the last error. The backoff sleep aborts as soon as ctx is done.
func Execute[T any](ctx context.Context, e *Executor, rc Context, opts Options, op Operation[T]) (T, error) {
	opts = e.resolve(opts)
	rc.MaxAttempts = opts.MaxAttempts
	rc.Attempt = 0

	var (
		result  T
		lastErr error
	)

	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		return e.Delay(rc.Attempt, opts), false
	})

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		rc.Attempt++

		v, err := op(ctx)
		if err == nil {
			result = v
			return nil
		}
		lastErr = err

		if !opts.Classifier(err) {
			metrics.RecordRetryOutcome(rc.OperationName, "fatal")
			return err
		}

		if rc.Attempt >= rc.MaxAttempts {
			metrics.RecordRetryOutcome(rc.OperationName, "exhausted")
			e.logger.Warn("retries exhausted",
				zap.String("operation", rc.OperationName),
				zap.String("tenant_id", rc.TenantID),
				zap.Int("attempts", rc.Attempt),
				zap.Error(err),
			)
			return &domain.RetriesExhaustedError{
				Operation: rc.OperationName,
				Attempts:  rc.Attempt,
				Err:       err,
			}
		}

		metrics.RecordRetryOutcome(rc.OperationName, "retry")
		if opts.OnRetry != nil {
			opts.OnRetry(rc.Attempt, err)
		}
		e.logger.Debug("retrying operation",
			zap.String("operation", rc.OperationName),
			zap.String("tenant_id", rc.TenantID),
			zap.Int("attempt", rc.Attempt),
			zap.Int("max_attempts", rc.MaxAttempts),
			zap.Error(err),
		)
		return goretry.RetryableError(err)
	})

	if err != nil {
		var zero T
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil && lastErr != nil && !errors.Is(lastErr, ctx.Err()) {
				return zero, fmt.Errorf("%s: aborted after %d attempts (last error: %v): %w",
					rc.OperationName, rc.Attempt, lastErr, ctx.Err())
			}
		}
		return zero, err
	}

	metrics.RecordRetryOutcome(rc.OperationName, "success")
	if rc.Attempt > 1 {
		e.logger.Info("operation succeeded after retries",
			zap.String("operation", rc.OperationName),
			zap.String("tenant_id", rc.TenantID),
			zap.Int("attempts", rc.Attempt),
		)
	}

	return result, nil
}
