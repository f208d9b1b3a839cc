// Package retry wraps outbound calls with classified retry, exponential
// backoff, and jitter.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/drwave/drwave/internal/core/domain"
	"github.com/drwave/drwave/internal/metrics"
	"github.com/drwave/drwave/internal/telemetry"
)

// Class is the retry classification of an error.
type Class int

const (
	ClassFatal Class = iota
	ClassRetryable
)

// Classifier decides whether an error is worth retrying.
type Classifier func(err error) Class

// Config controls backoff behaviour. A call makes MaxRetries+1 total
// attempts before exhaustion.
type Config struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	JitterLow  float64       `yaml:"jitter_low"`
	JitterHigh float64       `yaml:"jitter_high"`
}

// DefaultConfig provides sensible defaults for recovery API calls.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 4,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
		JitterLow:  0.8,
		JitterHigh: 1.2,
	}
}

// Delay computes the backoff for a 0-indexed attempt:
// min(base*2^attempt, max) scaled by a uniform jitter factor.
func Delay(cfg Config, attempt int) time.Duration {
	base := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if base > float64(cfg.MaxDelay) {
		base = float64(cfg.MaxDelay)
	}
	lo, hi := cfg.JitterLow, cfg.JitterHigh
	if hi <= lo {
		return time.Duration(base)
	}
	factor := lo + rand.Float64()*(hi-lo)
	return time.Duration(base * factor)
}

// Executor runs operations under a retry policy and reports each attempt
// to the telemetry sink.
type Executor struct {
	emitter telemetry.Emitter
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor emitting attempt telemetry. A nil
// emitter disables telemetry.
func NewExecutor(emitter telemetry.Emitter) *Executor {
	if emitter == nil {
		emitter = telemetry.Nop{}
	}
	return &Executor{
		emitter: emitter,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Do runs fn until it succeeds, the classifier declares an error fatal,
// the attempts are exhausted, or ctx is cancelled. Fatal errors propagate
// unchanged; exhaustion returns a *domain.RetryExhaustedError.
func (e *Executor) Do(
	ctx context.Context,
	operation, region string,
	cfg Config,
	classify Classifier,
	fn func(ctx context.Context) error,
) error {
	var lastErr error

	attempts := cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			e.record(operation, region, attempt, "success")
			return nil
		}
		lastErr = err

		if classify(err) == ClassFatal {
			e.record(operation, region, attempt, "fatal")
			return err
		}
		e.record(operation, region, attempt, "retryable")

		if attempt == attempts-1 {
			break
		}
		if err := e.sleep(ctx, Delay(cfg, attempt)); err != nil {
			return err
		}
	}

	e.emitter.Emit(telemetry.Event{
		Name:  "RetryExhausted",
		Value: float64(attempts),
		Dimensions: map[string]string{
			"Operation": operation,
			"Region":    region,
		},
	})
	metrics.RetryAttempts.WithLabelValues(operation, "exhausted").Inc()

	return &domain.RetryExhaustedError{
		Operation: operation,
		Region:    region,
		Attempts:  attempts,
		LastErr:   lastErr,
	}
}

func (e *Executor) record(operation, region string, attempt int, outcome string) {
	metrics.RetryAttempts.WithLabelValues(operation, outcome).Inc()
	e.emitter.Emit(telemetry.Event{
		Name:  "RetryAttempt",
		Value: float64(attempt + 1),
		Dimensions: map[string]string{
			"Operation": operation,
			"Region":    region,
			"Outcome":   outcome,
		},
	})
}
