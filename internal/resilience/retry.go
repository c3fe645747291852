package resilience

import (
	"context"
	"time"
)

// RetryConfig configures the retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// Delay is the constant pause between attempts. Zero retries immediately.
	Delay time.Duration

	// RetryIf determines if an error should trigger a retry.
	// Default: all non-nil errors trigger retry.
	RetryIf func(err error) bool

	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Retry runs an operation a bounded number of times with a constant pause.
type Retry struct {
	config RetryConfig
}

// NewRetry creates a new retry handler.
func NewRetry(config RetryConfig) *Retry {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Delay < 0 {
		config.Delay = 0
	}
	if config.RetryIf == nil {
		config.RetryIf = func(err error) bool { return err != nil }
	}
	return &Retry{config: config}
}

// Execute runs op until it succeeds, RetryIf rejects its error, attempts run out
// or ctx is done. It returns the last operation error, or ctx.Err() when the
// wait between attempts was cut short.
func (r *Retry) Execute(ctx context.Context, op func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.config.RetryIf(err) {
			return err
		}
		if attempt >= r.config.MaxAttempts {
			break
		}

		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, r.config.Delay)
		}

		if r.config.Delay == 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		timer := time.NewTimer(r.config.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// Config returns the retry configuration.
func (r *Retry) Config() RetryConfig {
	return r.config
}
