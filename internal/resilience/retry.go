package resilience

import (
	"context"
	"log"
	"time"
)

// Classifier reports whether err is transient and worth another attempt.
type Classifier func(err error) bool

// RetryOptions configures Retry. Zero values fall back to DefaultRetryOptions.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Sleep waits between attempts; tests replace it to observe delays.
	Sleep func(ctx context.Context, d time.Duration) error
	// Name labels retry log lines.
	Name string
}

// DefaultRetryOptions returns 3 attempts, 100ms initial delay doubling up to 2s.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
	}
}

func (o RetryOptions) withDefaults() RetryOptions {
	def := DefaultRetryOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.InitialDelay < 0 {
		o.InitialDelay = 0
	}
	if o.Multiplier < 1 {
		o.Multiplier = def.Multiplier
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	return o
}

// Retry invokes op until it succeeds, classify rejects the error, or the
// attempt budget is spent. The last error is returned unchanged.
func Retry(ctx context.Context, op func(ctx context.Context) error, classify Classifier, opts RetryOptions) error {
	_, err := RetryValue(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, classify, opts)
	return err
}

// RetryValue is Retry for operations that produce a value.
func RetryValue[T any](ctx context.Context, op func(ctx context.Context) (T, error), classify Classifier, opts RetryOptions) (T, error) {
	opts = opts.withDefaults()
	delay := opts.InitialDelay

	var zero T
	for attempt := 1; ; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		if classify == nil || !classify(err) {
			return zero, err
		}
		if attempt >= opts.MaxAttempts {
			log.Printf("level=warn component=retry op=%s msg=\"attempts exhausted\" attempts=%d err=%v", opts.Name, attempt, err)
			return zero, err
		}

		wait := delay
		if opts.MaxDelay > 0 && wait > opts.MaxDelay {
			wait = opts.MaxDelay
		}
		log.Printf("level=info component=retry op=%s msg=\"transient failure; backing off\" attempt=%d delay=%s err=%v", opts.Name, attempt, wait, err)
		if sleepErr := opts.Sleep(ctx, wait); sleepErr != nil {
			return zero, err
		}
		delay = time.Duration(float64(delay) * opts.Multiplier)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
