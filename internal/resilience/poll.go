package resilience

import (
	"context"
	"time"
)

// PollOptions bounds PollForConfirmation by attempts and wall-clock time.
type PollOptions struct {
	MaxAttempts int
	Interval    time.Duration
	Timeout     time.Duration
}

// DefaultPollOptions returns 30 attempts, 2s apart, within 60s.
func DefaultPollOptions() PollOptions {
	return PollOptions{
		MaxAttempts: 30,
		Interval:    2 * time.Second,
		Timeout:     60 * time.Second,
	}
}

func (o PollOptions) withDefaults() PollOptions {
	def := DefaultPollOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.Interval < 0 {
		o.Interval = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	return o
}

// PollForConfirmation calls check until it reports true, the attempts run
// out, or the deadline passes. Running out of attempts or time returns
// (false, nil): the outcome is unknown, not failed. Only an error from check
// itself, or cancellation of the parent ctx, is returned as an error.
func PollForConfirmation(ctx context.Context, check func(ctx context.Context) (bool, error), opts PollOptions) (bool, error) {
	opts = opts.withDefaults()
	pollCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		confirmed, err := check(pollCtx)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if pollCtx.Err() != nil {
				return false, nil
			}
			return false, err
		}
		if confirmed {
			return true, nil
		}
		if attempt == opts.MaxAttempts {
			break
		}

		timer := time.NewTimer(opts.Interval)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, nil
		case <-timer.C:
		}
	}
	return false, nil
}
