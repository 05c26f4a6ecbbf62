package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPollForConfirmation_ReturnsTrueOnceConfirmed(t *testing.T) {
	calls := 0
	ok, err := PollForConfirmation(context.Background(), func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	}, PollOptions{MaxAttempts: 10, Interval: time.Millisecond, Timeout: time.Second})

	if err != nil || !ok {
		t.Fatalf("expected confirmation, got ok=%v err=%v", ok, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 checks, got %d", calls)
	}
}

func TestPollForConfirmation_AttemptBudgetExhaustedIsNotAnError(t *testing.T) {
	calls := 0
	ok, err := PollForConfirmation(context.Background(), func(context.Context) (bool, error) {
		calls++
		return false, nil
	}, PollOptions{MaxAttempts: 4, Interval: time.Millisecond, Timeout: time.Second})

	if err != nil || ok {
		t.Fatalf("expected (false, nil), got ok=%v err=%v", ok, err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 checks, got %d", calls)
	}
}

func TestPollForConfirmation_DeadlineReportsNotConfirmed(t *testing.T) {
	start := time.Now()
	ok, err := PollForConfirmation(context.Background(), func(context.Context) (bool, error) {
		return false, nil
	}, PollOptions{MaxAttempts: 1000, Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond})

	if err != nil || ok {
		t.Fatalf("expected (false, nil) on deadline, got ok=%v err=%v", ok, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("poller overran its deadline: %s", elapsed)
	}
}

func TestPollForConfirmation_CheckErrorIsReturned(t *testing.T) {
	errUnexpected := errors.New("signature decode failed")
	ok, err := PollForConfirmation(context.Background(), func(context.Context) (bool, error) {
		return false, errUnexpected
	}, PollOptions{MaxAttempts: 3, Interval: time.Millisecond, Timeout: time.Second})

	if ok || !errors.Is(err, errUnexpected) {
		t.Fatalf("expected check error, got ok=%v err=%v", ok, err)
	}
}

func TestPollForConfirmation_ParentCancellationIsReturned(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := PollForConfirmation(ctx, func(ctx context.Context) (bool, error) {
		return false, ctx.Err()
	}, PollOptions{MaxAttempts: 3, Interval: time.Millisecond, Timeout: time.Second})

	if ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got ok=%v err=%v", ok, err)
	}
}
