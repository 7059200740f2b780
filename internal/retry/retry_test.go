package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := Policy{Name: "test", MaxAttempts: 6, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 0},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 5, want: 10 * time.Second},
		{attempt: 40, want: 10 * time.Second},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, p.Backoff(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestPolicyValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, BacklogPoll.Validate())
	require.Error(t, Policy{Name: "zero"}.Validate())
	require.Error(t, Policy{Name: "neg", MaxAttempts: 1, BaseDelay: -1}.Validate())
}

func TestDefaultsContainNamedPolicies(t *testing.T) {
	t.Parallel()

	defaults := Defaults()
	require.Equal(t, 2, defaults["acquire"].MaxAttempts)
	require.Equal(t, 30*time.Second, defaults["backlog_poll"].BaseDelay)
	require.Equal(t, 5, defaults["backlog_poll"].MaxAttempts)
	require.Less(t, defaults["interaction"].BaseDelay, defaults["navigation"].BaseDelay)
}

func TestDoFailsAfterExactlyMaxAttempts(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("boom")
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 4}, func(context.Context, int) error {
		calls++
		return sentinel
	})
	require.Same(t, sentinel, err)
	require.Equal(t, 4, calls)
}

func TestDoSucceedsOnKthAttempt(t *testing.T) {
	t.Parallel()

	var seen []int
	err := Do(context.Background(), Policy{MaxAttempts: 5}, func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, seen)
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5}, func(context.Context, int) error {
		calls++
		return Permanent(sentinel)
	})
	require.Same(t, sentinel, err)
	require.Equal(t, 1, calls)
}

func TestDoNotifiesBeforeEachRetry(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	err := Do(context.Background(), p, func(context.Context, int) error {
		return errors.New("fail")
	}, WithNotify(func(_ int, _ error, wait time.Duration) {
		waits = append(waits, wait)
	}))
	require.Error(t, err)
	require.Equal(t, []time.Duration{time.Millisecond, time.Millisecond}, waits)
}

func TestDoBackoffIsCancellable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	sentinel := errors.New("slow")
	start := time.Now()
	err := Do(ctx, Policy{MaxAttempts: 3, BaseDelay: time.Hour}, func(context.Context, int) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestDoValueReturnsValue(t *testing.T) {
	t.Parallel()

	v, err := DoValue(context.Background(), Policy{MaxAttempts: 2}, func(_ context.Context, attempt int) (string, error) {
		if attempt == 1 {
			return "", errors.New("first")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
}
