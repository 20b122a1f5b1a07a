package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestPolicy_NewBackOff_NeverExceedsCap(t *testing.T) {
	p := Policy{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	b := p.NewBackOff()

	for i := 0; i < 100; i++ {
		d := b.NextBackOff()
		require.NotEqual(t, backoff.Stop, d)
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
}

func TestPolicy_NewBackOff_SamplesNearCapOnceGrown(t *testing.T) {
	p := Policy{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	b := p.NewBackOff()

	// Burn through the growth phase.
	for i := 0; i < 20; i++ {
		b.NextBackOff()
	}

	for i := 0; i < 20; i++ {
		d := b.NextBackOff()
		assert.GreaterOrEqual(t, d, 40*time.Millisecond)
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
}

func TestPolicy_NewBackOff_StopsAfterMaxElapsed(t *testing.T) {
	p := Policy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxElapsed: 10 * time.Millisecond}
	b := p.NewBackOff()

	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, backoff.Stop, b.NextBackOff())
}

func TestDelayFor(t *testing.T) {
	t.Run("no request error keeps computed delay", func(t *testing.T) {
		d := DelayFor(errors.New("boom"), 3*time.Second)
		assert.Equal(t, 3*time.Second, d)
	})

	t.Run("no hint keeps computed delay", func(t *testing.T) {
		err := &RequestError{Kind: KindThrottled}
		d := DelayFor(err, 3*time.Second)
		assert.Equal(t, 3*time.Second, d)
	})

	t.Run("computed delay already beyond hint", func(t *testing.T) {
		err := &RequestError{Kind: KindThrottled, RetryAfter: time.Second}
		d := DelayFor(err, 5*time.Second)
		assert.Equal(t, 5*time.Second, d)
	})

	t.Run("hint wins with bounded jitter", func(t *testing.T) {
		err := &RequestError{Kind: KindThrottled, RetryAfter: 10 * time.Second}
		for i := 0; i < 50; i++ {
			d := DelayFor(err, time.Second)
			assert.GreaterOrEqual(t, d, 10*time.Second)
			assert.LessOrEqual(t, d, 12*time.Second)
		}
	})
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), LoopPolicy, nil, nil, func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetriesTransientThenSucceeds(t *testing.T) {
	p := Policy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	var notified []time.Duration

	err := Retry(context.Background(), p, nil, func(_ error, delay time.Duration) {
		notified = append(notified, delay)
	}, func() error {
		calls++
		if calls < 3 {
			return &RequestError{Operation: "UpdateWorkerSchedule", Kind: KindThrottled, Message: "throttled"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, notified, 2)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	want := &RequestError{Operation: "UpdateWorker", Kind: KindValidation, Message: "bad status"}

	err := Retry(context.Background(), LoopPolicy, nil, nil, func() error {
		calls++
		return want
	})

	assert.Equal(t, 1, calls)
	re, ok := AsRequestError(err)
	require.True(t, ok)
	assert.Same(t, want, re)
}

func TestRetry_CustomShouldRetry(t *testing.T) {
	p := Policy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0

	err := Retry(context.Background(), p, func(err error) bool {
		return IsConflict(err, ConflictCreateInProgress, "")
	}, nil, func() error {
		calls++
		if calls < 2 {
			return &RequestError{Operation: "UpdateWorker", Kind: KindConflict, Reason: ConflictCreateInProgress}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Retry(ctx, Policy{InitialDelay: time.Second, MaxDelay: time.Second}, nil, nil, func() error {
		return &RequestError{Kind: KindThrottled}
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetry_HonorsAttemptCap(t *testing.T) {
	p := Policy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Attempts: 3}
	calls := 0

	err := Retry(context.Background(), p, nil, nil, func() error {
		calls++
		return &RequestError{Operation: "BatchGetJobEntity", Kind: KindInternalServer, Message: "boom"}
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ReturnsLastErrorWhenExhausted(t *testing.T) {
	p := Policy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxElapsed: 10 * time.Millisecond}
	want := &RequestError{Operation: "CreateWorker", Kind: KindInternalServer, Message: "still broken"}

	err := Retry(context.Background(), p, nil, nil, func() error {
		return want
	})

	re, ok := AsRequestError(err)
	require.True(t, ok)
	assert.Same(t, want, re)
}

func TestLogRetries(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	notify := LogRetries(zap.New(core), "UpdateWorkerSchedule")

	notify(&RequestError{Kind: KindThrottled, Message: "throttled"}, 3*time.Second)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "retrying service call", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "UpdateWorkerSchedule", fields["operation"])
	assert.Equal(t, 3*time.Second, fields["delay"])
}
