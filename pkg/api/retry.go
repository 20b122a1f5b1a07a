package api

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Policy describes how an operation retries transient failures.
type Policy struct {
	// InitialDelay seeds the exponential backoff.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts. Once the exponential series
	// reaches the cap the delay stops growing and is sampled uniformly from
	// [0.8*cap, cap].
	MaxDelay time.Duration
	// MaxElapsed bounds the total time spent retrying. Zero retries until
	// the context ends.
	MaxElapsed time.Duration
	// Attempts caps the number of tries. Zero means no attempt cap.
	Attempts int
}

var (
	// LoopPolicy backs steady-state scheduling calls. Unbounded: the worker
	// has nothing better to do than keep trying.
	LoopPolicy = Policy{InitialDelay: time.Second, MaxDelay: 30 * time.Second}

	// BootstrapPolicy bounds startup calls so a broken farm or fleet fails
	// the process instead of hanging it.
	BootstrapPolicy = Policy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, MaxElapsed: 5 * time.Minute}

	// QueueConflictPolicy covers AssumeQueueRoleForWorker racing a queue
	// status change. The window is short; afterwards the affected actions
	// fail rather than block the worker.
	QueueConflictPolicy = Policy{InitialDelay: time.Second, MaxDelay: 5 * time.Second, MaxElapsed: 10 * time.Second}

	// EntityBatchPolicy bounds BatchGetJobEntity retries. Exhausting it
	// fails the actions waiting on the batch instead of stalling a session.
	EntityBatchPolicy = Policy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Attempts: 5}
)

// NewBackOff builds the backoff series for one retried operation.
func (p Policy) NewBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialDelay
	eb.RandomizationFactor = 0.2
	eb.Multiplier = 2
	eb.MaxInterval = p.MaxDelay
	eb.MaxElapsedTime = p.MaxElapsed
	eb.Reset()

	var b backoff.BackOff = &noOverflowBackOff{ExponentialBackOff: eb, cap: p.MaxDelay}
	if p.Attempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.Attempts-1))
	}
	return b
}

// noOverflowBackOff clamps the randomized exponential series at the cap so
// late attempts sample from [0.8*cap, cap] instead of drifting past it.
type noOverflowBackOff struct {
	*backoff.ExponentialBackOff
	cap time.Duration
}

func (b *noOverflowBackOff) NextBackOff() time.Duration {
	d := b.ExponentialBackOff.NextBackOff()
	if d == backoff.Stop || d < b.cap {
		return d
	}
	lo := b.cap * 4 / 5
	return lo + time.Duration(rand.Int63n(int64(b.cap-lo)+1))
}

// DelayFor applies the service's retry hint to a computed backoff delay. The
// hint is a lower bound; when it wins, up to 20% uniform jitter is added so
// throttled workers do not reconverge.
func DelayFor(err error, next time.Duration) time.Duration {
	re, ok := AsRequestError(err)
	if !ok || re.RetryAfter <= 0 || next >= re.RetryAfter {
		return next
	}
	return re.RetryAfter + time.Duration(rand.Int63n(int64(re.RetryAfter)/5+1))
}

// Retry runs op until it succeeds, shouldRetry rejects the error, the policy
// exhausts, or ctx ends. A nil shouldRetry retries the transient kinds only.
// notify, when set, observes every scheduled retry.
func Retry(ctx context.Context, p Policy, shouldRetry func(error) bool, notify func(err error, delay time.Duration), op func() error) error {
	if shouldRetry == nil {
		shouldRetry = IsRetryable
	}
	b := p.NewBackOff()
	for {
		err := op()
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return err
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		delay = DelayFor(err, delay)
		if notify != nil {
			notify(err, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// LogRetries builds a Retry notify function that warns on each attempt.
func LogRetries(logger *zap.Logger, op string) func(error, time.Duration) {
	return func(err error, delay time.Duration) {
		logger.Warn("retrying service call",
			zap.String("operation", op),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
}
