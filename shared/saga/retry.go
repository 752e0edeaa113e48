package saga

import (
	"context"
	"time"

	"github.com/draftea/order-saga/shared/events"
	"github.com/rs/zerolog"
)

// DefaultIntervals are the immediate redelivery delays applied to transient
// handler failures before the message is handed back to the transport.
var DefaultIntervals = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	500 * time.Millisecond,
	1000 * time.Millisecond,
}

// RetryPolicy retries a function once per interval while ShouldRetry allows it.
// A policy with no intervals runs the function exactly once.
type RetryPolicy struct {
	Intervals   []time.Duration
	ShouldRetry func(error) bool
	Sleep       func(context.Context, time.Duration) error
}

// NewRetryPolicy returns a policy retrying transient errors on the given intervals
func NewRetryPolicy(intervals ...time.Duration) RetryPolicy {
	return RetryPolicy{Intervals: intervals, ShouldRetry: IsTransient}
}

// MaxAttempts is the number of calls Do makes at most
func (p RetryPolicy) MaxAttempts() int {
	return len(p.Intervals) + 1
}

// Do calls fn with the 1-based attempt number until it succeeds, returns a
// non-retryable error or the intervals run out. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts(); attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = fn(attempt)
		if err == nil || !shouldRetry(err) || attempt == p.MaxAttempts() {
			return err
		}

		if sleepErr := sleep(ctx, p.Intervals[attempt-1]); sleepErr != nil {
			return sleepErr
		}
	}

	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// RetryHandler retries transient handler errors in-process before the
// transport sees the failure.
type RetryHandler struct {
	next   events.EventHandler
	policy RetryPolicy
}

func NewRetryHandler(next events.EventHandler, policy RetryPolicy) *RetryHandler {
	return &RetryHandler{next: next, policy: policy}
}

func (h *RetryHandler) Handle(ctx context.Context, event *events.Event) error {
	return h.policy.Do(ctx, func(attempt int) error {
		err := h.next.Handle(ctx, event)
		if err != nil && attempt < h.policy.MaxAttempts() {
			zerolog.Ctx(ctx).Warn().Err(err).
				Str("topic", event.Topic.String()).
				Str("correlation_id", event.CorrelationID.String()).
				Int("attempt", attempt).
				Msg("handler failed, retrying")
		}
		return err
	})
}
