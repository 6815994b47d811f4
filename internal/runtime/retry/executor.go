// Package retry runs single network operations under a RetryPolicy: an
// overall timeout plus linear, capped backoff between retryable failures.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/drblury/herlink/internal/runtime/clock"
	"github.com/drblury/herlink/internal/runtime/faults"
	"github.com/drblury/herlink/internal/runtime/logging"
)

// Policy bounds how an operation is retried. It is a value object; copy it
// rather than mutating a shared instance.
type Policy struct {
	// Timeout bounds all attempts combined. Zero disables the bound.
	Timeout      time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	DeltaBackoff time.Duration
	// MaxRetryCount is the number of retries after the first attempt.
	MaxRetryCount int
}

// DefaultPolicy mirrors the broker client defaults.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:       60 * time.Second,
		MinBackoff:    0,
		MaxBackoff:    30 * time.Second,
		DeltaBackoff:  3 * time.Second,
		MaxRetryCount: 5,
	}
}

// Backoff returns the wait before retry number attempt (zero based):
// min(MaxBackoff, MinBackoff + attempt*DeltaBackoff).
func (p Policy) Backoff(attempt int) time.Duration {
	wait := p.MinBackoff + time.Duration(attempt)*p.DeltaBackoff
	if p.MaxBackoff > 0 && wait > p.MaxBackoff {
		return p.MaxBackoff
	}
	return wait
}

// Executor applies a Policy to operations and logs every attempt.
type Executor struct {
	policy Policy
	logger logging.ServiceLogger
	clock  clock.Clock
}

// NewExecutor returns an Executor. A nil logger discards logs and a nil
// clock uses wall-clock time.
func NewExecutor(policy Policy, logger logging.ServiceLogger, clk clock.Clock) *Executor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{policy: policy, logger: logger, clock: clock.OrReal(clk)}
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy { return e.policy }

// Run executes op under the policy.
func (e *Executor) Run(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, e, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Execute invokes op until it succeeds, fails with a non-retryable error,
// exhausts MaxRetryCount retries or hits the policy timeout. Failures are
// returned as *faults.ClassifiedError wrapping the original error.
func Execute[T any](ctx context.Context, e *Executor, operation string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	policy := e.policy

	runCtx := ctx
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	log := e.logger.With(logging.LogFields{"operation": operation})
	started := e.clock.Now()

	for attempt := 0; ; attempt++ {
		log.Trace("Operation attempt starting", logging.LogFields{"attempt": attempt + 1})
		value, err := op(runCtx)
		if err == nil {
			log.Trace("Operation attempt finished", logging.LogFields{
				"attempt":     attempt + 1,
				"duration_ms": e.clock.Now().Sub(started).Milliseconds(),
			})
			return value, nil
		}

		if timedOut(ctx, runCtx) {
			classified := faults.New(faults.Timeout, err)
			classified.CanRetry = false
			log.Error("Operation timed out", err, logging.LogFields{"attempt": attempt + 1, "timeout": policy.Timeout.String()})
			return zero, classified
		}

		classified := faults.Classify(err)
		fields := logging.LogFields{
			"attempt":   attempt + 1,
			"kind":      classified.Kind.String(),
			"retry":     classified.CanRetry,
			"max_retry": policy.MaxRetryCount,
		}
		if !classified.CanRetry || attempt >= policy.MaxRetryCount {
			log.Error("Operation failed", err, fields)
			return zero, classified
		}

		wait := policy.Backoff(attempt)
		fields["backoff"] = wait.String()
		log.Debug("Operation attempt failed, retrying", fields)

		select {
		case <-e.clock.After(wait):
		case <-runCtx.Done():
			if timedOut(ctx, runCtx) {
				timeout := faults.New(faults.Timeout, err)
				timeout.CanRetry = false
				log.Error("Operation timed out while backing off", err, logging.LogFields{"attempt": attempt + 1})
				return zero, timeout
			}
			return zero, faults.Classify(ctx.Err())
		}
	}
}

// timedOut reports whether the policy deadline expired while the caller's
// own context is still live.
func timedOut(parent, run context.Context) bool {
	return parent.Err() == nil && errors.Is(run.Err(), context.DeadlineExceeded)
}
