// Package retry runs portal interactions with bounded, fixed-delay retries and
// alert recovery between attempts.
package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/portal-harvester/internal/harvest"
)

// Guard clears interrupting dialogs between attempts.
type Guard interface {
	CheckAndDismiss(ctx context.Context, window time.Duration) (harvest.Signal, error)
}

// Attempt describes a failed attempt that will be retried.
type Attempt struct {
	Number int
	Err    error
	Signal harvest.Signal
}

// PermanentFailure reports an operation that will not be retried any further.
type PermanentFailure struct {
	Attempts int
	Cause    error
	// Exhausted is true when every attempt failed transiently.
	Exhausted bool
}

func (f *PermanentFailure) Error() string {
	if f.Exhausted {
		return fmt.Sprintf("retries exhausted after %d attempts: %v", f.Attempts, f.Cause)
	}
	return fmt.Sprintf("permanent failure on attempt %d: %v", f.Attempts, f.Cause)
}

// Unwrap exposes the last cause.
func (f *PermanentFailure) Unwrap() error {
	return f.Cause
}

// Coordinator holds the collaborators shared by every retried operation.
type Coordinator struct {
	guard       Guard
	clock       harvest.Clock
	alertWindow time.Duration
	onRetry     func(Attempt)
	logger      *zap.Logger
}

// NewCoordinator builds a Coordinator. guard may be nil when no alert recovery is wanted.
func NewCoordinator(guard Guard, clock harvest.Clock, alertWindow time.Duration, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		guard:       guard,
		clock:       clock,
		alertWindow: alertWindow,
		logger:      logger.Named("retry"),
	}
}

// WithObserver returns a copy of c that reports every retried attempt to fn.
func (c *Coordinator) WithObserver(fn func(Attempt)) *Coordinator {
	clone := *c
	clone.onRetry = fn
	return &clone
}

// Run calls op until it succeeds, fails permanently, or maxAttempts transient
// failures have occurred. Transient failures trigger the guard and then a sleep
// of delay before the next attempt; no sleep follows the last attempt. Session
// faults and cancellation of ctx are returned without wrapping in PermanentFailure.
func Run[T any](ctx context.Context, c *Coordinator, op func(ctx context.Context, attempt int) (T, error), maxAttempts int, delay time.Duration) (T, error) {
	var zero T
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		out, err := op(ctx, attempt)
		if err == nil {
			return out, nil
		}
		if harvest.IsFatal(err) {
			return zero, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, fmt.Errorf("retry aborted: %w", ctxErr)
		}
		if !harvest.IsTransient(err) {
			return zero, &PermanentFailure{Attempts: attempt, Cause: err}
		}

		signal, err := c.clearAlerts(ctx, err)
		if err != nil {
			return zero, err
		}
		if attempt >= maxAttempts {
			return zero, &PermanentFailure{Attempts: attempt, Cause: signal.cause, Exhausted: true}
		}

		c.logger.Info("retrying after transient failure",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("delay", delay),
			zap.Bool("alert_dismissed", signal.Retry()),
			zap.Error(signal.cause))
		if c.onRetry != nil {
			c.onRetry(Attempt{Number: attempt, Err: signal.cause, Signal: signal.Signal})
		}
		if err := c.clock.Sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry aborted: %w", err)
		}
	}
}

type recovered struct {
	harvest.Signal
	cause error
}

func (c *Coordinator) clearAlerts(ctx context.Context, cause error) (recovered, error) {
	out := recovered{cause: cause}
	if c.guard == nil {
		return out, nil
	}
	signal, err := c.guard.CheckAndDismiss(ctx, c.alertWindow)
	if err != nil {
		if harvest.IsFatal(err) {
			return recovered{}, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return recovered{}, fmt.Errorf("retry aborted: %w", ctxErr)
		}
		c.logger.Warn("alert check failed", zap.Error(err))
		return out, nil
	}
	out.Signal = signal
	return out, nil
}
