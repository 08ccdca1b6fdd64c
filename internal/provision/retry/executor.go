// Package retry consolidates every remote-call retry decision into one
// executor with a shared error classification, so retry policy is uniform
// across the orchestrator, reconciler and rollback.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/lamvh/ads-provisioner/internal/provision/domain"
)

// Policy bounds one call's retries.
type Policy struct {
	RetryBudget int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy mirrors the platform defaults: five attempts, 1s base, 16s cap.
func DefaultPolicy() Policy {
	return Policy{RetryBudget: 5, BaseDelay: time.Second, MaxDelay: 16 * time.Second}
}

// CallFn performs one attempt of the remote call. The returned usage metadata,
// when present, is fed to the rate-limit tracker even on failure.
type CallFn func(ctx context.Context) (*domain.Usage, error)

// UsageRecorder receives quota metadata observed on any attempt.
type UsageRecorder interface {
	RecordUsage(credentialID string, used, limit int, resetAt time.Time)
}

// Executor wraps remote calls with classification and bounded backoff.
type Executor struct {
	policy  Policy
	tracker UsageRecorder
	logger  *slog.Logger

	// sleep and jitter are injectable for tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

// NewExecutor creates an executor. tracker may be nil when no quota accounting
// is wanted (tests).
func NewExecutor(policy Policy, tracker UsageRecorder, logger *slog.Logger) *Executor {
	if policy.RetryBudget <= 0 {
		policy.RetryBudget = 5
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 16 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		policy:  policy,
		tracker: tracker,
		logger:  logger,
		sleep:   sleepCtx,
		jitter:  defaultJitter,
	}
}

// Execute runs the call until it succeeds, fails permanently, or exhausts the
// retry budget. Classification per attempt:
//   - Permanent: propagate immediately, no retry.
//   - RateLimited: sleep until the window resets and retry without consuming
//     budget.
//   - Transient: exponential backoff with jitter, consumes one budget unit.
//
// Exhausting the budget returns *domain.BudgetExhaustedError.
func (e *Executor) Execute(ctx context.Context, credentialID string, call CallFn) error {
	attempts := 0

	for budgetUsed := 0; ; {
		attempts++
		usage, err := call(ctx)
		e.record(credentialID, usage)

		if err == nil {
			return nil
		}

		var rerr *domain.RemoteError
		if errors.As(err, &rerr) && rerr.Usage != nil {
			e.record(credentialID, rerr.Usage)
		}

		switch domain.Classify(err) {
		case domain.ClassPermanent:
			e.logger.Warn("Remote call failed permanently",
				slog.String("credential_id", credentialID),
				slog.String("error", err.Error()),
			)
			return err

		case domain.ClassRateLimited:
			delay := e.rateLimitDelay(rerr)
			e.logger.Info("Remote call rate-limited, waiting for window reset",
				slog.String("credential_id", credentialID),
				slog.Duration("delay", delay),
			)
			if serr := e.sleep(ctx, delay); serr != nil {
				return serr
			}
			// Does not consume budget.

		default: // transient
			budgetUsed++
			if budgetUsed >= e.policy.RetryBudget {
				e.logger.Error("Retry budget exhausted",
					slog.String("credential_id", credentialID),
					slog.Int("attempts", attempts),
				)
				return &domain.BudgetExhaustedError{Attempts: attempts, Last: err}
			}
			delay := e.jitter(e.backoff(budgetUsed - 1))
			e.logger.Warn("Remote call failed transiently, backing off",
				slog.String("credential_id", credentialID),
				slog.Int("attempt", attempts),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
			if serr := e.sleep(ctx, delay); serr != nil {
				return serr
			}
		}
	}
}

// backoff computes min(maxDelay, base*2^n) for retry n (0-based).
func (e *Executor) backoff(n int) time.Duration {
	d := e.policy.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= e.policy.MaxDelay {
			return e.policy.MaxDelay
		}
	}
	if d > e.policy.MaxDelay {
		return e.policy.MaxDelay
	}
	return d
}

func (e *Executor) rateLimitDelay(rerr *domain.RemoteError) time.Duration {
	if rerr != nil {
		if rerr.RetryAfter > 0 {
			return rerr.RetryAfter
		}
		if rerr.Usage != nil && !rerr.Usage.ResetAt.IsZero() {
			if d := time.Until(rerr.Usage.ResetAt); d > 0 {
				return d
			}
		}
	}
	return e.policy.BaseDelay
}

func (e *Executor) record(credentialID string, usage *domain.Usage) {
	if e.tracker == nil || usage == nil {
		return
	}
	e.tracker.RecordUsage(credentialID, usage.Used, usage.Limit, usage.ResetAt)
}

// SetSleep overrides the sleep function. Test hook.
func (e *Executor) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	e.sleep = fn
}

// SetJitter overrides the jitter function. Test hook.
func (e *Executor) SetJitter(fn func(d time.Duration) time.Duration) {
	e.jitter = fn
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// defaultJitter spreads a delay by ±25% to avoid thundering herds.
func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d / 4)
	if spread == 0 {
		return d
	}
	return d - time.Duration(spread/2) + time.Duration(rand.Int64N(spread))
}
