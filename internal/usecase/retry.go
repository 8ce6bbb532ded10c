package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"BookRanker/internal/domain"
	"BookRanker/internal/metrics"
)

// OutcomeKind classifies the result of a retried operation.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTransientFailure
	OutcomePermanentFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Outcome is what a Retrier hands back instead of a bare error.
type Outcome struct {
	Kind     OutcomeKind
	Attempts int
	Err      error
}

// OK reports whether the operation eventually succeeded.
func (o Outcome) OK() bool {
	return o.Kind == OutcomeSuccess
}

// RetryPolicy bounds retries of transient storage failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	Multiplier      float64
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultRetryPolicy is used for zero-valued fields.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialBackoff:  200 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		Multiplier:      2,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.BreakerFailures == 0 {
		p.BreakerFailures = def.BreakerFailures
	}
	if p.BreakerTimeout <= 0 {
		p.BreakerTimeout = def.BreakerTimeout
	}
	return p
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	return time.Duration(d)
}

// Retrier runs storage operations under a RetryPolicy and a circuit breaker shared
// across calls, so a storage outage fails remaining items fast.
type Retrier struct {
	policy  RetryPolicy
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetrier builds a Retrier. Zero-valued policy fields fall back to DefaultRetryPolicy.
func NewRetrier(policy RetryPolicy, logger *slog.Logger, m *metrics.Metrics) *Retrier {
	policy = policy.withDefaults()
	r := &Retrier{
		policy:  policy,
		logger:  logger,
		metrics: m,
		sleep:   sleepContext,
	}

	r.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "storage",
		MaxRequests: 1,
		Timeout:     policy.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= policy.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !domain.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.metrics.ObserveBreakerState(int(to))
			if r.logger != nil {
				r.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			}
		},
	})
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() RetryPolicy {
	return r.policy
}

// Do runs fn until it succeeds, fails permanently, or exhausts MaxAttempts on
// transient failures. Cancellation of ctx stops retrying immediately.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) Outcome {
	for attempt := 1; ; attempt++ {
		_, err := r.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, fn(ctx)
		})
		if err == nil {
			return Outcome{Kind: OutcomeSuccess, Attempts: attempt}
		}

		if ctx.Err() != nil || !retryable(err) {
			return Outcome{Kind: OutcomePermanentFailure, Attempts: attempt, Err: err}
		}
		if attempt >= r.policy.MaxAttempts {
			return Outcome{Kind: OutcomeTransientFailure, Attempts: attempt, Err: err}
		}

		delay := r.policy.Backoff(attempt)
		if r.logger != nil {
			r.logger.Warn("transient storage failure, retrying",
				"op", op, "attempt", attempt, "max_attempts", r.policy.MaxAttempts, "delay", delay, "error", err)
		}
		r.metrics.ObserveRetry()

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return Outcome{Kind: OutcomeTransientFailure, Attempts: attempt, Err: errors.Join(err, sleepErr)}
		}
	}
}

func retryable(err error) bool {
	return domain.IsTransient(err) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
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
