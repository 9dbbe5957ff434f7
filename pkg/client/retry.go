package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/Sternrassler/meraki-report/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meraki_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"kind"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meraki_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error kind",
		Buckets: []float64{0.5, 1, 2, 3, 5, 10},
	}, []string{"kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meraki_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error kind",
	}, []string{"kind"})
)

// InvokerConfig holds the configuration for rate-limited invocations.
type InvokerConfig struct {
	// AttemptTimeout bounds each individual attempt.
	AttemptTimeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// JitterMin and JitterMax bound the random delay before every attempt.
	JitterMin time.Duration
	JitterMax time.Duration

	// BackoffStep is the fixed wait after a timeout and the per-attempt
	// multiplier after a rate limit.
	BackoffStep time.Duration
}

// DefaultInvokerConfig returns the default invoker configuration.
func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{
		AttemptTimeout: 15 * time.Second,
		MaxRetries:     4,
		JitterMin:      100 * time.Millisecond,
		JitterMax:      300 * time.Millisecond,
		BackoffStep:    1 * time.Second,
	}
}

// Invoker wraps remote calls with jitter, governed concurrency, a
// per-attempt timeout and bounded retries.
type Invoker struct {
	governor *ratelimit.Governor
	hits     HitRecorder
	config   InvokerConfig
	logger   zerolog.Logger
}

// HitRecorder receives every rate-limit response, including those a later
// retry recovers from.
type HitRecorder interface {
	RecordHit()
}

// NewInvoker creates an invoker bound to governor.
func NewInvoker(governor *ratelimit.Governor, cfg InvokerConfig, logger zerolog.Logger) *Invoker {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}

	return &Invoker{
		governor: governor,
		config:   cfg,
		logger:   logger.With().Str("component", "invoker").Logger(),
	}
}

// SetHitRecorder attaches a rate-limit observer.
func (inv *Invoker) SetHitRecorder(hits HitRecorder) {
	inv.hits = hits
}

// Governor returns the governor the invoker feeds.
func (inv *Invoker) Governor() *ratelimit.Governor {
	return inv.governor
}

// Do runs op until it succeeds, fails with a non-retryable kind, or has been
// attempted MaxRetries+1 times. Timeouts and rate limits are retried;
// exhaustion returns an *APIError of the same kind wrapping ErrRetryExhausted.
func (inv *Invoker) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= inv.config.MaxRetries; attempt++ {
		if err := sleepContext(ctx, inv.jitter()); err != nil {
			return cancelled(err)
		}

		kind, err := inv.attempt(ctx, op)
		if err == nil {
			if attempt > 0 {
				inv.logger.Info().
					Str("operation", name).
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return nil
		}
		if ctx.Err() != nil {
			return cancelled(ctx.Err())
		}

		lastErr = err
		if !shouldRetry(kind) {
			return err
		}

		if attempt >= inv.config.MaxRetries {
			break
		}

		backoff := inv.config.BackoffStep
		if kind == KindRateLimited {
			backoff = inv.config.BackoffStep * time.Duration(attempt+1)
		}

		retriesTotal.WithLabelValues(string(kind)).Inc()
		retryBackoffSeconds.WithLabelValues(string(kind)).Observe(backoff.Seconds())

		inv.logger.Debug().
			Str("operation", name).
			Str("error_kind", string(kind)).
			Int("attempt", attempt+1).
			Int("max_retries", inv.config.MaxRetries).
			Dur("backoff", backoff).
			Msg("Retrying request after backoff")

		if err := sleepContext(ctx, backoff); err != nil {
			return cancelled(err)
		}
	}

	kind := Classify(lastErr)
	retryExhaustedTotal.WithLabelValues(string(kind)).Inc()
	inv.logger.Warn().
		Str("operation", name).
		Str("error_kind", string(kind)).
		Int("max_retries", inv.config.MaxRetries).
		Msg("Retry attempts exhausted")

	return &APIError{
		StatusCode: statusOf(lastErr),
		Kind:       kind,
		Message:    fmt.Sprintf("%s failed after %d attempts", name, inv.config.MaxRetries+1),
		Err:        fmt.Errorf("%w: %w", ErrRetryExhausted, lastErr),
	}
}

// attempt runs op once under a governor permit and the attempt timeout, and
// feeds the outcome back to the governor.
func (inv *Invoker) attempt(ctx context.Context, op func(ctx context.Context) error) (ErrorKind, error) {
	release, err := inv.governor.Acquire(ctx)
	if err != nil {
		return Classify(err), err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, inv.config.AttemptTimeout)
	err = op(attemptCtx)
	timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	release()

	if err == nil {
		inv.governor.RecordSuccess()
		inv.governor.Adjust()
		return "", nil
	}

	kind := Classify(err)
	if timedOut {
		kind = KindTimeout
		err = &APIError{Kind: KindTimeout, Message: "attempt timed out", Err: err}
	}
	if kind == KindRateLimited {
		inv.governor.RecordError()
		if inv.hits != nil {
			inv.hits.RecordHit()
		}
	}
	inv.governor.Adjust()

	return kind, err
}

func (inv *Invoker) jitter() time.Duration {
	span := inv.config.JitterMax - inv.config.JitterMin
	if span <= 0 {
		return inv.config.JitterMin
	}
	return inv.config.JitterMin + time.Duration(rand.Int63n(int64(span)))
}

// Invoke is the typed form of Invoker.Do.
func Invoke[T any](ctx context.Context, inv *Invoker, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := inv.Do(ctx, name, func(ctx context.Context) error {
		r, err := op(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// sleepContext waits for d or until ctx is done.
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

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	return sleepContext(ctx, d)
}

// cancelled wraps a context error so that both ErrContextCancelled and the
// original cause match errors.Is.
func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", ErrContextCancelled, cause)
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
