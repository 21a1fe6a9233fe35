package core

import (
	"context"
	"errors"
	"time"

	"argus/metrics"

	"go.uber.org/zap"
)

// ResilienceConfig is read once at startup and held for the lifetime of the
// process.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig
	RateLimit      RateLimiterConfig
	// QueryTimeout bounds every store call wrapped by Execute
	QueryTimeout time.Duration
}

// DefaultResilienceConfig returns sensible defaults.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		RateLimit:      DefaultRateLimiterConfig(),
		QueryTimeout:   30 * time.Second,
	}
}

// Resilience bundles the circuit breaker and rate limiter protecting the
// columnar store. It is constructed once at startup and passed by handle
// into every component that touches the store; there is no package-level
// singleton.
type Resilience struct {
	Breaker *CircuitBreaker
	Limiter *RateLimiter
	config  ResilienceConfig
	logger  *zap.SugaredLogger
}

// NewResilience builds the resilience context.
func NewResilience(config ResilienceConfig, redisClient *RedisClient, logger *zap.SugaredLogger) (*Resilience, error) {
	breaker, err := NewCircuitBreaker(config.CircuitBreaker)
	if err != nil {
		return nil, err
	}
	return &Resilience{
		Breaker: breaker,
		Limiter: NewRateLimiter(config.RateLimit, redisClient, logger),
		config:  config,
		logger:  logger,
	}, nil
}

// QueryTimeout returns the configured per-query execution bound.
func (r *Resilience) QueryTimeout() time.Duration {
	return r.config.QueryTimeout
}

// Execute wraps a store call with the circuit breaker and the per-query
// execution-time bound. The breaker observes failures and re-raises the
// original error; it never swallows. Context deadline overruns are mapped
// to ErrQueryTimeout so callers can distinguish them from store rejections.
func (r *Resilience) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := r.Breaker.Allow(); err != nil {
		metrics.StoreCallsRejected.WithLabelValues(op).Inc()
		return ErrServiceUnavailable
	}

	callCtx, cancel := context.WithTimeout(ctx, r.config.QueryTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = ErrQueryTimeout
		}
		old, now := r.Breaker.RecordFailure()
		if old != now {
			r.logger.Warnw("Circuit breaker state change", "op", op, "from", old, "to", now)
		}
		r.observeState()
		return err
	}

	old, now := r.Breaker.RecordSuccess()
	if old != now {
		r.logger.Infow("Circuit breaker state change", "op", op, "from", old, "to", now)
	}
	r.observeState()
	return nil
}

func (r *Resilience) observeState() {
	var v float64
	switch r.Breaker.State() {
	case CircuitBreakerStateClosed:
		v = 0
	case CircuitBreakerStateHalfOpen:
		v = 1
	case CircuitBreakerStateOpen:
		v = 2
	}
	metrics.CircuitBreakerState.Set(v)
}
