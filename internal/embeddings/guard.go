package embeddings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GuardConfig configures rate limiting and circuit breaking.
type GuardConfig struct {
	RateLimit       float64
	Burst           int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Guarded wraps a Provider with a rate limiter, a circuit breaker and metrics.
type Guarded struct {
	provider Provider
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	metrics  *Metrics
	logger   *zap.Logger
}

// NewGuarded wraps p.
func NewGuarded(p Provider, cfg GuardConfig, metrics *Metrics, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil, logger)
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embeddings-" + p.Model(),
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// A caller giving up is not a provider failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrEmptyInput)
		},
	})

	return &Guarded{
		provider: p,
		limiter:  limiter,
		breaker:  breaker,
		metrics:  metrics,
		logger:   logger,
	}
}

// Model returns the wrapped provider's model.
func (g *Guarded) Model() string { return g.provider.Model() }

// State returns the circuit breaker state.
func (g *Guarded) State() gobreaker.State { return g.breaker.State() }

// Embed waits for a rate limit token, then calls the provider through the
// circuit breaker. An open breaker fails fast with ErrEmbeddingFailed.
func (g *Guarded) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	var embedErr error
	defer func() {
		g.metrics.RecordGeneration(ctx, g.provider.Model(), time.Since(start), embedErr)
	}()

	if err := g.limiter.Wait(ctx); err != nil {
		embedErr = fmt.Errorf("rate limit wait: %w", err)
		return nil, embedErr
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.provider.Embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		}
		embedErr = err
		return nil, embedErr
	}

	return out.([]float32), nil
}

// Close releases the wrapped provider when it holds resources.
func (g *Guarded) Close() error {
	if c, ok := g.provider.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var _ Provider = (*Guarded)(nil)
