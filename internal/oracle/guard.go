package oracle

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/metrics"
)

// Guarded rate-limits calls, bounds them with a timeout and trips a circuit
// breaker on repeated provider failures.
type Guarded struct {
	inner    Oracle
	provider string
	limiter  *rate.Limiter
	breaker  *circuitbreaker.CircuitBreaker
	timeout  time.Duration
}

// NewGuarded wraps inner. rps <= 0 disables rate limiting; timeout <= 0
// leaves the caller's deadline alone.
func NewGuarded(inner Oracle, provider string, rps float64, burst int, timeout time.Duration, logger *zap.Logger) *Guarded {
	g := &Guarded{
		inner:    inner,
		provider: provider,
		breaker:  circuitbreaker.NewCircuitBreaker("oracle-"+provider, circuitbreaker.OracleSettings().ToConfig(), logger),
		timeout:  timeout,
	}
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return g
}

func (g *Guarded) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			metrics.OracleLatency.WithLabelValues(g.provider, "rate_limited").Observe(time.Since(start).Seconds())
			return nil, err
		}
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	var resp *Response
	err := g.breaker.Execute(ctx, func() error {
		var err error
		resp, err = g.inner.Complete(ctx, req)
		return err
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.OracleLatency.WithLabelValues(g.provider, status).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Provider names the wrapped provider.
func (g *Guarded) Provider() string { return g.provider }
