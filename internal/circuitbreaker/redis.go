package circuitbreaker

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper runs Redis operations behind a circuit breaker. redis.Nil is
// a normal answer and never trips the breaker.
type RedisWrapper struct {
	client  redis.UniversalClient
	cb      *CircuitBreaker
	service string
	logger  *zap.Logger
}

func NewRedisWrapper(client redis.UniversalClient, service string, logger *zap.Logger) *RedisWrapper {
	cfg := RedisSettings().ToConfig()
	cfg.IsFailure = func(err error) bool {
		return !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled)
	}
	return &RedisWrapper{
		client:  client,
		cb:      NewCircuitBreaker("redis-"+service, cfg, logger),
		service: service,
		logger:  logger,
	}
}

// Client returns the underlying client.
func (rw *RedisWrapper) Client() redis.UniversalClient { return rw.client }

// Do executes fn through the breaker.
func (rw *RedisWrapper) Do(ctx context.Context, fn func(c redis.UniversalClient) error) error {
	err := rw.cb.Execute(ctx, func() error { return fn(rw.client) })
	recordRequest(rw.cb.Name(), rw.service, err)
	return err
}

// Ping checks connectivity through the breaker.
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.Do(ctx, func(c redis.UniversalClient) error { return c.Ping(ctx).Err() })
}

// State exposes the breaker state for health checks.
func (rw *RedisWrapper) State() State { return rw.cb.State() }
