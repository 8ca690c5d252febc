package health

import (
	"context"
	"time"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/circuitbreaker"
)

// slowThreshold marks a responding dependency as degraded.
const slowThreshold = 100 * time.Millisecond

// RedisChecker pings Redis through its breaker.
type RedisChecker struct {
	rw       *circuitbreaker.RedisWrapper
	critical bool
}

func NewRedisChecker(rw *circuitbreaker.RedisWrapper, critical bool) *RedisChecker {
	return &RedisChecker{rw: rw, critical: critical}
}

func (r *RedisChecker) Name() string     { return "redis" }
func (r *RedisChecker) IsCritical() bool { return r.critical }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	if r.rw.State() == circuitbreaker.StateOpen {
		return CheckResult{Status: StatusUnhealthy, Message: "Redis circuit breaker is open", Error: circuitbreaker.ErrCircuitBreakerOpen.Error()}
	}
	return timed(func() error { return r.rw.Ping(ctx) }, "Redis")
}

// DatabaseChecker pings Postgres through its breaker.
type DatabaseChecker struct {
	dw       *circuitbreaker.DatabaseWrapper
	critical bool
}

func NewDatabaseChecker(dw *circuitbreaker.DatabaseWrapper, critical bool) *DatabaseChecker {
	return &DatabaseChecker{dw: dw, critical: critical}
}

func (d *DatabaseChecker) Name() string     { return "database" }
func (d *DatabaseChecker) IsCritical() bool { return d.critical }

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	if d.dw.State() == circuitbreaker.StateOpen {
		return CheckResult{Status: StatusUnhealthy, Message: "database circuit breaker is open", Error: circuitbreaker.ErrCircuitBreakerOpen.Error()}
	}
	return timed(func() error { return d.dw.PingContext(ctx) }, "database")
}

// FuncChecker adapts a function, e.g. "workflow catalog is loaded".
type FuncChecker struct {
	name     string
	critical bool
	fn       func(ctx context.Context) error
}

func NewFuncChecker(name string, critical bool, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, critical: critical, fn: fn}
}

func (f *FuncChecker) Name() string     { return f.name }
func (f *FuncChecker) IsCritical() bool { return f.critical }

func (f *FuncChecker) Check(ctx context.Context) CheckResult {
	if err := f.fn(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

func timed(ping func() error, what string) CheckResult {
	start := time.Now()
	if err := ping(); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: what + " ping failed", Error: err.Error()}
	}
	if time.Since(start) > slowThreshold {
		return CheckResult{Status: StatusDegraded, Message: what + " responding with high latency"}
	}
	return CheckResult{Status: StatusHealthy, Message: what + " healthy"}
}
