// Package health runs dependency checks for the readiness and liveness probes.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CheckStatus represents the result of a health check
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	default:
		return "unhealthy"
	}
}

func (s CheckStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CheckResult contains the result of a health check
type CheckResult struct {
	Component string        `json:"component"`
	Status    CheckStatus   `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Critical  bool          `json:"critical"`
	Duration  time.Duration `json:"duration_ns"`
}

// Checker is one dependency probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	// IsCritical reports whether a failure makes the service not ready.
	IsCritical() bool
}

// Report is the combined outcome of every registered check.
type Report struct {
	Status     CheckStatus            `json:"status"`
	Ready      bool                   `json:"ready"`
	Components map[string]CheckResult `json:"components"`
	CheckedAt  time.Time              `json:"checked_at"`
}

// Manager holds the registered checkers.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
	logger   *zap.Logger
}

func NewManager(timeout time.Duration, logger *zap.Logger) *Manager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{checkers: make(map[string]Checker), timeout: timeout, logger: logger}
}

// Register adds or replaces a checker by name.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[c.Name()] = c
}

// Names returns the registered checker names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checkers))
	for n := range m.checkers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Check runs every checker concurrently, each bounded by the manager timeout.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			start := time.Now()
			r := c.Check(cctx)
			r.Component = c.Name()
			r.Critical = c.IsCritical()
			r.Duration = time.Since(start)
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusHealthy, Ready: true, Components: make(map[string]CheckResult, len(results)), CheckedAt: time.Now().UTC()}
	for _, r := range results {
		rep.Components[r.Component] = r
		switch {
		case r.Status == StatusUnhealthy && r.Critical:
			rep.Status, rep.Ready = StatusUnhealthy, false
		case r.Status != StatusHealthy && rep.Status == StatusHealthy:
			rep.Status = StatusDegraded
		}
		if r.Status != StatusHealthy {
			m.logger.Warn("Health check not healthy",
				zap.String("component", r.Component),
				zap.String("status", r.Status.String()),
				zap.String("error", r.Error))
		}
	}
	return rep
}
