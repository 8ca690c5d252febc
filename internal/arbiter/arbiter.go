// Package arbiter commits each request to exactly one action: return a result,
// execute a workflow, ask for clarification, or fall back.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/config"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/idempotency"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/oracle"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/tracing"
)

// ErrInvalidRequest is returned for requests the arbiter cannot consider at all.
var ErrInvalidRequest = errors.New("invalid decision request")

// RiskPolicy decides whether a tenant may execute a workflow of a risk level.
type RiskPolicy interface {
	Allowed(ctx context.Context, in policy.RiskInput) bool
}

// Request carries everything one decision needs.
type Request struct {
	Scope      models.Scope
	Message    string
	Plan       *models.Plan
	Candidates []models.Candidate
	// Inputs are workflow inputs known for this request. When nil the plan's
	// intent entities are used.
	Inputs map[string]interface{}
}

func (r *Request) inputs() map[string]interface{} {
	if r.Inputs != nil {
		return r.Inputs
	}
	if r.Plan != nil && r.Plan.Intent.Entities != nil {
		return r.Plan.Intent.Entities
	}
	return map[string]interface{}{}
}

// Arbiter runs the deterministic rules and, when they do not settle the
// request, the decision oracle.
type Arbiter struct {
	cfg     config.DecisionConfig
	tenancy config.TenancyConfig
	oracle  oracle.Oracle
	policy  RiskPolicy
	checker *checker
	logger  *zap.Logger
	now     func() time.Time
}

// New builds an arbiter. o may be nil, in which case unsettled requests fall back.
func New(cfg config.DecisionConfig, tenancy config.TenancyConfig, o oracle.Oracle, p RiskPolicy, logger *zap.Logger) (*Arbiter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := newChecker()
	if err != nil {
		return nil, err
	}
	return &Arbiter{cfg: cfg, tenancy: tenancy, oracle: o, policy: p, checker: c, logger: logger, now: time.Now}, nil
}

// WithClock overrides the time source used to flag stale results.
func (a *Arbiter) WithClock(now func() time.Time) *Arbiter {
	a.now = now
	return a
}

// Decide returns the committed outcome. Errors are returned only for invalid
// requests; oracle problems end in FALLBACK.
func (a *Arbiter) Decide(ctx context.Context, req Request) (*models.DecisionOutcome, error) {
	if req.Plan == nil {
		return nil, fmt.Errorf("%w: plan is required", ErrInvalidRequest)
	}
	if req.Scope.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	}
	ctx, span := tracing.StartSpan(ctx, "arbiter.decide",
		"tenant_id", req.Scope.TenantID,
		"intent", req.Plan.Intent.Name)
	defer span.End()

	view := a.view(ctx, &req)
	out := a.hardRules(view)
	if out == nil && len(view.cands) > 0 && a.oracle != nil {
		out = a.consult(ctx, &req, view)
	}
	if out == nil {
		out = fallback("no hard rule applied and no valid oracle decision was produced")
	}
	if err := a.finish(out, &req, view); err != nil {
		a.logger.Warn("Decision could not be finalized, falling back", zap.Error(err))
		out = fallback(err.Error())
	}

	metrics.Decisions.WithLabelValues(string(out.ActionType), string(out.Source)).Inc()
	fields := []zap.Field{
		zap.String("tenant_id", req.Scope.TenantID),
		zap.String("action", string(out.ActionType)),
		zap.String("source", string(out.Source)),
		zap.Int("candidates", len(view.cands)),
	}
	if out.Selected != nil {
		fields = append(fields, zap.String("resource_id", out.Selected.ResourceID))
	}
	a.logger.Info("Decision committed", fields...)
	return out, nil
}

// finish derives the execution fields the arbiter owns.
func (a *Arbiter) finish(out *models.DecisionOutcome, req *Request, v *view) error {
	if out.ActionType != models.ActionExecuteWorkflow {
		out.Execution = models.Execution{}
		return nil
	}
	c := v.byID[out.Selected.ResourceID]
	input := workflowInput(c, out.Execution.Input, req.inputs())
	key, err := idempotency.Key(c.Metadata.WorkflowID, c.Metadata.Version, req.Scope.TenantID, req.Scope.UserID, input)
	if err != nil {
		return err
	}
	out.Execution = models.Execution{
		Required:           true,
		ExecutorResourceID: c.ResourceID,
		Input:              input,
		IdempotencyKey:     key,
	}
	out.Clarify = models.Clarify{}
	return nil
}

func fallback(why string) *models.DecisionOutcome {
	return &models.DecisionOutcome{
		ActionType: models.ActionFallback,
		Reason:     models.Reason{WhyBestFit: []string{why}},
		Source:     models.SourceFallback,
	}
}
