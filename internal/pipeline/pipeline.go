// Package pipeline runs one request end to end: retrieval, decision, the
// chosen action, evidence assembly and answer generation. Every handled
// request leaves a trace that can be read back or replayed.
package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/arbiter"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/config"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/evidence"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/oracle"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/resultcache"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/retrieval"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/workflow"
)

// Retriever produces the ranked candidates for a plan.
type Retriever interface {
	Retrieve(ctx context.Context, scope models.Scope, plan *models.Plan) (*retrieval.Result, error)
}

// Decider commits a request to one action.
type Decider interface {
	Decide(ctx context.Context, req arbiter.Request) (*models.DecisionOutcome, error)
}

// Executor runs workflows.
type Executor interface {
	Execute(ctx context.Context, req workflow.ExecuteRequest) (*workflow.Execution, error)
}

// Catalog resolves WORKFLOW candidates to compiled programs.
type Catalog interface {
	ByResource(tenantID, resourceID string) (*workflow.Program, bool)
}

// ResultReader reads stored results at commit time.
type ResultReader interface {
	Get(ctx context.Context, tenantID, userID, recordID string) (resultcache.Lookup, error)
}

// Dependencies are the collaborators a Pipeline drives. Generator may be nil,
// in which case answers are built from the evidence directly.
type Dependencies struct {
	Retriever Retriever
	Decider   Decider
	Executor  Executor
	Catalog   Catalog
	Results   ResultReader
	Gate      *evidence.Gate
	Generator oracle.Oracle
	Traces    TraceStore
}

// Request is one inbound resolve call.
type Request struct {
	Scope   models.Scope           `json:"scope"`
	Message string                 `json:"message"`
	Plan    *models.Plan           `json:"plan"`
	Inputs  map[string]interface{} `json:"inputs,omitempty"`
}

// RunSummary describes the workflow run behind an EXECUTE_WORKFLOW answer.
type RunSummary struct {
	RunID          string                 `json:"run_id"`
	WorkflowID     string                 `json:"workflow_id"`
	Version        string                 `json:"version"`
	Status         models.RunStatus       `json:"status"`
	Reused         bool                   `json:"reused"`
	ResultRecordID string                 `json:"result_record_id,omitempty"`
	Payload        map[string]interface{} `json:"result_payload,omitempty"`
	Error          *models.StepError      `json:"error,omitempty"`
}

// Response is the outcome of Handle or Replay.
type Response struct {
	TraceID    string                    `json:"trace_id"`
	ReplayOf   string                    `json:"replay_of,omitempty"`
	Answer     string                    `json:"answer"`
	Decision   *models.DecisionOutcome   `json:"decision"`
	Evidence   []models.Evidence         `json:"evidence,omitempty"`
	Citations  []models.Citation         `json:"citations,omitempty"`
	Questions  []string                  `json:"questions,omitempty"`
	Run        *RunSummary               `json:"run,omitempty"`
	Stale      bool                      `json:"stale,omitempty"`
	Degraded   []retrieval.TargetFailure `json:"degraded,omitempty"`
	Candidates int                       `json:"candidates_count"`
	Notes      []string                  `json:"notes,omitempty"`
}

// Pipeline wires retrieval, decision, execution and evidence together.
type Pipeline struct {
	cfg    *config.Config
	deps   Dependencies
	logger *zap.Logger
	now    func() time.Time
}

// New checks that every required collaborator is present.
func New(cfg *config.Config, deps Dependencies, logger *zap.Logger) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline: config is required")
	}
	switch {
	case deps.Retriever == nil:
		return nil, errors.New("pipeline: retriever is required")
	case deps.Decider == nil:
		return nil, errors.New("pipeline: decider is required")
	case deps.Executor == nil || deps.Catalog == nil:
		return nil, errors.New("pipeline: workflow executor and catalog are required")
	case deps.Results == nil:
		return nil, errors.New("pipeline: result reader is required")
	}
	if deps.Gate == nil {
		deps.Gate = evidence.New(cfg.Evidence, logger)
	}
	if deps.Traces == nil {
		deps.Traces = NewMemoryTraces()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logger, now: time.Now}, nil
}

// WithClock overrides the time source used for trace ids and timestamps.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Handle resolves one request.
func (p *Pipeline) Handle(ctx context.Context, req Request) (*Response, error) {
	if req.Scope.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", arbiter.ErrInvalidRequest)
	}
	if err := req.Plan.Validate(p.cfg.Intents); err != nil {
		return nil, err
	}
	traceID := p.newTraceID()
	ctx, span := tracing.StartSpan(ctx, "pipeline.handle",
		"trace_id", traceID,
		"tenant_id", req.Scope.TenantID,
		"intent", req.Plan.Intent.Name)
	defer span.End()

	res, err := p.deps.Retriever.Retrieve(ctx, req.Scope, req.Plan)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	decision, err := p.deps.Decider.Decide(ctx, arbiter.Request{
		Scope:      req.Scope,
		Message:    req.Message,
		Plan:       req.Plan,
		Candidates: res.Candidates,
		Inputs:     req.Inputs,
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	trace := &Trace{
		ID:         traceID,
		Scope:      req.Scope,
		Message:    req.Message,
		Plan:       req.Plan,
		Inputs:     req.Inputs,
		Candidates: res.Candidates,
		Degraded:   res.Degraded,
		Decision:   decision,
		CreatedAt:  p.now().UTC(),
	}
	resp, err := p.commit(ctx, trace)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	resp.Degraded = res.Degraded
	return resp, nil
}

// Replay re-runs the committed decision of an earlier trace without asking
// retrieval or the decision oracle again. An EXECUTE_WORKFLOW reuses the
// stored idempotency key, so the original run is returned, never repeated.
func (p *Pipeline) Replay(ctx context.Context, scope models.Scope, traceID string) (*Response, error) {
	orig, err := p.deps.Traces.Get(ctx, scope.TenantID, traceID)
	if err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, "pipeline.replay", "trace_id", traceID, "tenant_id", scope.TenantID)
	defer span.End()

	trace := *orig
	trace.ID = p.newTraceID()
	trace.ReplayOf = orig.ID
	trace.RunID, trace.Evidence, trace.Answer = "", nil, ""
	trace.CreatedAt = p.now().UTC()
	resp, err := p.commit(ctx, &trace)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	resp.ReplayOf = orig.ID
	resp.Degraded = orig.Degraded
	return resp, nil
}

// commit carries out the trace's decision, answers, and stores the trace.
func (p *Pipeline) commit(ctx context.Context, t *Trace) (*Response, error) {
	resp := &Response{TraceID: t.ID, Decision: t.Decision, Candidates: len(t.Candidates)}
	sel, err := p.act(ctx, t, resp)
	if err != nil {
		return nil, err
	}
	if resp.Answer == "" {
		ev, err := p.deps.Gate.Assemble(sel)
		if err != nil && !errors.Is(err, evidence.ErrNoEvidence) {
			return nil, err
		}
		resp.Evidence = ev
		for _, e := range ev {
			resp.Citations = append(resp.Citations, e.Citation)
		}
		resp.Answer = p.answer(ctx, t, ev)
	}

	t.Evidence, t.Answer = resp.Evidence, resp.Answer
	if resp.Run != nil {
		t.RunID = resp.Run.RunID
	}
	if err := p.deps.Traces.Put(ctx, t, p.cfg.Store.TraceTTL); err != nil {
		p.logger.Warn("Failed to store decision trace", zap.String("trace_id", t.ID), zap.Error(err))
		resp.Notes = append(resp.Notes, "trace could not be stored; replay is unavailable")
	}
	metrics.PipelineRequests.WithLabelValues(string(t.Decision.ActionType), replayLabel(t)).Inc()
	p.logger.Info("Request resolved",
		zap.String("trace_id", t.ID),
		zap.String("tenant_id", t.Scope.TenantID),
		zap.String("action", string(t.Decision.ActionType)),
		zap.Int("evidence", len(resp.Evidence)),
		zap.Bool("replay", t.ReplayOf != ""))
	return resp, nil
}

// Trace returns a stored trace for the tenant.
func (p *Pipeline) Trace(ctx context.Context, tenantID, traceID string) (*Trace, error) {
	return p.deps.Traces.Get(ctx, tenantID, traceID)
}

func (p *Pipeline) newTraceID() string {
	id := uuid.New()
	return fmt.Sprintf("trace_%s_%s", p.now().UTC().Format("20060102_150405"), hex.EncodeToString(id[:4]))
}

func replayLabel(t *Trace) string {
	if t.ReplayOf != "" {
		return "replay"
	}
	return "live"
}
