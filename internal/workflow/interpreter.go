package workflow

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
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/runstore"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/tracing"
)

// ErrScope is returned when the caller's tenant does not own the workflow.
var ErrScope = errors.New("workflow not visible to caller scope")

// SearchRequest is a RETRIEVE step's nested retrieval.
type SearchRequest struct {
	Scope        models.Scope
	Target       models.ResourceType
	Query        string
	TopK         int
	Filters      map[string]interface{}
	RankingRules []models.RankingRule
}

// Searcher runs nested retrievals for RETRIEVE steps.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]models.Candidate, error)
}

// SearchFunc adapts a function to Searcher.
type SearchFunc func(ctx context.Context, req SearchRequest) ([]models.Candidate, error)

func (f SearchFunc) Search(ctx context.Context, req SearchRequest) ([]models.Candidate, error) {
	return f(ctx, req)
}

// ResultWriter stores the result record of a completed run, SUCCEEDED or
// DEGRADED.
type ResultWriter interface {
	Put(ctx context.Context, rec *models.ResultRecord) (*models.ResultRecord, error)
}

// ExecuteRequest asks for one execution of a compiled workflow.
type ExecuteRequest struct {
	Program *Program
	Scope   models.Scope
	Input   map[string]interface{}
	// IdempotencyKey is derived from workflow, version, scope and input when empty.
	IdempotencyKey string
	// Freshness is the workflow resource's freshness policy, if any.
	Freshness *models.FreshnessPolicy
}

// Execution is the outcome of Execute. Reused is true when the run was
// created by an earlier call with the same idempotency key.
type Execution struct {
	Run    *models.WorkflowRun
	Reused bool
	Record *models.ResultRecord
}

// RunError reports a run that finished FAILED.
type RunError struct {
	RunID string
	Err   *models.StepError
}

func (e *RunError) Error() string {
	return fmt.Sprintf("workflow run %s failed: %v", e.RunID, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Interpreter executes workflow programs against a run store.
type Interpreter struct {
	runs       runstore.Store
	tools      ToolInvoker
	search     Searcher
	results    ResultWriter
	cfg        config.WorkflowConfig
	defaultTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures an Interpreter.
type Option func(*Interpreter)

func WithSearcher(s Searcher) Option { return func(in *Interpreter) { in.search = s } }
func WithResults(w ResultWriter) Option { return func(in *Interpreter) { in.results = w } }
func WithConfig(c config.WorkflowConfig) Option { return func(in *Interpreter) { in.cfg = c } }
func WithClock(now func() time.Time) Option { return func(in *Interpreter) { in.now = now } }

// WithDefaultTTL sets the result TTL used when neither the workflow nor its
// resource declares one.
func WithDefaultTTL(d time.Duration) Option { return func(in *Interpreter) { in.defaultTTL = d } }

func NewInterpreter(runs runstore.Store, tools ToolInvoker, logger *zap.Logger, opts ...Option) *Interpreter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tools == nil {
		tools = NewTools()
	}
	in := &Interpreter{runs: runs, tools: tools, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(in)
	}
	if in.cfg.MaxParallel <= 0 {
		in.cfg.MaxParallel = 4
	}
	return in
}

// Execute runs req.Program at most once per idempotency key. A second call
// with the same key returns the stored run without executing any step.
func (in *Interpreter) Execute(ctx context.Context, req ExecuteRequest) (*Execution, error) {
	prog := req.Program
	if prog == nil {
		return nil, errors.New("execute: nil program")
	}
	def := prog.Def
	if req.Scope.TenantID == "" || req.Scope.TenantID != def.TenantID {
		return nil, ErrScope
	}
	input, err := normalizeMap(req.Input)
	if err != nil {
		return nil, &models.StepError{Kind: models.ErrorInput, StepID: "input", Message: err.Error()}
	}
	if err := prog.ValidateInput(input); err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		if key, err = idempotency.Key(def.ID, def.Version, req.Scope.TenantID, req.Scope.UserID, input); err != nil {
			return nil, err
		}
	}

	ctx, span := tracing.StartSpan(ctx, "workflow.execute", "workflow_id", def.ID, "idempotency_key", key)
	defer span.End()

	now := in.now().UTC()
	run := &models.WorkflowRun{
		RunID:          idempotency.NewRunID(now),
		WorkflowID:     def.ID,
		Version:        def.Version,
		IdempotencyKey: key,
		TenantID:       req.Scope.TenantID,
		UserID:         req.Scope.UserID,
		Status:         models.RunRunning,
		Input:          input,
		Steps:          make([]models.StepState, len(prog.steps)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i, cs := range prog.steps {
		run.Steps[i] = models.StepState{StepID: cs.id, Kind: string(cs.kind), Status: models.StepPending}
	}

	stored, created, err := in.runs.Create(ctx, run)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("create run: %w", err)
	}
	if !created {
		metrics.WorkflowReplays.WithLabelValues(def.ID, string(stored.Status)).Inc()
		in.logger.Info("Reusing workflow run for idempotency key",
			zap.String("workflow_id", def.ID),
			zap.String("run_id", stored.RunID),
			zap.String("status", string(stored.Status)))
		return &Execution{Run: stored, Reused: true}, nil
	}
	run = stored

	in.logger.Info("Workflow run started",
		zap.String("workflow_id", def.ID),
		zap.String("version", def.Version),
		zap.String("run_id", run.RunID))

	runCtx := ctx
	if in.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, in.cfg.RunTimeout)
		defer cancel()
	}

	f := newFrame(run, req.Scope, input)
	degraded := false
	for i, cs := range prog.steps {
		st := in.runStep(runCtx, f, cs)
		run.Steps[i] = st
		if st.Status == models.StepFailed {
			run.Status = models.RunFailed
			run.Error = st.Error
			break
		}
		if st.Status == models.StepDegraded {
			degraded = true
		}
		in.save(runCtx, run)
	}

	if run.Status != models.RunFailed {
		payload, serr := in.payload(prog, f)
		if serr != nil {
			run.Status = models.RunFailed
			run.Error = serr
		} else {
			run.ResultPayload = payload
			run.Status = models.RunSucceeded
			if degraded {
				run.Status = models.RunDegraded
			}
		}
	}

	var (
		record   *models.ResultRecord
		writeErr error
	)
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if run.Status == models.RunSucceeded || run.Status == models.RunDegraded {
		ttl := in.resultTTL(def, req.Freshness)
		until := in.now().UTC().Add(ttl)
		run.TTLUntil = &until
		if in.results != nil {
			record, writeErr = in.writeResult(finishCtx, run, def)
		}
	}

	run.UpdatedAt = in.now().UTC()
	if err := in.runs.Update(finishCtx, run); err != nil {
		in.logger.Error("Failed to persist final workflow run",
			zap.String("run_id", run.RunID), zap.Error(err))
		tracing.RecordError(span, err)
		return &Execution{Run: run, Record: record}, fmt.Errorf("persist run %s: %w", run.RunID, err)
	}

	metrics.WorkflowRuns.WithLabelValues(def.ID, string(run.Status)).Inc()
	in.logger.Info("Workflow run finished",
		zap.String("workflow_id", def.ID),
		zap.String("run_id", run.RunID),
		zap.String("status", string(run.Status)))

	// The run itself is stored as completed, so a retry with the same key
	// answers from its payload without executing again.
	if writeErr != nil {
		tracing.RecordError(span, writeErr)
		return &Execution{Run: run}, fmt.Errorf("store result of run %s: %w", run.RunID, writeErr)
	}

	exec := &Execution{Run: run, Record: record}
	if run.Status == models.RunFailed {
		rerr := &RunError{RunID: run.RunID, Err: run.Error}
		tracing.RecordError(span, rerr)
		return exec, rerr
	}
	return exec, nil
}

// save persists progress after a top-level step. Failures are logged; the
// final save decides the outcome.
func (in *Interpreter) save(ctx context.Context, run *models.WorkflowRun) {
	run.UpdatedAt = in.now().UTC()
	if err := in.runs.Update(context.WithoutCancel(ctx), run); err != nil {
		in.logger.Warn("Failed to persist workflow progress",
			zap.String("run_id", run.RunID), zap.Error(err))
	}
}

// payload evaluates the workflow's output mapping, or returns every executed
// top-level step output keyed by step id.
func (in *Interpreter) payload(prog *Program, f *frame) (map[string]interface{}, *models.StepError) {
	if len(prog.output) == 0 {
		out := make(map[string]interface{}, len(prog.steps))
		for _, cs := range prog.steps {
			if v, ok := f.outputs[cs.id]; ok {
				out[cs.id] = v
			}
		}
		return out, nil
	}
	vars := f.vars()
	out := make(map[string]interface{}, len(prog.output))
	for field, x := range prog.output {
		v, err := x.eval(vars)
		if err != nil {
			return nil, &models.StepError{Kind: models.ErrorTransform, StepID: "output", Message: fmt.Sprintf("%s: %v", field, err)}
		}
		out[field] = v
	}
	return out, nil
}

// resultTTL applies, in order: the workflow's ttl_seconds, the resource's
// freshness policy, the configured default, then one hour.
func (in *Interpreter) resultTTL(def *Definition, fp *models.FreshnessPolicy) time.Duration {
	if d := def.TTL(); d > 0 {
		return d
	}
	if d := fp.TTL(); d > 0 {
		return d
	}
	if in.defaultTTL > 0 {
		return in.defaultTTL
	}
	return models.DefaultResultTTL
}

func (in *Interpreter) writeResult(ctx context.Context, run *models.WorkflowRun, def *Definition) (*models.ResultRecord, error) {
	hash, err := idempotency.InputsHash(run.Input)
	if err != nil {
		return nil, fmt.Errorf("hash run input: %w", err)
	}
	rec := &models.ResultRecord{
		RecordID:    idempotency.RecordID(run.RunID),
		TenantID:    run.TenantID,
		UserID:      run.UserID,
		Key:         idempotency.ResultKey(def.ID, hash),
		WorkflowID:  def.ID,
		InputsHash:  hash,
		Summary:     def.Title,
		Content:     run.ResultPayload,
		FreshUntil:  *run.TTLUntil,
		SourceRunID: run.RunID,
		Degraded:    run.Status == models.RunDegraded,
		CreatedAt:   in.now().UTC(),
	}
	stored, err := in.results.Put(ctx, rec)
	if err != nil {
		in.logger.Error("Failed to store workflow result",
			zap.String("run_id", run.RunID), zap.String("record_id", rec.RecordID), zap.Error(err))
		return nil, err
	}
	run.ResultRecordID = stored.RecordID
	return stored, nil
}

// frame is the data visible to one step list: the run input and the outputs
// of steps that already ran in this list (or before the enclosing PARALLEL).
type frame struct {
	runID   string
	runKey  string
	scope   models.Scope
	input   map[string]interface{}
	outputs map[string]interface{}
	skipped map[string]bool
}

func newFrame(run *models.WorkflowRun, scope models.Scope, input map[string]interface{}) *frame {
	return &frame{
		runID:   run.RunID,
		runKey:  run.IdempotencyKey,
		scope:   scope,
		input:   input,
		outputs: make(map[string]interface{}),
		skipped: make(map[string]bool),
	}
}

// fork returns a copy a PARALLEL branch can write to without affecting its siblings.
func (f *frame) fork() *frame {
	c := *f
	c.outputs = make(map[string]interface{}, len(f.outputs))
	for k, v := range f.outputs {
		c.outputs[k] = v
	}
	c.skipped = make(map[string]bool, len(f.skipped))
	for k, v := range f.skipped {
		c.skipped[k] = v
	}
	return &c
}

func (f *frame) vars() map[string]interface{} {
	steps := make(map[string]interface{}, len(f.outputs))
	for k, v := range f.outputs {
		steps[k] = v
	}
	return map[string]interface{}{"input": f.input, "steps": steps}
}

// blocked reports whether a step is skipped by a condition or depends on a
// skipped step.
func (f *frame) blocked(cs *compiledStep) bool {
	if f.skipped[cs.id] {
		return true
	}
	for _, dep := range cs.dependsOn {
		if f.skipped[dep] {
			return true
		}
	}
	return false
}
