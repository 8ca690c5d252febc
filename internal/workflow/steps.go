package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
)

// runStep executes one step in f and records its output there.
func (in *Interpreter) runStep(ctx context.Context, f *frame, cs *compiledStep) models.StepState {
	st := models.StepState{StepID: cs.id, Kind: string(cs.kind), Status: models.StepPending}
	if f.blocked(cs) {
		f.skipped[cs.id] = true
		st.Status = models.StepSkipped
		return st
	}

	start := in.now().UTC()
	st.StartedAt = &start
	if err := ctx.Err(); err != nil {
		st.Status = models.StepFailed
		st.Error = &models.StepError{Kind: contextKind(err), StepID: cs.id, Message: err.Error()}
		end := in.now().UTC()
		st.EndedAt = &end
		return st
	}

	var (
		out      interface{}
		serr     *models.StepError
		degraded bool
	)
	switch cs.kind {
	case KindTool:
		out, serr = in.runTool(ctx, f, cs)
	case KindCondition:
		out, serr = in.runCondition(f, cs)
	case KindTransform:
		out, serr = in.runTransform(f, cs)
	case KindRetrieve:
		out, serr = in.runRetrieve(ctx, f, cs)
	case KindParallel:
		out, st.Branches, degraded, serr = in.runParallel(ctx, f, cs)
	default:
		serr = &models.StepError{Kind: models.ErrorInput, StepID: cs.id, Message: fmt.Sprintf("unknown kind %q", cs.kind)}
	}

	end := in.now().UTC()
	st.EndedAt = &end
	switch {
	case serr != nil:
		st.Status = models.StepFailed
		st.Error = serr
	case degraded:
		st.Status = models.StepDegraded
	default:
		st.Status = models.StepSucceeded
	}
	metrics.StepDuration.WithLabelValues(string(cs.kind), string(st.Status)).Observe(end.Sub(start).Seconds())

	if serr != nil {
		in.logger.Warn("Workflow step failed",
			zap.String("run_id", f.runID),
			zap.String("step_id", cs.id),
			zap.String("kind", string(serr.Kind)),
			zap.String("branch", serr.Branch),
			zap.String("error", serr.Message))
		return st
	}
	st.Output = out
	f.outputs[cs.id] = out
	return st
}

// stepContext applies the step timeout, falling back to the configured default.
func (in *Interpreter) stepContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = in.cfg.DefaultStepTimeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// failure classifies err from a step that ran under stepCtx.
func failure(stepCtx context.Context, kind models.ErrorKind, stepID string, err error) *models.StepError {
	if cerr := stepCtx.Err(); cerr != nil {
		return &models.StepError{Kind: contextKind(cerr), StepID: stepID, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = models.ErrorTimeout
	}
	return &models.StepError{Kind: kind, StepID: stepID, Message: err.Error()}
}

func contextKind(err error) models.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorTimeout
	}
	return models.ErrorCancelled
}

func (in *Interpreter) runTool(ctx context.Context, f *frame, cs *compiledStep) (interface{}, *models.StepError) {
	input := map[string]interface{}{}
	if cs.tool.input != nil {
		v, err := cs.tool.input.render(f.vars())
		if err != nil {
			return nil, &models.StepError{Kind: models.ErrorTool, StepID: cs.id, Message: "render input: " + err.Error()}
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, &models.StepError{Kind: models.ErrorTool, StepID: cs.id, Message: fmt.Sprintf("tool input rendered to %T, want object", v)}
		}
		input = m
	}

	stepCtx, cancel := in.stepContext(ctx, cs.tool.timeout)
	defer cancel()
	out, err := in.tools.Invoke(stepCtx, ToolCall{
		Name:           cs.tool.name,
		Input:          input,
		IdempotencyKey: f.runKey + ":" + cs.id,
		TenantID:       f.scope.TenantID,
		RunID:          f.runID,
	})
	if err == nil {
		err = stepCtx.Err()
	}
	if err != nil {
		return nil, failure(stepCtx, models.ErrorTool, cs.id, err)
	}
	norm, err := normalizeJSON(out)
	if err != nil {
		return nil, &models.StepError{Kind: models.ErrorTool, StepID: cs.id, Message: "tool output is not JSON: " + err.Error()}
	}
	return norm, nil
}

// runCondition marks the steps of the branch not taken as skipped.
func (in *Interpreter) runCondition(f *frame, cs *compiledStep) (interface{}, *models.StepError) {
	ok, err := cs.condition.expr.evalBool(f.vars())
	if err != nil {
		return nil, &models.StepError{Kind: models.ErrorCondition, StepID: cs.id, Message: err.Error()}
	}
	taken, skip := "then", cs.condition.els
	if !ok {
		taken, skip = "else", cs.condition.then
	}
	for _, id := range skip {
		f.skipped[id] = true
	}
	return map[string]interface{}{"result": ok, "branch": taken}, nil
}

func (in *Interpreter) runTransform(f *frame, cs *compiledStep) (interface{}, *models.StepError) {
	vars := f.vars()
	if cs.transform.expr != nil {
		v, err := cs.transform.expr.eval(vars)
		if err != nil {
			return nil, &models.StepError{Kind: models.ErrorTransform, StepID: cs.id, Message: err.Error()}
		}
		return v, nil
	}
	out := make(map[string]interface{}, len(cs.transform.mapping))
	for k, x := range cs.transform.mapping {
		v, err := x.eval(vars)
		if err != nil {
			return nil, &models.StepError{Kind: models.ErrorTransform, StepID: cs.id, Message: fmt.Sprintf("%s: %v", k, err)}
		}
		out[k] = v
	}
	return out, nil
}

func (in *Interpreter) runRetrieve(ctx context.Context, f *frame, cs *compiledStep) (interface{}, *models.StepError) {
	r := cs.retrieve
	if in.search == nil {
		return nil, &models.StepError{Kind: models.ErrorRetrieve, StepID: cs.id, Message: "no retrieval backend configured"}
	}
	vars := f.vars()
	q, err := r.query.render(vars)
	if err != nil {
		return nil, &models.StepError{Kind: models.ErrorRetrieve, StepID: cs.id, Message: "render query: " + err.Error()}
	}
	req := SearchRequest{Scope: f.scope, Target: r.target, Query: stringify(q), TopK: r.topK}
	if r.filters != nil {
		v, err := r.filters.render(vars)
		if err != nil {
			return nil, &models.StepError{Kind: models.ErrorRetrieve, StepID: cs.id, Message: "render filters: " + err.Error()}
		}
		req.Filters, _ = v.(map[string]interface{})
	}
	for _, rule := range r.rules {
		req.RankingRules = append(req.RankingRules, models.RankingRule(rule))
	}

	stepCtx, cancel := in.stepContext(ctx, r.timeout)
	defer cancel()
	cands, err := in.search.Search(stepCtx, req)
	if err != nil {
		return nil, failure(stepCtx, models.ErrorRetrieve, cs.id, err)
	}
	list, err := normalizeJSON(cands)
	if err != nil {
		return nil, &models.StepError{Kind: models.ErrorRetrieve, StepID: cs.id, Message: err.Error()}
	}
	items, _ := list.([]interface{})
	if items == nil {
		items = []interface{}{}
	}
	var top interface{}
	if len(items) > 0 {
		top = items[0]
	}
	return map[string]interface{}{"candidates": items, "count": float64(len(items)), "top": top}, nil
}
