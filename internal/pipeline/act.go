package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/evidence"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/resultcache"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/workflow"
)

const (
	fallbackAnswer = "I could not find a reliable answer to that. Could you rephrase or add more detail?"
	expiredAnswer  = "The stored result expired before it could be returned. Please ask again to refresh it."
	inFlightAnswer = "This request is already being processed. Check back shortly for the result."

	partialNote = "some optional workflow branches failed; the result is partial"
)

// ErrWorkflowUnavailable is returned when a committed EXECUTE_WORKFLOW names a
// workflow the catalog no longer resolves for the tenant.
var ErrWorkflowUnavailable = errors.New("selected workflow is not available")

// act carries out the committed action. It returns the evidence selection,
// or sets resp.Answer when the action answers without evidence.
func (p *Pipeline) act(ctx context.Context, t *Trace, resp *Response) (evidence.Selection, error) {
	d := t.Decision
	switch d.ActionType {
	case models.ActionReturnResult:
		return p.returnResult(ctx, t, resp)
	case models.ActionExecuteWorkflow:
		return p.executeWorkflow(ctx, t, resp)
	case models.ActionAskClarify:
		resp.Questions = d.Clarify.Questions
		resp.Answer = strings.Join(d.Clarify.Questions, "\n")
		return evidence.Selection{}, nil
	default:
		resp.Answer = fallbackAnswer
		return evidence.Selection{}, nil
	}
}

func (p *Pipeline) candidate(t *Trace, id string) (models.Candidate, bool) {
	for _, c := range t.Candidates {
		if c.ResourceID == id {
			return c, true
		}
	}
	return models.Candidate{}, false
}

func (p *Pipeline) returnResult(ctx context.Context, t *Trace, resp *Response) (evidence.Selection, error) {
	sel := t.Decision.Selected
	c, ok := p.candidate(t, sel.ResourceID)
	if !ok {
		return evidence.Selection{}, fmt.Errorf("selected resource %s is not in the trace candidates", sel.ResourceID)
	}
	if c.ResourceType != models.ResourceResult {
		return p.supporting(t, c), nil
	}

	// Freshness is decided again at read time; the record may have aged
	// since retrieval.
	l, err := p.deps.Results.Get(ctx, t.Scope.TenantID, t.Scope.UserID, c.ResourceID)
	if err != nil {
		return evidence.Selection{}, err
	}
	switch l.Status {
	case resultcache.Miss:
		resp.Answer = expiredAnswer
		resp.Notes = append(resp.Notes, "result "+c.ResourceID+" is past its grace window")
		return evidence.Selection{}, nil
	case resultcache.Stale:
		resp.Stale = true
		resp.Notes = append(resp.Notes, "result is past fresh_until and served within the grace window")
	}
	if l.Record.Degraded {
		resp.Notes = append(resp.Notes, partialNote)
	}
	return evidence.Selection{Sources: []evidence.Source{evidence.FromResult(l.Record)}}, nil
}

// supporting selects the chosen candidate followed by other returnable
// candidates of the same type above the support threshold, in rank order.
func (p *Pipeline) supporting(t *Trace, primary models.Candidate) evidence.Selection {
	sources := []evidence.Source{evidence.FromCandidate(primary)}
	for _, c := range t.Candidates {
		if c.ResourceID == primary.ResourceID && c.Metadata.ChunkID == primary.Metadata.ChunkID {
			continue
		}
		if c.ResourceType != primary.ResourceType || !c.Returnable() || c.TotalScore < p.cfg.Evidence.SupportThreshold {
			continue
		}
		sources = append(sources, evidence.FromCandidate(c))
	}
	return evidence.Selection{Sources: sources}
}

func (p *Pipeline) executeWorkflow(ctx context.Context, t *Trace, resp *Response) (evidence.Selection, error) {
	d := t.Decision
	prog, ok := p.deps.Catalog.ByResource(t.Scope.TenantID, d.Execution.ExecutorResourceID)
	if !ok {
		return evidence.Selection{}, fmt.Errorf("%w: %s", ErrWorkflowUnavailable, d.Execution.ExecutorResourceID)
	}
	t.IdempotencyKey = d.Execution.IdempotencyKey

	exec, err := p.deps.Executor.Execute(ctx, workflow.ExecuteRequest{
		Program:        prog,
		Scope:          t.Scope,
		Input:          d.Execution.Input,
		IdempotencyKey: d.Execution.IdempotencyKey,
		Freshness:      prog.Def.Descriptor().FreshnessPolicy,
	})
	var runErr *workflow.RunError
	switch {
	case errors.As(err, &runErr):
	case err != nil:
		return evidence.Selection{}, err
	}
	if exec == nil || exec.Run == nil {
		return evidence.Selection{}, fmt.Errorf("workflow %s returned no run", prog.Def.ID)
	}

	run := exec.Run
	resp.Run = &RunSummary{
		RunID:          run.RunID,
		WorkflowID:     run.WorkflowID,
		Version:        run.Version,
		Status:         run.Status,
		Reused:         exec.Reused,
		ResultRecordID: run.ResultRecordID,
		Payload:        run.ResultPayload,
		Error:          run.Error,
	}

	switch run.Status {
	case models.RunFailed:
		resp.Answer = failureAnswer(prog, run.Error)
		return evidence.Selection{}, nil
	case models.RunSucceeded, models.RunDegraded:
	default:
		resp.Answer = inFlightAnswer
		return evidence.Selection{}, nil
	}
	if run.Status == models.RunDegraded {
		resp.Notes = append(resp.Notes, partialNote)
	}

	rec := exec.Record
	if rec == nil && run.ResultRecordID != "" {
		l, err := p.deps.Results.Get(ctx, t.Scope.TenantID, t.Scope.UserID, run.ResultRecordID)
		if err != nil {
			p.logger.Warn("Failed to read result of reused run",
				zap.String("run_id", run.RunID), zap.Error(err))
		} else if l.Hit() {
			rec = l.Record
		}
	}
	if rec == nil {
		// Reused runs whose record aged out answer from the run payload.
		rec = &models.ResultRecord{RecordID: runRecordID(run), Content: run.ResultPayload}
	}
	return evidence.Selection{Sources: []evidence.Source{evidence.FromResult(rec)}}, nil
}

func runRecordID(run *models.WorkflowRun) string {
	if run.ResultRecordID != "" {
		return run.ResultRecordID
	}
	return run.RunID
}

func failureAnswer(prog *workflow.Program, e *models.StepError) string {
	title := prog.Def.Title
	if title == "" {
		title = prog.Def.ID
	}
	if e == nil {
		return fmt.Sprintf("The %s workflow failed.", title)
	}
	return fmt.Sprintf("The %s workflow failed at step %s (%s).", title, e.StepID, e.Kind)
}
