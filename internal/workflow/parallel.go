package workflow

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
)

// runParallel runs every branch on its own copy of the frame; at most
// MaxParallel branches run at once. A required branch failure cancels the
// remaining branches and fails the step. An optional branch failure degrades
// the step.
func (in *Interpreter) runParallel(ctx context.Context, f *frame, cs *compiledStep) (interface{}, []models.BranchState, bool, *models.StepError) {
	branches := cs.parallel.branches
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(in.cfg.MaxParallel))
	states := make([]models.BranchState, len(branches))
	outputs := make([]map[string]interface{}, len(branches))

	var (
		wg       sync.WaitGroup
		once     sync.Once
		required *models.StepError
	)
	for i, b := range branches {
		wg.Add(1)
		go func(i int, b *branch) {
			defer wg.Done()
			if err := sem.Acquire(pctx, 1); err != nil {
				states[i] = models.BranchState{
					Name:     b.name,
					Required: b.required,
					Status:   models.StepFailed,
					Error:    &models.StepError{Kind: contextKind(err), StepID: cs.id, Branch: b.name, Message: err.Error()},
				}
			} else {
				bctx := pctx
				if b.timeout > 0 {
					var bcancel context.CancelFunc
					bctx, bcancel = context.WithTimeout(pctx, b.timeout)
					defer bcancel()
				}
				states[i], outputs[i] = in.runBranch(bctx, f.fork(), b)
				sem.Release(1)
			}
			if states[i].Status == models.StepFailed && b.required {
				once.Do(func() {
					e := states[i].Error
					required = &models.StepError{
						Kind:    e.Kind,
						StepID:  cs.id,
						Branch:  b.name,
						Message: fmt.Sprintf("required branch %s failed at step %s: %s", b.name, e.StepID, e.Message),
					}
					cancel()
				})
			}
		}(i, b)
	}
	wg.Wait()

	if required != nil {
		return nil, states, false, required
	}
	if err := ctx.Err(); err != nil {
		return nil, states, false, &models.StepError{Kind: contextKind(err), StepID: cs.id, Message: err.Error()}
	}

	byName := make(map[string]interface{}, len(branches))
	degradedNames := []interface{}{}
	for i, b := range branches {
		if states[i].Status == models.StepFailed {
			degradedNames = append(degradedNames, b.name)
			continue
		}
		if states[i].Status == models.StepDegraded {
			degradedNames = append(degradedNames, b.name)
		}
		byName[b.name] = outputs[i]
		for id, v := range outputs[i] {
			f.outputs[id] = v
		}
	}
	out := map[string]interface{}{"branches": byName, "degraded": degradedNames}
	return out, states, len(degradedNames) > 0, nil
}

// runBranch runs a branch's steps in order, stopping at the first failure.
func (in *Interpreter) runBranch(ctx context.Context, f *frame, b *branch) (models.BranchState, map[string]interface{}) {
	state := models.BranchState{Name: b.name, Required: b.required, Status: models.StepSucceeded}
	out := make(map[string]interface{}, len(b.steps))
	for _, cs := range b.steps {
		st := in.runStep(ctx, f, cs)
		state.Steps = append(state.Steps, st)
		switch st.Status {
		case models.StepFailed:
			state.Status = models.StepFailed
			state.Error = st.Error
			return state, out
		case models.StepDegraded:
			state.Status = models.StepDegraded
		}
		if st.Status != models.StepSkipped {
			out[cs.id] = st.Output
		}
	}
	return state, out
}
