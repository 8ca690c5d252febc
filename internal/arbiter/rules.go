package arbiter

import (
	"context"
	"fmt"
	"sort"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/policy"
)

// view is the per-request read-only picture the rules and the oracle share.
type view struct {
	cands    []models.Candidate
	byID     map[string]*models.Candidate
	action   bool
	inputs   map[string]interface{}
	allowed  map[string]bool
	missing  map[string][]models.InputField
	tenantID string
}

func (a *Arbiter) view(ctx context.Context, req *Request) *view {
	cands := append([]models.Candidate(nil), req.Candidates...)
	if a.cfg.MaxCandidates > 0 && len(cands) > a.cfg.MaxCandidates {
		cands = cands[:a.cfg.MaxCandidates]
	}
	v := &view{
		cands:    cands,
		byID:     make(map[string]*models.Candidate, len(cands)),
		action:   req.Plan.NeedsWorkflow || a.actionIntent(req.Plan.Intent.Name),
		inputs:   req.inputs(),
		allowed:  map[string]bool{},
		missing:  map[string][]models.InputField{},
		tenantID: req.Scope.TenantID,
	}
	maxRisk := a.tenancy.MaxRiskFor(req.Scope.TenantID)
	for i := range cands {
		c := &cands[i]
		if _, dup := v.byID[c.ResourceID]; !dup {
			v.byID[c.ResourceID] = c
		}
		if c.ResourceType != models.ResourceWorkflow {
			continue
		}
		v.allowed[c.ResourceID] = a.policy == nil || a.policy.Allowed(ctx, policy.RiskInput{
			TenantID:   req.Scope.TenantID,
			WorkflowID: c.Metadata.WorkflowID,
			RiskLevel:  c.Metadata.RiskLevel,
			MaxRisk:    maxRisk,
		})
		v.missing[c.ResourceID] = missingInputs(c.Metadata.Inputs, v.inputs)
	}
	return v
}

func (a *Arbiter) actionIntent(intent string) bool {
	for _, i := range a.cfg.ActionIntents {
		if i == intent {
			return true
		}
	}
	return false
}

// hardRules is the deterministic phase. It returns nil when no rule settles
// the request unambiguously.
func (a *Arbiter) hardRules(v *view) *models.DecisionOutcome {
	if out, ambiguous := a.resultRule(v); out != nil || ambiguous {
		return out
	}
	if out, ambiguous := a.docRule(v); out != nil || ambiguous {
		return out
	}
	return a.workflowRule(v)
}

// qualifying returns candidates of type t passing keep, best first.
func qualifying(cands []models.Candidate, t models.ResourceType, keep func(*models.Candidate) bool) []*models.Candidate {
	var out []*models.Candidate
	for i := range cands {
		if cands[i].ResourceType == t && keep(&cands[i]) {
			out = append(out, &cands[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TotalScore > out[j].TotalScore })
	return out
}

// ambiguous reports whether the runner-up is too close to the best to choose
// without the oracle.
func (a *Arbiter) ambiguous(q []*models.Candidate) bool {
	return len(q) > 1 && q[0].TotalScore-q[1].TotalScore < a.cfg.AmbiguityMargin
}

func (a *Arbiter) resultRule(v *view) (*models.DecisionOutcome, bool) {
	q := qualifying(v.cands, models.ResourceResult, func(c *models.Candidate) bool {
		return c.Returnable() && c.TotalScore >= a.cfg.ResultThreshold
	})
	if len(q) == 0 {
		return nil, false
	}
	if a.ambiguous(q) {
		return nil, true
	}
	c := q[0]
	reason := models.Reason{WhyBestFit: []string{
		"stored result within freshness",
		fmt.Sprintf("score %.2f", c.TotalScore),
	}}
	if c.Stale(a.now()) {
		reason.Tradeoffs = append(reason.Tradeoffs, "result is past fresh_until and served within the grace window")
	}
	return selectOutcome(models.ActionReturnResult, c, reason), false
}

func (a *Arbiter) docRule(v *view) (*models.DecisionOutcome, bool) {
	docs := qualifying(v.cands, models.ResourceDoc, func(*models.Candidate) bool { return true })
	if len(docs) == 0 || docs[0].TotalScore < a.cfg.DocThreshold {
		return nil, false
	}
	k := a.cfg.CoverageTopK
	if k <= 0 || k > len(docs) {
		k = len(docs)
	}
	var coverage float64
	for _, d := range docs[:k] {
		coverage += d.TotalScore
	}
	if coverage < a.cfg.CoverageThreshold {
		return nil, false
	}
	q := qualifying(v.cands, models.ResourceDoc, func(c *models.Candidate) bool { return c.TotalScore >= a.cfg.DocThreshold })
	if a.ambiguous(q) {
		return nil, true
	}
	c := q[0]
	return selectOutcome(models.ActionReturnResult, c, models.Reason{WhyBestFit: []string{
		"documents cover the question",
		fmt.Sprintf("score %.2f, top-%d coverage %.2f", c.TotalScore, k, coverage),
	}}), false
}

func (a *Arbiter) workflowRule(v *view) *models.DecisionOutcome {
	if !v.action {
		return nil
	}
	q := qualifying(v.cands, models.ResourceWorkflow, func(c *models.Candidate) bool {
		return c.TotalScore >= a.cfg.WorkflowThreshold && v.allowed[c.ResourceID]
	})
	if len(q) == 0 || a.ambiguous(q) {
		return nil
	}
	c := q[0]
	if missing := v.missing[c.ResourceID]; len(missing) > 0 {
		out := selectOutcome(models.ActionAskClarify, c, models.Reason{
			WhyBestFit: []string{"workflow matches the request", "required inputs are missing"},
		})
		out.Clarify = models.Clarify{Required: true, Questions: questions(missing)}
		return out
	}
	return selectOutcome(models.ActionExecuteWorkflow, c, models.Reason{WhyBestFit: []string{
		"explicit action request",
		"all required inputs present",
		fmt.Sprintf("risk %s within tenant threshold", riskOf(c)),
	}})
}

func selectOutcome(action models.ActionType, c *models.Candidate, reason models.Reason) *models.DecisionOutcome {
	return &models.DecisionOutcome{
		ActionType: action,
		Selected:   &models.Selected{ResourceID: c.ResourceID, ResourceType: c.ResourceType, Confidence: clamp01(c.TotalScore)},
		Reason:     reason,
		Source:     models.SourceHardRule,
	}
}

func riskOf(c *models.Candidate) string {
	if c.Metadata.RiskLevel == "" {
		return "low"
	}
	return c.Metadata.RiskLevel
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func present(v interface{}, ok bool) bool {
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return false
	}
	return true
}

func missingInputs(fields []models.InputField, inputs map[string]interface{}) []models.InputField {
	var out []models.InputField
	for _, f := range fields {
		if !f.Required {
			continue
		}
		if v, ok := inputs[f.Name]; !present(v, ok) {
			out = append(out, f)
		}
	}
	return out
}

func questions(fields []models.InputField) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		switch {
		case f.Question != "":
			out = append(out, f.Question)
		case f.Description != "":
			out = append(out, fmt.Sprintf("Please provide %s (%s).", f.Name, f.Description))
		default:
			out = append(out, fmt.Sprintf("Please provide %s.", f.Name))
		}
	}
	return out
}

// workflowInput merges known inputs with oracle-proposed ones, keeping only
// declared fields when the workflow declares any.
func workflowInput(c *models.Candidate, proposed, known map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(known)+len(proposed))
	for k, v := range proposed {
		merged[k] = v
	}
	for k, v := range known {
		if present(v, true) {
			merged[k] = v
		}
	}
	if len(c.Metadata.Inputs) == 0 {
		return merged
	}
	out := make(map[string]interface{}, len(c.Metadata.Inputs))
	for _, f := range c.Metadata.Inputs {
		if v, ok := merged[f.Name]; present(v, ok) {
			out[f.Name] = v
		}
	}
	return out
}
