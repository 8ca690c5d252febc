package arbiter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/oracle"
)

const systemPrompt = `You choose exactly one action for a user request from a ranked list of candidate resources.

Actions:
- RETURN_RESULT: answer from one RESULT, DOC or STRUCTURED candidate. Never pick a candidate marked expired.
- EXECUTE_WORKFLOW: run one WORKFLOW candidate marked allowed, only when the user asks for an action and no required input is missing.
- ASK_CLARIFY: ask the user one or more questions when a required input is missing or the request is ambiguous.
- FALLBACK: nothing fits.

Output a JSON object with keys action_type, selected {resource_id, resource_type, confidence}, reason {why_best_fit, tradeoffs}, execution {required, executor_resource_id, input}, clarify {required, questions}.
selected.resource_id must be copied from the candidates. execution.required is true only for EXECUTE_WORKFLOW; clarify.questions is non-empty only for ASK_CLARIFY.`

// checker validates oracle output against the schema and the candidate set.
type checker struct {
	schema *jsonschema.Schema
}

func newChecker() (*checker, error) {
	s, err := compileOutcomeSchema()
	if err != nil {
		return nil, fmt.Errorf("compile decision outcome schema: %w", err)
	}
	return &checker{schema: s}, nil
}

type promptCandidate struct {
	ResourceID   string              `json:"resource_id"`
	ResourceType models.ResourceType `json:"resource_type"`
	Title        string              `json:"title,omitempty"`
	TotalScore   float64             `json:"total_score"`
	Scores       models.SubScores    `json:"scores"`
	Expired      bool                `json:"expired,omitempty"`
	Stale        bool                `json:"stale,omitempty"`
	RiskLevel    string              `json:"risk_level,omitempty"`
	Allowed      *bool               `json:"allowed,omitempty"`
	Missing      []string            `json:"missing_inputs,omitempty"`
	Inputs       []models.InputField `json:"inputs,omitempty"`
}

type prompt struct {
	Message    string                 `json:"message"`
	Plan       *models.Plan           `json:"plan"`
	Inputs     map[string]interface{} `json:"known_inputs,omitempty"`
	Candidates []promptCandidate      `json:"candidates"`
}

func (a *Arbiter) userPrompt(req *Request, v *view) (string, error) {
	p := prompt{Message: req.Message, Plan: req.Plan, Inputs: v.inputs}
	now := a.now()
	for i := range v.cands {
		c := &v.cands[i]
		pc := promptCandidate{
			ResourceID:   c.ResourceID,
			ResourceType: c.ResourceType,
			Title:        c.Title,
			TotalScore:   c.TotalScore,
			Scores:       c.Scores,
			Expired:      c.Expired,
			Stale:        c.Stale(now),
		}
		if c.ResourceType == models.ResourceWorkflow {
			allowed := v.allowed[c.ResourceID]
			pc.Allowed = &allowed
			pc.RiskLevel = riskOf(c)
			pc.Inputs = c.Metadata.Inputs
			for _, f := range v.missing[c.ResourceID] {
				pc.Missing = append(pc.Missing, f.Name)
			}
		}
		p.Candidates = append(p.Candidates, pc)
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// consult asks the oracle, retrying with a corrective message on invalid
// output. It returns nil when every attempt failed.
func (a *Arbiter) consult(ctx context.Context, req *Request, v *view) *models.DecisionOutcome {
	user, err := a.userPrompt(req, v)
	if err != nil {
		a.logger.Error("Failed to render decision prompt", zap.Error(err))
		return nil
	}
	temp := 0.1
	msgs := []oracle.Message{{Role: oracle.RoleUser, Content: user}}
	attempts := 1 + a.cfg.OracleRetries
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := ctx, func() {}
		if a.cfg.OracleTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, a.cfg.OracleTimeout)
		}
		resp, err := a.oracle.Complete(callCtx, oracle.Request{System: systemPrompt, Messages: msgs, JSON: true, Temperature: &temp})
		cancel()
		if err == nil && resp == nil {
			err = oracle.ErrEmptyResponse
		}
		if err != nil {
			metrics.OracleAttempts.WithLabelValues("error").Inc()
			a.logger.Warn("Decision oracle call failed", zap.Int("attempt", attempt), zap.Error(err))
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		out, problems := a.checker.check(resp.Content, v)
		if len(problems) == 0 {
			metrics.OracleAttempts.WithLabelValues("ok").Inc()
			out.Source = models.SourceOracle
			out.Attempts = attempt
			return out
		}
		metrics.OracleAttempts.WithLabelValues("invalid").Inc()
		a.logger.Warn("Decision oracle output rejected",
			zap.Int("attempt", attempt),
			zap.Strings("problems", problems))
		msgs = append(msgs,
			oracle.Message{Role: oracle.RoleAssistant, Content: resp.Content},
			oracle.Message{Role: oracle.RoleUser, Content: corrective(problems)})
	}
	return nil
}

func corrective(problems []string) string {
	return "Your previous output was rejected:\n- " + strings.Join(problems, "\n- ") +
		"\nAnswer again with one JSON object that fixes every problem. selected.resource_id must be one of the candidate ids."
}

// check parses raw oracle output and returns the outcome plus every problem found.
func (c *checker) check(raw string, v *view) (*models.DecisionOutcome, []string) {
	body := oracle.ExtractJSON(raw)
	var doc interface{}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, []string{"output is not valid JSON: " + err.Error()}
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, []string{"output does not match the schema: " + err.Error()}
	}
	var out models.DecisionOutcome
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, []string{"output does not decode: " + err.Error()}
	}
	return &out, semantic(&out, v)
}

// semantic applies the rules that depend on the candidate set.
func semantic(out *models.DecisionOutcome, v *view) []string {
	var problems []string
	add := func(format string, args ...interface{}) { problems = append(problems, fmt.Sprintf(format, args...)) }

	var cand *models.Candidate
	if out.Selected != nil {
		cand = v.byID[out.Selected.ResourceID]
		switch {
		case cand == nil:
			add("selected.resource_id %q is not a candidate", out.Selected.ResourceID)
		case cand.ResourceType != out.Selected.ResourceType:
			add("selected.resource_type %s does not match candidate type %s", out.Selected.ResourceType, cand.ResourceType)
		}
	}
	if out.ActionType != models.ActionExecuteWorkflow && out.Execution.Required {
		add("execution.required must be false for %s", out.ActionType)
	}
	if out.ActionType != models.ActionAskClarify && len(out.Clarify.Questions) > 0 {
		add("clarify.questions must be empty for %s", out.ActionType)
	}

	switch out.ActionType {
	case models.ActionReturnResult:
		if out.Selected == nil {
			add("RETURN_RESULT requires selected")
		} else if cand != nil {
			switch cand.ResourceType {
			case models.ResourceResult, models.ResourceDoc, models.ResourceStructured:
			default:
				add("RETURN_RESULT cannot select a %s candidate", cand.ResourceType)
			}
			if !cand.Returnable() {
				add("candidate %s is expired and cannot be returned", cand.ResourceID)
			}
		}
	case models.ActionExecuteWorkflow:
		if out.Selected == nil {
			add("EXECUTE_WORKFLOW requires selected")
			break
		}
		if !out.Execution.Required {
			add("execution.required must be true for EXECUTE_WORKFLOW")
		}
		if out.Execution.ExecutorResourceID != "" && out.Execution.ExecutorResourceID != out.Selected.ResourceID {
			add("execution.executor_resource_id must equal selected.resource_id")
		}
		if cand == nil || cand.ResourceType != models.ResourceWorkflow {
			break
		}
		if !v.allowed[cand.ResourceID] {
			add("workflow %s exceeds the tenant risk threshold", cand.ResourceID)
		}
		merged := workflowInput(cand, out.Execution.Input, v.inputs)
		if missing := missingInputs(cand.Metadata.Inputs, merged); len(missing) > 0 {
			names := make([]string, len(missing))
			for i, f := range missing {
				names[i] = f.Name
			}
			add("workflow %s is missing required inputs %s; choose ASK_CLARIFY", cand.ResourceID, strings.Join(names, ", "))
		}
	case models.ActionAskClarify:
		if len(out.Clarify.Questions) == 0 {
			add("ASK_CLARIFY requires at least one question")
		}
		if !out.Clarify.Required {
			add("clarify.required must be true for ASK_CLARIFY")
		}
	case models.ActionFallback:
		out.Selected = nil
	}
	return problems
}
