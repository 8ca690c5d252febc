package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/validation"
)

// ValidationIssue captures a single validation failure with a stable code for metrics.
type ValidationIssue struct {
	Code    string
	Message string
}

// ValidationError aggregates definition validation failures.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "workflow validation failed"
	}
	if len(e.Issues) == 1 {
		return e.Issues[0].Message
	}
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Message
	}
	return fmt.Sprintf("%d validation errors: %s", len(e.Issues), strings.Join(msgs, "; "))
}

// Codes returns the issue codes in order.
func (e *ValidationError) Codes() []string {
	out := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		out[i] = issue.Code
	}
	return out
}

type validator struct {
	issues []ValidationIssue
	ids    map[string]bool
}

func (v *validator) add(code, format string, args ...interface{}) {
	v.issues = append(v.issues, ValidationIssue{Code: code, Message: fmt.Sprintf(format, args...)})
}

// ValidateDefinition performs structural checks. Step ids must be unique
// across the whole definition, including steps nested in PARALLEL branches.
func ValidateDefinition(def *Definition) error {
	if def == nil {
		return &ValidationError{Issues: []ValidationIssue{{Code: "workflow_nil", Message: "workflow is nil"}}}
	}
	v := &validator{ids: make(map[string]bool)}

	if strings.TrimSpace(def.ID) == "" {
		v.add("workflow_id_missing", "workflow id is required")
	}
	if strings.TrimSpace(def.TenantID) == "" {
		v.add("workflow_tenant_missing", "workflow %s: tenant_id is required", def.ID)
	}
	if _, err := semver.StrictNewVersion(def.Version); err != nil {
		v.add("workflow_version_invalid", "workflow %s: version %q is not semver", def.ID, def.Version)
	}
	switch def.Status {
	case "", models.StatusActive, models.StatusDisabled, models.StatusDeprecated:
	default:
		v.add("workflow_status_invalid", "workflow %s: unknown status %q", def.ID, def.Status)
	}
	if def.RiskLevel != "" {
		if _, ok := riskRank[def.RiskLevel]; !ok {
			v.add("workflow_risk_invalid", "workflow %s: unknown risk_level %q", def.ID, def.RiskLevel)
		}
	}
	if def.TTLSeconds < 0 {
		v.add("workflow_ttl_negative", "workflow %s: ttl_seconds must not be negative", def.ID)
	}
	if def.FreshnessPolicy != nil && def.FreshnessPolicy.TTLSeconds < 0 {
		v.add("freshness_ttl_negative", "workflow %s: freshness_policy.ttl_seconds must not be negative", def.ID)
	}
	seenInput := map[string]bool{}
	for _, in := range def.Inputs {
		if in.Name == "" {
			v.add("input_name_missing", "workflow %s: input without name", def.ID)
		} else if seenInput[in.Name] {
			v.add("input_duplicate", "workflow %s: duplicate input %q", def.ID, in.Name)
		}
		seenInput[in.Name] = true
	}
	if len(def.Steps) == 0 {
		v.add("workflow_steps_missing", "workflow %s: at least one step is required", def.ID)
	}
	v.steps(def.Steps, "")
	for field := range def.Output {
		if field == "" {
			v.add("output_field_missing", "workflow %s: output field without name", def.ID)
		}
	}

	if len(v.issues) > 0 {
		return &ValidationError{Issues: v.issues}
	}
	return nil
}

// steps validates one step list (top level or a branch). scope names the branch.
func (v *validator) steps(steps []Step, scope string) {
	local := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			v.add("step_id_missing", "step without step_id%s", where(scope))
			continue
		}
		if v.ids[s.ID] {
			v.add("step_id_duplicate", "duplicate step_id %q%s", s.ID, where(scope))
		}
		v.ids[s.ID] = true
		local[s.ID] = true
	}

	res := validation.Order(graphNodes(steps))
	for id, missing := range res.Missing {
		v.add("dependency_unknown", "step %s depends on unknown step(s) %s%s", id, strings.Join(missing, ","), where(scope))
	}
	if res.HasCycle {
		v.add("dependency_cycle", "circular dependency %s%s", strings.Join(res.CyclePath, " -> "), where(scope))
	}

	for _, s := range steps {
		v.step(s, local, scope)
	}
}

func (v *validator) step(s Step, local map[string]bool, scope string) {
	switch s.Kind {
	case KindTool:
		var c ToolConfig
		if v.decode(s, &c) {
			if c.Tool == "" {
				v.add("tool_name_missing", "step %s: config.tool is required", s.ID)
			}
			v.duration(s.ID, c.Timeout)
		}
	case KindCondition:
		var c ConditionConfig
		if v.decode(s, &c) {
			if c.Expression == "" {
				v.add("condition_expression_missing", "step %s: config.expression is required", s.ID)
			}
			for _, target := range append(append([]string{}, c.Then...), c.Else...) {
				if !local[target] {
					v.add("condition_target_unknown", "step %s: branch target %q is not a step%s", s.ID, target, where(scope))
				}
				if target == s.ID {
					v.add("condition_target_self", "step %s: branch cannot target itself", s.ID)
				}
			}
		}
	case KindTransform:
		var c TransformConfig
		if v.decode(s, &c) {
			if (c.Expression == "") == (len(c.Mapping) == 0) {
				v.add("transform_config_invalid", "step %s: set exactly one of expression or mapping", s.ID)
			}
		}
	case KindRetrieve:
		var c RetrieveConfig
		if v.decode(s, &c) {
			if !models.ResourceType(strings.ToUpper(c.Target)).Valid() {
				v.add("retrieve_target_invalid", "step %s: unknown target %q", s.ID, c.Target)
			}
			if c.Query == "" {
				v.add("retrieve_query_missing", "step %s: config.query is required", s.ID)
			}
			v.duration(s.ID, c.Timeout)
		}
	case KindParallel:
		var c ParallelConfig
		if v.decode(s, &c) {
			if len(c.Branches) == 0 {
				v.add("parallel_branches_missing", "step %s: at least one branch is required", s.ID)
			}
			names := map[string]bool{}
			for _, b := range c.Branches {
				if b.Name == "" {
					v.add("branch_name_missing", "step %s: branch without name", s.ID)
				} else if names[b.Name] {
					v.add("branch_name_duplicate", "step %s: duplicate branch %q", s.ID, b.Name)
				}
				names[b.Name] = true
				if len(b.Steps) == 0 {
					v.add("branch_steps_missing", "step %s: branch %q has no steps", s.ID, b.Name)
				}
				v.duration(s.ID, b.Timeout)
				v.steps(b.Steps, s.ID+"/"+b.Name)
			}
		}
	default:
		v.add("step_kind_invalid", "step %s: unknown kind %q", s.ID, s.Kind)
	}
}

func (v *validator) decode(s Step, out interface{}) bool {
	if err := decodeConfig(s.Config, out); err != nil {
		v.add("step_config_invalid", "step %s: %v", s.ID, err)
		return false
	}
	return true
}

func (v *validator) duration(stepID, d string) {
	if d == "" {
		return
	}
	if p, err := time.ParseDuration(d); err != nil || p <= 0 {
		v.add("step_timeout_invalid", "step %s: invalid timeout %q", stepID, d)
	}
}

func decodeConfig(cfg map[string]interface{}, out interface{}) error {
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func where(scope string) string {
	if scope == "" {
		return ""
	}
	return " in " + scope
}
