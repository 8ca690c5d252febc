// Package workflow loads versioned step graphs and interprets them.
package workflow

import (
	"time"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
)

// StepKind is the closed set of step types.
type StepKind string

const (
	KindTool      StepKind = "TOOL"
	KindCondition StepKind = "CONDITION"
	KindTransform StepKind = "TRANSFORM"
	KindRetrieve  StepKind = "RETRIEVE"
	KindParallel  StepKind = "PARALLEL"
)

// Risk levels, lowest first.
var riskRank = map[string]int{"low": 1, "medium": 2, "high": 3, "critical": 4}

// Definition is a workflow as authored in YAML or JSON. FreshnessPolicy is the
// registry resource's policy; ttl_seconds wins over it.
type Definition struct {
	ID              string                  `yaml:"id" json:"id"`
	Version         string                  `yaml:"version" json:"version"`
	ResourceID      string                  `yaml:"resource_id,omitempty" json:"resource_id,omitempty"`
	TenantID        string                  `yaml:"tenant_id" json:"tenant_id"`
	Title           string                  `yaml:"title" json:"title"`
	Description     string                  `yaml:"description,omitempty" json:"description,omitempty"`
	WhenToUse       string                  `yaml:"when_to_use,omitempty" json:"when_to_use,omitempty"`
	Tags            []string                `yaml:"tags,omitempty" json:"tags,omitempty"`
	Capabilities    []string                `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Status          string                  `yaml:"status,omitempty" json:"status,omitempty"`
	RiskLevel       string                  `yaml:"risk_level,omitempty" json:"risk_level,omitempty"`
	Cost            float64                 `yaml:"cost,omitempty" json:"cost,omitempty"`
	TTLSeconds      int                     `yaml:"ttl_seconds,omitempty" json:"ttl_seconds,omitempty"`
	FreshnessPolicy *models.FreshnessPolicy `yaml:"freshness_policy,omitempty" json:"freshness_policy,omitempty"`
	Inputs          []models.InputField     `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	InputSchema     map[string]interface{}  `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	Steps           []Step                  `yaml:"steps" json:"steps"`
	// Output maps result payload fields to expressions over input and steps.
	// Empty means every executed top-level step output keyed by step id.
	Output map[string]string `yaml:"output,omitempty" json:"output,omitempty"`
}

// Resource returns the resource id the registry exposes for this definition.
func (d *Definition) Resource() string {
	if d.ResourceID != "" {
		return d.ResourceID
	}
	return d.ID
}

// Descriptor is the registry's resource view of the definition.
func (d *Definition) Descriptor() models.Resource {
	status := d.Status
	if status == "" {
		status = models.StatusActive
	}
	return models.Resource{
		ID:              d.Resource(),
		Type:            models.ResourceWorkflow,
		TenantID:        d.TenantID,
		Tags:            d.Tags,
		Status:          status,
		FreshnessPolicy: d.FreshnessPolicy,
	}
}

// TTL returns the workflow-declared result TTL, or zero.
func (d *Definition) TTL() time.Duration {
	if d.TTLSeconds <= 0 {
		return 0
	}
	return time.Duration(d.TTLSeconds) * time.Second
}

// Active reports whether the definition may be retrieved and executed.
func (d *Definition) Active() bool {
	return d.Status == "" || d.Status == models.StatusActive
}

// Step is one node of the step graph. Config is decoded per Kind at compile time.
type Step struct {
	ID        string                 `yaml:"step_id" json:"step_id"`
	Kind      StepKind               `yaml:"kind" json:"kind"`
	Config    map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
	DependsOn []string               `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// ToolConfig calls a named tool with a templated input.
type ToolConfig struct {
	Tool    string                 `json:"tool"`
	Input   map[string]interface{} `json:"input,omitempty"`
	Timeout string                 `json:"timeout,omitempty"`
}

// ConditionConfig picks the then or else step list.
type ConditionConfig struct {
	Expression string   `json:"expression"`
	Then       []string `json:"then,omitempty"`
	Else       []string `json:"else,omitempty"`
}

// TransformConfig reshapes data in scope. Exactly one of Expression or Mapping.
type TransformConfig struct {
	Expression string            `json:"expression,omitempty"`
	Mapping    map[string]string `json:"mapping,omitempty"`
}

// RetrieveConfig runs a nested retrieval.
type RetrieveConfig struct {
	Target       string                 `json:"target"`
	Query        string                 `json:"query"`
	TopK         int                    `json:"top_k,omitempty"`
	Filters      map[string]interface{} `json:"filters,omitempty"`
	RankingRules []string               `json:"ranking_rules,omitempty"`
	Timeout      string                 `json:"timeout,omitempty"`
}

// ParallelConfig fans out to named branches.
type ParallelConfig struct {
	Branches []BranchConfig `json:"branches"`
}

// BranchConfig is one PARALLEL branch: an ordered step list.
type BranchConfig struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Timeout  string `json:"timeout,omitempty"`
	Steps    []Step `json:"steps"`
}
