package models

import "time"

// ResourceType identifies the backing store a resource lives in.
type ResourceType string

const (
	ResourceDoc        ResourceType = "DOC"
	ResourceWorkflow   ResourceType = "WORKFLOW"
	ResourceResult     ResourceType = "RESULT"
	ResourceStructured ResourceType = "STRUCTURED"
	ResourceTool       ResourceType = "TOOL"
)

// Valid reports whether t is one of the known resource types.
func (t ResourceType) Valid() bool {
	switch t {
	case ResourceDoc, ResourceWorkflow, ResourceResult, ResourceStructured, ResourceTool:
		return true
	}
	return false
}

// Resource statuses
const (
	StatusActive     = "active"
	StatusDisabled   = "disabled"
	StatusDeprecated = "deprecated"
)

// GraceWindow is how long a result stays usable after fresh_until.
const GraceWindow = 300 * time.Second

// DefaultResultTTL applies when neither the workflow nor the resource declares a TTL.
const DefaultResultTTL = 3600 * time.Second

// FreshnessPolicy overrides the global result TTL for one resource.
type FreshnessPolicy struct {
	TTLSeconds int `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// TTL returns the policy TTL, or zero when unset.
func (p *FreshnessPolicy) TTL() time.Duration {
	if p == nil || p.TTLSeconds <= 0 {
		return 0
	}
	return time.Duration(p.TTLSeconds) * time.Second
}

// Resource is the registry's description of something the core can select.
// The core only reads resources.
type Resource struct {
	ID              string           `json:"id"`
	Type            ResourceType     `json:"type"`
	TenantID        string           `json:"tenant_id"`
	Tags            []string         `json:"tags,omitempty"`
	Status          string           `json:"status"`
	FreshnessPolicy *FreshnessPolicy `json:"freshness_policy,omitempty"`
}

// Scope is the caller identity every lookup is filtered by.
type Scope struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id,omitempty"`
}

// SubScores are the per-signal scores an adapter reports for a candidate.
// After fusion every field is in [0,1].
type SubScores struct {
	Semantic  float64 `json:"semantic"`
	Keyword   float64 `json:"keyword"`
	Freshness float64 `json:"freshness"`
	Coverage  float64 `json:"coverage"`
	Cost      float64 `json:"cost"`
	Policy    float64 `json:"policy"`
}

// InputField describes one workflow input.
type InputField struct {
	Name        string `json:"name" yaml:"name"`
	Required    bool   `json:"required" yaml:"required"`
	Description string `json:"description,omitempty" yaml:"description"`
	Question    string `json:"question,omitempty" yaml:"question"`
}

// CandidateMetadata carries the type-specific facts the arbiter and gate need.
type CandidateMetadata struct {
	TenantID   string       `json:"tenant_id,omitempty"`
	UserID     string       `json:"user_id,omitempty"`
	Shared     bool         `json:"shared,omitempty"`
	Status     string       `json:"status,omitempty"`
	Tags       []string     `json:"tags,omitempty"`
	FreshUntil *time.Time   `json:"fresh_until,omitempty"`
	GraceUntil *time.Time   `json:"grace_until,omitempty"`
	ChunkID    string       `json:"chunk_id,omitempty"`
	SpanStart  int          `json:"span_start,omitempty"`
	SpanEnd    int          `json:"span_end,omitempty"`
	WorkflowID string       `json:"workflow_id,omitempty"`
	Version    string       `json:"version,omitempty"`
	RiskLevel  string       `json:"risk_level,omitempty"`
	Inputs     []InputField `json:"inputs,omitempty"`
	ResultKey  string       `json:"result_key,omitempty"`
	TTLSeconds int          `json:"ttl_seconds,omitempty"`
}

// Candidate is a scored resource considered by the decision layer.
type Candidate struct {
	ResourceID   string            `json:"resource_id"`
	ResourceType ResourceType      `json:"resource_type"`
	Title        string            `json:"title,omitempty"`
	Content      string            `json:"content,omitempty"`
	Scores       SubScores         `json:"scores"`
	TotalScore   float64           `json:"total_score"`
	Metadata     CandidateMetadata `json:"metadata"`
	// Expired candidates are past fresh_until+grace. They stay in the ranking
	// but can never be returned as a result.
	Expired bool `json:"expired,omitempty"`
}

// Returnable reports whether the candidate may back a RETURN_RESULT.
func (c *Candidate) Returnable() bool {
	return !c.Expired
}

// Stale reports whether a RESULT candidate is past fresh_until but still in grace.
func (c *Candidate) Stale(now time.Time) bool {
	if c.Metadata.FreshUntil == nil {
		return false
	}
	return !now.Before(*c.Metadata.FreshUntil) && !c.Expired
}

// ActionType is the single action a request commits to.
type ActionType string

const (
	ActionReturnResult    ActionType = "RETURN_RESULT"
	ActionExecuteWorkflow ActionType = "EXECUTE_WORKFLOW"
	ActionAskClarify      ActionType = "ASK_CLARIFY"
	ActionFallback        ActionType = "FALLBACK"
)

// Valid reports whether a is one of the four terminal actions.
func (a ActionType) Valid() bool {
	switch a {
	case ActionReturnResult, ActionExecuteWorkflow, ActionAskClarify, ActionFallback:
		return true
	}
	return false
}

// DecisionSource records which phase produced an outcome.
type DecisionSource string

const (
	SourceHardRule DecisionSource = "hard_rule"
	SourceOracle   DecisionSource = "oracle"
	SourceFallback DecisionSource = "fallback"
)

type Selected struct {
	ResourceID   string       `json:"resource_id"`
	ResourceType ResourceType `json:"resource_type"`
	Confidence   float64      `json:"confidence"`
}

type Reason struct {
	WhyBestFit []string `json:"why_best_fit,omitempty"`
	Tradeoffs  []string `json:"tradeoffs,omitempty"`
}

type Execution struct {
	Required           bool                   `json:"required"`
	ExecutorResourceID string                 `json:"executor_resource_id,omitempty"`
	Input              map[string]interface{} `json:"input,omitempty"`
	IdempotencyKey     string                 `json:"idempotency_key,omitempty"`
}

type Clarify struct {
	Required  bool     `json:"required"`
	Questions []string `json:"questions,omitempty"`
}

// DecisionOutcome is the committed action for one request. It is never
// revised once returned.
type DecisionOutcome struct {
	ActionType ActionType     `json:"action_type"`
	Selected   *Selected      `json:"selected,omitempty"`
	Reason     Reason         `json:"reason"`
	Execution  Execution      `json:"execution"`
	Clarify    Clarify        `json:"clarify"`
	Source     DecisionSource `json:"source,omitempty"`
	Attempts   int            `json:"oracle_attempts,omitempty"`
}

// ResultRecord is a result produced by a completed workflow run. Degraded
// records hold the partial payload of a run whose optional branches failed.
// Records are superseded by newer ones, never modified.
type ResultRecord struct {
	RecordID    string                 `json:"record_id"`
	TenantID    string                 `json:"tenant_id"`
	UserID      string                 `json:"user_id,omitempty"`
	Key         string                 `json:"key"`
	WorkflowID  string                 `json:"workflow_id,omitempty"`
	InputsHash  string                 `json:"inputs_hash,omitempty"`
	Summary     string                 `json:"summary,omitempty"`
	Content     map[string]interface{} `json:"content"`
	FreshUntil  time.Time              `json:"fresh_until"`
	GraceUntil  time.Time              `json:"grace_until"`
	SourceRunID string                 `json:"source_run_id"`
	Degraded    bool                   `json:"degraded,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}
