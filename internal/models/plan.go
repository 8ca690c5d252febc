package models

import (
	"fmt"
	"strings"
)

// Intents known to the router.
const (
	IntentKnowledgeQA         = "KNOWLEDGE_QA"
	IntentLookupStatus        = "LOOKUP_STATUS"
	IntentExecuteTask         = "EXECUTE_TASK"
	IntentDecisionRecommend   = "DECISION_RECOMMEND"
	IntentTroubleshoot        = "TROUBLESHOOT"
	IntentAccountUserSpecific = "ACCOUNT_USER_SPECIFIC"
	IntentOther               = "OTHER"
)

// Output formats
const (
	FormatText  = "text"
	FormatSteps = "steps"
	FormatJSON  = "json"
	FormatTable = "table"
)

// RankingRule names one lexicographic ranking key.
type RankingRule string

const (
	RuleCorrectness RankingRule = "correctness"
	RuleFreshness   RankingRule = "freshness"
	RuleCoverage    RankingRule = "coverage"
	RuleCost        RankingRule = "cost"
)

// DefaultRankingRules is used when a plan names none.
var DefaultRankingRules = []RankingRule{RuleCorrectness, RuleFreshness, RuleCoverage, RuleCost}

func (r RankingRule) Valid() bool {
	switch r {
	case RuleCorrectness, RuleFreshness, RuleCoverage, RuleCost:
		return true
	}
	return false
}

type Intent struct {
	Name       string                 `json:"name"`
	Confidence float64                `json:"confidence"`
	Entities   map[string]interface{} `json:"entities,omitempty"`
}

type SearchEntry struct {
	Target  ResourceType           `json:"target"`
	Query   string                 `json:"query"`
	Filters map[string]interface{} `json:"filters,omitempty"`
	TopK    int                    `json:"top_k"`
}

type DecisionGoal struct {
	RankingRules     []RankingRule `json:"ranking_rules,omitempty"`
	MustReturnSingle bool          `json:"must_return_single"`
}

type Constraints struct {
	NeedCitations bool   `json:"need_citations"`
	NoFabrication bool   `json:"no_fabrication"`
	OutputFormat  string `json:"output_format,omitempty"`
}

// Plan is the routing collaborator's structured request. It is treated as
// read-only once validated.
type Plan struct {
	Intent        Intent        `json:"intent"`
	NeedsWorkflow bool          `json:"needs_workflow"`
	SearchPlan    []SearchEntry `json:"search_plan"`
	DecisionGoal  DecisionGoal  `json:"decision_goal"`
	Constraints   Constraints   `json:"constraints"`
}

// Rules returns the plan's ranking rules or the defaults.
func (p *Plan) Rules() []RankingRule {
	if p == nil || len(p.DecisionGoal.RankingRules) == 0 {
		return DefaultRankingRules
	}
	return p.DecisionGoal.RankingRules
}

// PlanError lists every problem found in a plan.
type PlanError struct {
	Issues []string
}

func (e *PlanError) Error() string {
	return "invalid plan: " + strings.Join(e.Issues, "; ")
}

// Validate checks the plan against the known intents and output formats.
// An empty intents slice accepts any intent name.
func (p *Plan) Validate(intents []string) error {
	if p == nil {
		return &PlanError{Issues: []string{"plan is nil"}}
	}
	var issues []string
	if p.Intent.Name == "" {
		issues = append(issues, "intent.name is required")
	} else if len(intents) > 0 && !contains(intents, p.Intent.Name) {
		issues = append(issues, fmt.Sprintf("unknown intent %q", p.Intent.Name))
	}
	if p.Intent.Confidence < 0 || p.Intent.Confidence > 1 {
		issues = append(issues, "intent.confidence must be in [0,1]")
	}
	for i, e := range p.SearchPlan {
		if !e.Target.Valid() {
			issues = append(issues, fmt.Sprintf("search_plan[%d]: unknown target %q", i, e.Target))
		}
		if e.TopK < 0 {
			issues = append(issues, fmt.Sprintf("search_plan[%d]: top_k must not be negative", i))
		}
	}
	for _, r := range p.DecisionGoal.RankingRules {
		if !r.Valid() {
			issues = append(issues, fmt.Sprintf("unknown ranking rule %q", r))
		}
	}
	switch p.Constraints.OutputFormat {
	case "", FormatText, FormatSteps, FormatJSON, FormatTable:
	default:
		issues = append(issues, fmt.Sprintf("unknown output_format %q", p.Constraints.OutputFormat))
	}
	if len(issues) > 0 {
		return &PlanError{Issues: issues}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
