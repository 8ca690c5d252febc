package config

import (
	"fmt"
	"strings"
)

var knownRules = map[string]bool{"correctness": true, "freshness": true, "coverage": true, "cost": true}

var riskLevels = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// pinnedIsolation are the only modes results and workflows may use.
var pinnedIsolation = map[string]string{"result": IsolationUser, "workflow": IsolationStrict}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Validate checks value ranges. It does not touch the network.
func (c *Config) Validate() error {
	var issues []string
	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			issues = append(issues, fmt.Sprintf("%s must be in [0,1], got %v", name, v))
		}
	}
	unit("decision.result_threshold", c.Decision.ResultThreshold)
	unit("decision.doc_threshold", c.Decision.DocThreshold)
	unit("decision.workflow_threshold", c.Decision.WorkflowThreshold)
	unit("decision.ambiguity_margin", c.Decision.AmbiguityMargin)
	unit("evidence.support_threshold", c.Evidence.SupportThreshold)

	if c.Decision.CoverageThreshold < 0 {
		issues = append(issues, "decision.coverage_threshold must not be negative")
	}
	if c.Decision.OracleRetries < 0 {
		issues = append(issues, "decision.oracle_retries must not be negative")
	}
	if c.Results.DefaultTTL < 0 {
		issues = append(issues, "results.default_ttl must not be negative")
	}
	switch c.Retrieval.Normalization {
	case NormalizeClamp, NormalizeMinMax:
	default:
		issues = append(issues, fmt.Sprintf("retrieval.normalization %q unknown", c.Retrieval.Normalization))
	}
	if c.Retrieval.RankPrecision < 0 || c.Retrieval.RankPrecision > 6 {
		issues = append(issues, "retrieval.rank_precision must be in [0,6]")
	}
	for _, r := range c.Retrieval.DefaultRules {
		if !knownRules[r] {
			issues = append(issues, fmt.Sprintf("retrieval.default_ranking_rules: unknown rule %q", r))
		}
	}
	for target, mode := range c.Tenancy.Isolation {
		switch mode {
		case IsolationStrict, IsolationUser, IsolationSoft:
		default:
			issues = append(issues, fmt.Sprintf("tenancy.isolation.%s: unknown mode %q", target, mode))
			continue
		}
		if want, ok := pinnedIsolation[strings.ToLower(target)]; ok && mode != want {
			issues = append(issues, fmt.Sprintf("tenancy.isolation.%s must be %q, got %q", target, want, mode))
		}
	}
	if c.Tenancy.DefaultMaxRisk != "" && !riskLevels[c.Tenancy.DefaultMaxRisk] {
		issues = append(issues, fmt.Sprintf("tenancy.default_max_risk %q unknown", c.Tenancy.DefaultMaxRisk))
	}
	for tenant, level := range c.Tenancy.TenantMaxRisk {
		if !riskLevels[level] {
			issues = append(issues, fmt.Sprintf("tenancy.tenant_max_risk.%s: unknown level %q", tenant, level))
		}
	}
	switch c.Store.Backend {
	case "memory", "redis", "postgres":
	default:
		issues = append(issues, fmt.Sprintf("store.backend %q unknown", c.Store.Backend))
	}
	for _, t := range c.Workflow.Tools {
		if t.Name == "" || t.URL == "" {
			issues = append(issues, "workflow.tools entries need name and url")
		}
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
