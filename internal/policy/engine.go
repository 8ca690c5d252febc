// Package policy evaluates workflow risk against tenant thresholds with OPA.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/config"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/metrics"
)

const decisionQuery = "data.resolver.workflow.decision"

// DefaultModule allows a workflow when its risk level is at or below the
// tenant's maximum.
const DefaultModule = `package resolver.workflow

import rego.v1

levels := {"low": 1, "medium": 2, "high": 3, "critical": 4}

default allow := false

allow if levels[input.risk_level] <= levels[input.max_risk]

default reason := "risk level exceeds tenant threshold"

reason := "risk level within tenant threshold" if allow

decision := {"allow": allow, "reason": reason}
`

// RiskInput is the document the policy sees as input.
type RiskInput struct {
	TenantID   string `json:"tenant_id"`
	WorkflowID string `json:"workflow_id"`
	RiskLevel  string `json:"risk_level"`
	MaxRisk    string `json:"max_risk"`
}

// Decision is the policy verdict.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

// Engine holds the prepared decision query.
type Engine struct {
	query   rego.PreparedEvalQuery
	version string
	logger  *zap.Logger
}

// NewEngine compiles the .rego files under cfg.Path, or DefaultModule when
// no path is configured.
func NewEngine(cfg config.PolicyConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	modules := map[string]string{"default.rego": DefaultModule}
	if cfg.Path != "" {
		loaded, err := loadModules(cfg.Path)
		if err != nil {
			return nil, err
		}
		if len(loaded) > 0 {
			modules = loaded
		} else {
			logger.Warn("No policy files found, using built-in risk policy", zap.String("path", cfg.Path))
		}
	}
	return compile(modules, logger)
}

// NewEngineFromModule compiles a single policy module.
func NewEngineFromModule(name, src string, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return compile(map[string]string{name: src}, logger)
}

func loadModules(root string) (map[string]string, error) {
	modules := make(map[string]string)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat policy path %s: %w", root, err)
	}
	if !info.IsDir() {
		data, err := os.ReadFile(root)
		if err != nil {
			return nil, err
		}
		modules[filepath.Base(root)] = string(data)
		return modules, nil
	}
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy file %s: %w", path, err)
		}
		rel, _ := filepath.Rel(root, path)
		modules[rel] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk policy directory: %w", err)
	}
	return modules, nil
}

func compile(modules map[string]string, logger *zap.Logger) (*Engine, error) {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	h := sha256.New()
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
		h.Write([]byte(name))
		h.Write([]byte(modules[name]))
	}
	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("compile policies: %w", err)
	}
	version := hex.EncodeToString(h.Sum(nil))[:12]
	logger.Info("Workflow risk policy compiled",
		zap.Int("modules", len(names)),
		zap.String("version", version))
	return &Engine{query: prepared, version: version, logger: logger}, nil
}

// Version is a digest of the loaded policy sources.
func (e *Engine) Version() string { return e.version }

// Evaluate runs the decision query. Evaluation errors and undefined results deny.
func (e *Engine) Evaluate(ctx context.Context, in RiskInput) (Decision, error) {
	if in.RiskLevel == "" {
		in.RiskLevel = "low"
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"tenant_id":   in.TenantID,
		"workflow_id": in.WorkflowID,
		"risk_level":  in.RiskLevel,
		"max_risk":    in.MaxRisk,
	}))
	if err != nil {
		metrics.PolicyEvaluations.WithLabelValues("error").Inc()
		return Decision{Reason: "policy evaluation error"}, fmt.Errorf("evaluate risk policy: %w", err)
	}
	d := Decision{Reason: "no policy decision"}
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		switch v := rs[0].Expressions[0].Value.(type) {
		case map[string]interface{}:
			d.Allow, _ = v["allow"].(bool)
			if r, ok := v["reason"].(string); ok {
				d.Reason = r
			}
		case bool:
			d.Allow = v
		}
	}
	label := "deny"
	if d.Allow {
		label = "allow"
	}
	metrics.PolicyEvaluations.WithLabelValues(label).Inc()
	e.logger.Debug("Risk policy evaluated",
		zap.String("workflow_id", in.WorkflowID),
		zap.String("risk_level", in.RiskLevel),
		zap.String("max_risk", in.MaxRisk),
		zap.Bool("allow", d.Allow))
	return d, nil
}

// Allowed is a convenience wrapper that denies on error.
func (e *Engine) Allowed(ctx context.Context, in RiskInput) bool {
	d, err := e.Evaluate(ctx, in)
	if err != nil {
		e.logger.Warn("Risk policy error, denying", zap.Error(err))
		return false
	}
	return d.Allow
}
