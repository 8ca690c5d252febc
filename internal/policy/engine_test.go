package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/config"
)

func TestDefaultRiskPolicy(t *testing.T) {
	e, err := NewEngine(config.PolicyConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	cases := []struct {
		risk, max string
		allow     bool
	}{
		{"low", "medium", true},
		{"medium", "medium", true},
		{"high", "medium", false},
		{"critical", "high", false},
		{"", "low", true},
		{"low", "unknown", false},
	}
	for _, tc := range cases {
		d, err := e.Evaluate(context.Background(), RiskInput{TenantID: "acme", RiskLevel: tc.risk, MaxRisk: tc.max})
		require.NoError(t, err)
		assert.Equal(t, tc.allow, d.Allow, "%s <= %s", tc.risk, tc.max)
		assert.NotEmpty(t, d.Reason)
	}
}

func TestPolicyFromDirectory(t *testing.T) {
	dir := t.TempDir()
	src := `package resolver.workflow

import rego.v1

default decision := {"allow": false, "reason": "tenant blocked"}

decision := {"allow": true, "reason": "trusted tenant"} if input.tenant_id == "acme"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tenant.rego"), []byte(src), 0o644))

	e, err := NewEngine(config.PolicyConfig{Path: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.True(t, e.Allowed(context.Background(), RiskInput{TenantID: "acme", RiskLevel: "critical", MaxRisk: "low"}))
	assert.False(t, e.Allowed(context.Background(), RiskInput{TenantID: "globex", RiskLevel: "low", MaxRisk: "low"}))
}

func TestInvalidPolicyFailsToCompile(t *testing.T) {
	_, err := NewEngineFromModule("broken.rego", "package resolver.workflow\nallow if {", zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestVersionIsStable(t *testing.T) {
	a, err := NewEngineFromModule("p.rego", DefaultModule, nil)
	require.NoError(t, err)
	b, err := NewEngineFromModule("p.rego", DefaultModule, nil)
	require.NoError(t, err)
	assert.Equal(t, a.Version(), b.Version())
}
