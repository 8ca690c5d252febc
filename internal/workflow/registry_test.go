package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func withVersion(src, version string) string {
	return strings.Replace(src, "version: 1.0.0", "version: "+version, 1)
}

func TestValidateDefinitionIssues(t *testing.T) {
	def, err := LoadDefinition(strings.NewReader(`
id: bad
version: v1
title: Bad
risk_level: extreme
steps:
  - step_id: a
    kind: TOOL
    depends_on: [ghost]
    config:
      tool: x
  - step_id: b
    kind: CONDITION
    config:
      expression: "true"
      then: [nowhere]
  - step_id: c
    kind: PARALLEL
    config:
      branches:
        - name: one
          steps:
            - step_id: a
              kind: TRANSFORM
              config:
                expression: "1"
        - name: one
          steps:
            - step_id: d
              kind: SLEEP
`))
	require.NoError(t, err)

	err = ValidateDefinition(def)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	codes := vErr.Codes()
	for _, want := range []string{
		"workflow_tenant_missing",
		"workflow_version_invalid",
		"workflow_risk_invalid",
		"dependency_unknown",
		"condition_target_unknown",
		"step_id_duplicate",
		"branch_name_duplicate",
		"step_kind_invalid",
	} {
		assert.Contains(t, codes, want)
	}
}

func TestValidateDefinitionCycle(t *testing.T) {
	def, err := LoadDefinition(strings.NewReader(`
id: loop
version: 1.0.0
tenant_id: acme
title: Loop
steps:
  - step_id: a
    kind: TRANSFORM
    depends_on: [b]
    config: {expression: "1"}
  - step_id: b
    kind: TRANSFORM
    depends_on: [a]
    config: {expression: "2"}
`))
	require.NoError(t, err)
	var vErr *ValidationError
	require.ErrorAs(t, ValidateDefinition(def), &vErr)
	assert.Equal(t, []string{"dependency_cycle"}, vErr.Codes())
}

func TestLoadDefinitionRejectsUnknownFields(t *testing.T) {
	_, err := LoadDefinition(strings.NewReader("id: x\nversion: 1.0.0\nsurprise: true\n"))
	require.Error(t, err)

	_, err = LoadDefinitionJSON([]byte(`{"id":"x","version":"1.0.0","surprise":true}`))
	require.Error(t, err)
}

func TestCompileRejectsBadExpression(t *testing.T) {
	def, err := LoadDefinition(strings.NewReader(`
id: expr
version: 1.0.0
tenant_id: acme
title: Expr
steps:
  - step_id: a
    kind: TRANSFORM
    config: {expression: "input.("}
`))
	require.NoError(t, err)
	_, err = Compile(def)
	require.Error(t, err)
}

func TestDescriptorCarriesFreshnessPolicy(t *testing.T) {
	def, err := LoadDefinition(strings.NewReader(orderStatusYAML + "freshness_policy:\n  ttl_seconds: 900\n"))
	require.NoError(t, err)
	res := def.Descriptor()
	assert.Equal(t, "order_status", res.ID)
	assert.Equal(t, models.ResourceWorkflow, res.Type)
	assert.Equal(t, models.StatusActive, res.Status)
	require.NotNil(t, res.FreshnessPolicy)
	assert.Equal(t, 15*time.Minute, res.FreshnessPolicy.TTL())

	def.FreshnessPolicy.TTLSeconds = -1
	var vErr *ValidationError
	require.ErrorAs(t, ValidateDefinition(def), &vErr)
	assert.Contains(t, vErr.Codes(), "freshness_ttl_negative")
}

func TestMissingInputs(t *testing.T) {
	prog := mustCompile(t, orderStatusYAML)
	missing := prog.MissingInputs(map[string]interface{}{})
	require.Len(t, missing, 1)
	assert.Equal(t, "Which order number?", missing[0].Question)
	assert.Empty(t, prog.MissingInputs(map[string]interface{}{"order_id": "A-1"}))
}

func TestRegistryLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "order_v1.yaml", orderStatusYAML)
	writeFile(t, dir, "order_v2.yaml", withVersion(orderStatusYAML, "1.2.0"))
	writeFile(t, dir, "approval.yml", approvalYAML)
	writeFile(t, dir, "README.md", "not a workflow")

	reg := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, reg.LoadDirectory(dir))
	assert.Equal(t, 3, reg.Len())

	latest, ok := reg.Latest("order_status")
	require.True(t, ok)
	assert.Equal(t, "1.2.0", latest.Def.Version)

	exact, ok := reg.ByResource("acme", "order_status@1.0.0")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", exact.Def.Version)

	_, ok = reg.ByResource("globex", "order_status")
	assert.False(t, ok)

	list := reg.List("acme")
	require.Len(t, list, 2)
	assert.Equal(t, "approval", list[0].Def.ID)
	assert.Equal(t, "1.2.0", list[1].Def.Version)
}

func TestRegistryLoadFailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "order.yaml", orderStatusYAML)
	reg := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, reg.LoadDirectory(dir))

	writeFile(t, dir, "dup.yaml", orderStatusYAML)
	var lErr *LoadError
	require.ErrorAs(t, reg.LoadDirectory(dir), &lErr)
	assert.Len(t, lErr.Failures, 1)

	_, ok := reg.Get("order_status", "1.0.0")
	assert.True(t, ok)
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	reg := NewRegistry(nil)
	def, err := LoadDefinition(strings.NewReader(orderStatusYAML))
	require.NoError(t, err)
	_, err = reg.Register(def)
	require.NoError(t, err)
	_, err = reg.Register(def)
	require.Error(t, err)
}

func TestRegistryWatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "order.yaml", orderStatusYAML)
	reg := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, reg.LoadDirectory(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, reg.Watch(ctx, 20*time.Millisecond))

	writeFile(t, dir, "order_v2.yaml", withVersion(orderStatusYAML, "2.0.0"))
	assert.Eventually(t, func() bool {
		p, ok := reg.Latest("order_status")
		return ok && p.Def.Version == "2.0.0"
	}, 3*time.Second, 20*time.Millisecond)
}
