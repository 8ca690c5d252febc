package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	assert.Equal(t, 0.7, c.Decision.ResultThreshold)
	assert.Equal(t, 0.7, c.Decision.DocThreshold)
	assert.Equal(t, 2, c.Decision.OracleRetries)
	assert.Equal(t, time.Hour, c.Results.DefaultTTL)
	assert.Equal(t, IsolationUser, c.Tenancy.ModeFor("RESULT"))
	assert.Equal(t, IsolationStrict, c.Tenancy.ModeFor("WORKFLOW"))
	assert.Equal(t, IsolationSoft, c.Tenancy.ModeFor("DOC"))
	assert.Equal(t, IsolationStrict, c.Tenancy.ModeFor("UNLISTED"))
	assert.Contains(t, c.Intents, "EXECUTE_TASK")
	assert.Equal(t, []string{"correctness", "freshness", "coverage", "cost"}, c.Retrieval.DefaultRules)

	w := c.Retrieval.WeightsFor("WORKFLOW")
	assert.InDelta(t, 1.0, w.Sum(), 1e-9)
	assert.InDelta(t, 0.3, w.Policy, 1e-9)
}

func TestLoadFileWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resolver.yaml")
	yaml := `
decision:
  coverage_threshold: 0.9
  oracle_retries: 1
tenancy:
  default_max_risk: low
  tenant_max_risk:
    acme: high
workflow:
  tools:
    - name: create_ticket
      url: http://tickets.local/api
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("RESOLVER_DECISION_RESULT_THRESHOLD", "0.8")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0.9, c.Decision.CoverageThreshold)
	assert.Equal(t, 1, c.Decision.OracleRetries)
	assert.Equal(t, 0.8, c.Decision.ResultThreshold)
	assert.Equal(t, "sk-test", c.LLM.OpenAI.APIKey)
	assert.Equal(t, "high", c.Tenancy.MaxRiskFor("acme"))
	assert.Equal(t, "low", c.Tenancy.MaxRiskFor("other"))
	require.Len(t, c.Workflow.Tools, 1)
	assert.Equal(t, "create_ticket", c.Workflow.Tools[0].Name)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", c.Store.Backend)
}

func TestValidateRejectsBadValues(t *testing.T) {
	c := Default()
	c.Decision.ResultThreshold = 1.5
	c.Retrieval.Normalization = "zscore"
	c.Tenancy.Isolation = map[string]string{"doc": "open"}
	c.Retrieval.DefaultRules = []string{"popularity"}

	err := c.Validate()
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Issues, 4)
}

func TestValidatePinsResultAndWorkflowIsolation(t *testing.T) {
	c := Default()
	c.Tenancy.Isolation["result"] = IsolationSoft
	c.Tenancy.Isolation["workflow"] = IsolationSoft

	err := c.Validate()
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Issues, 2)
	assert.Contains(t, err.Error(), `tenancy.isolation.result must be "user"`)

	c = Default()
	c.Tenancy.Isolation["workflow"] = IsolationUser
	assert.Error(t, c.Validate())

	c = Default()
	c.Tenancy.Isolation["doc"] = IsolationStrict
	assert.NoError(t, c.Validate())
}
