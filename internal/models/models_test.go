package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanValidate(t *testing.T) {
	intents := []string{IntentKnowledgeQA, IntentExecuteTask}

	p := &Plan{
		Intent:     Intent{Name: IntentKnowledgeQA, Confidence: 0.9},
		SearchPlan: []SearchEntry{{Target: ResourceDoc, Query: "reset password", TopK: 5}},
	}
	require.NoError(t, p.Validate(intents))
	assert.Equal(t, DefaultRankingRules, p.Rules())

	bad := &Plan{
		Intent:       Intent{Name: "DANCE", Confidence: 1.5},
		SearchPlan:   []SearchEntry{{Target: "BLOB", TopK: -1}},
		DecisionGoal: DecisionGoal{RankingRules: []RankingRule{"vibes"}},
		Constraints:  Constraints{OutputFormat: "pdf"},
	}
	err := bad.Validate(intents)
	var pe *PlanError
	require.True(t, errors.As(err, &pe))
	assert.Len(t, pe.Issues, 6)
}

func TestCitationURIs(t *testing.T) {
	assert.Equal(t, "doc://d1#c3", DocURI("d1", "c3"))
	assert.Equal(t, "doc://d1", DocURI("d1", ""))
	assert.Equal(t, "result://r1", ResultURI("r1"))
	assert.Equal(t, "workflow://wf", WorkflowURI("wf"))

	scheme, id, frag, err := ParseCitationURI("doc://d1#c3")
	require.NoError(t, err)
	assert.Equal(t, SchemeDoc, scheme)
	assert.Equal(t, "d1", id)
	assert.Equal(t, "c3", frag)

	_, _, _, err = ParseCitationURI("result://r1#x")
	assert.Error(t, err)
	_, _, _, err = ParseCitationURI("ftp://x")
	assert.Error(t, err)
}

func TestCandidateStale(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	c := Candidate{Metadata: CandidateMetadata{FreshUntil: &past}}
	assert.True(t, c.Stale(now))
	assert.True(t, c.Returnable())

	c.Expired = true
	assert.False(t, c.Stale(now))
	assert.False(t, c.Returnable())
}
