package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderKeepsDeclarationOrder(t *testing.T) {
	res := Order([]Node{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	assert.False(t, res.HasCycle)
	assert.Equal(t, []string{"a", "b", "c"}, res.Order)
	assert.NoError(t, res.Err())
}

func TestOrderRespectsDependencies(t *testing.T) {
	res := Order([]Node{
		{ID: "notify", DependsOn: []string{"refund"}},
		{ID: "lookup"},
		{ID: "refund", DependsOn: []string{"lookup"}},
	})
	assert.NoError(t, res.Err())
	assert.Equal(t, []string{"lookup", "refund", "notify"}, res.Order)
}

func TestOrderDetectsCycle(t *testing.T) {
	res := Order([]Node{
		{ID: "a", DependsOn: []string{"c"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	})
	assert.True(t, res.HasCycle)
	assert.Equal(t, []string{"a", "c", "b", "a"}, res.CyclePath)
	assert.Error(t, res.Err())
}

func TestOrderSelfDependency(t *testing.T) {
	res := Order([]Node{{ID: "a", DependsOn: []string{"a"}}})
	assert.True(t, res.HasCycle)
	assert.Equal(t, []string{"a", "a"}, res.CyclePath)
}

func TestOrderReportsMissing(t *testing.T) {
	res := Order([]Node{{ID: "a", DependsOn: []string{"ghost"}}})
	assert.Equal(t, map[string][]string{"a": {"ghost"}}, res.Missing)
	assert.Error(t, res.Err())
}
