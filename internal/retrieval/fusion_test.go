package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/config"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
)

type fakeAdapter struct {
	target models.ResourceType
	cands  []models.Candidate
	err    error
	delay  time.Duration
	got    Query
}

func (f *fakeAdapter) Target() models.ResourceType { return f.target }

func (f *fakeAdapter) Retrieve(ctx context.Context, q Query) ([]models.Candidate, error) {
	f.got = q
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make([]models.Candidate, len(f.cands))
	copy(out, f.cands)
	return out, f.err
}

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func testConfig() (config.RetrievalConfig, config.TenancyConfig) {
	cfg := config.Default()
	return cfg.Retrieval, cfg.Tenancy
}

func newFusion(t *testing.T, adapters ...Adapter) *Fusion {
	r, ten := testConfig()
	r.AdapterTimeout = 100 * time.Millisecond
	return New(r, ten, zaptest.NewLogger(t), adapters...).WithClock(func() time.Time { return fixedNow })
}

func at(d time.Duration) *time.Time {
	t := fixedNow.Add(d)
	return &t
}

func ids(cands []models.Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.ResourceID
	}
	return out
}

var acmeScope = models.Scope{TenantID: "acme", UserID: "u1"}

func TestSearchScopesByTenant(t *testing.T) {
	results := &fakeAdapter{target: models.ResourceResult, cands: []models.Candidate{
		{ResourceID: "res_mine", Scores: models.SubScores{Semantic: 0.9, Keyword: 0.9}, Metadata: models.CandidateMetadata{TenantID: "acme", UserID: "u1", FreshUntil: at(2 * time.Hour)}},
		{ResourceID: "res_tenant", Scores: models.SubScores{Semantic: 0.5}, Metadata: models.CandidateMetadata{TenantID: "acme", FreshUntil: at(2 * time.Hour)}},
		{ResourceID: "res_other_user", Scores: models.SubScores{Semantic: 0.9}, Metadata: models.CandidateMetadata{TenantID: "acme", UserID: "u2", FreshUntil: at(2 * time.Hour)}},
		{ResourceID: "res_globex", Scores: models.SubScores{Semantic: 1}, Metadata: models.CandidateMetadata{TenantID: "globex", FreshUntil: at(2 * time.Hour)}},
	}}
	workflows := &fakeAdapter{target: models.ResourceWorkflow, cands: []models.Candidate{
		{ResourceID: "wf_acme", Scores: models.SubScores{Semantic: 0.6}, Metadata: models.CandidateMetadata{TenantID: "acme"}},
		{ResourceID: "wf_globex", Scores: models.SubScores{Semantic: 0.9}, Metadata: models.CandidateMetadata{TenantID: "globex"}},
	}}
	docs := &fakeAdapter{target: models.ResourceDoc, cands: []models.Candidate{
		{ResourceID: "doc_shared", Scores: models.SubScores{Semantic: 0.7}, Metadata: models.CandidateMetadata{TenantID: "globex", Shared: true}},
		{ResourceID: "doc_public", Scores: models.SubScores{Semantic: 0.6}},
		{ResourceID: "doc_private", Scores: models.SubScores{Semantic: 0.9}, Metadata: models.CandidateMetadata{TenantID: "globex"}},
	}}
	f := newFusion(t, results, workflows, docs)

	res, err := f.Search(context.Background(), acmeScope, []models.SearchEntry{
		{Target: models.ResourceResult, Query: "order"},
		{Target: models.ResourceWorkflow, Query: "order"},
		{Target: models.ResourceDoc, Query: "order"},
	}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"res_mine", "res_tenant", "wf_acme", "doc_shared", "doc_public"}, ids(res.Candidates))
	assert.Equal(t, 4, res.Excluded)
	assert.Empty(t, res.Degraded)
}

func TestSearchRejectsEmptyTenant(t *testing.T) {
	docs := &fakeAdapter{target: models.ResourceDoc, cands: []models.Candidate{{ResourceID: "doc_public"}}}
	res, err := newFusion(t, docs).Search(context.Background(), models.Scope{}, []models.SearchEntry{{Target: models.ResourceDoc}}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
}

func TestSearchDegradesSingleAdapter(t *testing.T) {
	docs := &fakeAdapter{target: models.ResourceDoc, cands: []models.Candidate{{ResourceID: "doc_1", Scores: models.SubScores{Semantic: 0.8}, Metadata: models.CandidateMetadata{TenantID: "acme"}}}}
	broken := &fakeAdapter{target: models.ResourceStructured, err: errors.New("db down")}
	slow := &fakeAdapter{target: models.ResourceWorkflow, delay: time.Second}
	f := newFusion(t, docs, broken, slow)

	res, err := f.Search(context.Background(), acmeScope, []models.SearchEntry{
		{Target: models.ResourceDoc},
		{Target: models.ResourceStructured},
		{Target: models.ResourceWorkflow},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc_1"}, ids(res.Candidates))
	require.Len(t, res.Degraded, 2)
	assert.Equal(t, models.ResourceStructured, res.Degraded[0].Target)
	assert.Equal(t, models.ResourceWorkflow, res.Degraded[1].Target)
}

func TestSearchAllAdaptersFail(t *testing.T) {
	broken := &fakeAdapter{target: models.ResourceStructured, err: errors.New("db down")}
	f := newFusion(t, broken)

	_, err := f.Search(context.Background(), acmeScope, []models.SearchEntry{
		{Target: models.ResourceStructured},
		{Target: models.ResourceTool},
	}, nil)
	var rerr *RetrievalError
	require.ErrorAs(t, err, &rerr)
	assert.Len(t, rerr.Failures, 2)
}

func TestSearchTopKBounds(t *testing.T) {
	many := make([]models.Candidate, 30)
	for i := range many {
		many[i] = models.Candidate{ResourceID: string(rune('a' + i%26)) + "x", Metadata: models.CandidateMetadata{TenantID: "acme"}}
	}
	docs := &fakeAdapter{target: models.ResourceDoc, cands: many}
	f := newFusion(t, docs)

	res, err := f.Search(context.Background(), acmeScope, []models.SearchEntry{{Target: models.ResourceDoc, TopK: 500}}, nil)
	require.NoError(t, err)
	r, _ := testConfig()
	assert.Equal(t, r.MaxTopK, docs.got.TopK)
	assert.LessOrEqual(t, len(res.Candidates), r.MaxTopK)

	_, err = f.Search(context.Background(), acmeScope, []models.SearchEntry{{Target: models.ResourceDoc}}, nil)
	require.NoError(t, err)
	assert.Equal(t, r.DefaultTopK, docs.got.TopK)
}

func TestResultFreshnessDecay(t *testing.T) {
	results := &fakeAdapter{target: models.ResourceResult, cands: []models.Candidate{
		{ResourceID: "res_fresh", Scores: models.SubScores{Semantic: 1, Keyword: 1}, Metadata: models.CandidateMetadata{TenantID: "acme", FreshUntil: at(2 * time.Hour)}},
		{ResourceID: "res_grace", Scores: models.SubScores{Semantic: 1, Keyword: 1}, Metadata: models.CandidateMetadata{TenantID: "acme", FreshUntil: at(-100 * time.Second)}},
		{ResourceID: "res_expired", Scores: models.SubScores{Semantic: 1, Keyword: 1}, Metadata: models.CandidateMetadata{TenantID: "acme", FreshUntil: at(-time.Hour)}},
	}}
	res, err := newFusion(t, results).Search(context.Background(), acmeScope, []models.SearchEntry{{Target: models.ResourceResult}}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"res_fresh", "res_grace", "res_expired"}, ids(res.Candidates))

	fresh, grace, expired := res.Candidates[0], res.Candidates[1], res.Candidates[2]
	assert.Equal(t, 1.0, fresh.Scores.Freshness)
	assert.InDelta(t, 0.5*200.0/300.0, grace.Scores.Freshness, 1e-9)
	assert.False(t, grace.Expired)
	assert.Zero(t, expired.Scores.Freshness)
	assert.True(t, expired.Expired, "expired results stay visible")
	assert.False(t, expired.Returnable())
}

func TestFreshnessScore(t *testing.T) {
	fresh := fixedNow.Add(30 * time.Minute)
	s, exp := FreshnessScore(fresh, time.Time{}, fixedNow, time.Hour)
	assert.InDelta(t, 0.75, s, 1e-9)
	assert.False(t, exp)

	s, _ = FreshnessScore(fresh, time.Time{}, fresh, time.Hour)
	assert.InDelta(t, 0.5, s, 1e-9)

	s, exp = FreshnessScore(fresh, time.Time{}, fresh.Add(models.GraceWindow), time.Hour)
	assert.Zero(t, s)
	assert.True(t, exp)
}

func TestRankLexicographic(t *testing.T) {
	cands := []models.Candidate{
		{ResourceID: "b", TotalScore: 0.801, Scores: models.SubScores{Freshness: 0.2}},
		{ResourceID: "a", TotalScore: 0.799, Scores: models.SubScores{Freshness: 0.2}},
		{ResourceID: "c", TotalScore: 0.8, Scores: models.SubScores{Freshness: 0.9}},
		{ResourceID: "d", TotalScore: 0.95, Scores: models.SubScores{Freshness: 0}},
		{ResourceID: "e", TotalScore: 0.5, Scores: models.SubScores{Cost: 0.1}},
		{ResourceID: "f", TotalScore: 0.5, Scores: models.SubScores{Cost: 0.9}},
	}
	Rank(cands, models.DefaultRankingRules, defaultRankPrecision)
	assert.Equal(t, []string{"d", "b", "c", "a", "e", "f"}, ids(cands), "real score differences decide")

	Rank(cands, models.DefaultRankingRules, 2)
	// 0.801, 0.799 and 0.8 tie at two decimals, so freshness decides, then id.
	assert.Equal(t, []string{"d", "c", "a", "b", "e", "f"}, ids(cands))

	tenth, fifth := 0.1, 0.2
	noisy := []models.Candidate{
		{ResourceID: "y", TotalScore: tenth + fifth, Scores: models.SubScores{Freshness: 0.9}},
		{ResourceID: "x", TotalScore: 0.3, Scores: models.SubScores{Freshness: 0.1}},
	}
	Rank(noisy, models.DefaultRankingRules, defaultRankPrecision)
	assert.Equal(t, []string{"y", "x"}, ids(noisy), "float noise is absorbed, freshness decides")

	Rank(cands, []models.RankingRule{models.RuleFreshness, models.RuleCorrectness}, 2)
	assert.Equal(t, "c", cands[0].ResourceID)
}

func TestNormalizeMinMax(t *testing.T) {
	cands := []models.Candidate{
		{ResourceID: "a", Scores: models.SubScores{Semantic: 12, Keyword: 3}},
		{ResourceID: "b", Scores: models.SubScores{Semantic: 4, Keyword: 3}},
		{ResourceID: "c", Scores: models.SubScores{Semantic: 8, Keyword: 3}},
	}
	normalize(cands, config.NormalizeMinMax)
	assert.Equal(t, 1.0, cands[0].Scores.Semantic)
	assert.Equal(t, 0.0, cands[1].Scores.Semantic)
	assert.Equal(t, 0.5, cands[2].Scores.Semantic)
	assert.Equal(t, 1.0, cands[0].Scores.Keyword, "constant column clamps")
}

func TestRetrieveUsesPlanRules(t *testing.T) {
	docs := &fakeAdapter{target: models.ResourceDoc, cands: []models.Candidate{
		{ResourceID: "doc_relevant", Scores: models.SubScores{Semantic: 0.9, Coverage: 0.1}, Metadata: models.CandidateMetadata{TenantID: "acme"}},
		{ResourceID: "doc_covering", Scores: models.SubScores{Semantic: 0.5, Coverage: 0.9}, Metadata: models.CandidateMetadata{TenantID: "acme"}},
	}}
	plan := &models.Plan{
		Intent:       models.Intent{Name: models.IntentKnowledgeQA, Confidence: 0.9},
		SearchPlan:   []models.SearchEntry{{Target: models.ResourceDoc, Query: "refunds", TopK: 5}},
		DecisionGoal: models.DecisionGoal{RankingRules: []models.RankingRule{models.RuleCoverage}},
	}
	res, err := newFusion(t, docs).Retrieve(context.Background(), acmeScope, plan)
	require.NoError(t, err)
	assert.Equal(t, "doc_covering", res.Candidates[0].ResourceID)
	assert.Equal(t, "refunds", docs.got.Text)
}
