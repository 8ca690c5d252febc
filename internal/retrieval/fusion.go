// Package retrieval fans a plan's search entries out to retriever adapters
// and fuses their candidates into one ranked, tenant-scoped list.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/config"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/tracing"
)

// Query is what one adapter is asked for.
type Query struct {
	Scope   models.Scope
	Text    string
	TopK    int
	Filters map[string]interface{}
}

// Adapter retrieves raw candidates for one resource type. Sub-scores may be
// outside [0,1]; fusion normalizes them.
type Adapter interface {
	Target() models.ResourceType
	Retrieve(ctx context.Context, q Query) ([]models.Candidate, error)
}

// TargetFailure records an adapter that contributed nothing.
type TargetFailure struct {
	Target models.ResourceType `json:"target"`
	Error  string              `json:"error"`
}

// Result is the fused candidate list.
type Result struct {
	Candidates []models.Candidate `json:"candidates"`
	Degraded   []TargetFailure    `json:"degraded,omitempty"`
	Excluded   int                `json:"excluded,omitempty"`
}

// RetrievalError is returned when every queried adapter failed.
type RetrievalError struct {
	Failures []TargetFailure
}

func (e *RetrievalError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %s", f.Target, f.Error)
	}
	return "all retriever adapters failed: " + strings.Join(parts, "; ")
}

// Fusion owns the adapters and the scoring configuration.
type Fusion struct {
	adapters map[models.ResourceType]Adapter
	cfg      config.RetrievalConfig
	tenancy  config.TenancyConfig
	logger   *zap.Logger
	now      func() time.Time
}

func New(cfg config.RetrievalConfig, tenancy config.TenancyConfig, logger *zap.Logger, adapters ...Adapter) *Fusion {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fusion{
		adapters: make(map[models.ResourceType]Adapter, len(adapters)),
		cfg:      cfg,
		tenancy:  tenancy,
		logger:   logger,
		now:      time.Now,
	}
	for _, a := range adapters {
		f.adapters[a.Target()] = a
	}
	return f
}

// WithClock overrides the time source used for freshness.
func (f *Fusion) WithClock(now func() time.Time) *Fusion {
	f.now = now
	return f
}

// Retrieve runs the plan's search entries ranked by the plan's rules.
func (f *Fusion) Retrieve(ctx context.Context, scope models.Scope, plan *models.Plan) (*Result, error) {
	return f.Search(ctx, scope, plan.SearchPlan, plan.Rules())
}

type batch struct {
	entry models.SearchEntry
	cands []models.Candidate
	err   error
}

// Search queries one adapter per entry concurrently and ranks the union.
// A failed adapter degrades to no candidates; if all fail the result is a
// *RetrievalError.
func (f *Fusion) Search(ctx context.Context, scope models.Scope, entries []models.SearchEntry, rules []models.RankingRule) (*Result, error) {
	if len(entries) == 0 {
		return &Result{Candidates: []models.Candidate{}}, nil
	}
	if len(rules) == 0 {
		rules = f.defaultRules()
	}
	ctx, span := tracing.StartSpan(ctx, "retrieval.search", "tenant_id", scope.TenantID)
	defer span.End()

	batches := make([]batch, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, e models.SearchEntry) {
			defer wg.Done()
			batches[i] = batch{entry: e}
			batches[i].cands, batches[i].err = f.query(ctx, scope, e)
		}(i, e)
	}
	wg.Wait()

	res := &Result{}
	now := f.now()
	best := map[string]int{}
	for _, b := range batches {
		if b.err != nil {
			res.Degraded = append(res.Degraded, TargetFailure{Target: b.entry.Target, Error: b.err.Error()})
			f.logger.Warn("Retriever adapter degraded",
				zap.String("target", string(b.entry.Target)),
				zap.Error(b.err))
			continue
		}
		kept := f.scope(scope, b.cands)
		res.Excluded += len(b.cands) - len(kept)
		normalize(kept, f.cfg.Normalization)
		w := f.cfg.WeightsFor(string(b.entry.Target))
		for i := range kept {
			applyFreshness(&kept[i], now, f.cfg.FreshnessHorizon)
			kept[i].TotalScore = Relevance(kept[i].Scores, w)
		}
		for _, c := range kept {
			if j, dup := best[c.ResourceID]; dup {
				if c.TotalScore > res.Candidates[j].TotalScore {
					res.Candidates[j] = c
				}
				continue
			}
			best[c.ResourceID] = len(res.Candidates)
			res.Candidates = append(res.Candidates, c)
		}
	}

	if len(res.Degraded) == len(entries) {
		err := &RetrievalError{Failures: res.Degraded}
		tracing.RecordError(span, err)
		metrics.CandidatesReturned.WithLabelValues("failed").Observe(0)
		return nil, err
	}

	Rank(res.Candidates, rules, f.precision())
	if res.Candidates == nil {
		res.Candidates = []models.Candidate{}
	}
	outcome := "ok"
	if len(res.Degraded) > 0 {
		outcome = "degraded"
	}
	metrics.CandidatesReturned.WithLabelValues(outcome).Observe(float64(len(res.Candidates)))
	return res, nil
}

func (f *Fusion) query(ctx context.Context, scope models.Scope, e models.SearchEntry) ([]models.Candidate, error) {
	a, ok := f.adapters[e.Target]
	if !ok {
		metrics.RecordAdapter(string(e.Target), "unavailable", 0)
		return nil, fmt.Errorf("no adapter for target %s", e.Target)
	}
	topK := e.TopK
	if topK <= 0 {
		topK = f.cfg.DefaultTopK
	}
	if f.cfg.MaxTopK > 0 && topK > f.cfg.MaxTopK {
		topK = f.cfg.MaxTopK
	}
	if f.cfg.AdapterTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.AdapterTimeout)
		defer cancel()
	}

	start := time.Now()
	cands, err := a.Retrieve(ctx, Query{Scope: scope, Text: e.Query, TopK: topK, Filters: e.Filters})
	if err == nil {
		err = ctx.Err()
	}
	status := "ok"
	if err != nil {
		status = "error"
		if ctx.Err() == context.DeadlineExceeded {
			status = "timeout"
		}
	}
	metrics.RecordAdapter(string(e.Target), status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	for i := range cands {
		if cands[i].ResourceType == "" {
			cands[i].ResourceType = e.Target
		}
	}
	if topK > 0 && len(cands) > topK {
		cands = cands[:topK]
	}
	return cands, nil
}

// scope drops candidates the caller may not see.
func (f *Fusion) scope(scope models.Scope, cands []models.Candidate) []models.Candidate {
	out := cands[:0:0]
	for _, c := range cands {
		if Visible(f.tenancy.ModeFor(string(c.ResourceType)), scope, c.Metadata) {
			out = append(out, c)
			continue
		}
		metrics.CandidatesExcluded.WithLabelValues(string(c.ResourceType)).Inc()
	}
	return out
}

// Visible applies one isolation mode to a candidate's ownership metadata.
func Visible(mode string, scope models.Scope, meta models.CandidateMetadata) bool {
	if scope.TenantID == "" {
		return false
	}
	switch mode {
	case config.IsolationSoft:
		return meta.TenantID == scope.TenantID || meta.TenantID == "" || meta.Shared
	case config.IsolationUser:
		if meta.TenantID != scope.TenantID {
			return false
		}
		return meta.UserID == "" || meta.UserID == scope.UserID
	default:
		return meta.TenantID == scope.TenantID
	}
}

func (f *Fusion) defaultRules() []models.RankingRule {
	if len(f.cfg.DefaultRules) == 0 {
		return models.DefaultRankingRules
	}
	rules := make([]models.RankingRule, 0, len(f.cfg.DefaultRules))
	for _, r := range f.cfg.DefaultRules {
		rules = append(rules, models.RankingRule(r))
	}
	return rules
}

func (f *Fusion) precision() int {
	if f.cfg.RankPrecision <= 0 {
		return defaultRankPrecision
	}
	return f.cfg.RankPrecision
}

// Targets lists the resource types with a registered adapter, sorted.
func (f *Fusion) Targets() []models.ResourceType {
	out := make([]models.ResourceType, 0, len(f.adapters))
	for t := range f.adapters {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
