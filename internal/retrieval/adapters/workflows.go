package adapters

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/retrieval"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/workflow"
)

// Catalog lists the active latest workflow programs of a tenant.
type Catalog interface {
	List(tenantID string) []*workflow.Program
}

// Workflows matches the query against workflow definitions in the registry.
// With an embedder the semantic score is the cosine between the query and
// the definition text; otherwise it is term overlap.
type Workflows struct {
	catalog  Catalog
	embedder Embedder
	logger   *zap.Logger
}

func NewWorkflows(catalog Catalog, embedder Embedder, logger *zap.Logger) *Workflows {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflows{catalog: catalog, embedder: embedder, logger: logger}
}

func (w *Workflows) Target() models.ResourceType { return models.ResourceWorkflow }

func (w *Workflows) Retrieve(ctx context.Context, q retrieval.Query) ([]models.Candidate, error) {
	programs := w.catalog.List(q.Scope.TenantID)
	qt := terms(q.Text)
	var (
		cands []models.Candidate
		texts []string
	)
	for _, p := range programs {
		d := p.Def
		if !d.Active() {
			continue
		}
		res := d.Descriptor()
		text := strings.Join([]string{d.Title, d.Description, d.WhenToUse, strings.Join(d.Tags, " "), strings.Join(d.Capabilities, " ")}, " ")
		if len(qt) > 0 && overlap(qt, text) == 0 && w.embedder == nil {
			continue
		}
		cands = append(cands, models.Candidate{
			ResourceID:   res.ID,
			ResourceType: models.ResourceWorkflow,
			Title:        d.Title,
			Content:      strings.TrimSpace(d.Title + ". " + d.WhenToUse),
			Scores: models.SubScores{
				Semantic: overlap(qt, text),
				Keyword:  keywordScore(q.Text, qt, d),
				Coverage: overlap(qt, d.Description+" "+d.WhenToUse),
				Cost:     d.Cost,
				Policy:   1,
			},
			Metadata: models.CandidateMetadata{
				TenantID:   res.TenantID,
				Status:     res.Status,
				Tags:       res.Tags,
				WorkflowID: d.ID,
				Version:    d.Version,
				RiskLevel:  d.RiskLevel,
				Inputs:     p.InputFields(),
				TTLSeconds: ttlSeconds(d, res),
			},
		})
		texts = append(texts, text)
	}
	if w.embedder != nil && len(cands) > 0 && q.Text != "" {
		w.embedScores(ctx, q.Text, texts, cands)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Scores.Semantic+cands[i].Scores.Keyword > cands[j].Scores.Semantic+cands[j].Scores.Keyword
	})
	if q.TopK > 0 && len(cands) > q.TopK {
		cands = cands[:q.TopK]
	}
	return cands, nil
}

func (w *Workflows) embedScores(ctx context.Context, query string, texts []string, cands []models.Candidate) {
	vecs, err := w.embedder.EmbedBatch(ctx, append([]string{query}, texts...))
	if err != nil {
		w.logger.Warn("Workflow embedding failed, using term overlap", zap.Error(err))
		return
	}
	for i := range cands {
		cands[i].Scores.Semantic = cosine(vecs[0], vecs[i+1])
	}
}

// keywordScore weighs a whole-query title match above capability and tag hits.
func keywordScore(query string, qt []string, d *workflow.Definition) float64 {
	var s float64
	if query != "" && strings.Contains(strings.ToLower(d.Title), strings.ToLower(strings.TrimSpace(query))) {
		s += 0.5
	}
	if anyTerm(qt, strings.Join(d.Capabilities, " ")) {
		s += 0.3
	}
	if anyTerm(qt, strings.Join(d.Tags, " ")) {
		s += 0.2
	}
	if s > 1 {
		s = 1
	}
	return s
}

// ttlSeconds is the result TTL a run of d would get before the global default.
func ttlSeconds(d *workflow.Definition, res models.Resource) int {
	if d.TTLSeconds > 0 {
		return d.TTLSeconds
	}
	if res.FreshnessPolicy != nil {
		return res.FreshnessPolicy.TTLSeconds
	}
	return 0
}
