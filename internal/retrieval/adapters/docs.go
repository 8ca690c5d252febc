package adapters

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/retrieval"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/vectordb"
)

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkSearcher finds document chunks near a vector.
type ChunkSearcher interface {
	Search(ctx context.Context, vec []float32, tenantID string, limit int) ([]vectordb.Hit, error)
}

// Docs retrieves document chunks by vector similarity.
type Docs struct {
	embedder Embedder
	index    ChunkSearcher
	logger   *zap.Logger
}

func NewDocs(embedder Embedder, index ChunkSearcher, logger *zap.Logger) *Docs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Docs{embedder: embedder, index: index, logger: logger}
}

func (d *Docs) Target() models.ResourceType { return models.ResourceDoc }

func (d *Docs) Retrieve(ctx context.Context, q retrieval.Query) ([]models.Candidate, error) {
	if q.Text == "" {
		return nil, nil
	}
	vec, err := d.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := d.index.Search(ctx, vec, q.Scope.TenantID, q.TopK)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	qt := terms(q.Text)
	out := make([]models.Candidate, 0, len(hits))
	for _, h := range hits {
		if !matchTags(q.Filters, h.Tags) {
			continue
		}
		cov := overlap(qt, h.Content)
		out = append(out, models.Candidate{
			ResourceID:   h.ResourceID,
			ResourceType: models.ResourceDoc,
			Title:        h.Title,
			Content:      h.Content,
			Scores: models.SubScores{
				Semantic: h.Score,
				Keyword:  overlap(qt, h.Title+" "+h.Content),
				Coverage: cov,
				Policy:   1,
			},
			Metadata: models.CandidateMetadata{
				TenantID:  h.TenantID,
				Shared:    h.Shared,
				Tags:      h.Tags,
				ChunkID:   h.ChunkID,
				SpanStart: h.SpanStart,
				SpanEnd:   h.SpanEnd,
			},
		})
	}
	return out, nil
}

// matchTags applies a "tags" filter: every listed tag must be present.
func matchTags(filters map[string]interface{}, tags []string) bool {
	want, ok := filters["tags"].([]interface{})
	if !ok || len(want) == 0 {
		return true
	}
	have := make(map[string]bool, len(tags))
	for _, t := range tags {
		have[t] = true
	}
	for _, w := range want {
		if s, ok := w.(string); ok && !have[s] {
			return false
		}
	}
	return true
}
