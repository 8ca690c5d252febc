package adapters

import (
	"context"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/resultcache"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/retrieval"
)

// ResultLister lists stored results visible to a tenant and user.
type ResultLister interface {
	List(ctx context.Context, tenantID, userID string, limit int) ([]resultcache.Lookup, error)
}

// Results matches stored workflow results by subject: the record key and summary.
type Results struct {
	cache ResultLister
	limit int
}

func NewResults(cache ResultLister, limit int) *Results {
	if limit <= 0 {
		limit = 50
	}
	return &Results{cache: cache, limit: limit}
}

func (r *Results) Target() models.ResourceType { return models.ResourceResult }

func (r *Results) Retrieve(ctx context.Context, q retrieval.Query) ([]models.Candidate, error) {
	lookups, err := r.cache.List(ctx, q.Scope.TenantID, q.Scope.UserID, r.limit)
	if err != nil {
		return nil, err
	}
	qt := terms(q.Text)
	wantKey, _ := q.Filters["key"].(string)
	wantWorkflow, _ := q.Filters["workflow_id"].(string)
	freshOnly, _ := q.Filters["freshness_required"].(bool)
	var out []models.Candidate
	for _, l := range lookups {
		rec := l.Record
		if rec == nil {
			continue
		}
		if wantWorkflow != "" && rec.WorkflowID != wantWorkflow {
			continue
		}
		if freshOnly && l.Status != resultcache.Fresh {
			continue
		}
		subject := strings.NewReplacer(":", " ", "_", " ", "/", " ").Replace(rec.Key) + " " + rec.Summary + " " + rec.WorkflowID
		match := overlap(qt, subject)
		if wantKey != "" {
			if rec.Key != wantKey {
				continue
			}
			match = 1
		}
		if len(qt) > 0 && match == 0 {
			continue
		}
		fresh, grace := rec.FreshUntil, rec.GraceUntil
		out = append(out, models.Candidate{
			ResourceID:   rec.RecordID,
			ResourceType: models.ResourceResult,
			Title:        rec.Summary,
			Content:      rec.Text(),
			Scores: models.SubScores{
				Semantic: match,
				Keyword:  match,
				Coverage: 1,
				Policy:   1,
			},
			Metadata: models.CandidateMetadata{
				TenantID:   rec.TenantID,
				UserID:     rec.UserID,
				FreshUntil: &fresh,
				GraceUntil: &grace,
				WorkflowID: rec.WorkflowID,
				ResultKey:  rec.Key,
			},
		})
	}
	sortByKeyword(out)
	if q.TopK > 0 && len(out) > q.TopK {
		out = out[:q.TopK]
	}
	return out, nil
}
