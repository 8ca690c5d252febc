package pipeline

import (
	"context"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/retrieval"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/workflow"
)

// NestedSearch lets RETRIEVE steps query fusion with the run's scope.
func NestedSearch(f *retrieval.Fusion) workflow.Searcher {
	return workflow.SearchFunc(func(ctx context.Context, req workflow.SearchRequest) ([]models.Candidate, error) {
		res, err := f.Search(ctx, req.Scope, []models.SearchEntry{{
			Target:  req.Target,
			Query:   req.Query,
			Filters: req.Filters,
			TopK:    req.TopK,
		}}, req.RankingRules)
		if err != nil {
			return nil, err
		}
		return res.Candidates, nil
	})
}
