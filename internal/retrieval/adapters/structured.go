package adapters

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/retrieval"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// maxTerms bounds the generated LIKE clauses.
const maxTerms = 8

type structuredRow struct {
	ID       string `db:"id"`
	TenantID string `db:"tenant_id"`
	Kind     string `db:"kind"`
	Title    string `db:"title"`
	Body     string `db:"body"`
	Tags     string `db:"tags"`
}

// Structured searches a SQL table of tenant-owned records by keyword.
//
//	CREATE TABLE structured_records (
//	    id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, kind TEXT,
//	    title TEXT, body TEXT, tags TEXT, updated_at TIMESTAMP)
type Structured struct {
	db    *circuitbreaker.DatabaseWrapper
	table string
}

func NewStructured(db *circuitbreaker.DatabaseWrapper, table string) (*Structured, error) {
	if table == "" {
		table = "structured_records"
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid structured table name %q", table)
	}
	return &Structured{db: db, table: table}, nil
}

func (s *Structured) Target() models.ResourceType { return models.ResourceStructured }

func (s *Structured) Retrieve(ctx context.Context, q retrieval.Query) ([]models.Candidate, error) {
	qt := terms(q.Text)
	if len(qt) > maxTerms {
		qt = qt[:maxTerms]
	}
	where := []string{"tenant_id = ?"}
	args := []interface{}{q.Scope.TenantID}
	if len(qt) > 0 {
		var or []string
		for _, t := range qt {
			or = append(or, "lower(title) LIKE ?", "lower(body) LIKE ?")
			args = append(args, "%"+t+"%", "%"+t+"%")
		}
		where = append(where, "("+strings.Join(or, " OR ")+")")
	}
	if kind, ok := q.Filters["kind"].(string); ok && kind != "" {
		where = append(where, "kind = ?")
		args = append(args, kind)
	}
	limit := q.TopK
	if limit <= 0 {
		limit = 10
	}
	args = append(args, limit*4)
	query := fmt.Sprintf(
		"SELECT id, tenant_id, COALESCE(kind, '') AS kind, COALESCE(title, '') AS title, COALESCE(body, '') AS body, COALESCE(tags, '') AS tags FROM %s WHERE %s ORDER BY updated_at DESC, id LIMIT ?",
		s.table, strings.Join(where, " AND "))

	var rows []structuredRow
	err := s.db.Do(ctx, func(db *sqlx.DB) error {
		return db.SelectContext(ctx, &rows, db.Rebind(query), args...)
	})
	if err != nil {
		return nil, fmt.Errorf("structured query: %w", err)
	}

	out := make([]models.Candidate, 0, len(rows))
	for _, r := range rows {
		var tags []string
		for _, t := range strings.Split(r.Tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		out = append(out, models.Candidate{
			ResourceID:   r.ID,
			ResourceType: models.ResourceStructured,
			Title:        r.Title,
			Content:      r.Body,
			Scores: models.SubScores{
				Keyword:  overlap(qt, r.Title+" "+r.Body+" "+r.Tags),
				Coverage: overlap(qt, r.Body),
				Policy:   1,
			},
			Metadata: models.CandidateMetadata{TenantID: r.TenantID, Tags: tags},
		})
	}
	sortByKeyword(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
