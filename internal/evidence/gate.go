// Package evidence assembles the only content the generation oracle sees:
// sanitized spans of the selected resources, each with its citation.
package evidence

import (
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/config"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
)

// ErrNoEvidence is returned when a selection yields nothing citable.
var ErrNoEvidence = errors.New("selection produced no citable evidence")

// Source is one piece of selected content.
type Source struct {
	ResourceID string
	Type       models.ResourceType
	Content    string
	ChunkID    string
	// Span locates Content inside the cited document, when known.
	Span    *models.Span
	Expired bool
}

// FromCandidate turns a ranked candidate into a source.
func FromCandidate(c models.Candidate) Source {
	src := Source{
		ResourceID: c.ResourceID,
		Type:       c.ResourceType,
		Content:    c.Content,
		ChunkID:    c.Metadata.ChunkID,
		Expired:    c.Expired,
	}
	if c.Metadata.SpanEnd > c.Metadata.SpanStart {
		src.Span = &models.Span{Start: c.Metadata.SpanStart, End: c.Metadata.SpanEnd}
	}
	return src
}

// FromResult turns a stored result record into a source.
func FromResult(rec *models.ResultRecord) Source {
	return Source{
		ResourceID: rec.RecordID,
		Type:       models.ResourceResult,
		Content:    rec.Text(),
	}
}

// Selection is the ordered content chosen for one answer, primary first.
type Selection struct {
	Sources []Source
}

// Gate enforces item and size limits on assembled evidence.
type Gate struct {
	cfg    config.EvidenceConfig
	logger *zap.Logger
}

func New(cfg config.EvidenceConfig, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{cfg: cfg, logger: logger}
}

// Assemble returns evidence in selection order. Sources that are not citable
// types, are expired, repeat an earlier citation, or sanitize to nothing are
// skipped.
func (g *Gate) Assemble(sel Selection) ([]models.Evidence, error) {
	var out []models.Evidence
	seen := make(map[string]bool, len(sel.Sources))
	for i, src := range sel.Sources {
		if src.ResourceID == "" {
			return nil, fmt.Errorf("source %d has no resource id", i)
		}
		if g.cfg.MaxItems > 0 && len(out) >= g.cfg.MaxItems {
			break
		}
		if src.Expired || !citable(src.Type) {
			continue
		}
		cite := citation(src)
		if seen[cite.Source] {
			continue
		}
		clean := Sanitize(src.Content)
		if clean.Content == "" {
			g.logger.Debug("Evidence source sanitized to nothing",
				zap.String("resource_id", src.ResourceID),
				zap.Int("removed_clauses", clean.Removed))
			continue
		}
		if cite.Span == nil {
			cite.Span = &models.Span{Start: clean.Spans[0].Start, End: clean.Spans[len(clean.Spans)-1].End}
		}
		seen[cite.Source] = true
		ev := models.Evidence{
			ResourceID: src.ResourceID,
			Type:       evidenceType(src.Type),
			Content:    truncate(clean.Content, g.cfg.MaxContentChars),
			Citation:   cite,
			Sanitized:  clean.Removed > 0,
		}
		if ev.Sanitized {
			g.logger.Warn("Removed instruction-like content from evidence",
				zap.String("resource_id", src.ResourceID),
				zap.Int("removed_clauses", clean.Removed))
		}
		metrics.EvidenceItems.WithLabelValues(string(ev.Type), strconv.FormatBool(ev.Sanitized)).Inc()
		out = append(out, ev)
	}
	if len(out) == 0 && len(sel.Sources) > 0 {
		return nil, ErrNoEvidence
	}
	return out, nil
}

func citable(t models.ResourceType) bool {
	switch t {
	case models.ResourceDoc, models.ResourceResult, models.ResourceStructured:
		return true
	}
	return false
}

// evidenceType folds STRUCTURED rows into DOC evidence.
func evidenceType(t models.ResourceType) models.ResourceType {
	if t == models.ResourceResult {
		return models.ResourceResult
	}
	return models.ResourceDoc
}

func citation(src Source) models.Citation {
	c := models.Citation{ID: src.ResourceID, Span: src.Span}
	if src.Type == models.ResourceResult {
		c.Source = models.ResultURI(src.ResourceID)
	} else {
		c.Source = models.DocURI(src.ResourceID, src.ChunkID)
	}
	return c
}

// truncate cuts s to at most n runes, preferring the last space before the limit.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	all := []rune(s)
	if all[n] == ' ' || all[n] == '\n' {
		return string(all[:n])
	}
	runes := all[:n]
	for i := len(runes) - 1; i > n/2; i-- {
		if runes[i] == ' ' || runes[i] == '\n' {
			return string(runes[:i])
		}
	}
	return string(runes)
}
