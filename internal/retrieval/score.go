package retrieval

import (
	"math"
	"sort"
	"time"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/config"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
)

// DefaultFreshnessHorizon is the remaining life at which a result stops
// counting as fully fresh.
const DefaultFreshnessHorizon = time.Hour

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// normalize maps every adapter sub-score into [0,1] in place. minmax rescales
// each sub-score over the batch; a constant column falls back to clamping.
func normalize(cands []models.Candidate, mode string) {
	if mode != config.NormalizeMinMax || len(cands) < 2 {
		for i := range cands {
			s := &cands[i].Scores
			s.Semantic, s.Keyword, s.Freshness = clamp01(s.Semantic), clamp01(s.Keyword), clamp01(s.Freshness)
			s.Coverage, s.Cost, s.Policy = clamp01(s.Coverage), clamp01(s.Cost), clamp01(s.Policy)
		}
		return
	}
	fields := []func(*models.SubScores) *float64{
		func(s *models.SubScores) *float64 { return &s.Semantic },
		func(s *models.SubScores) *float64 { return &s.Keyword },
		func(s *models.SubScores) *float64 { return &s.Freshness },
		func(s *models.SubScores) *float64 { return &s.Coverage },
		func(s *models.SubScores) *float64 { return &s.Cost },
		func(s *models.SubScores) *float64 { return &s.Policy },
	}
	for _, field := range fields {
		lo, hi := math.Inf(1), math.Inf(-1)
		for i := range cands {
			v := *field(&cands[i].Scores)
			if math.IsNaN(v) {
				continue
			}
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
		for i := range cands {
			p := field(&cands[i].Scores)
			if hi > lo && !math.IsNaN(*p) {
				*p = (*p - lo) / (hi - lo)
			} else {
				*p = clamp01(*p)
			}
		}
	}
}

// Relevance is the weighted mean of normalized sub-scores, in [0,1].
func Relevance(s models.SubScores, w config.Weights) float64 {
	sum := w.Sum()
	if sum <= 0 {
		return clamp01(s.Semantic)
	}
	v := w.Semantic*s.Semantic + w.Keyword*s.Keyword + w.Freshness*s.Freshness +
		w.Coverage*s.Coverage + w.Policy*s.Policy
	return clamp01(v / sum)
}

// FreshnessScore scores remaining life: 1 when at least horizon remains,
// decaying to 0.5 at fresh_until, then linearly to 0 at grace_until. expired
// is true once grace_until has passed.
func FreshnessScore(freshUntil, graceUntil, now time.Time, horizon time.Duration) (score float64, expired bool) {
	if horizon <= 0 {
		horizon = DefaultFreshnessHorizon
	}
	if graceUntil.IsZero() || graceUntil.Before(freshUntil) {
		graceUntil = freshUntil.Add(models.GraceWindow)
	}
	switch {
	case now.Before(freshUntil):
		remaining := freshUntil.Sub(now)
		if remaining >= horizon {
			return 1, false
		}
		return 0.5 + 0.5*float64(remaining)/float64(horizon), false
	case now.Before(graceUntil):
		grace := graceUntil.Sub(freshUntil)
		return 0.5 * float64(graceUntil.Sub(now)) / float64(grace), false
	default:
		return 0, true
	}
}

func applyFreshness(c *models.Candidate, now time.Time, horizon time.Duration) {
	if c.Metadata.FreshUntil == nil {
		return
	}
	var grace time.Time
	if c.Metadata.GraceUntil != nil {
		grace = *c.Metadata.GraceUntil
	}
	c.Scores.Freshness, c.Expired = FreshnessScore(*c.Metadata.FreshUntil, grace, now, horizon)
}

// defaultRankPrecision only absorbs float noise, so rule keys compare as
// the real scores do.
const defaultRankPrecision = 6

func quantize(v float64, precision int) float64 {
	p := math.Pow(10, float64(precision))
	return math.Round(v*p) / p
}

// ruleKey returns the comparison key for rule, oriented so larger is better.
// Cost is a normalized expense, so cheaper ranks higher.
func ruleKey(c *models.Candidate, rule models.RankingRule) float64 {
	switch rule {
	case models.RuleCorrectness:
		return c.TotalScore
	case models.RuleFreshness:
		return c.Scores.Freshness
	case models.RuleCoverage:
		return c.Scores.Coverage
	case models.RuleCost:
		return 1 - c.Scores.Cost
	}
	return 0
}

// Less reports whether a ranks before b: the first rule whose quantized keys
// differ decides; full ties fall back to resource id.
func Less(a, b *models.Candidate, rules []models.RankingRule, precision int) bool {
	for _, r := range rules {
		ka, kb := quantize(ruleKey(a, r), precision), quantize(ruleKey(b, r), precision)
		if ka != kb {
			return ka > kb
		}
	}
	return a.ResourceID < b.ResourceID
}

// Rank sorts candidates lexicographically by rules.
func Rank(cands []models.Candidate, rules []models.RankingRule, precision int) {
	sort.SliceStable(cands, func(i, j int) bool {
		return Less(&cands[i], &cands[j], rules, precision)
	})
}
