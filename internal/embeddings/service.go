// Package embeddings turns query text into vectors for semantic retrieval.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/config"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/tracing"
)

var ErrEmptyEmbedding = errors.New("no embeddings returned")

const lruTTL = 30 * time.Minute

// Service calls an /embeddings endpoint with a two-level cache in front.
type Service struct {
	cfg    config.EmbeddingsConfig
	http   *circuitbreaker.HTTPWrapper
	cache  Cache
	lru    *LocalLRU
	logger *zap.Logger
}

// NewService builds the service. cache may be nil.
func NewService(cfg config.EmbeddingsConfig, cache Cache, logger *zap.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := &http.Client{Timeout: cfg.Timeout}
	return &Service{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapper(client, "embeddings", "embeddings", logger),
		cache:  cache,
		lru:    NewLocalLRU(cfg.MaxLRU),
		logger: logger,
	}
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// Embed returns the vector for one text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch returns vectors for texts in order, fetching only cache misses.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if s == nil {
		return nil, fmt.Errorf("embedding service not initialized")
	}
	m := s.cfg.Model
	results := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		key := MakeKey(m, text)
		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			metrics.RecordEmbedding(m, "lru_hit", 0)
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(ctx, key, v, lruTTL)
				metrics.RecordEmbedding(m, "cache_hit", 0)
				continue
			}
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	start := time.Now()
	vecs, err := s.fetch(ctx, m, missing)
	if err != nil {
		metrics.RecordEmbedding(m, "error", time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordEmbedding(m, "ok", time.Since(start).Seconds())
	for i, v := range vecs {
		results[missingIdx[i]] = v
		key := MakeKey(m, missing[i])
		s.lru.Set(ctx, key, v, lruTTL)
		if s.cache != nil {
			s.cache.Set(ctx, key, v, s.cfg.CacheTTL)
		}
	}
	return results, nil
}

func (s *Service) fetch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/embeddings/"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, err := json.Marshal(embedRequest{Texts: texts, Model: model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(body))
	}
	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if len(er.Embeddings) == 0 {
		return nil, ErrEmptyEmbedding
	}
	if len(er.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d embeddings for %d texts", len(er.Embeddings), len(texts))
	}
	out := make([][]float32, len(er.Embeddings))
	for i, e := range er.Embeddings {
		v := make([]float32, len(e))
		for j, f := range e {
			v[j] = float32(f)
		}
		out[i] = v
	}
	return out, nil
}
