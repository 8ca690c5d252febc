// Package vectordb is a small Qdrant HTTP client for document chunk search.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/config"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/tracing"
)

var ErrDisabled = errors.New("vectordb: disabled")

type Client struct {
	cfg   config.VectorConfig
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

func New(cfg config.VectorConfig, logger *zap.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Collection == "" {
		cfg.Collection = "doc_chunks"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewWithBase(cfg, fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port), logger)
}

// NewWithBase points the client at an explicit base URL.
func NewWithBase(cfg config.VectorConfig, base string, logger *zap.Logger) *Client {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:   cfg,
		base:  base,
		httpw: circuitbreaker.NewHTTPWrapper(httpClient, "qdrant", "vectordb", logger),
		log:   logger,
	}
}

type queryRequest struct {
	Query          []float32              `json:"query"`
	Limit          int                    `json:"limit"`
	ScoreThreshold *float64               `json:"score_threshold,omitempty"`
	WithPayload    bool                   `json:"with_payload"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
}

type point struct {
	ID      interface{} `json:"id"`
	Score   float64     `json:"score"`
	Payload Chunk       `json:"payload"`
}

type searchResponse struct {
	Result []point `json:"result"`
}

type queryResponse struct {
	Result struct {
		Points []point `json:"points"`
	} `json:"result"`
}

// TenantFilter matches chunks owned by tenantID, untagged chunks, and
// chunks marked shared.
func TenantFilter(tenantID string) map[string]interface{} {
	return map[string]interface{}{
		"should": []map[string]interface{}{
			{"key": "tenant_id", "match": map[string]interface{}{"value": tenantID}},
			{"key": "shared", "match": map[string]interface{}{"value": true}},
			{"is_empty": map[string]interface{}{"key": "tenant_id"}},
		},
	}
}

// Search returns the nearest chunks visible to tenantID.
func (c *Client) Search(ctx context.Context, vec []float32, tenantID string, limit int) ([]Hit, error) {
	if c == nil || !c.cfg.Enabled {
		return nil, ErrDisabled
	}
	start := time.Now()
	points, err := c.search(ctx, vec, limit, TenantFilter(tenantID))
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.VectorSearches.WithLabelValues(c.cfg.Collection, status).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		if p.Payload.ResourceID == "" {
			continue
		}
		if p.Payload.ChunkID == "" {
			p.Payload.ChunkID = fmt.Sprintf("%v", p.ID)
		}
		hits = append(hits, Hit{Chunk: p.Payload, Score: p.Score})
	}
	return hits, nil
}

func (c *Client) search(ctx context.Context, vec []float32, limit int, filter map[string]interface{}) ([]point, error) {
	var thr *float64
	if c.cfg.ScoreThreshold > 0 {
		thr = &c.cfg.ScoreThreshold
	}
	body, err := json.Marshal(queryRequest{Query: vec, Limit: limit, ScoreThreshold: thr, WithPayload: true, Filter: filter})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, fmt.Sprintf("%s/collections/%s/points/query", c.base, c.cfg.Collection), http.MethodPost, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		var qr queryResponse
		if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
			return nil, err
		}
		return qr.Result.Points, nil
	}

	// Older Qdrant releases only expose /points/search.
	legacy := map[string]interface{}{"vector": vec, "limit": limit, "with_payload": true, "filter": filter}
	if thr != nil {
		legacy["score_threshold"] = *thr
	}
	body, err = json.Marshal(legacy)
	if err != nil {
		return nil, err
	}
	resp2, err := c.do(ctx, fmt.Sprintf("%s/collections/%s/points/search", c.base, c.cfg.Collection), http.MethodPost, body)
	if err != nil {
		return nil, fmt.Errorf("qdrant query/search failed: %w", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qdrant status %d", resp2.StatusCode)
	}
	var sr searchResponse
	if err := json.NewDecoder(resp2.Body).Decode(&sr); err != nil {
		return nil, err
	}
	return sr.Result, nil
}

// Upsert indexes chunks. Points without an ID get a random UUID.
func (c *Client) Upsert(ctx context.Context, items []UpsertItem) (*UpsertResponse, error) {
	if c == nil || !c.cfg.Enabled {
		return nil, ErrDisabled
	}
	for i := range items {
		if items[i].ID == nil {
			items[i].ID = uuid.New().String()
		}
	}
	body, err := json.Marshal(map[string]interface{}{"points": items})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, fmt.Sprintf("%s/collections/%s/points", c.base, c.cfg.Collection), http.MethodPut, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qdrant upsert status %d", resp.StatusCode)
	}
	var r UpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Ping checks that the collection exists.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || !c.cfg.Enabled {
		return ErrDisabled
	}
	resp, err := c.do(ctx, fmt.Sprintf("%s/collections/%s", c.base, c.cfg.Collection), http.MethodGet, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qdrant collection %s: status %d", c.cfg.Collection, resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, url, method string, body []byte) (*http.Response, error) {
	ctx, span := tracing.StartHTTPSpan(ctx, method, url)
	defer span.End()
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	resp, err := c.httpw.Do(req)
	if err != nil {
		tracing.RecordError(span, err)
	}
	return resp, err
}
