package vectordb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/config"
)

func TestSearchSendsTenantFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/doc_chunks/points/query", r.URL.Path)
		var req map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		should := req["filter"].(map[string]interface{})["should"].([]interface{})
		assert.Len(t, should, 3)
		assert.EqualValues(t, 3, req["limit"])
		_, _ = w.Write([]byte(`{"result":{"points":[
			{"id":"p1","score":0.91,"payload":{"resource_id":"doc_refunds","chunk_id":"c2","tenant_id":"acme","content":"Refunds take 5 days.","span_start":10,"span_end":30}},
			{"id":"p2","score":0.4,"payload":{"content":"orphan"}}
		]}}`))
	}))
	defer srv.Close()

	c := NewWithBase(config.VectorConfig{Enabled: true, Collection: "doc_chunks"}, srv.URL, zaptest.NewLogger(t))
	hits, err := c.Search(context.Background(), []float32{0.1, 0.2}, "acme", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "doc_refunds", hits[0].ResourceID)
	assert.Equal(t, "c2", hits[0].ChunkID)
	assert.Equal(t, 0.91, hits[0].Score)
	assert.Equal(t, 30, hits[0].SpanEnd)
}

func TestSearchFallsBackToLegacyEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collections/doc_chunks/points/query" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "/collections/doc_chunks/points/search", r.URL.Path)
		_, _ = w.Write([]byte(`{"result":[{"id":7,"score":0.5,"payload":{"resource_id":"doc_a","content":"x"}}]}`))
	}))
	defer srv.Close()

	c := NewWithBase(config.VectorConfig{Enabled: true, Collection: "doc_chunks"}, srv.URL, zaptest.NewLogger(t))
	hits, err := c.Search(context.Background(), []float32{1}, "acme", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "7", hits[0].ChunkID)
}

func TestDisabledClient(t *testing.T) {
	c := New(config.VectorConfig{}, nil)
	_, err := c.Search(context.Background(), nil, "acme", 1)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.ErrorIs(t, c.Ping(context.Background()), ErrDisabled)
}

func TestUpsertAssignsIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var body struct {
			Points []UpsertItem `json:"points"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotNil(t, body.Points[0].ID)
		_, _ = w.Write([]byte(`{"status":"ok","time":0.01}`))
	}))
	defer srv.Close()

	c := NewWithBase(config.VectorConfig{Enabled: true, Collection: "doc_chunks"}, srv.URL, zaptest.NewLogger(t))
	r, err := c.Upsert(context.Background(), []UpsertItem{{Vector: []float32{1}, Payload: Chunk{ResourceID: "doc_a", Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "ok", r.Status)
}
