package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/resultcache"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/retrieval"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/vectordb"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/workflow"
)

var acme = models.Scope{TenantID: "acme", UserID: "u1"}

type fakeEmbedder struct {
	vecs map[string][]float32
	err  error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vecs[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

type fakeIndex struct {
	hits     []vectordb.Hit
	tenantID string
	limit    int
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, tenantID string, limit int) ([]vectordb.Hit, error) {
	f.tenantID, f.limit = tenantID, limit
	return f.hits, nil
}

func TestDocsAdapter(t *testing.T) {
	idx := &fakeIndex{hits: []vectordb.Hit{
		{Chunk: vectordb.Chunk{ResourceID: "doc_refunds", ChunkID: "c1", TenantID: "acme", Title: "Refund policy", Content: "Refunds are issued within five days.", Tags: []string{"billing"}, SpanStart: 0, SpanEnd: 36}, Score: 0.82},
		{Chunk: vectordb.Chunk{ResourceID: "doc_shipping", ChunkID: "c9", Content: "Shipping takes a week.", Tags: []string{"logistics"}}, Score: 0.31},
	}}
	d := NewDocs(&fakeEmbedder{}, idx, zaptest.NewLogger(t))
	assert.Equal(t, models.ResourceDoc, d.Target())

	cands, err := d.Retrieve(context.Background(), retrieval.Query{Scope: acme, Text: "refunds issued", TopK: 4})
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "acme", idx.tenantID)
	assert.Equal(t, 4, idx.limit)
	assert.Equal(t, 0.82, cands[0].Scores.Semantic)
	assert.Equal(t, 1.0, cands[0].Scores.Coverage)
	assert.Equal(t, "c1", cands[0].Metadata.ChunkID)
	assert.Equal(t, 36, cands[0].Metadata.SpanEnd)

	cands, err = d.Retrieve(context.Background(), retrieval.Query{Scope: acme, Text: "refunds", Filters: map[string]interface{}{"tags": []interface{}{"billing"}}})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "doc_refunds", cands[0].ResourceID)
}

func TestDocsAdapterEmbedFailure(t *testing.T) {
	d := NewDocs(&fakeEmbedder{err: errors.New("embedder down")}, &fakeIndex{}, nil)
	_, err := d.Retrieve(context.Background(), retrieval.Query{Scope: acme, Text: "x"})
	assert.ErrorContains(t, err, "embedder down")
}

func toolStep() []workflow.Step {
	return []workflow.Step{{ID: "fetch", Kind: workflow.KindTool, Config: map[string]interface{}{"tool": "orders.lookup"}}}
}

func testRegistry(t *testing.T) *workflow.Registry {
	reg := workflow.NewRegistry(zaptest.NewLogger(t))
	defs := []*workflow.Definition{
		{
			ID: "order_status", Version: "1.0.0", TenantID: "acme", Title: "Order status",
			Description: "Look up the shipping status of an order", Tags: []string{"orders", "status"},
			Capabilities: []string{"status"}, RiskLevel: "low", TTLSeconds: 600,
			Inputs: []models.InputField{{Name: "order_id", Required: true, Question: "Which order?"}},
			Steps:  toolStep(),
		},
		{
			ID: "order_cancel", Version: "2.0.0", TenantID: "acme", Title: "Cancel order",
			Description: "Cancel an order before it ships", Status: models.StatusDeprecated,
			Steps: toolStep(),
		},
		{
			ID: "refund", Version: "1.0.0", TenantID: "acme", Title: "Issue refund",
			Description: "Refund a paid order", RiskLevel: "high", Cost: 0.4,
			FreshnessPolicy: &models.FreshnessPolicy{TTLSeconds: 300},
			InputSchema: map[string]interface{}{
				"type":       "object",
				"required":   []interface{}{"order_id"},
				"properties": map[string]interface{}{"order_id": map[string]interface{}{"description": "order number"}},
			},
			Steps: toolStep(),
		},
		{
			ID: "shipment_status", Version: "1.0.0", TenantID: "globex",
			Title: "Order status", Steps: toolStep(),
		},
	}
	for _, d := range defs {
		_, err := reg.Register(d)
		require.NoError(t, err)
	}
	return reg
}

func TestWorkflowsAdapter(t *testing.T) {
	w := NewWorkflows(testRegistry(t), nil, zaptest.NewLogger(t))
	cands, err := w.Retrieve(context.Background(), retrieval.Query{Scope: acme, Text: "order status"})
	require.NoError(t, err)

	ids := []string{}
	for _, c := range cands {
		ids = append(ids, c.ResourceID)
		assert.Equal(t, "acme", c.Metadata.TenantID)
	}
	assert.Equal(t, []string{"order_status", "refund"}, ids, "deprecated and foreign workflows are skipped")

	top := cands[0]
	assert.Equal(t, "order_status", top.Metadata.WorkflowID)
	assert.Equal(t, "1.0.0", top.Metadata.Version)
	assert.Equal(t, "low", top.Metadata.RiskLevel)
	assert.Equal(t, 600, top.Metadata.TTLSeconds)
	assert.InDelta(t, 1.0, top.Scores.Keyword, 1e-9)
	require.Len(t, top.Metadata.Inputs, 1)
	assert.Equal(t, "Which order?", top.Metadata.Inputs[0].Question)

	refund := cands[1]
	require.Len(t, refund.Metadata.Inputs, 1)
	assert.True(t, refund.Metadata.Inputs[0].Required)
	assert.Equal(t, "order number", refund.Metadata.Inputs[0].Description)
	assert.Equal(t, 0.4, refund.Scores.Cost)
	assert.Equal(t, 300, refund.Metadata.TTLSeconds, "resource freshness applies without a workflow ttl")
	assert.Equal(t, models.StatusActive, refund.Metadata.Status)
}

func TestWorkflowsAdapterUsesEmbeddings(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float32{"where is my parcel": {1, 0, 0}}}
	w := NewWorkflows(testRegistry(t), emb, nil)
	cands, err := w.Retrieve(context.Background(), retrieval.Query{Scope: acme, Text: "where is my parcel"})
	require.NoError(t, err)
	require.Len(t, cands, 2)
	for _, c := range cands {
		assert.Zero(t, c.Scores.Semantic, "orthogonal vectors")
	}
}

func TestResultsAdapter(t *testing.T) {
	now := time.Now()
	cache := resultcache.New(resultcache.NewMemoryStore(), zaptest.NewLogger(t))
	ctx := context.Background()
	for _, rec := range []*models.ResultRecord{
		{RecordID: "res_1", TenantID: "acme", UserID: "u1", Key: "order_status:abc", WorkflowID: "order_status", Summary: "Order status", Content: map[string]interface{}{"status": "shipped"}, FreshUntil: now.Add(time.Hour)},
		{RecordID: "res_2", TenantID: "acme", UserID: "u1", Key: "invoice:9", WorkflowID: "invoice", Summary: "Invoice total", Content: map[string]interface{}{"total": 12}, FreshUntil: now.Add(-time.Hour)},
		{RecordID: "res_3", TenantID: "acme", UserID: "u2", Key: "order_status:zzz", Summary: "Order status", FreshUntil: now.Add(time.Hour)},
	} {
		_, err := cache.Put(ctx, rec)
		require.NoError(t, err)
	}

	r := NewResults(cache, 0)
	cands, err := r.Retrieve(ctx, retrieval.Query{Scope: acme, Text: "order status", TopK: 5})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	c := cands[0]
	assert.Equal(t, "res_1", c.ResourceID)
	assert.Equal(t, "order_status:abc", c.Metadata.ResultKey)
	assert.Equal(t, "status: shipped", c.Content)
	require.NotNil(t, c.Metadata.GraceUntil)
	assert.True(t, c.Metadata.FreshUntil.Add(models.GraceWindow).Equal(*c.Metadata.GraceUntil))

	cands, err = r.Retrieve(ctx, retrieval.Query{Scope: acme, Filters: map[string]interface{}{"key": "invoice:9"}})
	require.NoError(t, err)
	require.Len(t, cands, 1, "expired records stay visible to retrieval")

	cands, err = r.Retrieve(ctx, retrieval.Query{Scope: acme, Filters: map[string]interface{}{"key": "invoice:9", "freshness_required": true}})
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestStructuredAdapter(t *testing.T) {
	raw, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	raw.SetMaxOpenConns(1)
	raw.MustExec(`CREATE TABLE structured_records (
		id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, kind TEXT,
		title TEXT, body TEXT, tags TEXT, updated_at TIMESTAMP)`)
	raw.MustExec(`INSERT INTO structured_records VALUES
		('sku_1', 'acme', 'product', 'Blue kettle', 'Electric kettle, 1.7 litre', 'kitchen,appliance', '2026-01-02'),
		('sku_2', 'acme', 'product', 'Red kettle', 'Stovetop kettle', 'kitchen', '2026-01-01'),
		('sku_3', 'globex', 'product', 'Kettle', 'Their kettle', '', '2026-01-03'),
		('faq_1', 'acme', 'faq', 'Kettle warranty', 'Two years', NULL, '2026-01-04')`)

	s, err := NewStructured(circuitbreaker.NewDatabaseWrapper(raw, "structured", zaptest.NewLogger(t)), "")
	require.NoError(t, err)

	cands, err := s.Retrieve(context.Background(), retrieval.Query{Scope: acme, Text: "electric kettle", TopK: 5, Filters: map[string]interface{}{"kind": "product"}})
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "sku_1", cands[0].ResourceID)
	assert.Equal(t, 1.0, cands[0].Scores.Keyword)
	assert.Equal(t, []string{"kitchen", "appliance"}, cands[0].Metadata.Tags)
	assert.Equal(t, "acme", cands[1].Metadata.TenantID)

	_, err = NewStructured(nil, "records; DROP TABLE x")
	assert.Error(t, err)
}
