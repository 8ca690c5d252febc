package vectordb

// Chunk is one indexed document chunk. It is the payload stored with each
// Qdrant point.
type Chunk struct {
	ResourceID string   `json:"resource_id"`
	ChunkID    string   `json:"chunk_id"`
	TenantID   string   `json:"tenant_id,omitempty"`
	Shared     bool     `json:"shared,omitempty"`
	Title      string   `json:"title,omitempty"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags,omitempty"`
	SpanStart  int      `json:"span_start"`
	SpanEnd    int      `json:"span_end"`
}

// Hit is a chunk with its similarity score.
type Hit struct {
	Chunk
	Score float64
}

// UpsertItem is a single point to insert.
type UpsertItem struct {
	ID      interface{} `json:"id,omitempty"`
	Vector  []float32   `json:"vector"`
	Payload Chunk       `json:"payload"`
}

type UpsertResponse struct {
	Status string  `json:"status"`
	Time   float64 `json:"time"`
}
