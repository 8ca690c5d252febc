package resultcache

import (
	"context"
	"sort"
	"sync"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
)

// MemoryStore keeps records in process. Useful for tests and single-node runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.ResultRecord // tenant|id
	index   map[string][]string             // tenant|user|key -> ids, insertion order
	scopes  map[string][]string             // tenant|user -> ids
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*models.ResultRecord),
		index:   make(map[string][]string),
		scopes:  make(map[string][]string),
	}
}

func (m *MemoryStore) Insert(_ context.Context, rec *models.ResultRecord) (*models.ResultRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := rec.TenantID + "|" + rec.RecordID
	if existing, ok := m.records[id]; ok {
		return clone(existing), false, nil
	}
	c := clone(rec)
	m.records[id] = c
	ik := rec.TenantID + "|" + rec.UserID + "|" + rec.Key
	m.index[ik] = append(m.index[ik], rec.RecordID)
	sk := rec.TenantID + "|" + rec.UserID
	m.scopes[sk] = append(m.scopes[sk], rec.RecordID)
	return clone(c), true, nil
}

func (m *MemoryStore) Latest(_ context.Context, tenantID, userID, key string) (*models.ResultRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.index[tenantID+"|"+userID+"|"+key]
	var best *models.ResultRecord
	for _, id := range ids {
		r := m.records[tenantID+"|"+id]
		if best == nil || !r.CreatedAt.Before(best.CreatedAt) {
			best = r
		}
	}
	return clone(best), nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID, recordID string) (*models.ResultRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(m.records[tenantID+"|"+recordID]), nil
}

func (m *MemoryStore) List(_ context.Context, tenantID, userID string, limit int) ([]*models.ResultRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.scopes[tenantID+"|"+userID]
	out := make([]*models.ResultRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(m.records[tenantID+"|"+id]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(r *models.ResultRecord) *models.ResultRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Content != nil {
		c.Content = make(map[string]interface{}, len(r.Content))
		for k, v := range r.Content {
			c.Content[k] = v
		}
	}
	return &c
}
