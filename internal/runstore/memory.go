package runstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string][]byte
	revs map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string][]byte), revs: make(map[string]int64)}
}

func key(tenantID, idem string) string { return tenantID + "|" + idem }

func (m *MemoryStore) Create(_ context.Context, run *models.WorkflowRun) (*models.WorkflowRun, bool, error) {
	if err := validate(run); err != nil {
		return nil, false, err
	}
	k := key(run.TenantID, run.IdempotencyKey)
	m.mu.Lock()
	defer m.mu.Unlock()
	if raw, ok := m.runs[k]; ok {
		out, err := decode(raw)
		return out, false, err
	}
	if run.Revision == 0 {
		run.Revision = 1
	}
	raw, err := json.Marshal(run)
	if err != nil {
		return nil, false, err
	}
	m.runs[k] = raw
	m.revs[k] = run.Revision
	out, err := decode(raw)
	return out, true, err
}

func (m *MemoryStore) Get(_ context.Context, tenantID, idem string) (*models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.runs[key(tenantID, idem)]
	if !ok {
		return nil, ErrNotFound
	}
	return decode(raw)
}

func (m *MemoryStore) Update(_ context.Context, run *models.WorkflowRun) error {
	if err := validate(run); err != nil {
		return err
	}
	k := key(run.TenantID, run.IdempotencyKey)
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.revs[k]
	if !ok {
		return ErrNotFound
	}
	if rev != run.Revision {
		return ErrConflict
	}
	next := *run
	next.Revision = rev + 1
	raw, err := json.Marshal(&next)
	if err != nil {
		return err
	}
	m.runs[k] = raw
	m.revs[k] = next.Revision
	run.Revision = next.Revision
	return nil
}

func decode(raw []byte) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, err
	}
	return &run, nil
}
