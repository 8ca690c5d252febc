package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/db"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/retrieval"
)

// ErrTraceNotFound is returned for unknown or expired trace ids, and for
// traces owned by another tenant.
var ErrTraceNotFound = errors.New("decision trace not found")

// Trace records how one request was decided so it can be inspected and
// replayed.
type Trace struct {
	ID             string                    `json:"trace_id"`
	Scope          models.Scope              `json:"scope"`
	Message        string                    `json:"message,omitempty"`
	Plan           *models.Plan              `json:"plan"`
	Inputs         map[string]interface{}    `json:"inputs,omitempty"`
	Candidates     []models.Candidate        `json:"candidates"`
	Degraded       []retrieval.TargetFailure `json:"degraded,omitempty"`
	Decision       *models.DecisionOutcome   `json:"decision"`
	RunID          string                    `json:"run_id,omitempty"`
	IdempotencyKey string                    `json:"idempotency_key,omitempty"`
	Evidence       []models.Evidence         `json:"evidence,omitempty"`
	Answer         string                    `json:"answer,omitempty"`
	ReplayOf       string                    `json:"replay_of,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
}

// TraceStore keeps traces for a bounded time.
type TraceStore interface {
	Put(ctx context.Context, t *Trace, ttl time.Duration) error
	Get(ctx context.Context, tenantID, id string) (*Trace, error)
}

// MemoryTraces is an in-process TraceStore.
type MemoryTraces struct {
	mu     sync.Mutex
	traces map[string]memoryTrace
	now    func() time.Time
}

type memoryTrace struct {
	raw     []byte
	tenant  string
	expires time.Time
}

func NewMemoryTraces() *MemoryTraces {
	return &MemoryTraces{traces: make(map[string]memoryTrace), now: time.Now}
}

func (m *MemoryTraces) Put(_ context.Context, t *Trace, ttl time.Duration) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, e := range m.traces {
		if now.After(e.expires) {
			delete(m.traces, id)
		}
	}
	m.traces[t.ID] = memoryTrace{raw: raw, tenant: t.Scope.TenantID, expires: now.Add(ttl)}
	return nil
}

func (m *MemoryTraces) Get(_ context.Context, tenantID, id string) (*Trace, error) {
	m.mu.Lock()
	e, ok := m.traces[id]
	m.mu.Unlock()
	if !ok || e.tenant != tenantID || m.now().After(e.expires) {
		return nil, ErrTraceNotFound
	}
	var t Trace
	if err := json.Unmarshal(e.raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// RedisTraces stores traces as JSON strings with a TTL.
type RedisTraces struct {
	rw *circuitbreaker.RedisWrapper
}

func NewRedisTraces(rw *circuitbreaker.RedisWrapper) *RedisTraces {
	return &RedisTraces{rw: rw}
}

func traceKey(tenantID, id string) string {
	return fmt.Sprintf("resolver:trace:{%s}:%s", tenantID, id)
}

func (s *RedisTraces) Put(ctx context.Context, t *Trace, ttl time.Duration) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.rw.Do(ctx, func(c redis.UniversalClient) error {
		return c.Set(ctx, traceKey(t.Scope.TenantID, t.ID), raw, ttl).Err()
	})
}

func (s *RedisTraces) Get(ctx context.Context, tenantID, id string) (*Trace, error) {
	var raw []byte
	err := s.rw.Do(ctx, func(c redis.UniversalClient) error {
		var err error
		raw, err = c.Get(ctx, traceKey(tenantID, id)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrTraceNotFound
	}
	if err != nil {
		return nil, err
	}
	var t Trace
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode trace %s: %w", id, err)
	}
	return &t, nil
}

// TraceSchema is the table PostgresTraces expects.
const TraceSchema = `
CREATE TABLE IF NOT EXISTS decision_traces (
    trace_id    TEXT        PRIMARY KEY,
    tenant_id   TEXT        NOT NULL,
    action_type TEXT        NOT NULL,
    data        JSONB       NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL
)`

const (
	insertTraceSQL = `INSERT INTO decision_traces (trace_id, tenant_id, action_type, data, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (trace_id) DO NOTHING`

	selectTraceSQL = `SELECT data FROM decision_traces WHERE trace_id = $1 AND tenant_id = $2 AND expires_at > $3`
)

// PostgresTraces keeps traces in the decision_traces table.
type PostgresTraces struct {
	db  *circuitbreaker.DatabaseWrapper
	now func() time.Time
}

func NewPostgresTraces(client *db.Client) *PostgresTraces {
	return &PostgresTraces{db: client.Wrapper(), now: time.Now}
}

func (s *PostgresTraces) Put(ctx context.Context, t *Trace, ttl time.Duration) error {
	data, err := db.Marshal(t)
	if err != nil {
		return err
	}
	action := ""
	if t.Decision != nil {
		action = string(t.Decision.ActionType)
	}
	now := s.now().UTC()
	return s.db.Do(ctx, func(x *sqlx.DB) error {
		_, err := x.ExecContext(ctx, insertTraceSQL, t.ID, t.Scope.TenantID, action, data, t.CreatedAt.UTC(), now.Add(ttl))
		return err
	})
}

func (s *PostgresTraces) Get(ctx context.Context, tenantID, id string) (*Trace, error) {
	var data db.JSONB
	err := s.db.Do(ctx, func(x *sqlx.DB) error {
		return x.QueryRowxContext(ctx, selectTraceSQL, id, tenantID, s.now().UTC()).Scan(&data)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTraceNotFound
	}
	if err != nil {
		return nil, err
	}
	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode trace %s: %w", id, err)
	}
	return &t, nil
}
