package runstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/db"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
)

// Schema is the table the Postgres store expects.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
    tenant_id        TEXT        NOT NULL,
    idempotency_key  TEXT        NOT NULL,
    run_id           TEXT        NOT NULL,
    workflow_id      TEXT        NOT NULL,
    status           TEXT        NOT NULL,
    revision         BIGINT      NOT NULL,
    data             JSONB       NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tenant_id, idempotency_key)
)`

const (
	insertRunSQL = `INSERT INTO workflow_runs
    (tenant_id, idempotency_key, run_id, workflow_id, status, revision, data, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`

	selectRunSQL = `SELECT data FROM workflow_runs WHERE tenant_id = $1 AND idempotency_key = $2`

	updateRunSQL = `UPDATE workflow_runs
SET status = $1, revision = $2, data = $3, updated_at = $4
WHERE tenant_id = $5 AND idempotency_key = $6 AND revision = $7`
)

// PostgresStore keeps runs in the workflow_runs table.
type PostgresStore struct {
	db *circuitbreaker.DatabaseWrapper
}

func NewPostgresStore(client *db.Client) *PostgresStore {
	return &PostgresStore{db: client.Wrapper()}
}

func (s *PostgresStore) Create(ctx context.Context, run *models.WorkflowRun) (*models.WorkflowRun, bool, error) {
	if err := validate(run); err != nil {
		return nil, false, err
	}
	if run.Revision == 0 {
		run.Revision = 1
	}
	data, err := db.Marshal(run)
	if err != nil {
		return nil, false, err
	}
	var affected int64
	err = s.db.Do(ctx, func(x *sqlx.DB) error {
		res, err := x.ExecContext(ctx, insertRunSQL,
			run.TenantID, run.IdempotencyKey, run.RunID, run.WorkflowID, string(run.Status),
			run.Revision, data, run.CreatedAt.UTC(), run.UpdatedAt.UTC())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, false, &StoreError{Op: "create", Err: err}
	}
	if affected == 1 {
		stored := *run
		return &stored, true, nil
	}
	stored, err := s.Get(ctx, run.TenantID, run.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, idem string) (*models.WorkflowRun, error) {
	var data db.JSONB
	err := s.db.Do(ctx, func(x *sqlx.DB) error {
		return x.GetContext(ctx, &data, selectRunSQL, tenantID, idem)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get", Err: err}
	}
	var run models.WorkflowRun
	if err := data.Decode(&run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *PostgresStore) Update(ctx context.Context, run *models.WorkflowRun) error {
	if err := validate(run); err != nil {
		return err
	}
	next := *run
	next.Revision = run.Revision + 1
	data, err := db.Marshal(&next)
	if err != nil {
		return err
	}
	var affected int64
	err = s.db.Do(ctx, func(x *sqlx.DB) error {
		res, err := x.ExecContext(ctx, updateRunSQL,
			string(next.Status), next.Revision, data, time.Now().UTC(),
			run.TenantID, run.IdempotencyKey, run.Revision)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return &StoreError{Op: "update", Err: err}
	}
	if affected == 0 {
		if _, err := s.Get(ctx, run.TenantID, run.IdempotencyKey); err != nil {
			return err
		}
		return ErrConflict
	}
	run.Revision = next.Revision
	return nil
}
