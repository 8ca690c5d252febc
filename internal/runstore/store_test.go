package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/db"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
)

func newRun(runID, key string) *models.WorkflowRun {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.WorkflowRun{
		RunID:          runID,
		WorkflowID:     "wf_refund",
		Version:        "1.0.0",
		IdempotencyKey: key,
		TenantID:       "acme",
		Status:         models.RunRunning,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func kvStores(t *testing.T) map[string]Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rw := circuitbreaker.NewRedisWrapper(client, "runs-test", zaptest.NewLogger(t))
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(rw, time.Hour),
	}
}

func TestCreateIsFirstWriterWins(t *testing.T) {
	for name, s := range kvStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			var mu sync.Mutex
			winners := 0
			seen := map[string]bool{}

			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					stored, created, err := s.Create(ctx, newRun(fmt.Sprintf("run_%d", i), "key-1"))
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					if created {
						winners++
					}
					seen[stored.RunID] = true
				}(i)
			}
			wg.Wait()

			assert.Equal(t, 1, winners)
			assert.Len(t, seen, 1)
		})
	}
}

func TestUpdateUsesRevision(t *testing.T) {
	for name, s := range kvStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := newRun("run_1", "key-2")
			stored, created, err := s.Create(ctx, run)
			require.NoError(t, err)
			require.True(t, created)
			assert.Equal(t, int64(1), stored.Revision)

			stale := *stored
			stored.Status = models.RunSucceeded
			require.NoError(t, s.Update(ctx, stored))
			assert.Equal(t, int64(2), stored.Revision)

			stale.Status = models.RunFailed
			assert.ErrorIs(t, s.Update(ctx, &stale), ErrConflict)

			got, err := s.Get(ctx, "acme", "key-2")
			require.NoError(t, err)
			assert.Equal(t, models.RunSucceeded, got.Status)

			_, err = s.Get(ctx, "globex", "key-2")
			assert.ErrorIs(t, err, ErrNotFound)

			missing := newRun("run_x", "absent")
			assert.ErrorIs(t, s.Update(ctx, missing), ErrNotFound)
		})
	}
}

func TestPostgresStore(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	store := NewPostgresStore(db.Wrap(sqlx.NewDb(raw, "postgres"), zaptest.NewLogger(t)))
	ctx := context.Background()

	run := newRun("run_1", "key-3")
	mock.ExpectExec("INSERT INTO workflow_runs").
		WithArgs("acme", "key-3", "run_1", "wf_refund", "RUNNING", int64(1), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	stored, created, err := store.Create(ctx, run)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "run_1", stored.RunID)

	// a second writer loses the insert and reads the first run back
	existing, _ := json.Marshal(stored)
	mock.ExpectExec("INSERT INTO workflow_runs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT data FROM workflow_runs").
		WithArgs("acme", "key-3").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(existing))
	other, created, err := store.Create(ctx, newRun("run_2", "key-3"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "run_1", other.RunID)

	mock.ExpectExec("UPDATE workflow_runs").
		WithArgs("SUCCEEDED", int64(2), sqlmock.AnyArg(), sqlmock.AnyArg(), "acme", "key-3", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	stored.Status = models.RunSucceeded
	require.NoError(t, store.Update(ctx, stored))
	assert.Equal(t, int64(2), stored.Revision)

	mock.ExpectExec("UPDATE workflow_runs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT data FROM workflow_runs").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(existing))
	stale := *stored
	stale.Revision = 1
	assert.ErrorIs(t, store.Update(ctx, &stale), ErrConflict)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackendFailureIsUnavailable(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	rs := NewRedisStore(circuitbreaker.NewRedisWrapper(client, "runs-down", zaptest.NewLogger(t)), time.Hour)
	mr.Close()

	_, _, err := rs.Create(ctx, newRun("run_1", "key-down"))
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = rs.Get(ctx, "acme", "key-down")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)

	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	ps := NewPostgresStore(db.Wrap(sqlx.NewDb(raw, "postgres"), zaptest.NewLogger(t)))

	mock.ExpectExec("INSERT INTO workflow_runs").WillReturnError(errors.New("connection refused"))
	_, _, err = ps.Create(ctx, newRun("run_1", "key-down"))
	var serr *StoreError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "create", serr.Op)

	mock.ExpectQuery("SELECT data FROM workflow_runs").WillReturnError(errors.New("connection refused"))
	_, err = ps.Get(ctx, "acme", "key-down")
	assert.ErrorIs(t, err, ErrUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}
