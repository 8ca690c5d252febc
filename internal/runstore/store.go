// Package runstore persists workflow runs keyed by tenant and idempotency key.
// The first Create for a key wins; later callers get the stored run back.
package runstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
)

var (
	ErrNotFound = errors.New("workflow run not found")
	// ErrConflict is returned by Update when the stored revision has moved on.
	ErrConflict = errors.New("workflow run revision conflict")
	// ErrUnavailable matches any StoreError via errors.Is.
	ErrUnavailable = errors.New("workflow run store unavailable")
)

// StoreError reports that the backing store could not answer. Callers must
// not read it as a missing run.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("workflow run store unavailable (%s): %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrUnavailable }

// Store is a compare-and-swap map from (tenant, idempotency key) to a run.
type Store interface {
	// Create stores run if no run exists for its key. created is false when an
	// earlier writer won; stored is then that writer's run.
	Create(ctx context.Context, run *models.WorkflowRun) (stored *models.WorkflowRun, created bool, err error)
	Get(ctx context.Context, tenantID, idempotencyKey string) (*models.WorkflowRun, error)
	// Update replaces the run if its stored revision equals run.Revision and
	// bumps run.Revision on success.
	Update(ctx context.Context, run *models.WorkflowRun) error
}

func validate(run *models.WorkflowRun) error {
	if run == nil || run.TenantID == "" || run.IdempotencyKey == "" || run.RunID == "" {
		return errors.New("run requires tenant_id, idempotency_key and run_id")
	}
	return nil
}
