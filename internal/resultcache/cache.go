// Package resultcache stores workflow results keyed by tenant, user and
// result key, and classifies them by freshness.
package resultcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
)

// Status classifies a lookup.
type Status int

const (
	Miss Status = iota
	Fresh
	Stale
)

func (s Status) String() string {
	switch s {
	case Fresh:
		return "hit"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// Lookup is the answer to a cache read. Record is nil on a miss.
type Lookup struct {
	Record *models.ResultRecord
	Status Status
}

// Hit reports whether the record may be used (fresh or stale).
func (l Lookup) Hit() bool { return l.Status != Miss }

// StoreError reports that the backing store could not answer. It is never
// returned for an ordinary miss.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("result store unavailable (%s): %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// ErrStoreUnavailable matches any StoreError via errors.Is.
var ErrStoreUnavailable = errors.New("result store unavailable")

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// Store persists result records. Implementations must resolve concurrent
// Insert calls for the same record id so that the first record stands.
type Store interface {
	// Insert stores rec unless its record id already exists and returns the
	// record that is stored afterwards.
	Insert(ctx context.Context, rec *models.ResultRecord) (stored *models.ResultRecord, created bool, err error)
	// Latest returns the newest record for the exact tenant/user/key, or nil.
	Latest(ctx context.Context, tenantID, userID, key string) (*models.ResultRecord, error)
	// Get returns a record by id within a tenant, or nil.
	Get(ctx context.Context, tenantID, recordID string) (*models.ResultRecord, error)
	// List returns the newest records stored under tenant/user, newest first.
	List(ctx context.Context, tenantID, userID string, limit int) ([]*models.ResultRecord, error)
}

// Cache applies the freshness rules on top of a Store.
type Cache struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, logger: logger, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Classify applies the TTL law to a record at time now.
func Classify(rec *models.ResultRecord, now time.Time) Status {
	if rec == nil {
		return Miss
	}
	grace := rec.GraceUntil
	if grace.IsZero() {
		grace = rec.FreshUntil.Add(models.GraceWindow)
	}
	switch {
	case now.Before(rec.FreshUntil):
		return Fresh
	case now.Before(grace):
		return Stale
	default:
		return Miss
	}
}

// Lookup finds the newest usable record for key. A user-scoped record is
// preferred; a tenant-wide record (no user) is the next choice.
func (c *Cache) Lookup(ctx context.Context, tenantID, userID, key string) (Lookup, error) {
	if tenantID == "" || key == "" {
		return Lookup{}, fmt.Errorf("lookup requires tenant_id and key")
	}
	users := []string{""}
	if userID != "" {
		users = []string{userID, ""}
	}
	now := c.now()
	for _, u := range users {
		rec, err := c.store.Latest(ctx, tenantID, u, key)
		if err != nil {
			metrics.ResultLookups.WithLabelValues("error").Inc()
			return Lookup{}, &StoreError{Op: "lookup", Err: err}
		}
		if st := Classify(rec, now); st != Miss {
			metrics.ResultLookups.WithLabelValues(st.String()).Inc()
			return Lookup{Record: rec, Status: st}, nil
		}
	}
	metrics.ResultLookups.WithLabelValues(Miss.String()).Inc()
	return Lookup{Status: Miss}, nil
}

// Get reads a record by id. Records owned by another user are reported as a miss.
func (c *Cache) Get(ctx context.Context, tenantID, userID, recordID string) (Lookup, error) {
	rec, err := c.store.Get(ctx, tenantID, recordID)
	if err != nil {
		return Lookup{}, &StoreError{Op: "get", Err: err}
	}
	if rec == nil || rec.TenantID != tenantID || (rec.UserID != "" && rec.UserID != userID) {
		return Lookup{Status: Miss}, nil
	}
	st := Classify(rec, c.now())
	if st == Miss {
		return Lookup{Status: Miss}, nil
	}
	return Lookup{Record: rec, Status: st}, nil
}

// List returns records visible to the caller, classified. Expired records are
// included with status Miss so retrieval can still show them.
func (c *Cache) List(ctx context.Context, tenantID, userID string, limit int) ([]Lookup, error) {
	if limit <= 0 {
		limit = 20
	}
	users := []string{""}
	if userID != "" {
		users = []string{userID, ""}
	}
	now := c.now()
	seen := make(map[string]bool)
	var out []Lookup
	for _, u := range users {
		recs, err := c.store.List(ctx, tenantID, u, limit)
		if err != nil {
			return nil, &StoreError{Op: "list", Err: err}
		}
		for _, r := range recs {
			if seen[r.RecordID] {
				continue
			}
			seen[r.RecordID] = true
			out = append(out, Lookup{Record: r, Status: Classify(r, now)})
		}
	}
	return out, nil
}

// Put stores a new record. grace_until is always fresh_until plus the grace window.
// If a record with the same id exists it is returned unchanged.
func (c *Cache) Put(ctx context.Context, rec *models.ResultRecord) (*models.ResultRecord, error) {
	if rec == nil || rec.RecordID == "" || rec.TenantID == "" || rec.Key == "" {
		return nil, fmt.Errorf("result record requires record_id, tenant_id and key")
	}
	if rec.FreshUntil.IsZero() {
		return nil, fmt.Errorf("result record %s has no fresh_until", rec.RecordID)
	}
	r := *rec
	r.GraceUntil = r.FreshUntil.Add(models.GraceWindow)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = c.now()
	}
	stored, created, err := c.store.Insert(ctx, &r)
	if err != nil {
		metrics.ResultWrites.WithLabelValues("error").Inc()
		return nil, &StoreError{Op: "put", Err: err}
	}
	if !created {
		metrics.ResultWrites.WithLabelValues("existing").Inc()
		c.logger.Debug("Result record already stored", zap.String("record_id", r.RecordID))
		return stored, nil
	}
	metrics.ResultWrites.WithLabelValues("created").Inc()
	return stored, nil
}
