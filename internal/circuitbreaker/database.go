package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper runs SQL operations behind a circuit breaker.
// sql.ErrNoRows does not count as a failure.
type DatabaseWrapper struct {
	db      *sqlx.DB
	cb      *CircuitBreaker
	service string
}

func NewDatabaseWrapper(db *sqlx.DB, service string, logger *zap.Logger) *DatabaseWrapper {
	cfg := DatabaseSettings().ToConfig()
	cfg.IsFailure = func(err error) bool {
		return !errors.Is(err, sql.ErrNoRows) && !errors.Is(err, context.Canceled)
	}
	return &DatabaseWrapper{db: db, cb: NewCircuitBreaker("db-"+service, cfg, logger), service: service}
}

// DB returns the underlying handle.
func (dw *DatabaseWrapper) DB() *sqlx.DB { return dw.db }

// Do executes fn through the breaker.
func (dw *DatabaseWrapper) Do(ctx context.Context, fn func(db *sqlx.DB) error) error {
	err := dw.cb.Execute(ctx, func() error { return fn(dw.db) })
	recordRequest(dw.cb.Name(), dw.service, err)
	return err
}

// PingContext checks connectivity through the breaker.
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.Do(ctx, func(db *sqlx.DB) error { return db.PingContext(ctx) })
}

func (dw *DatabaseWrapper) State() State { return dw.cb.State() }
