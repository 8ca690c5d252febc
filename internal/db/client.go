package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/config"
)

// Client owns the Postgres pool used by the run store.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
}

// DSN builds a lib/pq connection string.
func DSN(cfg config.PostgresConfig) string {
	sslmode := cfg.SSLMode
	if sslmode == "" {
		sslmode = "require"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslmode)
}

// NewClient opens and pings the database.
func NewClient(cfg config.PostgresConfig, logger *zap.Logger) (*Client, error) {
	raw, err := sqlx.Open("postgres", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxConnections > 0 {
		raw.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.IdleConnections > 0 {
		raw.SetMaxIdleConns(cfg.IdleConnections)
	}
	if cfg.MaxLifetime > 0 {
		raw.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	c := Wrap(raw, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.db.PingContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database client initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
	)
	return c, nil
}

// Wrap adopts an existing handle, e.g. one backed by sqlmock.
func Wrap(raw *sqlx.DB, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{db: circuitbreaker.NewDatabaseWrapper(raw, "postgres", logger), logger: logger}
}

// Wrapper returns the breaker-guarded handle.
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper { return c.db }

func (c *Client) Close() error { return c.db.DB().Close() }
