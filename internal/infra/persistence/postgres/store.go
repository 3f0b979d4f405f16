// Package postgres provides a reference range store backed by Postgres
// through the pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"labcore/internal/infra/persistence/rangesql"
	"labcore/pkg/domain"
)

var _ domain.RangeStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/labcore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// OverrideSQLOpen swaps the sql.Open hook, returning a restore function.
// Tests use it to inject a stub database.
func OverrideSQLOpen(fn func(driverName, dsn string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}

// Store reads and writes the reference_ranges table.
type Store struct {
	db *sql.DB
}

// NewStore opens a Postgres connection (defaultDSN when empty), pings it and
// ensures the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := rangesql.EnsureSchema(ctx, db, rangesql.Postgres); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// FetchActiveRanges returns active rows for code ordered by ID.
func (s *Store) FetchActiveRanges(ctx context.Context, code string) ([]domain.ReferenceRange, error) {
	rows, err := rangesql.Query(ctx, s.db, rangesql.Postgres.SelectActive(), code, true)
	if err != nil {
		return nil, err
	}
	return rangesql.FilterActive(rows, code), nil
}

// ListRanges returns every row ordered by ID.
func (s *Store) ListRanges(ctx context.Context) ([]domain.ReferenceRange, error) {
	rows, err := rangesql.Query(ctx, s.db, rangesql.Postgres.SelectAll())
	if err != nil {
		return nil, err
	}
	rangesql.SortByID(rows)
	return rows, nil
}

// UpsertRanges writes rows in one transaction.
func (s *Store) UpsertRanges(ctx context.Context, ranges []domain.ReferenceRange) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := rangesql.UpsertAll(ctx, tx, rangesql.Postgres, ranges); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }
