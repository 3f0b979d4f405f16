// Package sqlite provides a reference range store backed by a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"labcore/internal/infra/persistence/rangesql"
	"labcore/pkg/domain"
)

var _ domain.RangeStore = (*Store)(nil)

// DefaultPath is used when NewStore receives an empty path.
const DefaultPath = "labcore.db"

// Store reads and writes the reference_ranges table.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (creating when needed) the database at path and applies the schema.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := rangesql.EnsureSchema(ctx, db, rangesql.SQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// FetchActiveRanges returns active rows for code ordered by ID.
func (s *Store) FetchActiveRanges(ctx context.Context, code string) ([]domain.ReferenceRange, error) {
	rows, err := rangesql.Query(ctx, s.db, rangesql.SQLite.SelectActive(), code, 1)
	if err != nil {
		return nil, err
	}
	return rangesql.FilterActive(rows, code), nil
}

// ListRanges returns every row ordered by ID.
func (s *Store) ListRanges(ctx context.Context) ([]domain.ReferenceRange, error) {
	return rangesql.Query(ctx, s.db, rangesql.SQLite.SelectAll())
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
	if err := rangesql.UpsertAll(ctx, tx, rangesql.SQLite, ranges); err != nil {
		return err
	}
	return tx.Commit()
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
