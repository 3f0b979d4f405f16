// Package rangesql holds the reference range table layout and the row codec
// shared by the SQL-backed range stores.
package rangesql

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"labcore/pkg/domain"
)

// Table is the reference range table name.
const Table = "reference_ranges"

// Columns lists the persisted columns in scan order. id is first so that
// upserts can key on it.
var Columns = []string{
	"id", "normalized_code", "biomarker_name", "min_value", "max_value",
	"unit", "sex", "age_min", "age_max", "active", "source",
}

// Dialect captures the differences between the supported SQL engines.
type Dialect struct {
	Name        string
	RealType    string
	BoolType    string
	Placeholder func(n int) string
}

// SQLite uses ? placeholders.
var SQLite = Dialect{Name: "sqlite", RealType: "REAL", BoolType: "INTEGER", Placeholder: func(int) string { return "?" }}

// Postgres uses $n placeholders.
var Postgres = Dialect{Name: "postgres", RealType: "DOUBLE PRECISION", BoolType: "BOOLEAN", Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) }}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Schema returns the DDL statements for d.
func (d Dialect) Schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	normalized_code TEXT NOT NULL,
	biomarker_name TEXT NOT NULL DEFAULT '',
	min_value %s NOT NULL,
	max_value %s NOT NULL,
	unit TEXT NOT NULL DEFAULT '',
	sex TEXT NOT NULL,
	age_min INTEGER,
	age_max INTEGER,
	active %s NOT NULL,
	source TEXT NOT NULL DEFAULT ''
)`, Table, d.RealType, d.RealType, d.BoolType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_code_idx ON %s (normalized_code)`, Table, Table),
	}
}

// SelectActive returns the query for active rows of one code.
func (d Dialect) SelectActive() string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE normalized_code = %s AND active = %s ORDER BY id`,
		strings.Join(Columns, ", "), Table, d.Placeholder(1), d.Placeholder(2))
}

// SelectAll returns the query listing every row.
func (d Dialect) SelectAll() string {
	return fmt.Sprintf(`SELECT %s FROM %s ORDER BY id`, strings.Join(Columns, ", "), Table)
}

// Upsert returns the insert-or-replace statement keyed on id.
func (d Dialect) Upsert() string {
	ph := make([]string, len(Columns))
	sets := make([]string, 0, len(Columns)-1)
	for i, col := range Columns {
		ph[i] = d.Placeholder(i + 1)
		if i > 0 {
			sets = append(sets, col+" = excluded."+col)
		}
	}
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s`,
		Table, strings.Join(Columns, ", "), strings.Join(ph, ", "), strings.Join(sets, ", "))
}

// EnsureSchema applies the DDL of d.
func EnsureSchema(ctx context.Context, db Execer, d Dialect) error {
	for _, stmt := range d.Schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure %s schema: %w", d.Name, err)
		}
	}
	return nil
}

// Args converts a range into upsert arguments in Columns order.
func Args(r domain.ReferenceRange, d Dialect) []any {
	var active any = r.Active
	if d.BoolType == "INTEGER" {
		active = boolInt(r.Active)
	}
	return []any{
		r.ID, r.NormalizedCode, r.BiomarkerName, r.MinValue, r.MaxValue,
		r.Unit, string(r.Sex), nullInt(r.AgeMin), nullInt(r.AgeMax), active, r.Source,
	}
}

// UpsertAll validates and writes ranges through ex.
func UpsertAll(ctx context.Context, ex Execer, d Dialect, ranges []domain.ReferenceRange) error {
	stmt := d.Upsert()
	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, err := ex.ExecContext(ctx, stmt, Args(r, d)...); err != nil {
			return fmt.Errorf("upsert range %s: %w", r.ID, err)
		}
	}
	return nil
}

// Query runs q and decodes every row.
func Query(ctx context.Context, db Queryer, q string, args ...any) ([]domain.ReferenceRange, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select ranges: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.ReferenceRange
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ranges: %w", err)
	}
	return out, nil
}

// FilterActive keeps active rows of code ordered by ID.
func FilterActive(rows []domain.ReferenceRange, code string) []domain.ReferenceRange {
	out := make([]domain.ReferenceRange, 0, len(rows))
	for _, r := range rows {
		if r.Active && r.NormalizedCode == code {
			out = append(out, r)
		}
	}
	SortByID(out)
	return out
}

// SortByID orders rows by ID.
func SortByID(rows []domain.ReferenceRange) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
}

func scan(rows *sql.Rows) (domain.ReferenceRange, error) {
	var (
		r              domain.ReferenceRange
		sex            string
		ageMin, ageMax sql.NullInt64
		name, source   sql.NullString
	)
	if err := rows.Scan(&r.ID, &r.NormalizedCode, &name, &r.MinValue, &r.MaxValue,
		&r.Unit, &sex, &ageMin, &ageMax, &r.Active, &source); err != nil {
		return r, fmt.Errorf("scan range: %w", err)
	}
	parsed, err := domain.ParseRangeSex(sex)
	if err != nil {
		return r, fmt.Errorf("range %s: %w", r.ID, err)
	}
	r.Sex = parsed
	r.BiomarkerName = name.String
	r.Source = source.String
	if ageMin.Valid {
		r.AgeMin = domain.IntPtr(int(ageMin.Int64))
	}
	if ageMax.Valid {
		r.AgeMax = domain.IntPtr(int(ageMax.Int64))
	}
	return r, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
