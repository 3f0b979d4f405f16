package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"labcore/internal/infra/persistence/postgres/testutil"
	"labcore/internal/refdata"
	"labcore/pkg/domain"
)

func newStubStore(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(driverName, dsn string) (*sql.DB, error) {
		if driverName != "pgx" {
			t.Fatalf("unexpected driver %q", driverName)
		}
		if dsn != defaultDSN {
			t.Fatalf("unexpected dsn %q", dsn)
		}
		return db, nil
	})
	t.Cleanup(restore)
	s, err := NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, conn
}

func TestStoreCreatesSchemaAndRoundTrips(t *testing.T) {
	ctx := context.Background()
	s, conn := newStubStore(t)
	if len(conn.Execs) < 2 || !strings.Contains(conn.Execs[0], "BOOLEAN") {
		t.Fatalf("expected postgres DDL, got %v", conn.Execs)
	}

	seed, err := refdata.Ranges()
	if err != nil {
		t.Fatalf("refdata: %v", err)
	}
	if err := s.UpsertRanges(ctx, seed); err != nil {
		t.Fatalf("UpsertRanges: %v", err)
	}
	if err := s.UpsertRanges(ctx, seed); err != nil {
		t.Fatalf("UpsertRanges again: %v", err)
	}
	if got := len(conn.Rows("reference_ranges")); got != len(seed) {
		t.Fatalf("rows=%d want %d", got, len(seed))
	}
	last := conn.Execs[len(conn.Execs)-1]
	if !strings.Contains(last, "$11") || !strings.Contains(last, "ON CONFLICT (id)") {
		t.Fatalf("upsert statement %q", last)
	}

	hb, err := s.FetchActiveRanges(ctx, "Hb")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(hb) != 2 || hb[0].ID != "hb-f-adult" || hb[1].ID != "hb-m-adult" {
		t.Fatalf("Hb rows %+v", hb)
	}
	if hb[0].AgeMax == nil || *hb[0].AgeMax != 65 || hb[0].Sex != domain.SexFemale || !hb[0].Active {
		t.Fatalf("decoded row %+v", hb[0])
	}

	all, err := s.ListRanges(ctx)
	if err != nil || len(all) != len(seed) {
		t.Fatalf("ListRanges=%d err=%v", len(all), err)
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].ID > all[i].ID {
			t.Fatalf("ListRanges not ordered at %d", i)
		}
	}
	if s.DB() == nil {
		t.Fatalf("DB accessor")
	}
}

func TestStoreSkipsInactiveRows(t *testing.T) {
	ctx := context.Background()
	s, _ := newStubStore(t)
	rows := []domain.ReferenceRange{
		{ID: "k-any", NormalizedCode: "K", MinValue: 3.5, MaxValue: 5.1, Unit: "mEq/L", Sex: domain.SexAny, Active: true},
		{ID: "k-old", NormalizedCode: "K", MinValue: 3.6, MaxValue: 5.0, Unit: "mEq/L", Sex: domain.SexAny, Active: false},
	}
	if err := s.UpsertRanges(ctx, rows); err != nil {
		t.Fatalf("UpsertRanges: %v", err)
	}
	got, err := s.FetchActiveRanges(ctx, "K")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 || got[0].ID != "k-any" || got[0].AgeMin != nil || got[0].AgeMax != nil {
		t.Fatalf("active rows %+v", got)
	}
}

func TestStoreUpsertRollsBackOnInvalidRow(t *testing.T) {
	ctx := context.Background()
	s, conn := newStubStore(t)
	rows := []domain.ReferenceRange{
		{ID: "ok", NormalizedCode: "Na", MinValue: 135, MaxValue: 145, Sex: domain.SexAny, Active: true},
		{ID: "bad", NormalizedCode: "Na", MinValue: 150, MaxValue: 140, Sex: domain.SexAny, Active: true},
	}
	if err := s.UpsertRanges(ctx, rows); err == nil {
		t.Fatalf("expected validation error")
	}
	if len(conn.Rows("reference_ranges")) != 0 || conn.Rollbacks != 1 {
		t.Fatalf("expected rollback, rows=%v rollbacks=%d", conn.Rows("reference_ranges"), conn.Rollbacks)
	}
}

func TestStoreSurfacesDriverErrors(t *testing.T) {
	ctx := context.Background()
	s, conn := newStubStore(t)
	conn.FailQuery = true
	if _, err := s.FetchActiveRanges(ctx, "Hb"); err == nil {
		t.Fatalf("expected query error")
	}
	conn.FailQuery = false
	conn.FailBegin = true
	if err := s.UpsertRanges(ctx, nil); err == nil {
		t.Fatalf("expected begin error")
	}
	conn.FailBegin = false
	conn.FailCommit = true
	if err := s.UpsertRanges(ctx, nil); err == nil || !strings.Contains(err.Error(), "commit") {
		t.Fatalf("expected commit error, got %v", err)
	}
}

func TestNewStoreErrors(t *testing.T) {
	ctx := context.Background()
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, errors.New("boom") })
	if _, err := NewStore(ctx, "postgres://x"); err == nil || !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected open error, got %v", err)
	}
	restore()

	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore = OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore(ctx, "postgres://x"); err == nil || !strings.Contains(err.Error(), "ping") {
		t.Fatalf("expected ping error, got %v", err)
	}

	db2, conn2 := testutil.NewStubDB()
	conn2.FailExec = true
	restore2 := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db2, nil })
	defer restore2()
	if _, err := NewStore(ctx, "postgres://x"); err == nil || !strings.Contains(err.Error(), "schema") {
		t.Fatalf("expected schema error, got %v", err)
	}
}
