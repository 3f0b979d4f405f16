package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"labcore/internal/refdata"
	"labcore/pkg/domain"
)

func TestStoreRoundTripsSeedData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ranges.db")
	s, err := NewStore(ctx, path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	seed, err := refdata.Ranges()
	if err != nil {
		t.Fatalf("refdata: %v", err)
	}
	if err := s.UpsertRanges(ctx, seed); err != nil {
		t.Fatalf("UpsertRanges: %v", err)
	}
	// Upserting twice must not duplicate rows.
	if err := s.UpsertRanges(ctx, seed); err != nil {
		t.Fatalf("UpsertRanges again: %v", err)
	}
	all, err := s.ListRanges(ctx)
	if err != nil || len(all) != len(seed) {
		t.Fatalf("ListRanges=%d err=%v", len(all), err)
	}

	hb, err := s.FetchActiveRanges(ctx, "Hb")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(hb) != 2 || hb[0].ID != "hb-f-adult" || hb[0].Sex != domain.SexFemale {
		t.Fatalf("Hb rows %+v", hb)
	}
	if hb[0].AgeMin == nil || *hb[0].AgeMin != 18 || hb[0].MinValue != 12 || !hb[0].Active {
		t.Fatalf("decoded row %+v", hb[0])
	}
	if s.Path() != path || s.DB() == nil {
		t.Fatalf("accessors")
	}
}

func TestStoreInactiveAndOpenBounds(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, filepath.Join(t.TempDir(), "r.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	rows := []domain.ReferenceRange{
		{ID: "open", NormalizedCode: "K", MinValue: 3.5, MaxValue: 5, Unit: "mEq/L", Sex: domain.SexAny, Active: true},
		{ID: "old", NormalizedCode: "K", MinValue: 3.6, MaxValue: 5.1, Unit: "mEq/L", Sex: domain.SexAny, Active: false},
	}
	if err := s.UpsertRanges(ctx, rows); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := s.FetchActiveRanges(ctx, "K")
	if err != nil || len(got) != 1 || got[0].ID != "open" || got[0].AgeMin != nil || got[0].AgeMax != nil {
		t.Fatalf("got %+v err=%v", got, err)
	}
}

func TestStoreRejectsInvalidRowsAtomically(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, filepath.Join(t.TempDir(), "r.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	rows := []domain.ReferenceRange{
		{ID: "ok", NormalizedCode: "K", MinValue: 3.5, MaxValue: 5, Sex: domain.SexAny, Active: true},
		{ID: "bad", NormalizedCode: "K", MinValue: 6, MaxValue: 5, Sex: domain.SexAny, Active: true},
	}
	if err := s.UpsertRanges(ctx, rows); err == nil {
		t.Fatalf("expected validation error")
	}
	if all, _ := s.ListRanges(ctx); len(all) != 0 {
		t.Fatalf("transaction should roll back, got %+v", all)
	}
}
