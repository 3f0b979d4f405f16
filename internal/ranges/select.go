package ranges

import (
	"math"
	"strconv"
	"strings"

	"labcore/pkg/domain"
)

// Query identifies the reading a range is needed for.
type Query struct {
	Code string
	Sex  domain.Sex
	Age  int
}

// Selection is the outcome of Select. Range is nil when no row applies.
type Selection struct {
	Range *domain.ReferenceRange
	// Skipped lists IDs of rows ignored because they violate range invariants.
	Skipped []string
}

// Select picks the single applicable row for q. Candidate rows are active,
// carry q.Code, have sex q.Sex or ANY and cover q.Age. Rows with the exact
// sex beat ANY rows; among those the narrowest age band wins, an open bound
// counting as infinitely wide. Any remaining tie is reported as
// KindAmbiguousReferenceRange.
func Select(rows []domain.ReferenceRange, q Query) (Selection, error) {
	var sel Selection
	exact := make([]domain.ReferenceRange, 0, 2)
	unisex := make([]domain.ReferenceRange, 0, 2)
	for _, row := range rows {
		if !row.Active || row.NormalizedCode != q.Code {
			continue
		}
		if err := row.Validate(); err != nil {
			sel.Skipped = append(sel.Skipped, row.ID)
			continue
		}
		if !row.CoversAge(q.Age) {
			continue
		}
		switch row.Sex {
		case q.Sex:
			exact = append(exact, row)
		case domain.SexAny:
			unisex = append(unisex, row)
		}
	}
	pool := exact
	if len(pool) == 0 {
		pool = unisex
	}
	if len(pool) == 0 {
		return sel, nil
	}

	narrowest := narrowestBand(pool)
	if len(narrowest) > 1 {
		ids := make([]string, len(narrowest))
		for i, row := range narrowest {
			ids[i] = row.ID
		}
		return sel, domain.NewError(domain.KindAmbiguousReferenceRange,
			"multiple active reference ranges qualify",
			"code", q.Code,
			"candidates", strings.Join(ids, ","),
			"count", strconv.Itoa(len(narrowest)))
	}
	match := narrowest[0].Clone()
	sel.Range = &match
	return sel, nil
}

func narrowestBand(pool []domain.ReferenceRange) []domain.ReferenceRange {
	best := math.MaxInt
	var out []domain.ReferenceRange
	for _, row := range pool {
		w := bandWidth(row)
		switch {
		case w < best:
			best = w
			out = append(out[:0], row)
		case w == best:
			out = append(out, row)
		}
	}
	return out
}

func bandWidth(row domain.ReferenceRange) int {
	w, bounded := row.AgeBand()
	if !bounded {
		return math.MaxInt
	}
	return w
}
