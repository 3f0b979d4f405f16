// Package extract lifts label/value/unit candidates out of normalized lines.
package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"labcore/pkg/domain"
)

// Extractor applies an ordered grammar list to each line. It is stateless and
// safe for concurrent use.
type Extractor struct {
	grammars []Grammar
}

// New constructs an extractor. Without grammars the defaults are used.
func New(grammars ...Grammar) *Extractor {
	if len(grammars) == 0 {
		grammars = DefaultGrammars()
	}
	cp := make([]Grammar, len(grammars))
	copy(cp, grammars)
	return &Extractor{grammars: cp}
}

// Grammars returns the configured grammar names in evaluation order.
func (e *Extractor) Grammars() []string {
	names := make([]string, len(e.grammars))
	for i, g := range e.grammars {
		names[i] = g.Name
	}
	return names
}

// Extract returns at most one candidate per line, in line order. Lines that
// no grammar accepts are skipped.
func (e *Extractor) Extract(lines []string) []domain.BiomarkerCandidate {
	out := make([]domain.BiomarkerCandidate, 0, len(lines))
	for idx, line := range lines {
		cand, ok := e.ExtractLine(line, idx)
		if ok {
			out = append(out, cand)
		}
	}
	return out
}

// ExtractLine runs the grammar list against a single line.
func (e *Extractor) ExtractLine(line string, idx int) (domain.BiomarkerCandidate, bool) {
	for _, g := range e.grammars {
		m, ok := g.Match(line)
		if !ok {
			continue
		}
		return domain.BiomarkerCandidate{
			RawLabel:        m.Label,
			RawValue:        strings.ReplaceAll(m.Value, ",", "."),
			RawUnit:         m.Unit,
			SourceLineIndex: idx,
			Grammar:         g.Name,
		}, true
	}
	return domain.BiomarkerCandidate{}, false
}

var decimalRe = regexp.MustCompile(`^\d+(?:\.\d+)?$`)

// ParseValue converts a decimal-normalized raw value into a finite
// non-negative number. Negative, malformed or non-finite values are rejected
// with KindInvalidValue; the raw value is never echoed in the error.
func ParseValue(raw string) (float64, error) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	if strings.HasPrefix(raw, "-") {
		return 0, domain.NewError(domain.KindInvalidValue, "value is negative")
	}
	if !decimalRe.MatchString(raw) {
		return 0, domain.NewError(domain.KindInvalidValue, "value is not a decimal number")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, domain.NewError(domain.KindInvalidValue, "value is not finite")
	}
	return v, nil
}
