// Package summary folds classified results into an ExamSummary.
package summary

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"labcore/pkg/domain"
)

// Generator builds summaries. The clock is injectable so that output can be
// compared byte for byte.
type Generator struct {
	now func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock sets the time source used for GeneratedAt.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// New constructs a generator that defaults to the UTC wall clock.
func New(opts ...Option) *Generator {
	g := &Generator{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Summarize returns a new ExamSummary. Results keep extraction order.
func (g *Generator) Summarize(results []domain.BiomarkerResult) domain.ExamSummary {
	cp := make([]domain.BiomarkerResult, len(results))
	copy(cp, results)
	return domain.ExamSummary{
		Results:        cp,
		TextualSummary: Text(cp),
		Counts:         Count(cp),
		GeneratedAt:    g.now(),
	}
}

// Count tallies results by outcome and abnormal results by severity.
func Count(results []domain.BiomarkerResult) domain.SummaryCounts {
	counts := domain.SummaryCounts{Total: len(results), BySeverity: make(map[domain.Severity]int, 4)}
	for _, sev := range domain.Severities() {
		counts.BySeverity[sev] = 0
	}
	for _, r := range results {
		switch r.Status {
		case domain.StatusNormal:
			counts.Normal++
		case domain.StatusLow, domain.StatusHigh:
			counts.Abnormal++
			counts.BySeverity[r.Severity]++
		default:
			counts.Unknown++
		}
	}
	return counts
}

// Text renders the human readable summary. Abnormal results come first, worst
// severity first and extraction order within a tier, then results without a
// reference range, then the normal count.
func Text(results []domain.BiomarkerResult) string {
	if len(results) == 0 {
		return "No biomarkers were recognized in this exam."
	}
	c := Count(results)
	if c.Normal == c.Total {
		return fmt.Sprintf("All %d results are within their reference ranges.", c.Total)
	}

	var b strings.Builder
	if c.Abnormal > 0 {
		fmt.Fprintf(&b, "%d abnormal %s:\n", c.Abnormal, plural(c.Abnormal, "result", "results"))
		for _, sev := range domain.Severities() {
			for _, r := range results {
				if isAbnormal(r) && r.Severity == sev {
					fmt.Fprintf(&b, "- [%s] %s: %s\n", sev, describe(r), abnormalDetail(r))
				}
			}
		}
	}
	if c.Unknown > 0 {
		fmt.Fprintf(&b, "%d %s without an applicable reference range:\n", c.Unknown, plural(c.Unknown, "result", "results"))
		for _, r := range results {
			if r.Status == domain.StatusUnknown {
				fmt.Fprintf(&b, "- %s\n", describe(r))
			}
		}
	}
	fmt.Fprintf(&b, "%d %s within reference ranges.", c.Normal, plural(c.Normal, "result", "results"))
	return b.String()
}

func isAbnormal(r domain.BiomarkerResult) bool {
	return r.Status == domain.StatusLow || r.Status == domain.StatusHigh
}

func describe(r domain.BiomarkerResult) string {
	return fmt.Sprintf("%s (%s) %s", r.CanonicalName, r.NormalizedCode, quantity(r.Value, r.Unit))
}

func abnormalDetail(r domain.BiomarkerResult) string {
	if r.MatchedRange == nil {
		return string(r.Status)
	}
	return fmt.Sprintf("%s, reference %s-%s %s", r.Status,
		formatNumber(r.MatchedRange.MinValue), formatNumber(r.MatchedRange.MaxValue), r.MatchedRange.Unit)
}

func quantity(v float64, unit string) string {
	if unit == "" {
		return formatNumber(v)
	}
	return formatNumber(v) + " " + unit
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
