// Package domain defines the value types, error taxonomy, and collaborator
// contracts shared by the biomarker extraction-and-evaluation pipeline.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Sex identifies the patient sex a reading or reference range applies to.
type Sex string

// Supported sex values. SexAny only appears on reference ranges.
const (
	SexMale   Sex = "M"
	SexFemale Sex = "F"
	SexAny    Sex = "ANY"
)

// ParseSex converts user supplied text into a patient sex. Only M and F are
// accepted for patients; ANY is reserved for reference ranges.
func ParseSex(raw string) (Sex, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "M", "MALE":
		return SexMale, nil
	case "F", "FEMALE":
		return SexFemale, nil
	default:
		return "", fmt.Errorf("unsupported patient sex %q", raw)
	}
}

// ParseRangeSex converts stored range sex values. Empty values, as written by
// the legacy dataset for unisex rows, map to SexAny.
func ParseRangeSex(raw string) (Sex, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "ANY", "U", "UNISEX":
		return SexAny, nil
	case "M":
		return SexMale, nil
	case "F":
		return SexFemale, nil
	default:
		return "", fmt.Errorf("unsupported range sex %q", raw)
	}
}

// Status classifies a reading against its reference range.
type Status string

// Reading statuses.
const (
	StatusNormal  Status = "normal"
	StatusLow     Status = "low"
	StatusHigh    Status = "high"
	StatusUnknown Status = "unknown"
)

// Severity grades how far an abnormal reading sits outside its range.
type Severity string

// Severity tiers, mildest first.
const (
	SeverityNone     Severity = "none"
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so that larger values are worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityMild:
		return 1
	case SeverityModerate:
		return 2
	case SeveritySevere:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Severities lists the tiers from worst to mildest, the order used by summaries.
func Severities() []Severity {
	return []Severity{SeverityCritical, SeveritySevere, SeverityModerate, SeverityMild}
}

// BiomarkerCandidate is a raw label/value/unit triplet lifted from one line.
type BiomarkerCandidate struct {
	RawLabel        string `json:"raw_label"`
	RawValue        string `json:"raw_value"`
	RawUnit         string `json:"raw_unit"`
	SourceLineIndex int    `json:"source_line_index"`
	Grammar         string `json:"grammar"`
}

// CanonicalBiomarker is a candidate whose label resolved through the alias table
// and whose value parsed as a finite non-negative decimal.
type CanonicalBiomarker struct {
	CanonicalName   string  `json:"canonical_name"`
	NormalizedCode  string  `json:"normalized_code"`
	Value           float64 `json:"value"`
	Unit            string  `json:"unit"`
	SourceLineIndex int     `json:"source_line_index"`
}

// ReferenceRange is one row of the population reference dataset.
type ReferenceRange struct {
	ID             string  `json:"id" yaml:"id"`
	BiomarkerName  string  `json:"biomarker_name,omitempty" yaml:"biomarker_name"`
	NormalizedCode string  `json:"normalized_code" yaml:"normalized_code"`
	MinValue       float64 `json:"min_value" yaml:"min_value"`
	MaxValue       float64 `json:"max_value" yaml:"max_value"`
	Unit           string  `json:"unit" yaml:"unit"`
	Sex            Sex     `json:"sex" yaml:"sex"`
	AgeMin         *int    `json:"age_min,omitempty" yaml:"age_min"`
	AgeMax         *int    `json:"age_max,omitempty" yaml:"age_max"`
	Active         bool    `json:"active" yaml:"active"`
	Source         string  `json:"source,omitempty" yaml:"source"`
}

// Validate checks the row invariants: min < max and ageMin < ageMax when both are present.
func (r ReferenceRange) Validate() error {
	if strings.TrimSpace(r.NormalizedCode) == "" {
		return fmt.Errorf("reference range %s: normalized code required", r.ID)
	}
	if !(r.MinValue < r.MaxValue) {
		return fmt.Errorf("reference range %s: min %v must be below max %v", r.ID, r.MinValue, r.MaxValue)
	}
	if r.AgeMin != nil && r.AgeMax != nil && *r.AgeMin >= *r.AgeMax {
		return fmt.Errorf("reference range %s: age_min %d must be below age_max %d", r.ID, *r.AgeMin, *r.AgeMax)
	}
	switch r.Sex {
	case SexMale, SexFemale, SexAny:
	default:
		return fmt.Errorf("reference range %s: unsupported sex %q", r.ID, r.Sex)
	}
	return nil
}

// Width returns maxValue-minValue.
func (r ReferenceRange) Width() float64 { return r.MaxValue - r.MinValue }

// CoversAge reports whether age falls in the half-open band [ageMin, ageMax).
func (r ReferenceRange) CoversAge(age int) bool {
	if r.AgeMin != nil && age < *r.AgeMin {
		return false
	}
	if r.AgeMax != nil && age >= *r.AgeMax {
		return false
	}
	return true
}

// AgeBand returns the width of the age band and whether it is bounded on both sides.
func (r ReferenceRange) AgeBand() (int, bool) {
	if r.AgeMin == nil || r.AgeMax == nil {
		return 0, false
	}
	return *r.AgeMax - *r.AgeMin, true
}

// Clone returns a copy that shares no pointers with r.
func (r ReferenceRange) Clone() ReferenceRange {
	out := r
	if r.AgeMin != nil {
		v := *r.AgeMin
		out.AgeMin = &v
	}
	if r.AgeMax != nil {
		v := *r.AgeMax
		out.AgeMax = &v
	}
	return out
}

// BiomarkerResult is the classification of one canonical biomarker.
type BiomarkerResult struct {
	CanonicalBiomarker
	MatchedRange *ReferenceRange `json:"matched_range"`
	Status       Status          `json:"status"`
	Severity     Severity        `json:"severity"`
}

// SummaryCounts aggregates results by outcome.
type SummaryCounts struct {
	Total      int              `json:"total"`
	Normal     int              `json:"normal"`
	Abnormal   int              `json:"abnormal"`
	Unknown    int              `json:"unknown"`
	BySeverity map[Severity]int `json:"by_severity"`
}

// ExamSummary is produced once per pipeline run and never mutated.
type ExamSummary struct {
	Results        []BiomarkerResult `json:"results"`
	TextualSummary string            `json:"textual_summary"`
	Counts         SummaryCounts     `json:"counts"`
	GeneratedAt    time.Time         `json:"generated_at"`
}

// AgeOn returns the number of whole years between birth and on.
func AgeOn(birth, on time.Time) int {
	if on.Before(birth) {
		return 0
	}
	years := on.Year() - birth.Year()
	if on.Month() < birth.Month() || (on.Month() == birth.Month() && on.Day() < birth.Day()) {
		years--
	}
	return years
}

// IntPtr is a small helper for optional age bounds.
func IntPtr(v int) *int { return &v }
