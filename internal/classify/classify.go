// Package classify grades a reading against its reference range.
package classify

import (
	"fmt"
	"math"

	"labcore/pkg/domain"
)

// Basis selects the denominator used to express how far a reading sits
// outside its range.
type Basis string

const (
	// BasisWidth measures distance in multiples of maxValue-minValue.
	BasisWidth Basis = "width"
	// BasisBound measures distance relative to the violated bound. A zero
	// bound falls back to the range width.
	BasisBound Basis = "bound"
)

// Policy holds the severity thresholds. A deviation up to and including Mild
// is mild, up to Moderate moderate, up to Severe severe, and beyond that
// critical.
type Policy struct {
	Basis    Basis   `yaml:"basis" json:"basis"`
	Mild     float64 `yaml:"mild" json:"mild"`
	Moderate float64 `yaml:"moderate" json:"moderate"`
	Severe   float64 `yaml:"severe" json:"severe"`
}

// DefaultPolicy grades by distance relative to the violated bound with
// 10/25/50 percent thresholds.
func DefaultPolicy() Policy {
	return Policy{Basis: BasisBound, Mild: 0.10, Moderate: 0.25, Severe: 0.50}
}

// WidthPolicy grades by distance in multiples of the range width with
// 10/25/50 percent thresholds.
func WidthPolicy() Policy {
	return Policy{Basis: BasisWidth, Mild: 0.10, Moderate: 0.25, Severe: 0.50}
}

// Validate checks the basis and that thresholds are positive and increasing.
func (p Policy) Validate() error {
	switch p.Basis {
	case BasisWidth, BasisBound:
	default:
		return fmt.Errorf("severity basis %q not supported", p.Basis)
	}
	if !(p.Mild > 0 && p.Mild < p.Moderate && p.Moderate < p.Severe) {
		return fmt.Errorf("severity thresholds must satisfy 0 < mild < moderate < severe (got %v, %v, %v)", p.Mild, p.Moderate, p.Severe)
	}
	return nil
}

// Outcome is the classification of one reading.
type Outcome struct {
	Status   domain.Status
	Severity domain.Severity
	// Deviation is the distance outside the range in policy units, 0 when normal.
	Deviation float64
}

// Classifier is a pure function of value, range and policy.
type Classifier struct {
	policy Policy
}

// New validates p and returns a classifier.
func New(p Policy) (*Classifier, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{policy: p}, nil
}

// Default returns a classifier using DefaultPolicy.
func Default() *Classifier {
	return &Classifier{policy: DefaultPolicy()}
}

// Policy returns the active policy.
func (c *Classifier) Policy() Policy { return c.policy }

// Classify computes status and severity. A nil range yields unknown/none.
// Non-finite or negative values are rejected with KindInvalidValue.
func (c *Classifier) Classify(value float64, rng *domain.ReferenceRange) (Outcome, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return Outcome{}, domain.NewError(domain.KindInvalidValue, "value must be a finite non-negative number")
	}
	if rng == nil {
		return Outcome{Status: domain.StatusUnknown, Severity: domain.SeverityNone}, nil
	}
	width := rng.Width()
	if !(width > 0) {
		return Outcome{}, domain.NewError(domain.KindInvalidValue, "reference range has no width", "range_id", rng.ID)
	}
	switch {
	case value < rng.MinValue:
		d := c.deviation(rng.MinValue-value, rng.MinValue, width)
		return Outcome{Status: domain.StatusLow, Severity: c.tier(d), Deviation: d}, nil
	case value > rng.MaxValue:
		d := c.deviation(value-rng.MaxValue, rng.MaxValue, width)
		return Outcome{Status: domain.StatusHigh, Severity: c.tier(d), Deviation: d}, nil
	default:
		return Outcome{Status: domain.StatusNormal, Severity: domain.SeverityNone}, nil
	}
}

func (c *Classifier) deviation(distance, bound, width float64) float64 {
	if c.policy.Basis == BasisBound && bound != 0 {
		return distance / math.Abs(bound)
	}
	return distance / width
}

func (c *Classifier) tier(d float64) domain.Severity {
	// Rounding keeps 0.1 * width style boundaries on the inclusive side.
	d = math.Round(d*1e9) / 1e9
	switch {
	case d <= c.policy.Mild:
		return domain.SeverityMild
	case d <= c.policy.Moderate:
		return domain.SeverityModerate
	case d <= c.policy.Severe:
		return domain.SeveritySevere
	default:
		return domain.SeverityCritical
	}
}
