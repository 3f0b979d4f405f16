package classify

import (
	"errors"
	"math"
	"testing"

	"labcore/pkg/domain"
)

func band(lo, hi float64) *domain.ReferenceRange {
	return &domain.ReferenceRange{ID: "r", NormalizedCode: "X", MinValue: lo, MaxValue: hi, Sex: domain.SexAny, Active: true}
}

func TestClassifyNormalAndUnknown(t *testing.T) {
	c := Default()
	out, err := c.Classify(14.2, band(12, 16))
	if err != nil || out.Status != domain.StatusNormal || out.Severity != domain.SeverityNone {
		t.Fatalf("14.2 in [12,16]: %+v err=%v", out, err)
	}
	for _, v := range []float64{12, 16} {
		if out, _ := c.Classify(v, band(12, 16)); out.Status != domain.StatusNormal {
			t.Fatalf("bounds are inclusive, %v got %+v", v, out)
		}
	}
	out, err = c.Classify(5, nil)
	if err != nil || out.Status != domain.StatusUnknown || out.Severity != domain.SeverityNone {
		t.Fatalf("nil range: %+v err=%v", out, err)
	}
}

func widthClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := New(WidthPolicy())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestDefaultPolicyIsBoundBasis(t *testing.T) {
	if got := Default().Policy(); got != DefaultPolicy() || got.Basis != BasisBound {
		t.Fatalf("default policy %+v", got)
	}
	// Hb 10.5 against [12,16]: 1.5 below a bound of 12 is 12.5%.
	out, err := Default().Classify(10.5, band(12, 16))
	if err != nil || out.Status != domain.StatusLow || out.Severity != domain.SeverityModerate {
		t.Fatalf("default hb 10.5: %+v err=%v", out, err)
	}
	// 0.05W either side of [12,16] stays mild.
	low, _ := Default().Classify(11.8, band(12, 16))
	high, _ := Default().Classify(16.2, band(12, 16))
	if low.Severity != domain.SeverityMild || high.Severity != domain.SeverityMild {
		t.Fatalf("default 0.05W: low=%s high=%s", low.Severity, high.Severity)
	}
}

func TestClassifyWidthTiers(t *testing.T) {
	c := widthClassifier(t)
	r := band(12, 16) // width 4
	cases := []struct {
		value  float64
		status domain.Status
		sev    domain.Severity
	}{
		{11.8, domain.StatusLow, domain.SeverityMild},      // 0.05W
		{11.6, domain.StatusLow, domain.SeverityMild},      // 0.10W inclusive
		{11.2, domain.StatusLow, domain.SeverityModerate},  // 0.20W
		{10.5, domain.StatusLow, domain.SeveritySevere},    // 0.375W
		{10.0, domain.StatusLow, domain.SeveritySevere},    // 0.50W inclusive
		{9.0, domain.StatusLow, domain.SeverityCritical},   // 0.75W
		{16.2, domain.StatusHigh, domain.SeverityMild},     // 0.05W
		{17.0, domain.StatusHigh, domain.SeverityModerate}, // 0.25W inclusive
		{30, domain.StatusHigh, domain.SeverityCritical},
	}
	for _, tc := range cases {
		out, err := c.Classify(tc.value, r)
		if err != nil {
			t.Fatalf("Classify(%v): %v", tc.value, err)
		}
		if out.Status != tc.status || out.Severity != tc.sev {
			t.Fatalf("Classify(%v)=%+v want %s/%s", tc.value, out, tc.status, tc.sev)
		}
	}
}

func TestSeveritySymmetry(t *testing.T) {
	c := widthClassifier(t)
	for _, r := range []*domain.ReferenceRange{band(12, 16), band(70, 100), band(0.3, 1.2), band(150000, 450000)} {
		w := r.Width()
		low, _ := c.Classify(r.MinValue-0.05*w, r)
		high, _ := c.Classify(r.MaxValue+0.05*w, r)
		if low.Severity != domain.SeverityMild || high.Severity != domain.SeverityMild {
			t.Fatalf("range [%v,%v]: low=%s high=%s", r.MinValue, r.MaxValue, low.Severity, high.Severity)
		}
	}
}

func TestGlucoseCritical(t *testing.T) {
	out, err := widthClassifier(t).Classify(250, band(70, 100))
	if err != nil || out.Status != domain.StatusHigh || out.Severity != domain.SeverityCritical {
		t.Fatalf("glucose 250: %+v err=%v", out, err)
	}
	if math.Abs(out.Deviation-5.0) > 1e-9 {
		t.Fatalf("deviation=%v want 5", out.Deviation)
	}
}

func TestBoundBasis(t *testing.T) {
	c, err := New(Policy{Basis: BasisBound, Mild: 0.10, Moderate: 0.25, Severe: 0.50})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, _ := c.Classify(10.5, band(12, 16)) // 1.5/12 = 12.5%
	if out.Status != domain.StatusLow || out.Severity != domain.SeverityModerate {
		t.Fatalf("bound basis hb 10.5: %+v", out)
	}
	out, _ = c.Classify(250, band(70, 100)) // 150/100
	if out.Severity != domain.SeverityCritical {
		t.Fatalf("bound basis glucose 250: %+v", out)
	}
	out, _ = c.Classify(5, band(0, 4)) // zero lower bound not involved
	if out.Status != domain.StatusHigh || out.Severity != domain.SeverityModerate {
		t.Fatalf("bound basis 5 in [0,4]: %+v", out)
	}
}

func TestClassifyRejectsBadValues(t *testing.T) {
	c := Default()
	for _, v := range []float64{-1, math.NaN(), math.Inf(1)} {
		if _, err := c.Classify(v, band(1, 2)); !errors.Is(err, &domain.Error{Kind: domain.KindInvalidValue}) {
			t.Fatalf("Classify(%v) err=%v", v, err)
		}
	}
	if _, err := c.Classify(1, band(2, 2)); domain.KindOf(err) != domain.KindInvalidValue {
		t.Fatalf("zero-width range must be rejected, got %v", err)
	}
}

func TestPolicyValidate(t *testing.T) {
	bad := []Policy{
		{Basis: "log", Mild: 0.1, Moderate: 0.2, Severe: 0.3},
		{Basis: BasisWidth, Mild: 0, Moderate: 0.2, Severe: 0.3},
		{Basis: BasisWidth, Mild: 0.3, Moderate: 0.2, Severe: 0.5},
	}
	for _, p := range bad {
		if _, err := New(p); err == nil {
			t.Fatalf("expected %+v to be rejected", p)
		}
	}
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
}
