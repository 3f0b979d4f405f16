package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"labcore/internal/classify"
	"labcore/internal/logging"
	"labcore/internal/refdata"
	"labcore/pkg/domain"
)

type fakeSource struct {
	mu    sync.Mutex
	rows  []domain.ReferenceRange
	calls map[string]int
	err   error
	block bool
}

func (f *fakeSource) FetchActiveRanges(ctx context.Context, code string) ([]domain.ReferenceRange, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[code]++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.ReferenceRange
	for _, r := range f.rows {
		if r.NormalizedCode == code && r.Active {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func seededSource(t *testing.T) *fakeSource {
	t.Helper()
	rows, err := refdata.Ranges()
	if err != nil {
		t.Fatalf("refdata.Ranges: %v", err)
	}
	return &fakeSource{rows: rows}
}

func newPipeline(t *testing.T, src domain.RangeSource, opts ...Option) *Pipeline {
	t.Helper()
	tbl, err := refdata.Aliases()
	if err != nil {
		t.Fatalf("refdata.Aliases: %v", err)
	}
	p, err := New(tbl, src, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestRunHemoglobinNormal(t *testing.T) {
	p := newPipeline(t, seededSource(t))
	out, err := p.Run(context.Background(), Input{RawText: "Hemoglobina: 14.2 g/dL", PatientSex: domain.SexFemale, PatientAge: 30})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StageDone || len(out.Results) != 1 {
		t.Fatalf("unexpected output %+v", out)
	}
	r := out.Results[0]
	if r.CanonicalName != "Hemoglobina" || r.NormalizedCode != "Hb" || r.Value != 14.2 {
		t.Fatalf("biomarker %+v", r.CanonicalBiomarker)
	}
	if r.MatchedRange == nil || r.MatchedRange.MinValue != 12 || r.MatchedRange.MaxValue != 16 {
		t.Fatalf("range %+v", r.MatchedRange)
	}
	if r.Status != domain.StatusNormal || r.Severity != domain.SeverityNone {
		t.Fatalf("status %s severity %s", r.Status, r.Severity)
	}
	if !strings.Contains(out.TextualSummary, "All 1 results") {
		t.Fatalf("summary %q", out.TextualSummary)
	}
}

func TestRunCommaDecimalLow(t *testing.T) {
	in := Input{RawText: "Hb 10,5 g/dL", PatientSex: domain.SexFemale, PatientAge: 30}
	out, err := newPipeline(t, seededSource(t)).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	r := out.Results[0]
	if r.Value != 10.5 || r.Status != domain.StatusLow {
		t.Fatalf("result %+v", r)
	}
	// 1.5 below a lower bound of 12 is 12.5%.
	if r.Severity != domain.SeverityModerate {
		t.Fatalf("default severity=%s", r.Severity)
	}

	width, err := classify.New(classify.WidthPolicy())
	if err != nil {
		t.Fatalf("classify.New: %v", err)
	}
	out, err = newPipeline(t, seededSource(t), WithClassifier(width)).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run width: %v", err)
	}
	// 1.5 on a width of 4 is 37.5% of the width.
	if out.Results[0].Severity != domain.SeveritySevere {
		t.Fatalf("width basis severity=%s", out.Results[0].Severity)
	}
}

func TestRunGlucoseCritical(t *testing.T) {
	out, err := newPipeline(t, seededSource(t)).Run(context.Background(), Input{RawText: "Glicose 250 mg/dL", PatientSex: domain.SexMale, PatientAge: 40})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	r := out.Results[0]
	if r.Status != domain.StatusHigh || r.Severity != domain.SeverityCritical {
		t.Fatalf("result %+v", r)
	}
	if r.MatchedRange.MinValue != 70 || r.MatchedRange.MaxValue != 100 {
		t.Fatalf("range %+v", r.MatchedRange)
	}
	if !strings.Contains(out.TextualSummary, "[critical] Glicose (Glu) 250 mg/dL") {
		t.Fatalf("summary %q", out.TextualSummary)
	}
}

func TestRunUnrecognizedLabel(t *testing.T) {
	out, err := newPipeline(t, seededSource(t)).Run(context.Background(), Input{RawText: "XYZ123 5 unk", PatientSex: domain.SexMale, PatientAge: 40})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StageDone || len(out.Results) != 0 {
		t.Fatalf("unknown labels must not produce results: %+v", out)
	}
	if len(out.Errors) != 1 || out.Errors[0].Kind != domain.KindUnrecognizedLabel {
		t.Fatalf("errors %+v", out.Errors)
	}
	if out.Errors[0].Context["line"] != "0" {
		t.Fatalf("context %+v", out.Errors[0].Context)
	}
}

func TestRunAmbiguousRangeFails(t *testing.T) {
	src := &fakeSource{rows: []domain.ReferenceRange{
		{ID: "a", NormalizedCode: "Hb", MinValue: 12, MaxValue: 16, Unit: "g/dL", Sex: domain.SexFemale, AgeMin: domain.IntPtr(18), AgeMax: domain.IntPtr(65), Active: true},
		{ID: "b", NormalizedCode: "Hb", MinValue: 11, MaxValue: 15, Unit: "g/dL", Sex: domain.SexFemale, AgeMin: domain.IntPtr(18), AgeMax: domain.IntPtr(65), Active: true},
	}}
	out, err := newPipeline(t, src).Run(context.Background(), Input{RawText: "Glicose 90 mg/dL\nHb 14 g/dL", PatientSex: domain.SexFemale, PatientAge: 30})
	if domain.KindOf(err) != domain.KindAmbiguousReferenceRange {
		t.Fatalf("expected ambiguity, got %v", err)
	}
	if out.Status != StageFailed || out.Stage != StageResolving || len(out.Results) != 0 {
		t.Fatalf("unexpected output %+v", out)
	}
	if last := out.Errors[len(out.Errors)-1]; last.Kind != domain.KindAmbiguousReferenceRange {
		t.Fatalf("errors %+v", out.Errors)
	}
}

const fullExam = `LABORATÓRIO CENTRAL
Paciente: ***
HEMOGRAMA
Hemoglobina: 11,8 g/dL
Hematócrito: 38 %
Leucócitos 7.500 cel/mm3
Plaquetas (cel/μL) 250000
BIOQUÍMICA
Glicose 250 mg/dL
Creatinina: 0,9mg/dL
Colesterol total ; 190 ; mg/dL
Sódio 140 mEq/L
Potássio 5.5 mmol/L
Idade 30 anos
Hb 13,9 g/dL 12,0 a 16,0
`

func TestRunIsDeterministic(t *testing.T) {
	in := Input{RawText: fullExam, PatientSex: domain.SexFemale, PatientAge: 30}
	var first []byte
	for i := 0; i < 5; i++ {
		out, err := newPipeline(t, seededSource(t)).Run(context.Background(), in)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		b, err := json.Marshal(out)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if first == nil {
			first = b
			continue
		}
		if !bytes.Equal(first, b) {
			t.Fatalf("run %d differs:\n%s\n%s", i, first, b)
		}
	}
	if RunID("x", domain.SexFemale, 30) == RunID("x", domain.SexMale, 30) {
		t.Fatalf("run id must depend on sex")
	}
}

func TestRunDefaultOptionsSerializeIdentically(t *testing.T) {
	tbl, err := refdata.Aliases()
	if err != nil {
		t.Fatalf("refdata.Aliases: %v", err)
	}
	p, err := New(tbl, seededSource(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	in := Input{RawText: "Hemoglobina: 14.2 g/dL", PatientSex: domain.SexFemale, PatientAge: 30}
	first, err := p.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := p.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("outputs differ:\n%+v\n%+v", first, second)
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if !bytes.Equal(a, b) {
		t.Fatalf("serialized outputs differ:\n%s\n%s", a, b)
	}
	if bytes.Contains(a, []byte("generated_at")) {
		t.Fatalf("output must not carry a timestamp: %s", a)
	}
}

func TestRunSlashCellUnits(t *testing.T) {
	in := Input{RawText: "Leucocitos 7500 /mm3\nPlaquetas 250000 /mm³", PatientSex: domain.SexFemale, PatientAge: 30}
	out, err := newPipeline(t, seededSource(t)).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Results) != 2 || len(out.Errors) != 0 {
		t.Fatalf("results=%+v errors=%+v", out.Results, out.Errors)
	}
	for i, code := range []string{"WBC", "Plt"} {
		r := out.Results[i]
		if r.NormalizedCode != code || r.Status != domain.StatusNormal || r.Unit != "cel/μL" {
			t.Fatalf("result %d: %+v", i, r)
		}
	}
}

func TestRunFullExam(t *testing.T) {
	out, err := newPipeline(t, seededSource(t)).Run(context.Background(), Input{RawText: fullExam, PatientSex: domain.SexFemale, PatientAge: 30})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	codes := make([]string, len(out.Results))
	for i, r := range out.Results {
		codes[i] = r.NormalizedCode
	}
	want := "Hb,Ht,WBC,Plt,Glu,Cr,CT,Na,K"
	if strings.Join(codes, ",") != want {
		t.Fatalf("codes=%v want %s", codes, want)
	}
	byCode := map[string]domain.BiomarkerResult{}
	for _, r := range out.Results {
		byCode[r.NormalizedCode] = r
	}
	if byCode["Hb"].Severity != domain.SeverityMild || byCode["Hb"].Status != domain.StatusLow {
		t.Fatalf("Hb %+v", byCode["Hb"])
	}
	if byCode["Plt"].Status != domain.StatusNormal || byCode["Plt"].Unit != "cel/μL" {
		t.Fatalf("Plt %+v", byCode["Plt"])
	}
	if byCode["K"].Status != domain.StatusHigh || byCode["K"].Unit != "mmol/L" {
		t.Fatalf("K %+v", byCode["K"])
	}
	// "Leucócitos 7.500" reads as 7.5 cells, far below range.
	if byCode["WBC"].Severity != domain.SeverityCritical {
		t.Fatalf("WBC %+v", byCode["WBC"])
	}
	if out.Counts.Total != 9 || out.Counts.Abnormal+out.Counts.Normal+out.Counts.Unknown != 9 {
		t.Fatalf("counts %+v", out.Counts)
	}
	var unrecognized int
	for _, e := range out.Errors {
		if e.Kind == domain.KindUnrecognizedLabel {
			unrecognized++
		}
	}
	if unrecognized != 1 {
		t.Fatalf("expected the age line to be the only unrecognized label, errors=%+v", out.Errors)
	}
}

func TestRunNonFatalValueAndUnitErrors(t *testing.T) {
	text := "Hb -5 g/dL\nGlicose 5.5 mmol/L\nHb 1.2.3 g/dL\nSódio 140 mEq/L"
	out, err := newPipeline(t, seededSource(t)).Run(context.Background(), Input{RawText: text, PatientSex: domain.SexMale, PatientAge: 40})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	kinds := make([]domain.ErrorKind, len(out.Errors))
	for i, e := range out.Errors {
		kinds[i] = e.Kind
	}
	want := []domain.ErrorKind{domain.KindInvalidValue, domain.KindUnitMismatch, domain.KindInvalidValue}
	if len(kinds) != len(want) {
		t.Fatalf("kinds=%v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds=%v want %v", kinds, want)
		}
	}
	if len(out.Results) != 2 || out.Results[0].Status != domain.StatusUnknown || out.Results[0].MatchedRange != nil {
		t.Fatalf("unit mismatch must leave the result unknown: %+v", out.Results)
	}
	if out.Results[1].Status != domain.StatusNormal {
		t.Fatalf("sodium %+v", out.Results[1])
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	p := newPipeline(t, seededSource(t))
	cases := []Input{
		{RawText: "", PatientSex: domain.SexFemale, PatientAge: 30},
		{RawText: "---\n***", PatientSex: domain.SexFemale, PatientAge: 30},
		{RawText: "Hb 14 g/dL", PatientSex: domain.SexAny, PatientAge: 30},
		{RawText: "Hb 14 g/dL", PatientSex: domain.SexFemale, PatientAge: -1},
	}
	for _, in := range cases {
		out, err := p.Run(context.Background(), in)
		if !errors.Is(err, &domain.Error{Kind: domain.KindInvalidInput}) || out.Status != StageFailed {
			t.Fatalf("input %+v: out=%+v err=%v", in, out, err)
		}
	}
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := newPipeline(t, seededSource(t)).Run(ctx, Input{RawText: "Hb 14 g/dL", PatientSex: domain.SexFemale, PatientAge: 30})
	if domain.KindOf(err) != domain.KindCanceled || out.Status != StageFailed {
		t.Fatalf("out=%+v err=%v", out, err)
	}
}

func TestRunUpstreamTimeout(t *testing.T) {
	src := &fakeSource{block: true}
	p := newPipeline(t, src, WithLookupTimeout(20*time.Millisecond))
	out, err := p.Run(context.Background(), Input{RawText: "Hb 14 g/dL", PatientSex: domain.SexFemale, PatientAge: 30})
	if domain.KindOf(err) != domain.KindUpstreamTimeout || out.Status != StageFailed || out.Stage != StageResolving {
		t.Fatalf("out=%+v err=%v", out, err)
	}
}

func TestRunMemoizesRangeLookups(t *testing.T) {
	src := seededSource(t)
	p := newPipeline(t, src)
	_, err := p.Run(context.Background(), Input{RawText: "Hb 14 g/dL\nHb 13.5 g/dL\nHemoglobina 13 g/dL", PatientSex: domain.SexFemale, PatientAge: 30})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if src.calls["Hb"] != 1 {
		t.Fatalf("expected one lookup, got %d", src.calls["Hb"])
	}
}

type captureObserver struct {
	statuses []string
}

func (c *captureObserver) ObserveRun(status string, _ []domain.BiomarkerResult, _ []domain.ErrorRecord) {
	c.statuses = append(c.statuses, status)
}

func TestRunObservability(t *testing.T) {
	tracer := NewJSONTracer(nil)
	metrics := NewExpvarMetricsRecorder("")
	obs := &captureObserver{}
	var logs bytes.Buffer
	logger, err := logging.New(logging.Config{Level: "debug"}, &logs)
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	p := newPipeline(t, seededSource(t), WithTracer(tracer), WithMetrics(metrics), WithRunObserver(obs), WithLogger(logger))
	if _, err := p.Run(context.Background(), Input{RawText: "Hemoglobina: 14.2 g/dL\nXYZ123 5 unk", PatientSex: domain.SexFemale, PatientAge: 30}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries := tracer.Entries()
	wantStages := []Stage{StageNormalizing, StageExtracting, StageResolving, StageClassifying, StageSummarizing}
	if len(entries) != len(wantStages) {
		t.Fatalf("entries=%+v", entries)
	}
	for i, s := range wantStages {
		if entries[i].Operation != string(s) || entries[i].Status != "success" {
			t.Fatalf("entry %d = %+v", i, entries[i])
		}
	}
	snap := metrics.Snapshot()
	if snap.Results[string(StageResolving)]["success"] != 1 {
		t.Fatalf("snapshot %+v", snap)
	}
	if len(obs.statuses) != 1 || obs.statuses[0] != string(StageDone) {
		t.Fatalf("observer %+v", obs.statuses)
	}
	text := logs.String()
	for _, secret := range []string{"Hemoglobina", "14.2", "XYZ123"} {
		if strings.Contains(text, secret) {
			t.Fatalf("log leaked %q:\n%s", secret, text)
		}
	}
	if !strings.Contains(text, "run finished") || !strings.Contains(text, "UnrecognizedLabel") {
		t.Fatalf("expected completion and error logs:\n%s", text)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	tbl, _ := refdata.Aliases()
	if _, err := New(nil, &fakeSource{}); err == nil {
		t.Fatalf("expected alias table error")
	}
	if _, err := New(tbl, nil); err == nil {
		t.Fatalf("expected source error")
	}
}

func TestJSONTracerRecordsErrorKind(t *testing.T) {
	var buf bytes.Buffer
	tr := NewJSONTracer(&buf)
	_, span := tr.Start(context.Background(), "Resolving")
	span.End(domain.NewError(domain.KindUpstreamTimeout, "slow"))
	_, span = tr.Start(context.Background(), "Other")
	span.End(errors.New("plain"))
	entries := tr.Entries()
	if entries[0].ErrorKind != domain.KindUpstreamTimeout || entries[1].ErrorKind != "internal" {
		t.Fatalf("entries=%+v", entries)
	}
	if strings.Contains(buf.String(), "slow") {
		t.Fatalf("trace output must not carry messages: %s", buf.String())
	}
}
