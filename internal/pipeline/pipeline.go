// Package pipeline sequences normalization, extraction, alias resolution,
// range resolution, classification and summarization for one exam.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"labcore/internal/alias"
	"labcore/internal/classify"
	"labcore/internal/extract"
	"labcore/internal/logging"
	"labcore/internal/ranges"
	"labcore/internal/summary"
	"labcore/internal/textnorm"
	"labcore/internal/units"
	"labcore/pkg/domain"
)

// Stage is a state of the run state machine.
type Stage string

// Run states in order. Failed is reachable from every non-terminal state.
const (
	StageReceived    Stage = "Received"
	StageNormalizing Stage = "Normalizing"
	StageExtracting  Stage = "Extracting"
	StageResolving   Stage = "Resolving"
	StageClassifying Stage = "Classifying"
	StageSummarizing Stage = "Summarizing"
	StageDone        Stage = "Done"
	StageFailed      Stage = "Failed"
)

// MaxPatientAge bounds accepted ages.
const MaxPatientAge = 150

// runNamespace scopes deterministic run identifiers.
var runNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:labcore:run"))

// Input is one exam to evaluate.
type Input struct {
	RawText    string     `json:"raw_text"`
	PatientSex domain.Sex `json:"patient_sex"`
	PatientAge int        `json:"patient_age"`
}

// Output is the result of one run. Status is Done or Failed; Stage is the
// state the run was in when it stopped. Output carries no wall-clock time, so
// identical input serializes to identical bytes.
type Output struct {
	RunID          string                   `json:"run_id"`
	InputDigest    string                   `json:"input_digest"`
	Status         Stage                    `json:"status"`
	Stage          Stage                    `json:"stage"`
	Results        []domain.BiomarkerResult `json:"results"`
	TextualSummary string                   `json:"textual_summary"`
	Counts         domain.SummaryCounts     `json:"counts"`
	Errors         []domain.ErrorRecord     `json:"errors"`
}

// Pipeline holds the immutable collaborators of a run. It is safe for
// concurrent use; each Run keeps its state on the stack.
type Pipeline struct {
	aliases    *alias.Table
	extractor  *extract.Extractor
	resolver   *ranges.Resolver
	classifier *classify.Classifier
	summarizer *summary.Generator

	source        domain.RangeSource
	lookupTimeout time.Duration
	log           logrus.FieldLogger
	metrics       MetricsRecorder
	tracer        Tracer
	observer      RunObserver
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the structured logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pipeline) { p.log = logging.OrDiscard(l) }
}

// WithClassifier replaces the default severity policy.
func WithClassifier(c *classify.Classifier) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.classifier = c
		}
	}
}

// WithExtractor replaces the default grammar list.
func WithExtractor(e *extract.Extractor) Option {
	return func(p *Pipeline) {
		if e != nil {
			p.extractor = e
		}
	}
}

// WithLookupTimeout bounds each reference range store call.
func WithLookupTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.lookupTimeout = d }
}

// WithMetrics installs a stage metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithTracer installs a stage tracer.
func WithTracer(t Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithRunObserver installs a hook called once per finished run.
func WithRunObserver(o RunObserver) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

// New wires a pipeline around an alias table and a reference range source.
func New(aliases *alias.Table, source domain.RangeSource, opts ...Option) (*Pipeline, error) {
	if aliases == nil {
		return nil, errors.New("pipeline: alias table required")
	}
	if source == nil {
		return nil, errors.New("pipeline: range source required")
	}
	p := &Pipeline{
		aliases:       aliases,
		extractor:     extract.New(),
		classifier:    classify.Default(),
		source:        source,
		lookupTimeout: ranges.DefaultLookupTimeout,
		log:           logging.Discard(),
		metrics:       noopMetrics{},
		tracer:        noopTracer{},
		observer:      noopRunObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.resolver = ranges.NewResolver(source, ranges.WithTimeout(p.lookupTimeout), ranges.WithLogger(p.log))
	p.summarizer = summary.New()
	return p, nil
}

// run carries the state of one invocation.
type run struct {
	id      string
	digest  string
	stage   Stage
	errs    []domain.ErrorRecord
	log     logrus.FieldLogger
	ranges  map[string][]domain.ReferenceRange
	pending []resolved
}

type resolved struct {
	biomarker domain.CanonicalBiomarker
	rng       *domain.ReferenceRange
}

// Run evaluates one exam. The returned error is the fatal error of a Failed
// run and nil when the run is Done; the Output is always populated.
func (p *Pipeline) Run(ctx context.Context, in Input) (Output, error) {
	sum := sha256.Sum256([]byte(in.RawText))
	digest := hex.EncodeToString(sum[:])
	r := &run{
		id:     RunID(digest, in.PatientSex, in.PatientAge),
		digest: digest,
		stage:  StageReceived,
		ranges: make(map[string][]domain.ReferenceRange),
	}
	r.log = p.log.WithField("run_id", r.id)
	r.log.WithField("stage", r.stage).Debug("run received")

	if err := validateInput(in); err != nil {
		return p.fail(r, err)
	}

	var lines []string
	if err := p.stage(ctx, r, StageNormalizing, func(context.Context) error {
		var err error
		lines, err = textnorm.Normalize(in.RawText)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return domain.NewError(domain.KindInvalidInput, "raw text has no readable lines")
		}
		return nil
	}); err != nil {
		return p.fail(r, err)
	}

	var candidates []domain.BiomarkerCandidate
	if err := p.stage(ctx, r, StageExtracting, func(context.Context) error {
		candidates = p.extractor.Extract(lines)
		return nil
	}); err != nil {
		return p.fail(r, err)
	}

	if err := p.stage(ctx, r, StageResolving, func(ctx context.Context) error {
		return p.resolveAll(ctx, r, candidates, in)
	}); err != nil {
		return p.fail(r, err)
	}

	var results []domain.BiomarkerResult
	if err := p.stage(ctx, r, StageClassifying, func(context.Context) error {
		results = p.classifyAll(r)
		return nil
	}); err != nil {
		return p.fail(r, err)
	}

	var exam domain.ExamSummary
	if err := p.stage(ctx, r, StageSummarizing, func(context.Context) error {
		exam = p.summarizer.Summarize(results)
		return nil
	}); err != nil {
		return p.fail(r, err)
	}

	r.stage = StageDone
	out := Output{
		RunID:          r.id,
		InputDigest:    r.digest,
		Status:         StageDone,
		Stage:          StageDone,
		Results:        exam.Results,
		TextualSummary: exam.TextualSummary,
		Counts:         exam.Counts,
		Errors:         nonNil(r.errs),
	}
	r.log.WithFields(logrus.Fields{
		"status":   StageDone,
		"total":    exam.Counts.Total,
		"abnormal": exam.Counts.Abnormal,
		"unknown":  exam.Counts.Unknown,
		"errors":   len(r.errs),
	}).Info("run finished")
	p.observer.ObserveRun(string(StageDone), out.Results, out.Errors)
	return out, nil
}

// stage checks for cancellation, enters the state and runs fn under a span.
func (p *Pipeline) stage(ctx context.Context, r *run, s Stage, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return domain.NewError(domain.KindCanceled, "run canceled", "stage", string(s)).Wrap(err)
	}
	r.stage = s
	r.log.WithField("stage", s).Debug("stage entered")
	spanCtx, span := p.tracer.Start(ctx, string(s))
	started := time.Now()
	err := fn(spanCtx)
	p.metrics.Observe(spanCtx, string(s), err == nil, time.Since(started))
	span.End(err)
	return err
}

func (p *Pipeline) resolveAll(ctx context.Context, r *run, candidates []domain.BiomarkerCandidate, in Input) error {
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return domain.NewError(domain.KindCanceled, "run canceled", "stage", string(StageResolving)).Wrap(err)
		}
		entry, ok := p.aliases.Resolve(c.RawLabel)
		if !ok {
			r.note(domain.NewError(domain.KindUnrecognizedLabel, "label not in alias table", lineContext(c)...))
			continue
		}
		value, err := extract.ParseValue(c.RawValue)
		if err != nil {
			var de *domain.Error
			if errors.As(err, &de) {
				de.Context = mergeContext(de.Context, append(lineContext(c), "code", entry.NormalizedCode)...)
			}
			r.note(err)
			continue
		}
		unit := units.Canonicalize(c.RawUnit)
		if unit == "" {
			unit = entry.DefaultUnit
		}
		bm := domain.CanonicalBiomarker{
			CanonicalName:   entry.CanonicalName,
			NormalizedCode:  entry.NormalizedCode,
			Value:           value,
			Unit:            unit,
			SourceLineIndex: c.SourceLineIndex,
		}

		rows, cached := r.ranges[bm.NormalizedCode]
		if !cached {
			rows, err = p.resolver.Fetch(ctx, bm.NormalizedCode)
			if err != nil {
				return err
			}
			r.ranges[bm.NormalizedCode] = rows
		}
		rng, err := p.resolver.Choose(rows, ranges.Query{Code: bm.NormalizedCode, Sex: in.PatientSex, Age: in.PatientAge})
		if err != nil {
			return err
		}
		if rng != nil && !units.Compatible(bm.Unit, rng.Unit) {
			r.note(domain.NewError(domain.KindUnitMismatch, "reading unit differs from reference range unit",
				append(lineContext(c), "code", bm.NormalizedCode, "range_id", rng.ID)...))
			rng = nil
		}
		r.pending = append(r.pending, resolved{biomarker: bm, rng: rng})
	}
	return nil
}

func (p *Pipeline) classifyAll(r *run) []domain.BiomarkerResult {
	results := make([]domain.BiomarkerResult, 0, len(r.pending))
	for _, item := range r.pending {
		outcome, err := p.classifier.Classify(item.biomarker.Value, item.rng)
		if err != nil {
			r.note(err)
			outcome = classify.Outcome{Status: domain.StatusUnknown, Severity: domain.SeverityNone}
			item.rng = nil
		}
		results = append(results, domain.BiomarkerResult{
			CanonicalBiomarker: item.biomarker,
			MatchedRange:       item.rng,
			Status:             outcome.Status,
			Severity:           outcome.Severity,
		})
	}
	return results
}

func (p *Pipeline) fail(r *run, err error) (Output, error) {
	de := asDomainError(err)
	r.errs = append(r.errs, de.Record())
	r.log.WithFields(logrus.Fields{"status": StageFailed, "stage": r.stage, "kind": de.Kind}).Warn("run failed")
	out := Output{
		RunID:       r.id,
		InputDigest: r.digest,
		Status:      StageFailed,
		Stage:       r.stage,
		Results:     []domain.BiomarkerResult{},
		Errors:      r.errs,
	}
	p.observer.ObserveRun(string(StageFailed), nil, out.Errors)
	return out, de
}

// note records a non-fatal error and logs it without patient data.
func (r *run) note(err error) {
	de := asDomainError(err)
	rec := de.Record()
	r.errs = append(r.errs, rec)
	r.log.WithFields(logrus.Fields{"kind": rec.Kind, "line": rec.Context["line"]}).Info("candidate dropped")
}

func asDomainError(err error) *domain.Error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}
	return domain.NewError(domain.KindUpstreamUnavailable, "unexpected pipeline error").Wrap(err)
}

func validateInput(in Input) error {
	switch in.PatientSex {
	case domain.SexMale, domain.SexFemale:
	default:
		return domain.NewError(domain.KindInvalidInput, "patient sex must be M or F")
	}
	if in.PatientAge < 0 || in.PatientAge > MaxPatientAge {
		return domain.NewError(domain.KindInvalidInput, "patient age out of range")
	}
	return nil
}

// RunID derives the deterministic identifier of a run from its input.
func RunID(digest string, sex domain.Sex, age int) string {
	return uuid.NewSHA1(runNamespace, []byte(digest+"|"+string(sex)+"|"+strconv.Itoa(age))).String()
}

func lineContext(c domain.BiomarkerCandidate) []string {
	return []string{"line", strconv.Itoa(c.SourceLineIndex), "grammar", c.Grammar}
}

func mergeContext(dst map[string]string, kv ...string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(kv)/2)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		dst[kv[i]] = kv[i+1]
	}
	return dst
}

func nonNil(errs []domain.ErrorRecord) []domain.ErrorRecord {
	if errs == nil {
		return []domain.ErrorRecord{}
	}
	return errs
}
