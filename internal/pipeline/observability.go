package pipeline

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"labcore/pkg/domain"
)

// MetricsRecorder observes the duration and outcome of each stage.
type MetricsRecorder interface {
	Observe(ctx context.Context, stage string, success bool, duration time.Duration)
}

// RunObserver is told about every finished run.
type RunObserver interface {
	ObserveRun(status string, results []domain.BiomarkerResult, errs []domain.ErrorRecord)
}

// Tracer opens a span per stage.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is closed with the stage error, if any.
type TraceSpan interface {
	End(err error)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type noopRunObserver struct{}

func (noopRunObserver) ObserveRun(string, []domain.BiomarkerResult, []domain.ErrorRecord) {}

var expvarSeq uint64

// ExpvarMetricsRecorder publishes per-stage timing and outcome totals via
// expvar, for deployments without a Prometheus scraper.
type ExpvarMetricsRecorder struct {
	name      string
	mu        sync.Mutex
	durations map[string]float64
	results   map[string]map[string]int64
	runs      map[string]int64
}

// ExpvarMetricsSnapshot is a read-only view of the recorder.
type ExpvarMetricsSnapshot struct {
	DurationsMS map[string]float64          `json:"durations_ms_total"`
	Results     map[string]map[string]int64 `json:"results_total"`
	Runs        map[string]int64            `json:"runs_total"`
	RecordedAt  time.Time                   `json:"recorded_at"`
}

// NewExpvarMetricsRecorder publishes a recorder under name, generating a
// unique name when empty.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("labcore_pipeline_metrics_%d", id)
	}
	rec := &ExpvarMetricsRecorder{
		name:      name,
		durations: make(map[string]float64),
		results:   make(map[string]map[string]int64),
		runs:      make(map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Snapshot copies the aggregated metrics.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	durations := make(map[string]float64, len(r.durations))
	for _, stage := range sortedKeys(r.durations) {
		durations[stage] = r.durations[stage]
	}
	results := make(map[string]map[string]int64, len(r.results))
	for _, stage := range sortedKeys(r.results) {
		counts := r.results[stage]
		cpy := make(map[string]int64, len(counts))
		for _, status := range sortedKeys(counts) {
			cpy[status] = counts[status]
		}
		results[stage] = cpy
	}
	runs := make(map[string]int64, len(r.runs))
	for _, status := range sortedKeys(r.runs) {
		runs[status] = r.runs[status]
	}
	return ExpvarMetricsSnapshot{
		DurationsMS: durations,
		Results:     results,
		Runs:        runs,
		RecordedAt:  time.Now().UTC(),
	}
}

// Observe records a stage outcome.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, stage string, success bool, duration time.Duration) {
	if stage == "" {
		return
	}
	ms := float64(duration) / float64(time.Millisecond)
	status := "error"
	if success {
		status = "success"
	}

	r.mu.Lock()
	r.durations[stage] += ms
	if _, ok := r.results[stage]; !ok {
		r.results[stage] = make(map[string]int64, 2)
	}
	r.results[stage][status]++
	r.mu.Unlock()
}

// ObserveRun counts finished runs by status.
func (r *ExpvarMetricsRecorder) ObserveRun(status string, _ []domain.BiomarkerResult, _ []domain.ErrorRecord) {
	r.mu.Lock()
	r.runs[status]++
	r.mu.Unlock()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// JSONTraceEntry is a serialized span emitted by JSONTraceTracer.
type JSONTraceEntry struct {
	Operation  string           `json:"operation"`
	Status     string           `json:"status"`
	DurationMS float64          `json:"duration_ms"`
	ErrorKind  domain.ErrorKind `json:"error_kind,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    time.Time        `json:"ended_at"`
}

// JSONTraceTracer writes spans as JSON lines and keeps them for inspection.
// Only the error kind is written so spans never carry exam content.
type JSONTraceTracer struct {
	mu      sync.Mutex
	entries []JSONTraceEntry
	enc     *json.Encoder
}

// NewJSONTracer constructs a tracer writing to w. A nil writer only retains entries.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	var enc *json.Encoder
	if w != nil {
		enc = json.NewEncoder(w)
	}
	return &JSONTraceTracer{enc: enc}
}

// Entries returns a copy of all recorded spans.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]JSONTraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonTraceSpan{tracer: t, operation: operation, started: time.Now().UTC()}
}

type jsonTraceSpan struct {
	tracer    *JSONTraceTracer
	operation string
	started   time.Time
}

func (s *jsonTraceSpan) End(err error) {
	status := "success"
	var kind domain.ErrorKind
	if err != nil {
		status = "error"
		kind = domain.KindOf(err)
		if kind == "" {
			kind = "internal"
		}
	}
	ended := time.Now().UTC()
	entry := JSONTraceEntry{
		Operation:  s.operation,
		Status:     status,
		DurationMS: float64(ended.Sub(s.started)) / float64(time.Millisecond),
		ErrorKind:  kind,
		StartedAt:  s.started,
		EndedAt:    ended,
	}

	s.tracer.mu.Lock()
	s.tracer.entries = append(s.tracer.entries, entry)
	if s.tracer.enc != nil {
		_ = s.tracer.enc.Encode(entry)
	}
	s.tracer.mu.Unlock()
}
