// Package batch evaluates every exam document under a blob prefix with
// bounded parallelism. A failing document never aborts the others.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"labcore/internal/blob"
	"labcore/internal/logging"
	"labcore/internal/pipeline"
	"labcore/pkg/domain"
)

// Defaults applied by New.
const (
	DefaultConcurrency      = 4
	DefaultMaxDocumentBytes = 20 << 20
)

// Runner executes one pipeline run; *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, in pipeline.Input) (pipeline.Output, error)
}

// Options tunes a Batch.
type Options struct {
	Concurrency      int
	MaxDocumentBytes int64
	Logger           logrus.FieldLogger
}

// Batch wires a document store, a text producer and a pipeline runner.
type Batch struct {
	store    blob.Store
	producer domain.TextProducer
	runner   Runner
	opts     Options
	log      logrus.FieldLogger
}

// DocumentResult is the outcome for one document. Error is set when the
// document failed before or during the pipeline run.
type DocumentResult struct {
	Key      string              `json:"key"`
	Output   *pipeline.Output    `json:"output,omitempty"`
	Error    *domain.ErrorRecord `json:"error,omitempty"`
	Duration time.Duration       `json:"duration_ns"`
}

// Failed reports whether the document produced no usable output.
func (d DocumentResult) Failed() bool { return d.Error != nil }

// Report lists per-document results ordered by key.
type Report struct {
	Prefix    string           `json:"prefix"`
	Documents []DocumentResult `json:"documents"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

// New validates collaborators and applies option defaults.
func New(store blob.Store, producer domain.TextProducer, runner Runner, opts Options) (*Batch, error) {
	if store == nil || producer == nil || runner == nil {
		return nil, errors.New("batch: store, producer and runner are required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxDocumentBytes <= 0 {
		opts.MaxDocumentBytes = DefaultMaxDocumentBytes
	}
	return &Batch{
		store:    store,
		producer: producer,
		runner:   runner,
		opts:     opts,
		log:      logging.OrDiscard(opts.Logger).WithField("component", "batch"),
	}, nil
}

// Run processes every document whose key starts with prefix. It returns an
// error only when listing fails or ctx is canceled before completion.
func (b *Batch) Run(ctx context.Context, prefix string) (Report, error) {
	infos, err := b.store.List(ctx, prefix)
	if err != nil {
		return Report{}, fmt.Errorf("list documents: %w", err)
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if strings.HasSuffix(info.Key, "/") {
			continue
		}
		keys = append(keys, info.Key)
	}

	results := make([]DocumentResult, len(keys))
	var g errgroup.Group
	g.SetLimit(b.opts.Concurrency)
	for i, key := range keys {
		g.Go(func() error {
			results[i] = b.process(ctx, key)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Prefix: prefix, Documents: results}
	for _, r := range results {
		if r.Failed() {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}
	b.log.WithFields(logrus.Fields{
		"documents": len(results),
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
	}).Info("batch complete")
	if err := ctx.Err(); err != nil {
		return report, domain.NewError(domain.KindCanceled, "batch canceled").Wrap(err)
	}
	return report, nil
}

func (b *Batch) process(ctx context.Context, key string) (res DocumentResult) {
	start := time.Now()
	res = DocumentResult{Key: key}
	defer func() { res.Duration = time.Since(start) }()
	log := b.log.WithField("key", key)

	if err := ctx.Err(); err != nil {
		res.Error = record(domain.NewError(domain.KindCanceled, "batch canceled").Wrap(err))
		return res
	}
	data, info, err := blob.ReadDocument(ctx, b.store, key, b.opts.MaxDocumentBytes)
	if err != nil {
		kind := domain.KindUpstreamUnavailable
		if errors.Is(err, blob.ErrNotFound) {
			kind = domain.KindInvalidInput
		}
		res.Error = record(domain.NewError(kind, "document could not be read").Wrap(err))
		log.WithField("kind", res.Error.Kind).Warn("document read failed")
		return res
	}
	sex, age, err := Patient(info.Metadata)
	if err != nil {
		res.Error = record(err)
		log.WithField("kind", res.Error.Kind).Warn("document metadata invalid")
		return res
	}
	text, err := b.producer.ProduceText(ctx, data, info.ContentType)
	if err != nil {
		res.Error = record(err)
		log.WithField("kind", res.Error.Kind).Warn("text extraction failed")
		return res
	}
	out, err := b.runner.Run(ctx, pipeline.Input{RawText: text, PatientSex: sex, PatientAge: age})
	res.Output = &out
	if err != nil {
		res.Error = record(err)
		log.WithField("kind", res.Error.Kind).Warn("pipeline run failed")
		return res
	}
	log.WithFields(logrus.Fields{"run_id": out.RunID, "results": len(out.Results)}).Debug("document evaluated")
	return res
}

// Patient reads sex and age from document metadata.
func Patient(md map[string]string) (domain.Sex, int, error) {
	sex, err := domain.ParseSex(md[blob.MetaSex])
	if err != nil {
		return "", 0, domain.NewError(domain.KindInvalidInput, "document metadata lacks a valid patient sex", "field", blob.MetaSex)
	}
	age, err := strconv.Atoi(strings.TrimSpace(md[blob.MetaAge]))
	if err != nil || age < 0 || age > pipeline.MaxPatientAge {
		return "", 0, domain.NewError(domain.KindInvalidInput, "document metadata lacks a valid patient age", "field", blob.MetaAge)
	}
	return sex, age, nil
}

// Metadata builds the blob metadata for a document upload.
func Metadata(sex domain.Sex, age int) map[string]string {
	return map[string]string{blob.MetaSex: string(sex), blob.MetaAge: strconv.Itoa(age)}
}

func record(err error) *domain.ErrorRecord {
	var de *domain.Error
	if errors.As(err, &de) {
		rec := de.Record()
		return &rec
	}
	return &domain.ErrorRecord{Kind: domain.KindUpstreamUnavailable, Message: "unexpected failure"}
}
