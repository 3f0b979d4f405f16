// Package ranges resolves the reference range that applies to a reading given
// the patient's sex and age.
package ranges

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"labcore/pkg/domain"
)

// DefaultLookupTimeout bounds a single range store call when the caller does
// not configure one.
const DefaultLookupTimeout = 5 * time.Second

// Resolver fetches candidate rows from a RangeSource and applies Select.
type Resolver struct {
	source  domain.RangeSource
	timeout time.Duration
	log     logrus.FieldLogger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout overrides the per-lookup timeout. Non-positive values disable it.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithLogger sets the logger used to report skipped rows.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

// NewResolver constructs a resolver over source.
func NewResolver(source domain.RangeSource, opts ...Option) *Resolver {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	r := &Resolver{source: source, timeout: DefaultLookupTimeout, log: discard}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fetch loads the active rows for code, translating store failures into the
// upstream error kinds. A deadline becomes KindUpstreamTimeout, caller
// cancellation becomes KindCanceled and anything else KindUpstreamUnavailable.
func (r *Resolver) Fetch(ctx context.Context, code string) ([]domain.ReferenceRange, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyUpstream(ctx, ctx, err, code)
	}
	lookupCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	rows, err := r.source.FetchActiveRanges(lookupCtx, code)
	if err == nil {
		if lookupErr := lookupCtx.Err(); lookupErr != nil {
			return nil, classifyUpstream(ctx, lookupCtx, lookupErr, code)
		}
		return rows, nil
	}
	return nil, classifyUpstream(ctx, lookupCtx, err, code)
}

// Resolve fetches rows for q.Code and selects the applicable one.
func (r *Resolver) Resolve(ctx context.Context, q Query) (*domain.ReferenceRange, error) {
	rows, err := r.Fetch(ctx, q.Code)
	if err != nil {
		return nil, err
	}
	return r.Choose(rows, q)
}

// Choose applies Select to already fetched rows and logs skipped ones.
func (r *Resolver) Choose(rows []domain.ReferenceRange, q Query) (*domain.ReferenceRange, error) {
	sel, err := Select(rows, q)
	for _, id := range sel.Skipped {
		r.log.WithFields(logrus.Fields{"code": q.Code, "range_id": id}).Warn("skipping invalid reference range")
	}
	if err != nil {
		return nil, err
	}
	return sel.Range, nil
}

func classifyUpstream(parent, lookup context.Context, err error, code string) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return domain.NewError(domain.KindCanceled, "run canceled during range lookup", "code", code).Wrap(err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(lookup.Err(), context.DeadlineExceeded):
		return domain.NewError(domain.KindUpstreamTimeout, "reference range lookup timed out", "code", code).Wrap(err)
	default:
		return domain.NewError(domain.KindUpstreamUnavailable, "reference range store unavailable", "code", code).Wrap(err)
	}
}
