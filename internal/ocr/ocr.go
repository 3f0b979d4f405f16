// Package ocr turns exam documents into text. Plain text passes through, PDFs
// yield their text layer and images go to an OCR engine.
package ocr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"labcore/internal/logging"
	"labcore/pkg/domain"
)

// Supported document types.
const (
	MIMEText = "text/plain"
	MIMEPDF  = "application/pdf"
	MIMEPNG  = "image/png"
	MIMEJPEG = "image/jpeg"
	MIMETIFF = "image/tiff"
)

// DefaultTimeout bounds one document when no timeout is configured.
const DefaultTimeout = 60 * time.Second

// Engine recognizes text in a single encoded image.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, image []byte) (string, error)
}

// Result is the outcome of processing one document.
type Result struct {
	Text       string   `json:"text"`
	Pages      []string `json:"pages,omitempty"`
	MIMEType   string   `json:"mime_type"`
	TextHash   string   `json:"text_hash"`
	Confidence float64  `json:"confidence"`
	Engine     string   `json:"engine"`
}

// Option configures a Producer.
type Option func(*Producer)

// WithTimeout bounds each document.
func WithTimeout(d time.Duration) Option {
	return func(p *Producer) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Producer) { p.log = logging.OrDiscard(l) }
}

// Producer dispatches documents by MIME type. It implements domain.TextProducer.
type Producer struct {
	engine  Engine
	timeout time.Duration
	log     logrus.FieldLogger
}

var _ domain.TextProducer = (*Producer)(nil)

// New builds a Producer. engine may be nil, in which case images are rejected
// as UpstreamUnavailable.
func New(engine Engine, opts ...Option) *Producer {
	p := &Producer{engine: engine, timeout: DefaultTimeout, log: logging.Discard()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProduceText returns only the extracted text.
func (p *Producer) ProduceText(ctx context.Context, data []byte, mimeType string) (string, error) {
	res, err := p.Process(ctx, data, mimeType)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// Process extracts text from data. mimeType is sniffed when empty or generic.
func (p *Producer) Process(ctx context.Context, data []byte, mimeType string) (Result, error) {
	if len(data) == 0 {
		return Result{}, domain.NewError(domain.KindInvalidInput, "document is empty")
	}
	mt := DetectMIME(data, mimeType)

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var (
		pages  []string
		engine string
		err    error
	)
	switch mt {
	case MIMEText:
		pages, engine = []string{string(data)}, "passthrough"
	case MIMEPDF:
		engine = "pdf-text"
		read := readPDF
		pages, err = bounded(runCtx, func(context.Context) ([]string, error) { return read(data) })
		if err != nil {
			if runCtx.Err() != nil {
				return Result{}, classify(ctx, runCtx, err, engine)
			}
			return Result{}, domain.NewError(domain.KindInvalidInput, "pdf could not be read", "mime", mt).Wrap(err)
		}
	case MIMEPNG, MIMEJPEG, MIMETIFF:
		if p.engine == nil {
			return Result{}, domain.NewError(domain.KindUpstreamUnavailable, "no OCR engine configured", "mime", mt)
		}
		engine = p.engine.Name()
		var text string
		text, err = bounded(runCtx, func(ctx context.Context) (string, error) { return p.engine.Recognize(ctx, data) })
		if err != nil {
			return Result{}, classify(ctx, runCtx, err, engine)
		}
		pages = []string{text}
	default:
		return Result{}, domain.NewError(domain.KindInvalidInput, "unsupported document type", "mime", mt)
	}

	text := strings.TrimSpace(strings.Join(pages, "\n\n"))
	if text == "" {
		return Result{}, domain.NewError(domain.KindInvalidInput, "document has no extractable text", "mime", mt)
	}
	sum := sha256.Sum256([]byte(text))
	res := Result{
		Text:       text,
		Pages:      pages,
		MIMEType:   mt,
		TextHash:   hex.EncodeToString(sum[:]),
		Confidence: Confidence(text),
		Engine:     engine,
	}
	p.log.WithFields(logrus.Fields{
		"mime":        mt,
		"engine":      engine,
		"pages":       len(pages),
		"text_length": utf8.RuneCountInString(text),
		"text_hash":   res.TextHash,
		"confidence":  res.Confidence,
	}).Info("document text extracted")
	return res, nil
}

// DetectMIME returns the declared type without parameters, or the sniffed
// type when the declaration is empty or generic.
func DetectMIME(data []byte, declared string) string {
	mt := canonicalMIME(declared)
	if mt == "" || mt == "application/octet-stream" {
		mt = canonicalMIME(mimetype.Detect(data).String())
	}
	return mt
}

func canonicalMIME(raw string) string {
	mt, _, _ := strings.Cut(raw, ";")
	mt = strings.ToLower(strings.TrimSpace(mt))
	switch mt {
	case "image/jpg", "image/pjpeg":
		return MIMEJPEG
	case "image/tif":
		return MIMETIFF
	}
	return mt
}

// bounded runs fn without blocking past ctx. Native engines and the PDF
// parser cannot be interrupted, so a late result is dropped.
func bounded[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome{v, err}
	}()
	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func classify(parent, run context.Context, err error, engine string) error {
	switch {
	case parent.Err() != nil && errors.Is(parent.Err(), context.Canceled):
		return domain.NewError(domain.KindCanceled, "text extraction canceled").Wrap(err)
	case errors.Is(err, context.DeadlineExceeded) || run.Err() != nil:
		return domain.NewError(domain.KindUpstreamTimeout, "text extraction timed out", "engine", engine).Wrap(err)
	default:
		return domain.NewError(domain.KindUpstreamUnavailable, "OCR engine failed", "engine", engine).Wrap(err)
	}
}

// Confidence scores extracted text on a 0-100 scale from its share of
// alphanumerics and spaces, penalizing question marks left by the engine.
func Confidence(text string) float64 {
	total := utf8.RuneCountInString(text)
	if total == 0 {
		return 0
	}
	var alnum, spaces, questions int
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			alnum++
		case r == ' ':
			spaces++
		case r == '?':
			questions++
		}
	}
	n := float64(total)
	score := (float64(alnum)/n*0.6 + float64(spaces)/n*0.2 + (1-float64(questions)/n)*0.2) * 100
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}
