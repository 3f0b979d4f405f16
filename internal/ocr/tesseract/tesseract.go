// Package tesseract adapts the gosseract client to the ocr.Engine contract
// with a deterministic configuration tuned for lab reports.
package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// DefaultWhitelist restricts recognition to characters found in lab reports.
const DefaultWhitelist = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz" +
	"ÁÂÃÀÇÉÊÍÓÔÕÚáâãàçéêíóôõú.,:;()[]{}%+-=<>/\\|&*^$#@!?μ³"

// DefaultLanguages are the trained data sets loaded when none are configured.
var DefaultLanguages = []string{"por", "eng"}

// Config tunes the engine.
type Config struct {
	Languages   []string
	Whitelist   string
	PageSegMode int
}

type client interface {
	SetImageFromBytes(data []byte) error
	SetLanguage(langs ...string) error
	SetPageSegMode(mode gosseract.PageSegMode) error
	SetWhitelist(whitelist string) error
	Text() (string, error)
	Close() error
}

// Engine recognizes text with libtesseract. A fresh client is created per
// image because gosseract clients are not safe for concurrent use.
type Engine struct {
	cfg           Config
	clientFactory func() client
}

// New constructs an engine, filling zero config fields with defaults
// (single uniform block segmentation).
func New(cfg Config) *Engine {
	if len(cfg.Languages) == 0 {
		cfg.Languages = append([]string(nil), DefaultLanguages...)
	}
	if cfg.Whitelist == "" {
		cfg.Whitelist = DefaultWhitelist
	}
	if cfg.PageSegMode == 0 {
		cfg.PageSegMode = int(gosseract.PSM_SINGLE_BLOCK)
	}
	return &Engine{cfg: cfg, clientFactory: func() client { return gosseract.NewClient() }}
}

// Name identifies the engine in results and logs.
func (e *Engine) Name() string { return "tesseract" }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Recognize runs OCR over one encoded image.
func (e *Engine) Recognize(ctx context.Context, image []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c := e.clientFactory()
	defer func() { _ = c.Close() }()
	if err := c.SetLanguage(e.cfg.Languages...); err != nil {
		return "", fmt.Errorf("set languages: %w", err)
	}
	if err := c.SetPageSegMode(gosseract.PageSegMode(e.cfg.PageSegMode)); err != nil {
		return "", fmt.Errorf("set page segmentation: %w", err)
	}
	if err := c.SetWhitelist(e.cfg.Whitelist); err != nil {
		return "", fmt.Errorf("set whitelist: %w", err)
	}
	if err := c.SetImageFromBytes(image); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return strings.TrimSpace(text), nil
}
