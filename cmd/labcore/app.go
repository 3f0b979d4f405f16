package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"labcore/internal/alias"
	"labcore/internal/classify"
	"labcore/internal/config"
	lrucache "labcore/internal/infra/cache/lru"
	rediscache "labcore/internal/infra/cache/redis"
	"labcore/internal/infra/persistence/memory"
	"labcore/internal/infra/persistence/postgres"
	"labcore/internal/infra/persistence/sqlite"
	"labcore/internal/metrics"
	"labcore/internal/ocr"
	"labcore/internal/ocr/tesseract"
	"labcore/internal/pipeline"
	"labcore/internal/refdata"
	"labcore/pkg/domain"
)

// app holds the collaborators built from one configuration.
type app struct {
	cfg      config.Config
	log      *logrus.Logger
	store    domain.RangeStore
	source   domain.RangeSource
	registry *prometheus.Registry
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("close failed")
		}
	}
}

func openStore(ctx context.Context, cfg config.RangesConfig) (domain.RangeStore, func() error, error) {
	switch cfg.Driver {
	case config.RangesSQLite:
		s, err := sqlite.NewStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.RangesPostgres:
		s, err := postgres.NewStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		seed, err := seedRows(cfg.SeedPath)
		if err != nil {
			return nil, nil, err
		}
		s, err := memory.NewStore(seed...)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	}
}

func seedRows(path string) ([]domain.ReferenceRange, error) {
	if path == "" {
		return refdata.Ranges()
	}
	return refdata.LoadRangesFile(path)
}

func newApp(ctx context.Context, cfg config.Config, log *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	store, closeStore, err := openStore(ctx, cfg.Ranges)
	if err != nil {
		return nil, fmt.Errorf("open range store: %w", err)
	}
	a.store, a.source = store, store
	a.closers = append(a.closers, closeStore)

	switch cfg.Ranges.Cache.Driver {
	case config.CacheLRU:
		c, err := lrucache.New(store, cfg.Ranges.Cache.Size, cfg.Ranges.Cache.TTL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.source = c
	case config.CacheRedis:
		rc := cfg.Ranges.Cache.Redis
		client, err := rediscache.Dial(ctx, rc.Address, rc.Password, rc.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		c, err := rediscache.New(client, store, rediscache.Options{Prefix: rc.Prefix, TTL: cfg.Ranges.Cache.TTL, Logger: log})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.source = c
	}
	return a, nil
}

func (a *app) aliases() (*alias.Table, error) {
	if a.cfg.Aliases.Path != "" {
		return alias.LoadFile(a.cfg.Aliases.Path)
	}
	return refdata.Aliases()
}

func (a *app) pipeline(extra ...pipeline.Option) (*pipeline.Pipeline, error) {
	tbl, err := a.aliases()
	if err != nil {
		return nil, fmt.Errorf("load aliases: %w", err)
	}
	cls, err := classify.New(a.cfg.Severity)
	if err != nil {
		return nil, err
	}
	opts := []pipeline.Option{
		pipeline.WithLogger(a.log),
		pipeline.WithClassifier(cls),
		pipeline.WithLookupTimeout(a.cfg.Ranges.LookupTimeout),
	}
	if a.cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		rec, err := metrics.New(a.cfg.Metrics.Namespace, a.registry)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pipeline.WithMetrics(rec), pipeline.WithRunObserver(rec))
	}
	return pipeline.New(tbl, a.source, append(opts, extra...)...)
}

func (a *app) producer() *ocr.Producer {
	var engine ocr.Engine
	if strings.EqualFold(a.cfg.OCR.Engine, "tesseract") {
		engine = tesseract.New(tesseract.Config{
			Languages:   a.cfg.OCR.Languages,
			Whitelist:   a.cfg.OCR.Whitelist,
			PageSegMode: a.cfg.OCR.PageSegMode,
		})
	}
	return ocr.New(engine, ocr.WithTimeout(a.cfg.OCR.Timeout), ocr.WithLogger(a.log))
}

// writeMetrics dumps the Prometheus registry in text format when enabled.
func (a *app) writeMetrics(path string) error {
	if path == "" || a.registry == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, a.registry)
}
