// Package config loads the labcore YAML configuration and applies LABCORE_*
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"labcore/internal/blob"
	"labcore/internal/classify"
	"labcore/internal/logging"
)

// Range store drivers.
const (
	RangesMemory   = "memory"
	RangesSQLite   = "sqlite"
	RangesPostgres = "postgres"
)

// Range cache drivers.
const (
	CacheNone  = "none"
	CacheLRU   = "lru"
	CacheRedis = "redis"
)

// Config is the root of the YAML document.
type Config struct {
	Logger   logging.Config  `yaml:"logger"`
	Aliases  AliasConfig     `yaml:"aliases"`
	Ranges   RangesConfig    `yaml:"ranges"`
	Blob     BlobConfig      `yaml:"blob"`
	OCR      OCRConfig       `yaml:"ocr"`
	Severity classify.Policy `yaml:"severity"`
	Batch    BatchConfig     `yaml:"batch"`
	Metrics  MetricsConfig   `yaml:"metrics"`
}

// AliasConfig points at an alias table; empty uses the embedded default.
type AliasConfig struct {
	Path string `yaml:"path"`
}

// RangesConfig selects the reference range store.
type RangesConfig struct {
	Driver        string        `yaml:"driver"`
	DSN           string        `yaml:"dsn"`
	SeedPath      string        `yaml:"seed_path"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	Cache         CacheConfig   `yaml:"cache"`
}

// CacheConfig configures the read-through range cache.
type CacheConfig struct {
	Driver string        `yaml:"driver"`
	Size   int           `yaml:"size"`
	TTL    time.Duration `yaml:"ttl"`
	Redis  RedisConfig   `yaml:"redis"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// BlobConfig selects the exam document store.
type BlobConfig struct {
	Driver string   `yaml:"driver"`
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// S3Config mirrors the S3 backend settings. Credentials come from the AWS
// default chain.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// OCRConfig tunes the text producer.
type OCRConfig struct {
	Engine      string        `yaml:"engine"`
	Languages   []string      `yaml:"languages"`
	Whitelist   string        `yaml:"whitelist"`
	PageSegMode int           `yaml:"page_seg_mode"`
	Timeout     time.Duration `yaml:"timeout"`
}

// BatchConfig bounds batch runs.
type BatchConfig struct {
	Concurrency      int   `yaml:"concurrency"`
	MaxDocumentBytes int64 `yaml:"max_document_bytes"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Default returns a configuration that runs fully in memory.
func Default() Config {
	return Config{
		Logger: logging.Config{Level: "info", Format: "json"},
		Ranges: RangesConfig{
			Driver:        RangesMemory,
			LookupTimeout: 5 * time.Second,
			Cache:         CacheConfig{Driver: CacheNone, Size: 256, TTL: 10 * time.Minute},
		},
		Blob:     BlobConfig{Driver: string(blob.DriverFilesystem), FSRoot: "./blobdata"},
		OCR:      OCRConfig{Engine: "tesseract", Languages: []string{"por", "eng"}, PageSegMode: 6, Timeout: 60 * time.Second},
		Severity: classify.DefaultPolicy(),
		Batch:    BatchConfig{Concurrency: 4, MaxDocumentBytes: 20 << 20},
		Metrics:  MetricsConfig{Namespace: "labcore"},
	}
}

// Load reads path over Default, applies environment overrides and validates.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if cfg, err = Decode(bytes.NewReader(data)); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode parses a YAML document over Default. Unknown keys are rejected.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LABCORE_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("LABCORE_LOG_LEVEL", &c.Logger.Level)
	str("LABCORE_RANGES_DRIVER", &c.Ranges.Driver)
	str("LABCORE_RANGES_DSN", &c.Ranges.DSN)
	str("LABCORE_CACHE_DRIVER", &c.Ranges.Cache.Driver)
	str("LABCORE_REDIS_ADDRESS", &c.Ranges.Cache.Redis.Address)
	str("LABCORE_BLOB_DRIVER", &c.Blob.Driver)
	str("LABCORE_BLOB_FS_ROOT", &c.Blob.FSRoot)
	str("LABCORE_BLOB_S3_BUCKET", &c.Blob.S3.Bucket)
	str("LABCORE_BLOB_S3_REGION", &c.Blob.S3.Region)
	str("LABCORE_BLOB_S3_ENDPOINT", &c.Blob.S3.Endpoint)
	if v, ok := lookup("LABCORE_BLOB_S3_PATH_STYLE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LABCORE_BLOB_S3_PATH_STYLE: %w", err)
		}
		c.Blob.S3.PathStyle = b
	}
	return nil
}

// Validate rejects unknown drivers, invalid severity thresholds and
// non-positive limits.
func (c Config) Validate() error {
	var errs []error
	switch c.Ranges.Driver {
	case RangesMemory, RangesSQLite, RangesPostgres:
	default:
		errs = append(errs, fmt.Errorf("ranges.driver %q not supported", c.Ranges.Driver))
	}
	switch c.Ranges.Cache.Driver {
	case "", CacheNone, CacheLRU:
	case CacheRedis:
		if c.Ranges.Cache.Redis.Address == "" {
			errs = append(errs, errors.New("ranges.cache.redis.address required for redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("ranges.cache.driver %q not supported", c.Ranges.Cache.Driver))
	}
	switch blob.Driver(c.Blob.Driver) {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket required for s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.driver %q not supported", c.Blob.Driver))
	}
	switch strings.ToLower(c.OCR.Engine) {
	case "tesseract", "none":
	default:
		errs = append(errs, fmt.Errorf("ocr.engine %q not supported", c.OCR.Engine))
	}
	if err := c.Severity.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Ranges.LookupTimeout <= 0 {
		errs = append(errs, errors.New("ranges.lookup_timeout must be positive"))
	}
	if c.OCR.Timeout <= 0 {
		errs = append(errs, errors.New("ocr.timeout must be positive"))
	}
	if c.Batch.Concurrency <= 0 {
		errs = append(errs, errors.New("batch.concurrency must be positive"))
	}
	return errors.Join(errs...)
}

// BlobStore converts the blob section to the facade configuration.
func (c Config) BlobStore() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:    c.Blob.S3.Bucket,
			Region:    c.Blob.S3.Region,
			Endpoint:  c.Blob.S3.Endpoint,
			PathStyle: c.Blob.S3.PathStyle,
		},
	}
}
