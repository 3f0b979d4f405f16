package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"labcore/internal/infra/blob/fs"
	memorystore "labcore/internal/infra/blob/memory"
	infraS3 "labcore/internal/infra/blob/s3"
)

// S3Config re-exports the infra S3 configuration.
type S3Config = infraS3.Config

// Config selects and parameterizes a backend.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open builds the Store described by cfg. An empty driver means filesystem.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// ConfigFromEnv reads the backend selection from the process environment.
//
//	LABCORE_BLOB_DRIVER: fs|s3|memory (default fs)
//	LABCORE_BLOB_FS_ROOT: directory root when driver=fs (default ./blobdata)
//	LABCORE_BLOB_S3_BUCKET, LABCORE_BLOB_S3_REGION, LABCORE_BLOB_S3_ENDPOINT,
//	LABCORE_BLOB_S3_PATH_STYLE=true|false
//	AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN (optional)
func ConfigFromEnv() Config {
	return Config{
		Driver: Driver(os.Getenv("LABCORE_BLOB_DRIVER")),
		FSRoot: os.Getenv("LABCORE_BLOB_FS_ROOT"),
		S3: S3Config{
			Bucket:    os.Getenv("LABCORE_BLOB_S3_BUCKET"),
			Region:    os.Getenv("LABCORE_BLOB_S3_REGION"),
			Endpoint:  os.Getenv("LABCORE_BLOB_S3_ENDPOINT"),
			PathStyle: strings.EqualFold(os.Getenv("LABCORE_BLOB_S3_PATH_STYLE"), "true"),
		},
	}
}

// NewFilesystem constructs a filesystem-backed Store rooted at root.
func NewFilesystem(root string) (Store, error) {
	return fs.New(root)
}

// NewMemory returns an in-memory Store suitable for tests.
func NewMemory() Store { return memorystore.New() }

// NewS3 constructs an S3-backed Store.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	return infraS3.New(ctx, cfg)
}

// NewMockS3ForTests exposes the in-memory S3 fake for cross-package tests.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests(2) }

// ReadDocument loads a whole document, refusing ones larger than maxBytes
// when maxBytes is positive.
func ReadDocument(ctx context.Context, s Store, key string, maxBytes int64) ([]byte, Info, error) {
	info, rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, Info{}, err
	}
	defer func() { _ = rc.Close() }()
	r := io.Reader(rc)
	if maxBytes > 0 {
		r = io.LimitReader(rc, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Info{}, fmt.Errorf("read blob %s: %w", key, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, Info{}, fmt.Errorf("blob %s exceeds %d bytes", key, maxBytes)
	}
	return data, info, nil
}
