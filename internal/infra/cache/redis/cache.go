// Package redis provides a shared read-through cache for reference ranges
// backed by Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"labcore/internal/logging"
	"labcore/pkg/domain"
)

// Defaults applied by New.
const (
	DefaultPrefix = "labcore:ranges:"
	DefaultTTL    = 10 * time.Minute
)

var _ domain.RangeSource = (*Cache)(nil)

// Client is the subset of the go-redis client the cache uses.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// Options configures a Cache.
type Options struct {
	Prefix string
	TTL    time.Duration
	Logger logrus.FieldLogger
}

// Cache stores JSON encoded range rows per code. Redis failures degrade to
// direct source reads.
type Cache struct {
	client Client
	source domain.RangeSource
	prefix string
	ttl    time.Duration
	log    logrus.FieldLogger
}

// Dial connects to a Redis server and verifies it with PING.
func Dial(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return rdb, nil
}

// New wraps source with a Redis cache.
func New(client Client, source domain.RangeSource, opts Options) (*Cache, error) {
	if client == nil || source == nil {
		return nil, errors.New("redis cache: client and source required")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Cache{
		client: client,
		source: source,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
		log:    logging.OrDiscard(opts.Logger).WithField("component", "range_cache"),
	}, nil
}

// Key returns the Redis key holding rows for code.
func (c *Cache) Key(code string) string { return c.prefix + code }

// FetchActiveRanges serves code from Redis or loads and stores it.
func (c *Cache) FetchActiveRanges(ctx context.Context, code string) ([]domain.ReferenceRange, error) {
	key := c.Key(code)
	payload, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rows []domain.ReferenceRange
		if decodeErr := json.Unmarshal(payload, &rows); decodeErr == nil {
			return rows, nil
		}
		c.log.WithField("code", code).Warn("discarding undecodable cache entry")
	case !errors.Is(err, goredis.Nil):
		c.log.WithError(err).WithField("code", code).Warn("redis get failed")
	}

	rows, err := c.source.FetchActiveRanges(ctx, code)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode ranges for %s: %w", code, err)
	}
	if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		c.log.WithError(err).WithField("code", code).Warn("redis set failed")
	}
	return rows, nil
}

// Invalidate removes the cached rows for the given codes.
func (c *Cache) Invalidate(ctx context.Context, codes ...string) error {
	if len(codes) == 0 {
		return nil
	}
	keys := make([]string, len(codes))
	for i, code := range codes {
		keys[i] = c.Key(code)
	}
	return c.client.Del(ctx, keys...).Err()
}
