// Package lru provides an in-process read-through cache in front of a
// reference range source.
package lru

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"labcore/pkg/domain"
)

// Defaults used when the caller passes zero values.
const (
	DefaultSize = 256
	DefaultTTL  = 10 * time.Minute
)

var _ domain.RangeSource = (*Cache)(nil)

// Cache memoizes FetchActiveRanges per code. Errors are never cached.
type Cache struct {
	source  domain.RangeSource
	entries *expirable.LRU[string, []domain.ReferenceRange]
}

// New wraps source with an LRU of size entries that expire after ttl.
func New(source domain.RangeSource, size int, ttl time.Duration) (*Cache, error) {
	if source == nil {
		return nil, errors.New("lru cache: source required")
	}
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		source:  source,
		entries: expirable.NewLRU[string, []domain.ReferenceRange](size, nil, ttl),
	}, nil
}

// FetchActiveRanges serves code from the cache or loads it from the source.
func (c *Cache) FetchActiveRanges(ctx context.Context, code string) ([]domain.ReferenceRange, error) {
	if rows, ok := c.entries.Get(code); ok {
		return cloneRows(rows), nil
	}
	rows, err := c.source.FetchActiveRanges(ctx, code)
	if err != nil {
		return nil, err
	}
	c.entries.Add(code, cloneRows(rows))
	return rows, nil
}

// Invalidate drops code, or every entry when code is empty.
func (c *Cache) Invalidate(code string) {
	if code == "" {
		c.entries.Purge()
		return
	}
	c.entries.Remove(code)
}

// Len reports the number of cached codes.
func (c *Cache) Len() int { return c.entries.Len() }

func cloneRows(rows []domain.ReferenceRange) []domain.ReferenceRange {
	out := make([]domain.ReferenceRange, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}
