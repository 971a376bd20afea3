package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
)

// Directory looks tenants up by id or slug.
type Directory interface {
	Lookup(ctx context.Context, key string) (Tenant, error)
}

// Finder is the subset of Store a Directory reads from.
type Finder interface {
	GetTenant(ctx context.Context, id string) (Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (Tenant, error)
}

// CachedDirectory fronts a Finder with an in-process cache. Concurrent misses
// for the same key share one backend lookup. Misses are not cached.
type CachedDirectory struct {
	finder Finder
	cache  *ristretto.Cache[string, Tenant]
	ttl    time.Duration
	group  singleflight.Group
}

func NewCachedDirectory(finder Finder, ttl time.Duration) (*CachedDirectory, error) {
	if finder == nil {
		return nil, errors.New("tenant finder is required")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, Tenant]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedDirectory{finder: finder, cache: c, ttl: ttl}, nil
}

func (d *CachedDirectory) Lookup(ctx context.Context, key string) (Tenant, error) {
	if t, ok := d.cache.Get(key); ok {
		return t, nil
	}
	v, err, _ := d.group.Do(key, func() (any, error) {
		t, err := d.finder.GetTenant(ctx, key)
		if errors.Is(err, ErrNotFound) {
			t, err = d.finder.GetTenantBySlug(ctx, key)
		}
		if err != nil {
			return Tenant{}, err
		}
		d.cache.SetWithTTL(t.ID, t, 1, d.ttl)
		d.cache.SetWithTTL(t.Slug, t, 1, d.ttl)
		return t, nil
	})
	if err != nil {
		return Tenant{}, err
	}
	return v.(Tenant), nil
}

// Invalidate drops cached entries for t after it changed.
func (d *CachedDirectory) Invalidate(t Tenant) {
	d.cache.Del(t.ID)
	d.cache.Del(t.Slug)
}

func (d *CachedDirectory) Close() {
	d.cache.Close()
}
