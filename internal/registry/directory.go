package registry

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/agentstation/ordersync/pkg/errors"
)

// Directory resolves the restaurant slug a display subscribes with to the
// restaurant id envelopes are routed by.
type Directory interface {
	Resolve(ctx context.Context, slug string) (string, error)
}

// StaticDirectory resolves slugs from a fixed map. An empty map accepts any
// slug as its own id.
type StaticDirectory map[string]string

// Resolve implements Directory.
func (d StaticDirectory) Resolve(ctx context.Context, slug string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return "", errors.NewValidationError("restaurant", slug, "cannot be empty")
	}
	if len(d) == 0 {
		return slug, nil
	}
	if id, ok := d[slug]; ok {
		return id, nil
	}
	// ids resolve to themselves so publishers can address restaurants by id
	for _, id := range d {
		if id == slug {
			return id, nil
		}
	}
	return "", errors.NewNotFoundError("restaurant", slug)
}

// DirectoryFunc adapts a function to Directory.
type DirectoryFunc func(ctx context.Context, slug string) (string, error)

// Resolve implements Directory.
func (f DirectoryFunc) Resolve(ctx context.Context, slug string) (string, error) {
	return f(ctx, slug)
}

// CachedDirectory caches the answers of another directory, misses included.
type CachedDirectory struct {
	next  Directory
	store *gocache.Cache
}

type cachedMiss struct {
	err error
}

// NewCachedDirectory wraps next with a TTL cache.
func NewCachedDirectory(next Directory, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedDirectory{
		next:  next,
		store: gocache.New(ttl, 2*ttl),
	}
}

// Resolve implements Directory.
func (d *CachedDirectory) Resolve(ctx context.Context, slug string) (string, error) {
	if v, ok := d.store.Get(slug); ok {
		switch v := v.(type) {
		case string:
			return v, nil
		case cachedMiss:
			return "", v.err
		}
	}

	id, err := d.next.Resolve(ctx, slug)
	switch {
	case err == nil:
		d.store.SetDefault(slug, id)
	case errors.IsNotFound(err):
		d.store.SetDefault(slug, cachedMiss{err: err})
	}
	return id, err
}

// Invalidate forgets a cached slug.
func (d *CachedDirectory) Invalidate(slug string) {
	d.store.Delete(slug)
}

// Len returns the number of cached answers.
func (d *CachedDirectory) Len() int {
	return d.store.ItemCount()
}
