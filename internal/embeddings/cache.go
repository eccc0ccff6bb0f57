package embeddings

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type cachedProvider struct {
	Provider
	cache *gocache.Cache
}

// NewCached wraps p with an in-memory cache keyed by the embedded text.
// Entries expire after ttl.
func NewCached(p Provider, ttl time.Duration) Provider {
	return &cachedProvider{
		Provider: p,
		cache:    gocache.New(ttl, 2*ttl),
	}
}

func (c *cachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return append([]float32(nil), v.([]float32)...), nil
	}
	vec, err := c.Provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, append([]float32(nil), vec...), gocache.DefaultExpiration)
	return vec, nil
}
