package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// CachedLink is the redirect record the edge reads for a domain/key pair.
type CachedLink struct {
	ID          string `json:"id"`
	Domain      string `json:"-"`
	Key         string `json:"-"`
	URL         string `json:"url"`
	WorkspaceID string `json:"projectId"`
}

// LinkCache stores one hash per lower-cased domain whose fields are link keys.
type LinkCache struct {
	client redis.UniversalClient
}

// NewLinkCache creates a LinkCache.
func NewLinkCache(client redis.UniversalClient) *LinkCache {
	return &LinkCache{client: client}
}

// SetLinks writes every link in a single pipeline.
func (c *LinkCache) SetLinks(ctx context.Context, links []CachedLink) error {
	if len(links) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, l := range links {
		val, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("link cache: marshal %s: %w", l.ID, err)
		}
		pipe.HSet(ctx, strings.ToLower(l.Domain), strings.ToLower(l.Key), val)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("link cache: hset: %w", err)
	}
	return nil
}

// GetLink returns the cached link for domain/key, or ErrMiss.
func (c *LinkCache) GetLink(ctx context.Context, domain, key string) (*CachedLink, error) {
	val, err := c.client.HGet(ctx, strings.ToLower(domain), strings.ToLower(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("link cache: hget: %w", err)
	}
	var l CachedLink
	if err := json.Unmarshal(val, &l); err != nil {
		return nil, fmt.Errorf("link cache: decode: %w", err)
	}
	l.Domain, l.Key = domain, key
	return &l, nil
}
