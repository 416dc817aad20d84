package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const tokenKeyPrefix = "tokenCache:"

// TokenCache holds API token lookups keyed by hashed token.
type TokenCache struct {
	client redis.UniversalClient
}

// NewTokenCache creates a TokenCache.
func NewTokenCache(client redis.UniversalClient) *TokenCache {
	return &TokenCache{client: client}
}

// Expire drops the cached entries for the given hashed keys so the next
// request re-reads the workspace's plan.
func (c *TokenCache) Expire(ctx context.Context, hashedKeys []string) error {
	if len(hashedKeys) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, h := range hashedKeys {
		pipe.Del(ctx, tokenKeyPrefix+h)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("token cache: expire: %w", err)
	}
	return nil
}
