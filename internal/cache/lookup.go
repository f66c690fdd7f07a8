// Package cache provides an optional Redis-backed cache for resolved
// lookups. The server is fully functional without it; a nil *LookupCache
// disables caching everywhere.
package cache

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/openmx/identityd/internal/model"
	"github.com/openmx/identityd/internal/redis"
)

const lookupTTL = 5 * time.Minute

type LookupCache struct {
	client *redis.Client
}

func NewLookupCache(client *redis.Client) *LookupCache {
	return &LookupCache{client: client}
}

func threepidKey(medium model.Medium, address string) string {
	return fmt.Sprintf("lookup:threepid:%s:%s", medium, address)
}

func hashKey(hash string) string {
	return fmt.Sprintf("lookup:hash:%s", hash)
}

// GetMxid returns a cached mxid for (medium, address); ok is false on miss
// or when the cache is disabled.
func (c *LookupCache) GetMxid(ctx context.Context, medium model.Medium, address string) (string, bool) {
	if c == nil {
		return "", false
	}
	mxid, err := c.client.Get(ctx, threepidKey(medium, address)).Result()
	if err == goredis.Nil {
		return "", false
	}
	if err != nil {
		log.Warn().Err(err).Msg("lookup cache read failed")
		return "", false
	}
	return mxid, true
}

func (c *LookupCache) SetMxid(ctx context.Context, medium model.Medium, address, mxid string) {
	if c == nil {
		return
	}
	if err := c.client.Set(ctx, threepidKey(medium, address), mxid, lookupTTL).Err(); err != nil {
		log.Warn().Err(err).Msg("lookup cache write failed")
	}
}

// GetHash returns a cached mxid for a lookup hash.
func (c *LookupCache) GetHash(ctx context.Context, hash string) (string, bool) {
	if c == nil {
		return "", false
	}
	mxid, err := c.client.Get(ctx, hashKey(hash)).Result()
	if err == goredis.Nil {
		return "", false
	}
	if err != nil {
		log.Warn().Err(err).Msg("lookup cache read failed")
		return "", false
	}
	return mxid, true
}

func (c *LookupCache) SetHash(ctx context.Context, hash, mxid string) {
	if c == nil {
		return
	}
	if err := c.client.Set(ctx, hashKey(hash), mxid, lookupTTL).Err(); err != nil {
		log.Warn().Err(err).Msg("lookup cache write failed")
	}
}

// InvalidateThreepid drops cached entries for (medium, address). The hash
// entry for the address cannot be derived here without the pepper, so hash
// entries rely on their TTL plus Flush on pepper rotation; association
// writes always invalidate the plaintext key.
func (c *LookupCache) InvalidateThreepid(ctx context.Context, medium model.Medium, address string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, threepidKey(medium, address)).Err(); err != nil {
		log.Warn().Err(err).Msg("lookup cache invalidation failed")
	}
}

// InvalidateHash drops the cached entry for one lookup hash.
func (c *LookupCache) InvalidateHash(ctx context.Context, hash string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, hashKey(hash)).Err(); err != nil {
		log.Warn().Err(err).Msg("lookup cache invalidation failed")
	}
}

// Flush drops every cached lookup. Called on pepper rotation, after which
// all hash keys are stale.
func (c *LookupCache) Flush(ctx context.Context) {
	if c == nil {
		return
	}
	iter := c.client.Scan(ctx, 0, "lookup:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			log.Warn().Err(err).Msg("lookup cache flush failed")
			return
		}
	}
	if err := iter.Err(); err != nil {
		log.Warn().Err(err).Msg("lookup cache flush scan failed")
	}
}
