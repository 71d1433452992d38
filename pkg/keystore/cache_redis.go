package keystore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores remote verify keys in Redis so a fleet of workers
// shares one fetch per server. Entries carry a TTL slightly past their
// cache deadline; Fresh still gates use.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "tessera:srvkey:"}
}

// redisVerifyKey is the stored form; the raw key bytes travel as unpadded
// base64 to match the wire encoding.
type redisVerifyKey struct {
	ServerName string `json:"server_name"`
	KeyID      string `json:"key_id"`
	Key        string `json:"key"`
	FetchedAt  int64  `json:"fetched_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

func (c *RedisCache) GetVerifyKey(ctx context.Context, serverName, keyID string) (*RemoteVerifyKey, error) {
	raw, err := c.client.Get(ctx, c.prefix+cacheKey(serverName, keyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("keystore: %w: %s/%s not cached", ErrKeyNotFound, serverName, keyID)
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: redis get: %w", err)
	}
	var stored redisVerifyKey
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("keystore: decode cached key %s/%s: %w", serverName, keyID, err)
	}
	pub, err := base64.RawStdEncoding.DecodeString(stored.Key)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode cached key bytes %s/%s: %w", serverName, keyID, err)
	}
	return &RemoteVerifyKey{
		ServerName: stored.ServerName,
		KeyID:      stored.KeyID,
		PublicKey:  pub,
		FetchedAt:  time.UnixMilli(stored.FetchedAt),
		ExpiresAt:  time.UnixMilli(stored.ExpiresAt),
	}, nil
}

func (c *RedisCache) PutVerifyKeys(ctx context.Context, keys []*RemoteVerifyKey) error {
	pipe := c.client.Pipeline()
	now := time.Now()
	for _, k := range keys {
		raw, err := json.Marshal(redisVerifyKey{
			ServerName: k.ServerName,
			KeyID:      k.KeyID,
			Key:        base64.RawStdEncoding.EncodeToString(k.PublicKey),
			FetchedAt:  k.FetchedAt.UnixMilli(),
			ExpiresAt:  k.ExpiresAt.UnixMilli(),
		})
		if err != nil {
			return fmt.Errorf("keystore: encode key %s/%s: %w", k.ServerName, k.KeyID, err)
		}
		// Keep the entry an hour past its deadline so stale reads can
		// still be diagnosed; Fresh prevents their use.
		ttl := k.ExpiresAt.Sub(now) + time.Hour
		if ttl < time.Minute {
			ttl = time.Minute
		}
		pipe.Set(ctx, c.prefix+cacheKey(k.ServerName, k.KeyID), raw, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("keystore: redis put: %w", err)
	}
	return nil
}
