package keystore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryCache is an in-process RemoteCache. Entries are kept until
// overwritten; freshness is the caller's concern via RemoteVerifyKey.Fresh.
type MemoryCache struct {
	mu   sync.RWMutex
	keys map[string]*RemoteVerifyKey
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{keys: make(map[string]*RemoteVerifyKey)}
}

func cacheKey(serverName, keyID string) string { return serverName + "/" + keyID }

func (c *MemoryCache) GetVerifyKey(_ context.Context, serverName, keyID string) (*RemoteVerifyKey, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.keys[cacheKey(serverName, keyID)]
	if !ok {
		return nil, fmt.Errorf("keystore: %w: %s/%s not cached", ErrKeyNotFound, serverName, keyID)
	}
	return k, nil
}

func (c *MemoryCache) PutVerifyKeys(_ context.Context, keys []*RemoteVerifyKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.keys[cacheKey(k.ServerName, k.KeyID)] = k
	}
	return nil
}
