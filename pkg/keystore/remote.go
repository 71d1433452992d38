package keystore

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RemoteVerifyKey is a cached public key of another homeserver. ExpiresAt
// is the cache deadline (half the advertised key lifetime), after which the
// key must be re-fetched before use.
type RemoteVerifyKey struct {
	ServerName string            `json:"server_name"`
	KeyID      string            `json:"key_id"`
	PublicKey  ed25519.PublicKey `json:"public_key"`
	FetchedAt  time.Time         `json:"fetched_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// Fresh reports whether the cached entry is still usable at time now.
func (k *RemoteVerifyKey) Fresh(now time.Time) bool {
	return now.Before(k.ExpiresAt)
}

// RemoteCache stores fetched verify keys. Implementations: in-process map,
// Redis, and the SQL store.
type RemoteCache interface {
	GetVerifyKey(ctx context.Context, serverName, keyID string) (*RemoteVerifyKey, error)
	PutVerifyKeys(ctx context.Context, keys []*RemoteVerifyKey) error
}

// Fetcher retrieves and validates a remote server's advertised verify keys.
type Fetcher interface {
	FetchVerifyKeys(ctx context.Context, serverName string) ([]*RemoteVerifyKey, error)
}

// RemoteStore resolves remote verify keys through a cache, fetching lazily
// on miss or expiry. Concurrent lookups for the same server share one fetch.
type RemoteStore struct {
	cache   RemoteCache
	fetcher Fetcher
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]*fetchCall
}

type fetchCall struct {
	done chan struct{}
	keys []*RemoteVerifyKey
	err  error
}

func NewRemoteStore(cache RemoteCache, fetcher Fetcher) *RemoteStore {
	return &RemoteStore{
		cache:    cache,
		fetcher:  fetcher,
		logger:   slog.Default().With("component", "keystore.remote"),
		inflight: make(map[string]*fetchCall),
	}
}

// VerifyKey returns the public key for (serverName, keyID), consulting the
// cache first and fetching from the origin when missing or stale.
func (r *RemoteStore) VerifyKey(ctx context.Context, serverName, keyID string) (*RemoteVerifyKey, error) {
	cached, err := r.cache.GetVerifyKey(ctx, serverName, keyID)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("keystore: remote cache lookup %s/%s: %w", serverName, keyID, err)
	}
	now := time.Now()
	if cached != nil && cached.Fresh(now) {
		return cached, nil
	}

	keys, err := r.fetch(ctx, serverName)
	if err != nil {
		// A stale cached key is better than nothing only for reads of old
		// events, which is not this path: fail instead of trusting it.
		return nil, err
	}
	for _, k := range keys {
		if k.KeyID == keyID {
			return k, nil
		}
	}
	return nil, fmt.Errorf("keystore: %w: %s advertises no key %s", ErrKeyNotFound, serverName, keyID)
}

// fetch deduplicates concurrent fetches per server and writes results back
// through the cache.
func (r *RemoteStore) fetch(ctx context.Context, serverName string) ([]*RemoteVerifyKey, error) {
	r.mu.Lock()
	if call, ok := r.inflight[serverName]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.keys, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &fetchCall{done: make(chan struct{})}
	r.inflight[serverName] = call
	r.mu.Unlock()

	defer func() {
		close(call.done)
		r.mu.Lock()
		delete(r.inflight, serverName)
		r.mu.Unlock()
	}()

	call.keys, call.err = r.fetcher.FetchVerifyKeys(ctx, serverName)
	if call.err != nil {
		return nil, call.err
	}
	if err := r.cache.PutVerifyKeys(ctx, call.keys); err != nil {
		// The fetched keys are still valid; cache write failure only costs
		// the next caller a re-fetch.
		r.logger.Warn("caching verify keys failed", "server", serverName, "error", err)
	}
	r.logger.Debug("fetched verify keys", "server", serverName, "count", len(call.keys))
	return call.keys, nil
}
