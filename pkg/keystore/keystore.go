// Package keystore manages the server's Ed25519 signing keys and a cache of
// remote servers' verify keys.
package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SigningKey is a local Ed25519 key pair. KeyID carries the full Matrix
// identifier, "ed25519:<label>".
type SigningKey struct {
	KeyID      string
	ServerName string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero means no expiry
}

// Expired reports whether the key is past its expiry at time now.
func (k *SigningKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// Sign signs message with the key.
func (k *SigningKey) Sign(message []byte) []byte {
	return ed25519.Sign(k.PrivateKey, message)
}

// Persister stores local signing keys across restarts.
type Persister interface {
	SaveSigningKey(ctx context.Context, key *SigningKey, current bool) error
	LoadSigningKeys(ctx context.Context, serverName string) ([]*SigningKey, error)
	DeleteSigningKey(ctx context.Context, serverName, keyID string) error
}

// Store holds the local signing keys. The current key lives behind an
// atomic pointer so a signer never observes a rotation mid-signature: it
// resolves the key once and signs with that handle.
type Store struct {
	serverName string
	validity   time.Duration
	persist    Persister // may be nil
	logger     *slog.Logger

	mu      sync.RWMutex
	keys    map[string]*SigningKey
	current atomic.Pointer[SigningKey]
}

// NewStore creates a key store for serverName. validity bounds the lifetime
// of generated keys; zero means keys never expire. persist may be nil for a
// purely in-memory store.
func NewStore(serverName string, validity time.Duration, persist Persister) *Store {
	return &Store{
		serverName: serverName,
		validity:   validity,
		persist:    persist,
		logger:     slog.Default().With("component", "keystore"),
		keys:       make(map[string]*SigningKey),
	}
}

// Load restores persisted keys. The newest non-expired key becomes current.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	keys, err := s.persist.LoadSigningKeys(ctx, s.serverName)
	if err != nil {
		return fmt.Errorf("keystore: load signing keys: %w", err)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, k := range keys {
		s.keys[k.KeyID] = k
		if !k.Expired(now) {
			s.current.Store(k)
		}
	}
	s.logger.Info("loaded signing keys", "count", len(keys))
	return nil
}

// Generate creates a fresh Ed25519 key, persists it and promotes it to the
// current signing key.
func (s *Store) Generate(ctx context.Context) (*SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate ed25519 key: %w", err)
	}
	now := time.Now().UTC()
	key := &SigningKey{
		KeyID:      "ed25519:" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		ServerName: s.serverName,
		PrivateKey: priv,
		PublicKey:  pub,
		CreatedAt:  now,
	}
	if s.validity > 0 {
		key.ExpiresAt = now.Add(s.validity)
	}
	if s.persist != nil {
		if err := s.persist.SaveSigningKey(ctx, key, true); err != nil {
			return nil, fmt.Errorf("keystore: persist signing key %s: %w", key.KeyID, err)
		}
	}

	s.mu.Lock()
	s.keys[key.KeyID] = key
	s.current.Store(key)
	s.mu.Unlock()

	s.logger.Info("generated signing key", "key_id", key.KeyID, "expires_at", key.ExpiresAt)
	return key, nil
}

// Current returns the active signing key. Signing fails closed with
// ErrNoActiveKey when no non-expired key exists.
func (s *Store) Current() (*SigningKey, error) {
	key := s.current.Load()
	if key == nil || key.Expired(time.Now()) {
		return nil, ErrNoActiveKey
	}
	return key, nil
}

// Get returns the local key with the given ID, expired or not. Expired keys
// stay resolvable so old signatures remain verifiable.
func (s *Store) Get(keyID string) (*SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("keystore: %w: local key %s", ErrKeyNotFound, keyID)
	}
	return key, nil
}

// All returns every local key, newest first.
func (s *Store) All() []*SigningKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]*SigningKey, 0, len(s.keys))
	for _, k := range s.keys {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys
}

// CleanupExpired drops keys that expired before cutoff. The current key is
// never removed, even when expired, so the store cannot end up empty while
// a rotation is pending.
func (s *Store) CleanupExpired(ctx context.Context, cutoff time.Time) (int, error) {
	cur := s.current.Load()

	s.mu.Lock()
	var victims []*SigningKey
	for id, k := range s.keys {
		if cur != nil && id == cur.KeyID {
			continue
		}
		if !k.ExpiresAt.IsZero() && k.ExpiresAt.Before(cutoff) {
			victims = append(victims, k)
			delete(s.keys, id)
		}
	}
	s.mu.Unlock()

	for _, k := range victims {
		if s.persist != nil {
			if err := s.persist.DeleteSigningKey(ctx, s.serverName, k.KeyID); err != nil {
				return len(victims), fmt.Errorf("keystore: delete key %s: %w", k.KeyID, err)
			}
		}
		s.logger.Info("removed expired signing key", "key_id", k.KeyID, "expired_at", k.ExpiresAt)
	}
	return len(victims), nil
}
