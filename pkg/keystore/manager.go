package keystore

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Manager rotates signing keys ahead of expiry and sweeps expired ones in
// the background. It touches only the key store, never room state, so
// sweeps cannot contend with membership transitions.
type Manager struct {
	store         *Store
	checkInterval time.Duration
	refreshAhead  time.Duration
	retainExpired time.Duration
	logger        *slog.Logger
}

// NewManager builds a manager checking every checkInterval (six hours when
// zero), rotating thirty days before expiry and retaining expired keys a
// week for late signature verification.
func NewManager(store *Store, checkInterval time.Duration) *Manager {
	if checkInterval <= 0 {
		checkInterval = 6 * time.Hour
	}
	return &Manager{
		store:         store,
		checkInterval: checkInterval,
		refreshAhead:  30 * 24 * time.Hour,
		retainExpired: 7 * 24 * time.Hour,
		logger:        slog.Default().With("component", "keystore.manager"),
	}
}

// Run blocks until ctx is cancelled, performing one check immediately and
// then one per interval.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.checkOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

func (m *Manager) checkOnce(ctx context.Context) {
	now := time.Now()

	cur, err := m.store.Current()
	switch {
	case errors.Is(err, ErrNoActiveKey):
		m.logger.Warn("no active signing key, generating")
		if _, err := m.store.Generate(ctx); err != nil {
			m.logger.Error("key generation failed", "error", err)
			return
		}
	case err != nil:
		m.logger.Error("current key lookup failed", "error", err)
		return
	case !cur.ExpiresAt.IsZero() && cur.ExpiresAt.Sub(now) < m.refreshAhead:
		m.logger.Info("rotating signing key ahead of expiry",
			"key_id", cur.KeyID, "expires_at", cur.ExpiresAt)
		if _, err := m.store.Generate(ctx); err != nil {
			m.logger.Error("key rotation failed", "error", err)
			return
		}
	}

	removed, err := m.store.CleanupExpired(ctx, now.Add(-m.retainExpired))
	if err != nil {
		m.logger.Error("expired key sweep failed", "error", err)
		return
	}
	if removed > 0 {
		m.logger.Info("swept expired signing keys", "removed", removed)
	}
}
