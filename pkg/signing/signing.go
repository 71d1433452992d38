// Package signing signs outgoing events and verifies inbound ones
// according to the federation event-signing algorithm.
package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/tessera/pkg/canonical"
	"github.com/Mindburn-Labs/tessera/pkg/event"
	"github.com/Mindburn-Labs/tessera/pkg/keystore"
	"github.com/Mindburn-Labs/tessera/pkg/observability"
)

// ErrAlreadySigned means the event already carries a signature from this
// server; signing again would silently shadow the first signature.
var ErrAlreadySigned = errors.New("signing: event already signed by this server")

// ErrBadSignature means no advertised key of the origin server produced a
// valid signature over the event.
var ErrBadSignature = errors.New("signing: signature verification failed")

// ErrContentHashMismatch means the event content does not match its
// declared sha256 content hash.
var ErrContentHashMismatch = errors.New("signing: content hash mismatch")

// InvalidEventError reports an event that is structurally unfit for
// signing or verification.
type InvalidEventError struct {
	Reason string
}

func (e *InvalidEventError) Error() string { return "signing: invalid event: " + e.Reason }

// Signer signs local events and verifies remote ones.
type Signer struct {
	keys       *keystore.Store
	remote     *keystore.RemoteStore
	serverName string
	logger     *slog.Logger
	obs        *observability.Provider
}

func NewSigner(keys *keystore.Store, remote *keystore.RemoteStore, serverName string, obs *observability.Provider) *Signer {
	return &Signer{
		keys:       keys,
		remote:     remote,
		serverName: serverName,
		logger:     slog.Default().With("component", "signing"),
		obs:        obs,
	}
}

// SignEvent computes the event's content hash and attaches this server's
// signature. keyID selects a specific local key; empty means the current
// one. The key handle is resolved once, so a concurrent rotation cannot
// produce a signature/key-ID mismatch.
func (s *Signer) SignEvent(ctx context.Context, ev *event.Event, keyID string) (err error) {
	if s.obs != nil {
		done := s.obs.TrackOperation(ctx, "signing.sign_event")
		defer func() { done(err) }()
	}

	if err := s.validateForSigning(ev); err != nil {
		return err
	}

	var key *keystore.SigningKey
	if keyID == "" {
		key, err = s.keys.Current()
	} else {
		key, err = s.keys.Get(keyID)
	}
	if err != nil {
		return fmt.Errorf("signing: resolve key: %w", err)
	}

	hash, err := canonical.ContentHash(ev)
	if err != nil {
		return fmt.Errorf("signing: content hash for %s: %w", ev.EventID, err)
	}
	if ev.Hashes == nil {
		ev.Hashes = make(map[string]string, 1)
	}
	ev.Hashes["sha256"] = hash

	signed, err := canonical.SigningBytes(ev)
	if err != nil {
		return fmt.Errorf("signing: canonicalize %s: %w", ev.EventID, err)
	}
	sig := ed25519.Sign(key.PrivateKey, signed)
	ev.SetSignature(s.serverName, key.KeyID, base64.RawStdEncoding.EncodeToString(sig))

	s.logger.Debug("signed event",
		"event_id", ev.EventID, "room_id", ev.RoomID, "key_id", key.KeyID)
	return nil
}

// SignEvents signs a batch, e.g. one federation transaction. By default
// the first failure aborts and the batch must be considered unsent; with
// partial set, failures are collected and successfully signed events may
// still be used. Returns the number of events signed.
func (s *Signer) SignEvents(ctx context.Context, evs []*event.Event, keyID string, partial bool) (int, error) {
	var errs []error
	signed := 0
	for _, ev := range evs {
		if err := s.SignEvent(ctx, ev, keyID); err != nil {
			if !partial {
				return signed, fmt.Errorf("signing: batch aborted at event %s: %w", ev.EventID, err)
			}
			errs = append(errs, fmt.Errorf("event %s: %w", ev.EventID, err))
			continue
		}
		signed++
	}
	return signed, errors.Join(errs...)
}

// VerifyEvent checks an inbound event against origin: the declared content
// hash must match and origin's signature must verify under a key the
// origin currently advertises.
func (s *Signer) VerifyEvent(ctx context.Context, ev *event.Event, origin string) (err error) {
	if s.obs != nil {
		done := s.obs.TrackOperation(ctx, "signing.verify_event")
		defer func() { done(err) }()
	}

	if err := s.VerifyContentHash(ev); err != nil {
		return err
	}

	sigs := ev.Signatures[origin]
	if len(sigs) == 0 {
		return &InvalidEventError{Reason: fmt.Sprintf("event %s has no signature from %s", ev.EventID, origin)}
	}
	signed, err := canonical.SigningBytes(ev)
	if err != nil {
		return fmt.Errorf("signing: canonicalize %s: %w", ev.EventID, err)
	}

	var lastErr error
	for keyID, sigB64 := range sigs {
		sig, err := base64.RawStdEncoding.DecodeString(sigB64)
		if err != nil {
			lastErr = fmt.Errorf("signing: signature %s/%s is not base64: %w", origin, keyID, err)
			continue
		}
		key, err := s.remote.VerifyKey(ctx, origin, keyID)
		if err != nil {
			lastErr = fmt.Errorf("signing: resolve %s/%s: %w", origin, keyID, err)
			continue
		}
		if ed25519.Verify(key.PublicKey, signed, sig) {
			return nil
		}
		lastErr = fmt.Errorf("%w: event %s, key %s/%s", ErrBadSignature, ev.EventID, origin, keyID)
	}
	return lastErr
}

// VerifyContentHash recomputes the sha256 content hash and compares it to
// the event's declared one.
func (s *Signer) VerifyContentHash(ev *event.Event) error {
	declared, ok := ev.Hashes["sha256"]
	if !ok {
		return &InvalidEventError{Reason: fmt.Sprintf("event %s carries no sha256 content hash", ev.EventID)}
	}
	computed, err := canonical.ContentHash(ev)
	if err != nil {
		return fmt.Errorf("signing: content hash for %s: %w", ev.EventID, err)
	}
	if computed != declared {
		return fmt.Errorf("%w: event %s", ErrContentHashMismatch, ev.EventID)
	}
	return nil
}

// validateForSigning rejects events this server must not sign: missing
// protocol fields, foreign senders, or an existing local signature.
func (s *Signer) validateForSigning(ev *event.Event) error {
	switch {
	case ev.RoomID == "":
		return &InvalidEventError{Reason: "room_id is required"}
	case ev.Sender == "":
		return &InvalidEventError{Reason: "sender is required"}
	case ev.Type == "":
		return &InvalidEventError{Reason: "type is required"}
	}
	domain, err := event.UserDomain(ev.Sender)
	if err != nil || domain != s.serverName {
		return &InvalidEventError{
			Reason: fmt.Sprintf("sender %s does not belong to %s", ev.Sender, s.serverName),
		}
	}
	if ev.SignedBy(s.serverName) {
		return fmt.Errorf("%w: event %s", ErrAlreadySigned, ev.EventID)
	}

	// A wildly skewed origin timestamp is suspicious but not fatal.
	if age := time.Since(time.UnixMilli(ev.OriginServerTS)); age > time.Hour || age < -time.Hour {
		s.logger.Warn("event timestamp far from now",
			"event_id", ev.EventID, "origin_server_ts", ev.OriginServerTS)
	}
	return nil
}
