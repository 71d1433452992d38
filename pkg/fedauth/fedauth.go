// Package fedauth implements X-Matrix server-to-server request
// authentication: signing outbound federation requests and verifying the
// Authorization header of inbound ones.
package fedauth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/tessera/pkg/canonical"
	"github.com/Mindburn-Labs/tessera/pkg/event"
	"github.com/Mindburn-Labs/tessera/pkg/keystore"
	"github.com/Mindburn-Labs/tessera/pkg/observability"
)

// ErrVerificationFailed means the signature did not verify under the
// claimed key. Distinct from ErrOriginMismatch: a valid signature from the
// wrong server is a different attack than a forged signature.
var ErrVerificationFailed = errors.New("fedauth: request signature verification failed")

// ErrOriginMismatch means an authenticated request acts for a user whose
// server part differs from the claimed origin.
var ErrOriginMismatch = errors.New("fedauth: user does not belong to origin server")

// requestSigningData is the canonical signing input for a federation
// request. Content is the request body for methods that carry one.
type requestSigningData struct {
	Method      string         `json:"method"`
	URI         string         `json:"uri"`
	Origin      string         `json:"origin"`
	Destination string         `json:"destination"`
	Content     map[string]any `json:"content,omitempty"`
}

// RequestAuth signs and verifies federation requests.
type RequestAuth struct {
	keys       *keystore.Store
	remote     *keystore.RemoteStore
	serverName string
	logger     *slog.Logger
	obs        *observability.Provider
}

func NewRequestAuth(keys *keystore.Store, remote *keystore.RemoteStore, serverName string, obs *observability.Provider) *RequestAuth {
	return &RequestAuth{
		keys:       keys,
		remote:     remote,
		serverName: serverName,
		logger:     slog.Default().With("component", "fedauth"),
		obs:        obs,
	}
}

// SignRequest produces the Authorization header for an outbound request.
// uri must be the full path including query string; content is the JSON
// body or nil for bodyless methods.
func (a *RequestAuth) SignRequest(ctx context.Context, method, uri, destination string, content map[string]any) (h *Header, err error) {
	if a.obs != nil {
		done := a.obs.TrackOperation(ctx, "fedauth.sign_request")
		defer func() { done(err) }()
	}

	key, err := a.keys.Current()
	if err != nil {
		return nil, fmt.Errorf("fedauth: resolve signing key: %w", err)
	}
	signed, err := canonical.Marshal(requestSigningData{
		Method:      method,
		URI:         uri,
		Origin:      a.serverName,
		Destination: destination,
		Content:     content,
	})
	if err != nil {
		return nil, fmt.Errorf("fedauth: canonicalize request %s %s: %w", method, uri, err)
	}
	sig := ed25519.Sign(key.PrivateKey, signed)
	return &Header{
		Origin:      a.serverName,
		Destination: destination,
		KeyID:       key.KeyID,
		Signature:   base64.RawStdEncoding.EncodeToString(sig),
	}, nil
}

// VerifyRequest authenticates an inbound request. authHeader is the raw
// Authorization header value. On success the parsed header is returned so
// callers can apply origin policy to the request's payload.
func (a *RequestAuth) VerifyRequest(ctx context.Context, authHeader, method, uri string, content map[string]any) (h *Header, err error) {
	if a.obs != nil {
		done := a.obs.TrackOperation(ctx, "fedauth.verify_request")
		defer func() { done(err) }()
	}

	h, err = ParseHeader(authHeader)
	if err != nil {
		return nil, err
	}

	// The signer computed the signature with itself as origin and us as
	// destination; reconstruct exactly that view.
	signed, err := canonical.Marshal(requestSigningData{
		Method:      method,
		URI:         uri,
		Origin:      h.Origin,
		Destination: a.serverName,
		Content:     content,
	})
	if err != nil {
		return nil, fmt.Errorf("fedauth: canonicalize request %s %s: %w", method, uri, err)
	}
	sig, err := base64.RawStdEncoding.DecodeString(h.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not unpadded base64", ErrVerificationFailed)
	}
	key, err := a.remote.VerifyKey(ctx, h.Origin, h.KeyID)
	if err != nil {
		return nil, fmt.Errorf("fedauth: resolve %s/%s: %w", h.Origin, h.KeyID, err)
	}
	if !ed25519.Verify(key.PublicKey, signed, sig) {
		a.logger.Warn("request signature rejected",
			"origin", h.Origin, "key_id", h.KeyID, "method", method, "uri", uri)
		return nil, fmt.Errorf("%w: origin %s key %s", ErrVerificationFailed, h.Origin, h.KeyID)
	}
	return h, nil
}

// ValidateOrigin enforces that userID belongs to the authenticated origin.
// A request may only act for users of the server that signed it.
func (a *RequestAuth) ValidateOrigin(h *Header, userID string) error {
	domain, err := event.UserDomain(userID)
	if err != nil {
		return fmt.Errorf("fedauth: %w", err)
	}
	if domain != h.Origin {
		return fmt.Errorf("%w: user %s, origin %s", ErrOriginMismatch, userID, h.Origin)
	}
	return nil
}
