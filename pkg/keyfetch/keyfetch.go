// Package keyfetch retrieves remote homeserver signing keys over the
// federation key API and validates them before they enter the key cache.
package keyfetch

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/tessera/pkg/canonical"
	"github.com/Mindburn-Labs/tessera/pkg/keystore"
	"github.com/Mindburn-Labs/tessera/pkg/observability"
)

// ErrSelfSignature means a key response was not validly signed by any of
// the keys it advertises and must not be trusted.
var ErrSelfSignature = errors.New("keyfetch: key response self-signature invalid")

// maxKeyValidity caps how far ahead a remote server may claim its keys
// stay valid. Matrix notary rules forbid trusting keys more than a week out.
const maxKeyValidity = 7 * 24 * time.Hour

// serverKeysResponse is the GET /_matrix/key/v2/server document.
type serverKeysResponse struct {
	ServerName    string                       `json:"server_name"`
	ValidUntilTS  int64                        `json:"valid_until_ts"`
	VerifyKeys    map[string]verifyKey         `json:"verify_keys"`
	OldVerifyKeys map[string]oldVerifyKey      `json:"old_verify_keys"`
	Signatures    map[string]map[string]string `json:"signatures"`
}

type verifyKey struct {
	Key string `json:"key"`
}

type oldVerifyKey struct {
	Key       string `json:"key"`
	ExpiredTS int64  `json:"expired_ts"`
}

// Client fetches and validates remote server keys. It implements
// keystore.Fetcher. Per-server circuit breakers and rate limiters keep a
// flapping or hostile peer from absorbing our outbound capacity.
type Client struct {
	httpClient *http.Client
	maxRetries int
	rateLimit  rate.Limit
	rateBurst  int
	logger     *slog.Logger
	obs        *observability.Provider

	// baseURL maps a server name to its key API origin; tests override it.
	baseURL func(serverName string) string

	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	limiters map[string]*rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides origin resolution, e.g. to point at a test server.
func WithBaseURL(f func(serverName string) string) Option {
	return func(c *Client) { c.baseURL = f }
}

// WithObservability records fetch metrics through the given provider.
func WithObservability(p *observability.Provider) Option {
	return func(c *Client) { c.obs = p }
}

// WithRateLimit sets the per-server request rate and burst.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) { c.rateLimit = r; c.rateBurst = burst }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		rateLimit:  rate.Every(time.Second),
		rateBurst:  5,
		logger:     slog.Default().With("component", "keyfetch"),
		baseURL:    func(serverName string) string { return "https://" + serverName },
		breakers:   make(map[string]*circuitBreaker),
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchVerifyKeys fetches serverName's key document, validates its shape
// and self-signature, and converts it into cacheable verify keys. The
// returned entries expire at half the advertised remaining lifetime.
func (c *Client) FetchVerifyKeys(ctx context.Context, serverName string) (keys []*keystore.RemoteVerifyKey, err error) {
	if c.obs != nil {
		done := c.obs.TrackOperation(ctx, "keyfetch.fetch")
		defer func() { done(err) }()
	}

	if err := c.limiter(serverName).Wait(ctx); err != nil {
		return nil, fmt.Errorf("keyfetch: rate limit wait for %s: %w", serverName, err)
	}
	br := c.breaker(serverName)
	if !br.allow() {
		return nil, fmt.Errorf("%w: %s", ErrBreakerOpen, serverName)
	}

	body, err := c.get(ctx, c.baseURL(serverName)+"/_matrix/key/v2/server")
	if err != nil {
		br.failure()
		return nil, err
	}
	br.success()

	keys, err = c.validate(serverName, body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("validated server keys", "server", serverName, "keys", len(keys))
	return keys, nil
}

// get performs the HTTP request with exponential backoff and jitter.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * 100 * time.Millisecond
			jitter := time.Duration(rand.Int63n(50)) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("keyfetch: build request: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("keyfetch: %s returned %d", url, resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			// 4xx will not improve on retry.
			return nil, fmt.Errorf("keyfetch: %s returned %d", url, resp.StatusCode)
		}
		return body, nil
	}
	return nil, fmt.Errorf("keyfetch: %s failed after %d attempts: %w", url, c.maxRetries+1, lastErr)
}

// validate checks schema, identity, validity window and self-signature,
// then converts the document into cache entries.
func (c *Client) validate(serverName string, body []byte) ([]*keystore.RemoteVerifyKey, error) {
	if err := validateKeySchema(body); err != nil {
		return nil, fmt.Errorf("keyfetch: %s key response rejected by schema: %w", serverName, err)
	}

	var resp serverKeysResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("keyfetch: decode %s key response: %w", serverName, err)
	}
	if resp.ServerName != serverName {
		return nil, fmt.Errorf("keyfetch: key response claims %q, fetched from %q", resp.ServerName, serverName)
	}

	now := time.Now()
	validUntil := time.UnixMilli(resp.ValidUntilTS)
	if !validUntil.After(now) {
		return nil, fmt.Errorf("keyfetch: %s keys expired at %s", serverName, validUntil.UTC())
	}
	if capped := now.Add(maxKeyValidity); validUntil.After(capped) {
		validUntil = capped
	}

	pubKeys := make(map[string]ed25519.PublicKey, len(resp.VerifyKeys))
	for keyID, vk := range resp.VerifyKeys {
		raw, err := base64.RawStdEncoding.DecodeString(vk.Key)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("keyfetch: %s key %s is not a valid ed25519 public key", serverName, keyID)
		}
		pubKeys[keyID] = raw
	}

	if err := verifySelfSignature(body, serverName, resp.Signatures[serverName], pubKeys); err != nil {
		return nil, err
	}

	// Cache for half the remaining advertised lifetime, per notary rules.
	expiresAt := now.Add(validUntil.Sub(now) / 2)
	keys := make([]*keystore.RemoteVerifyKey, 0, len(pubKeys))
	for keyID, pub := range pubKeys {
		keys = append(keys, &keystore.RemoteVerifyKey{
			ServerName: serverName,
			KeyID:      keyID,
			PublicKey:  pub,
			FetchedAt:  now,
			ExpiresAt:  expiresAt,
		})
	}
	return keys, nil
}

// verifySelfSignature checks the response is signed by at least one of the
// keys it advertises. The signed bytes are the canonical document without
// its signatures block.
func verifySelfSignature(body []byte, serverName string, sigs map[string]string, pubKeys map[string]ed25519.PublicKey) error {
	if len(sigs) == 0 {
		return fmt.Errorf("%w: no signature from %s", ErrSelfSignature, serverName)
	}
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("keyfetch: re-decode key response: %w", err)
	}
	delete(doc, "signatures")
	signed, err := canonical.Marshal(doc)
	if err != nil {
		return fmt.Errorf("keyfetch: canonicalize key response: %w", err)
	}

	for keyID, sigB64 := range sigs {
		pub, ok := pubKeys[keyID]
		if !ok {
			continue
		}
		sig, err := base64.RawStdEncoding.DecodeString(sigB64)
		if err != nil {
			continue
		}
		if ed25519.Verify(pub, signed, sig) {
			return nil
		}
	}
	return fmt.Errorf("%w: server %s", ErrSelfSignature, serverName)
}

func (c *Client) breaker(serverName string) *circuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	br, ok := c.breakers[serverName]
	if !ok {
		br = newCircuitBreaker(5, 10*time.Second)
		c.breakers[serverName] = br
	}
	return br
}

func (c *Client) limiter(serverName string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[serverName]
	if !ok {
		l = rate.NewLimiter(c.rateLimit, c.rateBurst)
		c.limiters[serverName] = l
	}
	return l
}
