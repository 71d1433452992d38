package api

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/tessera/pkg/canonical"
	"github.com/Mindburn-Labs/tessera/pkg/keystore"
)

// DefaultKeyWindow is how far ahead the published key document claims
// validity. Peers re-fetch at half this per notary rules.
const DefaultKeyWindow = 24 * time.Hour

// KeyHandler publishes the server's signing keys at
// GET /_matrix/key/v2/server, self-signed with the current key.
type KeyHandler struct {
	keys       *keystore.Store
	serverName string
	window     time.Duration
}

func NewKeyHandler(keys *keystore.Store, serverName string, window time.Duration) *KeyHandler {
	if window <= 0 {
		window = DefaultKeyWindow
	}
	return &KeyHandler{keys: keys, serverName: serverName, window: window}
}

func (h *KeyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMatrixError(w, &MatrixError{
			Code: CodeUnknown, Message: "method not allowed", status: http.StatusMethodNotAllowed,
		})
		return
	}

	current, err := h.keys.Current()
	if err != nil {
		WriteError(w, err)
		return
	}

	now := time.Now()
	validUntil := now.Add(h.window)
	if !current.ExpiresAt.IsZero() && current.ExpiresAt.Before(validUntil) {
		validUntil = current.ExpiresAt
	}

	verifyKeys := map[string]any{}
	oldKeys := map[string]any{}
	for _, k := range h.keys.All() {
		encoded := base64.RawStdEncoding.EncodeToString(k.PublicKey)
		if k.Expired(now) {
			oldKeys[k.KeyID] = map[string]any{
				"key":        encoded,
				"expired_ts": k.ExpiresAt.UnixMilli(),
			}
			continue
		}
		verifyKeys[k.KeyID] = map[string]any{"key": encoded}
	}

	doc := map[string]any{
		"server_name":     h.serverName,
		"valid_until_ts":  validUntil.UnixMilli(),
		"verify_keys":     verifyKeys,
		"old_verify_keys": oldKeys,
	}
	signed, err := canonical.Marshal(doc)
	if err != nil {
		WriteError(w, err)
		return
	}
	sig := base64.RawStdEncoding.EncodeToString(current.Sign(signed))
	doc["signatures"] = map[string]any{
		h.serverName: map[string]any{current.KeyID: sig},
	}

	WriteJSON(w, http.StatusOK, doc)
}
