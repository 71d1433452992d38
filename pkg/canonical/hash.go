package canonical

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/tessera/pkg/event"
)

// ContentHash computes the sha256 content hash of an event: the event with
// hashes, signatures and unsigned stripped, canonicalized and digested.
// The hash therefore never depends on itself or on any signature.
func ContentHash(ev *event.Event) (string, error) {
	m, err := eventMap(ev)
	if err != nil {
		return "", err
	}
	delete(m, "hashes")
	delete(m, "signatures")
	delete(m, "unsigned")
	delete(m, "outlier")

	c, err := Marshal(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(c)
	return base64.RawStdEncoding.EncodeToString(sum[:]), nil
}

// SigningBytes returns the canonical bytes an event signature covers: the
// full event minus signatures and unsigned, with hashes retained.
func SigningBytes(ev *event.Event) ([]byte, error) {
	m, err := eventMap(ev)
	if err != nil {
		return nil, err
	}
	delete(m, "signatures")
	delete(m, "unsigned")
	return Marshal(m)
}

// ReferenceHash computes the sha256 over the redacted form of the event
// (minus signatures and unsigned), encoded as unpadded URL-safe base64.
// Room versions 4+ derive event IDs from this value.
func ReferenceHash(ev *event.Event, roomVersion string) (string, error) {
	m, err := Redact(ev, roomVersion)
	if err != nil {
		return "", err
	}
	delete(m, "signatures")
	delete(m, "unsigned")
	c, err := Marshal(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(c)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// EventID derives the event identifier for room versions that use
// reference-hash IDs.
func EventID(ev *event.Event, roomVersion string) (string, error) {
	h, err := ReferenceHash(ev, roomVersion)
	if err != nil {
		return "", err
	}
	return "$" + h, nil
}

// eventMap flattens an event through its JSON form into a generic map so
// struct tags and omitempty apply before canonicalization.
func eventMap(ev *event.Event) (map[string]any, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, &CodecError{Reason: "event is not representable as JSON", Err: err}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &CodecError{Reason: fmt.Sprintf("event %s did not decode to an object", ev.EventID), Err: err}
	}
	return m, nil
}
