// Package canonical implements Matrix canonical JSON together with the
// content-hash, reference-hash and redaction algorithms built on top of it.
//
// Canonical form: object keys sorted by Unicode codepoint, no insignificant
// whitespace, no HTML escaping, and numbers restricted to integers within
// the ±2^53-1 safe range. This deliberately differs from RFC 8785, which
// permits fractional numbers and uses a different number rendering.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// maxSafeInt is the largest integer representable exactly as an IEEE 754
// double, the interoperability bound every Matrix implementation shares.
const maxSafeInt = int64(1)<<53 - 1

// CodecError reports input that cannot be rendered in canonical form. The
// codec returns it instead of panicking on any input, including cyclic or
// non-JSON values rejected by encoding/json underneath.
type CodecError struct {
	Reason string
	Err    error
}

func (e *CodecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("canonical: %s: %v", e.Reason, e.Err)
	}
	return "canonical: " + e.Reason
}

func (e *CodecError) Unwrap() error { return e.Err }

// Marshal renders v as Matrix canonical JSON. v may be any value
// encoding/json can marshal; structs are first flattened through their JSON
// representation so tags and omitempty apply before key sorting.
func Marshal(v any) ([]byte, error) {
	raw, err := encodeNoHTMLEscape(v)
	if err != nil {
		return nil, &CodecError{Reason: "value is not representable as JSON", Err: err}
	}
	return MarshalRaw(raw)
}

// MarshalRaw canonicalizes an existing JSON document.
func MarshalRaw(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &CodecError{Reason: "invalid JSON input", Err: err}
	}
	// Trailing garbage after the first value is not canonicalizable.
	if dec.More() {
		return nil, &CodecError{Reason: "trailing data after JSON value"}
	}
	var buf bytes.Buffer
	if err := appendCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		n, err := canonicalNumber(t)
		if err != nil {
			return err
		}
		buf.WriteString(n)
	case string:
		return appendCanonicalString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendCanonical(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		// Byte order equals codepoint order for UTF-8 strings.
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendCanonicalString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := appendCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return &CodecError{Reason: fmt.Sprintf("unexpected decoded type %T", v)}
	}
	return nil
}

// canonicalNumber validates and normalizes a JSON number. Fractions,
// exponents, NaN/Inf spellings and anything outside ±2^53-1 are rejected.
func canonicalNumber(n json.Number) (string, error) {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return "", &CodecError{Reason: fmt.Sprintf("non-integer number %q not allowed", s)}
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return "", &CodecError{Reason: fmt.Sprintf("integer %q out of range", s), Err: err}
	}
	if i > maxSafeInt || i < -maxSafeInt {
		return "", &CodecError{Reason: fmt.Sprintf("integer %d outside ±2^53-1 safe range", i)}
	}
	// FormatInt normalizes "-0" and leading zeros away.
	return strconv.FormatInt(i, 10), nil
}

func appendCanonicalString(buf *bytes.Buffer, s string) error {
	raw, err := encodeNoHTMLEscape(s)
	if err != nil {
		return &CodecError{Reason: "string is not encodable", Err: err}
	}
	buf.Write(raw)
	return nil
}

// encodeNoHTMLEscape marshals without the default &, < and > escaping and
// without the Encoder's trailing newline.
func encodeNoHTMLEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
