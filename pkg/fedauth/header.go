package fedauth

import (
	"errors"
	"fmt"
	"strings"
)

// Header holds the parameters of an X-Matrix Authorization header. KeyID
// carries the full "ed25519:<label>" form.
type Header struct {
	Origin      string
	Destination string // optional pre-v1.3
	KeyID       string
	Signature   string
}

// Parse errors. ParseHeader wraps them with position detail.
var (
	ErrInvalidScheme      = errors.New("fedauth: authorization scheme is not X-Matrix")
	ErrMalformedHeader    = errors.New("fedauth: malformed X-Matrix header")
	ErrUnterminatedString = errors.New("fedauth: unterminated quoted string")
	ErrMissingParameter   = errors.New("fedauth: missing required parameter")
	ErrInvalidKeyFormat   = errors.New("fedauth: key parameter must be ed25519:<id>")
)

// String renders the header in canonical quoted form.
func (h *Header) String() string {
	var b strings.Builder
	b.WriteString(`X-Matrix origin="`)
	b.WriteString(h.Origin)
	b.WriteString(`"`)
	if h.Destination != "" {
		b.WriteString(`,destination="`)
		b.WriteString(h.Destination)
		b.WriteString(`"`)
	}
	b.WriteString(`,key="`)
	b.WriteString(h.KeyID)
	b.WriteString(`",sig="`)
	b.WriteString(h.Signature)
	b.WriteString(`"`)
	return b.String()
}

// parser states for the RFC 9110 parameter grammar.
type parseState int

const (
	stateParamName parseState = iota
	stateEquals
	stateParamValue
	stateQuotedString
	stateAfterBackslash
	stateCommaOrEnd
)

// ParseHeader parses an X-Matrix Authorization header per the RFC 9110
// auth-param grammar, with the Matrix compatibility allowance for colons in
// unquoted values (older servers emit key=ed25519:abc unquoted).
func ParseHeader(authHeader string) (*Header, error) {
	rest, ok := strings.CutPrefix(authHeader, "X-Matrix ")
	if !ok {
		return nil, ErrInvalidScheme
	}
	params, err := parseAuthParams(rest)
	if err != nil {
		return nil, err
	}

	h := &Header{}
	if h.Origin, ok = params["origin"]; !ok || h.Origin == "" {
		return nil, fmt.Errorf("%w: origin", ErrMissingParameter)
	}
	key, ok := params["key"]
	if !ok {
		return nil, fmt.Errorf("%w: key", ErrMissingParameter)
	}
	if !strings.HasPrefix(key, "ed25519:") || len(key) == len("ed25519:") {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidKeyFormat, key)
	}
	h.KeyID = key
	if h.Signature, ok = params["sig"]; !ok || h.Signature == "" {
		return nil, fmt.Errorf("%w: sig", ErrMissingParameter)
	}
	h.Destination = params["destination"]
	return h, nil
}

func parseAuthParams(s string) (map[string]string, error) {
	params := make(map[string]string, 4)
	state := stateParamName
	var name, value strings.Builder

	commit := func() {
		params[strings.ToLower(name.String())] = value.String()
		name.Reset()
		value.Reset()
	}

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch state {
		case stateParamName:
			switch {
			case isTokenChar(ch):
				name.WriteByte(ch)
			case ch == '=':
				if name.Len() == 0 {
					return nil, fmt.Errorf("%w: empty parameter name", ErrMalformedHeader)
				}
				state = stateParamValue
			case ch == ' ' || ch == '\t':
				if name.Len() > 0 {
					state = stateEquals
				}
			default:
				return nil, fmt.Errorf("%w: unexpected %q in parameter name", ErrMalformedHeader, ch)
			}

		case stateEquals:
			switch {
			case ch == '=':
				state = stateParamValue
			case ch == ' ' || ch == '\t':
			default:
				return nil, fmt.Errorf("%w: expected '=' after parameter name", ErrMalformedHeader)
			}

		case stateParamValue:
			switch {
			case ch == '"':
				state = stateQuotedString
			case ch == ' ' || ch == '\t':
			case isTokenChar(ch):
				value.WriteByte(ch)
				state = stateCommaOrEnd
			default:
				return nil, fmt.Errorf("%w: unexpected %q at value start", ErrMalformedHeader, ch)
			}

		case stateQuotedString:
			switch ch {
			case '"':
				state = stateCommaOrEnd
			case '\\':
				state = stateAfterBackslash
			default:
				value.WriteByte(ch)
			}

		case stateAfterBackslash:
			// RFC 9110 quoted-pair: any character may follow a backslash.
			value.WriteByte(ch)
			state = stateQuotedString

		case stateCommaOrEnd:
			switch {
			case ch == ',':
				commit()
				state = stateParamName
			case ch == ' ' || ch == '\t':
			case isTokenChar(ch):
				// Continuation of an unquoted token value.
				value.WriteByte(ch)
			default:
				return nil, fmt.Errorf("%w: unexpected %q after value", ErrMalformedHeader, ch)
			}
		}
	}

	switch state {
	case stateQuotedString, stateAfterBackslash:
		return nil, ErrUnterminatedString
	case stateParamValue, stateEquals:
		return nil, fmt.Errorf("%w: parameter %q without value", ErrMalformedHeader, name.String())
	case stateParamName:
		if name.Len() > 0 {
			return nil, fmt.Errorf("%w: parameter %q without value", ErrMalformedHeader, name.String())
		}
	case stateCommaOrEnd:
		commit()
	}
	return params, nil
}

// isTokenChar is the RFC 9110 tchar set plus ':' for Matrix compatibility
// with unquoted key IDs and server names with ports.
func isTokenChar(ch byte) bool {
	switch ch {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.',
		'^', '_', '`', '|', '~', ':':
		return true
	}
	return ch >= '0' && ch <= '9' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z'
}
