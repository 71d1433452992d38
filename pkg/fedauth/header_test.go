package fedauth

import (
	"errors"
	"testing"
)

func TestParseHeaderUnquoted(t *testing.T) {
	h, err := ParseHeader("X-Matrix origin=example.com,key=ed25519:abc123,sig=def456")
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Origin != "example.com" || h.KeyID != "ed25519:abc123" || h.Signature != "def456" {
		t.Errorf("parsed %+v", h)
	}
	if h.Destination != "" {
		t.Errorf("destination = %q, want empty", h.Destination)
	}
}

func TestParseHeaderQuoted(t *testing.T) {
	h, err := ParseHeader(`X-Matrix origin="example.com",key="ed25519:abc123",sig="def,456"`)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Signature != "def,456" {
		t.Errorf("sig = %q, commas inside quotes must survive", h.Signature)
	}
}

func TestParseHeaderEscapedQuote(t *testing.T) {
	h, err := ParseHeader(`X-Matrix origin=example.com,key=ed25519:abc,sig="de\"f"`)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Signature != `de"f` {
		t.Errorf("sig = %q, want de\"f", h.Signature)
	}
}

func TestParseHeaderColonCompat(t *testing.T) {
	h, err := ParseHeader("X-Matrix origin=matrix.example.com:8448,key=ed25519:abc,sig=s")
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Origin != "matrix.example.com:8448" {
		t.Errorf("origin = %q", h.Origin)
	}
}

func TestParseHeaderDestinationAndSpacing(t *testing.T) {
	h, err := ParseHeader(`X-Matrix origin=a.com, destination="b.com", key=ed25519:k, sig=s`)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Destination != "b.com" {
		t.Errorf("destination = %q", h.Destination)
	}
}

func TestParseHeaderErrors(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"wrong scheme", "Bearer tok", ErrInvalidScheme},
		{"missing sig", "X-Matrix origin=a.com,key=ed25519:k", ErrMissingParameter},
		{"missing origin", "X-Matrix key=ed25519:k,sig=s", ErrMissingParameter},
		{"bad key algorithm", "X-Matrix origin=a.com,key=rsa:k,sig=s", ErrInvalidKeyFormat},
		{"empty key label", "X-Matrix origin=a.com,key=ed25519:,sig=s", ErrInvalidKeyFormat},
		{"unterminated quote", `X-Matrix origin="a.com,key=ed25519:k,sig=s`, ErrUnterminatedString},
		{"value missing", "X-Matrix origin=,key=ed25519:k,sig=s", ErrMalformedHeader},
		{"dangling name", `X-Matrix key="ed25519:abc",sig="xyz",origin`, ErrMalformedHeader},
		{"dangling name with space", `X-Matrix key="ed25519:abc",sig="xyz",origin `, ErrMalformedHeader},
		{"dangling equals", `X-Matrix key="ed25519:abc",sig="xyz",origin=`, ErrMalformedHeader},
		{"empty quoted origin", `X-Matrix origin="",key=ed25519:k,sig=s`, ErrMissingParameter},
		{"empty quoted sig", `X-Matrix origin=a.com,key=ed25519:k,sig=""`, ErrMissingParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHeader(tt.header)
			if !errors.Is(err, tt.want) {
				t.Errorf("ParseHeader(%q) = %v, want %v", tt.header, err, tt.want)
			}
		})
	}
}

func TestHeaderStringRoundTrip(t *testing.T) {
	in := &Header{
		Origin:      "origin.org",
		Destination: "dest.org",
		KeyID:       "ed25519:k1",
		Signature:   "c2ln",
	}
	out, err := ParseHeader(in.String())
	if err != nil {
		t.Fatalf("ParseHeader(%q): %v", in.String(), err)
	}
	if *out != *in {
		t.Errorf("round trip: got %+v, want %+v", out, in)
	}
}
