package canonical

import (
	"errors"
	"testing"
)

func TestMarshalSortsKeys(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{
			name: "flat object",
			in:   map[string]any{"b": 2, "a": 1, "c": 3},
			want: `{"a":1,"b":2,"c":3}`,
		},
		{
			name: "nested objects sorted at every level",
			in: map[string]any{
				"z": map[string]any{"y": "foo", "x": "bar"},
				"a": []any{3, 1, 2},
			},
			want: `{"a":[3,1,2],"z":{"x":"bar","y":"foo"}}`,
		},
		{
			name: "codepoint order beats locale order",
			in:   map[string]any{"Z": 1, "a": 2, "B": 3},
			want: `{"B":3,"Z":1,"a":2}`,
		},
		{
			name: "unicode keys sort by codepoint",
			in:   map[string]any{"日": 1, "本": 2, "a": 3},
			want: `{"a":3,"日":1,"本":2}`,
		},
		{
			name: "empty object",
			in:   map[string]any{},
			want: `{}`,
		},
		{
			name: "null and bool scalars survive",
			in:   map[string]any{"t": true, "f": false, "n": nil},
			want: `{"f":false,"n":null,"t":true}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.in)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMarshalDoesNotEscapeHTML(t *testing.T) {
	got, err := Marshal(map[string]any{"body": "<b>hi</b> & bye"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"body":"<b>hi</b> & bye"}`
	if string(got) != want {
		t.Errorf("Marshal = %s, want %s", got, want)
	}
}

func TestMarshalRejectsFloats(t *testing.T) {
	for _, in := range []any{
		map[string]any{"x": 1.5},
		map[string]any{"x": []any{1, 2.25}},
	} {
		_, err := Marshal(in)
		var ce *CodecError
		if !errors.As(err, &ce) {
			t.Errorf("Marshal(%v) error = %v, want CodecError", in, err)
		}
	}
}

func TestMarshalIntegerRange(t *testing.T) {
	// 2^53-1 is the last representable integer; 2^53 is out.
	if _, err := Marshal(map[string]any{"x": int64(9007199254740991)}); err != nil {
		t.Fatalf("max safe integer rejected: %v", err)
	}
	if _, err := Marshal(map[string]any{"x": int64(-9007199254740991)}); err != nil {
		t.Fatalf("min safe integer rejected: %v", err)
	}
	_, err := Marshal(map[string]any{"x": int64(9007199254740992)})
	var ce *CodecError
	if !errors.As(err, &ce) {
		t.Errorf("2^53 accepted, want CodecError, got %v", err)
	}
}

func TestMarshalRawRejectsInvalidJSON(t *testing.T) {
	for _, raw := range []string{``, `{`, `{"a":1} trailing`, `nope`} {
		if _, err := MarshalRaw([]byte(raw)); err == nil {
			t.Errorf("MarshalRaw(%q) accepted invalid input", raw)
		}
	}
}

func TestMarshalStructGoesThroughTags(t *testing.T) {
	in := struct {
		B string `json:"b"`
		A string `json:"a"`
		C string `json:"c,omitempty"`
	}{B: "2", A: "1"}
	got, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(got) != `{"a":"1","b":"2"}` {
		t.Errorf("Marshal = %s", got)
	}
}
