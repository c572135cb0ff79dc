package bencode

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func decodeFromString(t *testing.T, s string) (any, error) {
	t.Helper()
	d := NewDecoder([]byte(s))
	return d.Decode()
}

func wantMalformed(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("err = %v, want wrapping ErrMalformedInput", err)
	}
}

func TestDecode_OK(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"string", "4:spam", any("spam")},
		{"empty-string", "0:", any("")},
		{"int-neg", "i-1e", any(int64(-1))},
		{"int-zero", "i0e", any(int64(0))},
		{"int-pos", "i42e", any(int64(42))},
		{"list-simple", "l4:spami1ee", any([]any{"spam", int64(1)})},
		{
			"list-nested",
			"li1e4:spami0el6:nestedi2eee",
			any([]any{int64(1), "spam", int64(0), []any{"nested", int64(2)}}),
		},
		{
			"dict",
			"d1:ai1e1:bi2e1:cl1:xi3eee",
			any(map[string]any{
				"a": int64(1),
				"b": int64(2),
				"c": []any{"x", int64(3)},
			}),
		},
		{
			"nested-structures",
			"d8:announce14:http://tracker4:infod6:lengthi1024e4:name10:ubuntu.iso6:piecesl3:abc3:defeee",
			any(map[string]any{
				"announce": "http://tracker",
				"info": map[string]any{
					"length": int64(1024),
					"name":   "ubuntu.iso",
					"pieces": []any{"abc", "def"},
				},
			}),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := decodeFromString(t, tc.in)
			if err != nil {
				t.Fatalf("Decode error: %v", err)
			}
			if !reflect.DeepEqual(v, tc.want) {
				t.Fatalf("got %#v, want %#v", v, tc.want)
			}
		})
	}
}

func TestDecodeErrors_IntegerFormat(t *testing.T) {
	tests := []string{
		"i012e",                             // leading zero
		"i-0e",                              // negative zero
		"ie",                                // empty
		"i-e",                               // lone dash
		"i" + strings.Repeat("1", 21) + "e", // too many digits
	}

	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			_, err := decodeFromString(t, in)
			wantMalformed(t, err)
		})
	}
}

func TestDecodeErrors_StringLength(t *testing.T) {
	tests := []string{
		"01:",  // leading zero
		"-1:",  // negative length
		"5:abc", // truncated
	}

	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			_, err := decodeFromString(t, in)
			wantMalformed(t, err)
		})
	}
}

func TestDecodeErrors_TruncatedContainers(t *testing.T) {
	for _, in := range []string{"l", "d"} {
		t.Run(in, func(t *testing.T) {
			if _, err := decodeFromString(t, in); err == nil {
				t.Fatalf("expected error for truncated %q, got nil", in)
			}
		})
	}
}

func TestDecodeErrors_DictKeyOrderAndUniqueness(t *testing.T) {
	tests := []string{
		"d1:bi1e1:ai2ee",  // out of order
		"d1:ai1e1:ai2ee",  // duplicate
	}

	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			_, err := decodeFromString(t, in)
			wantMalformed(t, err)
		})
	}
}

func TestUnmarshal_OK(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want any
	}{
		{"string", []byte("4:spam"), any("spam")},
		{"int", []byte("i42e"), any(int64(42))},
		{"list", []byte("l4:spami1ee"), any([]any{"spam", int64(1)})},
		{"dict", []byte("d1:ai1ee"), any(map[string]any{"a": int64(1)})},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := Unmarshal(tc.in)
			if err != nil {
				t.Fatalf("Unmarshal error: %v", err)
			}
			if !reflect.DeepEqual(v, tc.want) {
				t.Fatalf("got %#v, want %#v", v, tc.want)
			}
		})
	}
}

func TestUnmarshal_TrailingData(t *testing.T) {
	_, err := Unmarshal([]byte("i1ei2e"))
	wantMalformed(t, err)
}

func TestDecoder_LastSpan(t *testing.T) {
	src := []byte("d4:infod6:lengthi10eee")
	d := NewDecoder(src)

	root, err := d.Decode()
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	m := root.(map[string]any)
	if _, ok := m["info"]; !ok {
		t.Fatalf("missing info key")
	}

	// Re-decode just the info value to recover its span.
	infoStart := strings.Index(string(src), "d6:length")
	inner := NewDecoder(src[infoStart:])
	if _, err := inner.Decode(); err != nil {
		t.Fatalf("inner decode: %v", err)
	}
	span := inner.LastSpan()
	got := string(src[infoStart+span.Start : infoStart+span.End])
	want := "d6:lengthi10ee"
	if got != want {
		t.Fatalf("span slice = %q, want %q", got, want)
	}
}

func TestRoundTrip_DecodeEncode(t *testing.T) {
	src := "d8:announce14:http://tracker4:infod6:lengthi1024e4:name10:ubuntu.iso6:piecesl3:abc3:defeee"

	v, err := Unmarshal([]byte(src))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	out, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != src {
		t.Fatalf("round trip mismatch:\ngot  %q\nwant %q", out, src)
	}
}
