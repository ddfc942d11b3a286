package canonicalize

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	// Standard encoding/json would emit < escapes; RFC 8785 forbids them.
	expected := `{"html":"<script>alert('xss')</script> &"}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCSBytes_NumberNormalization(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"n":10.0}`, `{"n":10}`},
		{`{"n":1e2}`, `{"n":100}`},
		{`{"n":0.5}`, `{"n":0.5}`},
	}
	for _, tc := range cases {
		got, err := JCSBytes([]byte(tc.in))
		if err != nil {
			t.Fatalf("JCSBytes(%s) failed: %v", tc.in, err)
		}
		if string(got) != tc.want {
			t.Errorf("JCSBytes(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestJCSBytes_RejectsInvalidJSON(t *testing.T) {
	if _, err := JCSBytes([]byte(`{"a":`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
	if _, err := JCSBytes([]byte(`{"n":NaN}`)); err == nil {
		t.Fatal("expected error for NaN literal")
	}
}

func TestJCS_RejectsNonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := JCS(map[string]float64{"x": v}); err == nil {
			t.Errorf("expected error for non-finite %v", v)
		}
	}
}

func TestCanonicalHash_Stability(t *testing.T) {
	// Two inputs that are semantically identical but constructed differently
	v1 := map[string]any{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := CanonicalHash(v1)
	if err != nil {
		t.Fatal(err)
	}

	h2, err := CanonicalHash(v2)
	if err != nil {
		t.Fatal(err)
	}

	if h1 != h2 {
		t.Errorf("Hash mismatch for semantically identical inputs: %s != %s", h1, h2)
	}
}

func TestHashRaw_OrderIndependent(t *testing.T) {
	h1, err := HashRaw([]byte(`{"b":2,"a":1}`))
	if err != nil {
		t.Fatalf("HashRaw failed: %v", err)
	}
	h2, err := HashRaw([]byte(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("HashRaw failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hashes differ for equivalent documents: %s vs %s", h1, h2)
	}
	if len(h1) != 64 || strings.ToLower(h1) != h1 {
		t.Errorf("hash not lowercase hex sha256: %s", h1)
	}
}

func TestJCS_NumberTypes(t *testing.T) {
	// json.Number round-trips through the canonical form
	input := map[string]any{
		"num": json.Number("123.456"),
	}
	expected := `{"num":123.456}`

	b, err := JCS(input)
	if err != nil {
		t.Fatal(err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCSString_IsReachable(t *testing.T) {
	s, err := JCSString(map[string]int{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if s == "" {
		t.Fatal("expected non-empty string")
	}
}
