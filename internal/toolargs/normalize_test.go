package toolargs

import (
	"errors"
	"testing"
)

func TestNormalizeNilAndEmpty(t *testing.T) {
	for _, raw := range []any{nil, "", "   ", "null", "\uFEFF  "} {
		out, err := Normalize(raw)
		if err != nil {
			t.Fatalf("Normalize(%#v) error = %v, want nil", raw, err)
		}
		if len(out) != 0 {
			t.Fatalf("Normalize(%#v) = %v, want empty map", raw, out)
		}
	}
}

func TestNormalizePassthroughMap(t *testing.T) {
	in := map[string]any{"mode": "far_field"}
	out, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if out["mode"] != "far_field" {
		t.Fatalf("mode = %v, want far_field", out["mode"])
	}
}

func TestNormalizeStrictJSON(t *testing.T) {
	out, err := Normalize(`{"to": "+15550001111", "body": "hi"}`)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if out["to"] != "+15550001111" || out["body"] != "hi" {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestNormalizeSingleQuotes(t *testing.T) {
	out, err := Normalize(`{'mode': 'far_field'}`)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if out["mode"] != "far_field" {
		t.Fatalf("mode = %v, want far_field", out["mode"])
	}
}

func TestNormalizeUnquotedKeys(t *testing.T) {
	out, err := Normalize(`{mode: "far_field", retries: 2}`)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if out["mode"] != "far_field" {
		t.Fatalf("mode = %v, want far_field", out["mode"])
	}
	if out["retries"] != float64(2) {
		t.Fatalf("retries = %v, want 2", out["retries"])
	}
}

func TestNormalizeTrailingComma(t *testing.T) {
	out, err := Normalize(`{"a": 1, "b": [1, 2,],}`)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if out["a"] != float64(1) {
		t.Fatalf("a = %v, want 1", out["a"])
	}
}

func TestNormalizeSmartQuotes(t *testing.T) {
	out, err := Normalize("{“mode”: “near_field”}")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if out["mode"] != "near_field" {
		t.Fatalf("mode = %v, want near_field", out["mode"])
	}
}

func TestNormalizeLiteralNewlineInString(t *testing.T) {
	out, err := Normalize("{\"body\": \"line one\nline two\"}")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if out["body"] != "line one\nline two" {
		t.Fatalf("body = %q", out["body"])
	}
}

func TestNormalizePairSyntax(t *testing.T) {
	out, err := Normalize("mode=far_field")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if out["mode"] != "far_field" {
		t.Fatalf("mode = %v, want far_field", out["mode"])
	}
}

func TestNormalizeMultiplePairs(t *testing.T) {
	out, err := Normalize("to=+15550001111, urgent=true")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if out["to"] != "+15550001111" {
		t.Fatalf("to = %v", out["to"])
	}
	if out["urgent"] != true {
		t.Fatalf("urgent = %v, want true", out["urgent"])
	}
}

func TestNormalizeEquivalentToStrictParse(t *testing.T) {
	cases := []struct {
		malformed string
		strict    string
	}{
		{`{'q': 'pizza near me'}`, `{"q": "pizza near me"}`},
		{`{q: "pizza", limit: 3,}`, `{"q": "pizza", "limit": 3}`},
		{"{‘city’: ‘Rome’}", `{"city": "Rome"}`},
	}
	for _, tc := range cases {
		got, err := Normalize(tc.malformed)
		if err != nil {
			t.Fatalf("Normalize(%q) error = %v", tc.malformed, err)
		}
		want, err := Normalize(tc.strict)
		if err != nil {
			t.Fatalf("Normalize(%q) error = %v", tc.strict, err)
		}
		if len(got) != len(want) {
			t.Fatalf("Normalize(%q) = %v, want %v", tc.malformed, got, want)
		}
		for k, v := range want {
			if got[k] != v {
				t.Fatalf("Normalize(%q)[%s] = %v, want %v", tc.malformed, k, got[k], v)
			}
		}
	}
}

func TestNormalizeApostropheInsideSingleQuotedValue(t *testing.T) {
	// An embedded double quote inside a single-quoted string must be escaped.
	out, err := Normalize(`{'note': 'he said "hi"'}`)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if out["note"] != `he said "hi"` {
		t.Fatalf("note = %q", out["note"])
	}
}

func TestNormalizeUnrecoverable(t *testing.T) {
	for _, raw := range []any{"not an object at all", `[1, 2, 3]`, 42} {
		_, err := Normalize(raw)
		if !errors.Is(err, ErrInvalidArguments) {
			t.Fatalf("Normalize(%#v) error = %v, want ErrInvalidArguments", raw, err)
		}
	}
}
