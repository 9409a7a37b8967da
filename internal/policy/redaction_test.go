package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIISSN(t *testing.T) {
	out, changed := RedactPII("my social is 078-05-1120 thanks")
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if !strings.Contains(out, "[REDACTED_SSN]") {
		t.Fatalf("output missing SSN marker: %q", out)
	}
}

func TestRedactPIICleanInput(t *testing.T) {
	in := "remind me to water the plants"
	out, changed := RedactPII(in)
	if changed {
		t.Fatalf("changed = true for clean input")
	}
	if out != in {
		t.Fatalf("out = %q, want %q", out, in)
	}
}
