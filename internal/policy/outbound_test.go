package policy

import "testing"

func TestDecideOutboundMessageAllows(t *testing.T) {
	got := DecideOutboundMessage("+15551234567", "running ten minutes late, sorry!")
	if got.Blocked {
		t.Fatalf("Blocked = true, want false (reason %q)", got.Reason)
	}
}

func TestDecideOutboundMessageBadRecipient(t *testing.T) {
	for _, to := range []string{"", "5551234567", "+0123", "not-a-number"} {
		got := DecideOutboundMessage(to, "hi")
		if !got.Blocked {
			t.Fatalf("Blocked = false for recipient %q, want true", to)
		}
	}
}

func TestDecideOutboundMessageCredentialBody(t *testing.T) {
	got := DecideOutboundMessage("+15551234567", "the api key is sk-123456")
	if !got.Blocked {
		t.Fatalf("Blocked = false, want true")
	}
}

func TestDecideOutboundMessageEmptyBody(t *testing.T) {
	got := DecideOutboundMessage("+15551234567", "   ")
	if !got.Blocked {
		t.Fatalf("Blocked = false, want true")
	}
}
