package policy

import (
	"regexp"
	"strings"
)

// MaxMessageBodyLen caps outbound message bodies; carriers reject longer
// segments and the model occasionally produces runaway text.
const MaxMessageBodyLen = 1600

type OutboundDecision struct {
	Blocked bool
	Reason  string
}

var (
	e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

	blockedBodyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(api[_ -]?key|bearer token|password|secret key)\b`),
		regexp.MustCompile(`(?i)\b(otp|one[- ]time (?:code|password))\b.*\b\d{4,8}\b`),
	}
)

// ValidRecipient reports whether to is a plausible E.164 phone number.
func ValidRecipient(to string) bool {
	return e164Pattern.MatchString(strings.TrimSpace(to))
}

// DecideOutboundMessage screens a message the assistant wants to send on the
// caller's behalf. Blocked messages are recorded but never delivered.
func DecideOutboundMessage(to, body string) OutboundDecision {
	if !ValidRecipient(to) {
		return OutboundDecision{Blocked: true, Reason: "recipient is not a valid E.164 number"}
	}
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return OutboundDecision{Blocked: true, Reason: "empty message body"}
	}
	if len(trimmed) > MaxMessageBodyLen {
		return OutboundDecision{Blocked: true, Reason: "message body exceeds maximum length"}
	}
	for _, re := range blockedBodyPatterns {
		if re.MatchString(trimmed) {
			return OutboundDecision{Blocked: true, Reason: "message body appears to contain credentials"}
		}
	}
	return OutboundDecision{}
}
