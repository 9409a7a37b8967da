package callstore

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("call not found")

// CallRecord is one row per bridged call.
type CallRecord struct {
	ID            string    `json:"id"`
	CallSID       string    `json:"call_sid"`
	StreamSID     string    `json:"stream_sid"`
	Caller        string    `json:"caller"`
	Callee        string    `json:"callee"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
	EndReason     string    `json:"end_reason,omitempty"`
	Interruptions int       `json:"interruptions"`
	FinalMicMode  string    `json:"final_mic_mode,omitempty"`
}

// InvocationRecord is one row per capability invocation dispatched for a call.
type InvocationRecord struct {
	ID           string    `json:"id"`
	CallSID      string    `json:"call_sid"`
	InvocationID string    `json:"invocation_id"`
	Name         string    `json:"name"`
	Status       string    `json:"status"` // pending|done|errored
	Detail       string    `json:"detail,omitempty"`
	LatencyMS    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// TranscriptRecord stores a single caller or assistant turn, PII-redacted
// before it reaches persistence.
type TranscriptRecord struct {
	ID          string    `json:"id"`
	CallSID     string    `json:"call_sid"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// MessageRecord is an outbound message intent captured by the send_message
// capability; delivery is a downstream concern.
type MessageRecord struct {
	ID        string    `json:"id"`
	CallSID   string    `json:"call_sid"`
	To        string    `json:"to"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// CallDetail bundles everything recorded for one call.
type CallDetail struct {
	Call        CallRecord         `json:"call"`
	Invocations []InvocationRecord `json:"invocations"`
	Transcript  []TranscriptRecord `json:"transcript"`
	Messages    []MessageRecord    `json:"messages"`
}

// Store persists and retrieves call records.
type Store interface {
	StartCall(ctx context.Context, record CallRecord) error
	FinishCall(ctx context.Context, callSID string, endedAt time.Time, endReason string, interruptions int, micMode string) error
	SaveInvocation(ctx context.Context, record InvocationRecord) error
	SaveTranscript(ctx context.Context, record TranscriptRecord) error
	SaveMessage(ctx context.Context, record MessageRecord) error
	RecentCalls(ctx context.Context, limit int) ([]CallRecord, error)
	CallDetail(ctx context.Context, callSID string) (CallDetail, error)
	Close() error
}
