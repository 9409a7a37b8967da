package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManagerStartGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Start("CA1", "MZ1", "+15550001111", "+15559990000", "near_field")
	if s.CallSID != "CA1" || s.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", s)
	}

	got, err := m.Get("CA1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Caller != "+15550001111" || got.MicMode != "near_field" {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End("CA1", "caller_hangup")
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded || ended.EndReason != "caller_hangup" {
		t.Fatalf("ended = %+v, want ended with caller_hangup", ended)
	}
}

func TestManagerGetUnknown(t *testing.T) {
	m := NewManager(time.Minute)
	if _, err := m.Get("CA-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestManagerInterruptAndMicMode(t *testing.T) {
	m := NewManager(time.Minute)
	m.Start("CA1", "MZ1", "", "", "near_field")

	if err := m.Interrupt("CA1"); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
	if err := m.SetMicMode("CA1", "far_field"); err != nil {
		t.Fatalf("SetMicMode() error = %v", err)
	}

	got, err := m.Get("CA1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.InterruptionCount != 1 {
		t.Fatalf("InterruptionCount = %d, want 1", got.InterruptionCount)
	}
	if got.MicMode != "far_field" {
		t.Fatalf("MicMode = %q, want far_field", got.MicMode)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	m.Start("CA1", "MZ1", "", "", "near_field")

	var expired *CallSession
	done := make(chan struct{})
	m.SetExpireHook(func(s *CallSession) {
		expired = s
		close(done)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("janitor never expired the call")
	}
	if expired.EndReason != "inactivity_timeout" {
		t.Fatalf("EndReason = %q, want inactivity_timeout", expired.EndReason)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d, want 0", m.ActiveCount())
	}
}
