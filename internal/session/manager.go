package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("call session not found")

// CallSession tracks the live state of one bridged phone call.
type CallSession struct {
	CallSID           string    `json:"call_sid"`
	StreamSID         string    `json:"stream_sid"`
	Caller            string    `json:"caller"`
	Callee            string    `json:"callee"`
	Status            Status    `json:"status"`
	MicMode           string    `json:"mic_mode"`
	Greeted           bool      `json:"greeted"`
	InterruptionCount int       `json:"interruption_count"`
	EndReason         string    `json:"end_reason,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

type Manager struct {
	mu                sync.RWMutex
	calls             map[string]*CallSession
	inactivityTimeout time.Duration
	onExpire          func(*CallSession)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		calls:             make(map[string]*CallSession),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*CallSession)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Start(callSID, streamSID, caller, callee, micMode string) *CallSession {
	now := time.Now().UTC()
	s := &CallSession{
		CallSID:        callSID,
		StreamSID:      streamSID,
		Caller:         caller,
		Callee:         callee,
		Status:         StatusActive,
		MicMode:        micMode,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[callSID] = s
	return clone(s)
}

func (m *Manager) Get(callSID string) (*CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.calls[callSID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(callSID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.calls[callSID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) MarkGreeted(callSID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.calls[callSID]
	if !ok {
		return ErrNotFound
	}
	s.Greeted = true
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) SetMicMode(callSID, micMode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.calls[callSID]
	if !ok {
		return ErrNotFound
	}
	s.MicMode = micMode
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Interrupt(callSID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.calls[callSID]
	if !ok {
		return ErrNotFound
	}
	s.InterruptionCount++
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) End(callSID, reason string) (*CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.calls[callSID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.EndReason = reason
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.calls {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) ActiveCalls() []*CallSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CallSession, 0, len(m.calls))
	for _, s := range m.calls {
		if s.Status == StatusActive {
			out = append(out, clone(s))
		}
	}
	return out
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*CallSession

	m.mu.Lock()
	for _, s := range m.calls {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.EndReason = "inactivity_timeout"
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *CallSession) *CallSession {
	c := *s
	return &c
}
