package callstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore holds call records in process memory. It backs local
// development and tests when no database is configured.
type InMemoryStore struct {
	mu          sync.RWMutex
	calls       map[string]CallRecord
	invocations map[string][]InvocationRecord
	transcripts map[string][]TranscriptRecord
	messages    map[string][]MessageRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		calls:       make(map[string]CallRecord),
		invocations: make(map[string][]InvocationRecord),
		transcripts: make(map[string][]TranscriptRecord),
		messages:    make(map[string][]MessageRecord),
	}
}

func (s *InMemoryStore) StartCall(_ context.Context, record CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now()
	}
	s.calls[record.CallSID] = record
	return nil
}

func (s *InMemoryStore) FinishCall(_ context.Context, callSID string, endedAt time.Time, endReason string, interruptions int, micMode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.calls[callSID]
	if !ok {
		return ErrNotFound
	}
	record.EndedAt = endedAt
	record.EndReason = endReason
	record.Interruptions = interruptions
	record.FinalMicMode = micMode
	s.calls[callSID] = record
	return nil
}

func (s *InMemoryStore) SaveInvocation(_ context.Context, record InvocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	s.invocations[record.CallSID] = append(s.invocations[record.CallSID], record)
	return nil
}

func (s *InMemoryStore) SaveTranscript(_ context.Context, record TranscriptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	s.transcripts[record.CallSID] = append(s.transcripts[record.CallSID], record)
	return nil
}

func (s *InMemoryStore) SaveMessage(_ context.Context, record MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	s.messages[record.CallSID] = append(s.messages[record.CallSID], record)
	return nil
}

func (s *InMemoryStore) RecentCalls(_ context.Context, limit int) ([]CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CallRecord, 0, len(s.calls))
	for _, record := range s.calls {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) CallDetail(_ context.Context, callSID string) (CallDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.calls[callSID]
	if !ok {
		return CallDetail{}, ErrNotFound
	}
	detail := CallDetail{
		Call:        record,
		Invocations: append([]InvocationRecord(nil), s.invocations[callSID]...),
		Transcript:  append([]TranscriptRecord(nil), s.transcripts[callSID]...),
		Messages:    append([]MessageRecord(nil), s.messages[callSID]...),
	}
	return detail, nil
}

func (s *InMemoryStore) Close() error { return nil }
