package callstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists call records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			call_sid TEXT NOT NULL UNIQUE,
			stream_sid TEXT NOT NULL,
			caller TEXT NOT NULL,
			callee TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ,
			end_reason TEXT NOT NULL DEFAULT '',
			interruptions INT NOT NULL DEFAULT 0,
			final_mic_mode TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_started ON calls (started_at);`,
		`CREATE TABLE IF NOT EXISTS call_invocations (
			id TEXT PRIMARY KEY,
			call_sid TEXT NOT NULL,
			invocation_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			latency_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_invocations_call ON call_invocations (call_sid, created_at);`,
		`CREATE TABLE IF NOT EXISTS call_transcripts (
			id TEXT PRIMARY KEY,
			call_sid TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_transcripts_call ON call_transcripts (call_sid, created_at);`,
		`CREATE TABLE IF NOT EXISTS call_messages (
			id TEXT PRIMARY KEY,
			call_sid TEXT NOT NULL,
			recipient TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_messages_call ON call_messages (call_sid, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) StartCall(ctx context.Context, record CallRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO calls (id, call_sid, stream_sid, caller, callee, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (call_sid) DO NOTHING`,
		record.ID,
		record.CallSID,
		record.StreamSID,
		record.Caller,
		record.Callee,
		record.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("start call: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishCall(ctx context.Context, callSID string, endedAt time.Time, endReason string, interruptions int, micMode string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE calls SET ended_at=$2, end_reason=$3, interruptions=$4, final_mic_mode=$5 WHERE call_sid=$1`,
		callSID,
		endedAt,
		endReason,
		interruptions,
		micMode,
	)
	if err != nil {
		return fmt.Errorf("finish call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveInvocation(ctx context.Context, record InvocationRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_invocations (id, call_sid, invocation_id, name, status, detail, latency_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID,
		record.CallSID,
		record.InvocationID,
		record.Name,
		record.Status,
		record.Detail,
		record.LatencyMS,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save invocation: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTranscript(ctx context.Context, record TranscriptRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_transcripts (id, call_sid, role, content, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ID,
		record.CallSID,
		record.Role,
		record.Content,
		record.PIIRedacted,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveMessage(ctx context.Context, record MessageRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_messages (id, call_sid, recipient, body, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		record.ID,
		record.CallSID,
		record.To,
		record.Body,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, call_sid, stream_sid, caller, callee, started_at,
		        COALESCE(ended_at, 'epoch'::timestamptz), end_reason, interruptions, final_mic_mode
		 FROM calls ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	calls, err := scanCalls(rows)
	if err != nil {
		return nil, err
	}
	return calls, nil
}

func (s *PostgresStore) CallDetail(ctx context.Context, callSID string) (CallDetail, error) {
	var detail CallDetail

	rows, err := s.pool.Query(ctx,
		`SELECT id, call_sid, stream_sid, caller, callee, started_at,
		        COALESCE(ended_at, 'epoch'::timestamptz), end_reason, interruptions, final_mic_mode
		 FROM calls WHERE call_sid=$1`,
		callSID,
	)
	if err != nil {
		return detail, fmt.Errorf("query call: %w", err)
	}
	calls, err := scanCalls(rows)
	if err != nil {
		return detail, err
	}
	if len(calls) == 0 {
		return detail, ErrNotFound
	}
	detail.Call = calls[0]

	invRows, err := s.pool.Query(ctx,
		`SELECT id, call_sid, invocation_id, name, status, detail, latency_ms, created_at
		 FROM call_invocations WHERE call_sid=$1 ORDER BY created_at`,
		callSID,
	)
	if err != nil {
		return detail, fmt.Errorf("query invocations: %w", err)
	}
	defer invRows.Close()
	for invRows.Next() {
		var r InvocationRecord
		if err := invRows.Scan(&r.ID, &r.CallSID, &r.InvocationID, &r.Name, &r.Status, &r.Detail, &r.LatencyMS, &r.CreatedAt); err != nil {
			return detail, fmt.Errorf("scan invocation row: %w", err)
		}
		detail.Invocations = append(detail.Invocations, r)
	}
	if err := invRows.Err(); err != nil {
		return detail, fmt.Errorf("iterate invocation rows: %w", err)
	}

	trRows, err := s.pool.Query(ctx,
		`SELECT id, call_sid, role, content, pii_redacted, created_at
		 FROM call_transcripts WHERE call_sid=$1 ORDER BY created_at`,
		callSID,
	)
	if err != nil {
		return detail, fmt.Errorf("query transcript: %w", err)
	}
	defer trRows.Close()
	for trRows.Next() {
		var r TranscriptRecord
		if err := trRows.Scan(&r.ID, &r.CallSID, &r.Role, &r.Content, &r.PIIRedacted, &r.CreatedAt); err != nil {
			return detail, fmt.Errorf("scan transcript row: %w", err)
		}
		detail.Transcript = append(detail.Transcript, r)
	}
	if err := trRows.Err(); err != nil {
		return detail, fmt.Errorf("iterate transcript rows: %w", err)
	}

	msgRows, err := s.pool.Query(ctx,
		`SELECT id, call_sid, recipient, body, created_at
		 FROM call_messages WHERE call_sid=$1 ORDER BY created_at`,
		callSID,
	)
	if err != nil {
		return detail, fmt.Errorf("query messages: %w", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var r MessageRecord
		if err := msgRows.Scan(&r.ID, &r.CallSID, &r.To, &r.Body, &r.CreatedAt); err != nil {
			return detail, fmt.Errorf("scan message row: %w", err)
		}
		detail.Messages = append(detail.Messages, r)
	}
	if err := msgRows.Err(); err != nil {
		return detail, fmt.Errorf("iterate message rows: %w", err)
	}

	return detail, nil
}

func scanCalls(rows pgx.Rows) ([]CallRecord, error) {
	defer rows.Close()
	var calls []CallRecord
	for rows.Next() {
		var r CallRecord
		if err := rows.Scan(&r.ID, &r.CallSID, &r.StreamSID, &r.Caller, &r.Callee,
			&r.StartedAt, &r.EndedAt, &r.EndReason, &r.Interruptions, &r.FinalMicMode); err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		if r.EndedAt.Unix() == 0 {
			r.EndedAt = time.Time{}
		}
		calls = append(calls, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}
	return calls, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
