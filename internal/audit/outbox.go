package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// OutboxKind distinguishes the upstream reports the control-plane link
// drains from the durable outbox (spec.md §4.5 "Outcome shipping").
type OutboxKind string

const (
	OutboxKindOutcome OutboxKind = "outcome"
	OutboxKindTrade   OutboxKind = "trade"
	OutboxKindAlert   OutboxKind = "alert"
	OutboxKindError   OutboxKind = "error"
)

// OutboxEntry is a single unacknowledged upstream report.
type OutboxEntry struct {
	ID        string
	CommandID string
	Kind      OutboxKind
	Body      json.RawMessage
	CreatedAt time.Time
}

// Enqueue persists a new outbox entry. It survives restart until Ack
// removes it (spec.md §4.5: "An outcome is removed from the queue only on
// HTTP 2xx with a matching server-assigned ack id").
func (s *Store) Enqueue(ctx context.Context, id, commandID string, kind OutboxKind, body interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("audit: marshal outbox body: %w", err)
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO outbox (id, command_id, kind, body, created_at, acked) VALUES (?, ?, ?, ?, ?, 0)`,
		id, commandID, string(kind), string(encoded), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit: enqueue outbox entry: %w", err)
	}
	return nil
}

// Pending returns unacknowledged outbox entries in FIFO order, rebuilt
// from disk on startup per spec.md §4.7.
func (s *Store) Pending(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, command_id, kind, body, created_at FROM outbox WHERE acked = 0 ORDER BY created_at ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query pending outbox: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var kind, createdAt, body string
		if err := rows.Scan(&e.ID, &e.CommandID, &kind, &body, &createdAt); err != nil {
			return nil, fmt.Errorf("audit: scan outbox entry: %w", err)
		}
		e.Kind = OutboxKind(kind)
		e.Body = json.RawMessage(body)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ack marks an outbox entry acknowledged. Idempotent: acking an unknown or
// already-acked id is not an error, matching spec.md's requirement that
// duplicate acks from the server never cause a failure.
func (s *Store) Ack(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `UPDATE outbox SET acked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("audit: ack outbox entry: %w", err)
	}
	return nil
}

// MarkProcessed records a command id as durably seen, backing the
// dedup window's persisted half (spec.md §4.1 intake step (c): "or if
// persisted in the audit log as previously processed").
func (s *Store) MarkProcessed(ctx context.Context, commandID string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_commands (id, seen_at) VALUES (?, ?)`,
		commandID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit: mark processed: %w", err)
	}
	return nil
}

// WasProcessed reports whether commandID has already been durably recorded
// as seen.
func (s *Store) WasProcessed(ctx context.Context, commandID string) (bool, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(1) FROM processed_commands WHERE id = ?`, commandID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("audit: was processed: %w", err)
	}
	return count > 0, nil
}
