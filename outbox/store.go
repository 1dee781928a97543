// Package outbox implements the transactional outbox: writers enqueue messages
// inside their own transaction, and the Relay publishes them afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusDead    Status = "dead"
)

// Message is a row of the outbox table.
type Message struct {
	ID        int64
	Topic     string
	Key       string
	Payload   []byte
	Status    Status
	Attempts  int
	LastError *string
	CreatedAt time.Time
}

// Store is the outbox persistence used by writers and the relay. Every method
// runs on the caller's transaction.
type Store interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic, key string, payload map[string]any) error
	ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkSent(ctx context.Context, tx pgx.Tx, id int64) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id int64, attempts int, lastErr string, dead bool) error
}

// PGStore is the PostgreSQL outbox.
type PGStore struct{}

func NewPGStore() *PGStore {
	return &PGStore{}
}

// Enqueue inserts a pending message.
func (s *PGStore) Enqueue(ctx context.Context, tx pgx.Tx, topic, key string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, message_key, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, key, b); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// ClaimPending locks up to limit pending messages, skipping rows another relay holds.
func (s *PGStore) ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const q = `
		SELECT id, topic, message_key, payload, status, attempts, last_error, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim pending: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Key, &m.Payload, &m.Status, &m.Attempts, &m.LastError, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate messages: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkSent(ctx context.Context, tx pgx.Tx, id int64) error {
	const q = `UPDATE outbox SET status = 'sent', sent_at = now(), attempts = attempts + 1, last_error = NULL WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("outbox: mark sent: %w", err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, tx pgx.Tx, id int64, attempts int, lastErr string, dead bool) error {
	status := StatusPending
	if dead {
		status = StatusDead
	}
	const q = `UPDATE outbox SET status = $2, attempts = $3, last_error = $4 WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id, status, attempts, lastErr); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
