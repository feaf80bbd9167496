package exitlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tickmux/exit-engine/internal/msg"
)

// Store is the durable record of acknowledged exits. triggered_orders is
// keyed by order id, which is what makes exits at-most-once: a second
// trigger for the same order is a no-op. outbox_events carries the
// acknowledged commands until they are published to the event log.
type Store struct {
	db *sql.DB
}

// OutboxEvent represents an exit command waiting to be published
type OutboxEvent struct {
	ID                  int64
	OrderID             string
	EventID             string
	Topic               string
	Key                 string
	PayloadJSON         string
	CreatedUnixMillis   int64
	PublishedUnixMillis sql.NullInt64
}

// Open creates or opens the exit log store
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS triggered_orders (
			order_id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			trigger_reason TEXT NOT NULL,
			trigger_price REAL NOT NULL,
			triggered_unix_millis INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			event_id TEXT NOT NULL UNIQUE,
			topic TEXT NOT NULL,
			key TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_unix_millis INTEGER NOT NULL,
			published_unix_millis INTEGER NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
			ON outbox_events(published_unix_millis)
			WHERE published_unix_millis IS NULL`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return nil
}

// RecordTrigger records an acknowledged exit atomically: the trigger row
// and its outbox event commit together. Returns false without writing when
// the order has already triggered.
func (s *Store) RecordTrigger(ctx context.Context, cmd msg.ExitCmdMsg) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		"SELECT event_id FROM triggered_orders WHERE order_id = ?",
		cmd.OrderID,
	).Scan(&existing)
	if err == nil {
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to check existing trigger: %w", err)
	}

	now := time.Now().UnixMilli()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO triggered_orders (order_id, event_id, trigger_reason, trigger_price, triggered_unix_millis)
		 VALUES (?, ?, ?, ?, ?)`,
		cmd.OrderID, cmd.EventID, cmd.TriggerReason, cmd.TriggerPrice, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert trigger record: %w", err)
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return false, fmt.Errorf("failed to marshal exit command: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox_events (order_id, event_id, topic, key, payload_json, created_unix_millis, published_unix_millis)
		 VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		cmd.OrderID, cmd.EventID, msg.TopicExitCommands, cmd.UserID, string(payload), now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert outbox event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return true, nil
}

// HasTriggered reports whether an exit was already recorded for the order.
func (s *Store) HasTriggered(ctx context.Context, orderID string) (bool, error) {
	var existing string
	err := s.db.QueryRowContext(ctx,
		"SELECT event_id FROM triggered_orders WHERE order_id = ?",
		orderID,
	).Scan(&existing)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query trigger record: %w", err)
	}
	return true, nil
}

// ListUnpublished returns unpublished outbox events
func (s *Store) ListUnpublished(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, event_id, topic, key, payload_json, created_unix_millis, published_unix_millis
		 FROM outbox_events
		 WHERE published_unix_millis IS NULL
		 ORDER BY created_unix_millis ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		err := rows.Scan(
			&e.ID, &e.OrderID, &e.EventID, &e.Topic, &e.Key,
			&e.PayloadJSON, &e.CreatedUnixMillis, &e.PublishedUnixMillis,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// MarkPublished marks an event as published
func (s *Store) MarkPublished(ctx context.Context, eventID string, nowMillis int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox_events SET published_unix_millis = ? WHERE event_id = ?",
		nowMillis, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event as published: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
