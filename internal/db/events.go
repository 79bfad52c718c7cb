package db

import (
	"context"
	"fmt"
	"time"
)

// Event kinds stored in the journal.
const (
	KindSafety     = "safety"
	KindConnection = "connection"
)

// DefaultEventsLimit is used when Events is called with a non-positive limit.
// Larger limits are capped at MaxEventsLimit.
const (
	DefaultEventsLimit = 100
	MaxEventsLimit     = 1000
)

// SafetyEvent is one journal row.
type SafetyEvent struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordEvent inserts e and sets its ID.
func (db *DB) RecordEvent(ctx context.Context, e *SafetyEvent) error {
	if e.Kind == "" {
		return fmt.Errorf("record event: kind is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO safety_events (kind, from_state, to_state, detail, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.Kind, e.FromState, e.ToState, e.Detail, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	e.ID = id
	return nil
}

// Events returns up to limit journal rows, newest first.
func (db *DB) Events(ctx context.Context, limit int) ([]SafetyEvent, error) {
	if limit <= 0 {
		limit = DefaultEventsLimit
	}
	if limit > MaxEventsLimit {
		limit = MaxEventsLimit
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, kind, from_state, to_state, detail, created_at
		 FROM safety_events
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]SafetyEvent, 0, limit)
	for rows.Next() {
		var (
			e         SafetyEvent
			createdMs int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.FromState, &e.ToState, &e.Detail, &createdMs); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdMs).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
