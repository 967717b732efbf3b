// Package auditlog appends tamper-evident run transition events to the
// shared postgres database.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const createTableQuery = `CREATE TABLE IF NOT EXISTS provision_audit_events (
	event_id BIGSERIAL PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	run_id TEXT NOT NULL,
	step_id TEXT,
	payload JSONB NOT NULL,
	integrity_sha256 TEXT NOT NULL
)`

const insertEventQuery = `INSERT INTO provision_audit_events (
	occurred_at,
	actor,
	action,
	run_id,
	step_id,
	payload,
	integrity_sha256
) VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING event_id`

type Event struct {
	OccurredAt time.Time
	Actor      string
	Action     string
	RunID      string
	StepID     string
	Payload    any
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("Actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("Action is required")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("RunID is required")
	}
	return nil
}

func Migrate(ctx context.Context, db Execer) error {
	if db == nil {
		return errors.New("execer is required")
	}
	if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
		return fmt.Errorf("create audit table: %w", err)
	}
	return nil
}

func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return 0, err
	}

	var stepID sql.NullString
	if s := strings.TrimSpace(event.StepID); s != "" {
		stepID = sql.NullString{String: s, Valid: true}
	}

	var id int64
	err = q.QueryRowContext(
		ctx,
		insertEventQuery,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.Actor),
		strings.TrimSpace(event.Action),
		strings.TrimSpace(event.RunID),
		stepID,
		payloadJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return id, nil
}

func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt time.Time       `json:"occurred_at"`
		Actor      string          `json:"actor"`
		Action     string          `json:"action"`
		RunID      string          `json:"run_id"`
		StepID     string          `json:"step_id,omitempty"`
		Payload    json.RawMessage `json:"payload"`
	}
	in := integrityInput{
		OccurredAt: event.OccurredAt.UTC(),
		Actor:      strings.TrimSpace(event.Actor),
		Action:     strings.TrimSpace(event.Action),
		RunID:      strings.TrimSpace(event.RunID),
		StepID:     strings.TrimSpace(event.StepID),
		Payload:    payloadJSON,
	}
	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// Recorder adapts Insert to the orchestrator's audit sink.
type Recorder struct {
	DB    QueryRower
	Actor string
	Now   func() time.Time
}

func (r Recorder) Record(ctx context.Context, action, runID, stepID string, payload map[string]any) error {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	_, err := Insert(ctx, r.DB, Event{
		OccurredAt: now().UTC(),
		Actor:      r.Actor,
		Action:     action,
		RunID:      runID,
		StepID:     stepID,
		Payload:    payload,
	})
	return err
}
