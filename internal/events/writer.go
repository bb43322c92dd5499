// Package events is the append-only audit log. Every transition and external
// call outcome is written here with personal data already scrubbed.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"signoff/internal/redact"
)

type Writer struct {
	DB       *sql.DB
	Now      func() time.Time
	Redactor *redact.Redactor
}

type EventPayload map[string]any

// identifierKeys name payload fields holding opaque ids and digests. They are
// stored verbatim; a long digit run inside a hash is not a phone number.
var identifierKeys = map[string]bool{
	"operation_hash":   true,
	"plan_id":          true,
	"plans":            true,
	"external_id":      true,
	"intake_id":        true,
	"source_intake_id": true,
	"run_id":           true,
	"key":              true,
}

func (w Writer) scrub(payload EventPayload) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if identifierKeys[k] {
			out[k] = v
			continue
		}
		out[k] = w.Redactor.Value(v)
	}
	return out
}

// Append inserts one event inside tx. String values in payload are redacted
// unless their key names an identifier.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if w.Redactor == nil {
		w.Redactor = redact.Default()
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(w.scrub(payload))
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

// AppendOne writes a single event in its own transaction.
func (w Writer) AppendOne(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
