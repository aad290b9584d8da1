package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit events to the database. Appends participate in the
// caller's transaction when one is given.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, repository, unitID string, payload EventPayload) error {
	data, ts, err := w.encode(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,repository,unit_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(repository), nullable(unitID), data)
	return err
}

// AppendDirect writes one audit event outside any transaction.
func (w Writer) AppendDirect(ctx context.Context, evtType, repository, unitID string, payload EventPayload) error {
	data, ts, err := w.encode(payload)
	if err != nil {
		return err
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,repository,unit_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(repository), nullable(unitID), data)
	return err
}

func (w Writer) encode(payload EventPayload) (string, string, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(data), now().UTC().Format(time.RFC3339), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
