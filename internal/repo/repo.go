package repo

import (
	"context"
	"database/sql"
	"errors"

	"crewline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// InsertHistory persists one terminal record inside tx.
func (r Repo) InsertHistory(ctx context.Context, tx *sql.Tx, rec domain.HistoryRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO history(unit_id,repository,kind,status,worker_count,lead_role,strategy,success,timed_out,summary,started_at,completed_at,duration_seconds)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.UnitID, rec.Repository, string(rec.Kind), string(rec.Status), rec.WorkerCount, string(rec.LeadRole), string(rec.Strategy),
		boolInt(rec.Outcome.Success), boolInt(rec.Outcome.TimedOut), nullable(rec.Outcome.Summary), rec.StartedAt, rec.CompletedAt, rec.DurationSeconds)
	return err
}

// GetHistory returns one terminal record by unit id.
func (r Repo) GetHistory(ctx context.Context, unitID string) (domain.HistoryRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT unit_id,repository,kind,status,worker_count,lead_role,strategy,success,timed_out,COALESCE(summary,''),started_at,completed_at,duration_seconds
		FROM history WHERE unit_id=?`, unitID)
	return scanHistory(row)
}

// ListHistory returns terminal records, newest first.
func (r Repo) ListHistory(ctx context.Context, limit int) ([]domain.HistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT unit_id,repository,kind,status,worker_count,lead_role,strategy,success,timed_out,COALESCE(summary,''),started_at,completed_at,duration_seconds
		FROM history ORDER BY completed_at DESC, unit_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.HistoryRecord
	for rows.Next() {
		var rec domain.HistoryRecord
		var success, timedOut int
		var kind, status, leadRole, strategy string
		if err := rows.Scan(&rec.UnitID, &rec.Repository, &kind, &status, &rec.WorkerCount, &leadRole, &strategy,
			&success, &timedOut, &rec.Outcome.Summary, &rec.StartedAt, &rec.CompletedAt, &rec.DurationSeconds); err != nil {
			return nil, err
		}
		rec.Kind = domain.TriggerKind(kind)
		rec.Status = domain.UnitStatus(status)
		rec.LeadRole = domain.Role(leadRole)
		rec.Strategy = domain.Strategy(strategy)
		rec.Outcome.Success = success == 1
		rec.Outcome.TimedOut = timedOut == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanHistory(row *sql.Row) (domain.HistoryRecord, error) {
	var rec domain.HistoryRecord
	var success, timedOut int
	var kind, status, leadRole, strategy string
	err := row.Scan(&rec.UnitID, &rec.Repository, &kind, &status, &rec.WorkerCount, &leadRole, &strategy,
		&success, &timedOut, &rec.Outcome.Summary, &rec.StartedAt, &rec.CompletedAt, &rec.DurationSeconds)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Kind = domain.TriggerKind(kind)
	rec.Status = domain.UnitStatus(status)
	rec.LeadRole = domain.Role(leadRole)
	rec.Strategy = domain.Strategy(strategy)
	rec.Outcome.Success = success == 1
	rec.Outcome.TimedOut = timedOut == 1
	return rec, nil
}

// SeenDelivery reports whether a delivery id was already processed.
func (r Repo) SeenDelivery(ctx context.Context, deliveryID string) (bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT 1 FROM deliveries WHERE delivery_id=? LIMIT 1`, deliveryID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), nil
}

// RecordDelivery remembers a processed delivery id for idempotency.
func (r Repo) RecordDelivery(ctx context.Context, deliveryID, eventKind, receivedAt, unitID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO deliveries(delivery_id,event_kind,received_at,unit_id) VALUES (?,?,?,?)`,
		deliveryID, eventKind, receivedAt, nullable(unitID))
	return err
}

// EventsAfter returns up to limit audit events with id greater than cursor.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(repository,''),COALESCE(unit_id,''),payload_json
		FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Repository, &e.UnitID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEventID returns the highest audit event id, 0 when empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// ListEvents returns the newest audit events, most recent first.
func (r Repo) ListEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(repository,''),COALESCE(unit_id,''),payload_json
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Repository, &e.UnitID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
