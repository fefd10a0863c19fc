package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"towerline/internal/domain"
)

// Logger appends audit rows inside the caller's transaction so a state
// change and its log entry commit or roll back together.
type Logger struct {
	DB  *sql.DB
	Now func() time.Time
}

// Entry is the write-side shape of an audit row.
type Entry struct {
	Actor      domain.Actor
	Action     string
	EntityKind string
	EntityID   string
	Before     any
	After      any
	Note       string
	TraceID    string
}

func (l Logger) now() string {
	if l.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return l.Now().UTC().Format(time.RFC3339)
}

// Append writes one audit row. before/after snapshots are marshaled to JSON;
// nil snapshots store NULL.
func (l Logger) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	before, err := marshalSnapshot(e.Before)
	if err != nil {
		return fmt.Errorf("marshal audit before: %w", err)
	}
	after, err := marshalSnapshot(e.After)
	if err != nil {
		return fmt.Errorf("marshal audit after: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_log(ts,actor_kind,actor_id,action,entity_kind,entity_id,before_json,after_json,note,trace_id) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.now(), e.Actor.Kind, e.Actor.ID, e.Action, e.EntityKind, e.EntityID, before, after, nullable(e.Note), nullable(e.TraceID))
	return err
}

// StatusChange appends a status_changed row with before/after status values.
func (l Logger) StatusChange(ctx context.Context, tx *sql.Tx, actor domain.Actor, entityKind, entityID, from, to, traceID string) error {
	return l.Append(ctx, tx, Entry{
		Actor:      actor,
		Action:     domain.ActionStatusChanged,
		EntityKind: entityKind,
		EntityID:   entityID,
		Before:     map[string]string{"status": from},
		After:      map[string]string{"status": to},
		TraceID:    traceID,
	})
}

func marshalSnapshot(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

const selectCols = `id,ts,actor_kind,actor_id,action,entity_kind,entity_id,before_json,after_json,COALESCE(note,''),trace_id`

func scanEntries(rows *sql.Rows) ([]domain.AuditEntry, error) {
	defer rows.Close()
	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.ActorKind, &e.ActorID, &e.Action, &e.EntityKind, &e.EntityID, &e.Before, &e.After, &e.Note, &e.TraceID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ByEntity returns the audit trail for one entity, oldest first.
func (l Logger) ByEntity(ctx context.Context, entityKind, entityID string) ([]domain.AuditEntry, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT `+selectCols+` FROM audit_log WHERE entity_kind=? AND entity_id=? ORDER BY id ASC`, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// ByTrace returns every audit row sharing a trace id, oldest first. This is
// the full history of one intake request across all entities it touched.
func (l Logger) ByTrace(ctx context.Context, traceID string) ([]domain.AuditEntry, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT `+selectCols+` FROM audit_log WHERE trace_id=? ORDER BY id ASC`, traceID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// ByActor returns rows recorded for one actor, newest first.
func (l Logger) ByActor(ctx context.Context, actorID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT `+selectCols+` FROM audit_log WHERE actor_id=? ORDER BY id DESC LIMIT ?`, actorID, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// ByAction returns rows for one action type, newest first.
func (l Logger) ByAction(ctx context.Context, action string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT `+selectCols+` FROM audit_log WHERE action=? ORDER BY id DESC LIMIT ?`, action, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// Recent returns the newest rows, optionally filtered by entity kind.
func (l Logger) Recent(ctx context.Context, entityKind string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if entityKind != "" {
		rows, err := l.DB.QueryContext(ctx, `SELECT `+selectCols+` FROM audit_log WHERE entity_kind=? ORDER BY id DESC LIMIT ?`, entityKind, limit)
		if err != nil {
			return nil, err
		}
		return scanEntries(rows)
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT `+selectCols+` FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}
