package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fentz26/swarmq/internal/models"
)

// AppendEvent inserts an execution event and sets its id.
func (s *Store) AppendEvent(ctx context.Context, ev *models.ExecutionEvent) error {
	var meta sql.NullString
	if len(ev.Meta) > 0 {
		data, err := json.Marshal(ev.Meta)
		if err != nil {
			return fmt.Errorf("encode event meta: %w", err)
		}
		meta = sql.NullString{String: string(data), Valid: true}
	}
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO events (timestamp, task_id, worker_id, status, detail, meta, inputs_hash) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			toMillis(ev.Timestamp), ev.TaskID, ev.WorkerID, ev.Status, ev.Detail, meta, ev.InputsHash,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		ev.ID, err = res.LastInsertId()
		return err
	})
}

// ListEvents returns the events for a task in append order. An empty taskID
// returns events for all tasks with id greater than afterID, up to limit.
func (s *Store) ListEvents(ctx context.Context, taskID string, afterID int64, limit int) ([]*models.ExecutionEvent, error) {
	query := `SELECT id, timestamp, task_id, worker_id, status, detail, meta, inputs_hash FROM events WHERE id > ?`
	args := []any{afterID}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*models.ExecutionEvent
	for rows.Next() {
		var ev models.ExecutionEvent
		var ts int64
		var meta sql.NullString
		if err := rows.Scan(&ev.ID, &ts, &ev.TaskID, &ev.WorkerID, &ev.Status, &ev.Detail, &meta, &ev.InputsHash); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Timestamp = fromMillis(ts)
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &ev.Meta); err != nil {
				return nil, fmt.Errorf("decode event meta: %w", err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
