package store

import (
	"context"
	"fmt"

	"github.com/fentz26/swarmq/internal/models"
	"github.com/google/uuid"
)

// CreateRun records one finished execution attempt.
func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO runs (id, task_id, worker_id, attempt, backend, route, output, cost, error, started_at, ended_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.TaskID, run.WorkerID, run.Attempt, run.Backend, run.Route, run.Output, run.Cost,
			run.Error, toMillis(run.StartedAt), toMillis(run.EndedAt),
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

// GetRunsForTask returns all runs for a task, oldest first.
func (s *Store) GetRunsForTask(ctx context.Context, taskID string) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, worker_id, attempt, backend, route, output, cost, error, started_at, ended_at
		 FROM runs WHERE task_id = ? ORDER BY started_at ASC, attempt ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		var run models.Run
		var startedAt, endedAt int64
		if err := rows.Scan(&run.ID, &run.TaskID, &run.WorkerID, &run.Attempt, &run.Backend, &run.Route,
			&run.Output, &run.Cost, &run.Error, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = fromMillis(startedAt)
		run.EndedAt = fromMillis(endedAt)
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
