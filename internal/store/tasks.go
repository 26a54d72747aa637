package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/swarmq/internal/models"
	"github.com/fentz26/swarmq/internal/resolver"
	"github.com/google/uuid"
)

const taskColumns = `id, instruction, mode, depends_on, budget_min, budget_max, parallel_safe, status,
	attempt_count, model_hint, decomposition, decomposed, parent_id, identity_id, feedback, output,
	spent, last_cost, claimed_by, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	var (
		task                 models.Task
		dependsOn            string
		decomposition        sql.NullString
		parallelSafe, decomp int
		createdAt, updatedAt int64
	)
	err := row.Scan(&task.ID, &task.Instruction, &task.Mode, &dependsOn, &task.BudgetMin, &task.BudgetMax,
		&parallelSafe, &task.Status, &task.AttemptCount, &task.ModelHint, &decomposition, &decomp,
		&task.ParentID, &task.IdentityID, &task.Feedback, &task.Output, &task.Spent, &task.LastCost,
		&task.ClaimedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dependsOn), &task.DependsOn); err != nil {
		return nil, fmt.Errorf("decode depends_on: %w", err)
	}
	if decomposition.Valid && decomposition.String != "" {
		task.Decomposition = &models.Decomposition{}
		if err := json.Unmarshal([]byte(decomposition.String), task.Decomposition); err != nil {
			return nil, fmt.Errorf("decode decomposition: %w", err)
		}
	}
	task.ParallelSafe = parallelSafe == 1
	task.Decomposed = decomp == 1
	task.CreatedAt = fromMillis(createdAt)
	task.UpdatedAt = fromMillis(updatedAt)
	return &task, nil
}

// Validate checks the fields a caller must supply before enqueueing.
func Validate(task *models.Task) error {
	if strings.TrimSpace(task.Instruction) == "" {
		return fmt.Errorf("%w: instruction is required", ErrInvalidTask)
	}
	if !task.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidTask, task.Mode)
	}
	if task.BudgetMin < 0 || task.BudgetMax < 0 {
		return fmt.Errorf("%w: budget must be non-negative", ErrInvalidTask)
	}
	if task.BudgetMin > task.BudgetMax {
		return fmt.Errorf("%w: budget_min %.4f exceeds budget_max %.4f", ErrInvalidTask, task.BudgetMin, task.BudgetMax)
	}
	for _, dep := range task.DependsOn {
		if dep == task.ID {
			return fmt.Errorf("%w: task %s depends on itself", ErrInvalidTask, task.ID)
		}
	}
	if d := task.Decomposition; d != nil && d.Strategy != models.StrategyStatic && d.Strategy != models.StrategyLines {
		return fmt.Errorf("%w: unknown decomposition strategy %q", ErrInvalidTask, d.Strategy)
	}
	return nil
}

// prepare fills defaults on a task about to be inserted.
func prepare(task *models.Task, now time.Time) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.DependsOn == nil {
		task.DependsOn = []string{}
	}
	task.Status = models.TaskStatusPending
	task.AttemptCount = 0
	task.Spent = 0
	task.LastCost = 0
	task.ClaimedBy = ""
	task.Decomposed = false
	task.CreatedAt = now
	task.UpdatedAt = now
}

func insertTask(ctx context.Context, tx *sql.Tx, task *models.Task, ignoreExisting bool) (bool, error) {
	dependsOn, err := json.Marshal(task.DependsOn)
	if err != nil {
		return false, fmt.Errorf("encode depends_on: %w", err)
	}
	var decomposition sql.NullString
	if task.Decomposition != nil {
		data, err := json.Marshal(task.Decomposition)
		if err != nil {
			return false, fmt.Errorf("encode decomposition: %w", err)
		}
		decomposition = sql.NullString{String: string(data), Valid: true}
	}

	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if ignoreExisting {
		query += ` ON CONFLICT(id) DO NOTHING`
	}
	res, err := tx.ExecContext(ctx, query,
		task.ID, task.Instruction, task.Mode, string(dependsOn), task.BudgetMin, task.BudgetMax,
		boolInt(task.ParallelSafe), task.Status, task.AttemptCount, task.ModelHint, decomposition,
		boolInt(task.Decomposed), task.ParentID, task.IdentityID, task.Feedback, task.Output,
		task.Spent, task.LastCost, task.ClaimedBy, toMillis(task.CreatedAt), toMillis(task.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return false, fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		return false, fmt.Errorf("insert task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

func existingIDs(ctx context.Context, tx *sql.Tx, ids []string) (map[string]models.TaskStatus, error) {
	found := make(map[string]models.TaskStatus, len(ids))
	for _, id := range ids {
		var status models.TaskStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("query dependency: %w", err)
		}
		found[id] = status
	}
	return found, nil
}

// Enqueue validates and inserts a new task in pending status.
func (s *Store) Enqueue(ctx context.Context, task *models.Task) error {
	return s.EnqueueBatch(ctx, []*models.Task{task})
}

// EnqueueBatch inserts a set of tasks atomically. Dependencies must point at
// tasks already stored or inside the batch, and the batch must be acyclic.
func (s *Store) EnqueueBatch(ctx context.Context, tasks []*models.Task) error {
	now := time.Now().UTC()
	batch := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		prepare(task, now)
		if err := Validate(task); err != nil {
			return err
		}
		if batch[task.ID] {
			return fmt.Errorf("%w: %s appears twice in batch", ErrDuplicateTask, task.ID)
		}
		batch[task.ID] = true
	}
	if err := resolver.CheckAcyclic(tasks); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var external []string
		for _, task := range tasks {
			for _, dep := range task.DependsOn {
				if !batch[dep] {
					external = append(external, dep)
				}
			}
		}
		found, err := existingIDs(ctx, tx, external)
		if err != nil {
			return err
		}
		for _, dep := range external {
			if _, ok := found[dep]; !ok {
				return fmt.Errorf("%w: unknown dependency %s", ErrInvalidTask, dep)
			}
		}
		for _, task := range tasks {
			if _, err := insertTask(ctx, tx, task, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// ChildID returns the deterministic id of the n-th child of a parent.
func ChildID(parentID string, n int) string {
	return fmt.Sprintf("%s.%d", parentID, n)
}

// EnqueueChildren inserts decomposition children and holds the parent
// pending on them, all in one transaction. The parent must be claimed.
// Children that already exist are left untouched, so a retried
// decomposition is idempotent. It reports false when the parent was not in
// claimed status.
func (s *Store) EnqueueChildren(ctx context.Context, parentID string, children []*models.Task) (bool, error) {
	now := time.Now().UTC()
	for _, child := range children {
		prepare(child, now)
		child.ParentID = parentID
		if err := Validate(child); err != nil {
			return false, err
		}
	}

	var moved bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		moved = false
		parent, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, parentID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("query parent: %w", err)
		}
		if parent.Status != models.TaskStatusClaimed {
			return nil
		}

		deps := append([]string{}, parent.DependsOn...)
		seen := make(map[string]bool, len(deps))
		for _, d := range deps {
			seen[d] = true
		}
		for _, child := range children {
			if _, err := insertTask(ctx, tx, child, true); err != nil {
				return err
			}
			if !seen[child.ID] {
				deps = append(deps, child.ID)
				seen[child.ID] = true
			}
		}
		encoded, err := json.Marshal(deps)
		if err != nil {
			return fmt.Errorf("encode depends_on: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET depends_on = ?, decomposed = 1, status = ?, claimed_by = '', updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(encoded), models.TaskStatusPending, toMillis(now), parentID, models.TaskStatusClaimed,
		)
		if err != nil {
			return fmt.Errorf("update parent: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		moved = n == 1
		return nil
	})
	return moved, err
}

// Get retrieves a task by ID. It returns nil, nil when the task does not exist.
func (s *Store) Get(ctx context.Context, id string) (*models.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// List returns all tasks, optionally filtered by status, oldest first.
func (s *Store) List(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return s.queryTasks(ctx, query, args...)
}

// Children returns the tasks produced by decomposing parentID.
func (s *Store) Children(ctx context.Context, parentID string) ([]*models.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY id ASC`, parentID)
}

// ListCandidates returns every non-terminal task that holds no live lock at
// now: claimable work plus work abandoned mid-lifecycle by a crashed worker.
func (s *Store) ListCandidates(ctx context.Context, now time.Time) ([]*models.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status NOT IN (?, ?)
		 AND NOT EXISTS (SELECT 1 FROM locks l WHERE l.task_id = tasks.id AND l.expires_at > ?)
		 ORDER BY created_at ASC, id ASC`,
		models.TaskStatusCompleted, models.TaskStatusFailed, toMillis(now),
	)
}

// ListEligible returns claimable, unlocked tasks whose dependencies have all completed.
func (s *Store) ListEligible(ctx context.Context, now time.Time) ([]*models.Task, error) {
	candidates, err := s.ListCandidates(ctx, now)
	if err != nil {
		return nil, err
	}
	statuses, err := s.Statuses(ctx)
	if err != nil {
		return nil, err
	}
	var eligible []*models.Task
	for _, task := range candidates {
		if task.Status.Claimable() && resolver.IsEligible(task, statuses).Eligible {
			eligible = append(eligible, task)
		}
	}
	return eligible, nil
}

// Statuses returns the status of every task keyed by id.
func (s *Store) Statuses(ctx context.Context) (map[string]models.TaskStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("query statuses: %w", err)
	}
	defer rows.Close()

	statuses := make(map[string]models.TaskStatus)
	for rows.Next() {
		var id string
		var status models.TaskStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		statuses[id] = status
	}
	return statuses, rows.Err()
}

// Counts returns the number of tasks per status. Every status is present.
func (s *Store) Counts(ctx context.Context) (models.Counts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query counts: %w", err)
	}
	defer rows.Close()

	counts := make(models.Counts, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status models.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type transition struct {
	sets []string
	args []any
}

// TransitionOption sets additional columns alongside a status change.
type TransitionOption func(*transition)

// WithFeedback attaches reviewer feedback for the next attempt.
func WithFeedback(feedback string) TransitionOption {
	return func(t *transition) {
		t.sets = append(t.sets, "feedback = ?")
		t.args = append(t.args, feedback)
	}
}

// WithOutput records the output of the reviewed attempt.
func WithOutput(output string) TransitionOption {
	return func(t *transition) {
		t.sets = append(t.sets, "output = ?")
		t.args = append(t.args, output)
	}
}

// WithCost adds a realized cost to the task's running total.
func WithCost(cost float64) TransitionOption {
	return func(t *transition) {
		t.sets = append(t.sets, "spent = spent + ?", "last_cost = ?")
		t.args = append(t.args, cost, cost)
	}
}

// WithAttempt increments attempt_count.
func WithAttempt() TransitionOption {
	return func(t *transition) {
		t.sets = append(t.sets, "attempt_count = attempt_count + 1")
	}
}

// WithClaimant records which worker holds the task. Empty clears it.
func WithClaimant(workerID string) TransitionOption {
	return func(t *transition) {
		t.sets = append(t.sets, "claimed_by = ?")
		t.args = append(t.args, workerID)
	}
}

// Transition moves a task from one status to another with optimistic
// concurrency. It returns false, nil when the stored status is not from,
// which callers treat as a conflict rather than an error.
func (s *Store) Transition(ctx context.Context, id string, from, to models.TaskStatus, opts ...TransitionOption) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	t := &transition{
		sets: []string{"status = ?", "updated_at = ?"},
		args: []any{to, toMillis(time.Now().UTC())},
	}
	for _, opt := range opts {
		opt(t)
	}
	query := `UPDATE tasks SET ` + strings.Join(t.sets, ", ") + ` WHERE id = ? AND status = ?`
	args := append(t.args, id, from)

	var changed bool
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		changed = n == 1
		return nil
	})
	if err != nil || changed {
		return changed, err
	}

	task, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, ErrNotFound
	}
	return false, nil
}
