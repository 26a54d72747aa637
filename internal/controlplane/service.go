// Package controlplane provides the HTTP query surface and service layer for swarmq.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/swarmq/internal/audit"
	"github.com/fentz26/swarmq/internal/ledger"
	"github.com/fentz26/swarmq/internal/models"
	"github.com/fentz26/swarmq/internal/scheduler"
	"github.com/fentz26/swarmq/internal/signals"
	"github.com/fentz26/swarmq/internal/store"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// APIWorkerID is the worker id recorded on events written by the API.
const APIWorkerID = "api"

// Control is the HALT/PAUSE surface, satisfied by *signals.Watcher.
type Control interface {
	State() signals.State
	RequestHalt(reason string) error
	RequestPause(reason string) error
	Resume() error
	Clear() error
}

// TaskSpec is the submission form of a task, shared by the API and batch files.
type TaskSpec struct {
	ID            string                `json:"id,omitempty" yaml:"id,omitempty"`
	Instruction   string                `json:"instruction" yaml:"instruction"`
	Mode          models.Mode           `json:"mode,omitempty" yaml:"mode,omitempty"`
	DependsOn     []string              `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	BudgetMin     float64               `json:"budget_min,omitempty" yaml:"budget_min,omitempty"`
	BudgetMax     float64               `json:"budget_max" yaml:"budget_max"`
	ParallelSafe  bool                  `json:"parallel_safe,omitempty" yaml:"parallel_safe,omitempty"`
	ModelHint     string                `json:"model_hint,omitempty" yaml:"model_hint,omitempty"`
	IdentityID    string                `json:"identity_id,omitempty" yaml:"identity_id,omitempty"`
	Decomposition *models.Decomposition `json:"decomposition_hint,omitempty" yaml:"decomposition_hint,omitempty"`
}

// Task converts the spec into a task ready to enqueue. Mode defaults to local.
func (ts TaskSpec) Task() *models.Task {
	mode := ts.Mode
	if mode == "" {
		mode = models.ModeLocal
	}
	return &models.Task{
		ID:            ts.ID,
		Instruction:   ts.Instruction,
		Mode:          mode,
		DependsOn:     append([]string(nil), ts.DependsOn...),
		BudgetMin:     ts.BudgetMin,
		BudgetMax:     ts.BudgetMax,
		ParallelSafe:  ts.ParallelSafe,
		ModelHint:     ts.ModelHint,
		IdentityID:    ts.IdentityID,
		Decomposition: ts.Decomposition,
	}
}

// HealthResponse is the payload of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
	Halted  bool   `json:"halted"`
	Paused  bool   `json:"paused"`
}

// CountsResponse is the payload of GET /counts.
type CountsResponse struct {
	Counts models.Counts `json:"counts"`
	Total  int           `json:"total"`
	Active int           `json:"active"`
}

// LedgerResponse is the payload of GET /ledger.
type LedgerResponse struct {
	Identity string                `json:"identity,omitempty"`
	Balance  float64               `json:"balance"`
	Entries  []*models.RewardEntry `json:"entries"`
}

// ControlResponse is the payload of the /control endpoints.
type ControlResponse struct {
	signals.State
	Pool *scheduler.Stats `json:"pool,omitempty"`
}

// Service provides the control plane business logic.
type Service struct {
	store   *store.Store
	events  *audit.Log
	ledger  *ledger.Ledger
	control Control
	stats   func() scheduler.Stats
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a new control plane service. control may be nil when
// the process does not watch a signals directory.
func NewService(s *store.Store, events *audit.Log, l *ledger.Ledger, control Control, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   s,
		events:  events,
		ledger:  l,
		control: control,
		logger:  logger.With("component", "controlplane"),
		now:     time.Now,
	}
}

// WithStats attaches the in-process worker pool's statistics.
func (s *Service) WithStats(stats func() scheduler.Stats) *Service {
	s.stats = stats
	return s
}

// Health reports database reachability and the control state.
func (s *Service) Health(ctx context.Context) HealthResponse {
	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    s.now().UTC().Format(time.RFC3339),
	}
	if err := s.store.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
	}
	if s.control != nil {
		st := s.control.State()
		resp.Halted, resp.Paused = st.Halted, st.Paused
	}
	return resp
}

// CreateTasks enqueues specs as one atomic batch and records an event per task.
func (s *Service) CreateTasks(ctx context.Context, specs []TaskSpec) ([]*models.Task, error) {
	if len(specs) == 0 {
		return nil, ErrEmptyBatch
	}
	tasks := make([]*models.Task, len(specs))
	for i, spec := range specs {
		tasks[i] = spec.Task()
	}
	if err := s.store.EnqueueBatch(ctx, tasks); err != nil {
		return nil, err
	}

	for _, task := range tasks {
		meta := map[string]any{"mode": task.Mode, "budget_max": task.BudgetMax}
		if len(task.DependsOn) > 0 {
			meta["depends_on"] = task.DependsOn
		}
		if _, err := s.events.Record(ctx, task.ID, APIWorkerID, models.TaskStatusPending, "enqueued", meta, task.Instruction); err != nil {
			s.logger.Warn("failed to record enqueue event", "task", task.ID, "error", err)
		}
	}
	return tasks, nil
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.store.Get(ctx, id)
}

// ListTasks returns tasks, optionally filtered by status.
func (s *Service) ListTasks(ctx context.Context, status string) ([]*models.Task, error) {
	st := models.TaskStatus(status)
	if status != "" && !st.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.store.List(ctx, st)
}

// Events returns the history of an existing task.
func (s *Service) Events(ctx context.Context, id string) ([]*models.ExecutionEvent, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.events.Events(ctx, id)
}

// Tail returns events across all tasks after the given event id.
func (s *Service) Tail(ctx context.Context, afterID int64, limit int) ([]*models.ExecutionEvent, error) {
	return s.events.Tail(ctx, afterID, limit)
}

// Runs returns the execution attempts of an existing task.
func (s *Service) Runs(ctx context.Context, id string) ([]*models.Run, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetRunsForTask(ctx, id)
}

// Counts summarizes the queue by status.
func (s *Service) Counts(ctx context.Context) (*CountsResponse, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return &CountsResponse{Counts: counts, Total: counts.Total(), Active: counts.Active()}, nil
}

// Ledger lists grants, with the credited balance when identity is set.
func (s *Service) Ledger(ctx context.Context, identity string) (*LedgerResponse, error) {
	entries, err := s.ledger.Entries(ctx, identity)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*models.RewardEntry{}
	}
	resp := &LedgerResponse{Identity: identity, Entries: entries}
	if identity != "" {
		if resp.Balance, err = s.ledger.Balance(ctx, identity); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Control returns the current signal state and pool statistics.
func (s *Service) Control() (*ControlResponse, error) {
	if s.control == nil {
		return nil, ErrNoControl
	}
	resp := &ControlResponse{State: s.control.State()}
	if s.stats != nil {
		st := s.stats()
		resp.Pool = &st
	}
	return resp, nil
}

// Signal applies halt, pause, resume or clear. Resume lifts PAUSE only;
// clear also lifts HALT.
func (s *Service) Signal(action, reason string) (*ControlResponse, error) {
	if s.control == nil {
		return nil, ErrNoControl
	}
	var err error
	switch action {
	case "halt":
		err = s.control.RequestHalt(reason)
	case "pause":
		err = s.control.RequestPause(reason)
	case "resume":
		err = s.control.Resume()
	case "clear":
		err = s.control.Clear()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSignal, action)
	}
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", action, err)
	}
	s.logger.Info("control signal applied", "action", action, "reason", reason)
	return s.Control()
}
