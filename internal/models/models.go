// Package models defines the core domain types for swarmq.
package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending       TaskStatus = "pending"
	TaskStatusClaimed       TaskStatus = "claimed"
	TaskStatusInProgress    TaskStatus = "in_progress"
	TaskStatusPendingReview TaskStatus = "pending_review"
	TaskStatusApproved      TaskStatus = "approved"
	TaskStatusRequeue       TaskStatus = "requeue"
	TaskStatusCompleted     TaskStatus = "completed"
	TaskStatusFailed        TaskStatus = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusClaimed,
	TaskStatusInProgress,
	TaskStatusPendingReview,
	TaskStatusApproved,
	TaskStatusRequeue,
	TaskStatusCompleted,
	TaskStatusFailed,
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusClaimed: {},
		TaskStatusFailed:  {},
	},
	TaskStatusRequeue: {
		TaskStatusClaimed: {},
		TaskStatusFailed:  {},
	},
	TaskStatusClaimed: {
		TaskStatusInProgress: {},
		TaskStatusPending:    {},
	},
	TaskStatusInProgress: {
		TaskStatusPendingReview: {},
		TaskStatusRequeue:       {},
	},
	TaskStatusPendingReview: {
		TaskStatusApproved: {},
		TaskStatusRequeue:  {},
		TaskStatusFailed:   {},
	},
	TaskStatusApproved: {
		TaskStatusCompleted: {},
	},
	TaskStatusCompleted: {},
	TaskStatusFailed:    {},
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Terminal reports whether s is a final, immutable status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Claimable reports whether a task in status s may be claimed by a worker.
func (s TaskStatus) Claimable() bool {
	return s == TaskStatusPending || s == TaskStatusRequeue
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Mode selects the execution backend family for a task.
type Mode string

const (
	ModeRemote Mode = "remote"
	ModeLocal  Mode = "local"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeRemote || m == ModeLocal
}

// Decomposition strategies understood by the decomposer.
const (
	StrategyStatic = "static"
	StrategyLines  = "lines"
)

// ChildSpec describes one child task produced by decomposition.
type ChildSpec struct {
	Instruction string  `json:"instruction" yaml:"instruction"`
	Mode        Mode    `json:"mode,omitempty" yaml:"mode,omitempty"`
	BudgetMax   float64 `json:"budget_max,omitempty" yaml:"budget_max,omitempty"`
	// DependsOn holds indexes of sibling children this child waits for.
	DependsOn []int `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Decomposition is an optional hint that splits a task into children.
type Decomposition struct {
	Strategy   string      `json:"strategy" yaml:"strategy"`
	Children   []ChildSpec `json:"children,omitempty" yaml:"children,omitempty"`
	Sequential bool        `json:"sequential,omitempty" yaml:"sequential,omitempty"`
}

// Task represents a unit of work in the queue.
type Task struct {
	ID            string         `json:"id"`
	Instruction   string         `json:"instruction"`
	Mode          Mode           `json:"mode"`
	DependsOn     []string       `json:"depends_on"`
	BudgetMin     float64        `json:"budget_min"`
	BudgetMax     float64        `json:"budget_max"`
	ParallelSafe  bool           `json:"parallel_safe"`
	Status        TaskStatus     `json:"status"`
	AttemptCount  int            `json:"attempt_count"`
	ModelHint     string         `json:"model_hint,omitempty"`
	Decomposition *Decomposition `json:"decomposition_hint,omitempty"`
	Decomposed    bool           `json:"decomposed,omitempty"`
	ParentID      string         `json:"parent_id,omitempty"`
	IdentityID    string         `json:"identity_id,omitempty"`
	Feedback      string         `json:"feedback,omitempty"`
	Output        string         `json:"output,omitempty"`
	Spent         float64        `json:"spent"`
	LastCost      float64        `json:"last_cost"`
	ClaimedBy     string         `json:"claimed_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// RemainingBudget returns how much of budget_max is still unspent.
func (t *Task) RemainingBudget() float64 {
	return t.BudgetMax - t.Spent
}

// NeedsDecomposition reports whether the task carries a hint that has not been applied yet.
func (t *Task) NeedsDecomposition() bool {
	return t.Decomposition != nil && !t.Decomposed
}

// Lock represents an exclusive, TTL-bounded claim on a task.
type Lock struct {
	TaskID     string        `json:"task_id"`
	OwnerID    string        `json:"owner_id"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

// Expired reports whether the lock is reclaimable at now.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// ExecutionEvent is one immutable record of a lifecycle transition.
type ExecutionEvent struct {
	ID         int64          `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	TaskID     string         `json:"task_id"`
	WorkerID   string         `json:"worker_id"`
	Status     TaskStatus     `json:"status"`
	Detail     string         `json:"detail,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	InputsHash string         `json:"inputs_hash,omitempty"`
}

// RewardEntry is one idempotent grant for approved work.
type RewardEntry struct {
	TaskID     string    `json:"task_id"`
	IdentityID string    `json:"identity_id"`
	Amount     float64   `json:"amount"`
	GrantedAt  time.Time `json:"granted_at"`
	Credited   bool      `json:"credited"`
}

// Run represents an execution attempt of a task.
type Run struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	WorkerID  string    `json:"worker_id"`
	Attempt   int       `json:"attempt"`
	Backend   string    `json:"backend"`
	Route     string    `json:"route,omitempty"`
	Output    string    `json:"output,omitempty"`
	Cost      float64   `json:"cost"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Verdict is the quality gate's judgement on an execution output.
type Verdict string

const (
	VerdictApprove     Verdict = "APPROVE"
	VerdictMinorIssues Verdict = "MINOR_ISSUES"
	VerdictReject      Verdict = "REJECT"
)

// Counts summarizes the queue by status.
type Counts map[TaskStatus]int

// Total returns the number of tasks across all statuses.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Active returns tasks currently held by a worker.
func (c Counts) Active() int {
	return c[TaskStatusClaimed] + c[TaskStatusInProgress] + c[TaskStatusPendingReview] + c[TaskStatusApproved]
}
