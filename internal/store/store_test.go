package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/swarmq/internal/models"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestEnqueueAndGet(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	task := &models.Task{
		ID:          "A",
		Instruction: "echo hello",
		Mode:        models.ModeLocal,
		BudgetMin:   0.1,
		BudgetMax:   1.0,
		ModelHint:   "small",
		Decomposition: &models.Decomposition{
			Strategy: models.StrategyLines,
		},
	}
	if err := s.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, err := s.Get(ctx, "A")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected task to exist")
	}
	if got.Status != models.TaskStatusPending {
		t.Errorf("Expected status pending, got %s", got.Status)
	}
	if got.Instruction != "echo hello" {
		t.Errorf("Expected instruction 'echo hello', got %s", got.Instruction)
	}
	if got.BudgetMax != 1.0 || got.BudgetMin != 0.1 {
		t.Errorf("Expected budget 0.1..1.0, got %v..%v", got.BudgetMin, got.BudgetMax)
	}
	if got.Decomposition == nil || got.Decomposition.Strategy != models.StrategyLines {
		t.Errorf("Expected lines decomposition hint, got %+v", got.Decomposition)
	}
	if len(got.DependsOn) != 0 {
		t.Errorf("Expected no dependencies, got %v", got.DependsOn)
	}

	missing, err := s.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("Get missing failed: %v", err)
	}
	if missing != nil {
		t.Error("Expected nil for missing task")
	}
}

func TestEnqueueValidation(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.Enqueue(ctx, &models.Task{ID: "base", Instruction: "x", Mode: models.ModeLocal}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	tests := []struct {
		name string
		task *models.Task
		want error
	}{
		{"empty instruction", &models.Task{ID: "t1", Mode: models.ModeLocal}, ErrInvalidTask},
		{"bad mode", &models.Task{ID: "t2", Instruction: "x", Mode: "gpu"}, ErrInvalidTask},
		{"negative budget", &models.Task{ID: "t3", Instruction: "x", Mode: models.ModeLocal, BudgetMax: -1}, ErrInvalidTask},
		{"min above max", &models.Task{ID: "t4", Instruction: "x", Mode: models.ModeLocal, BudgetMin: 2, BudgetMax: 1}, ErrInvalidTask},
		{"unknown dependency", &models.Task{ID: "t5", Instruction: "x", Mode: models.ModeLocal, DependsOn: []string{"ghost"}}, ErrInvalidTask},
		{"self dependency", &models.Task{ID: "t6", Instruction: "x", Mode: models.ModeLocal, DependsOn: []string{"t6"}}, ErrInvalidTask},
		{"duplicate id", &models.Task{ID: "base", Instruction: "x", Mode: models.ModeLocal}, ErrDuplicateTask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Enqueue(ctx, tt.task)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestEnqueueBatchRejectsCycle(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	batch := []*models.Task{
		{ID: "a", Instruction: "x", Mode: models.ModeLocal, DependsOn: []string{"c"}},
		{ID: "b", Instruction: "x", Mode: models.ModeLocal, DependsOn: []string{"a"}},
		{ID: "c", Instruction: "x", Mode: models.ModeLocal, DependsOn: []string{"b"}},
	}
	if err := s.EnqueueBatch(ctx, batch); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("Expected ErrInvalidTask for cycle, got %v", err)
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts.Total() != 0 {
		t.Errorf("Expected no tasks after rejected batch, got %d", counts.Total())
	}
}

func TestEnqueueBatchInBatchDependencies(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	batch := []*models.Task{
		{ID: "b", Instruction: "x", Mode: models.ModeLocal, DependsOn: []string{"a"}},
		{ID: "a", Instruction: "x", Mode: models.ModeLocal},
	}
	if err := s.EnqueueBatch(ctx, batch); err != nil {
		t.Fatalf("EnqueueBatch failed: %v", err)
	}
	tasks, err := s.List(ctx, models.TaskStatusPending)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("Expected 2 pending tasks, got %d", len(tasks))
	}
}

func TestTransition(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	mustEnqueue(t, s, &models.Task{ID: "T1", Instruction: "x", Mode: models.ModeLocal, BudgetMax: 1})

	ok, err := s.Transition(ctx, "T1", models.TaskStatusPending, models.TaskStatusClaimed, WithClaimant("w1"))
	if err != nil || !ok {
		t.Fatalf("Expected claim transition to succeed, got ok=%v err=%v", ok, err)
	}

	// Stale fromStatus is a conflict, not an error.
	ok, err = s.Transition(ctx, "T1", models.TaskStatusPending, models.TaskStatusClaimed)
	if err != nil {
		t.Fatalf("Expected conflict without error, got %v", err)
	}
	if ok {
		t.Error("Expected conflict for stale fromStatus")
	}

	if _, err := s.Transition(ctx, "T1", models.TaskStatusClaimed, models.TaskStatusCompleted); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Expected ErrIllegalTransition, got %v", err)
	}

	if _, err := s.Transition(ctx, "missing", models.TaskStatusPending, models.TaskStatusClaimed); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	steps := []struct {
		from, to models.TaskStatus
		opts     []TransitionOption
	}{
		{models.TaskStatusClaimed, models.TaskStatusInProgress, nil},
		{models.TaskStatusInProgress, models.TaskStatusPendingReview, []TransitionOption{WithCost(0.25), WithOutput("out")}},
		{models.TaskStatusPendingReview, models.TaskStatusRequeue, []TransitionOption{WithAttempt(), WithFeedback("try again")}},
	}
	for _, step := range steps {
		ok, err := s.Transition(ctx, "T1", step.from, step.to, step.opts...)
		if err != nil || !ok {
			t.Fatalf("Transition %s -> %s failed: ok=%v err=%v", step.from, step.to, ok, err)
		}
	}

	got, err := s.Get(ctx, "T1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.TaskStatusRequeue {
		t.Errorf("Expected requeue, got %s", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("Expected attempt_count 1, got %d", got.AttemptCount)
	}
	if got.Spent != 0.25 || got.LastCost != 0.25 {
		t.Errorf("Expected spent 0.25, got spent=%v last=%v", got.Spent, got.LastCost)
	}
	if got.Feedback != "try again" || got.Output != "out" {
		t.Errorf("Expected feedback and output to be stored, got %q / %q", got.Feedback, got.Output)
	}
	if got.ClaimedBy != "w1" {
		t.Errorf("Expected claimed_by w1, got %s", got.ClaimedBy)
	}
}

func TestTerminalStatusIsImmutable(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	mustEnqueue(t, s, &models.Task{ID: "T1", Instruction: "x", Mode: models.ModeLocal})
	if ok, err := s.Transition(ctx, "T1", models.TaskStatusPending, models.TaskStatusFailed); err != nil || !ok {
		t.Fatalf("Expected pending -> failed, got ok=%v err=%v", ok, err)
	}
	for _, to := range models.AllStatuses {
		if _, err := s.Transition(ctx, "T1", models.TaskStatusFailed, to); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("Expected failed -> %s to be illegal, got %v", to, err)
		}
	}
}

func TestTryLockMutualExclusion(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.TryLock(ctx, "T1", fmt.Sprintf("w%d", i), time.Minute, now)
			if err != nil {
				t.Errorf("TryLock failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly 1 winner, got %d", winners)
	}
}

func TestTryLockReclaimsExpired(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	if ok, _ := s.TryLock(ctx, "T1", "w1", time.Second, now); !ok {
		t.Fatal("Expected first claim to succeed")
	}
	if ok, _ := s.TryLock(ctx, "T1", "w2", time.Second, now.Add(500*time.Millisecond)); ok {
		t.Error("Expected live lock to block w2")
	}
	if ok, _ := s.TryLock(ctx, "T1", "w2", time.Second, now.Add(time.Second)); !ok {
		t.Error("Expected expired lock to be reclaimed by w2")
	}

	lock, err := s.GetLock(ctx, "T1")
	if err != nil {
		t.Fatalf("GetLock failed: %v", err)
	}
	if lock.OwnerID != "w2" {
		t.Errorf("Expected owner w2, got %s", lock.OwnerID)
	}

	// The previous owner can neither renew nor release the reclaimed lock.
	if ok, _ := s.RenewLock(ctx, "T1", "w1", now.Add(time.Second)); ok {
		t.Error("Expected stale owner renew to fail")
	}
	if err := s.ReleaseLock(ctx, "T1", "w1"); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	if lock, _ := s.GetLock(ctx, "T1"); lock == nil || lock.OwnerID != "w2" {
		t.Error("Expected w2 lock to survive release by w1")
	}
}

func TestRenewLock(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	s.TryLock(ctx, "T1", "w1", 10*time.Second, now)
	later := now.Add(8 * time.Second)
	ok, err := s.RenewLock(ctx, "T1", "w1", later)
	if err != nil || !ok {
		t.Fatalf("Expected renew to succeed, got ok=%v err=%v", ok, err)
	}
	lock, _ := s.GetLock(ctx, "T1")
	if want := later.Add(10 * time.Second).UnixMilli(); lock.ExpiresAt.UnixMilli() != want {
		t.Errorf("Expected expiry %d, got %d", want, lock.ExpiresAt.UnixMilli())
	}

	if ok, _ := s.RenewLock(ctx, "T1", "w1", later.Add(time.Minute)); ok {
		t.Error("Expected renew after expiry to fail")
	}
}

func TestListCandidatesSkipsLocked(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()
	now := time.Now()

	mustEnqueue(t, s, &models.Task{ID: "A", Instruction: "x", Mode: models.ModeLocal})
	mustEnqueue(t, s, &models.Task{ID: "B", Instruction: "x", Mode: models.ModeLocal, DependsOn: []string{"A"}})
	s.TryLock(ctx, "A", "w1", time.Minute, now)

	candidates, err := s.ListCandidates(ctx, now)
	if err != nil {
		t.Fatalf("ListCandidates failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != "B" {
		t.Errorf("Expected only B as candidate, got %v", ids(candidates))
	}

	eligible, err := s.ListEligible(ctx, now)
	if err != nil {
		t.Fatalf("ListEligible failed: %v", err)
	}
	if len(eligible) != 0 {
		t.Errorf("Expected nothing eligible while A is locked and B waits on A, got %v", ids(eligible))
	}

	eligible, _ = s.ListEligible(ctx, now.Add(2*time.Minute))
	if len(eligible) != 1 || eligible[0].ID != "A" {
		t.Errorf("Expected A eligible after lock expiry, got %v", ids(eligible))
	}
}

func TestEnqueueChildren(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	mustEnqueue(t, s, &models.Task{ID: "P", Instruction: "x", Mode: models.ModeLocal, Decomposition: &models.Decomposition{Strategy: models.StrategyLines}})
	if ok, _ := s.Transition(ctx, "P", models.TaskStatusPending, models.TaskStatusClaimed); !ok {
		t.Fatal("Expected claim to succeed")
	}

	children := func() []*models.Task {
		return []*models.Task{
			{ID: ChildID("P", 1), Instruction: "one", Mode: models.ModeLocal},
			{ID: ChildID("P", 2), Instruction: "two", Mode: models.ModeLocal, DependsOn: []string{ChildID("P", 1)}},
		}
	}
	ok, err := s.EnqueueChildren(ctx, "P", children())
	if err != nil || !ok {
		t.Fatalf("EnqueueChildren failed: ok=%v err=%v", ok, err)
	}

	parent, _ := s.Get(ctx, "P")
	if parent.Status != models.TaskStatusPending {
		t.Errorf("Expected parent pending, got %s", parent.Status)
	}
	if !parent.Decomposed {
		t.Error("Expected parent to be marked decomposed")
	}
	if len(parent.DependsOn) != 2 {
		t.Errorf("Expected parent to depend on 2 children, got %v", parent.DependsOn)
	}

	kids, err := s.Children(ctx, "P")
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	if len(kids) != 2 || kids[0].ParentID != "P" {
		t.Errorf("Expected 2 children of P, got %v", ids(kids))
	}

	// A second attempt on a parent that is no longer claimed changes nothing.
	ok, err = s.EnqueueChildren(ctx, "P", children())
	if err != nil {
		t.Fatalf("Repeated EnqueueChildren failed: %v", err)
	}
	if ok {
		t.Error("Expected repeated decomposition to report no change")
	}
	counts, _ := s.Counts(ctx)
	if counts.Total() != 3 {
		t.Errorf("Expected 3 tasks total, got %d", counts.Total())
	}
}

func TestCounts(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	mustEnqueue(t, s, &models.Task{ID: "A", Instruction: "x", Mode: models.ModeLocal})
	mustEnqueue(t, s, &models.Task{ID: "B", Instruction: "x", Mode: models.ModeLocal})
	s.Transition(ctx, "B", models.TaskStatusPending, models.TaskStatusFailed)

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts[models.TaskStatusPending] != 1 || counts[models.TaskStatusFailed] != 1 {
		t.Errorf("Unexpected counts: %v", counts)
	}
	if _, ok := counts[models.TaskStatusCompleted]; !ok {
		t.Error("Expected every status to be present in counts")
	}
}

func TestEvents(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	for i, st := range []models.TaskStatus{models.TaskStatusClaimed, models.TaskStatusInProgress} {
		ev := &models.ExecutionEvent{
			Timestamp: time.Now(),
			TaskID:    "T1",
			WorkerID:  "w1",
			Status:    st,
			Meta:      map[string]any{"step": i},
		}
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		if ev.ID == 0 {
			t.Error("Expected event id to be set")
		}
	}
	s.AppendEvent(ctx, &models.ExecutionEvent{Timestamp: time.Now(), TaskID: "T2", WorkerID: "w1", Status: models.TaskStatusClaimed})

	events, err := s.ListEvents(ctx, "T1", 0, 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events for T1, got %d", len(events))
	}
	if events[0].Status != models.TaskStatusClaimed || events[1].Status != models.TaskStatusInProgress {
		t.Errorf("Expected append order, got %s then %s", events[0].Status, events[1].Status)
	}
	if events[1].Meta["step"] != float64(1) {
		t.Errorf("Expected meta step 1, got %v", events[1].Meta["step"])
	}

	tail, _ := s.ListEvents(ctx, "", events[1].ID, 10)
	if len(tail) != 1 || tail[0].TaskID != "T2" {
		t.Errorf("Expected tail to contain only the T2 event, got %d events", len(tail))
	}
}

func TestGrantIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	entry := func() *models.RewardEntry {
		return &models.RewardEntry{TaskID: "T1", IdentityID: "alice", Amount: 1.0, GrantedAt: time.Now()}
	}
	first, err := s.GrantAndCredit(ctx, entry())
	if err != nil || !first {
		t.Fatalf("Expected first grant to insert, got %v %v", first, err)
	}
	second, err := s.GrantAndCredit(ctx, entry())
	if err != nil {
		t.Fatalf("Second grant failed: %v", err)
	}
	if second {
		t.Error("Expected second grant to be a no-op")
	}

	entries, _ := s.ListGrants(ctx, "alice")
	if len(entries) != 1 {
		t.Errorf("Expected exactly 1 ledger entry, got %d", len(entries))
	}
	balance, _ := s.Balance(ctx, "alice")
	if balance != 1.0 {
		t.Errorf("Expected balance 1.0, got %v", balance)
	}
}

func TestRuns(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	start := time.Now()
	for attempt := 1; attempt <= 2; attempt++ {
		run := &models.Run{
			TaskID:    "T1",
			WorkerID:  "w1",
			Attempt:   attempt,
			Backend:   "local",
			Output:    fmt.Sprintf("attempt %d", attempt),
			Cost:      0.01,
			StartedAt: start.Add(time.Duration(attempt) * time.Second),
			EndedAt:   start.Add(time.Duration(attempt)*time.Second + time.Millisecond),
		}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}

	runs, err := s.GetRunsForTask(ctx, "T1")
	if err != nil {
		t.Fatalf("GetRunsForTask failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].Attempt != 1 || runs[1].Output != "attempt 2" {
		t.Errorf("Unexpected run order: %+v", runs)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	return s
}

func mustEnqueue(t *testing.T, s *Store, task *models.Task) {
	t.Helper()
	if err := s.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("Enqueue %s failed: %v", task.ID, err)
	}
}

func ids(tasks []*models.Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}
