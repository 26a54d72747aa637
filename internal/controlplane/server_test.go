package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/swarmq/internal/audit"
	"github.com/fentz26/swarmq/internal/ledger"
	"github.com/fentz26/swarmq/internal/models"
	"github.com/fentz26/swarmq/internal/scheduler"
	"github.com/fentz26/swarmq/internal/signals"
	"github.com/fentz26/swarmq/internal/store"
)

type testEnv struct {
	store   *store.Store
	ledger  *ledger.Ledger
	service *Service
	server  *httptest.Server
	client  *Client
}

func newTestEnv(t *testing.T, withControl bool) *testEnv {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	var control Control
	if withControl {
		w, err := signals.NewWatcher(t.TempDir(), 10*time.Millisecond)
		if err != nil {
			t.Fatalf("NewWatcher: %v", err)
		}
		t.Cleanup(func() { w.Close() })
		control = w
	}

	l := ledger.New(s, nil, nil)
	svc := NewService(s, audit.New(s, nil), l, control, nil)
	srv := httptest.NewServer(NewServer(svc, "").Handler())
	t.Cleanup(srv.Close)

	return &testEnv{store: s, ledger: l, service: svc, server: srv, client: NewClient(srv.URL)}
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestEnv(t, true)
	health, err := env.client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !health.OK || health.DB != "ok" || health.Version == "" || health.Time == "" {
		t.Errorf("Unexpected health %+v", health)
	}
	if health.Halted || health.Paused {
		t.Errorf("Expected no signals, got %+v", health)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestEnv(t, false)
	env.store.Close()

	health, err := env.client.Health(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %v", err)
	}
	if health == nil || health.OK || health.DB == "ok" {
		t.Errorf("Expected unhealthy payload, got %+v", health)
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, false)
	resp, err := http.Post(env.server.URL+"/health", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

func TestCreateAndQueryTask(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	task, err := env.client.CreateTask(ctx, TaskSpec{ID: "T1", Instruction: "go test ./...", BudgetMax: 2})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Status != models.TaskStatusPending || task.Mode != models.ModeLocal {
		t.Errorf("Unexpected task %+v", task)
	}

	got, err := env.client.GetTask(ctx, "T1")
	if err != nil || got.Instruction != "go test ./..." {
		t.Fatalf("GetTask: %+v %v", got, err)
	}

	pending, err := env.client.ListTasks(ctx, "pending")
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListTasks pending: %d %v", len(pending), err)
	}
	failed, err := env.client.ListTasks(ctx, "failed")
	if err != nil || len(failed) != 0 {
		t.Fatalf("ListTasks failed: %d %v", len(failed), err)
	}

	events, err := env.client.TaskEvents(ctx, "T1")
	if err != nil || len(events) != 1 {
		t.Fatalf("TaskEvents: %d %v", len(events), err)
	}
	if events[0].Status != models.TaskStatusPending || events[0].WorkerID != APIWorkerID || events[0].InputsHash == "" {
		t.Errorf("Unexpected enqueue event %+v", events[0])
	}

	runs, err := env.client.TaskRuns(ctx, "T1")
	if err != nil || len(runs) != 0 {
		t.Errorf("TaskRuns: %d %v", len(runs), err)
	}

	tail, err := env.client.Tail(ctx, 0, 10)
	if err != nil || len(tail) != 1 {
		t.Errorf("Tail: %d %v", len(tail), err)
	}
	tail, err = env.client.Tail(ctx, events[0].ID, 10)
	if err != nil || len(tail) != 0 {
		t.Errorf("Tail after last: %d %v", len(tail), err)
	}
}

func TestCreateBatch(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	tasks, err := env.client.CreateTasks(ctx, []TaskSpec{
		{ID: "B", Instruction: "second", DependsOn: []string{"A"}, BudgetMax: 1},
		{ID: "A", Instruction: "first", BudgetMax: 1, Mode: models.ModeRemote},
	})
	if err != nil {
		t.Fatalf("CreateTasks: %v", err)
	}
	if len(tasks) != 2 || tasks[1].Mode != models.ModeRemote {
		t.Fatalf("Unexpected tasks %+v", tasks)
	}

	_, err = env.client.CreateTasks(ctx, []TaskSpec{
		{ID: "X", Instruction: "x", DependsOn: []string{"Y"}},
		{ID: "Y", Instruction: "y", DependsOn: []string{"X"}},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("Expected 400 for cycle, got %v", err)
	}
	if _, err := env.store.Get(ctx, "X"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Rejected batch must not be partially stored, got %v", err)
	}
}

func TestErrorStatuses(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	if _, err := env.client.CreateTask(ctx, TaskSpec{ID: "T1", Instruction: "x"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"missing task", http.MethodGet, "/tasks/nope", "", http.StatusNotFound},
		{"missing task events", http.MethodGet, "/tasks/nope/events", "", http.StatusNotFound},
		{"missing task runs", http.MethodGet, "/tasks/nope/runs", "", http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/tasks?status=bogus", "", http.StatusBadRequest},
		{"bad json", http.MethodPost, "/tasks", "{", http.StatusBadRequest},
		{"empty body", http.MethodPost, "/tasks", "{}", http.StatusBadRequest},
		{"blank instruction", http.MethodPost, "/tasks", `{"tasks":[{"instruction":"  "}]}`, http.StatusBadRequest},
		{"bad mode", http.MethodPost, "/tasks", `{"instruction":"x","mode":"gpu"}`, http.StatusBadRequest},
		{"duplicate", http.MethodPost, "/tasks", `{"id":"T1","instruction":"x"}`, http.StatusConflict},
		{"unknown dependency", http.MethodPost, "/tasks", `{"instruction":"x","depends_on":["ghost"]}`, http.StatusBadRequest},
		{"bad tail limit", http.MethodGet, "/events?limit=0", "", http.StatusBadRequest},
		{"no control", http.MethodGet, "/control", "", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, env.server.URL+tt.path, strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, resp.StatusCode)
			}
			var body errorResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
				t.Errorf("Expected JSON error body, got %v", err)
			}
		})
	}
}

func TestCountsAndLedger(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		if _, err := env.client.CreateTask(ctx, TaskSpec{ID: id, Instruction: "x", BudgetMax: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if ok, err := env.store.Transition(ctx, "C", models.TaskStatusPending, models.TaskStatusFailed); !ok || err != nil {
		t.Fatalf("Transition: %v %v", ok, err)
	}

	counts, err := env.client.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Total != 3 || counts.Counts[models.TaskStatusPending] != 2 || counts.Counts[models.TaskStatusFailed] != 1 {
		t.Errorf("Unexpected counts %+v", counts)
	}

	if _, err := env.ledger.Grant(ctx, "A", "alice", 1.5); err != nil {
		t.Fatal(err)
	}
	if _, err := env.ledger.Grant(ctx, "B", "bob", 1); err != nil {
		t.Fatal(err)
	}

	all, err := env.client.Ledger(ctx, "")
	if err != nil || len(all.Entries) != 2 {
		t.Fatalf("Ledger all: %+v %v", all, err)
	}
	alice, err := env.client.Ledger(ctx, "alice")
	if err != nil {
		t.Fatalf("Ledger alice: %v", err)
	}
	if len(alice.Entries) != 1 || alice.Balance != 1.5 {
		t.Errorf("Unexpected alice ledger %+v", alice)
	}
	nobody, err := env.client.Ledger(ctx, "nobody")
	if err != nil || nobody.Entries == nil || len(nobody.Entries) != 0 {
		t.Errorf("Expected empty entries for unknown identity, got %+v %v", nobody, err)
	}
}

func TestControlSignals(t *testing.T) {
	env := newTestEnv(t, true)
	env.service.WithStats(func() scheduler.Stats { return scheduler.Stats{Workers: 3} })
	ctx := context.Background()

	state, err := env.client.Signal(ctx, "pause", "maintenance")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !state.Paused || state.Halted || state.Pool == nil || state.Pool.Workers != 3 {
		t.Errorf("Unexpected state after pause %+v", state)
	}

	if state, err = env.client.Signal(ctx, "resume", ""); err != nil || state.Paused {
		t.Errorf("resume: %+v %v", state, err)
	}
	if state, err = env.client.Signal(ctx, "halt", "stop"); err != nil || !state.Halted {
		t.Errorf("halt: %+v %v", state, err)
	}
	if state, err = env.client.Signal(ctx, "resume", ""); err != nil || !state.Halted {
		t.Errorf("resume must not lift halt: %+v %v", state, err)
	}

	health, err := env.client.Health(ctx)
	if err != nil || !health.Halted {
		t.Errorf("Expected health to report halt: %+v %v", health, err)
	}

	if state, err = env.client.Signal(ctx, "clear", ""); err != nil || state.Halted || state.Paused {
		t.Errorf("clear: %+v %v", state, err)
	}

	_, err = env.client.Signal(ctx, "explode", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown signal, got %v", err)
	}
}

func TestControlWithoutBody(t *testing.T) {
	env := newTestEnv(t, true)
	resp, err := http.Post(env.server.URL+"/control/pause", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var state ControlResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil || !state.Paused {
		t.Errorf("Unexpected response %+v %v", state, err)
	}
}
