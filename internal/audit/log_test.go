package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/swarmq/internal/models"
	"github.com/fentz26/swarmq/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	return f.err
}

func TestRecordAndEvents(t *testing.T) {
	l := New(newTestStore(t), nil)
	ctx := context.Background()

	first, err := l.Record(ctx, "T1", "w1", models.TaskStatusClaimed, "claimed", nil, map[string]string{"a": "b"})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if first.ID == 0 || first.InputsHash == "" || first.Timestamp.IsZero() {
		t.Errorf("Expected id, hash and timestamp to be set, got %+v", first)
	}
	if _, err := l.Record(ctx, "T2", "w1", models.TaskStatusClaimed, "claimed", nil, nil); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if _, err := l.Record(ctx, "T1", "w1", models.TaskStatusCompleted, "done", map[string]any{"cost": 0.5}, nil); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	events, err := l.Events(ctx, "T1")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events for T1, got %d", len(events))
	}
	if events[0].Status != models.TaskStatusClaimed || events[1].Status != models.TaskStatusCompleted {
		t.Errorf("Expected append order, got %s then %s", events[0].Status, events[1].Status)
	}
	if events[1].Meta["cost"] != 0.5 {
		t.Errorf("Expected meta to round trip, got %v", events[1].Meta)
	}

	tail, err := l.Tail(ctx, first.ID, 10)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if len(tail) != 2 {
		t.Errorf("Expected 2 events after first, got %d", len(tail))
	}
}

func TestHashInputsIsStable(t *testing.T) {
	a := hashInputs(map[string]any{"x": 1, "y": "z"})
	b := hashInputs(map[string]any{"y": "z", "x": 1})
	if a != b {
		t.Error("Expected map key order not to affect the hash")
	}
	if hashInputs(func() {}) != "hash_error" {
		t.Error("Expected hash_error for unencodable inputs")
	}
}

func TestMirrorAndPublisher(t *testing.T) {
	mirror := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	pub := &fakePublisher{}
	l := New(newTestStore(t), nil, WithMirror(mirror), WithPublisher(pub, "test.events"))
	l.now = func() time.Time { return time.Unix(1700000000, 0) }
	ctx := context.Background()

	for _, status := range []models.TaskStatus{models.TaskStatusClaimed, models.TaskStatusFailed} {
		if _, err := l.Record(ctx, "T1", "w1", status, "", nil, nil); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	f, err := os.Open(mirror)
	if err != nil {
		t.Fatalf("open mirror: %v", err)
	}
	defer f.Close()
	var lines []models.ExecutionEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev models.ExecutionEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode mirror line: %v", err)
		}
		lines = append(lines, ev)
	}
	if len(lines) != 2 || lines[1].Status != models.TaskStatusFailed {
		t.Errorf("Unexpected mirror contents %+v", lines)
	}

	want := []string{"test.events.claimed", "test.events.failed"}
	if len(pub.subjects) != 2 || pub.subjects[0] != want[0] || pub.subjects[1] != want[1] {
		t.Errorf("Expected subjects %v, got %v", want, pub.subjects)
	}
}

func TestPublisherFailureIsNotFatal(t *testing.T) {
	s := newTestStore(t)
	l := New(s, nil, WithPublisher(&fakePublisher{err: errors.New("down")}, "x"))

	if _, err := l.Record(context.Background(), "T1", "w1", models.TaskStatusClaimed, "", nil, nil); err != nil {
		t.Fatalf("Expected publish failure to be swallowed, got %v", err)
	}
	events, _ := l.Events(context.Background(), "T1")
	if len(events) != 1 {
		t.Errorf("Expected stored event, got %d", len(events))
	}
}
