// Package audit provides the append-only execution event log.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fentz26/swarmq/internal/models"
	"github.com/fentz26/swarmq/internal/store"
)

// Publisher delivers encoded events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Log appends execution events. The store is authoritative; the JSONL
// mirror and publisher are best effort.
type Log struct {
	store     *store.Store
	logger    *slog.Logger
	now       func() time.Time
	mirror    string
	mu        sync.Mutex
	publisher Publisher
	prefix    string
}

// Option configures a Log.
type Option func(*Log)

// WithMirror also appends every event as one JSON line to path.
func WithMirror(path string) Option {
	return func(l *Log) { l.mirror = path }
}

// WithPublisher publishes every event to "<prefix>.<status>".
func WithPublisher(p Publisher, prefix string) Option {
	return func(l *Log) {
		l.publisher = p
		l.prefix = prefix
	}
}

// New creates an event log.
func New(s *store.Store, logger *slog.Logger, opts ...Option) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{store: s, logger: logger, now: time.Now, prefix: DefaultSubjectPrefix}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append writes ev and sets its id and timestamp.
func (l *Log) Append(ctx context.Context, ev *models.ExecutionEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	if err := l.store.AppendEvent(ctx, ev); err != nil {
		return err
	}

	if l.mirror == "" && l.publisher == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		l.logger.Warn("encode event", "task_id", ev.TaskID, "error", err)
		return nil
	}
	if l.mirror != "" {
		if err := l.appendLine(data); err != nil {
			l.logger.Warn("mirror event", "path", l.mirror, "error", err)
		}
	}
	if l.publisher != nil {
		subject := l.prefix + "." + string(ev.Status)
		if err := l.publisher.Publish(ctx, subject, data); err != nil {
			l.logger.Warn("publish event", "subject", subject, "error", err)
		}
	}
	return nil
}

// Record appends an event for a task transition. inputs, when non-nil, are
// hashed into the event so a decision can be matched to what produced it.
func (l *Log) Record(ctx context.Context, taskID, workerID string, status models.TaskStatus, detail string, meta map[string]any, inputs any) (*models.ExecutionEvent, error) {
	ev := &models.ExecutionEvent{
		TaskID:   taskID,
		WorkerID: workerID,
		Status:   status,
		Detail:   detail,
		Meta:     meta,
	}
	if inputs != nil {
		ev.InputsHash = hashInputs(inputs)
	}
	if err := l.Append(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Events returns a task's history in append order.
func (l *Log) Events(ctx context.Context, taskID string) ([]*models.ExecutionEvent, error) {
	return l.store.ListEvents(ctx, taskID, 0, 0)
}

// Tail returns up to limit events across all tasks with id > afterID.
func (l *Log) Tail(ctx context.Context, afterID int64, limit int) ([]*models.ExecutionEvent, error) {
	return l.store.ListEvents(ctx, "", afterID, limit)
}

func (l *Log) appendLine(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.mirror), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(l.mirror, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
