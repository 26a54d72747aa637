// Package lock implements TTL-bounded exclusive claims on tasks.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/swarmq/internal/models"
	"github.com/fentz26/swarmq/internal/store"
)

// ErrInvalidTTL is returned for a non-positive lock ttl.
var ErrInvalidTTL = errors.New("lock ttl must be positive")

// Manager claims, renews and releases task locks. Every task status
// mutation performed by a worker happens while it holds the lock.
type Manager struct {
	store  *store.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a lock manager with a default ttl.
func NewManager(s *store.Store, ttl time.Duration, logger *slog.Logger) (*Manager, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, ttl: ttl, logger: logger, now: time.Now}, nil
}

// SetClock replaces the time source. Tests use it to expire locks.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// TTL returns the default lock ttl.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// TryClaim attempts to take the lock on taskID for workerID. A false
// result means another worker holds a live lock and is not an error.
// A zero ttl uses the manager default.
func (m *Manager) TryClaim(ctx context.Context, taskID, workerID string, ttl time.Duration) (bool, error) {
	if ttl == 0 {
		ttl = m.ttl
	}
	if ttl < 0 {
		return false, ErrInvalidTTL
	}
	ok, err := m.store.TryLock(ctx, taskID, workerID, ttl, m.now())
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", taskID, err)
	}
	if !ok {
		m.logger.Debug("lock held elsewhere", "task_id", taskID, "worker_id", workerID)
	}
	return ok, nil
}

// Renew extends workerID's live lock on taskID by its ttl.
func (m *Manager) Renew(ctx context.Context, taskID, workerID string) (bool, error) {
	ok, err := m.store.RenewLock(ctx, taskID, workerID, m.now())
	if err != nil {
		return false, fmt.Errorf("renew %s: %w", taskID, err)
	}
	return ok, nil
}

// Release drops workerID's lock on taskID. Releasing a lock held by
// someone else is a no-op.
func (m *Manager) Release(ctx context.Context, taskID, workerID string) error {
	if err := m.store.ReleaseLock(ctx, taskID, workerID); err != nil {
		return fmt.Errorf("release %s: %w", taskID, err)
	}
	return nil
}

// Holder returns the live lock on taskID, or nil when the task is unclaimed.
func (m *Manager) Holder(ctx context.Context, taskID string) (*models.Lock, error) {
	l, err := m.store.GetLock(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if l == nil || l.Expired(m.now()) {
		return nil, nil
	}
	return l, nil
}

// Heartbeat renews the lock every interval until stop is called. The
// returned context is cancelled when the lock is lost or ctx ends, so work
// bound to it stops once another worker could reclaim the task.
func (m *Manager) Heartbeat(ctx context.Context, taskID, workerID string, interval time.Duration) (context.Context, func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	if interval <= 0 {
		interval = m.ttl / 3
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				ok, err := m.Renew(hbCtx, taskID, workerID)
				if err != nil {
					if hbCtx.Err() != nil {
						return
					}
					m.logger.Warn("lock renewal failed", "task_id", taskID, "worker_id", workerID, "error", err)
					continue
				}
				if !ok {
					m.logger.Warn("lock lost", "task_id", taskID, "worker_id", workerID)
					cancel()
					return
				}
			}
		}
	}()

	return hbCtx, func() {
		cancel()
		<-done
	}
}
