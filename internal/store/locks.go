package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/swarmq/internal/models"
)

// TryLock creates the lock for taskID, or takes over an expired one, in a
// single upsert. The conflict branch only fires when the existing lock has
// expired at now, so the affected row count decides ownership.
func (s *Store) TryLock(ctx context.Context, taskID, ownerID string, ttl time.Duration, now time.Time) (bool, error) {
	acquired := toMillis(now)
	var ok bool
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO locks (task_id, owner_id, acquired_at, ttl_ms, expires_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(task_id) DO UPDATE SET
				owner_id = excluded.owner_id,
				acquired_at = excluded.acquired_at,
				ttl_ms = excluded.ttl_ms,
				expires_at = excluded.expires_at
			 WHERE locks.expires_at <= excluded.acquired_at`,
			taskID, ownerID, acquired, ttl.Milliseconds(), acquired+ttl.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("upsert lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// RenewLock extends a live lock owned by ownerID by its own ttl.
func (s *Store) RenewLock(ctx context.Context, taskID, ownerID string, now time.Time) (bool, error) {
	ms := toMillis(now)
	var ok bool
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE locks SET expires_at = ? + ttl_ms
			 WHERE task_id = ? AND owner_id = ? AND expires_at > ?`,
			ms, taskID, ownerID, ms,
		)
		if err != nil {
			return fmt.Errorf("renew lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// ReleaseLock deletes the lock on taskID if ownerID holds it.
func (s *Store) ReleaseLock(ctx context.Context, taskID, ownerID string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE task_id = ? AND owner_id = ?`, taskID, ownerID)
		if err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
		return nil
	})
}

// GetLock returns the lock row for taskID, expired or not, or nil.
func (s *Store) GetLock(ctx context.Context, taskID string) (*models.Lock, error) {
	var (
		lock                         models.Lock
		acquiredAt, ttlMs, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, owner_id, acquired_at, ttl_ms, expires_at FROM locks WHERE task_id = ?`,
		taskID,
	).Scan(&lock.TaskID, &lock.OwnerID, &acquiredAt, &ttlMs, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lock: %w", err)
	}
	lock.AcquiredAt = fromMillis(acquiredAt)
	lock.TTL = time.Duration(ttlMs) * time.Millisecond
	lock.ExpiresAt = fromMillis(expiresAt)
	return &lock, nil
}

// PurgeExpiredLocks deletes locks that expired before now.
func (s *Store) PurgeExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, toMillis(now))
		if err != nil {
			return fmt.Errorf("purge locks: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
