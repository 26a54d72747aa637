package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/swarmq/internal/models"
)

func insertGrant(ctx context.Context, tx *sql.Tx, entry *models.RewardEntry) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO ledger (task_id, identity_id, amount, granted_at, credited) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(task_id, identity_id) DO NOTHING`,
		entry.TaskID, entry.IdentityID, entry.Amount, toMillis(entry.GrantedAt), boolInt(entry.Credited),
	)
	if err != nil {
		return false, fmt.Errorf("insert grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// InsertGrant inserts a ledger entry unless one exists for the same
// (task_id, identity_id). It reports whether this call created the entry.
func (s *Store) InsertGrant(ctx context.Context, entry *models.RewardEntry) (bool, error) {
	var inserted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = insertGrant(ctx, tx, entry)
		return err
	})
	return inserted, err
}

// GrantAndCredit inserts a ledger entry and credits the identity balance in
// one transaction. Nothing is credited when the entry already exists.
func (s *Store) GrantAndCredit(ctx context.Context, entry *models.RewardEntry) (bool, error) {
	var inserted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		entry.Credited = true
		var err error
		inserted, err = insertGrant(ctx, tx, entry)
		if err != nil || !inserted {
			return err
		}
		return creditTx(ctx, tx, entry.IdentityID, entry.Amount, entry.GrantedAt)
	})
	return inserted, err
}

// MarkCredited flags a ledger entry as paid out by an external crediter.
func (s *Store) MarkCredited(ctx context.Context, taskID, identityID string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE ledger SET credited = 1 WHERE task_id = ? AND identity_id = ?`,
			taskID, identityID,
		)
		if err != nil {
			return fmt.Errorf("mark credited: %w", err)
		}
		return nil
	})
}

func creditTx(ctx context.Context, tx *sql.Tx, identityID string, amount float64, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO balances (identity_id, balance, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(identity_id) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at`,
		identityID, amount, toMillis(at),
	)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

// Balance returns the credited total for an identity.
func (s *Store) Balance(ctx context.Context, identityID string) (float64, error) {
	var balance float64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM balances WHERE identity_id = ?`, identityID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// ListGrants returns ledger entries, optionally for one identity.
func (s *Store) ListGrants(ctx context.Context, identityID string) ([]*models.RewardEntry, error) {
	query := `SELECT task_id, identity_id, amount, granted_at, credited FROM ledger`
	var args []any
	if identityID != "" {
		query += ` WHERE identity_id = ?`
		args = append(args, identityID)
	}
	query += ` ORDER BY granted_at ASC, task_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []*models.RewardEntry
	for rows.Next() {
		var e models.RewardEntry
		var grantedAt int64
		var credited int
		if err := rows.Scan(&e.TaskID, &e.IdentityID, &e.Amount, &grantedAt, &credited); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.GrantedAt = fromMillis(grantedAt)
		e.Credited = credited == 1
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
