// Package ledger grants idempotent rewards for approved work.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/swarmq/internal/models"
	"github.com/fentz26/swarmq/internal/store"
)

// GrantResult reports the effect of a grant call.
type GrantResult int

const (
	// Granted means this call created the entry.
	Granted GrantResult = iota
	// AlreadyGranted means an entry for the key existed. Callers treat it as success.
	AlreadyGranted
)

func (r GrantResult) String() string {
	if r == Granted {
		return "GRANTED"
	}
	return "ALREADY_GRANTED"
}

// ErrInvalidGrant is returned for grants without a key or with a negative amount.
var ErrInvalidGrant = errors.New("invalid grant")

// Crediter pays out a reward to an identity outside the ledger.
type Crediter interface {
	CreditIdentity(ctx context.Context, identityID string, amount float64) error
}

// CrediterFunc adapts a function to Crediter.
type CrediterFunc func(ctx context.Context, identityID string, amount float64) error

// CreditIdentity implements Crediter.
func (f CrediterFunc) CreditIdentity(ctx context.Context, identityID string, amount float64) error {
	return f(ctx, identityID, amount)
}

// Ledger is the append-only reward record.
type Ledger struct {
	store    *store.Store
	crediter Crediter
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a ledger. A nil crediter credits the store's balances table
// in the same transaction as the grant.
func New(s *store.Store, crediter Crediter, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: s, crediter: crediter, logger: logger, now: time.Now}
}

// Grant records a reward for (taskID, identityID) at most once.
func (l *Ledger) Grant(ctx context.Context, taskID, identityID string, amount float64) (GrantResult, error) {
	if taskID == "" || identityID == "" || amount < 0 {
		return 0, fmt.Errorf("%w: task %q identity %q amount %v", ErrInvalidGrant, taskID, identityID, amount)
	}
	entry := &models.RewardEntry{
		TaskID:     taskID,
		IdentityID: identityID,
		Amount:     amount,
		GrantedAt:  l.now().UTC(),
	}

	if l.crediter == nil {
		inserted, err := l.store.GrantAndCredit(ctx, entry)
		if err != nil {
			return 0, err
		}
		return l.result(entry, inserted), nil
	}

	inserted, err := l.store.InsertGrant(ctx, entry)
	if err != nil {
		return 0, err
	}
	if !inserted {
		return l.result(entry, false), nil
	}
	// The entry exists before the payout, so a crash here under-credits
	// rather than paying twice.
	if err := l.crediter.CreditIdentity(ctx, identityID, amount); err != nil {
		return Granted, fmt.Errorf("credit %s: %w", identityID, err)
	}
	if err := l.store.MarkCredited(ctx, taskID, identityID); err != nil {
		return Granted, err
	}
	return l.result(entry, true), nil
}

func (l *Ledger) result(entry *models.RewardEntry, inserted bool) GrantResult {
	if !inserted {
		l.logger.Debug("reward already granted", "task_id", entry.TaskID, "identity_id", entry.IdentityID)
		return AlreadyGranted
	}
	l.logger.Info("reward granted", "task_id", entry.TaskID, "identity_id", entry.IdentityID, "amount", entry.Amount)
	return Granted
}

// Eligible reports whether an attempt earns a reward: the task is approved,
// was not decomposed, and its total spend stayed within budget_max.
func Eligible(task *models.Task, spent float64) bool {
	return task.Status == models.TaskStatusApproved &&
		!task.Decomposed &&
		spent >= 0 &&
		spent <= task.BudgetMax
}

// Entries lists grants, optionally for one identity.
func (l *Ledger) Entries(ctx context.Context, identityID string) ([]*models.RewardEntry, error) {
	return l.store.ListGrants(ctx, identityID)
}

// Balance returns an identity's credited total in the store.
func (l *Ledger) Balance(ctx context.Context, identityID string) (float64, error) {
	return l.store.Balance(ctx, identityID)
}
