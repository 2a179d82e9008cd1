package repository

import (
	"context"
	"fmt"
	"time"

	"tokenledger/internal/model"
)

// Store persists accounts and their append-only ledger. Implementations must
// make Debit and Credit a single atomic step per account, and must not
// serialize unrelated accounts behind one lock.
type Store interface {
	// Account returns the account, creating it from init on first use and
	// resetting a stale daily window in place.
	Account(ctx context.Context, userID string, init NewAccount, now time.Time) (*model.Account, error)
	// Debit checks balance and daily headroom and decrements both in one step.
	// A replayed idempotency key returns the original entry and Replayed=true.
	Debit(ctx context.Context, p WriteParams) (*WriteResult, error)
	// Credit adds tokens. When Entry.RefundOf is set the referenced debit may
	// be refunded only once.
	Credit(ctx context.Context, p WriteParams) (*WriteResult, error)
	Entry(ctx context.Context, userID, entryID string) (*model.LedgerEntry, error)
	ListEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)
	Close() error
}

// NewAccount describes how a lazily created account starts out.
type NewAccount struct {
	Plan       string
	DailyLimit int64
	Grant      int64
	// GrantEntryID names the credit entry recording Grant, if any.
	GrantEntryID string
}

type WriteParams struct {
	Entry model.LedgerEntry
	Init  NewAccount
	Now   time.Time
}

type WriteResult struct {
	Entry    model.LedgerEntry
	Account  model.Account
	Replayed bool
	// Grant is set when this write created the account with a non-zero grant.
	Grant *model.LedgerEntry
}

const defaultListLimit = 50

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, model.ErrStorage, err)
}

// applyDebit runs the checks and mutation shared by every store on an
// already rolled account snapshot. The daily limit is checked first.
func applyDebit(acc *model.Account, amount int64, now time.Time) error {
	if acc.DailySpent+amount > acc.DailyLimit {
		return fmt.Errorf("%w: spent %d of %d today, requested %d",
			model.ErrDailyLimitExceeded, acc.DailySpent, acc.DailyLimit, amount)
	}
	if acc.Balance < amount {
		return fmt.Errorf("%w: required %d, available %d",
			model.ErrInsufficientBalance, amount, acc.Balance)
	}
	acc.Balance -= amount
	acc.DailySpent += amount
	acc.LifetimeSpent += amount
	acc.Version++
	acc.UpdatedAt = now
	return nil
}

// applyCredit refuses a credit that would push the balance past MaxAmount.
func applyCredit(acc *model.Account, amount int64, now time.Time) error {
	if !model.ValidAmount(amount) || amount > model.MaxAmount-acc.Balance {
		return balanceOverflow(acc.Balance, amount)
	}
	acc.Balance += amount
	acc.LifetimeEarned += amount
	acc.Version++
	acc.UpdatedAt = now
	return nil
}

func balanceOverflow(balance, amount int64) error {
	return fmt.Errorf("%w: balance %d cannot take %d more (max %d)",
		model.ErrInvalidAmount, balance, amount, model.MaxAmount)
}

func newAccount(userID string, init NewAccount, now time.Time) model.Account {
	return model.Account{
		UserID:         userID,
		Plan:           init.Plan,
		Balance:        init.Grant,
		DailyLimit:     init.DailyLimit,
		WindowStart:    model.WindowStart(now),
		LifetimeEarned: init.Grant,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func grantEntry(acc model.Account, init NewAccount, now time.Time) *model.LedgerEntry {
	if init.Grant <= 0 {
		return nil
	}
	return &model.LedgerEntry{
		ID:           init.GrantEntryID,
		UserID:       acc.UserID,
		Kind:         model.EntryCredit,
		Amount:       init.Grant,
		Reason:       model.ReasonGrant,
		Metadata:     map[string]any{"plan": init.Plan},
		BalanceAfter: init.Grant,
		CreatedAt:    now,
	}
}
