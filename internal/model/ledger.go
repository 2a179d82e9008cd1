package model

import "time"

// EntryKind is the accounting side of a ledger entry.
type EntryKind string

const (
	EntryDebit  EntryKind = "debit"
	EntryCredit EntryKind = "credit"
)

// Reason codes used by callers. The set is open: any non-empty code is accepted.
const (
	ReasonImageGeneration  = "image_generation"
	ReasonVideoGeneration  = "video_generation"
	ReasonProductInsertion = "product_insertion"
	ReasonPurchase         = "purchase"
	ReasonBonus            = "bonus"
	ReasonGrant            = "grant"
	ReasonRefund           = "refund"
)

// MaxAmount bounds every amount and balance. The Redis script computes in
// doubles, so larger values would no longer be exact.
const MaxAmount int64 = 1<<53 - 1

// ValidAmount reports whether n can be debited or credited.
func ValidAmount(n int64) bool { return n > 0 && n <= MaxAmount }

// Account is the per-user balance and spend-tracking record.
type Account struct {
	UserID         string    `json:"user_id"`
	Plan           string    `json:"plan"`
	Balance        int64     `json:"balance"`
	DailySpent     int64     `json:"daily_spent"`
	DailyLimit     int64     `json:"daily_limit"`
	WindowStart    time.Time `json:"window_start"`
	LifetimeEarned int64     `json:"lifetime_earned"`
	LifetimeSpent  int64     `json:"lifetime_spent"`
	// Version increases by one with every balance change.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DailyRemaining is the spend headroom left in the current window.
func (a Account) DailyRemaining() int64 {
	if a.DailySpent >= a.DailyLimit {
		return 0
	}
	return a.DailyLimit - a.DailySpent
}

// Rolled returns a copy of the account with the daily counter reset when
// the stored window is older than the window containing now.
func (a Account) Rolled(now time.Time) Account {
	start := WindowStart(now)
	if a.WindowStart.Before(start) {
		a.DailySpent = 0
		a.WindowStart = start
	}
	return a
}

// LedgerEntry is an immutable record of a single debit or credit.
type LedgerEntry struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Kind           EntryKind      `json:"kind"`
	Amount         int64          `json:"amount"`
	Reason         string         `json:"reason"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	BalanceAfter   int64          `json:"balance_after"`
	RefundOf       string         `json:"refund_of,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

type Balance struct {
	UserID         string `json:"user_id"`
	Plan           string `json:"plan"`
	Balance        int64  `json:"balance"`
	LifetimeEarned int64  `json:"lifetime_earned"`
	LifetimeSpent  int64  `json:"lifetime_spent"`
}

type DailyLimitInfo struct {
	DailySpent     int64     `json:"daily_spent"`
	DailyLimit     int64     `json:"daily_limit"`
	DailyRemaining int64     `json:"daily_remaining"`
	PercentageUsed int       `json:"percentage_used"`
	ResetsAt       time.Time `json:"resets_at"`
}

type DeductRequest struct {
	UserID         string         `json:"user_id"`
	Amount         int64          `json:"amount"`
	Reason         string         `json:"reason"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// CreditRequest adds tokens. Plan only applies when the credit is the first
// call for the user and creates the account; existing accounts keep theirs.
type CreditRequest struct {
	UserID   string         `json:"user_id"`
	Amount   int64          `json:"amount"`
	Reason   string         `json:"reason"`
	Plan     string         `json:"plan,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type RefundRequest struct {
	UserID  string `json:"user_id"`
	EntryID string `json:"entry_id"`
	Note    string `json:"note,omitempty"`
}

type CheckRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

// EntryEvent is published on the bus after a ledger write that happened
// outside Postgres, so the archive can catch up.
type EntryEvent struct {
	Entry   LedgerEntry `json:"entry"`
	Account Account     `json:"account"`
}
