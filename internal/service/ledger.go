package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"tokenledger/internal/metrics"
	"tokenledger/internal/model"
	"tokenledger/internal/pricing"
	"tokenledger/internal/repository"
)

// LedgerService defines the business operations for the ledger.
// All transport layers (HTTP, gRPC, NATS) depend on this interface, not on the concrete store.
type LedgerService interface {
	GetBalance(ctx context.Context, userID string) (*model.Balance, error)
	CheckBalance(ctx context.Context, userID string, amount int64) (bool, error)
	DeductTokens(ctx context.Context, req model.DeductRequest) (*model.LedgerEntry, error)
	AddTokens(ctx context.Context, req model.CreditRequest) (*model.LedgerEntry, error)
	RefundTokens(ctx context.Context, req model.RefundRequest) (*model.LedgerEntry, error)
	CalculateCost(op pricing.Operation) (int64, error)
	CalculateCostByKind(kind string, params map[string]any) (int64, error)
	GetDailyLimitInfo(ctx context.Context, userID string) (*model.DailyLimitInfo, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)
	SyncEntry(ctx context.Context, event model.EntryEvent) error
}

// Archiver stores entries written by a non-durable store.
type Archiver interface {
	Archive(ctx context.Context, event model.EntryEvent) error
}

var errNoArchive = errors.New("no archive configured")

// TokenLedger implements LedgerService on top of a repository.Store.
type TokenLedger struct {
	store   repository.Store
	pricing *pricing.Table
	archive Archiver
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*TokenLedger)

// WithClock replaces time.Now, mainly for tests around the daily window.
func WithClock(now func() time.Time) Option {
	return func(l *TokenLedger) { l.now = now }
}

func WithArchive(a Archiver) Option {
	return func(l *TokenLedger) { l.archive = a }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *TokenLedger) { l.logger = logger }
}

func New(store repository.Store, table *pricing.Table, opts ...Option) *TokenLedger {
	l := &TokenLedger{
		store:   store,
		pricing: table,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *TokenLedger) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	acc, err := l.account(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{
		UserID:         acc.UserID,
		Plan:           acc.Plan,
		Balance:        acc.Balance,
		LifetimeEarned: acc.LifetimeEarned,
		LifetimeSpent:  acc.LifetimeSpent,
	}, nil
}

// CheckBalance reports whether amount fits both the balance and what is
// left of today's limit. It never changes the balance.
func (l *TokenLedger) CheckBalance(ctx context.Context, userID string, amount int64) (bool, error) {
	if !model.ValidAmount(amount) {
		return false, model.ErrInvalidAmount
	}
	acc, err := l.account(ctx, userID)
	if err != nil {
		return false, err
	}
	return amount <= acc.Balance && amount <= acc.DailyRemaining(), nil
}

func (l *TokenLedger) DeductTokens(ctx context.Context, req model.DeductRequest) (*model.LedgerEntry, error) {
	userID, err := validUser(req.UserID)
	if err != nil {
		return nil, err
	}
	if !model.ValidAmount(req.Amount) {
		return nil, model.ErrInvalidAmount
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, model.ErrInvalidReason
	}

	now := l.now().UTC()
	start := time.Now()
	res, err := l.store.Debit(ctx, repository.WriteParams{
		Entry: model.LedgerEntry{
			ID:             uuid.NewString(),
			UserID:         userID,
			Amount:         req.Amount,
			Reason:         reason,
			Metadata:       req.Metadata,
			IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
			CreatedAt:      now,
		},
		Init: l.newAccount(),
		Now:  now,
	})
	metrics.ObserveStore("debit", start)
	if err != nil {
		cause := rejectionCause(err)
		metrics.DeductionRejections.WithLabelValues(cause).Inc()
		if cause == "storage" {
			l.logger.Error("deduct tokens", "user_id", userID, "amount", req.Amount, "error", err)
		} else {
			l.logger.Info("deduction rejected", "user_id", userID, "amount", req.Amount, "cause", cause)
		}
		return nil, err
	}
	l.logGrant(res)

	if res.Replayed {
		l.logger.Debug("idempotent deduction replayed", "user_id", userID, "entry_id", res.Entry.ID)
		return &res.Entry, nil
	}
	metrics.Deductions.WithLabelValues(reason).Inc()
	metrics.TokensDeducted.Add(float64(req.Amount))
	l.logger.Info("tokens deducted",
		"user_id", userID,
		"amount", req.Amount,
		"reason", reason,
		"balance", res.Account.Balance,
		"daily_spent", res.Account.DailySpent,
	)
	return &res.Entry, nil
}

func (l *TokenLedger) AddTokens(ctx context.Context, req model.CreditRequest) (*model.LedgerEntry, error) {
	userID, err := validUser(req.UserID)
	if err != nil {
		return nil, err
	}
	if !model.ValidAmount(req.Amount) {
		return nil, model.ErrInvalidAmount
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, model.ErrInvalidReason
	}
	init := l.newAccount()
	if name := strings.TrimSpace(req.Plan); name != "" {
		if init, err = l.planAccount(name); err != nil {
			return nil, err
		}
	}
	return l.credit(ctx, model.LedgerEntry{
		UserID:   userID,
		Amount:   req.Amount,
		Reason:   reason,
		Metadata: req.Metadata,
	}, init)
}

// RefundTokens credits back the full amount of a debit. Each debit can be
// refunded once; the daily counter is left as it is.
func (l *TokenLedger) RefundTokens(ctx context.Context, req model.RefundRequest) (*model.LedgerEntry, error) {
	userID, err := validUser(req.UserID)
	if err != nil {
		return nil, err
	}
	entryID := strings.TrimSpace(req.EntryID)
	if entryID == "" {
		return nil, fmt.Errorf("entry id is required: %w", model.ErrNotFound)
	}

	start := time.Now()
	orig, err := l.store.Entry(ctx, userID, entryID)
	metrics.ObserveStore("entry", start)
	if err != nil {
		return nil, err
	}
	if orig.Kind != model.EntryDebit {
		return nil, fmt.Errorf("%w: %s is a %s", model.ErrNotRefundable, entryID, orig.Kind)
	}

	meta := map[string]any{
		"refund_of":       orig.ID,
		"original_reason": orig.Reason,
	}
	if note := strings.TrimSpace(req.Note); note != "" {
		meta["note"] = note
	}
	return l.credit(ctx, model.LedgerEntry{
		UserID:   userID,
		Amount:   orig.Amount,
		Reason:   model.ReasonRefund,
		Metadata: meta,
		RefundOf: orig.ID,
	}, l.newAccount())
}

func (l *TokenLedger) credit(ctx context.Context, e model.LedgerEntry, init repository.NewAccount) (*model.LedgerEntry, error) {
	now := l.now().UTC()
	e.ID = uuid.NewString()
	e.CreatedAt = now

	start := time.Now()
	res, err := l.store.Credit(ctx, repository.WriteParams{Entry: e, Init: init, Now: now})
	metrics.ObserveStore("credit", start)
	if err != nil {
		l.logger.Warn("credit tokens", "user_id", e.UserID, "amount", e.Amount, "reason", e.Reason, "error", err)
		return nil, err
	}
	l.logGrant(res)

	metrics.Credits.WithLabelValues(e.Reason).Inc()
	l.logger.Info("tokens credited",
		"user_id", e.UserID,
		"amount", e.Amount,
		"reason", e.Reason,
		"balance", res.Account.Balance,
	)
	return &res.Entry, nil
}

func (l *TokenLedger) CalculateCost(op pricing.Operation) (int64, error) {
	return l.pricing.Cost(op)
}

func (l *TokenLedger) CalculateCostByKind(kind string, params map[string]any) (int64, error) {
	op, err := pricing.Parse(kind, params)
	if err != nil {
		return 0, err
	}
	return l.pricing.Cost(op)
}

func (l *TokenLedger) GetDailyLimitInfo(ctx context.Context, userID string) (*model.DailyLimitInfo, error) {
	acc, err := l.account(ctx, userID)
	if err != nil {
		return nil, err
	}
	pct := 0
	if acc.DailyLimit > 0 {
		pct = int(math.Round(float64(acc.DailySpent) * 100 / float64(acc.DailyLimit)))
	}
	return &model.DailyLimitInfo{
		DailySpent:     acc.DailySpent,
		DailyLimit:     acc.DailyLimit,
		DailyRemaining: acc.DailyRemaining(),
		PercentageUsed: pct,
		ResetsAt:       model.NextReset(l.now()),
	}, nil
}

// ListTransactions returns the newest entries first. A non-positive limit
// means the default page of 50.
func (l *TokenLedger) ListTransactions(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	userID, err := validUser(userID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer metrics.ObserveStore("list", start)
	return l.store.ListEntries(ctx, userID, limit)
}

// SyncEntry archives an entry event received from the bus.
func (l *TokenLedger) SyncEntry(ctx context.Context, event model.EntryEvent) error {
	if l.archive == nil {
		return errNoArchive
	}
	if event.Entry.ID == "" || event.Entry.UserID == "" {
		return fmt.Errorf("sync entry: incomplete event")
	}
	start := time.Now()
	defer metrics.ObserveStore("archive", start)
	return l.archive.Archive(ctx, event)
}

func (l *TokenLedger) account(ctx context.Context, userID string) (*model.Account, error) {
	userID, err := validUser(userID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	acc, err := l.store.Account(ctx, userID, l.newAccount(), l.now().UTC())
	metrics.ObserveStore("account", start)
	return acc, err
}

// newAccount describes the default-plan account a first call creates.
func (l *TokenLedger) newAccount() repository.NewAccount {
	init, _ := l.planAccount(l.pricing.DefaultPlan)
	return init
}

func (l *TokenLedger) planAccount(name string) (repository.NewAccount, error) {
	plan, ok := l.pricing.Plan(name)
	if !ok {
		return repository.NewAccount{}, fmt.Errorf("%w: %q", model.ErrUnknownPlan, name)
	}
	return repository.NewAccount{
		Plan:         name,
		DailyLimit:   plan.DailyLimit,
		Grant:        plan.MonthlyTokens,
		GrantEntryID: uuid.NewString(),
	}, nil
}

func (l *TokenLedger) logGrant(res *repository.WriteResult) {
	if res.Grant == nil {
		return
	}
	metrics.Credits.WithLabelValues(model.ReasonGrant).Inc()
	l.logger.Info("account initialised", "user_id", res.Grant.UserID, "grant", res.Grant.Amount)
}

func validUser(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", model.ErrInvalidUser
	}
	return userID, nil
}

func rejectionCause(err error) string {
	switch {
	case errors.Is(err, model.ErrDailyLimitExceeded):
		return "daily_limit"
	case errors.Is(err, model.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, model.ErrStorage):
		return "storage"
	default:
		return "invalid"
	}
}
