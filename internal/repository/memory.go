package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tokenledger/internal/model"
)

// MemoryStore keeps accounts in process. Each account carries its own lock;
// the map lock is held only to find or create the account.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*memAccount
}

type memAccount struct {
	mu       sync.Mutex
	acc      model.Account
	entries  []model.LedgerEntry
	byID     map[string]int
	idem     map[string]int
	refunded map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*memAccount)}
}

// lookup returns the locked account. With a non-nil init the account is
// created on first use and its daily window rolled to now.
func (s *MemoryStore) lookup(userID string, init *NewAccount, now time.Time) (*memAccount, *model.LedgerEntry) {
	s.mu.Lock()
	a, ok := s.accounts[userID]
	var grant *model.LedgerEntry
	if !ok {
		if init == nil {
			s.mu.Unlock()
			return nil, nil
		}
		a = &memAccount{
			acc:      newAccount(userID, *init, now),
			byID:     make(map[string]int),
			idem:     make(map[string]int),
			refunded: make(map[string]string),
		}
		if grant = grantEntry(a.acc, *init, now); grant != nil {
			a.append(*grant)
		}
		s.accounts[userID] = a
	}
	s.mu.Unlock()

	a.mu.Lock()
	if init != nil {
		a.acc = a.acc.Rolled(now)
	}
	return a, grant
}

func (a *memAccount) append(e model.LedgerEntry) {
	a.byID[e.ID] = len(a.entries)
	if e.IdempotencyKey != "" {
		a.idem[e.IdempotencyKey] = len(a.entries)
	}
	if e.RefundOf != "" {
		a.refunded[e.RefundOf] = e.ID
	}
	a.entries = append(a.entries, e)
}

func (s *MemoryStore) Account(_ context.Context, userID string, init NewAccount, now time.Time) (*model.Account, error) {
	a, _ := s.lookup(userID, &init, now)
	defer a.mu.Unlock()
	acc := a.acc
	return &acc, nil
}

func (s *MemoryStore) Debit(_ context.Context, p WriteParams) (*WriteResult, error) {
	a, grant := s.lookup(p.Entry.UserID, &p.Init, p.Now)
	defer a.mu.Unlock()

	if p.Entry.IdempotencyKey != "" {
		if i, ok := a.idem[p.Entry.IdempotencyKey]; ok {
			return &WriteResult{Entry: a.entries[i], Account: a.acc, Replayed: true}, nil
		}
	}

	next := a.acc
	if err := applyDebit(&next, p.Entry.Amount, p.Now); err != nil {
		return nil, err
	}
	a.acc = next

	e := p.Entry
	e.Kind = model.EntryDebit
	e.BalanceAfter = next.Balance
	a.append(e)
	return &WriteResult{Entry: e, Account: next, Grant: grant}, nil
}

func (s *MemoryStore) Credit(_ context.Context, p WriteParams) (*WriteResult, error) {
	a, grant := s.lookup(p.Entry.UserID, &p.Init, p.Now)
	defer a.mu.Unlock()

	if ref := p.Entry.RefundOf; ref != "" {
		if _, done := a.refunded[ref]; done {
			return nil, fmt.Errorf("%w: %s", model.ErrAlreadyRefunded, ref)
		}
	}

	if err := applyCredit(&a.acc, p.Entry.Amount, p.Now); err != nil {
		return nil, err
	}
	e := p.Entry
	e.Kind = model.EntryCredit
	e.BalanceAfter = a.acc.Balance
	a.append(e)
	return &WriteResult{Entry: e, Account: a.acc, Grant: grant}, nil
}

func (s *MemoryStore) Entry(_ context.Context, userID, entryID string) (*model.LedgerEntry, error) {
	a, _ := s.lookup(userID, nil, time.Time{})
	if a == nil {
		return nil, fmt.Errorf("entry %s: %w", entryID, model.ErrNotFound)
	}
	defer a.mu.Unlock()
	i, ok := a.byID[entryID]
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", entryID, model.ErrNotFound)
	}
	e := a.entries[i]
	return &e, nil
}

func (s *MemoryStore) ListEntries(_ context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	a, _ := s.lookup(userID, nil, time.Time{})
	if a == nil {
		return nil, nil
	}
	defer a.mu.Unlock()

	n := listLimit(limit)
	out := make([]model.LedgerEntry, 0, n)
	for i := len(a.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, a.entries[i])
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
