package repository

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"tokenledger/internal/model"
)

var testNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

// runStoreSuite checks the behaviour every Store implementation shares.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("lazy account with grant", func(t *testing.T) {
		s := newStore(t)
		user := newUser()
		acc, err := s.Account(context.Background(), user, testInit(300, 15), testNow)
		if err != nil {
			t.Fatalf("Account: %v", err)
		}
		if acc.Balance != 300 || acc.DailyLimit != 15 || acc.DailySpent != 0 || acc.Plan != "free" {
			t.Fatalf("unexpected new account %+v", acc)
		}

		again, err := s.Account(context.Background(), user, testInit(999, 15), testNow)
		if err != nil {
			t.Fatalf("Account: %v", err)
		}
		if again.Balance != 300 {
			t.Fatalf("second lookup re-granted: balance %d", again.Balance)
		}

		entries, err := s.ListEntries(context.Background(), user, 0)
		if err != nil {
			t.Fatalf("ListEntries: %v", err)
		}
		if len(entries) != 1 || entries[0].Reason != model.ReasonGrant || entries[0].Amount != 300 {
			t.Fatalf("expected one grant entry, got %+v", entries)
		}
	})

	t.Run("daily limit scenario", func(t *testing.T) {
		s := newStore(t)
		user := newUser()
		init := testInit(10, 5)

		res, err := s.Debit(context.Background(), debit(user, 3, init, testNow))
		if err != nil {
			t.Fatalf("first debit: %v", err)
		}
		if res.Account.Balance != 7 || res.Account.DailySpent != 3 {
			t.Fatalf("after first debit: %+v", res.Account)
		}
		if res.Entry.Kind != model.EntryDebit || res.Entry.BalanceAfter != 7 {
			t.Fatalf("unexpected entry %+v", res.Entry)
		}

		_, err = s.Debit(context.Background(), debit(user, 3, init, testNow))
		if !errors.Is(err, model.ErrDailyLimitExceeded) || !errors.Is(err, model.ErrInsufficientBalance) {
			t.Fatalf("expected daily limit rejection, got %v", err)
		}

		res, err = s.Debit(context.Background(), debit(user, 2, init, testNow))
		if err != nil {
			t.Fatalf("second debit: %v", err)
		}
		if res.Account.Balance != 5 || res.Account.DailySpent != 5 {
			t.Fatalf("after second debit: %+v", res.Account)
		}

		if _, err := s.Debit(context.Background(), debit(user, 1, init, testNow)); !errors.Is(err, model.ErrDailyLimitExceeded) {
			t.Fatalf("expected daily limit rejection at cap, got %v", err)
		}

		acc, err := s.Account(context.Background(), user, init, testNow)
		if err != nil {
			t.Fatalf("Account: %v", err)
		}
		if acc.Balance != 5 || acc.DailySpent != 5 {
			t.Fatalf("rejections changed state: %+v", acc)
		}
	})

	t.Run("insufficient balance leaves state unchanged", func(t *testing.T) {
		s := newStore(t)
		user := newUser()
		init := testInit(4, 100)

		_, err := s.Debit(context.Background(), debit(user, 5, init, testNow))
		if !errors.Is(err, model.ErrInsufficientBalance) || errors.Is(err, model.ErrDailyLimitExceeded) {
			t.Fatalf("expected plain insufficient balance, got %v", err)
		}
		acc, err := s.Account(context.Background(), user, init, testNow)
		if err != nil {
			t.Fatalf("Account: %v", err)
		}
		if acc.Balance != 4 || acc.DailySpent != 0 || acc.LifetimeSpent != 0 {
			t.Fatalf("state changed after rejection: %+v", acc)
		}
		entries, _ := s.ListEntries(context.Background(), user, 0)
		if len(entries) != 1 {
			t.Fatalf("rejected debit wrote an entry: %+v", entries)
		}
	})

	t.Run("window resets at UTC midnight", func(t *testing.T) {
		s := newStore(t)
		user := newUser()
		init := testInit(100, 5)

		if _, err := s.Debit(context.Background(), debit(user, 5, init, testNow)); err != nil {
			t.Fatalf("debit: %v", err)
		}
		next := testNow.Add(24 * time.Hour)
		acc, err := s.Account(context.Background(), user, init, next)
		if err != nil {
			t.Fatalf("Account: %v", err)
		}
		if acc.DailySpent != 0 || acc.DailyRemaining() != 5 {
			t.Fatalf("window not reset: %+v", acc)
		}
		if !acc.WindowStart.Equal(model.WindowStart(next)) {
			t.Fatalf("window start = %s", acc.WindowStart)
		}
		if _, err := s.Debit(context.Background(), debit(user, 5, init, next)); err != nil {
			t.Fatalf("debit in new window: %v", err)
		}
	})

	t.Run("idempotent debit", func(t *testing.T) {
		s := newStore(t)
		user := newUser()
		init := testInit(50, 50)

		p := debit(user, 10, init, testNow)
		p.Entry.IdempotencyKey = "req-1"
		first, err := s.Debit(context.Background(), p)
		if err != nil {
			t.Fatalf("debit: %v", err)
		}

		retry := debit(user, 10, init, testNow)
		retry.Entry.IdempotencyKey = "req-1"
		second, err := s.Debit(context.Background(), retry)
		if err != nil {
			t.Fatalf("retry: %v", err)
		}
		if !second.Replayed || second.Entry.ID != first.Entry.ID {
			t.Fatalf("retry was not replayed: %+v", second)
		}
		acc, _ := s.Account(context.Background(), user, init, testNow)
		if acc.Balance != 40 {
			t.Fatalf("balance = %d, want 40", acc.Balance)
		}
	})

	t.Run("refund only once", func(t *testing.T) {
		s := newStore(t)
		user := newUser()
		init := testInit(50, 50)

		res, err := s.Debit(context.Background(), debit(user, 8, init, testNow))
		if err != nil {
			t.Fatalf("debit: %v", err)
		}

		refund := credit(user, 8, model.ReasonRefund, init, testNow)
		refund.Entry.RefundOf = res.Entry.ID
		out, err := s.Credit(context.Background(), refund)
		if err != nil {
			t.Fatalf("refund: %v", err)
		}
		if out.Account.Balance != 50 || out.Account.DailySpent != 8 {
			t.Fatalf("after refund: %+v", out.Account)
		}

		again := credit(user, 8, model.ReasonRefund, init, testNow)
		again.Entry.RefundOf = res.Entry.ID
		if _, err := s.Credit(context.Background(), again); !errors.Is(err, model.ErrAlreadyRefunded) {
			t.Fatalf("expected ErrAlreadyRefunded, got %v", err)
		}
	})

	t.Run("entries newest first", func(t *testing.T) {
		s := newStore(t)
		user := newUser()
		init := testInit(100, 100)

		var ids []string
		for i := 1; i <= 3; i++ {
			res, err := s.Debit(context.Background(), debit(user, int64(i), init, testNow.Add(time.Duration(i)*time.Second)))
			if err != nil {
				t.Fatalf("debit %d: %v", i, err)
			}
			ids = append(ids, res.Entry.ID)
		}

		entries, err := s.ListEntries(context.Background(), user, 2)
		if err != nil {
			t.Fatalf("ListEntries: %v", err)
		}
		if len(entries) != 2 || entries[0].ID != ids[2] || entries[1].ID != ids[1] {
			t.Fatalf("unexpected order %+v", entries)
		}

		got, err := s.Entry(context.Background(), user, ids[0])
		if err != nil {
			t.Fatalf("Entry: %v", err)
		}
		if got.Amount != 1 || got.Metadata["source"] != "test" {
			t.Fatalf("unexpected entry %+v", got)
		}
		if _, err := s.Entry(context.Background(), user, uuid.NewString()); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("concurrent debits never overspend", func(t *testing.T) {
		s := newStore(t)
		user := newUser()
		init := testInit(10, 100)
		if _, err := s.Account(context.Background(), user, init, testNow); err != nil {
			t.Fatalf("Account: %v", err)
		}

		const workers = 12
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			ok       int
			rejected int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Debit(context.Background(), debit(user, 3, init, testNow))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, model.ErrInsufficientBalance):
					rejected++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if ok != 3 || rejected != workers-3 {
			t.Fatalf("ok=%d rejected=%d", ok, rejected)
		}
		acc, _ := s.Account(context.Background(), user, init, testNow)
		if acc.Balance != 1 {
			t.Fatalf("balance = %d, want 1", acc.Balance)
		}
	})

	t.Run("credit past max balance is rejected", func(t *testing.T) {
		s := newStore(t)
		user := newUser()
		init := testInit(10, 5)

		for _, amount := range []int64{model.MaxAmount, model.MaxAmount + 2, math.MaxInt64} {
			if _, err := s.Credit(context.Background(), credit(user, amount, model.ReasonPurchase, init, testNow)); !errors.Is(err, model.ErrInvalidAmount) {
				t.Fatalf("credit %d: expected ErrInvalidAmount, got %v", amount, err)
			}
		}

		acc, err := s.Account(context.Background(), user, init, testNow)
		if err != nil {
			t.Fatalf("Account: %v", err)
		}
		if acc.Balance != 10 || acc.LifetimeEarned != 10 || acc.Version != 1 {
			t.Fatalf("rejected credits changed the account: %+v", acc)
		}

		res, err := s.Credit(context.Background(), credit(user, model.MaxAmount-10, model.ReasonPurchase, init, testNow))
		if err != nil {
			t.Fatalf("credit up to max: %v", err)
		}
		if res.Account.Balance != model.MaxAmount || res.Entry.BalanceAfter != model.MaxAmount {
			t.Fatalf("balance = %d, entry balance_after = %d, want %d",
				res.Account.Balance, res.Entry.BalanceAfter, model.MaxAmount)
		}
		if _, err := s.Credit(context.Background(), credit(user, 1, model.ReasonBonus, init, testNow)); !errors.Is(err, model.ErrInvalidAmount) {
			t.Fatalf("credit at max: expected ErrInvalidAmount, got %v", err)
		}
	})
}

func newUser() string { return "user-" + uuid.NewString() }

func testInit(grant, limit int64) NewAccount {
	return NewAccount{Plan: "free", DailyLimit: limit, Grant: grant, GrantEntryID: uuid.NewString()}
}

func debit(user string, amount int64, init NewAccount, now time.Time) WriteParams {
	return WriteParams{
		Entry: model.LedgerEntry{
			ID:        uuid.NewString(),
			UserID:    user,
			Amount:    amount,
			Reason:    model.ReasonImageGeneration,
			Metadata:  map[string]any{"source": "test"},
			CreatedAt: now,
		},
		Init: init,
		Now:  now,
	}
}

func credit(user string, amount int64, reason string, init NewAccount, now time.Time) WriteParams {
	return WriteParams{
		Entry: model.LedgerEntry{
			ID:        uuid.NewString(),
			UserID:    user,
			Amount:    amount,
			Reason:    reason,
			CreatedAt: now,
		},
		Init: init,
		Now:  now,
	}
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}
