package repository

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"tokenledger/internal/model"
)

// Set TOKENLEDGER_TEST_DSN to a disposable database to run these.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TOKENLEDGER_TEST_DSN")
	if dsn == "" {
		t.Skip("TOKENLEDGER_TEST_DSN not set")
	}
	ctx := context.Background()
	if err := RunMigrations(ctx, dsn, "up"); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return NewPostgresStore(pool)
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return newPostgresStore(t) })
}

func TestPostgresArchive(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	user := newUser()
	init := testInit(20, 10)

	grant := grantEntry(newAccount(user, init, testNow), init, testNow)
	first := model.EntryEvent{Entry: *grant, Account: newAccount(user, init, testNow)}

	spend := debit(user, 5, init, testNow).Entry
	spend.Kind = model.EntryDebit
	spend.BalanceAfter = 15
	after := newAccount(user, init, testNow)
	after.Balance, after.DailySpent, after.LifetimeSpent, after.Version = 15, 5, 5, 2
	second := model.EntryEvent{Entry: spend, Account: after}

	// Out of order, with a duplicate delivery.
	for _, ev := range []model.EntryEvent{second, first, second} {
		if err := s.Archive(ctx, ev); err != nil {
			t.Fatalf("Archive: %v", err)
		}
	}

	acc, err := s.Snapshot(ctx, user)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if acc.Balance != 15 || acc.DailySpent != 5 || acc.Version != 2 {
		t.Fatalf("archive applied a stale snapshot: %+v", acc)
	}
	entries, err := s.ListEntries(ctx, user, 0)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 archived entries, got %d", len(entries))
	}

	if done, err := s.Refunded(ctx, spend.ID); err != nil || done {
		t.Fatalf("Refunded before refund = %v, %v", done, err)
	}
	back := credit(user, 5, model.ReasonRefund, init, testNow).Entry
	back.Kind = model.EntryCredit
	back.RefundOf = spend.ID
	back.BalanceAfter = 20
	refunded := after
	refunded.Balance, refunded.LifetimeEarned, refunded.Version = 20, 25, 3
	if err := s.Archive(ctx, model.EntryEvent{Entry: back, Account: refunded}); err != nil {
		t.Fatalf("Archive refund: %v", err)
	}
	if done, err := s.Refunded(ctx, spend.ID); err != nil || !done {
		t.Fatalf("Refunded after refund = %v, %v", done, err)
	}
	if done, err := s.Refunded(ctx, "not-a-uuid"); err != nil || done {
		t.Fatalf("Refunded(not-a-uuid) = %v, %v", done, err)
	}
}
