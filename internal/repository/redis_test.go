package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tokenledger/internal/model"
)

type recordingBus struct {
	mu     sync.Mutex
	events []model.EntryEvent
	topics []string
}

func (b *recordingBus) Publish(topic string, data []byte) error {
	var ev model.EntryEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	b.events = append(b.events, ev)
	return nil
}

type staticArchive struct {
	accounts map[string]model.Account
	entries  []model.LedgerEntry // newest first
}

func (a staticArchive) Snapshot(_ context.Context, userID string) (*model.Account, error) {
	acc, ok := a.accounts[userID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &acc, nil
}

func (a staticArchive) Entry(_ context.Context, userID, entryID string) (*model.LedgerEntry, error) {
	for _, e := range a.entries {
		if e.UserID == userID && e.ID == entryID {
			return &e, nil
		}
	}
	return nil, model.ErrNotFound
}

func (a staticArchive) ListEntries(_ context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	for _, e := range a.entries {
		if e.UserID == userID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (a staticArchive) Refunded(_ context.Context, entryID string) (bool, error) {
	for _, e := range a.entries {
		if e.RefundOf == entryID {
			return true, nil
		}
	}
	return false, nil
}

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewRedisStore(newRedisClient(t), nil, nil, nil)
	})
}

func TestRedisStorePublishesEntries(t *testing.T) {
	bus := &recordingBus{}
	s := NewRedisStore(newRedisClient(t), bus, nil, nil)
	user := newUser()
	init := testInit(20, 10)

	res, err := s.Debit(context.Background(), debit(user, 4, init, testNow))
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if res.Grant == nil || res.Grant.Amount != 20 {
		t.Fatalf("expected grant on first write, got %+v", res.Grant)
	}

	if len(bus.events) != 2 {
		t.Fatalf("expected grant and debit events, got %d", len(bus.events))
	}
	for _, topic := range bus.topics {
		if topic != TopicEntryCreated {
			t.Fatalf("unexpected topic %s", topic)
		}
	}
	grant, spend := bus.events[0], bus.events[1]
	if grant.Entry.Reason != model.ReasonGrant || grant.Account.Version != 1 {
		t.Fatalf("unexpected grant event %+v", grant)
	}
	if spend.Entry.ID != res.Entry.ID || spend.Account.Balance != 16 || spend.Account.Version != 2 {
		t.Fatalf("unexpected debit event %+v", spend)
	}

	if _, err := s.Debit(context.Background(), debit(user, 40, init, testNow)); err == nil {
		t.Fatal("expected rejection")
	}
	if len(bus.events) != 2 {
		t.Fatalf("rejected debit published an event")
	}
}

func TestRedisStoreWarmsFromArchive(t *testing.T) {
	user := newUser()
	archived := model.Account{
		UserID:         user,
		Plan:           "pro",
		Balance:        42,
		DailySpent:     7,
		DailyLimit:     300,
		WindowStart:    model.WindowStart(testNow),
		LifetimeEarned: 100,
		LifetimeSpent:  58,
		Version:        9,
		CreatedAt:      testNow.Add(-48 * time.Hour),
		UpdatedAt:      testNow.Add(-time.Hour),
	}
	bus := &recordingBus{}
	s := NewRedisStore(newRedisClient(t), bus, staticArchive{accounts: map[string]model.Account{user: archived}}, nil)

	res, err := s.Debit(context.Background(), debit(user, 2, testInit(300, 15), testNow))
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if res.Grant != nil {
		t.Fatalf("warmed account must not be granted again")
	}
	acc := res.Account
	if acc.Plan != "pro" || acc.Balance != 40 || acc.DailySpent != 9 || acc.DailyLimit != 300 || acc.Version != 10 {
		t.Fatalf("unexpected warmed account %+v", acc)
	}
	if len(bus.events) != 1 {
		t.Fatalf("expected only the debit event, got %d", len(bus.events))
	}
}

func TestRedisStoreCreatesWhenArchiveEmpty(t *testing.T) {
	s := NewRedisStore(newRedisClient(t), nil, staticArchive{}, nil)
	user := newUser()

	acc, err := s.Account(context.Background(), user, testInit(300, 15), testNow)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if acc.Balance != 300 || acc.Version != 1 {
		t.Fatalf("unexpected account %+v", acc)
	}
}

func TestRedisStoreReadsHistoryFromArchive(t *testing.T) {
	ctx := context.Background()
	user := newUser()
	archived := model.Account{
		UserID:         user,
		Plan:           "free",
		Balance:        10,
		DailyLimit:     15,
		WindowStart:    model.WindowStart(testNow),
		LifetimeEarned: 25,
		LifetimeSpent:  15,
		Version:        5,
		CreatedAt:      testNow.Add(-48 * time.Hour),
		UpdatedAt:      testNow.Add(-time.Hour),
	}
	entry := func(kind model.EntryKind, amount int64, age time.Duration) model.LedgerEntry {
		return model.LedgerEntry{
			ID: uuid.NewString(), UserID: user, Kind: kind, Amount: amount,
			Reason: model.ReasonImageGeneration, CreatedAt: testNow.Add(-age),
		}
	}
	grant := entry(model.EntryCredit, 20, 48*time.Hour)
	first := entry(model.EntryDebit, 5, 3*time.Hour)
	second := entry(model.EntryDebit, 10, 2*time.Hour)
	back := entry(model.EntryCredit, 10, time.Hour)
	back.RefundOf = second.ID
	archive := staticArchive{
		accounts: map[string]model.Account{user: archived},
		entries:  []model.LedgerEntry{back, second, first, grant},
	}
	s := NewRedisStore(newRedisClient(t), nil, archive, nil)

	got, err := s.Entry(ctx, user, first.ID)
	if err != nil || got.Amount != 5 {
		t.Fatalf("Entry from archive = %+v, %v", got, err)
	}
	if _, err := s.Entry(ctx, user, uuid.NewString()); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	refund := credit(user, 5, model.ReasonRefund, testInit(300, 15), testNow)
	refund.Entry.RefundOf = first.ID
	res, err := s.Credit(ctx, refund)
	if err != nil {
		t.Fatalf("refund of archived debit: %v", err)
	}
	if res.Account.Balance != 15 || res.Grant != nil {
		t.Fatalf("unexpected account after refund %+v", res.Account)
	}

	again := credit(user, 5, model.ReasonRefund, testInit(300, 15), testNow)
	again.Entry.RefundOf = first.ID
	if _, err := s.Credit(ctx, again); !errors.Is(err, model.ErrAlreadyRefunded) {
		t.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}
	// Refunded before the cache was lost.
	old := credit(user, 10, model.ReasonRefund, testInit(300, 15), testNow)
	old.Entry.RefundOf = second.ID
	if _, err := s.Credit(ctx, old); !errors.Is(err, model.ErrAlreadyRefunded) {
		t.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}

	history, err := s.ListEntries(ctx, user, 10)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	want := []string{res.Entry.ID, back.ID, second.ID, first.ID, grant.ID}
	if len(history) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(history))
	}
	for i, id := range want {
		if history[i].ID != id {
			t.Fatalf("entry %d = %s, want %s", i, history[i].ID, id)
		}
	}

	page, err := s.ListEntries(ctx, user, 2)
	if err != nil || len(page) != 2 || page[0].ID != res.Entry.ID || page[1].ID != back.ID {
		t.Fatalf("ListEntries(2) = %+v, %v", page, err)
	}
}
