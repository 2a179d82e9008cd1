package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tokenledger/internal/model"
)

var (
	//go:embed lua/write.lua
	writeLua string
	//go:embed lua/warm.lua
	warmLua string

	writeScript = redis.NewScript(writeLua)
	warmScript  = redis.NewScript(warmLua)
)

// Script status codes.
const (
	statusOK              = 1
	statusReplayed        = 2
	statusMissing         = -1
	statusDailyLimit      = -2
	statusInsufficient    = -3
	statusAlreadyRefunded = -4
	statusOverflow        = -5
)

const (
	opAccount = "account"
	opDebit   = "debit"
	opCredit  = "credit"

	snapshotReplyLength    = 13
	errUnexpectedReplyText = "unexpected reply from ledger script"
)

// AccountSource is the durable archive behind the cache. It seeds a cold
// account and answers for history the cache no longer holds.
type AccountSource interface {
	Snapshot(ctx context.Context, userID string) (*model.Account, error)
	Entry(ctx context.Context, userID, entryID string) (*model.LedgerEntry, error)
	ListEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)
	Refunded(ctx context.Context, entryID string) (bool, error)
}

// RedisStore keeps the hot copy of every account in a Redis hash and applies
// writes with a Lua script, so each check-and-decrement is one server-side
// step scoped to a single account. Writes are announced on the bus for the
// archive worker.
type RedisStore struct {
	rdb     *redis.Client
	bus     MessageBus
	archive AccountSource
	logger  *slog.Logger
}

// NewRedisStore builds the store. bus and archive may be nil: without a bus
// nothing is archived, without an archive a cache miss creates a new account.
func NewRedisStore(rdb *redis.Client, bus MessageBus, archive AccountSource, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{rdb: rdb, bus: bus, archive: archive, logger: logger}
}

func accountKey(userID string) string { return "ledger:{" + userID + "}:account" }
func entriesKey(userID string) string { return "ledger:{" + userID + "}:entries" }
func idemKey(userID string) string    { return "ledger:{" + userID + "}:idem" }
func refundsKey(userID string) string { return "ledger:{" + userID + "}:refunds" }
func entryKey(userID, entryID string) string {
	return "ledger:{" + userID + "}:entry:" + entryID
}

type scriptReply struct {
	status   int64
	created  bool
	replayID string
	account  model.Account
}

func (s *RedisStore) Account(ctx context.Context, userID string, init NewAccount, now time.Time) (*model.Account, error) {
	entry := model.LedgerEntry{UserID: userID}
	reply, err := s.run(ctx, opAccount, entry, init, now)
	if err != nil {
		return nil, err
	}
	return &reply.account, nil
}

func (s *RedisStore) Debit(ctx context.Context, p WriteParams) (*WriteResult, error) {
	return s.write(ctx, opDebit, p)
}

func (s *RedisStore) Credit(ctx context.Context, p WriteParams) (*WriteResult, error) {
	return s.write(ctx, opCredit, p)
}

func (s *RedisStore) write(ctx context.Context, op string, p WriteParams) (*WriteResult, error) {
	if !model.ValidAmount(p.Entry.Amount) {
		return nil, fmt.Errorf("%w: %d", model.ErrInvalidAmount, p.Entry.Amount)
	}
	if ref := p.Entry.RefundOf; ref != "" && s.archive != nil {
		// The cached refund markers do not survive a cache loss.
		done, err := s.archive.Refunded(ctx, ref)
		if err != nil {
			return nil, err
		}
		if done {
			return nil, fmt.Errorf("%w: %s", model.ErrAlreadyRefunded, ref)
		}
	}
	now := p.Now.UTC().Truncate(time.Millisecond)
	reply, err := s.run(ctx, op, p.Entry, p.Init, now)
	if err != nil {
		return nil, err
	}
	acc := reply.account

	switch reply.status {
	case statusOK:
		e := p.Entry
		e.Kind = model.EntryCredit
		if op == opDebit {
			e.Kind = model.EntryDebit
		}
		e.BalanceAfter = acc.Balance
		e.CreatedAt = now
		s.publish(model.EntryEvent{Entry: e, Account: acc})
		return &WriteResult{Entry: e, Account: acc, Grant: reply.grant(p.Init, now)}, nil
	case statusReplayed:
		prev, err := s.Entry(ctx, p.Entry.UserID, reply.replayID)
		if err != nil {
			return nil, err
		}
		return &WriteResult{Entry: *prev, Account: acc, Replayed: true}, nil
	case statusDailyLimit:
		return nil, fmt.Errorf("%w: spent %d of %d today, requested %d",
			model.ErrDailyLimitExceeded, acc.DailySpent, acc.DailyLimit, p.Entry.Amount)
	case statusInsufficient:
		return nil, fmt.Errorf("%w: required %d, available %d",
			model.ErrInsufficientBalance, p.Entry.Amount, acc.Balance)
	case statusAlreadyRefunded:
		return nil, fmt.Errorf("%w: %s", model.ErrAlreadyRefunded, p.Entry.RefundOf)
	case statusOverflow:
		return nil, balanceOverflow(acc.Balance, p.Entry.Amount)
	default:
		return nil, storageErr(op, fmt.Errorf("unknown status %d", reply.status))
	}
}

// run executes the write script. A missing hash is first seeded from the
// archive, then the script is repeated with permission to create the account.
func (s *RedisStore) run(ctx context.Context, op string, e model.LedgerEntry, init NewAccount, now time.Time) (*scriptReply, error) {
	now = now.UTC().Truncate(time.Millisecond)
	reply, err := s.eval(ctx, op, e, init, now, s.archive == nil)
	if err != nil {
		return nil, err
	}
	if reply.status == statusMissing {
		s.logger.Debug("cold account, warming from archive", "user_id", e.UserID)
		if err := s.warm(ctx, e.UserID); err != nil {
			return nil, err
		}
		if reply, err = s.eval(ctx, op, e, init, now, true); err != nil {
			return nil, err
		}
	}
	if reply.created {
		s.logger.Info("account created", "user_id", e.UserID, "plan", init.Plan, "grant", init.Grant)
		s.publishGrant(reply, init, now)
	}
	return reply, nil
}

func (s *RedisStore) eval(ctx context.Context, op string, e model.LedgerEntry, init NewAccount, now time.Time, create bool) (*scriptReply, error) {
	meta, err := json.Marshal(orEmpty(e.Metadata))
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	grantMeta, _ := json.Marshal(map[string]any{"plan": init.Plan})

	createFlag := "0"
	if create {
		createFlag = "1"
	}
	keys := []string{
		accountKey(e.UserID), entriesKey(e.UserID), idemKey(e.UserID), refundsKey(e.UserID),
		entryKey(e.UserID, e.ID), entryKey(e.UserID, init.GrantEntryID),
	}
	args := []any{
		op, e.Amount, now.UnixMilli(), model.WindowStart(now).UnixMilli(), createFlag,
		init.Plan, init.DailyLimit, init.Grant, init.GrantEntryID, string(grantMeta),
		e.UserID, e.ID, e.Reason, string(meta), e.IdempotencyKey, e.RefundOf,
		model.MaxAmount,
	}

	raw, err := writeScript.Run(ctx, s.rdb, keys, args...).Slice()
	if err != nil {
		return nil, storageErr("ledger script", err)
	}
	return parseReply(e.UserID, raw)
}

func (s *RedisStore) warm(ctx context.Context, userID string) error {
	acc, err := s.archive.Snapshot(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = warmScript.Run(ctx, s.rdb, []string{accountKey(userID)},
		"plan", acc.Plan,
		"balance", acc.Balance,
		"daily_spent", acc.DailySpent,
		"daily_limit", acc.DailyLimit,
		"window_start", acc.WindowStart.UnixMilli(),
		"lifetime_earned", acc.LifetimeEarned,
		"lifetime_spent", acc.LifetimeSpent,
		"version", acc.Version,
		"created_at", acc.CreatedAt.UnixMilli(),
		"updated_at", acc.UpdatedAt.UnixMilli(),
	).Result()
	if err != nil {
		return storageErr("warm account", err)
	}
	return nil
}

func (s *RedisStore) Entry(ctx context.Context, userID, entryID string) (*model.LedgerEntry, error) {
	fields, err := s.rdb.HGetAll(ctx, entryKey(userID, entryID)).Result()
	if err != nil {
		return nil, storageErr("get entry", err)
	}
	if len(fields) == 0 {
		if s.archive != nil {
			return s.archive.Entry(ctx, userID, entryID)
		}
		return nil, fmt.Errorf("entry %s: %w", entryID, model.ErrNotFound)
	}
	return decodeEntry(fields)
}

// ListEntries reads the cached history and tops it up from the archive when
// the cache holds fewer entries than asked for.
func (s *RedisStore) ListEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	n := listLimit(limit)
	hot, err := s.cachedEntries(ctx, userID, n)
	if err != nil || s.archive == nil || len(hot) >= n {
		return hot, err
	}
	cold, err := s.archive.ListEntries(ctx, userID, n)
	if err != nil {
		s.logger.Warn("archived history unavailable", "user_id", userID, "error", err)
		return hot, nil
	}
	return mergeEntries(hot, cold, n), nil
}

// mergeEntries joins both histories newest first, preferring the cached
// copy of an entry. Ties keep cached order.
func mergeEntries(hot, cold []model.LedgerEntry, n int) []model.LedgerEntry {
	seen := make(map[string]bool, len(hot))
	out := make([]model.LedgerEntry, 0, len(hot)+len(cold))
	for _, e := range hot {
		seen[e.ID] = true
		out = append(out, e)
	}
	for _, e := range cold {
		if !seen[e.ID] {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b model.LedgerEntry) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func (s *RedisStore) cachedEntries(ctx context.Context, userID string, n int) ([]model.LedgerEntry, error) {
	ids, err := s.rdb.LRange(ctx, entriesKey(userID), 0, int64(n)-1).Result()
	if err != nil {
		return nil, storageErr("list entries", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, entryKey(userID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storageErr("list entries", err)
	}

	out := make([]model.LedgerEntry, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		e, err := decodeEntry(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) publish(ev model.EntryEvent) {
	if s.bus == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("encode entry event", "entry_id", ev.Entry.ID, "error", err)
		return
	}
	if err := s.bus.Publish(TopicEntryCreated, data); err != nil {
		s.logger.Error("publish entry event", "entry_id", ev.Entry.ID, "error", err)
	}
}

// grant rebuilds the grant entry for an account the script just created.
func (r *scriptReply) grant(init NewAccount, now time.Time) *model.LedgerEntry {
	if !r.created {
		return nil
	}
	return grantEntry(r.account, init, now)
}

// publishGrant announces the grant ahead of the entry that triggered the
// account creation, so the archive sees them in order.
func (s *RedisStore) publishGrant(reply *scriptReply, init NewAccount, now time.Time) {
	g := reply.grant(init, now)
	if g == nil {
		return
	}
	acc := newAccount(g.UserID, init, now)
	s.publish(model.EntryEvent{Entry: *g, Account: acc})
}

func parseReply(userID string, raw []any) (*scriptReply, error) {
	if len(raw) == 0 {
		return nil, storageErr("ledger script", errors.New(errUnexpectedReplyText))
	}
	status, ok := raw[0].(int64)
	if !ok {
		return nil, storageErr("ledger script", errors.New(errUnexpectedReplyText))
	}
	reply := &scriptReply{status: status}
	if status == statusMissing {
		return reply, nil
	}
	if len(raw) != snapshotReplyLength {
		return nil, storageErr("ledger script", errors.New(errUnexpectedReplyText))
	}

	var nums [9]int64
	for i := range nums {
		n, err := replyInt(raw[4+i])
		if err != nil {
			return nil, storageErr("ledger script", err)
		}
		nums[i] = n
	}
	created, _ := replyInt(raw[1])
	reply.created = created == 1
	reply.replayID, _ = raw[2].(string)
	plan, _ := raw[3].(string)
	reply.account = model.Account{
		UserID:         userID,
		Plan:           plan,
		Balance:        nums[0],
		DailySpent:     nums[1],
		DailyLimit:     nums[2],
		WindowStart:    time.UnixMilli(nums[3]).UTC(),
		LifetimeEarned: nums[4],
		LifetimeSpent:  nums[5],
		Version:        nums[6],
		CreatedAt:      time.UnixMilli(nums[7]).UTC(),
		UpdatedAt:      time.UnixMilli(nums[8]).UTC(),
	}
	return reply, nil
}

func replyInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("%s: %T", errUnexpectedReplyText, v)
	}
}

func decodeEntry(f map[string]string) (*model.LedgerEntry, error) {
	amount, err := strconv.ParseInt(f["amount"], 10, 64)
	if err != nil {
		return nil, storageErr("decode entry", err)
	}
	after, err := strconv.ParseInt(f["balance_after"], 10, 64)
	if err != nil {
		return nil, storageErr("decode entry", err)
	}
	created, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return nil, storageErr("decode entry", err)
	}
	e := &model.LedgerEntry{
		ID:             f["id"],
		UserID:         f["user_id"],
		Kind:           model.EntryKind(f["kind"]),
		Amount:         amount,
		Reason:         f["reason"],
		BalanceAfter:   after,
		RefundOf:       f["refund_of"],
		IdempotencyKey: f["idempotency_key"],
		CreatedAt:      time.UnixMilli(created).UTC(),
	}
	if m := f["metadata"]; m != "" && m != "{}" && m != "null" {
		if err := json.Unmarshal([]byte(m), &e.Metadata); err != nil {
			return nil, storageErr("decode entry", err)
		}
	}
	return e, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
