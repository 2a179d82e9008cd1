package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tokenledger/internal/model"
)

const (
	accountColumns = `user_id, plan, balance, daily_spent, daily_limit, window_start,
		lifetime_earned, lifetime_spent, version, created_at, updated_at`
	entryColumns = `id::text, user_id, kind, amount, reason, metadata, balance_after,
		refund_of::text, idempotency_key, created_at`

	uniqueViolation   = "23505"
	refundOfIndexName = "idx_ledger_entries_refund_of"
)

// PostgresStore keeps accounts and entries in Postgres. Every write runs in
// one transaction holding the account row lock, which serializes writers of
// the same account and nothing else.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Account(ctx context.Context, userID string, init NewAccount, now time.Time) (*model.Account, error) {
	var acc *model.Account
	err := s.withTx(ctx, "account", func(tx pgx.Tx) error {
		if _, err := ensureAccount(ctx, tx, userID, init, now); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE accounts SET daily_spent = 0, window_start = $2
			 WHERE user_id = $1 AND window_start < $2`,
			userID, model.WindowStart(now))
		if err != nil {
			return storageErr("roll window", err)
		}
		acc, err = scanAccount(tx.QueryRow(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
		if err != nil {
			return storageErr("select account", err)
		}
		return nil
	})
	return acc, err
}

func (s *PostgresStore) Debit(ctx context.Context, p WriteParams) (*WriteResult, error) {
	var res *WriteResult
	err := s.withTx(ctx, "debit", func(tx pgx.Tx) error {
		grant, err := ensureAccount(ctx, tx, p.Entry.UserID, p.Init, p.Now)
		if err != nil {
			return err
		}
		acc, err := lockAccount(ctx, tx, p.Entry.UserID)
		if err != nil {
			return err
		}

		if key := p.Entry.IdempotencyKey; key != "" {
			prev, err := scanEntry(tx.QueryRow(ctx,
				`SELECT `+entryColumns+` FROM ledger_entries
				 WHERE user_id = $1 AND idempotency_key = $2`,
				p.Entry.UserID, key))
			switch {
			case err == nil:
				res = &WriteResult{Entry: *prev, Account: *acc, Replayed: true}
				return nil
			case !errors.Is(err, pgx.ErrNoRows):
				return storageErr("select idempotent entry", err)
			}
		}

		next := acc.Rolled(p.Now)
		if err := applyDebit(&next, p.Entry.Amount, p.Now); err != nil {
			return err
		}
		e := p.Entry
		e.Kind = model.EntryDebit
		e.BalanceAfter = next.Balance
		if err := updateAccount(ctx, tx, next); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, e); err != nil {
			return err
		}
		res = &WriteResult{Entry: e, Account: next, Grant: grant}
		return nil
	})
	return res, err
}

func (s *PostgresStore) Credit(ctx context.Context, p WriteParams) (*WriteResult, error) {
	var res *WriteResult
	err := s.withTx(ctx, "credit", func(tx pgx.Tx) error {
		grant, err := ensureAccount(ctx, tx, p.Entry.UserID, p.Init, p.Now)
		if err != nil {
			return err
		}
		acc, err := lockAccount(ctx, tx, p.Entry.UserID)
		if err != nil {
			return err
		}

		if ref := p.Entry.RefundOf; ref != "" {
			exists, err := refundExists(ctx, tx, ref)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%w: %s", model.ErrAlreadyRefunded, ref)
			}
		}

		next := acc.Rolled(p.Now)
		if err := applyCredit(&next, p.Entry.Amount, p.Now); err != nil {
			return err
		}
		e := p.Entry
		e.Kind = model.EntryCredit
		e.BalanceAfter = next.Balance
		if err := updateAccount(ctx, tx, next); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, e); err != nil {
			return err
		}
		res = &WriteResult{Entry: e, Account: next, Grant: grant}
		return nil
	})
	return res, err
}

func (s *PostgresStore) Entry(ctx context.Context, userID, entryID string) (*model.LedgerEntry, error) {
	if _, err := uuid.Parse(entryID); err != nil {
		return nil, fmt.Errorf("entry %s: %w", entryID, model.ErrNotFound)
	}
	e, err := scanEntry(s.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE user_id = $1 AND id = $2`,
		userID, entryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", entryID, model.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("select entry", err)
	}
	return e, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, listLimit(limit))
	if err != nil {
		return nil, storageErr("list entries", err)
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, storageErr("scan entry", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list entries", err)
	}
	return out, nil
}

// Refunded reports whether a refund of entryID has been archived.
func (s *PostgresStore) Refunded(ctx context.Context, entryID string) (bool, error) {
	if _, err := uuid.Parse(entryID); err != nil {
		return false, nil
	}
	return refundExists(ctx, s.db, entryID)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func refundExists(ctx context.Context, q rowQuerier, entryID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE refund_of = $1)`, entryID).Scan(&exists)
	if err != nil {
		return false, storageErr("select refund", err)
	}
	return exists, nil
}

// Snapshot reads the archived account without creating it. Used to warm a
// cold cache.
func (s *PostgresStore) Snapshot(ctx context.Context, userID string) (*model.Account, error) {
	acc, err := scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("select account", err)
	}
	return acc, nil
}

// Archive records an entry produced by another store together with the
// account state right after it. Replays of the same entry are ignored, and
// a snapshot with a lower version than the archived one never overwrites it.
func (s *PostgresStore) Archive(ctx context.Context, ev model.EntryEvent) error {
	return s.withTx(ctx, "archive", func(tx pgx.Tx) error {
		a := ev.Account
		_, err := tx.Exec(ctx,
			`INSERT INTO accounts (`+accountColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (user_id) DO NOTHING`,
			a.UserID, a.Plan, a.Balance, a.DailySpent, a.DailyLimit, a.WindowStart,
			a.LifetimeEarned, a.LifetimeSpent, a.Version, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return storageErr("insert account", err)
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, user_id, kind, amount, reason, metadata,
				balance_after, refund_of, idempotency_key, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO NOTHING`,
			entryArgs(ev.Entry)...)
		if err != nil {
			return storageErr("insert entry", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		_, err = tx.Exec(ctx,
			`UPDATE accounts SET plan = $2, balance = $3, daily_spent = $4, daily_limit = $5,
				window_start = $6, lifetime_earned = $7, lifetime_spent = $8, version = $9, updated_at = $10
			 WHERE user_id = $1 AND version < $9`,
			a.UserID, a.Plan, a.Balance, a.DailySpent, a.DailyLimit, a.WindowStart,
			a.LifetimeEarned, a.LifetimeSpent, a.Version, a.UpdatedAt)
		if err != nil {
			return storageErr("update account", err)
		}
		return nil
	})
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) withTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return storageErr(op+": begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr(op+": commit", err)
	}
	return nil
}

// ensureAccount inserts the account if it does not exist yet and records its
// grant. It returns the grant entry when this call created the account.
func ensureAccount(ctx context.Context, tx pgx.Tx, userID string, init NewAccount, now time.Time) (*model.LedgerEntry, error) {
	acc := newAccount(userID, init, now)
	tag, err := tx.Exec(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (user_id) DO NOTHING`,
		acc.UserID, acc.Plan, acc.Balance, acc.DailySpent, acc.DailyLimit, acc.WindowStart,
		acc.LifetimeEarned, acc.LifetimeSpent, acc.Version, acc.CreatedAt, acc.UpdatedAt)
	if err != nil {
		return nil, storageErr("insert account", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}
	grant := grantEntry(acc, init, now)
	if grant == nil {
		return nil, nil
	}
	if err := insertEntry(ctx, tx, *grant); err != nil {
		return nil, err
	}
	return grant, nil
}

func lockAccount(ctx context.Context, tx pgx.Tx, userID string) (*model.Account, error) {
	acc, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, storageErr("lock account", err)
	}
	return acc, nil
}

func updateAccount(ctx context.Context, tx pgx.Tx, a model.Account) error {
	_, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = $2, daily_spent = $3, window_start = $4,
			lifetime_earned = $5, lifetime_spent = $6, version = $7, updated_at = $8
		 WHERE user_id = $1`,
		a.UserID, a.Balance, a.DailySpent, a.WindowStart,
		a.LifetimeEarned, a.LifetimeSpent, a.Version, a.UpdatedAt)
	if err != nil {
		return storageErr("update account", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e model.LedgerEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, kind, amount, reason, metadata,
			balance_after, refund_of, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entryArgs(e)...)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == refundOfIndexName {
		return fmt.Errorf("%w: %s", model.ErrAlreadyRefunded, e.RefundOf)
	}
	return storageErr("insert entry", err)
}

func entryArgs(e model.LedgerEntry) []any {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return []any{
		e.ID, e.UserID, string(e.Kind), e.Amount, e.Reason, meta,
		e.BalanceAfter, nullable(e.RefundOf), nullable(e.IdempotencyKey), e.CreatedAt,
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(&a.UserID, &a.Plan, &a.Balance, &a.DailySpent, &a.DailyLimit, &a.WindowStart,
		&a.LifetimeEarned, &a.LifetimeSpent, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.WindowStart = a.WindowStart.UTC()
	return &a, nil
}

func scanEntry(row pgx.Row) (*model.LedgerEntry, error) {
	var (
		e        model.LedgerEntry
		kind     string
		refundOf *string
		idemKey  *string
	)
	err := row.Scan(&e.ID, &e.UserID, &kind, &e.Amount, &e.Reason, &e.Metadata,
		&e.BalanceAfter, &refundOf, &idemKey, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Kind = model.EntryKind(kind)
	if refundOf != nil {
		e.RefundOf = *refundOf
	}
	if idemKey != nil {
		e.IdempotencyKey = *idemKey
	}
	return &e, nil
}
