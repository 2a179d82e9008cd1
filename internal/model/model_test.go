package model

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestWindowBoundaries(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 02:30 in UTC+9 is still the previous day in UTC.
	ts := time.Date(2026, 3, 10, 2, 30, 0, 0, loc)

	start := WindowStart(ts)
	want := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	if !start.Equal(want) {
		t.Fatalf("WindowStart = %v, want %v", start, want)
	}
	if next := NextReset(ts); !next.Equal(want.Add(24 * time.Hour)) {
		t.Fatalf("NextReset = %v", next)
	}
	if !WindowStart(want).Equal(want) {
		t.Fatalf("midnight must start its own window")
	}
}

func TestAccountRolled(t *testing.T) {
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	acc := Account{DailySpent: 5, DailyLimit: 5, WindowStart: day}

	same := acc.Rolled(day.Add(23 * time.Hour))
	if same.DailySpent != 5 || same.DailyRemaining() != 0 {
		t.Fatalf("same window must keep spend, got %+v", same)
	}

	next := acc.Rolled(day.Add(24 * time.Hour))
	if next.DailySpent != 0 {
		t.Fatalf("expected reset, got daily_spent=%d", next.DailySpent)
	}
	if next.DailyRemaining() != 5 {
		t.Fatalf("expected full headroom, got %d", next.DailyRemaining())
	}
	if !next.WindowStart.Equal(day.Add(24 * time.Hour)) {
		t.Fatalf("unexpected window start %v", next.WindowStart)
	}
}

func TestDailyLimitIsInsufficientBalance(t *testing.T) {
	err := fmt.Errorf("deduct: %w", ErrDailyLimitExceeded)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatal("daily limit rejection must classify as insufficient balance")
	}
	if errors.Is(ErrInsufficientBalance, ErrDailyLimitExceeded) {
		t.Fatal("plain insufficient balance is not a daily limit rejection")
	}
	if got := ErrorCode(err); got != "DAILY_LIMIT_EXCEEDED" {
		t.Fatalf("ErrorCode = %s", got)
	}
	if got := ErrorCode(ErrInsufficientBalance); got != "INSUFFICIENT_TOKENS" {
		t.Fatalf("ErrorCode = %s", got)
	}
}
