package model

import "time"

// The daily window is fixed to UTC midnight so every instance agrees on the
// boundary regardless of its local zone.

func WindowStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextReset returns the first instant of the window after the one holding t.
func NextReset(t time.Time) time.Time {
	return WindowStart(t).AddDate(0, 0, 1)
}
