package pairing

import "time"

// Snapshot is an immutable copy of a pairing token record.
type Snapshot struct {
	Token          string
	ScreenID       string
	MeasurementID  string
	State          State
	CreatedAt      time.Time
	ExpiresAt      time.Time
	UnusedDeadline time.Time
	LastActivity   time.Time
	ClaimedBy      string
}

// Claimed reports whether a device has claimed the token.
func (s Snapshot) Claimed() bool {
	return s.ClaimedBy != ""
}

// ExpiredAt reports whether the absolute expiry lapsed at now.
func (s Snapshot) ExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// UnusedTimedOutAt reports whether the token was never claimed before its unused deadline.
func (s Snapshot) UnusedTimedOutAt(now time.Time) bool {
	return !s.Claimed() && now.After(s.UnusedDeadline)
}

// EvictionCause returns the error a caller would observe if the token were
// checked at now, or nil while it is live.
func (s Snapshot) EvictionCause(now time.Time) error {
	switch {
	case s.ExpiredAt(now):
		return ErrExpired
	case s.UnusedTimedOutAt(now):
		return ErrUnusedTimeout
	default:
		return nil
	}
}

type tokenRecord struct {
	snapshot Snapshot
}
