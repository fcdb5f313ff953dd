package coupon

import (
	"time"
)

// Status is the derived usability of an instrument at an instant.
type Status string

const (
	StatusActive    Status = "active"
	StatusExhausted Status = "exhausted"
	StatusExpired   Status = "expired"
)

// ParseStatus maps a filter value to a Status. Unknown values yield "".
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusActive, StatusExhausted, StatusExpired:
		return Status(s)
	}
	return ""
}

// Evaluate derives the status of inst at now.
//
// Exhaustion is checked before expiry: an exhausted instrument carries a
// synthetic past expiry, and it must keep reading as Exhausted.
func Evaluate(inst Instrument, now time.Time) Status {
	if !inst.CurrentBalance.IsPositive() {
		return StatusExhausted
	}
	if inst.ExpiresAt != nil && inst.ExpiresAt.Before(now) {
		return StatusExpired
	}
	return StatusActive
}
