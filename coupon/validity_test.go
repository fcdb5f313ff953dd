package coupon

import (
	"testing"
	"time"

	"github.com/warp/coupon-ledger/generic"
)

func TestEvaluate(t *testing.T) {
	now := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	tests := []struct {
		name    string
		balance string
		expires *time.Time
		want    Status
	}{
		{"positive, no expiry", "10", nil, StatusActive},
		{"positive, future expiry", "10", &future, StatusActive},
		{"positive, expiry exactly now", "10", &now, StatusActive},
		{"positive, past expiry", "10", &past, StatusExpired},
		{"zero, no expiry", "0", nil, StatusExhausted},
		{"zero, past expiry", "0", &past, StatusExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := Instrument{
				Code:           "x",
				InitialBalance: generic.MustAmount("10"),
				CurrentBalance: generic.MustAmount(tt.balance),
				ExpiresAt:      tt.expires,
			}
			if got := Evaluate(inst, now); got != tt.want {
				t.Errorf("Evaluate() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	if ParseStatus("expired") != StatusExpired {
		t.Error("expired should parse")
	}
	if ParseStatus("bogus") != "" {
		t.Error("unknown status should be empty")
	}
}
