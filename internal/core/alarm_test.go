package core

import (
	"PositionLedger/internal/math"
	"PositionLedger/internal/state"
	"testing"
)

func TestEvaluateLimitAlarm(t *testing.T) {
	limit := state.ParticipantLimit{ParticipantLimitID: 1, ThresholdAlarmPercentage: dec("0.8")}

	tests := []struct {
		name     string
		position string
		cover    string
		want     bool
	}{
		{"below threshold", "700", "1000", false},
		{"at threshold", "800", "1000", false},
		{"above threshold", "800.0001", "1000", true},
		{"no cover", "1", "0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateLimitAlarm(math.AmountConfig, dec(tt.position), dec(tt.cover), limit); got != tt.want {
				t.Errorf("EvaluateLimitAlarm(%s, %s) = %v, want %v", tt.position, tt.cover, got, tt.want)
			}
		})
	}
}

func TestChainDigest(t *testing.T) {
	a := ChainDigest("", "abc")
	if a != ChainDigest("", "abc") {
		t.Fatal("chain digest not stable")
	}
	if a == ChainDigest(a, "abc") {
		t.Fatal("chain digest ignores previous link")
	}
}
