package core

import (
	"PositionLedger/internal/math"
	"PositionLedger/internal/state"
)

// EvaluateLimitAlarm reports whether position has crossed the alarm threshold:
// position > liquidityCover * thresholdAlarmPercentage.
func EvaluateLimitAlarm(cfg math.DecimalConfig, position, liquidityCover math.Decimal, limit state.ParticipantLimit) bool {
	threshold := cfg.Mul(liquidityCover, limit.ThresholdAlarmPercentage)
	return position.GreaterThan(threshold)
}
