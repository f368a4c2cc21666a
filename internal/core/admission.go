package core

import (
	"PositionLedger/internal/fspiop"
	"PositionLedger/internal/math"
	"PositionLedger/internal/state"
)

// admission tracks the running position and the two headrooms of one
// account across a prepare bin. Headroom shrinks by every admitted amount.
type admission struct {
	cfg   math.DecimalConfig
	limit state.ParticipantLimit

	position             math.Decimal
	liquidityCover       math.Decimal
	availableByLiquidity math.Decimal
	availableByLimit     math.Decimal
}

func newAdmission(cfg math.DecimalConfig, opts PrepareOptions) *admission {
	effective := cfg.Add(opts.PositionValue, opts.PositionReservedValue)
	cover := cfg.Round(opts.SettlementParticipantPosition.Neg())

	return &admission{
		cfg:                  cfg,
		limit:                opts.ParticipantLimit,
		position:             opts.PositionValue,
		liquidityCover:       cover,
		availableByLiquidity: cfg.Sub(cover, effective),
		availableByLimit:     cfg.Sub(opts.ParticipantLimit.Value, effective),
	}
}

// check returns the business rejection for amount, or 0 when it fits.
func (a *admission) check(amount math.Decimal) fspiop.ErrorKind {
	if a.availableByLiquidity.LessThan(amount) {
		return fspiop.KindPayerFSPInsufficientLiquidity
	}
	if a.availableByLimit.LessThan(amount) {
		return fspiop.KindPayerLimitError
	}
	return 0
}

// admit moves the position and returns the new value.
func (a *admission) admit(amount math.Decimal) math.Decimal {
	a.position = a.cfg.Add(a.position, amount)
	a.availableByLiquidity = a.cfg.Sub(a.availableByLiquidity, amount)
	a.availableByLimit = a.cfg.Sub(a.availableByLimit, amount)
	return a.position
}

func (a *admission) alarmed() bool {
	return EvaluateLimitAlarm(a.cfg, a.position, a.liquidityCover, a.limit)
}
