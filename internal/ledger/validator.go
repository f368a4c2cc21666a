package ledger

import (
	"PositionLedger/internal/core"
	"PositionLedger/internal/math"
	"PositionLedger/internal/state"
	"errors"
	"fmt"
)

var (
	ErrConservation  = errors.New("position not conserved")
	ErrBrokenChain   = errors.New("position change chain broken")
	ErrStateNotFinal = errors.New("transfer left in pre-bin state")
	ErrStateMismatch = errors.New("state change disagrees with state map")
)

// BinCheck describes one processed bin for validation.
type BinCheck struct {
	Account state.AccountID
	Initial math.Decimal
	// IDs must each end in a state this engine settles to.
	IDs    []string
	IsFx   bool
	Result *core.BinResult
}

// InvariantValidator checks bin results before they are persisted.
type InvariantValidator struct {
	tracker *PositionTracker
}

func NewInvariantValidator(tracker *PositionTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBin runs every check and, when all pass, applies the result to
// the tracker.
func (v *InvariantValidator) ValidateBin(c BinCheck) error {
	if err := v.ValidateConservation(c.Initial, c.Result); err != nil {
		return fmt.Errorf("account %s: %w", c.Account, err)
	}
	if err := v.ValidateStateExclusivity(c.IDs, c.IsFx, c.Result); err != nil {
		return fmt.Errorf("account %s: %w", c.Account, err)
	}
	if err := v.ValidateStateChanges(c.Result); err != nil {
		return fmt.Errorf("account %s: %w", c.Account, err)
	}
	return v.tracker.Apply(c.Account, c.Result)
}

// ValidateConservation verifies final - initial == sum(change).
func (v *InvariantValidator) ValidateConservation(initial math.Decimal, res *core.BinResult) error {
	sum := math.Zero
	for _, c := range res.AccumulatedPositionChanges {
		sum = sum.Add(c.Change)
	}
	moved := res.AccumulatedPositionValue.Sub(initial)
	if !moved.Equal(sum) {
		return fmt.Errorf("%w: moved by %s, changes sum to %s", ErrConservation, moved, sum)
	}
	return nil
}

// ValidateStateExclusivity verifies each referenced id holds exactly one
// settled state after the bin.
func (v *InvariantValidator) ValidateStateExclusivity(ids []string, isFx bool, res *core.BinResult) error {
	states := res.AccumulatedTransferStates
	if isFx {
		states = res.AccumulatedFxTransferStates
	}
	for _, id := range ids {
		if s := states[id]; !s.IsSettledByEngine() {
			return fmt.Errorf("%w: %s is %q", ErrStateNotFinal, id, s)
		}
	}
	return nil
}

// ValidateStateChanges verifies the last recorded change of every id matches
// the returned state map.
func (v *InvariantValidator) ValidateStateChanges(res *core.BinResult) error {
	last := make(map[string]state.TransferState)
	for _, c := range res.AccumulatedTransferStateChanges {
		last[c.TransferID] = c.TransferStateID
	}
	for id, s := range last {
		if res.AccumulatedTransferStates[id] != s {
			return fmt.Errorf("%w: transfer %s recorded %q, map holds %q",
				ErrStateMismatch, id, s, res.AccumulatedTransferStates[id])
		}
	}

	lastFx := make(map[string]state.TransferState)
	for _, c := range res.AccumulatedFxTransferStateChanges {
		lastFx[c.CommitRequestID] = c.TransferStateID
	}
	for id, s := range lastFx {
		if res.AccumulatedFxTransferStates[id] != s {
			return fmt.Errorf("%w: fx transfer %s recorded %q, map holds %q",
				ErrStateMismatch, id, s, res.AccumulatedFxTransferStates[id])
		}
	}
	return nil
}
