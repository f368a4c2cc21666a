package ledger

import (
	"PositionLedger/internal/core"
	"PositionLedger/internal/math"
	"PositionLedger/internal/state"
	"fmt"
	"sort"
)

// PositionTracker maintains in-memory account positions for one dispatcher
// batch. Positions are loaded from storage, advanced bin by bin and then
// handed back for persistence.
type PositionTracker struct {
	cfg       math.DecimalConfig
	positions map[state.AccountID]state.AccountPosition
	touched   map[state.AccountID]bool
}

func NewPositionTracker(cfg math.DecimalConfig) *PositionTracker {
	return &PositionTracker{
		cfg:       cfg,
		positions: make(map[state.AccountID]state.AccountPosition),
		touched:   make(map[state.AccountID]bool),
	}
}

// Load seeds an account position as read from storage.
func (pt *PositionTracker) Load(pos state.AccountPosition) {
	pt.positions[pos.ParticipantCurrencyID] = pos
}

// Get returns the current position of an account. Unknown accounts are zero.
func (pt *PositionTracker) Get(id state.AccountID) state.AccountPosition {
	pos, ok := pt.positions[id]
	if !ok {
		return state.AccountPosition{ParticipantCurrencyID: id}
	}
	return pos
}

// Apply replays the position changes of a bin result on top of the tracked
// position and adopts the result's final values. Each change must chain:
// value == round(previous value + change).
func (pt *PositionTracker) Apply(id state.AccountID, res *core.BinResult) error {
	pos := pt.Get(id)
	running := pos.Value
	for i, c := range res.AccumulatedPositionChanges {
		running = pt.cfg.Add(running, c.Change)
		if !running.Equal(c.Value) {
			return fmt.Errorf("%w: account %s change %d (%s): value %s, expected %s",
				ErrBrokenChain, id, i, c.ID(), c.Value, running)
		}
	}
	if !running.Equal(res.AccumulatedPositionValue) {
		return fmt.Errorf("%w: account %s final position %s, changes lead to %s",
			ErrConservation, id, res.AccumulatedPositionValue, running)
	}

	pos.Value = res.AccumulatedPositionValue
	pos.ReservedValue = res.AccumulatedPositionReservedValue
	pt.positions[id] = pos
	pt.touched[id] = true
	return nil
}

// Touched returns the accounts changed by Apply, in ascending id order.
func (pt *PositionTracker) Touched() []state.AccountPosition {
	ids := make([]state.AccountID, 0, len(pt.touched))
	for id := range pt.touched {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]state.AccountPosition, 0, len(ids))
	for _, id := range ids {
		out = append(out, pt.positions[id])
	}
	return out
}

// NetPosition sums all tracked positions. Useful as a batch-level log field.
func (pt *PositionTracker) NetPosition() math.Decimal {
	total := math.Zero
	for _, pos := range pt.positions {
		total = total.Add(pos.Value)
	}
	return total
}

// Snapshot returns a copy of all positions.
func (pt *PositionTracker) Snapshot() map[state.AccountID]state.AccountPosition {
	snapshot := make(map[state.AccountID]state.AccountPosition, len(pt.positions))
	for k, v := range pt.positions {
		snapshot[k] = v
	}
	return snapshot
}
