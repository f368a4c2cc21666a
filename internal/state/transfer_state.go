// internal/state/transfer_state.go
package state

// TransferState is the internal state of a transfer or fx-transfer.
type TransferState string

const (
	TransferStateReceivedPrepare TransferState = "RECEIVED-PREPARE"
	TransferStateReserved        TransferState = "RESERVED"
	TransferStateReceivedFulfil  TransferState = "RECEIVED-FULFIL"
	TransferStateCommitted       TransferState = "COMMITTED"
	TransferStateReceivedReject  TransferState = "RECEIVED-REJECT"
	TransferStateAbortedRejected TransferState = "ABORTED-REJECTED"
	TransferStateReceivedError   TransferState = "RECEIVED-ERROR"
	TransferStateAbortedError    TransferState = "ABORTED-ERROR"
	TransferStateExpiredPrepared TransferState = "EXPIRED-PREPARED"
	TransferStateExpiredReserved TransferState = "EXPIRED-RESERVED"
	TransferStateInvalid         TransferState = "INVALID"
)

// positionTransitions lists the only moves the position engine makes.
// Transitions into RECEIVED-* and out of RESERVED belong to fulfilment.
var positionTransitions = map[TransferState][]TransferState{
	TransferStateReceivedPrepare: {
		TransferStateReserved,
		TransferStateAbortedRejected,
	},
	TransferStateReceivedError: {
		TransferStateAbortedError,
	},
}

// CanTransitionTo reports whether the engine may move a transfer from s to next.
func (s TransferState) CanTransitionTo(next TransferState) bool {
	for _, allowed := range positionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsSettledByEngine reports whether s is an outcome this engine produces.
func (s TransferState) IsSettledByEngine() bool {
	switch s {
	case TransferStateReserved, TransferStateAbortedRejected, TransferStateAbortedError:
		return true
	default:
		return false
	}
}

// TransferStates maps transfer id (or commitRequestId) to its current state.
type TransferStates map[string]TransferState

// Clone returns an independent copy. A nil map clones to an empty map.
func (ts TransferStates) Clone() TransferStates {
	out := make(TransferStates, len(ts))
	for id, s := range ts {
		out[id] = s
	}
	return out
}

// TransferStateChange is a state transition record for a direct transfer.
type TransferStateChange struct {
	TransferID      string        `json:"transferId"`
	TransferStateID TransferState `json:"transferStateId"`
	Reason          string        `json:"reason,omitempty"`
}

// FxTransferStateChange is a state transition record for an fx-transfer.
type FxTransferStateChange struct {
	CommitRequestID string        `json:"commitRequestId"`
	TransferStateID TransferState `json:"transferStateId"`
	Reason          string        `json:"reason,omitempty"`
}
