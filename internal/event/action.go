package event

// Action is the event action carried in metadata.event.action.
type Action string

const (
	ActionPrepare           Action = "prepare"
	ActionFxPrepare         Action = "fx-prepare"
	ActionAbort             Action = "abort"
	ActionFxAbort           Action = "fx-abort"
	ActionAbortValidation   Action = "abort-validation"
	ActionFxAbortValidation Action = "fx-abort-validation"
	ActionCommit            Action = "commit"
	ActionReserve           Action = "reserve"
	ActionTimeoutReserved   Action = "timeout-reserved"
)

// IsAbort reports whether the action compensates a position (abort family).
func (a Action) IsAbort() bool {
	switch a {
	case ActionAbort, ActionFxAbort, ActionAbortValidation, ActionFxAbortValidation:
		return true
	default:
		return false
	}
}

// IsFx reports whether the action is keyed by commitRequestId.
func (a Action) IsFx() bool {
	switch a {
	case ActionFxPrepare, ActionFxAbort, ActionFxAbortValidation:
		return true
	default:
		return false
	}
}

// IsValidation reports whether the abort was raised by hub-side validation.
func (a Action) IsValidation() bool {
	return a == ActionAbortValidation || a == ActionFxAbortValidation
}

// Type is the event type; it doubles as the topic family.
type Type string

const (
	TypePosition     Type = "position"
	TypeNotification Type = "notification"
	TypeTransfer     Type = "transfer"
	TypeEvent        Type = "event"
)

const (
	StatusSuccess = "success"
	StatusFailure = "error"
)
