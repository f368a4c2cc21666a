// internal/state/position.go
package state

import (
	"PositionLedger/internal/math"
	"encoding/json"
	"fmt"
	"strconv"
)

// AccountID identifies a (participant, currency) account: participantCurrencyId.
type AccountID int64

func (id AccountID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseAccountID parses the decimal form used in message keys and subjects.
func ParseAccountID(s string) (AccountID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid participantCurrencyId %q: %w", s, err)
	}
	return AccountID(v), nil
}

// UnmarshalJSON accepts both 51 and "51".
func (id *AccountID) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		var s string
		if err2 := json.Unmarshal(data, &s); err2 != nil {
			return fmt.Errorf("participantCurrencyId: %w", err)
		}
		n = json.Number(s)
	}
	parsed, err := ParseAccountID(n.String())
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// AccountPosition is the net settlement position of one account.
// Value follows the payer-negative / payee-positive convention.
type AccountPosition struct {
	ParticipantCurrencyID AccountID    `json:"participantCurrencyId"`
	Value                 math.Decimal `json:"value"`
	ReservedValue         math.Decimal `json:"reservedValue"`
}

// ParticipantLimit is the credit line of an account. Read-only for the engine.
type ParticipantLimit struct {
	ParticipantCurrencyID    AccountID    `json:"participantCurrencyId"`
	ParticipantLimitID       int64        `json:"participantLimitId"`
	Value                    math.Decimal `json:"value"`
	ThresholdAlarmPercentage math.Decimal `json:"thresholdAlarmPercentage"`
}

// ParticipantPositionChange is one mutation applied to an account position.
// Exactly one of TransferID or CommitRequestID is set. The state change id is
// attached by the persistence layer.
type ParticipantPositionChange struct {
	TransferID      string       `json:"transferId,omitempty"`
	CommitRequestID string       `json:"commitRequestId,omitempty"`
	Value           math.Decimal `json:"value"`
	Change          math.Decimal `json:"change"`
	ReservedValue   math.Decimal `json:"reservedValue"`

	// StateChange indexes the state change recorded with this movement in
	// the transfer or fx-transfer state change list of the same result.
	StateChange int `json:"-"`
}

// ID returns whichever transfer identifier the record carries.
func (c ParticipantPositionChange) ID() string {
	if c.CommitRequestID != "" {
		return c.CommitRequestID
	}
	return c.TransferID
}

// IsFx reports whether the change belongs to an fx-transfer.
func (c ParticipantPositionChange) IsFx() bool {
	return c.CommitRequestID != ""
}
