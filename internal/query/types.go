package query

import (
	"PositionLedger/internal/math"
	"PositionLedger/internal/state"
	"time"
)

// PositionResponse is an account position as served by the query API.
type PositionResponse struct {
	ParticipantCurrencyID state.AccountID `json:"participant_currency_id"`
	Value                 math.Decimal    `json:"value"`
	ReservedValue         math.Decimal    `json:"reserved_value"`
	NetDebitCap           *math.Decimal   `json:"net_debit_cap,omitempty"`
	ThresholdAlarm        *math.Decimal   `json:"threshold_alarm_percentage,omitempty"`
	ChangedDate           time.Time       `json:"changed_date"`
}

// PositionChangeResponse is one row of an account's position history.
type PositionChangeResponse struct {
	ID              int64        `json:"id"`
	TransferID      string       `json:"transfer_id,omitempty"`
	CommitRequestID string       `json:"commit_request_id,omitempty"`
	Value           math.Decimal `json:"value"`
	Change          math.Decimal `json:"change"`
	ReservedValue   math.Decimal `json:"reserved_value"`
	CreatedDate     time.Time    `json:"created_date"`
}

// ListPositionsResponse is a page of positions ordered by account id.
type ListPositionsResponse struct {
	Positions []PositionResponse `json:"positions"`
	NextAfter state.AccountID    `json:"next_after,omitempty"`
}
