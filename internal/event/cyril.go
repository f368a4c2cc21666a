package event

import (
	"bytes"
	"encoding/json"

	"PositionLedger/internal/math"
	"PositionLedger/internal/state"
)

// CyrilResult is the coordination plan for an event that moves more than one
// account. Legs are applied strictly in list order, one per account visit.
type CyrilResult struct {
	ParticipantName      string            `json:"participantName,omitempty"`
	CurrencyID           string            `json:"currencyId,omitempty"`
	Amount               *math.Decimal     `json:"amount,omitempty"`
	PositionChanges      []PositionChange  `json:"positionChanges"`
	TransferStateChanges []PlanStateChange `json:"transferStateChanges,omitempty"`

	amountText literal
}

// PositionChange is one leg of a plan.
type PositionChange struct {
	IsFxTransferStateChange bool            `json:"isFxTransferStateChange"`
	TransferID              string          `json:"transferId,omitempty"`
	CommitRequestID         string          `json:"commitRequestId,omitempty"`
	NotifyTo                string          `json:"notifyTo,omitempty"`
	ParticipantCurrencyID   state.AccountID `json:"participantCurrencyId"`
	Amount                  math.Decimal    `json:"amount"`
	IsOriginalID            *bool           `json:"isOriginalId,omitempty"`
	IsDone                  bool            `json:"isDone,omitempty"`

	amountText literal
}

// ID returns commitRequestId for FX legs and transferId otherwise.
func (p PositionChange) ID() string {
	if p.IsFxTransferStateChange {
		return p.CommitRequestID
	}
	return p.TransferID
}

// PlanStateChange is a state record the plan requires without moving a position.
type PlanStateChange struct {
	TransferID      string              `json:"transferId"`
	TransferStateID state.TransferState `json:"transferStateId"`
	Reason          string              `json:"reason,omitempty"`
	NotifyTo        string              `json:"notifyTo,omitempty"`
	IsOriginalID    *bool               `json:"isOriginalId,omitempty"`
}

// NextPending returns the index of the first leg not yet done, or -1.
func (c *CyrilResult) NextPending() int {
	for i, pc := range c.PositionChanges {
		if !pc.IsDone {
			return i
		}
	}
	return -1
}

// WithLegDone returns a copy of the plan with leg i marked done.
// The receiver is left untouched. i must be a valid leg index.
func (c *CyrilResult) WithLegDone(i int) *CyrilResult {
	out := c.Clone()
	out.PositionChanges[i].IsDone = true
	return out
}

// Clone returns a deep copy. Cloning nil yields nil.
func (c *CyrilResult) Clone() *CyrilResult {
	if c == nil {
		return nil
	}
	out := *c
	if c.Amount != nil {
		amt := *c.Amount
		out.Amount = &amt
	}
	if c.PositionChanges != nil {
		out.PositionChanges = make([]PositionChange, len(c.PositionChanges))
		for i, pc := range c.PositionChanges {
			out.PositionChanges[i] = pc
			out.PositionChanges[i].IsOriginalID = cloneBool(pc.IsOriginalID)
		}
	}
	if c.TransferStateChanges != nil {
		out.TransferStateChanges = make([]PlanStateChange, len(c.TransferStateChanges))
		for i, tsc := range c.TransferStateChanges {
			out.TransferStateChanges[i] = tsc
			out.TransferStateChanges[i].IsOriginalID = cloneBool(tsc.IsOriginalID)
		}
	}
	return &out
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

// literal is an amount as it was received, so a forwarded plan carries
// "-10.00" rather than the normalised -10.
type literal string

func (l *literal) decode(raw json.RawMessage, into *math.Decimal) error {
	if err := into.UnmarshalJSON(raw); err != nil {
		return err
	}
	*l = literal(bytes.TrimSpace(raw))
	return nil
}

// encode returns the received text while it still denotes d.
func (l literal) encode(d math.Decimal) (json.RawMessage, error) {
	if l != "" {
		var sent math.Decimal
		if err := sent.UnmarshalJSON([]byte(l)); err == nil && sent.Equal(d) {
			return json.RawMessage(l), nil
		}
	}
	return d.MarshalJSON()
}

type plainPositionChange PositionChange

func (p *PositionChange) UnmarshalJSON(data []byte) error {
	var aux struct {
		plainPositionChange
		Amount json.RawMessage `json:"amount"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = PositionChange(aux.plainPositionChange)
	if len(aux.Amount) == 0 {
		return nil
	}
	return p.amountText.decode(aux.Amount, &p.Amount)
}

func (p PositionChange) MarshalJSON() ([]byte, error) {
	amount, err := p.amountText.encode(p.Amount)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		plainPositionChange
		Amount json.RawMessage `json:"amount"`
	}{plainPositionChange(p), amount})
}

type plainCyrilResult CyrilResult

func (c *CyrilResult) UnmarshalJSON(data []byte) error {
	var aux struct {
		plainCyrilResult
		Amount json.RawMessage `json:"amount,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = CyrilResult(aux.plainCyrilResult)
	c.Amount = nil
	if len(aux.Amount) == 0 || bytes.Equal(aux.Amount, []byte("null")) {
		return nil
	}
	c.Amount = new(math.Decimal)
	return c.amountText.decode(aux.Amount, c.Amount)
}

func (c CyrilResult) MarshalJSON() ([]byte, error) {
	var amount json.RawMessage
	if c.Amount != nil {
		var err error
		if amount, err = c.amountText.encode(*c.Amount); err != nil {
			return nil, err
		}
	}
	return json.Marshal(struct {
		plainCyrilResult
		Amount json.RawMessage `json:"amount,omitempty"`
	}{plainCyrilResult(c), amount})
}
