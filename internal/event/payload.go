package event

import (
	"PositionLedger/internal/math"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Money is an FSPIOP amount: {"currency": "USD", "amount": "100.50"}.
type Money struct {
	Currency string       `json:"currency"`
	Amount   math.Decimal `json:"amount"`
}

// TransferPrepare is the decoded payload of a direct transfer prepare.
type TransferPrepare struct {
	TransferID string          `json:"transferId"`
	PayerFsp   string          `json:"payerFsp"`
	PayeeFsp   string          `json:"payeeFsp"`
	Amount     Money           `json:"amount"`
	IlpPacket  string          `json:"ilpPacket,omitempty"`
	Condition  string          `json:"condition,omitempty"`
	Expiration string          `json:"expiration,omitempty"`
	Extension  json.RawMessage `json:"extensionList,omitempty"`

	// Raw is the payload exactly as received; it is forwarded unchanged.
	Raw json.RawMessage `json:"-"`
}

// FxTransferPrepare is the decoded payload of an fx-transfer prepare.
type FxTransferPrepare struct {
	CommitRequestID       string          `json:"commitRequestId"`
	DeterminingTransferID string          `json:"determiningTransferId"`
	InitiatingFsp         string          `json:"initiatingFsp"`
	CounterPartyFsp       string          `json:"counterPartyFsp"`
	AmountType            string          `json:"amountType,omitempty"`
	SourceAmount          Money           `json:"sourceAmount"`
	TargetAmount          Money           `json:"targetAmount"`
	Condition             string          `json:"condition,omitempty"`
	Expiration            string          `json:"expiration,omitempty"`
	Extension             json.RawMessage `json:"extensionList,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Body returns the bytes to forward: the received payload when known.
func (t *TransferPrepare) Body() (json.RawMessage, error) {
	if len(t.Raw) > 0 {
		return t.Raw, nil
	}
	return json.Marshal(t)
}

func (t *FxTransferPrepare) Body() (json.RawMessage, error) {
	if len(t.Raw) > 0 {
		return t.Raw, nil
	}
	return json.Marshal(t)
}

// DecodePayload returns the JSON body of a content payload. The payload is
// either inline JSON or a string holding a "data:<mime>;base64,<body>" URI.
func DecodePayload(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("payload is empty")
	}
	if trimmed[0] != '"' {
		return trimmed, nil
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, fmt.Errorf("payload string: %w", err)
	}
	if !strings.HasPrefix(s, "data:") {
		return []byte(s), nil
	}

	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return nil, fmt.Errorf("malformed data URI payload")
	}
	meta, body := s[len("data:"):comma], s[comma+1:]
	if !strings.HasSuffix(meta, ";base64") {
		return []byte(body), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	return decoded, nil
}

// DecodeTransferPrepare decodes and validates a prepare payload.
func DecodeTransferPrepare(raw json.RawMessage) (*TransferPrepare, error) {
	body, err := DecodePayload(raw)
	if err != nil {
		return nil, err
	}
	var t TransferPrepare
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("decode transfer prepare: %w", err)
	}
	switch {
	case t.TransferID == "":
		return nil, fmt.Errorf("transfer prepare: transferId is required")
	case t.PayerFsp == "" || t.PayeeFsp == "":
		return nil, fmt.Errorf("transfer prepare %s: payerFsp and payeeFsp are required", t.TransferID)
	case t.Amount.Currency == "":
		return nil, fmt.Errorf("transfer prepare %s: amount.currency is required", t.TransferID)
	}
	t.Raw = json.RawMessage(body)
	return &t, nil
}

// DecodeFxTransferPrepare decodes and validates an fx-prepare payload.
func DecodeFxTransferPrepare(raw json.RawMessage) (*FxTransferPrepare, error) {
	body, err := DecodePayload(raw)
	if err != nil {
		return nil, err
	}
	var t FxTransferPrepare
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("decode fx transfer prepare: %w", err)
	}
	switch {
	case t.CommitRequestID == "":
		return nil, fmt.Errorf("fx transfer prepare: commitRequestId is required")
	case t.InitiatingFsp == "" || t.CounterPartyFsp == "":
		return nil, fmt.Errorf("fx transfer prepare %s: initiatingFsp and counterPartyFsp are required", t.CommitRequestID)
	case t.SourceAmount.Currency == "" || t.TargetAmount.Currency == "":
		return nil, fmt.Errorf("fx transfer prepare %s: source and target currencies are required", t.CommitRequestID)
	}
	t.Raw = json.RawMessage(body)
	return &t, nil
}
