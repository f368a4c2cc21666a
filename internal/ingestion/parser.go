package ingestion

import (
	"PositionLedger/internal/core"
	"PositionLedger/internal/event"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks a message that can never be processed: retrying the
// same bytes reproduces the same error.
var ErrMalformed = errors.New("malformed position message")

// ParseMessage decodes a position message into a bin item. Prepare and
// fx-prepare payloads are decoded here so the processors receive typed
// transfers; abort messages carry everything in the envelope.
func ParseMessage(data []byte) (*core.BinItem, error) {
	var msg event.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	item := &core.BinItem{Message: &msg}
	switch msg.Action() {
	case event.ActionPrepare:
		t, err := event.DecodeTransferPrepare(msg.Content.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, msg.ID, err)
		}
		item.Transfer = t
	case event.ActionFxPrepare:
		fx, err := event.DecodeFxTransferPrepare(msg.Content.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, msg.ID, err)
		}
		item.FxTransfer = fx
	}
	return item, nil
}
