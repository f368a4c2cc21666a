package core

import (
	"PositionLedger/internal/event"
	"PositionLedger/internal/fspiop"
	"PositionLedger/internal/math"
	"PositionLedger/internal/message"
	"PositionLedger/internal/state"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

const (
	testHub       = "Hub"
	testCreatedAt = "2024-05-14T00:13:15.092Z"
)

func newTestProcessor() *Processor {
	return NewProcessor(math.AmountConfig, message.NewFactory(testHub))
}

func dec(s string) math.Decimal {
	return math.MustParse(s)
}

func testHeaders(source, destination string) event.Headers {
	return event.NewHeaders(map[string]string{
		"accept":             "application/vnd.interoperability.transfers+json;version=1.1",
		"Content-Type":       "application/vnd.interoperability.transfers+json;version=1.1",
		"content-length":     "1820",
		"date":               "Tue, 14 May 2024 00:13:15 GMT",
		"fspiop-source":      source,
		"fspiop-destination": destination,
	})
}

func testMetadata(id string, action event.Action, status string) event.Metadata {
	return event.Metadata{
		CorrelationID: id,
		Event: event.EventMetadata{
			ID:        "evt-" + id,
			Type:      event.TypePosition,
			Action:    action,
			CreatedAt: testCreatedAt,
			State:     event.State{Status: status, Code: "0"},
		},
	}
}

func mustPrepareItem(t *testing.T, transferID, payer, payee, amount string) *BinItem {
	t.Helper()
	body := fmt.Sprintf(`{"transferId":%q,"payerFsp":%q,"payeeFsp":%q,"amount":{"currency":"USD","amount":%q},"ilpPacket":"AYIBgQAAAAAAAASwNGxldmVsb25lLmRmc3AxLm1lci45T2RTOF","condition":"GRzLaTP7DJ9t4P-a_BA0WA9wzzlsugf00-Tn6kESAfM","expiration":"2030-01-01T00:00:00.000Z"}`,
		transferID, payer, payee, amount)
	tp, err := event.DecodeTransferPrepare(json.RawMessage(body))
	if err != nil {
		t.Fatalf("decode prepare: %v", err)
	}
	return &BinItem{
		Message: &event.Message{
			ID:   transferID,
			From: payer,
			To:   payee,
			Type: "application/json",
			Content: event.Content{
				Headers: testHeaders(payer, payee),
				Payload: json.RawMessage(body),
			},
			Metadata: testMetadata(transferID, event.ActionPrepare, event.StatusSuccess),
		},
		Transfer: tp,
	}
}

func mustFxPrepareItem(t *testing.T, commitRequestID, initiator, counterParty, source, target string, plan *event.CyrilResult) *BinItem {
	t.Helper()
	body := fmt.Sprintf(`{"commitRequestId":%q,"determiningTransferId":"d-%s","initiatingFsp":%q,"counterPartyFsp":%q,"amountType":"SEND","sourceAmount":{"currency":"USD","amount":%q},"targetAmount":{"currency":"XXX","amount":%q},"condition":"GRzLaTP7DJ9t4P-a_BA0WA9wzzlsugf00-Tn6kESAfM","expiration":"2030-01-01T00:00:00.000Z"}`,
		commitRequestID, commitRequestID, initiator, counterParty, source, target)
	fx, err := event.DecodeFxTransferPrepare(json.RawMessage(body))
	if err != nil {
		t.Fatalf("decode fx prepare: %v", err)
	}
	var ctx *event.Context
	if plan != nil {
		ctx = &event.Context{CyrilResult: plan}
	}
	return &BinItem{
		Message: &event.Message{
			ID:   commitRequestID,
			From: initiator,
			To:   counterParty,
			Type: "application/json",
			Content: event.Content{
				Headers: testHeaders(initiator, counterParty),
				Payload: json.RawMessage(body),
				Context: ctx,
			},
			Metadata: testMetadata(commitRequestID, event.ActionFxPrepare, event.StatusSuccess),
		},
		FxTransfer: fx,
	}
}

func abortItem(id string, action event.Action, from, to string, plan *event.CyrilResult) *BinItem {
	var ctx *event.Context
	if plan != nil {
		ctx = &event.Context{CyrilResult: plan}
	}
	return &BinItem{
		Message: &event.Message{
			ID:   id,
			From: from,
			To:   to,
			Type: "application/json",
			Content: event.Content{
				UriParams: &event.UriParams{ID: id},
				Headers:   testHeaders(from, to),
				Payload:   json.RawMessage(`{"errorInformation":{"errorCode":"5104","errorDescription":"Payee Rejected"}}`),
				Context:   ctx,
			},
			Metadata: testMetadata(id, action, event.StatusFailure),
		},
	}
}

func twoLegPlan() *event.CyrilResult {
	return &event.CyrilResult{
		PositionChanges: []event.PositionChange{
			{
				TransferID:            "a0000001-0000-0000-0000-000000000000",
				NotifyTo:              "payerfsp1",
				ParticipantCurrencyID: 1,
				Amount:                dec("-10"),
			},
			{
				IsFxTransferStateChange: true,
				CommitRequestID:         "b0000001-0000-0000-0000-000000000000",
				NotifyTo:                "fxp1",
				ParticipantCurrencyID:   2,
				Amount:                  dec("-10"),
			},
		},
	}
}

func payloadCode(t *testing.T, msg *event.Message) string {
	t.Helper()
	var obj fspiop.APIErrorObject
	if err := json.Unmarshal(msg.Content.Payload, &obj); err != nil {
		t.Fatalf("decode error payload of %s: %v", msg.ID, err)
	}
	return obj.ErrorInformation.ErrorCode
}

// assertConserved checks final - initial == sum(change).
func assertConserved(t *testing.T, initial math.Decimal, res *BinResult) {
	t.Helper()
	sum := math.Zero
	for _, c := range res.AccumulatedPositionChanges {
		sum = sum.Add(c.Change)
	}
	if got := res.AccumulatedPositionValue.Sub(initial); !got.Equal(sum) {
		t.Fatalf("position moved by %s but changes sum to %s", got, sum)
	}
}

func assertProtocolViolation(t *testing.T, err error) {
	t.Helper()
	var fe *fspiop.Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *fspiop.Error, got %v", err)
	}
	if fe.Kind != fspiop.KindInternalServerError {
		t.Fatalf("kind = %s, want INTERNAL_SERVER_ERROR", fe.Kind)
	}
}

func stateMap(pairs ...string) state.TransferStates {
	out := state.TransferStates{}
	for i := 0; i+1 < len(pairs); i += 2 {
		out[pairs[i]] = state.TransferState(pairs[i+1])
	}
	return out
}
