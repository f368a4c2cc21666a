package core

import (
	"PositionLedger/internal/event"
	"PositionLedger/internal/math"
	"PositionLedger/internal/message"
	"PositionLedger/internal/state"
)

// BinItem is one inbound event of a bin. Exactly one decoded payload is set
// for prepare actions; aborts carry everything in the envelope.
type BinItem struct {
	Message    *event.Message
	Transfer   *event.TransferPrepare
	FxTransfer *event.FxTransferPrepare

	// Result is filled in by the processor for the dispatcher's bookkeeping.
	Result *ItemResult
}

type ItemResult struct {
	Success bool
}

// NotifyMessage is a message to publish on the notification topic.
type NotifyMessage struct {
	Item    *BinItem       `json:"-"`
	Message *event.Message `json:"message"`
}

// FollowupMessage re-enters the position topic keyed by the next leg's account.
type FollowupMessage struct {
	Item       *BinItem        `json:"-"`
	MessageKey state.AccountID `json:"messageKey"`
	Message    *event.Message  `json:"message"`
}

// Accumulated is the fold state threaded between bins of one account.
type Accumulated struct {
	PositionValue         math.Decimal
	PositionReservedValue math.Decimal
	TransferStates        state.TransferStates
	FxTransferStates      state.TransferStates
}

// PrepareOptions are the inputs of a prepare or fx-prepare bin.
type PrepareOptions struct {
	Accumulated
	SettlementParticipantPosition math.Decimal
	ParticipantLimit              state.ParticipantLimit

	// DryRun evaluates state transitions without moving the position,
	// running admission checks or raising alarms.
	DryRun bool
}

// AbortOptions are the inputs of an abort bin. IsFx selects the map that
// holds the state of the id each message refers to.
type AbortOptions struct {
	Accumulated
	IsFx   bool
	DryRun bool
}

// BinResult is everything a bin produces. Slices keep bin input order.
type BinResult struct {
	AccumulatedPositionValue          math.Decimal                      `json:"accumulatedPositionValue"`
	AccumulatedPositionReservedValue  math.Decimal                      `json:"accumulatedPositionReservedValue"`
	AccumulatedTransferStates         state.TransferStates              `json:"accumulatedTransferStates"`
	AccumulatedFxTransferStates       state.TransferStates              `json:"accumulatedFxTransferStates"`
	AccumulatedTransferStateChanges   []state.TransferStateChange       `json:"accumulatedTransferStateChanges"`
	AccumulatedFxTransferStateChanges []state.FxTransferStateChange     `json:"accumulatedFxTransferStateChanges"`
	AccumulatedPositionChanges        []state.ParticipantPositionChange `json:"accumulatedPositionChanges"`
	LimitAlarms                       []state.ParticipantLimit          `json:"limitAlarms"`
	NotifyMessages                    []NotifyMessage                   `json:"notifyMessages"`
	FollowupMessages                  []FollowupMessage                 `json:"followupMessages"`
}

// Accumulated returns the fold state to feed into the next bin.
func (r *BinResult) Accumulated() Accumulated {
	return Accumulated{
		PositionValue:         r.AccumulatedPositionValue,
		PositionReservedValue: r.AccumulatedPositionReservedValue,
		TransferStates:        r.AccumulatedTransferStates,
		FxTransferStates:      r.AccumulatedFxTransferStates,
	}
}

// newBinResult starts a result from copies of the input maps; the caller's
// maps are never written.
func newBinResult(acc Accumulated) *BinResult {
	return &BinResult{
		AccumulatedPositionValue:          acc.PositionValue,
		AccumulatedPositionReservedValue:  acc.PositionReservedValue,
		AccumulatedTransferStates:         acc.TransferStates.Clone(),
		AccumulatedFxTransferStates:       acc.FxTransferStates.Clone(),
		AccumulatedTransferStateChanges:   []state.TransferStateChange{},
		AccumulatedFxTransferStateChanges: []state.FxTransferStateChange{},
		AccumulatedPositionChanges:        []state.ParticipantPositionChange{},
		LimitAlarms:                       []state.ParticipantLimit{},
		NotifyMessages:                    []NotifyMessage{},
		FollowupMessages:                  []FollowupMessage{},
	}
}

func (r *BinResult) recordTransferState(id string, s state.TransferState, reason string) {
	r.AccumulatedTransferStates[id] = s
	r.AccumulatedTransferStateChanges = append(r.AccumulatedTransferStateChanges, state.TransferStateChange{
		TransferID:      id,
		TransferStateID: s,
		Reason:          reason,
	})
}

func (r *BinResult) recordFxTransferState(id string, s state.TransferState, reason string) {
	r.AccumulatedFxTransferStates[id] = s
	r.AccumulatedFxTransferStateChanges = append(r.AccumulatedFxTransferStateChanges, state.FxTransferStateChange{
		CommitRequestID: id,
		TransferStateID: s,
		Reason:          reason,
	})
}

func (r *BinResult) notify(item *BinItem, msg *event.Message) {
	r.NotifyMessages = append(r.NotifyMessages, NotifyMessage{Item: item, Message: msg})
}

// Processor runs the bin processors. It is stateless and safe for concurrent
// use across accounts.
type Processor struct {
	amounts  math.DecimalConfig
	messages *message.Factory
}

func NewProcessor(amounts math.DecimalConfig, messages *message.Factory) *Processor {
	return &Processor{amounts: amounts, messages: messages}
}
