package core

import (
	"PositionLedger/internal/fspiop"
	"PositionLedger/internal/math"
	"PositionLedger/internal/state"
	"encoding/json"
)

// prepareLeg is the part of a prepare payload the admission fold needs.
type prepareLeg struct {
	id           string
	amount       math.Decimal
	initiator    string
	counterparty string
	body         json.RawMessage
}

// ProcessPrepareBin admits or rejects a bin of direct transfer prepares
// against one account, in bin order.
func (p *Processor) ProcessPrepareBin(items []*BinItem, opts PrepareOptions) (*BinResult, error) {
	return p.foldPrepare(items, opts, false, func(item *BinItem) (prepareLeg, error) {
		t := item.Transfer
		if t == nil {
			return prepareLeg{}, fspiop.NewError(fspiop.KindInternalServerError,
				"prepare %s has no decoded transfer payload", item.Message.ID)
		}
		body, err := t.Body()
		if err != nil {
			return prepareLeg{}, fspiop.Wrap(fspiop.KindInternalServerError, err, "encode transfer "+t.TransferID)
		}
		return prepareLeg{
			id:           t.TransferID,
			amount:       t.Amount.Amount,
			initiator:    t.PayerFsp,
			counterparty: t.PayeeFsp,
			body:         body,
		}, nil
	})
}

// foldPrepare is the admission algorithm shared by prepare and fx-prepare.
// Per item: state check, then liquidity, then limit, then admit.
func (p *Processor) foldPrepare(items []*BinItem, opts PrepareOptions, isFx bool, legOf func(*BinItem) (prepareLeg, error)) (*BinResult, error) {
	res := newBinResult(opts.Accumulated)
	states := res.AccumulatedTransferStates
	wrongState := "Transfer in incorrect state"
	if isFx {
		states = res.AccumulatedFxTransferStates
		wrongState = "FxTransfer in incorrect state"
	}

	adm := newAdmission(p.amounts, opts)

	for _, item := range items {
		if item == nil || item.Message == nil {
			return nil, fspiop.NewError(fspiop.KindInternalServerError, "bin item without message")
		}
		leg, err := legOf(item)
		if err != nil {
			return nil, err
		}
		action := item.Message.Action()
		amount := p.amounts.Round(leg.amount)

		var kind fspiop.ErrorKind
		var detail string
		switch {
		case states[leg.id] != state.TransferStateReceivedPrepare:
			kind, detail = fspiop.KindInternalServerError, wrongState
		case !opts.DryRun:
			kind = adm.check(amount)
		}

		var next state.TransferState
		var reason string
		if kind != 0 {
			next = state.TransferStateAbortedRejected
			reason = kind.Description()
			if detail != "" {
				reason = detail
			}
			res.notify(item, p.messages.Rejected(item.Message, leg.id, leg.initiator, action, kind, detail))
			item.Result = &ItemResult{Success: false}
		} else {
			next = state.TransferStateReserved
			if !opts.DryRun {
				value := adm.admit(amount)
				change := state.ParticipantPositionChange{
					Value:         value,
					Change:        amount,
					ReservedValue: opts.PositionReservedValue,
				}
				if isFx {
					change.CommitRequestID = leg.id
					change.StateChange = len(res.AccumulatedFxTransferStateChanges)
				} else {
					change.TransferID = leg.id
					change.StateChange = len(res.AccumulatedTransferStateChanges)
				}
				res.AccumulatedPositionChanges = append(res.AccumulatedPositionChanges, change)
			}
			res.notify(item, p.messages.Reserved(item.Message, leg.id, leg.initiator, leg.counterparty, action, leg.body))
			item.Result = &ItemResult{Success: true}
		}

		if !opts.DryRun && adm.alarmed() {
			res.LimitAlarms = append(res.LimitAlarms, opts.ParticipantLimit)
		}

		if isFx {
			res.recordFxTransferState(leg.id, next, reason)
		} else {
			res.recordTransferState(leg.id, next, reason)
		}
	}

	res.AccumulatedPositionValue = adm.position
	return res, nil
}
