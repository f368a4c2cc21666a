package core

import (
	"PositionLedger/internal/event"
	"PositionLedger/internal/fspiop"
	"PositionLedger/internal/message"
	"PositionLedger/internal/state"
	"encoding/json"
)

// ProcessAbortBin applies compensating position changes for a bin of abort
// events and advances each event's coordination plan by one leg.
//
// A plan whose remaining legs belong to other accounts yields one followup
// keyed by the next leg's account. The account that completes the last leg
// notifies every party in the plan.
//
// Wrong transfer state and missing plans are protocol violations: the whole
// bin fails with an *fspiop.Error and nothing of it should be persisted.
func (p *Processor) ProcessAbortBin(items []*BinItem, opts AbortOptions) (*BinResult, error) {
	res := newBinResult(opts.Accumulated)
	position := opts.PositionValue

	for _, item := range items {
		if item == nil || item.Message == nil {
			return nil, fspiop.NewError(fspiop.KindInternalServerError, "bin item without message")
		}
		msg := item.Message
		id := msg.TransferID()
		plan := msg.CyrilResult()

		states := res.AccumulatedTransferStates
		if opts.IsFx {
			states = res.AccumulatedFxTransferStates
		}
		if err := checkAbortState(id, states[id], plan); err != nil {
			return nil, err
		}
		if plan == nil || len(plan.PositionChanges) == 0 {
			return nil, fspiop.NewError(fspiop.KindInternalServerError,
				"abort %s carries no coordination plan", id)
		}

		idx := plan.NextPending()
		if idx < 0 {
			// Every leg was applied on an earlier delivery.
			item.Result = &ItemResult{Success: true}
			continue
		}

		leg := plan.PositionChanges[idx]
		if !opts.DryRun {
			amount := p.amounts.Round(leg.Amount)
			position = p.amounts.Add(position, amount)
			change := state.ParticipantPositionChange{
				Value:         position,
				Change:        amount,
				ReservedValue: opts.PositionReservedValue,
			}
			if leg.IsFxTransferStateChange {
				change.CommitRequestID = leg.CommitRequestID
				change.StateChange = len(res.AccumulatedFxTransferStateChanges)
			} else {
				change.TransferID = leg.TransferID
				change.StateChange = len(res.AccumulatedTransferStateChanges)
			}
			res.AccumulatedPositionChanges = append(res.AccumulatedPositionChanges, change)
		}

		reason := abortReason(msg)
		if leg.IsFxTransferStateChange {
			res.recordFxTransferState(leg.CommitRequestID, state.TransferStateAbortedError, reason)
		} else {
			res.recordTransferState(leg.TransferID, state.TransferStateAbortedError, reason)
		}

		advanced := plan.WithLegDone(idx)
		for _, tsc := range advanced.TransferStateChanges {
			res.recordTransferState(tsc.TransferID, tsc.TransferStateID, tsc.Reason)
		}

		if next := advanced.NextPending(); next >= 0 {
			res.FollowupMessages = append(res.FollowupMessages, FollowupMessage{
				Item:       item,
				MessageKey: advanced.PositionChanges[next].ParticipantCurrencyID,
				Message:    p.messages.Followup(msg, advanced),
			})
		} else {
			p.notifyAbortCompleted(res, item, advanced, opts.IsFx)
		}

		item.Result = &ItemResult{Success: true}
	}

	if !opts.DryRun {
		res.AccumulatedPositionValue = position
	}
	return res, nil
}

// checkAbortState requires RECEIVED-ERROR. A followup hop finds the id
// already ABORTED-ERROR, committed by the account that applied the first leg.
func checkAbortState(id string, current state.TransferState, plan *event.CyrilResult) error {
	if current == state.TransferStateReceivedError {
		return nil
	}
	if current == state.TransferStateAbortedError && plan != nil && hasDoneLeg(plan) {
		return nil
	}
	return fspiop.NewError(fspiop.KindInternalServerError,
		"abort %s: transfer state is %q, expected %q", id, current, state.TransferStateReceivedError)
}

func hasDoneLeg(plan *event.CyrilResult) bool {
	for _, pc := range plan.PositionChanges {
		if pc.IsDone {
			return true
		}
	}
	return false
}

// notifyAbortCompleted fans out one notification per plan entry that has an
// address. Entries without notifyTo cannot be routed and are skipped.
func (p *Processor) notifyAbortCompleted(res *BinResult, item *BinItem, plan *event.CyrilResult, binIsFx bool) {
	for _, leg := range plan.PositionChanges {
		if leg.NotifyTo == "" {
			continue
		}
		isOriginal := leg.IsFxTransferStateChange == binIsFx
		if leg.IsOriginalID != nil {
			isOriginal = *leg.IsOriginalID
		}
		res.notify(item, p.abortNotice(item.Message, leg.ID(), leg.NotifyTo, isOriginal, leg.IsFxTransferStateChange))
	}

	for _, tsc := range plan.TransferStateChanges {
		if tsc.NotifyTo == "" {
			continue
		}
		isOriginal := !binIsFx
		if tsc.IsOriginalID != nil {
			isOriginal = *tsc.IsOriginalID
		}
		res.notify(item, p.abortNotice(item.Message, tsc.TransferID, tsc.NotifyTo, isOriginal, false))
	}
}

// abortNotice picks sender, action and error code for one leg. Validation
// aborts come from the hub with VALIDATION_ERROR; others carry PAYEE_REJECTION
// from the original sender. Legs other than the original are always announced
// by the hub, with the action of their own leg type.
func (p *Processor) abortNotice(source *event.Message, id, to string, isOriginal, legIsFx bool) *event.Message {
	action := source.Action()
	kind := fspiop.KindPayeeRejection
	from := source.From

	if action.IsValidation() {
		kind = fspiop.KindValidationError
		from = p.messages.HubName()
	}
	if !isOriginal {
		from = p.messages.HubName()
		if legIsFx {
			action = event.ActionFxAbort
		} else {
			action = event.ActionAbort
		}
	}

	return p.messages.Aborted(source, message.AbortParams{
		ID:           id,
		To:           to,
		From:         from,
		Action:       action,
		Kind:         kind,
		IsOriginalID: isOriginal,
	})
}

// abortReason is the upstream error description, when the payload has one.
func abortReason(msg *event.Message) string {
	body, err := event.DecodePayload(msg.Content.Payload)
	if err != nil {
		return ""
	}
	var obj fspiop.APIErrorObject
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	return obj.ErrorInformation.ErrorDescription
}
