package core

import (
	"PositionLedger/internal/event"
	"PositionLedger/internal/fspiop"
)

// ProcessFxPrepareBin runs the admission algorithm over fx-transfer prepares.
// States are keyed by commitRequestId. The admitted amount is the target
// amount when the plan settles in the target currency, else the source amount.
func (p *Processor) ProcessFxPrepareBin(items []*BinItem, opts PrepareOptions) (*BinResult, error) {
	return p.foldPrepare(items, opts, true, func(item *BinItem) (prepareLeg, error) {
		fx := item.FxTransfer
		if fx == nil {
			return prepareLeg{}, fspiop.NewError(fspiop.KindInternalServerError,
				"fx-prepare %s has no decoded fx transfer payload", item.Message.ID)
		}
		body, err := fx.Body()
		if err != nil {
			return prepareLeg{}, fspiop.Wrap(fspiop.KindInternalServerError, err, "encode fx transfer "+fx.CommitRequestID)
		}
		return prepareLeg{
			id:           fx.CommitRequestID,
			amount:       fxTransferAmount(fx, item.Message.CyrilResult()).Amount,
			initiator:    fx.InitiatingFsp,
			counterparty: fx.CounterPartyFsp,
			body:         body,
		}, nil
	})
}

func fxTransferAmount(fx *event.FxTransferPrepare, plan *event.CyrilResult) event.Money {
	if plan != nil && plan.CurrencyID != "" && plan.CurrencyID == fx.TargetAmount.Currency {
		return fx.TargetAmount
	}
	return fx.SourceAmount
}
