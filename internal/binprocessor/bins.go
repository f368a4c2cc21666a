package binprocessor

import (
	"PositionLedger/internal/core"
	"PositionLedger/internal/event"
	"PositionLedger/internal/ingestion"
	"PositionLedger/internal/state"
	"fmt"
	"sort"
)

// binKind orders the bins of one account. Aborts release position before
// prepares consume it.
type binKind int

const (
	binAbort binKind = iota
	binFxAbort
	binFxPrepare
	binPrepare
	binKinds
)

func (k binKind) String() string {
	switch k {
	case binAbort:
		return "abort"
	case binFxAbort:
		return "fx-abort"
	case binFxPrepare:
		return "fx-prepare"
	case binPrepare:
		return "prepare"
	default:
		return fmt.Sprintf("binKind(%d)", int(k))
	}
}

func (k binKind) isFx() bool {
	return k == binFxAbort || k == binFxPrepare
}

func (k binKind) isPrepare() bool {
	return k == binFxPrepare || k == binPrepare
}

// kindOf maps an action to its bin. ok is false for actions this handler
// does not process.
func kindOf(a event.Action) (binKind, bool) {
	switch a {
	case event.ActionAbort, event.ActionAbortValidation:
		return binAbort, true
	case event.ActionFxAbort, event.ActionFxAbortValidation:
		return binFxAbort, true
	case event.ActionFxPrepare:
		return binFxPrepare, true
	case event.ActionPrepare:
		return binPrepare, true
	default:
		return 0, false
	}
}

// entry is one admitted delivery.
type entry struct {
	delivery ingestion.Delivery
	item     *core.BinItem
	account  state.AccountID
	kind     binKind
	key      string
}

// dedupKey identifies a delivery across redeliveries. Followup hops reuse
// the event id, so the account and plan progress are part of the key.
func dedupKey(item *core.BinItem, account state.AccountID) string {
	msg := item.Message
	id := msg.Metadata.Event.ID
	if id == "" {
		id = msg.ID
	}
	done := 0
	if plan := msg.CyrilResult(); plan != nil {
		for _, pc := range plan.PositionChanges {
			if pc.IsDone {
				done++
			}
		}
	}
	return fmt.Sprintf("%s:%s:%s:%d", id, account, msg.Action(), done)
}

// accountGroup holds one account's entries split into bins, each in
// delivery order.
type accountGroup struct {
	account state.AccountID
	bins    [binKinds][]*entry
}

// groupByAccount bins entries by account and kind. Groups are returned in
// ascending account order so row locks are always taken in the same order.
func groupByAccount(entries []*entry) []*accountGroup {
	byAccount := make(map[state.AccountID]*accountGroup)
	for _, e := range entries {
		g, ok := byAccount[e.account]
		if !ok {
			g = &accountGroup{account: e.account}
			byAccount[e.account] = g
		}
		g.bins[e.kind] = append(g.bins[e.kind], e)
	}

	groups := make([]*accountGroup, 0, len(byAccount))
	for _, g := range byAccount {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].account < groups[j].account })
	return groups
}

// stateIDs returns the transfer ids and commit request ids whose current
// state the account's bins read.
func (g *accountGroup) stateIDs() (transferIDs, commitRequestIDs []string) {
	seen := make(map[string]bool)
	add := func(list *[]string, fx bool, id string) {
		k := fmt.Sprintf("%t:%s", fx, id)
		if id == "" || seen[k] {
			return
		}
		seen[k] = true
		*list = append(*list, id)
	}

	for kind, bin := range g.bins {
		for _, e := range bin {
			switch binKind(kind) {
			case binPrepare:
				add(&transferIDs, false, e.item.Transfer.TransferID)
			case binFxPrepare:
				add(&commitRequestIDs, true, e.item.FxTransfer.CommitRequestID)
			case binAbort:
				add(&transferIDs, false, e.item.Message.TransferID())
			case binFxAbort:
				add(&commitRequestIDs, true, e.item.Message.TransferID())
			}
		}
	}
	return transferIDs, commitRequestIDs
}

func items(bin []*entry) []*core.BinItem {
	out := make([]*core.BinItem, len(bin))
	for i, e := range bin {
		out[i] = e.item
	}
	return out
}

// prepareIDs lists the ids a prepare bin must leave in a settled state.
func prepareIDs(kind binKind, bin []*entry) []string {
	if !kind.isPrepare() {
		return nil
	}
	ids := make([]string, 0, len(bin))
	for _, e := range bin {
		if kind == binFxPrepare {
			ids = append(ids, e.item.FxTransfer.CommitRequestID)
		} else {
			ids = append(ids, e.item.Transfer.TransferID)
		}
	}
	return ids
}
