package core

import (
	"PositionLedger/internal/event"
	"PositionLedger/internal/state"
	"testing"
)

func prepareOpts(position, settlement, limit string, ts state.TransferStates) PrepareOptions {
	return PrepareOptions{
		Accumulated: Accumulated{
			PositionValue:         dec(position),
			PositionReservedValue: dec("0"),
			TransferStates:        ts,
		},
		SettlementParticipantPosition: dec(settlement),
		ParticipantLimit: state.ParticipantLimit{
			ParticipantCurrencyID:    7,
			ParticipantLimitID:       1,
			Value:                    dec(limit),
			ThresholdAlarmPercentage: dec("0.5"),
		},
	}
}

func scenarioItems(t *testing.T) []*BinItem {
	return []*BinItem{
		mustPrepareItem(t, "t1", "dfsp1", "dfsp2", "2.00"),
		mustPrepareItem(t, "t2", "dfsp1", "dfsp2", "2.00"),
		mustPrepareItem(t, "t3", "dfsp1", "dfsp2", "2.00"),
	}
}

func scenarioStates() state.TransferStates {
	return stateMap(
		"t1", string(state.TransferStateReceivedPrepare),
		"t2", string(state.TransferStateReceivedPrepare),
		"t3", string(state.TransferStateReserved), // already handled upstream
	)
}

func TestProcessPrepareBin_AdmitsWithinLimit(t *testing.T) {
	p := newTestProcessor()
	items := scenarioItems(t)
	opts := prepareOpts("0", "-1000", "900", scenarioStates())

	res, err := p.ProcessPrepareBin(items, opts)
	if err != nil {
		t.Fatalf("ProcessPrepareBin: %v", err)
	}

	if !res.AccumulatedPositionValue.Equal(dec("4")) {
		t.Errorf("position = %s, want 4", res.AccumulatedPositionValue)
	}
	assertConserved(t, dec("0"), res)

	if len(res.AccumulatedPositionChanges) != 2 {
		t.Fatalf("position changes = %d, want 2", len(res.AccumulatedPositionChanges))
	}
	if c := res.AccumulatedPositionChanges[1]; c.TransferID != "t2" || !c.Value.Equal(dec("4")) || !c.Change.Equal(dec("2")) {
		t.Errorf("second change = %+v", c)
	}

	wantStates := []state.TransferState{
		state.TransferStateReserved,
		state.TransferStateReserved,
		state.TransferStateAbortedRejected,
	}
	if len(res.AccumulatedTransferStateChanges) != 3 {
		t.Fatalf("state changes = %d, want 3", len(res.AccumulatedTransferStateChanges))
	}
	for i, want := range wantStates {
		sc := res.AccumulatedTransferStateChanges[i]
		if sc.TransferID != items[i].Transfer.TransferID || sc.TransferStateID != want {
			t.Errorf("state change %d = %+v, want %s", i, sc, want)
		}
		if res.AccumulatedTransferStates[sc.TransferID] != want {
			t.Errorf("accumulated state of %s = %s", sc.TransferID, res.AccumulatedTransferStates[sc.TransferID])
		}
	}

	if len(res.NotifyMessages) != 3 {
		t.Fatalf("notify messages = %d, want 3", len(res.NotifyMessages))
	}
	if !items[0].Result.Success || !items[1].Result.Success || items[2].Result.Success {
		t.Errorf("item results = %v %v %v", items[0].Result, items[1].Result, items[2].Result)
	}

	rejected := res.NotifyMessages[2].Message
	if code := payloadCode(t, rejected); code != "2001" {
		t.Errorf("rejection code = %s, want 2001", code)
	}
	if res.AccumulatedTransferStateChanges[2].Reason != "Transfer in incorrect state" {
		t.Errorf("reason = %q", res.AccumulatedTransferStateChanges[2].Reason)
	}
	if len(res.LimitAlarms) != 0 {
		t.Errorf("unexpected alarms: %d", len(res.LimitAlarms))
	}
}

func TestProcessPrepareBin_PositionChangePointsAtItsStateChange(t *testing.T) {
	p := newTestProcessor()
	items := []*BinItem{
		mustPrepareItem(t, "t3", "dfsp1", "dfsp2", "2.00"),
		mustPrepareItem(t, "t1", "dfsp1", "dfsp2", "2.00"),
		mustPrepareItem(t, "t1", "dfsp1", "dfsp2", "2.00"), // repeated id
	}

	res, err := p.ProcessPrepareBin(items, prepareOpts("0", "-1000", "900", scenarioStates()))
	if err != nil {
		t.Fatalf("ProcessPrepareBin: %v", err)
	}

	changes := res.AccumulatedTransferStateChanges
	if len(changes) != 3 || len(res.AccumulatedPositionChanges) != 1 {
		t.Fatalf("state changes = %d, position changes = %d", len(changes), len(res.AccumulatedPositionChanges))
	}
	idx := res.AccumulatedPositionChanges[0].StateChange
	if idx != 1 {
		t.Fatalf("state change index = %d, want 1", idx)
	}
	if c := changes[idx]; c.TransferID != "t1" || c.TransferStateID != state.TransferStateReserved {
		t.Errorf("linked state change = %+v", c)
	}
	if changes[2].TransferStateID != state.TransferStateAbortedRejected {
		t.Errorf("repeated id state = %s", changes[2].TransferStateID)
	}
}

func TestProcessPrepareBin_InsufficientLiquidity(t *testing.T) {
	p := newTestProcessor()
	items := scenarioItems(t)
	opts := prepareOpts("0", "0", "0", scenarioStates())

	res, err := p.ProcessPrepareBin(items, opts)
	if err != nil {
		t.Fatalf("ProcessPrepareBin: %v", err)
	}

	if !res.AccumulatedPositionValue.Equal(dec("0")) {
		t.Errorf("position = %s, want 0", res.AccumulatedPositionValue)
	}
	if len(res.AccumulatedPositionChanges) != 0 {
		t.Errorf("position changes = %d, want 0", len(res.AccumulatedPositionChanges))
	}

	// the state check runs before business checks
	wantCodes := []string{"4001", "4001", "2001"}
	for i, want := range wantCodes {
		if got := payloadCode(t, res.NotifyMessages[i].Message); got != want {
			t.Errorf("item %d code = %s, want %s", i, got, want)
		}
		if s := res.AccumulatedTransferStateChanges[i].TransferStateID; s != state.TransferStateAbortedRejected {
			t.Errorf("item %d state = %s", i, s)
		}
	}
	if r := res.AccumulatedTransferStateChanges[0].Reason; r != "Payer FSP insufficient liquidity" {
		t.Errorf("reason = %q", r)
	}
}

func TestProcessPrepareBin_LimitError(t *testing.T) {
	p := newTestProcessor()
	items := scenarioItems(t)[:2]
	opts := prepareOpts("0", "-2000", "3", scenarioStates())

	res, err := p.ProcessPrepareBin(items, opts)
	if err != nil {
		t.Fatalf("ProcessPrepareBin: %v", err)
	}

	if got := res.AccumulatedTransferStates["t1"]; got != state.TransferStateReserved {
		t.Errorf("t1 = %s", got)
	}
	if got := payloadCode(t, res.NotifyMessages[1].Message); got != "4200" {
		t.Errorf("t2 code = %s, want 4200", got)
	}
	if !res.AccumulatedPositionValue.Equal(dec("2")) {
		t.Errorf("position = %s, want 2", res.AccumulatedPositionValue)
	}
	assertConserved(t, dec("0"), res)
}

func TestProcessPrepareBin_HeadroomShrinksWithinBin(t *testing.T) {
	p := newTestProcessor()
	items := scenarioItems(t)[:2]
	opts := prepareOpts("0", "-3", "1000", scenarioStates())

	res, err := p.ProcessPrepareBin(items, opts)
	if err != nil {
		t.Fatalf("ProcessPrepareBin: %v", err)
	}

	if got := res.AccumulatedTransferStates["t2"]; got != state.TransferStateAbortedRejected {
		t.Fatalf("t2 = %s, second item must see the first one's reservation", got)
	}
	if got := payloadCode(t, res.NotifyMessages[1].Message); got != "4001" {
		t.Errorf("t2 code = %s, want 4001", got)
	}
}

func TestProcessPrepareBin_ReservedValueCountsAgainstHeadroom(t *testing.T) {
	p := newTestProcessor()
	items := scenarioItems(t)[:1]
	opts := prepareOpts("0", "-10", "1000", scenarioStates())
	opts.PositionReservedValue = dec("9")

	res, err := p.ProcessPrepareBin(items, opts)
	if err != nil {
		t.Fatalf("ProcessPrepareBin: %v", err)
	}
	if got := payloadCode(t, res.NotifyMessages[0].Message); got != "4001" {
		t.Errorf("code = %s, want 4001", got)
	}
	if !res.AccumulatedPositionReservedValue.Equal(dec("9")) {
		t.Errorf("reserved value changed: %s", res.AccumulatedPositionReservedValue)
	}
}

func TestProcessPrepareBin_LimitAlarm(t *testing.T) {
	p := newTestProcessor()
	items := scenarioItems(t)[:2]
	opts := prepareOpts("0", "-10", "1000", scenarioStates())
	opts.ParticipantLimit.ThresholdAlarmPercentage = dec("0.3") // alarm above 3

	res, err := p.ProcessPrepareBin(items, opts)
	if err != nil {
		t.Fatalf("ProcessPrepareBin: %v", err)
	}

	// 2 is below the threshold, 4 is above it
	if len(res.LimitAlarms) != 1 {
		t.Fatalf("alarms = %d, want 1", len(res.LimitAlarms))
	}
	if res.LimitAlarms[0].ParticipantLimitID != 1 {
		t.Errorf("alarm limit = %+v", res.LimitAlarms[0])
	}
}

func TestProcessPrepareBin_DryRun(t *testing.T) {
	p := newTestProcessor()
	items := scenarioItems(t)[:2]
	opts := prepareOpts("5", "0", "0", scenarioStates())
	opts.DryRun = true

	res, err := p.ProcessPrepareBin(items, opts)
	if err != nil {
		t.Fatalf("ProcessPrepareBin: %v", err)
	}

	if !res.AccumulatedPositionValue.Equal(dec("5")) {
		t.Errorf("position = %s, want unchanged 5", res.AccumulatedPositionValue)
	}
	if len(res.AccumulatedPositionChanges) != 0 || len(res.LimitAlarms) != 0 {
		t.Errorf("dry run produced changes=%d alarms=%d", len(res.AccumulatedPositionChanges), len(res.LimitAlarms))
	}
	if len(res.AccumulatedTransferStateChanges) != 2 {
		t.Fatalf("state changes = %d, want 2", len(res.AccumulatedTransferStateChanges))
	}
	for _, sc := range res.AccumulatedTransferStateChanges {
		if sc.TransferStateID != state.TransferStateReserved {
			t.Errorf("%s = %s", sc.TransferID, sc.TransferStateID)
		}
	}
}

func TestProcessPrepareBin_NotificationRouting(t *testing.T) {
	p := newTestProcessor()
	items := scenarioItems(t)
	res, err := p.ProcessPrepareBin(items, prepareOpts("0", "-1000", "900", scenarioStates()))
	if err != nil {
		t.Fatalf("ProcessPrepareBin: %v", err)
	}

	ok := res.NotifyMessages[0].Message
	if ok.To != "dfsp2" || ok.From != "dfsp1" {
		t.Errorf("success routed %s -> %s", ok.From, ok.To)
	}
	if ok.Metadata.Event.Type != event.TypeTransfer || ok.Metadata.Event.Action != event.ActionPrepare {
		t.Errorf("success event = %s/%s", ok.Metadata.Event.Type, ok.Metadata.Event.Action)
	}
	if ok.Metadata.Event.State.Status != event.StatusSuccess {
		t.Errorf("status = %s", ok.Metadata.Event.State.Status)
	}
	if string(ok.Content.Payload) != string(items[0].Transfer.Raw) {
		t.Errorf("success payload does not echo the transfer")
	}
	if ok.Content.Headers.Get("content-length") != "" {
		t.Error("content-length forwarded")
	}
	if ok.Content.Headers.Get("accept") == "" || ok.Content.Headers.Get("content-type") == "" {
		t.Error("accept/content-type dropped")
	}

	rej := res.NotifyMessages[2].Message
	if rej.From != testHub || rej.To != "dfsp1" {
		t.Errorf("rejection routed %s -> %s", rej.From, rej.To)
	}
	if rej.Content.Headers.Get("fspiop-source") != testHub || rej.Content.Headers.Get("fspiop-destination") != "dfsp1" {
		t.Errorf("rejection headers = %v", rej.Content.Headers)
	}
	if rej.Metadata.Event.Type != event.TypeNotification || rej.Metadata.Event.State.Status != event.StatusFailure {
		t.Errorf("rejection event = %+v", rej.Metadata.Event)
	}
	if rej.Content.UriParams == nil || rej.Content.UriParams.ID != "t3" {
		t.Errorf("rejection uriParams = %+v", rej.Content.UriParams)
	}
	if rej.Metadata.Event.ResponseTo != "evt-t3" || rej.Metadata.Event.CreatedAt != testCreatedAt {
		t.Errorf("rejection not correlated: %+v", rej.Metadata.Event)
	}
}

func TestProcessPrepareBin_DoesNotMutateInputs(t *testing.T) {
	p := newTestProcessor()
	in := scenarioStates()
	opts := prepareOpts("0", "-1000", "900", in)

	if _, err := p.ProcessPrepareBin(scenarioItems(t), opts); err != nil {
		t.Fatalf("ProcessPrepareBin: %v", err)
	}
	if in["t1"] != state.TransferStateReceivedPrepare || len(in) != 3 {
		t.Errorf("input states mutated: %v", in)
	}
}

func TestProcessPrepareBin_Deterministic(t *testing.T) {
	p := newTestProcessor()

	run := func() string {
		res, err := p.ProcessPrepareBin(scenarioItems(t), prepareOpts("0", "-1000", "900", scenarioStates()))
		if err != nil {
			t.Fatalf("ProcessPrepareBin: %v", err)
		}
		d, err := Digest(res)
		if err != nil {
			t.Fatalf("Digest: %v", err)
		}
		return d
	}

	if a, b := run(), run(); a != b {
		t.Fatalf("digests differ: %s vs %s", a, b)
	}
}

func TestProcessPrepareBin_MissingPayload(t *testing.T) {
	p := newTestProcessor()
	item := mustPrepareItem(t, "t1", "dfsp1", "dfsp2", "1")
	item.Transfer = nil

	_, err := p.ProcessPrepareBin([]*BinItem{item}, prepareOpts("0", "-10", "10", scenarioStates()))
	assertProtocolViolation(t, err)
}
