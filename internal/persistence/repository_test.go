package persistence_test

import (
	"PositionLedger/internal/math"
	"PositionLedger/internal/persistence"
	"PositionLedger/internal/state"
	"PositionLedger/internal/testutil"
	"context"
	"errors"
	"testing"
)

func TestRepository_LoadAndSave(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	testutil.SeedPosition(t, db, 11, "100", "0")
	testutil.SeedPosition(t, db, 12, "-5000", "0")
	testutil.SeedLimit(t, db, 11, "1000", "0.8")
	testutil.SeedSettlement(t, db, 11, 12)
	testutil.SeedTransferState(t, db, "t-1", "RECEIVED-PREPARE")
	testutil.SeedFxTransferState(t, db, "c-1", "RECEIVED-ERROR")

	ctx := context.Background()
	repo := persistence.NewRepository(db)

	tx, err := repo.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	snap, err := tx.LoadAccount(ctx, 11, []string{"t-1", "t-unknown"}, []string{"c-1"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !snap.Position.Value.Equal(math.NewFromInt(100)) {
		t.Errorf("position = %s", snap.Position.Value)
	}
	if !snap.Limit.Value.Equal(math.NewFromInt(1000)) || snap.Limit.ParticipantLimitID == 0 {
		t.Errorf("limit = %+v", snap.Limit)
	}
	if !snap.SettlementPosition.Equal(math.NewFromInt(-5000)) {
		t.Errorf("settlement = %s", snap.SettlementPosition)
	}
	if snap.TransferStates["t-1"] != state.TransferStateReceivedPrepare {
		t.Errorf("t-1 state = %q", snap.TransferStates["t-1"])
	}
	if _, ok := snap.TransferStates["t-unknown"]; ok {
		t.Errorf("unknown transfer should be absent")
	}
	if snap.FxTransferStates["c-1"] != state.TransferStateReceivedError {
		t.Errorf("c-1 state = %q", snap.FxTransferStates["c-1"])
	}

	claimed, err := tx.Claim(ctx, []persistence.MessageClaim{{Key: "e-1:11:0", Account: 11, Action: "prepare"}})
	if err != nil || !claimed["e-1:11:0"] {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	batch := &persistence.SaveBatch{
		Positions: []state.AccountPosition{{ParticipantCurrencyID: 11, Value: math.NewFromInt(150)}},
		TransferStateChanges: []state.TransferStateChange{
			{TransferID: "t-1", TransferStateID: state.TransferStateReserved},
		},
		PositionChanges: []persistence.PositionChangeRow{{
			Account: 11,
			ParticipantPositionChange: state.ParticipantPositionChange{
				TransferID: "t-1", Value: math.NewFromInt(150), Change: math.NewFromInt(50),
			},
		}},
	}
	if err := tx.Save(ctx, batch); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var value string
	if err := db.QueryRow(`SELECT value::text FROM participant_position WHERE participant_currency_id = 11`).Scan(&value); err != nil {
		t.Fatalf("read position: %v", err)
	}
	if !math.MustParse(value).Equal(math.NewFromInt(150)) {
		t.Errorf("stored position = %s", value)
	}

	var linked int
	err = db.QueryRow(`
		SELECT COUNT(*) FROM participant_position_change pc
		JOIN transfer_state_change tsc ON tsc.transfer_state_change_id = pc.transfer_state_change_id
		WHERE pc.transfer_id = 't-1' AND tsc.transfer_state_id = 'RESERVED'`).Scan(&linked)
	if err != nil {
		t.Fatalf("read position change: %v", err)
	}
	if linked != 1 {
		t.Errorf("linked position changes = %d, want 1", linked)
	}

	// A second claim of the same key is a duplicate.
	tx2, err := repo.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx2.Rollback()
	claimed, err = tx2.Claim(ctx, []persistence.MessageClaim{{Key: "e-1:11:0", Account: 11, Action: "prepare"}})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed["e-1:11:0"] {
		t.Errorf("redelivered key should not be claimed twice")
	}
}

func TestRepository_MissingPosition(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	tx, err := persistence.NewRepository(db).Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	_, err = tx.LoadAccount(ctx, 404, nil, nil)
	if !errors.Is(err, persistence.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestRepository_PositionChangeLinksItsOwnStateChange(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	testutil.SeedPosition(t, db, 21, "0", "0")

	ctx := context.Background()
	tx, err := persistence.NewRepository(db).Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	// A repeated prepare id: reserved first, rejected on the second delivery.
	batch := &persistence.SaveBatch{
		Positions: []state.AccountPosition{{ParticipantCurrencyID: 21, Value: math.NewFromInt(50)}},
		TransferStateChanges: []state.TransferStateChange{
			{TransferID: "t-dup", TransferStateID: state.TransferStateReserved},
			{TransferID: "t-dup", TransferStateID: state.TransferStateAbortedRejected},
		},
		PositionChanges: []persistence.PositionChangeRow{{
			Account: 21,
			ParticipantPositionChange: state.ParticipantPositionChange{
				TransferID: "t-dup", Value: math.NewFromInt(50), Change: math.NewFromInt(50), StateChange: 0,
			},
		}},
	}
	if err := tx.Save(ctx, batch); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var linkedState string
	err = db.QueryRow(`
		SELECT tsc.transfer_state_id FROM participant_position_change pc
		JOIN transfer_state_change tsc ON tsc.transfer_state_change_id = pc.transfer_state_change_id
		WHERE pc.transfer_id = 't-dup'`).Scan(&linkedState)
	if err != nil {
		t.Fatalf("read position change: %v", err)
	}
	if linkedState != string(state.TransferStateReserved) {
		t.Errorf("position change linked to %s, want RESERVED", linkedState)
	}
}
