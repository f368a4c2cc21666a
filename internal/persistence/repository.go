package persistence

import (
	"PositionLedger/internal/math"
	"PositionLedger/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrAccountNotFound means no participant_position row exists for an account.
// Positions are provisioned when the participant currency is created.
var ErrAccountNotFound = errors.New("participant position not found")

// AccountSnapshot is everything the bin processors read for one account.
type AccountSnapshot struct {
	Position           state.AccountPosition
	Limit              state.ParticipantLimit
	SettlementPosition math.Decimal
	TransferStates     state.TransferStates
	FxTransferStates   state.TransferStates
}

// PositionChangeRow is a position change together with the account it moved.
// StateChange indexes SaveBatch.TransferStateChanges, or
// SaveBatch.FxTransferStateChanges for fx rows.
type PositionChangeRow struct {
	Account state.AccountID
	state.ParticipantPositionChange
}

// MessageClaim marks one delivery as handled.
type MessageClaim struct {
	Key     string
	Account state.AccountID
	Action  string
}

// SaveBatch is the persistence output of one dispatcher batch, in bin order.
type SaveBatch struct {
	Positions              []state.AccountPosition
	TransferStateChanges   []state.TransferStateChange
	FxTransferStateChanges []state.FxTransferStateChange
	PositionChanges        []PositionChangeRow
}

// Empty reports whether the batch writes nothing.
func (b *SaveBatch) Empty() bool {
	return len(b.Positions) == 0 &&
		len(b.TransferStateChanges) == 0 &&
		len(b.FxTransferStateChanges) == 0 &&
		len(b.PositionChanges) == 0
}

// AccountTx is one storage transaction of the dispatcher. Account rows read
// through LoadAccount stay locked until Commit or Rollback.
type AccountTx interface {
	Claim(ctx context.Context, claims []MessageClaim) (map[string]bool, error)
	LoadAccount(ctx context.Context, id state.AccountID, transferIDs, commitRequestIDs []string) (*AccountSnapshot, error)
	Save(ctx context.Context, batch *SaveBatch) error
	Commit() error
	Rollback() error
}

// Repository opens position transactions on Postgres.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Begin(ctx context.Context) (AccountTx, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin position tx: %w", err)
	}
	return &pgAccountTx{tx: tx, writer: NewBatchWriter(tx)}, nil
}

type pgAccountTx struct {
	tx     *sql.Tx
	writer *BatchWriter
}

func (t *pgAccountTx) Claim(ctx context.Context, claims []MessageClaim) (map[string]bool, error) {
	return t.writer.ClaimMessages(ctx, claims)
}

func (t *pgAccountTx) LoadAccount(ctx context.Context, id state.AccountID, transferIDs, commitRequestIDs []string) (*AccountSnapshot, error) {
	snap := &AccountSnapshot{
		Position: state.AccountPosition{ParticipantCurrencyID: id},
		Limit:    state.ParticipantLimit{ParticipantCurrencyID: id},
	}

	err := t.tx.QueryRowContext(ctx, `
		SELECT value, reserved_value
		FROM participant_position
		WHERE participant_currency_id = $1
		FOR UPDATE`, int64(id),
	).Scan(&snap.Position.Value, &snap.Position.ReservedValue)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: participantCurrencyId %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load position %s: %w", id, err)
	}

	err = t.tx.QueryRowContext(ctx, `
		SELECT participant_limit_id, value, threshold_alarm_percentage
		FROM participant_limit
		WHERE participant_currency_id = $1 AND is_active
		ORDER BY participant_limit_id DESC
		LIMIT 1`, int64(id),
	).Scan(&snap.Limit.ParticipantLimitID, &snap.Limit.Value, &snap.Limit.ThresholdAlarmPercentage)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("load limit %s: %w", id, err)
	}

	err = t.tx.QueryRowContext(ctx, `
		SELECT pp.value
		FROM settlement_account sa
		JOIN participant_position pp ON pp.participant_currency_id = sa.settlement_currency_id
		WHERE sa.participant_currency_id = $1`, int64(id),
	).Scan(&snap.SettlementPosition)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("load settlement position %s: %w", id, err)
	}

	snap.TransferStates, err = t.latestStates(ctx, `
		SELECT DISTINCT ON (transfer_id) transfer_id, transfer_state_id
		FROM transfer_state_change
		WHERE transfer_id = ANY($1)
		ORDER BY transfer_id, transfer_state_change_id DESC`, transferIDs)
	if err != nil {
		return nil, fmt.Errorf("load transfer states: %w", err)
	}

	snap.FxTransferStates, err = t.latestStates(ctx, `
		SELECT DISTINCT ON (commit_request_id) commit_request_id, transfer_state_id
		FROM fx_transfer_state_change
		WHERE commit_request_id = ANY($1)
		ORDER BY commit_request_id, fx_transfer_state_change_id DESC`, commitRequestIDs)
	if err != nil {
		return nil, fmt.Errorf("load fx transfer states: %w", err)
	}

	return snap, nil
}

func (t *pgAccountTx) latestStates(ctx context.Context, query string, ids []string) (state.TransferStates, error) {
	states := make(state.TransferStates, len(ids))
	if len(ids) == 0 {
		return states, nil
	}

	rows, err := t.tx.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, s string
		if err := rows.Scan(&id, &s); err != nil {
			return nil, err
		}
		states[id] = state.TransferState(s)
	}
	return states, rows.Err()
}

// Save writes state changes first so position change rows can reference
// their generated ids.
func (t *pgAccountTx) Save(ctx context.Context, batch *SaveBatch) error {
	stateIDs, err := t.writer.WriteTransferStateChanges(ctx, batch.TransferStateChanges)
	if err != nil {
		return err
	}
	fxStateIDs, err := t.writer.WriteFxTransferStateChanges(ctx, batch.FxTransferStateChanges)
	if err != nil {
		return err
	}
	if err := t.writer.WritePositionChanges(ctx, batch.PositionChanges, stateIDs, fxStateIDs); err != nil {
		return err
	}
	return t.writer.WritePositions(ctx, batch.Positions)
}

func (t *pgAccountTx) Commit() error {
	return t.tx.Commit()
}

// Rollback is safe to call after Commit.
func (t *pgAccountTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return err
	}
	return nil
}
