package persistence

import (
	"PositionLedger/internal/state"
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// maxRowsPerStatement keeps multi-row statements under the Postgres limit of
// 65535 bind parameters for the widest table written here.
const maxRowsPerStatement = 1000

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// BatchWriter writes position batches to Postgres using multi-row INSERT.
type BatchWriter struct {
	db execer
}

func NewBatchWriter(db execer) *BatchWriter {
	return &BatchWriter{db: db}
}

// ClaimMessages records handled deliveries and returns the keys that were
// not seen before. Keys already present belong to committed batches.
func (w *BatchWriter) ClaimMessages(ctx context.Context, claims []MessageClaim) (map[string]bool, error) {
	claimed := make(map[string]bool, len(claims))
	if len(claims) == 0 {
		return claimed, nil
	}

	for _, chunk := range chunks(len(claims)) {
		part := claims[chunk[0]:chunk[1]]
		args := make([]interface{}, 0, len(part)*3)
		for _, c := range part {
			args = append(args, c.Key, int64(c.Account), c.Action)
		}

		query := `INSERT INTO processed_message (dedup_key, participant_currency_id, action) VALUES ` +
			valuesClause(len(part), 3) +
			` ON CONFLICT (dedup_key) DO NOTHING RETURNING dedup_key`

		rows, err := w.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("claim messages: %w", err)
		}
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan claim: %w", err)
			}
			claimed[key] = true
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return claimed, nil
}

// WriteTransferStateChanges inserts the records in order and returns their
// generated ids in the same order.
func (w *BatchWriter) WriteTransferStateChanges(ctx context.Context, changes []state.TransferStateChange) ([]int64, error) {
	refs := make([]string, len(changes))
	args := make([]interface{}, 0, len(changes)*3)
	for i, c := range changes {
		refs[i] = c.TransferID
		args = append(args, c.TransferID, string(c.TransferStateID), nullString(c.Reason))
	}
	return w.insertStateChanges(ctx,
		`INSERT INTO transfer_state_change (transfer_id, transfer_state_id, reason) VALUES `,
		` RETURNING transfer_state_change_id, transfer_id`,
		refs, args)
}

// WriteFxTransferStateChanges is WriteTransferStateChanges for fx-transfers,
// keyed by commitRequestId.
func (w *BatchWriter) WriteFxTransferStateChanges(ctx context.Context, changes []state.FxTransferStateChange) ([]int64, error) {
	refs := make([]string, len(changes))
	args := make([]interface{}, 0, len(changes)*3)
	for i, c := range changes {
		refs[i] = c.CommitRequestID
		args = append(args, c.CommitRequestID, string(c.TransferStateID), nullString(c.Reason))
	}
	return w.insertStateChanges(ctx,
		`INSERT INTO fx_transfer_state_change (commit_request_id, transfer_state_id, reason) VALUES `,
		` RETURNING fx_transfer_state_change_id, commit_request_id`,
		refs, args)
}

// insertStateChanges relies on serial ids being drawn in VALUES order within
// one statement: the returned ids, sorted, line up with the input rows.
func (w *BatchWriter) insertStateChanges(ctx context.Context, prefix, suffix string, refs []string, args []interface{}) ([]int64, error) {
	ids := make([]int64, 0, len(refs))

	for _, chunk := range chunks(len(refs)) {
		rowCount := chunk[1] - chunk[0]
		rows, err := w.db.QueryContext(ctx,
			prefix+valuesClause(rowCount, 3)+suffix,
			args[chunk[0]*3:chunk[1]*3]...)
		if err != nil {
			return nil, fmt.Errorf("insert state changes: %w", err)
		}
		returned := make([]returnedID, 0, rowCount)
		for rows.Next() {
			var r returnedID
			if err := rows.Scan(&r.id, &r.ref); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan state change id: %w", err)
			}
			returned = append(returned, r)
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}

		ordered, err := alignIDs(refs[chunk[0]:chunk[1]], returned)
		if err != nil {
			return nil, err
		}
		ids = append(ids, ordered...)
	}
	return ids, nil
}

type returnedID struct {
	id  int64
	ref string
}

// alignIDs orders RETURNING rows by id and checks them against the input
// refs, so ids[i] belongs to refs[i].
func alignIDs(refs []string, returned []returnedID) ([]int64, error) {
	if len(returned) != len(refs) {
		return nil, fmt.Errorf("state change insert returned %d ids for %d rows", len(returned), len(refs))
	}
	sort.Slice(returned, func(i, j int) bool { return returned[i].id < returned[j].id })

	ids := make([]int64, len(refs))
	for i, r := range returned {
		if r.ref != refs[i] {
			return nil, fmt.Errorf("state change id %d is for %q, expected %q", r.id, r.ref, refs[i])
		}
		ids[i] = r.id
	}
	return ids, nil
}

// WritePositionChanges inserts position change rows, each referencing the
// state change recorded with it.
func (w *BatchWriter) WritePositionChanges(ctx context.Context, changes []PositionChangeRow, stateIDs, fxStateIDs []int64) error {
	if len(changes) == 0 {
		return nil
	}

	const cols = 8
	for _, chunk := range chunks(len(changes)) {
		part := changes[chunk[0]:chunk[1]]
		args := make([]interface{}, 0, len(part)*cols)
		for _, c := range part {
			var transferID, commitID, stateID, fxStateID interface{}
			if c.IsFx() {
				commitID = c.CommitRequestID
				fxStateID = idAt(fxStateIDs, c.StateChange)
			} else {
				transferID = c.TransferID
				stateID = idAt(stateIDs, c.StateChange)
			}
			args = append(args,
				int64(c.Account), transferID, commitID, stateID, fxStateID,
				c.Value, c.Change, c.ReservedValue,
			)
		}

		query := `INSERT INTO participant_position_change
			(participant_currency_id, transfer_id, commit_request_id, transfer_state_change_id,
			 fx_transfer_state_change_id, value, change, reserved_value)
			VALUES ` + valuesClause(len(part), cols)

		if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert position changes: %w", err)
		}
	}
	return nil
}

// WritePositions upserts final account positions. Accounts must be unique.
func (w *BatchWriter) WritePositions(ctx context.Context, positions []state.AccountPosition) error {
	if len(positions) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(positions)*3)
	for _, p := range positions {
		args = append(args, int64(p.ParticipantCurrencyID), p.Value, p.ReservedValue)
	}

	query := `INSERT INTO participant_position (participant_currency_id, value, reserved_value) VALUES ` +
		valuesClause(len(positions), 3) +
		` ON CONFLICT (participant_currency_id) DO UPDATE
			SET value = EXCLUDED.value,
			    reserved_value = EXCLUDED.reserved_value,
			    changed_date = NOW()`

	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert positions: %w", err)
	}
	return nil
}

// valuesClause renders "($1, $2), ($3, $4)" for rows x cols placeholders.
func valuesClause(rows, cols int) string {
	values := make([]string, 0, rows)
	placeholders := make([]string, cols)
	for i := 0; i < rows; i++ {
		base := i * cols
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
	}
	return strings.Join(values, ", ")
}

// chunks splits [0, n) into [start, end) ranges of at most maxRowsPerStatement.
func chunks(n int) [][2]int {
	var out [][2]int
	for start := 0; start < n; start += maxRowsPerStatement {
		end := start + maxRowsPerStatement
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// idAt returns ids[i], or NULL when the row has no recorded state change.
func idAt(ids []int64, i int) interface{} {
	if i < 0 || i >= len(ids) {
		return nil
	}
	return ids[i]
}
