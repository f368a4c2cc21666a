package query

import (
	"PositionLedger/internal/math"
	"PositionLedger/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when an account has no position row.
var ErrNotFound = errors.New("position not found")

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// QueryService provides read-only access to positions. Reads run outside
// the dispatcher's transactions and see the last committed batch.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

const positionSelect = `
	SELECT pp.participant_currency_id, pp.value, pp.reserved_value, pp.changed_date,
	       pl.value, pl.threshold_alarm_percentage
	FROM participant_position pp
	LEFT JOIN LATERAL (
		SELECT value, threshold_alarm_percentage
		FROM participant_limit
		WHERE participant_currency_id = pp.participant_currency_id AND is_active
		ORDER BY participant_limit_id DESC
		LIMIT 1
	) pl ON TRUE`

// GetPosition returns one account's position with its active limit.
func (qs *QueryService) GetPosition(ctx context.Context, id state.AccountID) (*PositionResponse, error) {
	row := qs.db.QueryRowContext(ctx, positionSelect+` WHERE pp.participant_currency_id = $1`, int64(id))
	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: participantCurrencyId %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query position %s: %w", id, err)
	}
	return pos, nil
}

// ListPositions pages through positions in account order, starting after
// the given account id.
func (qs *QueryService) ListPositions(ctx context.Context, after state.AccountID, limit int) (*ListPositionsResponse, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	rows, err := qs.db.QueryContext(ctx,
		positionSelect+` WHERE pp.participant_currency_id > $1 ORDER BY pp.participant_currency_id LIMIT $2`,
		int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	resp := &ListPositionsResponse{Positions: []PositionResponse{}}
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		resp.Positions = append(resp.Positions, *pos)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(resp.Positions) == limit {
		resp.NextAfter = resp.Positions[len(resp.Positions)-1].ParticipantCurrencyID
	}
	return resp, nil
}

// GetPositionChanges returns the latest position changes of an account,
// newest first.
func (qs *QueryService) GetPositionChanges(ctx context.Context, id state.AccountID, limit int) ([]PositionChangeResponse, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT participant_position_change_id, COALESCE(transfer_id, ''), COALESCE(commit_request_id, ''),
		       value, change, reserved_value, created_date
		FROM participant_position_change
		WHERE participant_currency_id = $1
		ORDER BY participant_position_change_id DESC
		LIMIT $2`, int64(id), limit)
	if err != nil {
		return nil, fmt.Errorf("query position changes %s: %w", id, err)
	}
	defer rows.Close()

	changes := []PositionChangeResponse{}
	for rows.Next() {
		var c PositionChangeResponse
		if err := rows.Scan(&c.ID, &c.TransferID, &c.CommitRequestID,
			&c.Value, &c.Change, &c.ReservedValue, &c.CreatedDate); err != nil {
			return nil, fmt.Errorf("scan position change: %w", err)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*PositionResponse, error) {
	var (
		pos       PositionResponse
		id        int64
		limit     sql.NullString
		threshold sql.NullString
	)
	if err := row.Scan(&id, &pos.Value, &pos.ReservedValue, &pos.ChangedDate, &limit, &threshold); err != nil {
		return nil, err
	}
	pos.ParticipantCurrencyID = state.AccountID(id)

	if limit.Valid {
		v, err := math.NewFromString(limit.String)
		if err != nil {
			return nil, err
		}
		pos.NetDebitCap = &v
	}
	if threshold.Valid {
		v, err := math.NewFromString(threshold.String)
		if err != nil {
			return nil, err
		}
		pos.ThresholdAlarm = &v
	}
	return &pos, nil
}
