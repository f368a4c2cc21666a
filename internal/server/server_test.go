package server

import (
	"PositionLedger/internal/math"
	"PositionLedger/internal/observability"
	"PositionLedger/internal/query"
	"PositionLedger/internal/state"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPositions struct {
	mock.Mock
}

func (m *mockPositions) GetPosition(ctx context.Context, id state.AccountID) (*query.PositionResponse, error) {
	args := m.Called(ctx, id)
	pos, _ := args.Get(0).(*query.PositionResponse)
	return pos, args.Error(1)
}

func (m *mockPositions) ListPositions(ctx context.Context, after state.AccountID, limit int) (*query.ListPositionsResponse, error) {
	args := m.Called(ctx, after, limit)
	page, _ := args.Get(0).(*query.ListPositionsResponse)
	return page, args.Error(1)
}

func (m *mockPositions) GetPositionChanges(ctx context.Context, id state.AccountID, limit int) ([]query.PositionChangeResponse, error) {
	args := m.Called(ctx, id, limit)
	changes, _ := args.Get(0).([]query.PositionChangeResponse)
	return changes, args.Error(1)
}

func newTestHandler(t *testing.T, positions PositionReader) http.Handler {
	t.Helper()
	hc := observability.NewHealthChecker()
	hc.SetReady(true)
	s := NewServer(":0", ":0", &Deps{
		Positions:     positions,
		HealthChecker: hc,
		Metrics:       observability.NewMetricsWith(prometheus.NewRegistry()),
	})
	h, err := s.Handler()
	require.NoError(t, err)
	return h
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestGetPosition(t *testing.T) {
	ndc := math.NewFromInt(1000)
	positions := new(mockPositions)
	positions.On("GetPosition", mock.Anything, state.AccountID(7)).Return(&query.PositionResponse{
		ParticipantCurrencyID: 7,
		Value:                 math.MustParse("150.5"),
		NetDebitCap:           &ndc,
		ChangedDate:           time.Date(2024, 5, 14, 0, 0, 0, 0, time.UTC),
	}, nil)

	rec := get(newTestHandler(t, positions), "/v1/positions/7")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 7, body["participant_currency_id"])
	assert.Equal(t, 150.5, body["value"])
	assert.EqualValues(t, 1000, body["net_debit_cap"])
}

func TestGetPosition_NotFound(t *testing.T) {
	positions := new(mockPositions)
	positions.On("GetPosition", mock.Anything, state.AccountID(9)).Return(nil, query.ErrNotFound)

	rec := get(newTestHandler(t, positions), "/v1/positions/9")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPosition_BadID(t *testing.T) {
	positions := new(mockPositions)
	rec := get(newTestHandler(t, positions), "/v1/positions/abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	positions.AssertNotCalled(t, "GetPosition", mock.Anything, mock.Anything)
}

func TestGetPosition_StoreError(t *testing.T) {
	positions := new(mockPositions)
	positions.On("GetPosition", mock.Anything, state.AccountID(7)).Return(nil, errors.New("connection reset"))

	rec := get(newTestHandler(t, positions), "/v1/positions/7")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestListPositions_Paging(t *testing.T) {
	positions := new(mockPositions)
	positions.On("ListPositions", mock.Anything, state.AccountID(5), 2).Return(&query.ListPositionsResponse{
		Positions: []query.PositionResponse{{ParticipantCurrencyID: 6}, {ParticipantCurrencyID: 7}},
		NextAfter: 7,
	}, nil)

	rec := get(newTestHandler(t, positions), "/v1/positions?after=5&limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Positions []map[string]interface{} `json:"positions"`
		NextAfter int64                    `json:"next_after"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Positions, 2)
	assert.Equal(t, int64(7), page.NextAfter)
}

func TestListPositions_BadLimit(t *testing.T) {
	rec := get(newTestHandler(t, new(mockPositions)), "/v1/positions?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPositionChanges(t *testing.T) {
	positions := new(mockPositions)
	positions.On("GetPositionChanges", mock.Anything, state.AccountID(7), 0).Return([]query.PositionChangeResponse{
		{ID: 2, TransferID: "t2", Change: math.NewFromInt(-10)},
		{ID: 1, TransferID: "t1", Change: math.NewFromInt(100)},
	}, nil)

	rec := get(newTestHandler(t, positions), "/v1/positions/7/changes")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Changes []query.PositionChangeResponse `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Changes, 2)
	assert.Equal(t, "t2", body.Changes[0].TransferID)
}

func TestProbes(t *testing.T) {
	h := newTestHandler(t, new(mockPositions))
	assert.Equal(t, http.StatusOK, get(h, "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(h, "/readyz").Code)
}
