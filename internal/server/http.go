package server

import (
	"PositionLedger/internal/query"
	"PositionLedger/internal/state"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

// PositionReader is the read side the HTTP routes serve.
type PositionReader interface {
	GetPosition(ctx context.Context, id state.AccountID) (*query.PositionResponse, error)
	ListPositions(ctx context.Context, after state.AccountID, limit int) (*query.ListPositionsResponse, error)
	GetPositionChanges(ctx context.Context, id state.AccountID, limit int) ([]query.PositionChangeResponse, error)
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := state.ParseAccountID(params["participantCurrencyId"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pos, err := s.positions.GetPosition(r.Context(), id)
	if errors.Is(err, query.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get position failed")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	after, limit, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := s.positions.ListPositions(r.Context(), after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list positions failed")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) positionChanges(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := state.ParseAccountID(params["participantCurrencyId"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	_, limit, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	changes, err := s.positions.GetPositionChanges(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get position changes failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changes": changes})
}

// pageParams reads ?after=<participantCurrencyId>&limit=<n>.
func pageParams(r *http.Request) (state.AccountID, int, error) {
	q := r.URL.Query()
	var after state.AccountID
	if v := q.Get("after"); v != "" {
		id, err := state.ParseAccountID(v)
		if err != nil {
			return 0, 0, err
		}
		after = id
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, errors.New("limit must be a non-negative integer")
		}
		limit = n
	}
	return after, limit, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
