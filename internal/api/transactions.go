package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/infra/storage"
	"github.com/vietddude/txtracker/internal/swap"
)

func (s *Server) queryTransactions(w http.ResponseWriter, r *http.Request) {
	opts, err := parseQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	recs, err := s.deps.History.QueryTransactions(r.Context(), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.History.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) transactionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.History.GetStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type pendingResponse struct {
	Pending []*domain.LegacyEntry `json:"pending"`
	Tracked int                   `json:"tracked"`
}

func (s *Server) pendingTransactions(w http.ResponseWriter, r *http.Request) {
	pending := s.deps.Pending.GetPendingTransactionsList()
	if pending == nil {
		pending = []*domain.LegacyEntry{}
	}
	writeJSON(w, http.StatusOK, pendingResponse{
		Pending: pending,
		Tracked: len(s.deps.Pending.Entries()),
	})
}

func (s *Server) executeSwap(w http.ResponseWriter, r *http.Request) {
	var req swap.Request
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Swaps.Execute(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// parseQuery reads actionType, status, start, end, limit, offset and order.
// Dates are unix milliseconds or RFC 3339.
func parseQuery(r *http.Request) (storage.QueryOptions, error) {
	q := r.URL.Query()
	opts := storage.QueryOptions{
		ActionType: domain.ActionType(q.Get("actionType")),
		Status:     domain.TxStatus(q.Get("status")),
		Order:      storage.SortOrder(q.Get("order")),
	}

	var err error
	if opts.StartDate, err = parseTime(q.Get("start")); err != nil {
		return opts, err
	}
	if opts.EndDate, err = parseTime(q.Get("end")); err != nil {
		return opts, err
	}
	if opts.Limit, err = parseInt("limit", q.Get("limit")); err != nil {
		return opts, err
	}
	if opts.Offset, err = parseInt("offset", q.Get("offset")); err != nil {
		return opts, err
	}
	return opts, opts.Validate()
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid time %q", domain.ErrValidation, v)
	}
	return t, nil
}

func parseInt(name, v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", domain.ErrValidation, name, v)
	}
	return n, nil
}
