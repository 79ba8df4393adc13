package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/poll"
	"github.com/vietddude/txtracker/internal/session"
)

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", domain.ErrValidation, err)
	}
	return nil
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	sess, err := s.deps.Sessions.Store(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// storeAddress accepts the address as a query or form value.
func (s *Server) storeAddress(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.StoreOrUpdateAddress(r.Context(), chi.URLParam(r, "id"), r.FormValue("address"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// sessionCallback records the signer's outcome. A submitted swap session
// also starts confirmation tracking for its transaction.
func (s *Server) sessionCallback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var update session.StatusUpdate
	if err := decode(r, &update); err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	if err := s.deps.Sessions.UpdateStatus(ctx, id, update); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.deps.Sessions.Get(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if sess.Status == domain.SessionStatusSubmitted && sess.TxID != "" && sess.OperationType != "" && s.deps.Registrar != nil {
		pre := s.snapshot(r)
		if err := s.deps.Registrar.Track(ctx, sess.TxID, sess.OperationType, pre, sess.ExpectedChanges()); err != nil {
			writeError(w, r, fmt.Errorf("track %s: %w", sess.TxID, err))
			return
		}
		slog.Info("Session transaction submitted", "session_id", id, "tx", sess.TxID)
	}
	writeJSON(w, http.StatusOK, sess)
}

// snapshot reads the wallet's current balances. The empty snapshot means
// unknown, which leaves the entry out of wallet reflection.
func (s *Server) snapshot(r *http.Request) domain.BalanceSnapshot {
	if s.deps.Balances == nil {
		return domain.BalanceSnapshot{}
	}
	snap, err := s.deps.Balances.Snapshot(r.Context())
	if err != nil {
		slog.Warn("Balance snapshot failed", "path", r.URL.Path, "error", err)
		return domain.BalanceSnapshot{}
	}
	return snap
}

// waitSession long-polls until the session is final. When the poll budget
// runs out the last pending state is returned so the client can poll again.
func (s *Server) waitSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Waiter.Wait(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil, errors.Is(err, poll.ErrMaxAttempts) && sess != nil:
		writeJSON(w, http.StatusOK, sess)
	case r.Context().Err() != nil:
		// Client went away.
	default:
		writeError(w, r, err)
	}
}
