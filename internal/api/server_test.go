package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/health"
	"github.com/vietddude/txtracker/internal/history"
	"github.com/vietddude/txtracker/internal/infra/wallet"
	"github.com/vietddude/txtracker/internal/infra/storage/memory"
	"github.com/vietddude/txtracker/internal/session"
)

type fakePending struct {
	entries []*domain.LegacyEntry
}

func (f *fakePending) GetPendingTransactionsList() []*domain.LegacyEntry {
	var out []*domain.LegacyEntry
	for _, e := range f.entries {
		if e.Status == domain.TxStatusPending {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakePending) Entries() []*domain.LegacyEntry { return f.entries }

type tracked struct {
	txID     string
	action   domain.ActionType
	pre      domain.BalanceSnapshot
	expected domain.ExpectedChanges
}

type recordingRegistrar struct {
	calls []tracked
	err   error
}

func (r *recordingRegistrar) Track(ctx context.Context, txID string, action domain.ActionType, pre domain.BalanceSnapshot, expected domain.ExpectedChanges) error {
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, tracked{txID: txID, action: action, pre: pre, expected: expected})
	return nil
}

type testEnv struct {
	srv       *Server
	sessions  *session.MemoryRegistry
	history   *history.Store
	registrar *recordingRegistrar
	pending   *fakePending
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	sessCfg := session.Config{PollInterval: 5 * time.Millisecond, PollMaxAttempts: 4}
	env := &testEnv{
		sessions:  session.NewMemoryRegistry(sessCfg),
		history:   history.NewStoreWithRepo(memory.NewRecordStore()),
		registrar: &recordingRegistrar{},
		pending:   &fakePending{},
	}
	env.srv = NewServer(cfg, Deps{
		Sessions:  env.sessions,
		Waiter:    session.NewWaiter(env.sessions, sessCfg),
		History:   env.history,
		Pending:   env.pending,
		Registrar: env.registrar,
		Health: health.NewMonitor(health.Check{Name: "storage", Critical: true, Probe: func(ctx context.Context) (map[string]any, error) {
			return nil, nil
		}}),
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodPost, "/api/sessions", `{"sessionId":"sess-1","operationType":"convert-base-to-pair","fromAmount":"10","stableAmount":"4","volatileAmount":"1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/sessions/sess-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sess := decodeBody[domain.SigningSession](t, rec)
	assert.Equal(t, domain.SessionStatusPending, sess.Status)
	assert.Empty(t, sess.Address)

	rec = env.do(t, http.MethodGet, "/api/sessions/sess-1/address?address=addr_X", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sess = decodeBody[domain.SigningSession](t, rec)
	assert.Equal(t, "addr_X", sess.Address)
	assert.Equal(t, domain.SessionStatusPending, sess.Status)

	rec = env.do(t, http.MethodPost, "/api/sessions/sess-1/callback", `{"txId":"tx-77","status":"submitted"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, env.registrar.calls, 1)
	call := env.registrar.calls[0]
	assert.Equal(t, "tx-77", call.txID)
	assert.Equal(t, domain.ActionBaseToPair, call.action)
	assert.Equal(t, "-10", call.expected.Base)
	assert.Equal(t, "+4", call.expected.Stable)

	rec = env.do(t, http.MethodPost, "/api/sessions/sess-1/callback", `{"status":"pending"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

type stubBalances struct {
	snap domain.BalanceSnapshot
	err  error
}

func (s stubBalances) Snapshot(context.Context) (domain.BalanceSnapshot, error) {
	return s.snap, s.err
}

func TestSessionCallback_PreState(t *testing.T) {
	snap := domain.BalanceSnapshot{Base: "100", Stable: "3", Volatile: "1"}
	tests := []struct {
		name     string
		balances wallet.BalanceReader
		want     domain.BalanceSnapshot
	}{
		{"no wallet", nil, domain.BalanceSnapshot{}},
		{"wallet snapshot", stubBalances{snap: snap}, snap},
		{"snapshot fails", stubBalances{err: errors.New("locked")}, domain.BalanceSnapshot{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			env.srv.deps.Balances = tt.balances

			rec := env.do(t, http.MethodPost, "/api/sessions", `{"sessionId":"s","operationType":"convert-base-to-pair","fromAmount":"1"}`)
			require.Equal(t, http.StatusCreated, rec.Code)
			rec = env.do(t, http.MethodPost, "/api/sessions/s/callback", `{"txId":"tx-1","status":"submitted"}`)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			require.Len(t, env.registrar.calls, 1)
			assert.Equal(t, tt.want, env.registrar.calls[0].pre)
		})
	}
}

func TestCreateSession_GeneratesID(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := env.do(t, http.MethodPost, "/api/sessions", `{"fromAmount":"1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	sess := decodeBody[domain.SigningSession](t, rec)
	assert.Len(t, sess.SessionID, 36)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, Config{})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid operation", http.MethodPost, "/api/sessions", `{"sessionId":"x","operationType":"nope"}`, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/api/sessions", `{`, http.StatusBadRequest},
		{"unknown session", http.MethodGet, "/api/sessions/missing", "", http.StatusNotFound},
		{"callback on unknown session", http.MethodPost, "/api/sessions/missing/callback", `{"status":"submitted"}`, http.StatusNotFound},
		{"missing address", http.MethodPost, "/api/sessions/x/address", "", http.StatusBadRequest},
		{"unknown transaction", http.MethodGet, "/api/transactions/nope", "", http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/api/transactions?status=lost", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/transactions?limit=ten", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(domain.ErrStorageUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestTransactionsEndpoints(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, env.history.SaveTransaction(ctx, &domain.TransactionRecord{
			ID:              id,
			Timestamp:       int64(1000 * (i + 1)),
			ActionType:      domain.ActionBaseToPair,
			Status:          domain.TxStatusPending,
			ExpectedChanges: domain.ExpectedChanges{Fees: "-0.5"},
		}))
	}

	rec := env.do(t, http.MethodGet, "/api/transactions?order=asc&start=2000&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	recs := decodeBody[[]domain.TransactionRecord](t, rec)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].ID)

	rec = env.do(t, http.MethodGet, "/api/transactions?status=confirmed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	rec = env.do(t, http.MethodGet, "/api/transactions/c", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/transactions/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Total     int    `json:"total"`
		TotalFees string `json:"totalFees"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, "1.5", stats.TotalFees)

	env.pending.entries = []*domain.LegacyEntry{{TxHash: "p", Status: domain.TxStatusPending}, {TxHash: "q", Status: domain.TxStatusConfirmed}}
	rec = env.do(t, http.MethodGet, "/api/transactions/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decodeBody[pendingResponse](t, rec)
	assert.Len(t, pending.Pending, 1)
	assert.Equal(t, 2, pending.Tracked)
}

func TestWaitSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.sessions.Store(ctx, session.CreateRequest{SessionID: "w"})
	require.NoError(t, err)
	require.NoError(t, env.sessions.UpdateStatus(ctx, "w", session.StatusUpdate{Status: domain.SessionStatusError, ErrorMessage: "declined"}))

	rec := env.do(t, http.MethodGet, "/api/sessions/w/wait", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sess := decodeBody[domain.SigningSession](t, rec)
	assert.Equal(t, domain.SessionStatusError, sess.Status)

	// Budget exhausted: last pending state comes back.
	_, err = env.sessions.Store(ctx, session.CreateRequest{SessionID: "slow"})
	require.NoError(t, err)
	rec = env.do(t, http.MethodGet, "/api/sessions/slow/wait", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sess = decodeBody[domain.SigningSession](t, rec)
	assert.Equal(t, domain.SessionStatusPending, sess.Status)

	rec = env.do(t, http.MethodGet, "/api/sessions/none/wait", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{SessionRateLimit: RateLimit{RequestsPerMinute: 1, Burst: 2}})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, env.do(t, http.MethodGet, "/api/sessions/x", "").Code)
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)

	// Transactions are not throttled.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/transactions", "").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "txtracker_http_requests_total")
}
