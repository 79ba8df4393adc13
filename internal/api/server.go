// Package api exposes sessions, transaction history and health over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/health"
	"github.com/vietddude/txtracker/internal/infra/storage"
	"github.com/vietddude/txtracker/internal/infra/wallet"
	"github.com/vietddude/txtracker/internal/metrics"
	"github.com/vietddude/txtracker/internal/session"
	"github.com/vietddude/txtracker/internal/swap"
)

// Config holds HTTP server settings.
type Config struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// SessionRateLimit bounds session endpoints per client IP.
	SessionRateLimit RateLimit `yaml:"session_rate_limit"`
}

// History is the read side of the durable store.
type History interface {
	GetTransaction(ctx context.Context, id string) (*domain.TransactionRecord, error)
	QueryTransactions(ctx context.Context, opts storage.QueryOptions) ([]*domain.TransactionRecord, error)
	GetStats(ctx context.Context) (storage.Stats, error)
}

// Pending exposes the listener's working set.
type Pending interface {
	GetPendingTransactionsList() []*domain.LegacyEntry
	Entries() []*domain.LegacyEntry
}

// Registrar starts tracking a transaction reported by a signer.
type Registrar interface {
	Track(ctx context.Context, txID string, action domain.ActionType, pre domain.BalanceSnapshot, expected domain.ExpectedChanges) error
}

// Swapper executes swaps built by this process.
type Swapper interface {
	Execute(ctx context.Context, req swap.Request) (*swap.Result, error)
}

// Waiter blocks until a session finishes.
type Waiter interface {
	Wait(ctx context.Context, id string) (*domain.SigningSession, error)
}

// Deps are the components the API serves. Swaps is optional.
type Deps struct {
	Sessions  session.Registry
	Waiter    Waiter
	History   History
	Pending   Pending
	Registrar Registrar
	Swaps     Swapper
	// Balances snapshots the wallet when a signer reports a submission.
	// Optional.
	Balances wallet.BalanceReader
	Health   *health.Monitor
}

// Server is the HTTP API.
type Server struct {
	deps    Deps
	limiter *RateLimiter
	server  *http.Server
}

// NewServer creates the API server.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	s := &Server{
		deps:    deps,
		limiter: NewRateLimiter(cfg.SessionRateLimit),
	}
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server. It returns nil after Stop.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(countRequests)

	if s.deps.Health != nil {
		r.Get("/health", s.deps.Health.HandleHealth)
		r.Get("/health/detailed", s.deps.Health.HandleDetailed)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Route("/sessions", func(sr chi.Router) {
			sr.Use(s.limiter.Middleware)
			sr.Post("/", s.createSession)
			sr.Get("/{id}", s.getSession)
			sr.Get("/{id}/address", s.storeAddress)
			sr.Post("/{id}/address", s.storeAddress)
			sr.Post("/{id}/callback", s.sessionCallback)
			sr.Get("/{id}/wait", s.waitSession)
		})
		api.Route("/transactions", func(tr chi.Router) {
			tr.Get("/", s.queryTransactions)
			tr.Get("/stats", s.transactionStats)
			tr.Get("/pending", s.pendingTransactions)
			tr.Get("/{id}", s.getTransaction)
		})
		if s.deps.Swaps != nil {
			api.Post("/swaps", s.executeSwap)
		}
	})
	return r
}

// countRequests records every response by route pattern and status code.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	})
}
