package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/vietddude/txtracker/internal/api"
	"github.com/vietddude/txtracker/internal/bridge"
	"github.com/vietddude/txtracker/internal/core/config"
	"github.com/vietddude/txtracker/internal/core/worker"
	"github.com/vietddude/txtracker/internal/health"
	"github.com/vietddude/txtracker/internal/history"
	"github.com/vietddude/txtracker/internal/infra/kv"
	"github.com/vietddude/txtracker/internal/infra/node"
	"github.com/vietddude/txtracker/internal/infra/protocol"
	redisclient "github.com/vietddude/txtracker/internal/infra/redis"
	"github.com/vietddude/txtracker/internal/infra/wallet"
	"github.com/vietddude/txtracker/internal/listener"
	"github.com/vietddude/txtracker/internal/session"
	"github.com/vietddude/txtracker/internal/swap"
)

// App owns every long-running component of the tracker.
type App struct {
	cfg         *config.AppConfig
	history     *history.Store
	blobs       kv.BlobStore
	redisClient *redisclient.Client
	node        *node.Client
	listener    *listener.Listener
	bridge      *bridge.Bridge
	sessions    session.Registry
	janitor     *session.MemoryRegistry
	pruner      *worker.Pruner
	monitor     *health.Monitor
	server      *api.Server
	log         *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures optional collaborators.
type Option func(*options)

type options struct {
	sdk    protocol.SDK
	wallet wallet.Wallet
	assets wallet.Assets
	blobs  kv.BlobStore
}

// WithWallet enables server-built swaps and wallet reflection for confirmed
// transactions.
func WithWallet(sdk protocol.SDK, w wallet.Wallet, assets wallet.Assets) Option {
	return func(o *options) {
		o.sdk = sdk
		o.wallet = w
		o.assets = assets
	}
}

// WithBlobStore overrides the configured working-set store.
func WithBlobStore(store kv.BlobStore) Option {
	return func(o *options) { o.blobs = store }
}

// NewApp creates the application with all dependencies initialized. Storage
// is opened lazily by Start.
func NewApp(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, log: slog.Default()}

	// 1. Redis, shared by sessions and the working set when selected
	if cfg.Redis.Enabled() {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		a.redisClient = client
	}

	// 2. Working set store
	a.blobs = o.blobs
	if a.blobs == nil {
		blobs, err := OpenWorkingSet(cfg.Legacy, a.redisClient)
		if err != nil {
			a.closeRedis()
			return nil, err
		}
		a.blobs = blobs
	}

	// 3. Durable history
	a.history = history.NewStore(history.OpenerFor(ctx, cfg.Database))

	// 4. Node and listener
	nodeClient, err := node.NewClient(cfg.Node)
	if err != nil {
		a.closeStores()
		return nil, fmt.Errorf("failed to init node client: %w", err)
	}
	a.node = nodeClient

	var listenerOpts []listener.Option
	var balances wallet.BalanceReader
	if o.wallet != nil {
		balances = wallet.NewAssetReader(o.wallet, o.assets)
		listenerOpts = append(listenerOpts, listener.WithBalanceReader(balances))
	}
	a.listener = listener.New(cfg.Listener, a.blobs, nodeClient, listenerOpts...)

	bridgeCfg := cfg.Bridge
	if bridgeCfg.Key == "" {
		bridgeCfg.Key = cfg.Listener.WithDefaults().StorageKey
	}
	a.bridge = bridge.New(bridgeCfg, a.blobs, a.history)
	a.pruner = worker.NewPruner(cfg.History.RetentionPeriod, a.history)

	// 5. Sessions
	if cfg.Sessions.Backend == "redis" {
		a.sessions = session.NewRedisRegistry(a.redisClient, cfg.Sessions.Config)
		a.log.Info("Using Redis session registry")
	} else {
		a.janitor = session.NewMemoryRegistry(cfg.Sessions.Config)
		a.sessions = a.janitor
	}

	// 6. Health and API
	a.monitor = health.NewMonitor(a.healthChecks()...)

	registrar := swap.NewRegistrar(a.listener, a.history)
	deps := api.Deps{
		Sessions:  a.sessions,
		Waiter:    session.NewWaiter(a.sessions, cfg.Sessions.Config),
		History:   a.history,
		Pending:   a.listener,
		Registrar: registrar,
		Balances:  balances,
		Health:    a.monitor,
	}
	if o.sdk != nil && o.wallet != nil {
		deps.Swaps = swap.NewService(o.sdk, o.wallet, balances, registrar)
	}
	a.server = api.NewServer(cfg.Server, deps)

	return a, nil
}

// OpenWorkingSet opens the blob store selected by cfg. client may be nil
// unless the redis driver is selected.
func OpenWorkingSet(cfg config.LegacyConfig, client *redisclient.Client) (kv.BlobStore, error) {
	switch cfg.Driver {
	case "memory":
		slog.Info("Using in-memory working set")
		return kv.NewMemoryStore(), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis working set requires a redis client")
		}
		slog.Info("Using Redis working set")
		return redisclient.NewBlobStore(client), nil
	default:
		store, err := kv.OpenBolt(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open working set: %w", err)
		}
		slog.Info("Using bolt working set", "path", cfg.Path)
		return store, nil
	}
}

func (a *App) healthChecks() []health.Check {
	checks := []health.Check{
		{
			Name:     "history",
			Critical: true,
			Probe: func(ctx context.Context) (map[string]any, error) {
				if err := a.history.Health(ctx); err != nil {
					return nil, err
				}
				return map[string]any{"driver": a.cfg.Database.Driver}, nil
			},
		},
		{
			Name: "node",
			Probe: func(ctx context.Context) (map[string]any, error) {
				height, err := a.node.GetHeight(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{"height": height}, nil
			},
		},
		{
			Name: "listener",
			Probe: func(ctx context.Context) (map[string]any, error) {
				return map[string]any{
					"pending": len(a.listener.GetPendingTransactionsList()),
					"tracked": len(a.listener.Entries()),
					"running": a.listener.Running(),
				}, nil
			},
		},
	}
	if a.redisClient != nil {
		checks = append(checks, health.Check{
			Name:     "redis",
			Critical: a.cfg.Sessions.Backend == "redis" || a.cfg.Legacy.Driver == "redis",
			Probe: func(ctx context.Context) (map[string]any, error) {
				return nil, a.redisClient.Ping(ctx)
			},
		})
	}
	return checks
}

// Start starts every component. Storage failures are logged and left to the
// health endpoint; the history store retries its open on next use.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.history.Init(runCtx); err != nil {
		a.log.Warn("History store unavailable", "error", err)
	}
	if err := a.listener.Initialize(runCtx); err != nil {
		a.log.Warn("Failed to load working set", "error", err)
	}

	a.goRun(func() {
		if err := a.server.Start(); err != nil {
			a.log.Error("API server failed", "error", err)
		}
	})
	a.goRun(func() { a.bridge.Run(runCtx) })
	a.goRun(func() { a.pruner.Start(runCtx) })
	if a.janitor != nil {
		a.goRun(func() { a.janitor.Run(runCtx) })
	}

	a.log.Info("Tracker started", "addr", a.cfg.Server.Addr)
	return nil
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Stop stops every component and releases storage.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping tracker...")

	var errs []error
	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop api: %w", err))
	}
	a.listener.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	a.closeStores()
	return errors.Join(errs...)
}

func (a *App) closeStores() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.log.Warn("Failed to close history", "error", err)
		}
	}
	if a.blobs != nil {
		if err := a.blobs.Close(); err != nil {
			a.log.Warn("Failed to close working set", "error", err)
		}
	}
	a.closeRedis()
}

func (a *App) closeRedis() {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
}

// Handler exposes the API router, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// History returns the durable store.
func (a *App) History() *history.Store {
	return a.history
}

// Bridge returns the working-set bridge.
func (a *App) Bridge() *bridge.Bridge {
	return a.bridge
}
