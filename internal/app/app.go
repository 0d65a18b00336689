package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"positionwatch/internal/alert"
	"positionwatch/internal/chain"
	"positionwatch/internal/config"
	"positionwatch/internal/indexer"
	"positionwatch/internal/lock"
	"positionwatch/internal/metrics"
	"positionwatch/internal/refresh"
	"positionwatch/internal/risk"
	"positionwatch/internal/scheduler"
	"positionwatch/internal/service"
	"positionwatch/internal/snapshot"
	"positionwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newNotifier() alert.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alert.NewTelegramNotifier(cfg.BotToken, cfg.APIBase, cfg.RequestTimeout, a.Logger)
	}
	return nil
}

func (a *App) newClients() map[int64]chain.Client {
	clients := make(map[int64]chain.Client, len(a.Config.Chains))
	for _, c := range a.Config.Chains {
		clients[c.ChainID] = chain.NewEndpoint(chain.EndpointOptions{
			ChainID: c.ChainID,
			Name:    c.Name,
			RPCURL:  c.RPCURL,
			Timeout: c.RequestTimeout,
		}, a.Logger)
	}
	return clients
}

func (a *App) backoff() chain.Backoff {
	return chain.Backoff{
		Base:        a.Config.Indexer.BackoffBase,
		Max:         a.Config.Indexer.BackoffMax,
		MaxAttempts: a.Config.Indexer.MaxAttempts,
	}
}

func (a *App) newIndexers(clients map[int64]chain.Client, cursors storage.CursorStore) map[int64]*indexer.Indexer {
	indexers := make(map[int64]*indexer.Indexer, len(clients))
	for chainID, client := range clients {
		indexers[chainID] = indexer.New(client, cursors, indexer.Options{
			WindowSize: a.Config.Indexer.WindowSize,
			Backoff:    a.backoff(),
		}, a.Logger)
	}
	return indexers
}

func (a *App) newEngine(store *storage.Store, notifier alert.Notifier) (*alert.Engine, error) {
	minTier, err := risk.ParseTier(a.Config.Alerting.MinTier)
	if err != nil {
		return nil, fmt.Errorf("alerting.min_tier: %w", err)
	}
	opts := alert.Options{
		BucketStep:      decimal.NewFromFloat(a.Config.Risk.BucketStep),
		MinTier:         minTier,
		NotifyOnResolve: a.Config.Alerting.NotifyOnResolve,
	}
	return alert.NewEngine(store, store, store, notifier, opts, a.Logger), nil
}

func (a *App) newCoordinator(store *storage.Store, clients map[int64]chain.Client) *refresh.Coordinator {
	builder := snapshot.New(clients, store, store, store, a.backoff(), a.Logger)
	fileLock := lock.New(a.Config.Lock.Dir, a.Config.Refresh.LockName, a.Config.Lock.StaleAge, a.Logger)
	return refresh.New(store, builder, fileLock, a.Config.Refresh.StalenessThreshold, a.Logger)
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	stopMetrics := a.startMetricsListener(ctx)
	defer stopMetrics()

	clients := a.newClients()
	notifier := a.newNotifier()
	if notifier == nil {
		a.Logger.Warn().Msg("no notification channel configured; alerts will be recorded but not delivered")
	}

	engine, err := a.newEngine(store, notifier)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		MaxJitter:    a.Config.Scheduler.MaxJitter,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunAtStart:   a.Config.Scheduler.RunAtStart,
	}, a.Logger)

	svc := service.New(a.Config, sched, a.newIndexers(clients, store), store, store, a.newCoordinator(store, clients), engine, risk.NopOverrides{}, a.Logger)

	a.Logger.Info().Int("chains", len(clients)).Msg("starting position monitor")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("position monitor stopped")
	return nil
}

// startMetricsListener exposes /metrics when a listen address is configured.
// Returns a stop function that is safe to call regardless.
func (a *App) startMetricsListener(ctx context.Context) func() {
	addr := a.Config.Metrics.ListenAddr
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		a.Logger.Info().Str("addr", addr).Msg("metrics listener started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("metrics listener shutdown failed")
		}
	}
}

// ScanOptions configure a one-shot contract scan. Reset rewinds the cursor
// so the rescan starts at FromBlock inclusive; FromBlock 0 with Reset set
// discards the cursor and rescans from the configured start block.
type ScanOptions struct {
	ContractID int64
	FromBlock  uint64
	Reset      bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions configure a risk simulation pass.
type SimulateOptions struct {
	PriceOffset     float64
	DebtAheadOffset float64
	RateOffset      float64
	TickShift       int32
}
