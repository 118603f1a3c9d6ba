// Package app aggregates configuration and shared dependencies for the
// CLI commands.
package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hogmalmsmedia/ratewatch/internal/api"
	"github.com/hogmalmsmedia/ratewatch/internal/cache"
	"github.com/hogmalmsmedia/ratewatch/internal/change"
	"github.com/hogmalmsmedia/ratewatch/internal/config"
	"github.com/hogmalmsmedia/ratewatch/internal/history"
	"github.com/hogmalmsmedia/ratewatch/internal/ingest"
	"github.com/hogmalmsmedia/ratewatch/internal/metrics"
	"github.com/hogmalmsmedia/ratewatch/internal/review"
	"github.com/hogmalmsmedia/ratewatch/internal/scheduler"
	"github.com/hogmalmsmedia/ratewatch/internal/source"
	"github.com/hogmalmsmedia/ratewatch/internal/storage"
	"github.com/hogmalmsmedia/ratewatch/internal/version"
)

// App holds configuration and the root logger for all commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn is not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool, a.newCalculator(), a.Logger)
	return store, store.Close, nil
}

func (a *App) newCalculator() *change.Calculator {
	return change.NewCalculator(a.Config.Tracking)
}

func (a *App) newCache() *cache.ValueCache {
	if !a.Config.Cache.Enabled {
		return nil
	}
	return cache.New(a.Config.Cache.TTL)
}

func (a *App) newNotifier() review.Notifier {
	if a.Config.Review.Telegram.Enabled {
		cfg := a.Config.Review.Telegram
		return review.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// Migrate applies the database schema.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Msg("schema migration completed")
	return nil
}

// buildIngester wires the ingestion pipeline, routing flagged
// observations to the configured notifier when one is enabled.
func (a *App) buildIngester(store ingest.Store, values *cache.ValueCache) *ingest.Ingester {
	var onFlag ingest.FlagFunc
	if notifier := a.newNotifier(); notifier != nil {
		logger := a.Logger
		onFlag = func(ctx context.Context, obs history.Observation) {
			if err := notifier.NotifyFlagged(ctx, obs); err != nil {
				logger.Error().Err(err).Msg("review notification failed")
			}
		}
	}
	return ingest.New(store, a.newCalculator(), a.Config.Tracking, values, onFlag, a.Logger)
}

// Serve runs the HTTP API together with the source-sync and cache-flush
// schedulers until interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Migrate(ctx); err != nil {
		return err
	}

	values := a.newCache()
	ing := a.buildIngester(store, values)
	gate := review.NewGate(store, values, a.Logger)

	router := api.NewRouter(api.Deps{
		Store:          store,
		Sources:        store,
		Ingester:       ing,
		Gate:           gate,
		Values:         values,
		AllowedOrigins: a.Config.Server.AllowedOrigins,
		Logger:         a.Logger,
	})

	poller := source.NewPoller(store, ing, source.Options{
		UserAgent: version.UserAgent(a.Config.App.Name),
	}, a.Logger)

	syncSched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.SyncInterval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Name:         "source_sync",
	}, a.Logger)
	go func() {
		_ = syncSched.Run(ctx, func(ctx context.Context, _ time.Time) error {
			return a.syncTick(ctx, store, poller)
		})
	}()

	flushSched := scheduler.New(scheduler.Options{
		Interval: a.Config.Scheduler.FlushInterval,
		Name:     "cache_flush",
	}, a.Logger)
	go func() {
		_ = flushSched.Run(ctx, func(context.Context, time.Time) error {
			values.Flush()
			metrics.CacheFlushes.Inc()
			return nil
		})
	}()

	srv := &http.Server{
		Addr:    a.Config.Server.Addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	a.Logger.Info().Str("addr", a.Config.Server.Addr).Msg("starting api server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	a.Logger.Info().Msg("api server stopped")
	return nil
}

// syncTick polls every enabled source once, guarded by a postgres
// advisory lock so concurrent replicas do not double-poll.
func (a *App) syncTick(ctx context.Context, store *storage.Store, poller *source.Poller) error {
	key := a.Config.Scheduler.AdvisoryLockKey
	if key != 0 {
		unlock, acquired, err := store.TryAdvisoryLock(ctx, key)
		if err != nil {
			return err
		}
		if !acquired {
			a.Logger.Debug().Msg("skip source sync; advisory lock held elsewhere")
			return nil
		}
		defer unlock()
	}

	inserted, err := poller.PollAll(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("inserted", inserted).Msg("source sync completed")
	return nil
}
