// Package daemon composes the fieldsync daemon with fx: store, bus, sync
// engine, transport client and the in-process API services, plus the
// lifecycle hooks tying them together.
package daemon

import (
	"context"
	"net/http"
	"os"

	"github.com/matheus3301/fieldsync/internal/api"
	"github.com/matheus3301/fieldsync/internal/bus"
	"github.com/matheus3301/fieldsync/internal/config"
	"github.com/matheus3301/fieldsync/internal/lock"
	"github.com/matheus3301/fieldsync/internal/logging"
	"github.com/matheus3301/fieldsync/internal/remote"
	"github.com/matheus3301/fieldsync/internal/session"
	"github.com/matheus3301/fieldsync/internal/status"
	"github.com/matheus3301/fieldsync/internal/store"
	intsync "github.com/matheus3301/fieldsync/internal/sync"
	"github.com/matheus3301/fieldsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultBaseURL = "http://localhost:8080"

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideTokenSource,
			provideAuthority,
			provideSyncEngine,
			provideIntentService,
			provideQueryService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("config unreadable, using defaults", zap.Error(err))
		}
		return &config.Config{}
	}
	return cfg
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}

	// Submissions interrupted by a crash go back to pending; the idempotency
	// key makes the re-submit safe.
	requeued, err := db.ResetInflight()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if requeued > 0 {
		logger.Info("requeued interrupted submissions", zap.Int64("count", requeued))
	}

	db.Bind(b)
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideTokenSource(p Params) transport.TokenSource {
	return &remote.FileTokenSource{Path: session.TokenPath(p.SessionName)}
}

func provideAuthority(cfg *config.Config, tokens transport.TokenSource, logger *zap.Logger) transport.Authority {
	baseURL := cfg.Server.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := &http.Client{Timeout: cfg.Server.Timeout.Std()}
	logger.Info("authority endpoint", zap.String("base_url", baseURL))
	return remote.NewClient(baseURL, tokens, httpClient)
}

func provideSyncEngine(db *store.DB, authority transport.Authority, tokens transport.TokenSource, b *bus.Bus, machine *status.Machine, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, authority, tokens, b, machine, logger, intsync.Config{
		Tick:        cfg.Sync.Tick.Std(),
		BackoffBase: cfg.Sync.BackoffBase.Std(),
		BackoffCap:  cfg.Sync.BackoffCap.Std(),
	})
}

func provideIntentService(db *store.DB, cfg *config.Config, p Params, logger *zap.Logger) *api.IntentService {
	return api.NewIntentService(db, workerID(cfg, p), logger)
}

func provideQueryService(db *store.DB, b *bus.Bus, cfg *config.Config, p Params) *api.QueryService {
	return api.NewQueryService(db, b, workerID(cfg, p))
}

// workerID falls back to the session name, which keeps single-worker setups
// configuration-free.
func workerID(cfg *config.Config, p Params) string {
	if cfg.WorkerID != "" {
		return cfg.WorkerID
	}
	return p.SessionName
}

func registerLifecycle(lc fx.Lifecycle, engine *intsync.Engine, lk *lock.Lock, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			// Assume connectivity at boot; the first failed cycle flips the
			// runtime state, and a connectivity watcher can publish
			// net.offline/net.online as links come and go.
			b.Publish(bus.Event{Kind: "net.online"})
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
