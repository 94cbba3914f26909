// Package daemon composes the delivery engine with fx. A standalone process
// gets the full stack (store, processor, trigger, reachability probe); an
// embedding host reuses Module and adds its own fx.Invoke to obtain the
// *outbox.Queue facade and to publish app.* lifecycle events from platform
// observers.
package daemon

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"pigeon/internal/bus"
	"pigeon/internal/config"
	"pigeon/internal/lifecycle"
	"pigeon/internal/lock"
	"pigeon/internal/logging"
	"pigeon/internal/outbox"
	"pigeon/internal/remote"
	"pigeon/internal/session"
	"pigeon/internal/store"
	syncp "pigeon/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	// DataDir overrides the session directory; empty = use default. Testing.
	DataDir string
	// Config overrides the loaded configuration; nil = load from disk.
	Config *config.Config
}

func (p Params) dir() string {
	if p.DataDir != "" {
		return p.DataDir
	}
	return session.Dir(p.SessionName)
}

// Module returns the fx module for the engine, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRemoteClient,
			provideProbe,
			provideProcessor,
			provideTrigger,
			provideQueue,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	cfg, err := config.Load(session.ConfigPath())
	if os.IsNotExist(err) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.dir()), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.dir()))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.QueueDBPath(p.dir())
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
	logger.Info("queue store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemoteClient(cfg *config.Config, logger *zap.Logger) *remote.Client {
	return remote.NewClient(cfg.Remote, logger)
}

func provideProbe(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *remote.Probe {
	return remote.NewProbe(cfg.Remote, b, logger)
}

func provideProcessor(db *store.DB, client *remote.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *syncp.Processor {
	return syncp.NewProcessor(db, client, b, cfg.Sync, logger)
}

func provideTrigger(proc *syncp.Processor, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *lifecycle.Trigger {
	return lifecycle.NewTrigger(proc, b, cfg.Sync, logger)
}

func provideQueue(db *store.DB, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(db, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	db *store.DB,
	proc *syncp.Processor,
	trigger *lifecycle.Trigger,
	probe *remote.Probe,
	queue *outbox.Queue,
	b *bus.Bus,
	logger *zap.Logger,
) {
	_ = queue // constructed eagerly so embedding hosts can resolve it

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// A record stranded in syncing means the previous process died
			// mid-attempt; it must be retried, never assumed delivered.
			recovered, err := db.RecoverInFlight()
			if err != nil {
				return err
			}
			if recovered > 0 {
				logger.Info("recovered in-flight records", zap.Int64("count", recovered))
			}

			probe.Start(context.Background())
			trigger.Start(context.Background())
			b.Emit(bus.KindAppState, lifecycle.AppStateChange{State: lifecycle.Active})

			// Drain whatever survived the restart without waiting for the
			// first tick.
			go func() {
				if _, err := proc.RunOnce(context.Background()); err != nil {
					logger.Error("startup drain failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			trigger.Stop()
			probe.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
