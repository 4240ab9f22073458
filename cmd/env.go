package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/safeguard/internal/adapter"
	"github.com/sells-group/safeguard/internal/capability"
	"github.com/sells-group/safeguard/internal/compiler"
	"github.com/sells-group/safeguard/internal/devicesync"
	"github.com/sells-group/safeguard/internal/dispatch"
	"github.com/sells-group/safeguard/internal/resilience"
	"github.com/sells-group/safeguard/internal/store"
	"github.com/sells-group/safeguard/internal/syncer"
	"github.com/sells-group/safeguard/internal/webhook"
)

// env bundles the wired engine services shared by all commands.
type env struct {
	Store    store.Store
	Compiler *compiler.Compiler
	Caps     *capability.Registry
	Adapters *adapter.Registry
	Fanout   *webhook.Fanout
	Dispatch *dispatch.Dispatcher
	Syncer   *syncer.Syncer
	Devices  *devicesync.Service
}

func (e *env) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "safeguard.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv builds the full engine: store, capability registry, adapters, and
// the services on top of them.
func initEnv(ctx context.Context) (*env, error) {
	if err := cfg.Validate("cli"); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	caps := capability.NewRegistry()
	if cfg.Capability.RegistryPath != "" {
		if err := caps.LoadFile(cfg.Capability.RegistryPath); err != nil {
			st.Close()
			return nil, eris.Wrap(err, "load capability registry")
		}
	}

	adapters := adapter.NewRegistry()
	adapters.Register(adapter.NewLoopback())
	// One breaker per platform, shared by every call to that platform.
	breakers := resilience.NewPlatformBreakers(resilience.DefaultCircuitBreakerConfig())
	for _, b := range cfg.Bridges {
		adapters.Register(adapter.NewHTTPBridge(b.PlatformID, b.Endpoint, b.Token,
			adapter.WithBreaker(breakers.Get(b.PlatformID))))
		zap.L().Info("registered platform bridge",
			zap.String("platform_id", b.PlatformID),
			zap.String("endpoint", b.Endpoint))
	}

	comp := compiler.New(st)
	fanout := webhook.NewFanout(st)
	// One pool for all outbound adapter calls, enforcement and sync alike.
	pool := dispatch.NewPool(cfg.Dispatch.Workers)
	disp := dispatch.New(st, comp, caps, adapters, fanout, &dispatch.Options{
		Pool:          pool,
		CallTimeout:   time.Duration(cfg.Dispatch.CallTimeoutSecs) * time.Second,
		PlatformRate:  rate.Limit(cfg.Dispatch.PlatformRate),
		PlatformBurst: cfg.Dispatch.PlatformBurst,
	})

	sync := syncer.New(st, comp, adapters, fanout, pool)
	disp.SetAutoSync(sync)

	return &env{
		Store:    st,
		Compiler: comp,
		Caps:     caps,
		Adapters: adapters,
		Fanout:   fanout,
		Dispatch: disp,
		Syncer:   sync,
		Devices:  devicesync.New(st, comp),
	}, nil
}
