package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/account-signals/internal/bus"
	"github.com/sells-group/account-signals/internal/callout"
	"github.com/sells-group/account-signals/internal/entity"
	"github.com/sells-group/account-signals/internal/fusion"
	"github.com/sells-group/account-signals/internal/invalidation"
	"github.com/sells-group/account-signals/internal/model"
	"github.com/sells-group/account-signals/internal/propagation"
	"github.com/sells-group/account-signals/internal/registry"
	"github.com/sells-group/account-signals/internal/store"
	"github.com/sells-group/account-signals/internal/trust"
)

// signalEnv holds the wired subsystem shared by the CLI commands and the
// serve surface.
type signalEnv struct {
	Store    store.Store
	Registry *registry.Registry
	Mapper   *entity.Mapper
	Bus      *bus.Bus
	Learner  *trust.Learner
	Resolver *fusion.Resolver
	Callouts *callout.Generator
	Watcher  *invalidation.Watcher
}

// Close releases resources held by the environment.
func (e *signalEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// busRelationships answers rule traversals from entity_link signals
// recorded on the bus. Hosts embedding this subsystem inject their own
// entity graph; the CLI runs against link signals.
type busRelationships struct {
	st store.Store
}

func (r busRelationships) Related(ctx context.Context, from model.EntityRef, kind model.EntityKind) ([]model.EntityRef, error) {
	// An entity_link signal's value names the target; its context names the
	// target kind.
	events, err := r.st.ListSignals(ctx, store.SignalFilter{
		Entity: from,
		Type:   registry.TypeEntityLink,
		Limit:  100,
	})
	if err != nil {
		return nil, err
	}
	var out []model.EntityRef
	for _, ev := range events {
		k, _ := ev.SourceContext["related_kind"].(string)
		if model.EntityKind(k) != kind || ev.Value == "" {
			continue
		}
		out = append(out, model.EntityRef{Kind: kind, ID: ev.Value})
	}
	return out, nil
}

// initStore opens the configured store backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initEnv wires the registry, store, bus, propagation engine, watcher,
// learner, resolver, and callout generator, and verifies registry wiring.
func initEnv(ctx context.Context) (*signalEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	reg, err := loadRegistry()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	rules := propagation.DefaultRules(busRelationships{st: st})
	var propCfg *propagation.Config
	if cfg.Propagation.RulesPath != "" {
		propCfg, err = propagation.LoadConfig(cfg.Propagation.RulesPath)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	if propCfg == nil {
		propCfg = &propagation.Config{}
	}
	if propCfg.MaxDepth == 0 {
		propCfg.MaxDepth = cfg.Propagation.MaxDepth
	}
	engine := propagation.NewEngine(rules, propCfg)

	allowlist := callout.DefaultAllowlist()
	if err := reg.VerifyWiring(propagation.Triggers(engine.Rules()), allowlist.Types()); err != nil {
		_ = st.Close()
		return nil, err
	}

	watcher := invalidation.NewWatcher(st)
	b := bus.New(reg, st, bus.WithCascader(engine), bus.WithWatcher(watcher))

	learner := trust.NewLearner(st,
		trust.WithCacheTTL(time.Duration(cfg.Trust.CacheTTLSecs)*time.Second),
	)

	fusionCfg := fusion.Config{
		Prior:           cfg.Fusion.Prior,
		Threshold:       cfg.Fusion.Threshold,
		Epsilon:         cfg.Fusion.Epsilon,
		ProducerTimeout: time.Duration(cfg.Fusion.ProducerTimeoutSecs) * time.Second,
		DefaultHalfLife: time.Duration(cfg.Fusion.DefaultHalfLifeDays) * 24 * time.Hour,
	}
	resolver := fusion.NewResolver(fusion.DefaultProducers(b), learner, reg, fusionCfg,
		fusion.WithJunction(fusion.BusJunction(b, model.KindOrganization)),
	)

	mapper := entity.NewMapper()
	callouts := callout.NewGenerator(st, allowlist, mapper)

	return &signalEnv{
		Store:    st,
		Registry: reg,
		Mapper:   mapper,
		Bus:      b,
		Learner:  learner,
		Resolver: resolver,
		Callouts: callouts,
		Watcher:  watcher,
	}, nil
}

func loadRegistry() (*registry.Registry, error) {
	if cfg.Registry.Path != "" {
		return registry.Load(cfg.Registry.Path)
	}
	return registry.New(registry.Defaults())
}
