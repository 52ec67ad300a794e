// Package metarouter assembles the intent recognition and meta-routing
// service: registry, cache, classifiers, recognition engine, manifest
// refresher, and the HTTP surface, wired into one startable application.
package metarouter

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/itsneelabh/metarouter/classify"
	"github.com/itsneelabh/metarouter/core"
	"github.com/itsneelabh/metarouter/intent"
	"github.com/itsneelabh/metarouter/manifest"
	"github.com/itsneelabh/metarouter/registry"
	"github.com/itsneelabh/metarouter/resilience"
	"github.com/itsneelabh/metarouter/routing"
	"github.com/itsneelabh/metarouter/server"
	"github.com/itsneelabh/metarouter/stream"
	"github.com/itsneelabh/metarouter/telemetry"
)

const healthLoopInterval = 30 * time.Second

// Application owns every component and their lifecycle.
type Application struct {
	config *core.Config
	logger core.Logger

	cache     core.Memory
	registry  *registry.Registry
	engine    *intent.Engine
	router    *routing.Router
	breaker   *resilience.CircuitBreaker
	refresher *manifest.Refresher
	bus       *stream.Bus
	metrics   *telemetry.Metrics
	server    *server.Server
	watcher   *fsnotify.Watcher

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// NewApplication wires the service from configuration. Construction is
// side-effect free apart from cache connection probing; background loops
// start in Start.
func NewApplication(cfg *core.Config) (*Application, error) {
	if cfg == nil {
		cfg = core.NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := core.NewProductionLogger("metarouter")
	base.SetLevel(cfg.LogLevel)
	var logger core.Logger = base

	app := &Application{config: cfg, logger: logger}

	app.cache = core.NewCache(cfg.Redis, "intent", componentLogger(logger, "cache"))
	app.registry = registry.Load(cfg.ConfigPath, componentLogger(logger, "registry"))

	bundle, err := intent.LoadBundle(cfg.ConfigDir, componentLogger(logger, "config"))
	if err != nil {
		return nil, fmt.Errorf("load routing configuration: %w", err)
	}
	if cfg.ConfidenceThreshold > 0 {
		bundle.MetaRouting.ConfidenceThreshold = cfg.ConfidenceThreshold
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = telemetry.NewMetrics(promRegistry)
	tracer := telemetry.NewTracer("github.com/itsneelabh/metarouter")

	remote, err := classify.NewRemote(cfg.LLM, componentLogger(logger, "classify"), tracer)
	if err != nil {
		// No usable LLM provider; the chain runs on the heuristic alone.
		logger.Warn("Remote classifier unavailable, using heuristic only", map[string]interface{}{
			"operation": "app_init",
			"provider":  cfg.LLM.Provider,
			"error":     err.Error(),
		})
		remote = nil
	}
	chain := classify.NewChain(remote, componentLogger(logger, "classify"))

	app.engine = intent.NewEngine(bundle, app.cache, chain, app.registry, componentLogger(logger, "intent"), &intent.Options{
		Observer:  app.metrics,
		Telemetry: tracer,
	})

	app.router = routing.NewRouter(app.engine, app.registry, cfg.ForwardEnabled, componentLogger(logger, "routing"))

	breakerCfg := resilience.DefaultConfig()
	breakerCfg.Name = "route"
	breakerCfg.Logger = componentLogger(logger, "resilience")
	app.breaker = resilience.NewCircuitBreaker(breakerCfg)

	repo := manifest.NewRepository(cfg.ManifestDir, cfg.ManifestHistoryDir, componentLogger(logger, "manifest"))
	provider := manifest.NewSyntheticTelemetry(cfg.TelemetryCacheTTL)
	app.refresher = manifest.NewRefresher(repo, provider, manifest.RefresherConfig{
		DefaultProfile:         cfg.RefreshProfile,
		AutoApplyLowRisk:       cfg.AutoApplyLowRisk,
		DriftWarningThreshold:  cfg.DriftWarningThreshold,
		DriftCriticalThreshold: cfg.DriftCriticalThreshold,
	}, componentLogger(logger, "manifest"))

	app.bus = stream.NewBus(app.engine, componentLogger(logger, "stream"))

	app.server = server.New(server.Options{
		Port:      cfg.Port,
		Engine:    app.engine,
		Router:    app.router,
		Breaker:   app.breaker,
		Registry:  app.registry,
		Refresher: app.refresher,
		Bus:       app.bus,
		Metrics:   app.metrics,
		Gatherer:  promRegistry,
		Reload:    app.reloadBundle,
		Logger:    componentLogger(logger, "server"),
	})

	return app, nil
}

// Start launches background loops and serves HTTP until the context is
// canceled or the listener fails.
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	a.started = true
	ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	a.registry.StartHealthLoop(ctx, healthLoopInterval)
	a.bus.StartReaper(ctx, time.Minute)
	a.startConfigWatcher(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop shuts everything down in dependency order: listener first, then
// background loops, then the cache connection.
func (a *Application) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var firstErr error
	if err := a.server.Shutdown(ctx); err != nil {
		firstErr = err
	}
	a.bus.Stop()
	a.registry.Stop()
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	if closer, ok := a.cache.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	a.logger.Info("Application stopped", map[string]interface{}{
		"operation": "app_stop",
	})
	return firstErr
}

// reloadBundle re-reads the routing configuration from disk and swaps it
// into the engine.
func (a *Application) reloadBundle() error {
	bundle, err := intent.LoadBundle(a.config.ConfigDir, componentLogger(a.logger, "config"))
	if err != nil {
		return err
	}
	if a.config.ConfidenceThreshold > 0 {
		bundle.MetaRouting.ConfidenceThreshold = a.config.ConfidenceThreshold
	}
	a.engine.Reload(bundle)
	return nil
}

// startConfigWatcher reloads the bundle when the config files change on
// disk. Watch failures degrade to manual reloads via the admin endpoint.
func (a *Application) startConfigWatcher(ctx context.Context) {
	if a.config.ConfigDir == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.logger.Warn("Config watcher unavailable", map[string]interface{}{
			"operation": "config_watch",
			"error":     err.Error(),
		})
		return
	}
	if err := watcher.Add(a.config.ConfigDir); err != nil {
		a.logger.Warn("Config directory not watchable", map[string]interface{}{
			"operation": "config_watch",
			"directory": a.config.ConfigDir,
			"error":     err.Error(),
		})
		watcher.Close()
		return
	}
	a.watcher = watcher

	go func() {
		// Editors fire bursts of events per save; debounce before reload.
		var pending *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if filepath.Ext(event.Name) != ".json" {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(250*time.Millisecond, func() {
					if err := a.reloadBundle(); err != nil {
						a.logger.Error("Config reload failed", map[string]interface{}{
							"operation": "config_watch",
							"file":      event.Name,
							"error":     err.Error(),
						})
						return
					}
					a.logger.Info("Configuration reloaded from disk", map[string]interface{}{
						"operation": "config_watch",
						"file":      event.Name,
					})
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				a.logger.Warn("Config watcher error", map[string]interface{}{
					"operation": "config_watch",
					"error":     err.Error(),
				})
			}
		}
	}()
}

func componentLogger(logger core.Logger, component string) core.Logger {
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return logger
}
