package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"stageengine/pkg/config"
	"stageengine/pkg/engine"
	"stageengine/pkg/eventlog"
	"stageengine/pkg/invoker"
	"stageengine/pkg/knowledge"
	"stageengine/pkg/llm/middleware/metrics"
	"stageengine/pkg/llm/providers"
	"stageengine/pkg/logx"
	"stageengine/pkg/persistence"
	"stageengine/pkg/persistence/postgres"
)

// app holds the components a command needs, opened from one config.
type app struct {
	cfg      *config.Config
	store    persistence.Store
	sqlite   *persistence.SQLiteStore // nil unless the sqlite driver is used
	registry *prometheus.Registry     // nil when metrics are disabled
	metrics  metrics.Recorder
	events   *eventlog.Writer         // nil when the event log is disabled
	logger   *logx.Logger
}

// openApp loads the config and opens the store. The engine is built separately
// because read-only commands don't need a model client.
func openApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logx.NewLogger("cli")}

	switch cfg.Store.Driver {
	case config.StorePostgres:
		store, err := postgres.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		a.store = store
	default:
		store, err := persistence.Open(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		a.store, a.sqlite = store, store
	}
	return a, nil
}

// Close releases the store and the event log.
func (a *app) Close() error {
	var errs []error
	if a.events != nil {
		errs = append(errs, a.events.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// retriever returns the configured knowledge source, or nil when retrieval is disabled.
func (a *app) retriever() (knowledge.Retriever, error) {
	switch {
	case a.cfg.Retrieval.URL != "":
		return knowledge.NewHTTPClient(a.cfg.Retrieval.URL, a.cfg.Retrieval.Timeout), nil
	case a.sqlite != nil:
		index, err := knowledge.NewLocalIndex(a.sqlite.DB())
		if err != nil {
			return nil, err
		}
		return index, nil
	default:
		return nil, fmt.Errorf("no knowledge source configured: set retrieval.url or use the sqlite store")
	}
}

// recorder registers the engine collectors on a fresh registry the first time it is
// called with metrics enabled.
func (a *app) recorder() metrics.Recorder {
	if a.metrics != nil {
		return a.metrics
	}
	if !a.cfg.Metrics.Enabled {
		a.metrics = metrics.Nop()
		return a.metrics
	}
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewPrometheusRecorder(a.registry, a.cfg.Metrics.Namespace)
	return a.metrics
}

// newEngine builds the model client chain and the engine over the app's store.
func (a *app) newEngine() (*engine.Engine, error) {
	recorder := a.recorder()
	client, err := providers.New(a.cfg, recorder)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", a.cfg.LLM.Provider, err)
	}

	opts := engine.ConfigOptions(a.cfg)
	opts = append(opts, engine.WithRecorder(recorder))

	if a.cfg.Retrieval.Enabled {
		r, err := a.retriever()
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithRetriever(r, a.cfg.Retrieval.Limit))
	}

	if a.cfg.EventLog.Enabled {
		w, err := eventlog.NewWriter(a.cfg.EventLog.Dir)
		if err != nil {
			return nil, err
		}
		a.events = w
		opts = append(opts, engine.WithEventLog(w))
	}

	a.logger.Info("Engine ready: provider=%s model=%s store=%s strategy=%s",
		a.cfg.LLM.Provider, a.cfg.LLM.Model, a.cfg.Store.Driver, a.cfg.Engine.Strategy)
	return engine.New(a.store, invoker.New(client, a.cfg.LLM.MaxTokens), opts...)
}
