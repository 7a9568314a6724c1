package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dealbrief/internal/extract"
	"github.com/sells-group/dealbrief/internal/hub"
	"github.com/sells-group/dealbrief/internal/pipeline"
	"github.com/sells-group/dealbrief/internal/store"
	anthropicpkg "github.com/sells-group/dealbrief/pkg/anthropic"
)

// pipelineEnv holds the initialized store, hub, and pipeline service needed
// by the serve/submit commands.
type pipelineEnv struct {
	Store   store.Store
	Hub     *hub.Hub
	Service *pipeline.Service
}

// Close drains the worker pool and releases the store.
func (pe *pipelineEnv) Close() {
	if pe.Service != nil {
		pe.Service.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens the configured store backend and runs migrations.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite", "":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initPipeline sets up the store, the Anthropic-backed extractor, the status
// hub, and starts the worker pool. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic.key is required (DEALBRIEF_ANTHROPIC_KEY)")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	ext := extract.New(anthropicpkg.NewClient(cfg.Anthropic.Key), extract.Config{
		Model:             cfg.Anthropic.Model,
		MaxTokens:         cfg.Anthropic.MaxTokens,
		Timeout:           time.Duration(cfg.Anthropic.TimeoutSecs) * time.Second,
		RequestsPerSecond: cfg.Anthropic.RequestsPerSecond,
	})

	h := hub.New()
	svc := pipeline.New(st, ext, h, pipeline.Config{
		MaxInputBytes: cfg.Intake.MaxInputBytes,
		Workers:       cfg.Intake.Workers,
		QueueDepth:    cfg.Intake.QueueDepth,
	})
	svc.Start(ctx)

	return &pipelineEnv{Store: st, Hub: h, Service: svc}, nil
}
