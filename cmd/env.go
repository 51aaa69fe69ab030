package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sessions-cli/internal/cost"
	"github.com/sells-group/sessions-cli/internal/fetcher"
	"github.com/sells-group/sessions-cli/internal/pipeline"
	"github.com/sells-group/sessions-cli/internal/resilience"
	"github.com/sells-group/sessions-cli/internal/stage"
	"github.com/sells-group/sessions-cli/internal/store"
	"github.com/sells-group/sessions-cli/pkg/anthropic"
)

// env bundles the wired application components for a command invocation.
type env struct {
	Store        store.Store
	Tracker      *stage.Tracker
	Orchestrator *pipeline.Orchestrator
	Reporter     *pipeline.Reporter
}

func (e *env) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "sessions.db"
		}
		return store.NewSQLite(ctx, dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func retryConfig() resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	if cfg.Retry.MaxRetries != 0 {
		rc.MaxRetries = cfg.Retry.MaxRetries
	}
	if cfg.Retry.InitialDelaySecs > 0 {
		rc.InitialDelay = cfg.Retry.InitialDelay()
	}
	if cfg.Retry.MaxDelaySecs > 0 {
		rc.MaxDelay = cfg.Retry.MaxDelay()
	}
	if cfg.Retry.Multiplier > 0 {
		rc.Multiplier = cfg.Retry.Multiplier
	}
	return rc
}

func costCalculator() *cost.Calculator {
	rates := cost.DefaultRates()
	for model, p := range cfg.Pricing.Anthropic {
		rates = append(rates, cost.Rate{
			Model:         model,
			PromptPerMTok: p.Input,
			OutputPerMTok: p.Output,
			Currency:      "EUR",
			EffectiveFrom: time.Time{},
		})
	}
	return cost.NewCalculator(rates)
}

// initPipeline wires the store, processors and orchestrator.
func initPipeline(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	tracker := stage.NewTracker(st)
	retry := retryConfig()

	httpFetcher := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:  cfg.Fetch.UserAgent,
		Timeout:    time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		RatePerSec: cfg.Fetch.RatePerSec,
	})
	importer := pipeline.NewImportProcessor(st, tracker, httpFetcher, retry)

	if cfg.Anthropic.Key == "" {
		st.Close()
		return nil, eris.New("anthropic API key is required (SESSIONS_ANTHROPIC_KEY)")
	}
	client := anthropic.NewClient(cfg.Anthropic.Key)
	enricher := pipeline.NewEnrichProcessor(st, tracker, client, costCalculator(),
		cfg.Anthropic.Model, cfg.Anthropic.MaxTokens, retry)

	orch := pipeline.NewOrchestrator(st, importer, enricher,
		cfg.Pipeline.BatchSize, cfg.Pipeline.Concurrency, retry)

	return &env{
		Store:        st,
		Tracker:      tracker,
		Orchestrator: orch,
		Reporter:     pipeline.NewReporter(st),
	}, nil
}
