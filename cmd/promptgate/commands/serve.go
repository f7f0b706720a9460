package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/promptgate/promptgate/pkg/audit"
	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/engine"
	"github.com/promptgate/promptgate/pkg/evaluator"
	"github.com/promptgate/promptgate/pkg/policy"
	"github.com/promptgate/promptgate/pkg/proxy"
	"github.com/promptgate/promptgate/pkg/scorer"
	"github.com/promptgate/promptgate/pkg/stores"
	"github.com/promptgate/promptgate/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the PromptGate server",
		Long: `Run the PromptGate server: the guarded chat completions proxy, the
evaluation API, and the policy management API on one listener.

Policies come from the database plus any configured YAML paths. With
policy watching enabled, file changes reload without a restart.`,
		Example: `  # Run with defaults (SQLite in the working directory)
  promptgate serve

  # Run with a config file
  promptgate serve --config promptgate.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if verbose {
				cfg.Logging.Level = "debug"
			}
			return runServe(cmd.Context(), cfg, cmd.Root().Version)
		},
	}

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, version string) error {
	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}

	tracer, err := telemetry.NewTracer(cfg.Tracing, "promptgate", version, "production")
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	// State store
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	// File-based policies
	loader := policy.NewLoader(logger)
	fileOrg := cfg.Policies.DefaultOrganization
	var filePolicyIDs []string
	syncPolicies := func() {
		ids, err := syncFilePolicies(ctx, store, loader, fileOrg, cfg.Policies.Paths, filePolicyIDs)
		if err != nil {
			logger.Error().Err(err).Msg("Policy file sync failed")
			return
		}
		filePolicyIDs = ids
		metrics.SetPoliciesLoaded(float64(len(ids)))
	}
	if len(cfg.Policies.Paths) > 0 {
		syncPolicies()
	}

	// Evaluation pipeline
	registry := evaluator.NewRegistry(buildScorers(cfg.Scorer, logger, metrics), logger)
	scheduler := engine.NewScheduler(registry, engine.SchedulerConfig{
		FastTimeout: cfg.Engine.FastTimeout,
		SlowTimeout: cfg.Engine.SlowTimeout,
		MaxParallel: cfg.Engine.MaxParallel,
	}, logger, metrics, tracer)

	var sinks engine.MultiSink
	if cfg.Audit.PersistResults {
		sinks = append(sinks, store)
	}
	if cfg.Audit.LogPath != "" {
		jsonl, err := audit.NewJSONLSink(cfg.Audit.LogPath, logger)
		if err != nil {
			return err
		}
		defer jsonl.Close()
		sinks = append(sinks, jsonl)
	}
	var sink engine.AuditSink
	if len(sinks) > 0 {
		sink = sinks
	}

	svc := engine.NewService(store, scheduler, sink, logger)

	// Guarded proxy
	var upstream proxy.Upstream
	if cfg.Upstream.APIKey != "" || cfg.Upstream.BaseURL != "" {
		upstream, err = proxy.NewLiteLLMUpstream(cfg.Upstream)
		if err != nil {
			return err
		}
	} else {
		logger.Warn().Msg("No upstream credentials configured, chat completions disabled")
	}
	guard := proxy.NewGuard(svc, cfg.Upstream.FailClosed, logger, metrics)

	server := proxy.NewServer(proxy.ServerOptions{
		Config:         cfg.Server,
		Service:        svc,
		Store:          store,
		History:        store,
		Upstream:       upstream,
		Guard:          guard,
		GuardResponses: cfg.Upstream.GuardResponses,
		DefaultOrg:     cfg.Policies.DefaultOrganization,
		Logger:         logger,
		Metrics:        metrics,
	})

	// Policy file watcher
	if cfg.Policies.Watch && len(cfg.Policies.Paths) > 0 {
		watcher, err := policy.NewWatcher(logger, cfg.Policies.Paths)
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(ctx, syncPolicies); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("Policy watcher stopped")
			}
		}()
	}

	// Retention job
	if cfg.Database.RetentionDays > 0 && cfg.Database.RetentionSchedule != "" {
		c := cron.New()
		_, err := c.AddFunc(cfg.Database.RetentionSchedule, func() {
			cutoff := time.Now().AddDate(0, 0, -cfg.Database.RetentionDays)
			purged, err := store.PurgeEvaluationsBefore(context.Background(), cutoff)
			if err != nil {
				logger.Error().Err(err).Msg("Evaluation retention purge failed")
				return
			}
			logger.Info().
				Int64("purged", purged).
				Time("cutoff", cutoff).
				Msg("Evaluation retention purge completed")
		})
		if err != nil {
			return fmt.Errorf("invalid retention schedule: %w", err)
		}
		c.Start()
		defer c.Stop()
	}

	// Standalone metrics endpoint when configured off the main listener
	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddress != "" && cfg.Metrics.ListenAddress != cfg.Server.ListenAddress {
		if err := metrics.StartMetricsServer(); err != nil {
			return err
		}
	}

	logger.Info().
		Str("version", version).
		Str("address", cfg.Server.ListenAddress).
		Msg("PromptGate starting")

	return server.Run(ctx)
}

// buildScorers wires the configured scoring backend into the registry.
func buildScorers(cfg config.ScorerConfig, logger zerolog.Logger, metrics *telemetry.Metrics) evaluator.RegistryConfig {
	switch cfg.Backend {
	case "http":
		hs := scorer.NewHTTPScorer(scorer.HTTPConfig{
			BaseURL: cfg.Endpoint,
			Timeout: cfg.Timeout,
		}, logger, metrics)
		return evaluator.RegistryConfig{Safety: hs, Similarity: hs}
	case "llm":
		ls := scorer.NewLLMScorer(scorer.LLMConfig{
			Provider: cfg.Provider,
			Model:    cfg.Model,
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
		}, logger, metrics)
		// The LLM backend only classifies; semantic policies need the
		// http backend's embedding endpoint.
		return evaluator.RegistryConfig{Safety: ls}
	}
	return evaluator.RegistryConfig{}
}

// syncFilePolicies replaces previously file-loaded policies with the
// current file contents. Database-managed policies are untouched.
func syncFilePolicies(ctx context.Context, store policy.Store, loader *policy.Loader, orgID string, paths, previous []string) ([]string, error) {
	loaded, err := loader.LoadFromPaths(ctx, orgID, paths)
	if err != nil {
		return previous, err
	}

	for _, id := range previous {
		if err := store.Delete(ctx, id, orgID); err != nil {
			return previous, fmt.Errorf("failed to remove stale policy %s: %w", id, err)
		}
	}

	ids := make([]string, 0, len(loaded))
	for _, p := range loaded {
		if err := store.Create(ctx, p); err != nil {
			return ids, fmt.Errorf("failed to store policy %q: %w", p.Name, err)
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}
