// Kestrel - real-time card fraud scoring.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/circuitbreaker"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/tracing"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("KESTREL_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(logging.New(cfg.Logging.Level, cfg.Logging.Format))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"velocity", cfg.Velocity.Backend,
		"history", cfg.History.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("kestrel stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("kestrel shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(sctx)
	}()

	// Backends
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	velocityStore, err := velocity.New(cfg.Velocity)
	if err != nil {
		return fmt.Errorf("failed to initialize velocity store: %w", err)
	}
	guard := velocity.NewGuard(velocityStore, cfg.Scoring.LookupTimeout, 100_000)
	defer guard.Close()
	slog.Info("velocity store initialized", "backend", cfg.Velocity.Backend, "windows", cfg.Velocity.Windows)

	historyStore, err := history.New(cfg.History)
	if err != nil {
		return fmt.Errorf("failed to initialize history store: %w", err)
	}
	defer historyStore.Close()

	// Entity risk
	ipResolver, err := risk.OpenIPResolver(cfg.GeoIP)
	if err != nil {
		return fmt.Errorf("failed to open geoip databases: %w", err)
	}
	defer ipResolver.Close()

	calendar, err := risk.NewCalendar(cfg.Holidays.Extra)
	if err != nil {
		return fmt.Errorf("invalid holiday calendar: %w", err)
	}

	lookup := risk.NewLookup(repo, cacheImpl, cfg.Cache.EntityTTL, cfg.Scoring.LookupTimeout)
	gen := features.New(features.Deps{
		Velocity: guard,
		History:  historyStore,
		Lookup:   lookup,
		IP:       ipResolver,
		Calendar: calendar,
		Timeout:  cfg.Scoring.LookupTimeout,
	})

	// Models
	bundle, err := loadBundle(cfg.Scoring)
	if err != nil {
		return err
	}
	tabular, graph, anomaly := scoring.Components(bundle, embeddingSource(cfg.Scoring, cacheImpl))
	runner := scoring.NewRunner(cfg.Scoring.ComponentTimeout, tabular, graph, anomaly)

	policy, err := ensemble.NewPolicy(cfg.Scoring)
	if err != nil {
		return fmt.Errorf("invalid scoring policy: %w", err)
	}

	// Risk-factor rules
	engine, err := rules.NewEngine()
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	defer engine.Close()
	if err := loadRules(ctx, repo, engine, cfg.Worker.TenantIDs); err != nil {
		return err
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	scorer := pipeline.New(pipeline.Deps{
		Features:     gen,
		Runner:       runner,
		Combiner:     ensemble.NewCombiner(policy),
		Explainer:    explain.New(tabular, engine),
		Recorder:     decision.NewRecorder(repo, busImpl),
		ModelVersion: bundle.Version,
		Route:        cfg.Scoring.Route,
		TotalTimeout: cfg.Scoring.TotalTimeout,
		BatchWorkers: cfg.Scoring.BatchWorkers,
	})
	slog.Info("scoring pipeline initialized",
		"model_version", bundle.Version,
		"route", cfg.Scoring.Route,
		"threshold", cfg.Scoring.Threshold,
	)

	// Alert worker
	var alertWorker *worker.Worker
	if cfg.Worker.Enabled {
		notifier, err := notify.New(cfg.Notify)
		if err != nil {
			return fmt.Errorf("failed to initialize notifier: %w", err)
		}
		alertWorker = worker.NewWorker(busImpl, repo, notifier)
		if err := alertWorker.Start(worker.Config{TenantIDs: cfg.Worker.TenantIDs}); err != nil {
			return fmt.Errorf("failed to start alert worker: %w", err)
		}
	}

	// HTTP
	handler := api.NewHandler(repo, cacheImpl, busImpl, engine, scorer, lookup, cfg.Scoring.BatchLimit, Version)
	srv := api.NewServer(cfg.Server, handler)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// In-flight requests are done; drain alert signals before the bus closes.
	if alertWorker != nil {
		if err := alertWorker.Stop(); err != nil {
			slog.Error("failed to stop alert worker", "error", err)
		}
	}
	return nil
}

func loadBundle(cfg domain.ScoringConfig) (*scoring.Bundle, error) {
	if cfg.ModelPath == "" {
		slog.Warn("no model bundle configured, using built-in reference weights",
			"model_version", cfg.ModelVersion,
		)
		return scoring.DefaultBundle(cfg.ModelVersion, cfg.EmbeddingDim), nil
	}
	bundle, err := scoring.LoadBundle(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load model bundle: %w", err)
	}
	slog.Info("model bundle loaded", "path", cfg.ModelPath, "version", bundle.Version)
	return bundle, nil
}

// embeddingSource reads embeddings through the cache. With a service URL,
// misses go to the service behind a circuit breaker.
func embeddingSource(cfg domain.ScoringConfig, c domain.Cache) scoring.EmbeddingSource {
	if cfg.EmbeddingURL == "" {
		return scoring.NewCachedEmbeddings(c, nil, 0)
	}

	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		slog.Warn("embedding service breaker transition",
			"key", key,
			"from", from.String(),
			"to", to.String(),
		)
	})
	origin := scoring.NewGuardedEmbeddings(scoring.NewHTTPEmbeddings(cfg.EmbeddingURL, nil), breaker)
	return scoring.NewCachedEmbeddings(c, origin, time.Hour)
}

// loadRules installs the built-in rules for every tenant and the stored
// rules of the configured tenants. Other tenants pick up their stored
// rules on POST /rules/reload.
func loadRules(ctx context.Context, repo domain.Repository, engine *rules.Engine, tenantIDs []string) error {
	if err := engine.ReloadRules(rules.GlobalTenant, rules.BuiltinRules()); err != nil {
		return fmt.Errorf("failed to load built-in rules: %w", err)
	}

	for _, tenantID := range tenantIDs {
		stored, err := repo.ListRiskRules(ctx, tenantID)
		if err != nil {
			slog.Warn("failed to list rules from database", "tenant_id", tenantID, "error", err)
			continue
		}
		if err := engine.ReloadRules(tenantID, stored); err != nil {
			return fmt.Errorf("failed to load rules for tenant %s: %w", tenantID, err)
		}
		slog.Info("tenant rules loaded", "tenant_id", tenantID, "count", len(stored))
	}
	return nil
}
