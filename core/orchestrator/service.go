package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/picturas/orchestrator/core/catalog"
	"github.com/picturas/orchestrator/core/infra/blob"
	"github.com/picturas/orchestrator/core/infra/bus"
	"github.com/picturas/orchestrator/core/infra/config"
	"github.com/picturas/orchestrator/core/infra/logging"
	"github.com/picturas/orchestrator/core/infra/metrics"
	"github.com/picturas/orchestrator/core/notify"
	"github.com/picturas/orchestrator/core/pipeline"
	"github.com/picturas/orchestrator/core/protocol"
	"github.com/picturas/orchestrator/core/quota"
)

const shutdownTimeout = 3 * time.Second

// Run wires and starts the orchestrator: the pipeline state store, the
// completion consumer on the results queue, the live-update hub and the
// HTTP API. Blocks until SIGINT/SIGTERM, then drains the HTTP server.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}

	store, err := pipeline.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect pipeline store: %w", err)
	}
	defer store.Close()

	projects, err := catalog.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect project catalog: %w", err)
	}
	defer projects.Close()

	registry := loadRegistry(cfg.ToolsConfigPath)

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	guard, closeGuard, err := buildGuard(cfg)
	if err != nil {
		return err
	}
	defer closeGuard()

	blobs := blob.NewClient(cfg.BlobGatewayURL)
	work := blob.NewWorkspace(cfg.WorkDir)
	m := metrics.NewProm("picturas_orchestrator")
	notifier := notify.NewBusNotifier(natsBus)
	hub := notify.NewHub()

	dispatcher := pipeline.NewDispatcher(pipeline.DispatcherConfig{
		Store:    store,
		Projects: projects,
		Registry: registry,
		Guard:    guard,
		Blobs:    blobs,
		Work:     work,
		Bus:      natsBus,
		Metrics:  m,
	})
	completer := pipeline.NewCompleter(pipeline.CompleterConfig{
		Store:    store,
		Registry: registry,
		Blobs:    blobs,
		Work:     work,
		Bus:      natsBus,
		Notify:   notifier,
		Metrics:  m,
	})

	if err := natsBus.Subscribe(protocol.SubjectResults, protocol.ResultsQueue, completer.Handle); err != nil {
		return fmt.Errorf("subscribe results: %w", err)
	}
	if err := natsBus.Subscribe(protocol.SubjectClientAll, "", hub.HandleUpdate); err != nil {
		return fmt.Errorf("subscribe client updates: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := newMux(dispatcher, store, hub, natsBus)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logging.Info("ORCHESTRATOR", "started", "http", cfg.HTTPAddr)

	select {
	case err := <-errCh:
		logging.Error("ORCHESTRATOR", "http server error", "err", err)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	logging.Info("ORCHESTRATOR", "stopped")
	return nil
}

// loadRegistry reads the tool registry file, falling back to the built-in
// tool set when the file is absent or broken.
func loadRegistry(path string) *catalog.Registry {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			registry, err := catalog.LoadRegistry(path)
			if err == nil {
				logging.Info("ORCHESTRATOR", "tool registry loaded", "path", path)
				return registry
			}
			logging.Error("ORCHESTRATOR", "tool registry load failed, using defaults", "path", path, "err", err)
		}
	}
	return catalog.DefaultRegistry()
}

// buildGuard picks the quota guard: the external users service when
// configured, otherwise a self-hosted Redis ledger that treats every user
// as free tier.
func buildGuard(cfg *config.Config) (quota.Guard, func(), error) {
	if cfg.UsersServiceURL != "" {
		logging.Info("ORCHESTRATOR", "quota guard: users service", "url", cfg.UsersServiceURL)
		return quota.NewHTTPGuard(cfg.UsersServiceURL), func() {}, nil
	}
	ledger, err := quota.NewRedisLedger(cfg.RedisURL, quota.StaticTiers(quota.TierFree), cfg.FreeDailyOps)
	if err != nil {
		return nil, nil, fmt.Errorf("init quota ledger: %w", err)
	}
	logging.Info("ORCHESTRATOR", "quota guard: redis ledger", "daily_limit", cfg.FreeDailyOps)
	return ledger, func() { ledger.Close() }, nil
}
