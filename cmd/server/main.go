// Package main is the entrypoint for the AgentGate API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/agentgate/internal/api"
	"github.com/kiranshivaraju/agentgate/internal/api/handler"
	mw "github.com/kiranshivaraju/agentgate/internal/api/middleware"
	"github.com/kiranshivaraju/agentgate/internal/cache"
	"github.com/kiranshivaraju/agentgate/internal/checkpoint"
	"github.com/kiranshivaraju/agentgate/internal/config"
	"github.com/kiranshivaraju/agentgate/internal/executor"
	"github.com/kiranshivaraju/agentgate/internal/executor/webhook"
	"github.com/kiranshivaraju/agentgate/internal/jobs"
	"github.com/kiranshivaraju/agentgate/internal/store"
	"github.com/kiranshivaraju/agentgate/internal/worker"
	"github.com/kiranshivaraju/agentgate/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	shutdownTimeout = 30 * time.Second
	publishTimeout  = 2 * time.Second
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"executor", cfg.Executor.Provider,
		"job_type_policies", len(cfg.Worker.Policies),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create task executor
	exec, err := executor.New(cfg.Executor)
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}
	if cfg.Executor.Provider == "webhook" {
		probe := webhook.NewClient(cfg.Executor.Webhook.URL, cfg.Executor.Webhook.Token, 5*time.Second)
		if err := probe.Ready(ctx); err != nil {
			// Jobs retry with backoff until the agent service is up.
			slog.Warn("executor webhook not ready", "url", cfg.Executor.Webhook.URL, "error", err)
		}
	}
	slog.Info("executor initialized", "provider", cfg.Executor.Provider, "job_types", exec.JobTypes())

	// 6. Create store and core services
	pgStore := store.NewPostgresStore(pool)

	if err := bootstrapAdminKey(ctx, pgStore, cfg.Bootstrap); err != nil {
		return fmt.Errorf("bootstrap admin key: %w", err)
	}

	machine := jobs.NewMachine(pgStore, slog.Default(), jobs.WithStatusCache(redisCache))
	gate := checkpoint.NewGate(machine, slog.Default(),
		checkpoint.WithExpiry(cfg.Checkpoint.TTL, expiryAction(cfg.Checkpoint.ExpiryAction)))
	policies := worker.PoliciesFromConfig(cfg.Worker)
	service := jobs.NewService(pgStore, machine, policies, slog.Default())

	// 7. Create worker loop
	loop := worker.New(machine, gate, exec, policies, worker.Config{
		PollInterval:       cfg.Worker.PollInterval,
		MaxConcurrent:      cfg.Worker.MaxConcurrentJobs,
		CancelPollInterval: cfg.Worker.CancelPollInterval,
	}, slog.Default())
	controller := worker.NewController(loop, shutdownTimeout)

	wake := &wakeup{local: loop, remote: redisCache}
	service.SetNotifier(wake)
	gate.SetNotifier(wake)
	go forwardWakeups(redisCache.SubscribeWakeups(ctx), loop)

	if cfg.Worker.Autostart {
		loop.Start()
	} else {
		slog.Info("worker autostart disabled; start it via POST /api/v1/admin/worker/start")
	}

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:               mw.NewAuth(pgStore),
		RateLimit:          mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,

		HealthHandler: handler.NewHealthHandler(pgStore, redisCache),

		SubmitJobHandler: handler.NewSubmitJobHandler(service),
		ListJobsHandler:  handler.NewListJobsHandler(service),
		GetJobHandler:    handler.NewGetJobHandler(service),
		JobStatusHandler: handler.NewJobStatusHandler(service),
		CancelJobHandler: handler.NewCancelJobHandler(service),
		RetryJobHandler:  handler.NewRetryJobHandler(service),

		GetCheckpointHandler:     handler.NewGetCheckpointHandler(gate),
		ApproveCheckpointHandler: handler.NewApproveCheckpointHandler(gate),
		RejectCheckpointHandler:  handler.NewRejectCheckpointHandler(gate),

		WorkerStatusHandler: handler.NewWorkerStatusHandler(controller),
		WorkerStartHandler:  handler.NewWorkerStartHandler(controller),
		WorkerStopHandler:   handler.NewWorkerStopHandler(controller),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: shutdownTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout: stop taking requests, then drain the worker.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}
	if err := loop.Stop(shutdownCtx); err != nil {
		slog.Warn("worker did not drain before shutdown", "error", err)
	}

	if serveErr != nil {
		return serveErr
	}
	slog.Info("server stopped gracefully")
	return nil
}

func expiryAction(action string) checkpoint.ExpiryAction {
	if action == config.ExpiryActionEscalate {
		return checkpoint.ExpireEscalate
	}
	return checkpoint.ExpireReject
}

// bootstrapKeyStore is the part of the store bootstrapAdminKey needs.
type bootstrapKeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// bootstrapAdminKey makes sure the configured admin key exists. It is a no-op
// when no key is configured or the key is already stored.
func bootstrapAdminKey(ctx context.Context, s bootstrapKeyStore, cfg config.BootstrapConfig) error {
	if cfg.AdminKey == "" {
		return nil
	}

	key, err := mw.NewAPIKey(cfg.AdminKey, cfg.AdminUser, "bootstrap admin", []string{models.ScopeAdmin})
	if err != nil {
		return err
	}

	existing, err := s.GetAPIKeyByPrefix(ctx, key.KeyPrefix)
	if err != nil {
		return fmt.Errorf("looking up bootstrap key: %w", err)
	}
	for _, k := range existing {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(cfg.AdminKey)) == nil {
			slog.Info("bootstrap admin key already present", "key_prefix", k.KeyPrefix)
			return nil
		}
	}

	if err := s.CreateAPIKey(ctx, key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return fmt.Errorf("another active key uses prefix %q; revoke it or choose a different ADMIN_BOOTSTRAP_KEY", key.KeyPrefix)
		}
		return fmt.Errorf("creating bootstrap key: %w", err)
	}
	slog.Info("bootstrap admin key created", "key_prefix", key.KeyPrefix, "user_id", key.UserID)
	return nil
}

type wakeupPublisher interface {
	PublishWakeup(ctx context.Context) error
}

// wakeup wakes the local loop at once and tells other server processes through Redis.
type wakeup struct {
	local  jobs.Notifier
	remote wakeupPublisher
}

func (w *wakeup) Notify() {
	w.local.Notify()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := w.remote.PublishWakeup(ctx); err != nil {
			slog.Debug("wakeup publish failed", "error", err)
		}
	}()
}

func forwardWakeups(wakeups <-chan struct{}, n jobs.Notifier) {
	for range wakeups {
		n.Notify()
	}
}
