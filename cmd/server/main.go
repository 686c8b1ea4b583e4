// SHSH VMs - sandbox VM lifecycle and terminal server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/shsh-vms/internal/api"
	"github.com/ashureev/shsh-vms/internal/billing"
	"github.com/ashureev/shsh-vms/internal/config"
	"github.com/ashureev/shsh-vms/internal/container"
	"github.com/ashureev/shsh-vms/internal/health"
	"github.com/ashureev/shsh-vms/internal/identity"
	"github.com/ashureev/shsh-vms/internal/middleware"
	"github.com/ashureev/shsh-vms/internal/ports"
	"github.com/ashureev/shsh-vms/internal/shared"
	"github.com/ashureev/shsh-vms/internal/store"
	"github.com/ashureev/shsh-vms/internal/terminal"
	"github.com/ashureev/shsh-vms/internal/vm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		slog.Error("Invalid log level", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "in_container", config.IsContainer())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	rt, err := container.NewDockerRuntime(container.DockerOptions{
		Runtime:       cfg.ContainerRuntime,
		Network:       cfg.VM.Network,
		Subnet:        cfg.VM.Subnet,
		ContainerPort: cfg.VM.ContainerPort,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			slog.Error("Failed to close docker client", "error", closeErr)
		}
	}()

	networkID, err := rt.EnsureNetwork(ctx)
	if err != nil {
		return err
	}
	slog.Info("VM network ready", "network_id", networkID)

	pullCtx, cancelPull := context.WithTimeout(ctx, cfg.Timeout.RuntimeOp)
	if err := rt.PullImageIfMissing(pullCtx, cfg.VM.DefaultImage); err != nil {
		slog.Warn("Failed to pull default image, provisioning will retry", "image", cfg.VM.DefaultImage, "error", err)
	}
	cancelPull()

	defaultMemory, err := cfg.DefaultMemoryBytes()
	if err != nil {
		return err
	}
	maxMemory, err := cfg.MaxMemoryBytes()
	if err != nil {
		return err
	}

	mgr, err := vm.NewManager(
		repo,
		rt,
		ports.NewAllocator(cfg.VM.PortRangeStart, cfg.VM.PortRangeEnd, repo),
		billing.NewMeter(cfg.Credits.HourlyRate, repo),
		vm.Options{
			QuotaPerUser:  cfg.VM.QuotaPerUser,
			DefaultImage:  cfg.VM.DefaultImage,
			AllowedImages: cfg.VM.AllowedImages,
			DefaultMemory: defaultMemory,
			MaxMemory:     maxMemory,
			CPUShares:     cfg.VM.CPUShares,
			PidsLimit:     cfg.VM.PidsLimit,
			StorageRoot:   cfg.StorageRoot,
			Retry: shared.RetryPolicy{
				MaxAttempts: cfg.Retry.DatabaseMaxRetries,
				BaseDelay:   cfg.Retry.DatabaseRetryBaseDelay,
			},
		},
	)
	if err != nil {
		return err
	}

	sm := terminal.NewSessionManager(cfg.Terminal.IdleTimeout)
	mgr.SetSessionCloser(sm)

	users := identity.NewService(repo)
	if cfg.AdminToken != "" {
		admin, err := users.EnsureAdmin(ctx, cfg.AdminUsername, cfg.AdminToken)
		if err != nil {
			return err
		}
		slog.Info("Admin account ready", "user_id", admin.UserID, "username", admin.Username)
	}

	reconcileOpts := vm.ReconcileOptions{
		Interval:          cfg.VM.ReconcileInterval,
		CreatingTimeout:   cfg.VM.CreatingTimeout,
		AutoStopExhausted: cfg.VM.AutoStopExhausted,
	}
	stats := mgr.ReconcileAll(ctx, reconcileOpts)
	slog.Info("Startup reconciliation complete",
		"checked", stats.Checked,
		"changed", stats.Changed,
		"stale_closed", stats.StaleClosed,
		"auto_stopped", stats.AutoStopped,
		"failed", stats.Failed,
	)
	mgr.StartReconciler(ctx, reconcileOpts)
	sm.StartSweeper(ctx, cfg.Terminal.SweepInterval)

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, nil)
	limiter.StartCleanup(ctx)

	checker := health.NewChecker(cfg.Timeout.HealthCheck, map[string]health.Probe{
		"database": repo.Ping,
		"docker":   rt.Ping,
	})
	checker.Start(ctx, 30*time.Second)
	if cfg.GRPCHealthAddr != "" {
		grpcServer, err := checker.Serve(cfg.GRPCHealthAddr)
		if err != nil {
			return err
		}
		defer grpcServer.GracefulStop()
	}

	apiHandler := api.NewHandler(mgr, users, repo, limiter)
	healthHandler := api.NewHealthHandler(checker)
	wsHandler := terminal.NewWebSocketHandler(users, mgr, rt, sm, cfg.FrontendURL, cfg.IsDevelopment())

	allowedOrigins := []string{"*"}
	if cfg.FrontendURL != "" && !cfg.IsDevelopment() {
		allowedOrigins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins))

	healthHandler.RegisterHealth(r)

	// WebSocket endpoint. Authenticates from the query string itself.
	r.Get("/ws/terminal", wsHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(chiMiddleware.Timeout(cfg.Timeout.RuntimeOp))
		apiHandler.RegisterRoutes(r)
	})

	// No WriteTimeout: terminal sessions are long-lived.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if n := sm.CloseAll(); n > 0 {
		slog.Info("Closed remaining terminal sessions", "count", n)
	}
	return nil
}
