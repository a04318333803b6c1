// Package main is the entry point for sandboxd, the multi-tenant sandbox
// orchestrator.
//
// Key responsibilities:
//   - Session lifecycle: create, attach, destroy, idle/ttl expiry
//   - Container provisioning over a local Docker daemon
//   - Duplex PTY transport between browser clients and containers
//   - Per-client rate limiting and a fleet-wide circuit breaker
//   - Periodic reaping of expired sessions and orphaned containers
//
// Deployment:
//
//	sandboxd serve reads its configuration from flags or environment
//	variables and expects a reachable container runtime socket
//	(RUNTIME_SOCKET, default unix:///var/run/docker.sock).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandboxd/sandboxd/internal/breaker"
	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/containers"
	"github.com/sandboxd/sandboxd/internal/environment"
	"github.com/sandboxd/sandboxd/internal/events"
	"github.com/sandboxd/sandboxd/internal/httpapi"
	"github.com/sandboxd/sandboxd/internal/logging"
	"github.com/sandboxd/sandboxd/internal/metrics"
	"github.com/sandboxd/sandboxd/internal/ratelimit"
	"github.com/sandboxd/sandboxd/internal/reaper"
	"github.com/sandboxd/sandboxd/internal/session"
)

// version is set at build time via -ldflags, matching the teacher's bare
// string default when no build metadata is injected.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "sandboxd",
		Short: "Multi-tenant sandbox orchestrator",
	}
	root.AddCommand(newServeCommand(), newVersionCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sandboxd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator's HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(args)
		},
		// config.Load owns flag parsing (it needs the env-var fallback
		// chain alongside each flag), so cobra hands it the raw arguments
		// instead of declaring its own flag set.
		DisableFlagParsing: true,
	}
}

func runServe(args []string) error {
	cfg, errs := config.Load(args)
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, e)
		}
		os.Exit(2)
	}

	logging.Initialize(cfg.LogLevel, cfg.LogPretty)

	registry, err := environment.New(cfg.EnvironmentPluginDir)
	if err != nil {
		return fmt.Errorf("building environment registry: %w", err)
	}

	containerMgr, err := containers.New(cfg.RuntimeSocket, cfg.ServicePrefix)
	if err != nil {
		return fmt.Errorf("building container manager: %w", err)
	}
	defer containerMgr.Close()

	if err := registry.ValidateAll(containerMgr); err != nil {
		return fmt.Errorf("validating environment images: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Limits{
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		SessionsPerHour:       cfg.SessionsPerHour,
		CommandsPerMinute:     cfg.CommandsPerMinute,
		MaxConcurrentChannels: cfg.MaxConcurrentChannels,
	}, cfg.DevelopmentMode)

	cb := breaker.New(breaker.Config{
		MaxContainers:    cfg.MaxContainers,
		MaxMemoryPercent: cfg.MaxMemoryPercent,
		CoolDown:         cfg.BreakerCooldown,
	}, containerMgr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cb.Start(ctx)
	defer cb.Stop()

	publisher := events.New(events.Config{URL: cfg.NATSURL, ServicePrefix: cfg.ServicePrefix})
	defer publisher.Close()

	sessions := session.New(registry, session.WrapContainerManager(containerMgr), limiter, cb, session.Config{
		Events: publisher,
	})
	defer sessions.Stop()

	sessions.StartCleanupScheduler(ctx, cfg.CleanupInterval)

	sweeper := reaper.New(sessions, containerMgr, cfg.ServicePrefix, cfg.CleanupInterval, cfg.MaxContainerAge)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	reporter := metrics.New(sessions, containerMgr, cb, limiter, sweeper)

	server := httpapi.New(httpapi.Config{
		FrontendOrigin:    cfg.FrontendOrigin,
		AdminSharedHeader: cfg.AdminSharedHeader,
	}, sessions, registry, containerMgr, limiter, cb, reporter)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logging.HTTP().Info().Str("addr", addr).Msg("sandboxd listening")
		serveErr <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
	case sig := <-sigCh:
		logging.Log.Info().Str("signal", sig.String()).Msg("shutting down sandboxd")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.HTTP().Warn().Err(err).Msg("error during HTTP shutdown")
		}
	}

	return nil
}
