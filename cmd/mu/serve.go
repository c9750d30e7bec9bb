package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus-mu/internal/config"
	"github.com/haasonsaas/nexus-mu/internal/httpapi"
)

func buildServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: wake orchestration, heartbeats, cron, outbox delivery, and the HTTP surface",
		Example: `  # Start against the current directory
  mu serve

  # Start on a custom port against a different repo
  mu serve --repo-root /srv/project --port 8090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), repoRoot, port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8787, "HTTP listen port")
	return cmd
}

func runServe(ctx context.Context, repoRoot string, port int) error {
	c, err := buildCore(repoRoot, true)
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}
	defer c.Close()

	reg := buildChannelRegistry()
	reg.WireInto(c.outbox)

	deps := httpapi.Deps{
		RepoRoot:     c.repoRoot,
		ConfigPath:   c.cfgPath,
		Config:       c.cfg,
		ControlPlane: c.controlPlane,
		Wake:         c.wake,
		Pipeline:     c.pipeline,
		Heartbeats:   c.heartbeats,
		Cron:         c.cron,
		Outbox:       c.outbox,
		Identities:   c.identities,
		Runs:         c.runs,
		Events:       c.events,
		Channels:     reg,
		AdapterAudit: c.auditLog,
		Logger:       c.logger,
		Metrics:      c.metrics,
		StartedAtMs:  c.clock.Now().UnixMilli(),
		PID:          os.Getpid(),
		Port:         port,
	}
	if c.promRegistry != nil {
		deps.MetricsGatherer = c.promRegistry
	}

	srv := httpapi.New(deps)
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: srv}

	watcher, err := config.WatchFile(c.cfgPath, 0, func() {
		if _, err := srv.Reload(); err != nil {
			slog.Warn("config file changed but reload failed", "error", err)
			return
		}
		slog.Info("config reloaded from on-disk change", "path", c.cfgPath)
	})
	if err != nil {
		slog.Warn("config file watch disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	outboxCtx, outboxCancel := context.WithCancel(context.Background())
	defer outboxCancel()
	go c.outbox.Run(outboxCtx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mu daemon started", "repo_root", repoRoot, "port", port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	outboxCancel()
	c.outbox.Stop()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	slog.Info("mu daemon stopped gracefully")
	return nil
}
