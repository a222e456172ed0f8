package cli

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

	"github.com/spf13/cobra"

	"github.com/KafClaw/switchboard/internal/config"
	"github.com/KafClaw/switchboard/internal/gateway"
	"github.com/KafClaw/switchboard/internal/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and its HTTP gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		printHeader(cmd.OutOrStdout(), "")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, orchestrator.Options{Version: version})
	},
}

// runServe blocks until ctx is cancelled or the listener fails.
func runServe(ctx context.Context, cfg *config.Config, opts orchestrator.Options) error {
	slog.SetDefault(newLogger(os.Stderr, cfg.Log))

	orch, err := orchestrator.New(cfg, opts)
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}

	srv := gateway.New(orch, cfg.Gateway.AuthToken).NewHTTPServer(cfg.Gateway)
	if cfg.Gateway.AuthToken != "" {
		slog.Info("Gateway: auth token required")
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("Gateway: shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Gateway: shutdown", "error", err)
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, err)
	}
	return serveErr
}
