// Command toolgated runs the execution gateway: it loads the service
// registry and policy from disk, opens the durable store, and serves the
// WebSocket control plane agents connect to plus the HTTP health and
// metrics surface. Grounded on the teacher's cmd/nexus serve command for
// overall shape (cobra root + serve subcommand, signal-driven graceful
// shutdown), trimmed to the single long-running command this gateway
// actually needs.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/toolgate/internal/auth"
	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/dispatch"
	"github.com/haasonsaas/toolgate/internal/gateway"
	"github.com/haasonsaas/toolgate/internal/messenger"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/policy"
	"github.com/haasonsaas/toolgate/internal/ratelimit"
	"github.com/haasonsaas/toolgate/internal/registry"
	"github.com/haasonsaas/toolgate/internal/store"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "toolgated",
		Short:        "toolgate execution gateway",
		Version:      fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "toolgate.yaml", "Path to YAML configuration file")
	return root
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	logger.Info("starting toolgate", "version", version, "commit", commit, "config", configPath)

	reg := registry.New()
	if err := reg.LoadDir(cfg.Services); err != nil {
		return fmt.Errorf("load service registry: %w", err)
	}
	pol, err := policy.LoadFile(cfg.Policy)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	engine := policy.NewEngine(pol)

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	disp := dispatch.New(reg, nil)
	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
		MaxPendingApprovals:  cfg.RateLimit.MaxPendingApprovals,
	})
	metrics := observability.NewMetrics()

	msgr, err := buildMessenger(cfg, logger)
	if err != nil {
		st.Close() //nolint:errcheck
		return fmt.Errorf("configure messenger: %w", err)
	}

	srv := gateway.NewServer(gateway.Config{
		AgentToken:      cfg.Agent.Token,
		AgentIdentity:   "default",
		ApprovalTimeout: cfg.Approval.Timeout,
	}, reg, engine, st, disp, msgr, limiter, metrics, logger)

	if err := srv.StartupSweep(ctx); err != nil {
		logger.Error("startup sweep failed", "error", err)
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go srv.RunSweepLoop(sweepCtx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.ServeWS)
	mux.HandleFunc("/health", srv.ServeHealth)
	if slackAdapter, ok := msgr.(*messenger.SlackAdapter); ok {
		mux.HandleFunc(cfg.Messenger.InteractPath, slackAdapter.ServeInteraction)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux}
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gateway listening", "addr", addr)
		if cfg.Gateway.TLSCert != "" && cfg.Gateway.TLSKey != "" {
			errCh <- httpSrv.ListenAndServeTLS(cfg.Gateway.TLSCert, cfg.Gateway.TLSKey)
			return
		}
		errCh <- httpSrv.ListenAndServe()
	}()
	if metricsSrv != nil {
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			errCh <- metricsSrv.ListenAndServe()
		}()
	}

	select {
	case <-runCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			sweepCancel()
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx) //nolint:errcheck
	}
	sweepCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	logger.Info("toolgate stopped gracefully")
	return nil
}

func buildMessenger(cfg *config.Config, logger *slog.Logger) (messenger.Adapter, error) {
	switch cfg.Messenger.Kind {
	case "slack":
		signer := auth.NewCallbackSigner(cfg.Messenger.SigningSecret, cfg.Approval.Timeout)
		return messenger.NewSlackAdapter(messenger.SlackConfig{
			BotToken:      cfg.Messenger.BotToken,
			SigningSecret: cfg.Messenger.SigningSecret,
			ChannelID:     cfg.Messenger.ChannelID,
			Guardians:     cfg.Messenger.Guardians,
		}, signer, logger)
	default:
		return messenger.NewConsoleAdapter(logger), nil
	}
}
