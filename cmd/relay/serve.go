package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/internal/bootstrap"
	"github.com/dgnsrekt/consensus-relay/internal/fanout"
	"github.com/dgnsrekt/consensus-relay/internal/metrics"
	"github.com/dgnsrekt/consensus-relay/internal/notify"
	"github.com/dgnsrekt/consensus-relay/internal/relay"
	"github.com/dgnsrekt/consensus-relay/internal/server"
	"github.com/dgnsrekt/consensus-relay/internal/sse"
	"github.com/dgnsrekt/consensus-relay/internal/subscription"
	"github.com/dgnsrekt/consensus-relay/internal/ws"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Bootstrap the topic and relay committed messages to viewers",
		Long: `Resolve the topic and symmetric key (override, then persisted state, then
create), subscribe to the topic and serve the HTTP API and viewer streams.

The process exits non-zero when bootstrap fails or the subscription cannot be
established after all retries.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	started := time.Now()

	logger.Info("configuration loaded",
		zap.String("port", cfg.Server.Port),
		zap.String("backend", cfg.Network.Backend),
		zap.String("network", networkLabel(cfg)),
		zap.String("stateDir", cfg.Bootstrap.StateDir),
		zap.Duration("baseDelay", cfg.Subscription.BaseDelay),
		zap.Int("maxAttempts", cfg.Subscription.MaxAttempts),
	)

	notifier := notify.New(&cfg.Notify, logger.Named("notify"))
	event := notify.Event{Network: networkLabel(cfg), Stage: "bootstrap"}

	svc, closeService, err := newLogService(cfg, logger)
	if err != nil {
		return err
	}
	defer closeService()

	encoder, err := fanout.NewEncoder()
	if err != nil {
		return fmt.Errorf("creating frame encoder: %w", err)
	}
	defer encoder.Close()

	m := metrics.New()
	clk := clock.New()

	coordinator := bootstrap.NewCoordinator(
		svc,
		bootstrap.NewStore(cfg.Bootstrap.StateDir),
		encoder,
		bootstrap.Overrides{TopicID: cfg.Bootstrap.TopicID, KeyB64: cfg.Bootstrap.SymmetricKeyB64},
		relay.Config{
			Subscription: subscription.Config{
				BaseDelay:   cfg.Subscription.BaseDelay,
				MaxAttempts: cfg.Subscription.MaxAttempts,
			},
			DedupWindow: cfg.Relay.DedupWindow,
		},
		clk,
		m,
		logger.Named("bootstrap"),
	)

	r, err := coordinator.Start(ctx)
	if err != nil {
		event.Uptime = time.Since(started)
		if nerr := notifier.SendFatal(context.Background(), event, err); nerr != nil {
			logger.Warn("failed to send notification", zap.Error(nerr))
		}
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	defer r.Stop()
	event.TopicID = r.TopicID()

	router, err := server.NewRouter(
		server.NewServer(r, svc, clk, m, logger.Named("api")),
		server.Viewers{
			WebSocket: ws.NewHub(r.Broadcaster(), cfg.Server.WSSendBuffer, logger.Named("ws")),
			Events:    sse.NewHandler(r.Broadcaster(), cfg.Server.SSEBuffer, logger.Named("sse")),
			Metrics:   m.Handler(),
		},
		logger.Named("http"),
	)
	if err != nil {
		return fmt.Errorf("creating router: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr), zap.String("topicId", r.TopicID()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if err := notifier.SendStarted(ctx, event); err != nil {
		logger.Warn("failed to send notification", zap.Error(err))
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-r.Fatal():
		logger.Error("subscription failed permanently",
			zap.String("topicId", r.TopicID()),
			zap.Int("attempts", r.Attempts()),
			zap.Error(err),
		)
		event.Stage = "subscription"
		event.Attempts = r.Attempts()
		event.Uptime = time.Since(started)
		if nerr := notifier.SendFatal(context.Background(), event, err); nerr != nil {
			logger.Warn("failed to send notification", zap.Error(nerr))
		}
		runErr = fmt.Errorf("subscription failed: %w", err)
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	logger.Info("shutting down server...")

	// Disconnect viewers first so streaming handlers return.
	r.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	stats := r.Stats()
	logger.Info("server stopped",
		zap.Uint64("accepted", stats.Accepted),
		zap.Uint64("duplicates", stats.Duplicates),
		zap.Uint64("decryptFailures", stats.DecryptFailures),
	)
	return runErr
}
