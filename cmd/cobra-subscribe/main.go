// Command cobra-subscribe connects to an RTM endpoint, subscribes to
// one channel, and logs every message delivered to it until
// interrupted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	"github.com/odin-labs/cobra/internal/config"
	"github.com/odin-labs/cobra/internal/logging"
	"github.com/odin-labs/cobra/internal/metrics"
	"github.com/odin-labs/cobra/pkg/cobra"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	registry := metrics.NewRegistry()

	conn := cobra.NewConnection(cobra.Config{
		Appkey:                 cfg.RTM.Appkey,
		Endpoint:               cfg.RTM.Endpoint,
		RoleName:               cfg.RTM.RoleName,
		RoleSecret:             cfg.RTM.RoleSecret,
		PingIntervalSeconds:    cfg.RTM.PingIntervalSeconds,
		AutoReconnect:          cfg.RTM.AutoReconnect,
		ResubscribeOnReconnect: cfg.RTM.ResubscribeOnReconnect,
		RetryQueueCapacity:     cfg.RTM.RetryQueueCapacity,
		EnableCompression:      cfg.RTM.EnableCompression,
	})

	conn.SetEventCallback(func(evt cobra.Event) {
		registry.Events.WithLabelValues(evt.Kind.String()).Inc()
		registry.Authenticated.Set(boolToFloat(conn.IsAuthenticated()))
		registry.RetryDepth.Set(float64(conn.QueueLen()))
		if evt.Kind == cobra.EventPublished {
			registry.Publishes.WithLabelValues("acked").Inc()
		}
		switch evt.Kind {
		case cobra.EventError, cobra.EventHandshakeError, cobra.EventAuthenticationError:
			logger.Warn("rtm event", zap.String("kind", evt.Kind.String()), zap.String("message", evt.Message))
		default:
			logger.Info("rtm event", zap.String("kind", evt.Kind.String()))
		}
	})

	channel := os.Getenv("COBRA_CHANNEL")
	if channel == "" {
		channel = "default"
	}
	conn.Subscribe(channel, "", "", 0, func(message []byte, position string) {
		logger.Info("message", zap.ByteString("body", message), zap.String("position", position))
	})

	conn.Connect()
	defer conn.Disconnect(context.Background()) //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go serveSelfMetrics(ctx, cfg.Metrics.SelfMetricsAddr, registry, logger)

	<-ctx.Done()
	logger.Info("shutdown signal received")
}

func serveSelfMetrics(ctx context.Context, addr string, registry *metrics.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "healthy"})
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("self metrics server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
