// Command cobra-publish connects to an RTM endpoint and publishes one
// JSON message read from stdin or COBRA_MESSAGE, then waits for the
// publish acknowledgment before exiting.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/odin-labs/cobra/internal/config"
	"github.com/odin-labs/cobra/internal/logging"
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

	channel := os.Getenv("COBRA_CHANNEL")
	if channel == "" {
		channel = "default"
	}
	message := os.Getenv("COBRA_MESSAGE")
	if message == "" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			logger.Fatal("reading message from stdin", zap.Error(err))
		}
		message = string(raw)
	}

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

	acked := make(chan struct{})
	conn.SetEventCallback(func(evt cobra.Event) {
		logger.Debug("rtm event", zap.String("kind", evt.Kind.String()))
		if evt.Kind == cobra.EventPublished {
			close(acked)
		}
	})

	conn.Connect()
	defer conn.Disconnect(context.Background()) //nolint:errcheck

	waitAuthenticated(conn, 10*time.Second)
	conn.Publish([]string{channel}, json.RawMessage(message))

	select {
	case <-acked:
		logger.Info("publish acknowledged")
	case <-time.After(10 * time.Second):
		logger.Warn("publish ack timed out, message remains queued for retry")
	}
}

func waitAuthenticated(conn *cobra.Connection, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if conn.IsAuthenticated() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
