// Command cobra-metrics-to-redis subscribes to an RTM metrics channel
// and mirrors every delivered message onto Redis pub/sub, and separately
// relays NATS-published rate-control/blacklist commands into the live
// Publisher so operators can retune it without restarting the process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	"github.com/odin-labs/cobra/internal/config"
	"github.com/odin-labs/cobra/internal/logging"
	"github.com/odin-labs/cobra/pkg/cobra"
	"github.com/odin-labs/cobra/pkg/metricspublisher"
	"github.com/odin-labs/cobra/pkg/redisclient"
)

// controlCommand is the payload expected on the NATS control subject.
type controlCommand struct {
	Blacklist   []string         `json:"blacklist,omitempty"`
	RateControl map[string]int64 `json:"rate_control_seconds,omitempty"`
}

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

	redisCli := redisclient.New(redisclient.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}, logger)
	defer redisCli.Close() //nolint:errcheck

	pub := metricspublisher.New(metricspublisher.Config{
		Connection: cobra.Config{
			Endpoint:      cfg.RTM.Endpoint,
			RoleName:      cfg.RTM.RoleName,
			RoleSecret:    cfg.RTM.RoleSecret,
			AutoReconnect: true,

			ResubscribeOnReconnect: cfg.RTM.ResubscribeOnReconnect,
		},
		Channel: cfg.Metrics.Channel,
	})
	defer pub.Stop()

	pub.Connection().Subscribe(cfg.Metrics.Channel, "", "", 0, func(message []byte, position string) {
		if err := redisCli.PublishMessage(context.Background(), cfg.Metrics.Channel, json.RawMessage(message)); err != nil {
			logger.Warn("mirror to redis failed", zap.Error(err))
		}
	})

	natsConn, err := connectNATS(os.Getenv("COBRA_NATS_URL"))
	if err != nil {
		logger.Warn("nats control plane disabled", zap.Error(err))
	} else {
		defer natsConn.Close()
		subscribeControlSubject(natsConn, pub, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutdown signal received")
}

func connectNATS(url string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	return nats.Connect(url, nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
}

func subscribeControlSubject(nc *nats.Conn, pub *metricspublisher.Publisher, logger *zap.Logger) {
	_, err := nc.Subscribe("cobra.metrics.control", func(msg *nats.Msg) {
		var cmd controlCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			logger.Warn("invalid control command", zap.Error(err))
			return
		}
		if cmd.Blacklist != nil {
			pub.SetBlacklist(cmd.Blacklist)
		}
		if cmd.RateControl != nil {
			intervals := make(map[string]time.Duration, len(cmd.RateControl))
			for id, seconds := range cmd.RateControl {
				intervals[id] = time.Duration(seconds) * time.Second
			}
			pub.SetRateControl(intervals)
		}
	})
	if err != nil {
		logger.Warn("nats subscribe failed", zap.Error(err))
	}
}
