// Command cobra-metrics-publish samples local CPU/memory usage every
// interval and publishes it through pkg/metricspublisher, exercising
// the blacklist and rate-control paths from a small .env-driven config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	"github.com/odin-labs/cobra/internal/config"
	"github.com/odin-labs/cobra/internal/logging"
	"github.com/odin-labs/cobra/pkg/cobra"
	"github.com/odin-labs/cobra/pkg/metricspublisher"
)

// driverConfig is deliberately flat and caarlos0/env-tagged, distinct
// from internal/config's viper-based Config: this driver is meant to
// show the env-only wiring style the rest of the pack uses.
type driverConfig struct {
	Endpoint       string        `env:"COBRA_ENDPOINT,required"`
	RoleName       string        `env:"COBRA_ROLE_NAME,required"`
	RoleSecret     string        `env:"COBRA_ROLE_SECRET,required"`
	Channel        string        `env:"COBRA_METRICS_CHANNEL" envDefault:"metrics"`
	SampleInterval time.Duration `env:"COBRA_SAMPLE_INTERVAL" envDefault:"5s"`
	LogLevel       string        `env:"COBRA_LOG_LEVEL" envDefault:"info"`
}

func main() {
	_ = godotenv.Load() // .env is optional; real env vars always win

	var cfg driverConfig
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse environment: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(config.LoggingConfig{Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	pub := metricspublisher.New(metricspublisher.Config{
		Connection: cobra.Config{
			Endpoint:      cfg.Endpoint,
			RoleName:      cfg.RoleName,
			RoleSecret:    cfg.RoleSecret,
			AutoReconnect: true,
		},
		Channel: cfg.Channel,
	})
	defer pub.Stop()

	pub.SetGenericAttribute("hostname", hostnameOrUnknown())
	pub.SetRateControl(map[string]time.Duration{
		"system.cpu":    cfg.SampleInterval,
		"system.memory": cfg.SampleInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			return
		case <-ticker.C:
			sampleAndPush(pub, logger)
		}
	}
}

func sampleAndPush(pub *metricspublisher.Publisher, logger *zap.Logger) {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		pub.Push("system.cpu", map[string]any{"percent": percents[0]}, true)
	} else if err != nil {
		logger.Warn("cpu sample failed", zap.Error(err))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		pub.Push("system.memory", map[string]any{"used_percent": vm.UsedPercent}, true)
	} else {
		logger.Warn("memory sample failed", zap.Error(err))
	}
}

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
