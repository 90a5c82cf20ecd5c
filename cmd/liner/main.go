// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/liner/client"
	"github.com/absmach/liner/config"
	"github.com/absmach/liner/metrics"
	"github.com/absmach/liner/otel"
	oteltrace "go.opentelemetry.io/otel"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting liner client", "version", cfg.Metrics.ServiceVersion)
	slog.Info("Configuration loaded",
		"name", cfg.Client.Name,
		"topic", cfg.Client.Topic,
		"addr", cfg.Client.Addr,
		"subscriptions", cfg.Client.Subscriptions,
		"store", cfg.Store.Type,
		"metrics_enabled", cfg.Metrics.Enabled,
		"log_level", cfg.Log.Level)

	opts := client.NewOptions().SetLogger(logger)

	var otelShutdown otel.ShutdownFunc
	if cfg.Metrics.Enabled {
		shutdown, err := otel.InitProvider(cfg.Metrics, cfg.Client)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Metrics.Endpoint)

		m, err := metrics.New(cfg.Client.Name, cfg.Client.Topic)
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		opts.SetMetrics(m)

		if cfg.Metrics.TracesEnabled {
			opts.SetTracer(oteltrace.Tracer("liner"))
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Metrics.TraceSampleRate)
		}
	}

	c, err := client.NewFromConfig(cfg, opts)
	if err != nil {
		slog.Error("Failed to create client", "error", err)
		os.Exit(1)
	}

	received := func(to, from string, payload []byte) {
		slog.Debug("Message received", "to", to, "from", from, "size", len(payload))
	}
	if err := c.Run(received); err != nil {
		slog.Error("Failed to start client", "error", err)
		c.Close()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	if cfg.Daemon.SendTopic != "" && cfg.Daemon.SendInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			generate(ctx, c, cfg.Daemon)
		}()
		slog.Info("Traffic generator enabled",
			"topic", cfg.Daemon.SendTopic,
			"interval", cfg.Daemon.SendInterval,
			"broadcast", cfg.Daemon.Broadcast)
	}

	slog.Info("Liner client started", "address", c.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received shutdown signal", "signal", sig)

	cancel()
	wg.Wait()

	if err := c.Close(); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Liner client stopped")
}

// generate sends the configured payload to the daemon topic until ctx is done.
func generate(ctx context.Context, c *client.Client, cfg config.DaemonConfig) {
	ticker := time.NewTicker(cfg.SendInterval)
	defer ticker.Stop()

	payload := []byte(cfg.Payload)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var err error
		if cfg.Broadcast {
			err = c.SendAll(cfg.SendTopic, payload)
		} else {
			err = c.SendTo(cfg.SendTopic, payload)
		}
		if err != nil {
			slog.Warn("Failed to send", "topic", cfg.SendTopic, "error", err)
		}
	}
}
