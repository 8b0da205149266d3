package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/moonkev/flexdisco/internal/bus"
	"github.com/moonkev/flexdisco/internal/common/config"
	"github.com/moonkev/flexdisco/internal/common/types"
	"github.com/moonkev/flexdisco/internal/events"
	"github.com/moonkev/flexdisco/internal/server"
)

func main() {
	var adminURL = "http://localhost:19005"
	var serviceType = ""
	var instanceID = ""
	var addresses config.StringSliceFlag
	var interval = 10 * time.Second
	var logLevel = config.LogLevelFlag(slog.LevelInfo)

	flag.StringVar(&adminURL, "admin-url", adminURL, "flexdisco admin base URL")
	flag.StringVar(&serviceType, "service-type", serviceType, "service type to announce (required)")
	flag.StringVar(&instanceID, "instance-id", instanceID, "instance UUID (default: random)")
	flag.Var(&addresses, "addresses", "comma-separated base URLs of this instance (required)")
	flag.DurationVar(&interval, "heartbeat-interval", interval, "heartbeat interval; keep it well below the registry TTL")
	flag.Var(&logLevel, "log-level", "log level: debug, info, warn, error (default: info)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel.Level()}))
	slog.SetDefault(logger)

	st, err := types.ParseServiceType(serviceType)
	if err != nil {
		slog.Error("Invalid -service-type", "error", err)
		os.Exit(2)
	}
	id := uuid.New()
	if instanceID != "" {
		if id, err = uuid.Parse(instanceID); err != nil {
			slog.Error("Invalid -instance-id", "error", err)
			os.Exit(2)
		}
	}
	inst, err := types.NewServiceInstance(id, st, addresses)
	if err != nil {
		slog.Error("Invalid -addresses", "error", err)
		os.Exit(2)
	}
	if interval <= 0 {
		slog.Error("-heartbeat-interval must be positive")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := announce(ctx, server.NewIngestClient(adminURL), inst, interval); err != nil {
		slog.Error("Announcer failed", "error", err)
		os.Exit(1)
	}
}

// announce publishes Started, a Heartbeat every interval and Stopped once ctx is done.
func announce(ctx context.Context, pub bus.Publisher, inst types.ServiceInstance, interval time.Duration) error {
	log := slog.With("serviceType", inst.ServiceType.String(), "instanceId", inst.InstanceID.String())

	if err := pub.Publish(ctx, bus.TopicLifecycle, events.Started(inst, time.Now())); err != nil {
		return err
	}
	log.Info("Instance started", "addresses", inst.Addresses)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pub.Publish(stopCtx, bus.TopicLifecycle, events.Stopped(inst, time.Now())); err != nil {
				return err
			}
			log.Info("Instance stopped")
			return nil
		case <-ticker.C:
			if err := pub.Publish(ctx, bus.TopicLifecycle, events.Heartbeat(inst, time.Now())); err != nil {
				if bus.IsPermanent(err) {
					return err
				}
				log.Warn("Heartbeat failed", "error", err)
				continue
			}
			log.Debug("Heartbeat sent")
		}
	}
}
