package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/moonkev/flexdisco/internal/bus"
	"github.com/moonkev/flexdisco/internal/common/config"
	"github.com/moonkev/flexdisco/internal/common/telemetry"
	"github.com/moonkev/flexdisco/internal/discovery"
	"github.com/moonkev/flexdisco/internal/discovery/consul"
	"github.com/moonkev/flexdisco/internal/discovery/marathon"
	"github.com/moonkev/flexdisco/internal/discovery/static"
	"github.com/moonkev/flexdisco/internal/events"
	"github.com/moonkev/flexdisco/internal/gateway"
	"github.com/moonkev/flexdisco/internal/pathmap"
	"github.com/moonkev/flexdisco/internal/registry"
	"github.com/moonkev/flexdisco/internal/server"
	"github.com/moonkev/flexdisco/internal/xds"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"
)

const coordinatorGroup = "coordinator"

func main() {
	opts := config.DefaultOptions()
	opts.RegisterFlags(flag.CommandLine)
	flag.Parse()

	// Configure structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: opts.LogLevel.Level()}))
	slog.SetDefault(logger)

	if err := opts.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		slog.Error("flexdisco stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("exiting")
}

func run(ctx context.Context, opts config.Options) error {
	table, err := pathmap.Load(opts.TopologyFile, opts.RegistryTTL)
	if err != nil {
		return err
	}
	slog.Info("Loaded path-mapping table", "file", opts.TopologyFile, "serviceTypes", len(table.ServiceTypes()))

	var rdb redis.UniversalClient
	if opts.Store == config.StoreRedis || opts.Bus == config.BusRedis {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{opts.RedisAddr},
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		defer rdb.Close()
	}

	store, err := openStore(ctx, opts, rdb)
	if err != nil {
		return err
	}
	defer store.Close()

	deadLetters := bus.NewMemorySink(opts.DeadLetterMemoryCapacity)
	eventBus := openBus(opts, rdb, deadLetters)
	defer eventBus.Close()

	provider := gateway.NewSnapshotProvider()
	syncer := gateway.NewRouteSynchronizer(table, provider, opts.TombstoneTTL)
	coord := discovery.NewCoordinator(store, eventBus, table, discovery.WithRetryLadder(opts.RetryLadder))

	g, gctx := errgroup.WithContext(ctx)

	err = eventBus.Subscribe(gctx, bus.TopicLifecycle, coordinatorGroup,
		bus.PermanentOn(coord.HandleLifecycle, events.ErrMalformedEvent))
	if err != nil {
		return fmt.Errorf("subscribe coordinator: %w", err)
	}
	// every gateway replica needs every membership change
	err = eventBus.Subscribe(gctx, bus.TopicMembership, "gateway-"+consumerName(),
		bus.PermanentOn(syncer.Handle, pathmap.ErrUnknownServiceType, events.ErrMalformedEvent))
	if err != nil {
		return fmt.Errorf("subscribe gateway: %w", err)
	}

	g.Go(func() error { return coord.Run(gctx) })

	if opts.AdsPort > 0 {
		cache := cachev3.NewSnapshotCache(true, cachev3.IDHash{}, nil)
		manager := xds.NewSnapshotManager(cache, opts.ListenerPorts)
		debounce := time.Duration(0)
		if opts.XDSStrategy == config.XDSDebounce {
			debounce = opts.XDSDebounce
		}
		g.Go(func() error { return manager.Watch(gctx, provider, debounce) })
		g.Go(func() error { return xds.RunGRPC(gctx, xds.NewServer(gctx, cache), opts.AdsPort) })
	}

	if opts.ProxyPort > 0 {
		proxy := gateway.NewProxy(provider, gateway.FirstPicker{})
		g.Go(func() error { return server.Serve(gctx, "proxy", opts.ProxyPort, proxy, opts.ShutdownTimeout) })
	}

	admin := server.NewAdmin(eventBus, store, provider,
		server.WithDeadLetters(deadLetters),
		server.WithRateLimit(opts.IngestRate, opts.IngestBurst))
	g.Go(func() error { return server.Serve(gctx, "admin", opts.AdminPort, admin.Handler(), opts.ShutdownTimeout) })

	if opts.ConsulBridge {
		client, err := consul.NewClient(opts.ConsulAddr)
		if err != nil {
			return fmt.Errorf("consul client: %w", err)
		}
		bridge := consul.NewBridge(client, eventBus, opts.ConsulWaitTime)
		g.Go(func() error { return bridge.Run(gctx) })
	}

	if opts.MarathonBridge {
		bridge, err := marathon.NewBridge(marathon.Config{
			URL:                 opts.MarathonAddr,
			CredentialsFilePath: opts.MarathonCredsPath,
			Interval:            opts.MarathonPollInterval,
		}, eventBus, clockwork.NewRealClock())
		if err != nil {
			return err
		}
		g.Go(func() error { return bridge.Run(gctx) })
	}

	if opts.StaticInstancesFile != "" {
		instances, err := static.Load(opts.StaticInstancesFile)
		if err != nil {
			return err
		}
		announcer := static.NewAnnouncer(instances, eventBus, opts.StaticInterval, clockwork.NewRealClock())
		g.Go(func() error { return announcer.Run(gctx) })
	}

	slog.Info("flexdisco started",
		"store", opts.Store,
		"bus", opts.Bus,
		"adsPort", opts.AdsPort,
		"proxyPort", opts.ProxyPort,
		"adminPort", opts.AdminPort)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-gctx.Done():
	}
	slog.Info("Shutting down services")

	select {
	case err := <-done:
		return err
	case <-time.After(opts.ShutdownTimeout):
		slog.Warn("Shutdown timeout exceeded, forcing exit")
		return nil
	}
}

func openStore(ctx context.Context, opts config.Options, rdb redis.UniversalClient) (registry.Store, error) {
	switch opts.Store {
	case config.StoreRedis:
		return registry.NewRedisStore(ctx, rdb, opts.RedisDB, opts.RedisConfigureKeyspace)
	case config.StoreEtcd:
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   opts.EtcdEndpoints,
			DialTimeout: opts.EtcdDialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("etcd client: %w", err)
		}
		return &ownedEtcdStore{EtcdStore: registry.NewEtcdStore(client), client: client}, nil
	default:
		return registry.NewMemoryStore(clockwork.NewRealClock(), opts.SweepInterval), nil
	}
}

// ownedEtcdStore closes the client it was built on
type ownedEtcdStore struct {
	*registry.EtcdStore
	client *clientv3.Client
}

func (s *ownedEtcdStore) Close() error {
	_ = s.EtcdStore.Close()
	return s.client.Close()
}

func openBus(opts config.Options, rdb redis.UniversalClient, memory *bus.MemorySink) bus.Bus {
	sinks := bus.MultiSink{bus.LogSink{}, memory}
	busOpts := []bus.Option{bus.WithRetryLadder(opts.RetryLadder)}
	if opts.Bus == config.BusRedis {
		sinks = append(sinks, bus.RedisSink{Client: rdb, MaxLen: opts.RedisStreamMaxLen})
		busOpts = append(busOpts,
			bus.WithDeadLetterSink(sinks),
			bus.WithConsumerName(consumerName()),
			bus.WithMaxLen(opts.RedisStreamMaxLen))
		return bus.NewRedisBus(rdb, busOpts...)
	}
	return bus.NewMemoryBus(append(busOpts, bus.WithDeadLetterSink(sinks))...)
}

// consumerName is stable across restarts so pending redis deliveries come back to us
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "flexdisco"
	}
	return host
}
