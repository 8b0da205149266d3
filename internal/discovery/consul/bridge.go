// Package consul bridges healthy Consul catalog entries into lifecycle events, so services
// registered in Consul are routed like instances that announce themselves.
package consul

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/moonkev/flexdisco/internal/bus"
	"github.com/moonkev/flexdisco/internal/common/telemetry"
	"github.com/moonkev/flexdisco/internal/common/types"
	"github.com/moonkev/flexdisco/internal/events"
)

// instanceNamespace derives stable instance ids from Consul node and service ids
var instanceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("flexdisco/consul"))

type HeaderRoundTripper struct {
	Rt http.RoundTripper
}

func (h *HeaderRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return h.Rt.RoundTrip(req)
}

// NewClient creates a Consul client for addr given as host:port
func NewClient(addr string) (*consulapi.Client, error) {
	consulCfg := consulapi.DefaultConfig()
	consulCfg.Address = fmt.Sprintf("http://%s", addr)

	consulCfg.HttpClient = &http.Client{
		Transport: &HeaderRoundTripper{Rt: http.DefaultTransport},
	}
	return consulapi.NewClient(consulCfg)
}

// Bridge publishes a Heartbeat for every healthy Consul entry whose service name is a known
// service type, each time the catalog query returns, and a Stopped for entries that vanished.
// The query wait time must stay below the registry TTL.
type Bridge struct {
	client   *consulapi.Client
	pub      bus.Publisher
	waitTime time.Duration
	clock    func() time.Time

	known map[uuid.UUID]types.ServiceInstance
}

func NewBridge(client *consulapi.Client, pub bus.Publisher, waitTime time.Duration) *Bridge {
	return &Bridge{
		client:   client,
		pub:      pub,
		waitTime: waitTime,
		clock:    time.Now,
		known:    make(map[uuid.UUID]types.ServiceInstance),
	}
}

// InstanceID is the id the bridge announces for a Consul service on a node
func InstanceID(node, serviceID string) uuid.UUID {
	return uuid.NewSHA1(instanceNamespace, []byte(node+"/"+serviceID))
}

// Run blocks on the catalog until ctx is done
func (b *Bridge) Run(ctx context.Context) error {
	opts := (&consulapi.QueryOptions{
		AllowStale: true,
		WaitIndex:  1,
		WaitTime:   b.waitTime,
	}).WithContext(ctx)

	slog.Info("Starting consul bridge", "waitTime", b.waitTime)
	for {
		var services map[string][]string
		var meta *consulapi.QueryMeta
		err := backoff.Retry(func() error {
			var err error
			services, meta, err = b.client.Catalog().Services(opts)
			return err
		}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))

		if ctx.Err() != nil {
			slog.Info("Stopping consul bridge")
			return nil
		}
		if err != nil {
			slog.Warn("Error querying consul services, will retry", "error", err)
			continue
		}
		if meta.LastIndex != opts.WaitIndex {
			slog.Debug("Consul catalog changed", "lastIndex", opts.WaitIndex, "newIndex", meta.LastIndex)
		}
		opts.WaitIndex = meta.LastIndex

		names := make([]string, 0, len(services))
		for name := range services {
			names = append(names, name)
		}
		if err := b.Sync(ctx, names); err != nil && ctx.Err() == nil {
			slog.Error("Consul sync incomplete", "error", err)
		}
	}
}

// Sync announces the healthy entries of the named services. Names that are not service
// types are skipped. A service whose health query fails keeps its previous instances.
func (b *Bridge) Sync(ctx context.Context, names []string) error {
	now := b.clock()
	seen := mapset.NewThreadUnsafeSet[uuid.UUID]()
	failed := mapset.NewThreadUnsafeSet[types.ServiceType]()
	discovered := 0
	var firstErr error

	for _, name := range names {
		st, err := types.ParseServiceType(name)
		if err != nil {
			slog.Debug("Skipping consul service", "service", name)
			continue
		}
		entries, _, err := b.client.Health().Service(name, "", true, (&consulapi.QueryOptions{}).WithContext(ctx))
		if err != nil {
			slog.Error("Failed fetching healthy entries", "service", name, "error", err)
			failed.Add(st)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(entries) > 0 {
			discovered++
		}
		for _, e := range entries {
			inst, ok := toInstance(st, e)
			if !ok {
				continue
			}
			seen.Add(inst.InstanceID)
			if err := b.pub.Publish(ctx, bus.TopicLifecycle, events.Heartbeat(inst, now)); err != nil {
				return fmt.Errorf("publish heartbeat: %w", err)
			}
			b.known[inst.InstanceID] = inst
		}
	}
	telemetry.MetricServicesDiscovered.Set(float64(discovered))

	for id, inst := range b.known {
		if seen.Contains(id) || failed.Contains(inst.ServiceType) {
			continue
		}
		if err := b.pub.Publish(ctx, bus.TopicLifecycle, events.Stopped(inst, now)); err != nil {
			return fmt.Errorf("publish stopped: %w", err)
		}
		slog.Info("Consul instance gone", "instanceId", id, "serviceType", inst.ServiceType)
		delete(b.known, id)
	}
	return firstErr
}

func toInstance(st types.ServiceType, e *consulapi.ServiceEntry) (types.ServiceInstance, bool) {
	if e.Service == nil {
		return types.ServiceInstance{}, false
	}
	host := e.Service.Address
	node := ""
	if e.Node != nil {
		node = e.Node.Node
		if host == "" {
			host = e.Node.Address
		}
	}
	if host == "" || e.Service.Port == 0 {
		return types.ServiceInstance{}, false
	}
	scheme := "http"
	if s, ok := e.Service.Meta["scheme"]; ok && s != "" {
		scheme = s
	}
	addr := scheme + "://" + net.JoinHostPort(host, strconv.Itoa(e.Service.Port))
	inst, err := types.NewServiceInstance(InstanceID(node, e.Service.ID), st, []string{addr})
	if err != nil {
		return types.ServiceInstance{}, false
	}
	return inst, true
}
