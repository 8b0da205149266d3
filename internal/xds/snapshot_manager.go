package xds

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"time"

	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpoint "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	listener "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	route "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	hcm "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	tls "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	"github.com/envoyproxy/go-control-plane/pkg/cache/types"
	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	"github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	"github.com/envoyproxy/go-control-plane/pkg/wellknown"
	"github.com/moonkev/flexdisco/internal/common/telemetry"
	"github.com/moonkev/flexdisco/internal/gateway"
	"github.com/moonkev/flexdisco/internal/pathmap"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"
)

// ReferenceNode holds the latest snapshot; nodes get a copy when their stream opens.
const ReferenceNode = "__REFERENCE_SNAPSHOT__"

const routeConfigName = "local_route"

// SnapshotManager translates gateway snapshots into Envoy resources and pushes them into
// the xDS cache for every known node.
type SnapshotManager struct {
	cache         cachev3.SnapshotCache
	listenerPorts []uint32
}

func NewSnapshotManager(cache cachev3.SnapshotCache, listenerPorts []uint32) *SnapshotManager {
	return &SnapshotManager{cache: cache, listenerPorts: slices.Clone(listenerPorts)}
}

// Translate builds the xDS snapshot of a gateway snapshot. The xDS version is the gateway
// snapshot version.
func (s *SnapshotManager) Translate(snap *gateway.ConfigSnapshot) (*cachev3.Snapshot, error) {
	version := strconv.FormatUint(snap.Version(), 10)
	gwClusters := snap.Clusters()
	if len(gwClusters) == 0 {
		return cachev3.NewSnapshot(version, map[resource.Type][]types.Resource{})
	}

	// Endpoints travel inline in each cluster's load assignment; no EDS resources are served.
	var clusters []types.Resource
	for _, c := range gwClusters {
		cl, err := buildCluster(c)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, cl)
	}

	routeCfg, err := buildRouteConfig(snap.Routes())
	if err != nil {
		return nil, err
	}

	listeners := make([]types.Resource, 0, len(s.listenerPorts))
	for _, port := range s.listenerPorts {
		ln, err := buildListener(port)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, ln)
	}

	return cachev3.NewSnapshot(version, map[resource.Type][]types.Resource{
		resource.ClusterType:  clusters,
		resource.RouteType:    {routeCfg},
		resource.ListenerType: listeners,
	})
}

// Push translates snap and installs it for the reference node and every connected node
func (s *SnapshotManager) Push(ctx context.Context, snap *gateway.ConfigSnapshot) error {
	xsnap, err := s.Translate(snap)
	if err != nil {
		return fmt.Errorf("translate snapshot %d: %w", snap.Version(), err)
	}
	if err := s.cache.SetSnapshot(ctx, ReferenceNode, xsnap); err != nil {
		return fmt.Errorf("set reference snapshot: %w", err)
	}
	nodeIDs := s.cache.GetStatusKeys()
	slog.Debug("node IDs", "nodeIDs", nodeIDs)
	for _, nodeID := range nodeIDs {
		if nodeID == ReferenceNode {
			continue
		}
		if err := s.cache.SetSnapshot(ctx, nodeID, xsnap); err != nil {
			slog.Error("Failed setting snapshot", "nodeID", nodeID, "error", err)
		}
	}
	slog.Info("Snapshot pushed",
		"version", snap.Version(),
		"listeners", len(s.listenerPorts),
		"clusters", len(xsnap.GetResources(resource.ClusterType)),
		"routes", len(snap.Routes()))
	telemetry.MetricSnapshotsPushed.Inc()
	return nil
}

// Watch pushes the current snapshot, then every replacement. With a positive debounce,
// changes arriving within that window after a change are pushed together.
func (s *SnapshotManager) Watch(ctx context.Context, reader gateway.RouteTableReader, debounce time.Duration) error {
	snap := reader.Snapshot()
	for {
		if err := s.Push(ctx, snap); err != nil {
			slog.Error("Failed pushing snapshot", "version", snap.Version(), "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-snap.ChangeToken().Changed():
		}
		if debounce > 0 {
			timer := time.NewTimer(debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
		snap = reader.Snapshot()
	}
}

type upstream struct {
	host string
	port uint32
	tls  bool
}

func parseUpstream(addr string) (upstream, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return upstream{}, err
	}
	if u.Host == "" {
		return upstream{}, fmt.Errorf("address %q has no host", addr)
	}
	up := upstream{host: u.Hostname(), tls: u.Scheme == "https"}
	portStr := u.Port()
	if portStr == "" {
		portStr = "80"
		if up.tls {
			portStr = "443"
		}
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return upstream{}, fmt.Errorf("address %q: %w", addr, err)
	}
	up.port = uint32(port)
	return up, nil
}

func buildCluster(c gateway.ClusterDescriptor) (*cluster.Cluster, error) {
	ids := make([]string, 0, len(c.Destinations))
	for id := range c.Destinations {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	useTLS := false
	lbs := make([]*endpoint.LbEndpoint, 0, len(ids))
	for _, id := range ids {
		up, err := parseUpstream(c.Destinations[id])
		if err != nil {
			slog.Warn("Skipping destination", "cluster", c.ClusterID, "destination", id, "error", err)
			continue
		}
		useTLS = useTLS || up.tls
		lbs = append(lbs, &endpoint.LbEndpoint{
			HostIdentifier: &endpoint.LbEndpoint_Endpoint{
				Endpoint: &endpoint.Endpoint{
					Hostname: id,
					Address: &core.Address{
						Address: &core.Address_SocketAddress{
							SocketAddress: &core.SocketAddress{
								Address:       up.host,
								PortSpecifier: &core.SocketAddress_PortValue{PortValue: up.port},
							},
						},
					},
				},
			},
		})
	}

	cla := &endpoint.ClusterLoadAssignment{
		ClusterName: c.ClusterID,
		Endpoints:   []*endpoint.LocalityLbEndpoints{{LbEndpoints: lbs}},
	}

	// STRICT_DNS so destinations may be hostnames
	cl := &cluster.Cluster{
		Name:           c.ClusterID,
		ConnectTimeout: durationpb.New(2 * time.Second),
		ClusterDiscoveryType: &cluster.Cluster_Type{
			Type: cluster.Cluster_STRICT_DNS,
		},
		LoadAssignment:  cla,
		LbPolicy:        cluster.Cluster_ROUND_ROBIN,
		DnsLookupFamily: cluster.Cluster_V4_ONLY,
		DnsRefreshRate:  durationpb.New(60 * time.Second),
	}

	if useTLS {
		tlsContextAny, err := anypb.New(&tls.UpstreamTlsContext{AutoHostSni: true})
		if err != nil {
			return nil, err
		}
		cl.TransportSocket = &core.TransportSocket{
			Name: "envoy.transport_sockets.tls",
			ConfigType: &core.TransportSocket_TypedConfig{
				TypedConfig: tlsContextAny,
			},
		}
	}
	return cl, nil
}

// buildRouteConfig orders routes most specific first, since Envoy takes the first match.
func buildRouteConfig(routes []gateway.RouteDescriptor) (*route.RouteConfiguration, error) {
	type compiled struct {
		desc    gateway.RouteDescriptor
		mapping pathmap.Mapping
	}
	all := make([]compiled, 0, len(routes))
	for _, r := range routes {
		m, err := pathmap.NewMapping(r.MatchPath, r.RewritePath)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", r.RouteID, err)
		}
		all = append(all, compiled{desc: r, mapping: m})
	}
	slices.SortStableFunc(all, func(a, b compiled) int {
		return len(b.mapping.Match.Literal()) - len(a.mapping.Match.Literal())
	})

	envoyRoutes := make([]*route.Route, 0, len(all))
	for _, c := range all {
		match := &route.RouteMatch{}
		if c.mapping.Match.CatchAll() != "" {
			match.PathSpecifier = &route.RouteMatch_Prefix{Prefix: c.mapping.Match.Literal()}
		} else {
			match.PathSpecifier = &route.RouteMatch_Path{Path: c.mapping.Match.Literal()}
		}
		envoyRoutes = append(envoyRoutes, &route.Route{
			Name:  c.desc.RouteID,
			Match: match,
			Action: &route.Route_Route{Route: &route.RouteAction{
				ClusterSpecifier: &route.RouteAction_Cluster{Cluster: c.desc.ClusterID},
				PrefixRewrite:    c.mapping.Rewrite.Literal(),
			}},
		})
	}

	return &route.RouteConfiguration{
		Name: routeConfigName,
		VirtualHosts: []*route.VirtualHost{{
			Name:    "default",
			Domains: []string{"*"},
			Routes:  envoyRoutes,
		}},
	}, nil
}

func buildListener(port uint32) (*listener.Listener, error) {
	hcmCfg := &hcm.HttpConnectionManager{
		StatPrefix:           "ingress_http",
		CodecType:            hcm.HttpConnectionManager_AUTO,
		Http2ProtocolOptions: &core.Http2ProtocolOptions{},
		RouteSpecifier: &hcm.HttpConnectionManager_Rds{
			Rds: &hcm.Rds{
				ConfigSource: &core.ConfigSource{
					ResourceApiVersion: core.ApiVersion_V3,
					ConfigSourceSpecifier: &core.ConfigSource_Ads{
						Ads: &core.AggregatedConfigSource{},
					},
				},
				RouteConfigName: routeConfigName,
			},
		},
		HttpFilters: []*hcm.HttpFilter{{
			Name: "envoy.filters.http.router",
			ConfigType: &hcm.HttpFilter_TypedConfig{
				TypedConfig: &anypb.Any{
					TypeUrl: "type.googleapis.com/envoy.extensions.filters.http.router.v3.Router",
				},
			},
		}},
	}
	hcmAny, err := anypb.New(hcmCfg)
	if err != nil {
		return nil, fmt.Errorf("marshal hcm: %w", err)
	}

	return &listener.Listener{
		Name: fmt.Sprintf("listener_%d", port),
		Address: &core.Address{Address: &core.Address_SocketAddress{SocketAddress: &core.SocketAddress{
			Address:       "0.0.0.0",
			PortSpecifier: &core.SocketAddress_PortValue{PortValue: port},
		}}},
		FilterChains: []*listener.FilterChain{{
			Filters: []*listener.Filter{{
				Name:       wellknown.HTTPConnectionManager,
				ConfigType: &listener.Filter_TypedConfig{TypedConfig: hcmAny},
			}},
		}},
	}, nil
}
