package xds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	clusterservice "github.com/envoyproxy/go-control-plane/envoy/service/cluster/v3"
	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	endpointservice "github.com/envoyproxy/go-control-plane/envoy/service/endpoint/v3"
	listenerservice "github.com/envoyproxy/go-control-plane/envoy/service/listener/v3"
	routeservice "github.com/envoyproxy/go-control-plane/envoy/service/route/v3"
	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	"github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	serverv3 "github.com/envoyproxy/go-control-plane/pkg/server/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// NewServer builds the ADS server over cache, seeding newly connected nodes from the
// reference snapshot.
func NewServer(ctx context.Context, cache cachev3.SnapshotCache) serverv3.Server {
	return serverv3.NewServer(ctx, cache, &ServerCallbacks{Cache: cache})
}

// RunGRPC serves xDS on port until ctx is cancelled
func RunGRPC(ctx context.Context, adsServer serverv3.Server, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("xds listen on %d: %w", port, err)
	}

	grpcServer := grpc.NewServer(
		grpc.MaxConcurrentStreams(1000000),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	discovery.RegisterAggregatedDiscoveryServiceServer(grpcServer, adsServer)
	clusterservice.RegisterClusterDiscoveryServiceServer(grpcServer, adsServer)
	endpointservice.RegisterEndpointDiscoveryServiceServer(grpcServer, adsServer)
	listenerservice.RegisterListenerDiscoveryServiceServer(grpcServer, adsServer)
	routeservice.RegisterRouteDiscoveryServiceServer(grpcServer, adsServer)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("ADS server listening", "port", port)
		serveErr <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Stopping ADS server")
		grpcServer.GracefulStop()
		<-serveErr
		return nil
	case err := <-serveErr:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("xds serve: %w", err)
	}
}

// ServerCallbacks logs stream activity and installs the reference snapshot for nodes
// that do not have the current one yet.
type ServerCallbacks struct {
	serverv3.CallbackFuncs
	Cache cachev3.SnapshotCache
}

func (cb *ServerCallbacks) OnStreamOpen(_ context.Context, streamID int64, typeURL string) error {
	slog.Debug("OnStreamOpen", "streamID", streamID, "typeURL", typeURL)
	return nil
}

func (cb *ServerCallbacks) OnStreamClosed(streamID int64, node *core.Node) {
	slog.Debug("OnStreamClosed", "streamID", streamID, "nodeID", node.GetId())
}

func (cb *ServerCallbacks) OnStreamRequest(streamID int64, req *discovery.DiscoveryRequest) error {
	nodeID := req.GetNode().GetId()
	slog.Debug("OnStreamRequest",
		"streamID", streamID,
		"nodeID", nodeID,
		"typeURL", req.GetTypeUrl(),
		"versionInfo", req.GetVersionInfo())
	if nodeID == "" {
		return nil
	}
	return cb.seed(nodeID)
}

func (cb *ServerCallbacks) OnStreamResponse(_ context.Context, streamID int64, req *discovery.DiscoveryRequest, resp *discovery.DiscoveryResponse) {
	slog.Debug("OnStreamResponse",
		"streamID", streamID,
		"nodeID", req.GetNode().GetId(),
		"typeURL", req.GetTypeUrl(),
		"resources", len(resp.GetResources()),
		"version", resp.GetVersionInfo())
}

func (cb *ServerCallbacks) OnStreamDeltaRequest(streamID int64, req *discovery.DeltaDiscoveryRequest) error {
	nodeID := req.GetNode().GetId()
	slog.Debug("OnStreamDeltaRequest", "streamID", streamID, "nodeID", nodeID, "typeURL", req.GetTypeUrl())
	if nodeID == "" {
		return nil
	}
	return cb.seed(nodeID)
}

func (cb *ServerCallbacks) seed(nodeID string) error {
	ref, err := cb.Cache.GetSnapshot(ReferenceNode)
	if err != nil {
		// nothing pushed yet
		return nil
	}
	if cur, err := cb.Cache.GetSnapshot(nodeID); err == nil && sameVersion(cur, ref) {
		return nil
	}
	if err := cb.Cache.SetSnapshot(context.Background(), nodeID, ref); err != nil {
		slog.Error("Failed seeding node snapshot", "nodeID", nodeID, "error", err)
		return err
	}
	return nil
}

func sameVersion(a, b cachev3.ResourceSnapshot) bool {
	for _, typ := range []string{resource.ClusterType, resource.RouteType} {
		if a.GetVersion(typ) != b.GetVersion(typ) {
			return false
		}
	}
	return true
}
