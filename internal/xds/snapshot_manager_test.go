package xds

import (
	"context"
	"testing"
	"time"

	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	listener "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	route "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	"github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	"github.com/moonkev/flexdisco/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot() *gateway.ConfigSnapshot {
	return gateway.NewConfigSnapshot(
		[]gateway.RouteDescriptor{
			{RouteID: "BloggingApi-route1", ClusterID: "BloggingApi", MatchPath: "/blogging/{**catch-all}", RewritePath: "/api/{**catch-all}"},
			{RouteID: "BloggingApi-route2", ClusterID: "BloggingApi", MatchPath: "/blogging/admin/{**rest}", RewritePath: "/admin/{**rest}"},
			{RouteID: "IdentityApi-route1", ClusterID: "IdentityApi", MatchPath: "/login", RewritePath: "/auth/login"},
		},
		[]gateway.ClusterDescriptor{
			{ClusterID: "BloggingApi", Destinations: map[string]string{
				"BloggingApi-a-0": "http://10.0.0.1:5000",
				"BloggingApi-b-0": "http://blog.internal",
			}},
			{ClusterID: "IdentityApi", Destinations: map[string]string{
				"IdentityApi-c-0": "https://id.internal",
			}},
		},
	)
}

func newManager() (*SnapshotManager, cachev3.SnapshotCache) {
	cache := cachev3.NewSnapshotCache(false, cachev3.IDHash{}, nil)
	return NewSnapshotManager(cache, []uint32{18080, 18443}), cache
}

func TestTranslateClusters(t *testing.T) {
	m, _ := newManager()
	snap, err := m.Translate(testSnapshot())
	require.NoError(t, err)
	require.NoError(t, snap.Consistent())
	assert.Empty(t, snap.GetResources(resource.EndpointType))

	clusters := snap.GetResources(resource.ClusterType)
	require.Len(t, clusters, 2)

	blog := clusters["BloggingApi"].(*cluster.Cluster)
	eps := blog.GetLoadAssignment().GetEndpoints()[0].GetLbEndpoints()
	require.Len(t, eps, 2)
	addr := eps[0].GetEndpoint().GetAddress().GetSocketAddress()
	assert.Equal(t, "10.0.0.1", addr.GetAddress())
	assert.Equal(t, uint32(5000), addr.GetPortValue())
	addr = eps[1].GetEndpoint().GetAddress().GetSocketAddress()
	assert.Equal(t, "blog.internal", addr.GetAddress())
	assert.Equal(t, uint32(80), addr.GetPortValue())
	assert.Nil(t, blog.GetTransportSocket())

	id := clusters["IdentityApi"].(*cluster.Cluster)
	addr = id.GetLoadAssignment().GetEndpoints()[0].GetLbEndpoints()[0].GetEndpoint().GetAddress().GetSocketAddress()
	assert.Equal(t, uint32(443), addr.GetPortValue())
	assert.NotNil(t, id.GetTransportSocket())
}

func TestTranslateRoutesMostSpecificFirst(t *testing.T) {
	m, _ := newManager()
	snap, err := m.Translate(testSnapshot())
	require.NoError(t, err)

	rc := snap.GetResources(resource.RouteType)[routeConfigName].(*route.RouteConfiguration)
	routes := rc.GetVirtualHosts()[0].GetRoutes()
	require.Len(t, routes, 3)

	assert.Equal(t, "BloggingApi-route2", routes[0].GetName())
	assert.Equal(t, "/blogging/admin/", routes[0].GetMatch().GetPrefix())
	assert.Equal(t, "/admin/", routes[0].GetRoute().GetPrefixRewrite())

	assert.Equal(t, "BloggingApi-route1", routes[1].GetName())
	assert.Equal(t, "/blogging/", routes[1].GetMatch().GetPrefix())
	assert.Equal(t, "/api/", routes[1].GetRoute().GetPrefixRewrite())
	assert.Equal(t, "BloggingApi", routes[1].GetRoute().GetCluster())

	assert.Equal(t, "/login", routes[2].GetMatch().GetPath())
	assert.Equal(t, "/auth/login", routes[2].GetRoute().GetPrefixRewrite())
}

func TestTranslateListenersAndVersion(t *testing.T) {
	m, _ := newManager()
	snap, err := m.Translate(testSnapshot())
	require.NoError(t, err)

	listeners := snap.GetResources(resource.ListenerType)
	require.Len(t, listeners, 2)
	ln := listeners["listener_18443"].(*listener.Listener)
	assert.Equal(t, uint32(18443), ln.GetAddress().GetSocketAddress().GetPortValue())
	assert.Equal(t, "0", snap.GetVersion(resource.ClusterType))
}

func TestTranslateEmpty(t *testing.T) {
	m, _ := newManager()
	snap, err := m.Translate(gateway.NewConfigSnapshot(nil, nil))
	require.NoError(t, err)
	assert.Empty(t, snap.GetResources(resource.ClusterType))
	assert.Empty(t, snap.GetResources(resource.ListenerType))
}

func TestTranslateSkipsBadDestination(t *testing.T) {
	m, _ := newManager()
	snap, err := m.Translate(gateway.NewConfigSnapshot(nil, []gateway.ClusterDescriptor{
		{ClusterID: "BloggingApi", Destinations: map[string]string{
			"BloggingApi-a-0": "not a url",
			"BloggingApi-a-1": "http://10.0.0.2:5000",
		}},
	}))
	require.NoError(t, err)
	c := snap.GetResources(resource.ClusterType)["BloggingApi"].(*cluster.Cluster)
	assert.Len(t, c.GetLoadAssignment().GetEndpoints()[0].GetLbEndpoints(), 1)
}

func TestPushSetsReferenceSnapshot(t *testing.T) {
	m, cache := newManager()
	require.NoError(t, m.Push(context.Background(), testSnapshot()))

	ref, err := cache.GetSnapshot(ReferenceNode)
	require.NoError(t, err)
	assert.Len(t, ref.GetResources(resource.ClusterType), 2)
}

func TestSeedCopiesReferenceToNode(t *testing.T) {
	m, cache := newManager()
	cb := &ServerCallbacks{Cache: cache}

	// nothing pushed yet
	require.NoError(t, cb.seed("envoy-1"))
	_, err := cache.GetSnapshot("envoy-1")
	assert.Error(t, err)

	require.NoError(t, m.Push(context.Background(), testSnapshot()))
	require.NoError(t, cb.seed("envoy-1"))
	node, err := cache.GetSnapshot("envoy-1")
	require.NoError(t, err)
	assert.Len(t, node.GetResources(resource.ClusterType), 2)
}

func TestWatchFollowsChanges(t *testing.T) {
	m, cache := newManager()
	provider := gateway.NewSnapshotProvider()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx, provider, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		_, err := cache.GetSnapshot(ReferenceNode)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	_, err := provider.Apply(func(*gateway.ConfigSnapshot) (*gateway.ConfigSnapshot, error) {
		return testSnapshot(), nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ref, err := cache.GetSnapshot(ReferenceNode)
		return err == nil && ref.GetVersion(resource.ClusterType) == "1"
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}
