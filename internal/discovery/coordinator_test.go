package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/moonkev/flexdisco/internal/bus"
	"github.com/moonkev/flexdisco/internal/common/types"
	"github.com/moonkev/flexdisco/internal/events"
	"github.com/moonkev/flexdisco/internal/gateway"
	"github.com/moonkev/flexdisco/internal/pathmap"
	"github.com/moonkev/flexdisco/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastLadder = []time.Duration{time.Millisecond, time.Millisecond}

// publisherFunc delivers synchronously, which keeps scenario tests deterministic
type publisherFunc func(ctx context.Context, topic bus.Topic, ev events.Event) error

func (f publisherFunc) Publish(ctx context.Context, topic bus.Topic, ev events.Event) error {
	return f(ctx, topic, ev)
}

type recorder struct {
	mu   sync.Mutex
	evs  []events.Event
	fail int
	next bus.Handler
}

func (r *recorder) Publish(ctx context.Context, topic bus.Topic, ev events.Event) error {
	r.mu.Lock()
	if r.fail > 0 {
		r.fail--
		r.mu.Unlock()
		return errors.New("bus down")
	}
	r.evs = append(r.evs, ev)
	next := r.next
	r.mu.Unlock()
	if next != nil {
		return next(ctx, ev)
	}
	return nil
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Kind
	for _, ev := range r.evs {
		out = append(out, ev.Kind)
	}
	return out
}

func mapping(t *testing.T, match, rewrite string) pathmap.Mapping {
	t.Helper()
	m, err := pathmap.NewMapping(match, rewrite)
	require.NoError(t, err)
	return m
}

func table(t *testing.T) *pathmap.Table {
	return pathmap.NewTable(30*time.Second, map[types.ServiceType]pathmap.Service{
		types.BloggingAPI: {TTL: 10 * time.Second, Paths: []pathmap.Mapping{
			mapping(t, "/blogging/{**catch-all}", "/api/{**catch-all}"),
			mapping(t, "/posts/{**rest}", "/api/posts/{**rest}"),
		}},
		types.IdentityAPI: {Paths: []pathmap.Mapping{
			mapping(t, "/identity/{**rest}", "/{**rest}"),
		}},
	})
}

type harness struct {
	clock    *clockwork.FakeClock
	store    *registry.MemoryStore
	rec      *recorder
	coord    *Coordinator
	provider *gateway.SnapshotProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := registry.NewMemoryStore(clock, time.Second)
	t.Cleanup(func() { _ = store.Close() })

	tbl := table(t)
	provider := gateway.NewSnapshotProvider()
	syncer := gateway.NewRouteSynchronizer(tbl, provider, time.Minute)
	rec := &recorder{next: syncer.Handle}

	return &harness{
		clock:    clock,
		store:    store,
		rec:      rec,
		coord:    NewCoordinator(store, rec, tbl, WithClock(clock), WithRetryLadder(fastLadder)),
		provider: provider,
	}
}

func instance(t *testing.T, st types.ServiceType, addrs ...string) types.ServiceInstance {
	t.Helper()
	inst, err := types.NewServiceInstance(uuid.New(), st, addrs)
	require.NoError(t, err)
	return inst
}

func (h *harness) lifecycle(t *testing.T, ev events.Event) {
	t.Helper()
	require.NoError(t, h.coord.HandleLifecycle(context.Background(), ev))
}

func TestScenarios(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()
	a := instance(t, types.BloggingAPI, "http://10.0.0.1:5000")
	b := instance(t, types.BloggingAPI, "http://10.0.0.2:5000")

	// 1. first start creates the cluster with both routes and one destination
	h.lifecycle(t, events.Started(a, now))
	all, err := h.store.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ServiceInstance{a}, all[types.BloggingAPI])
	snap := h.provider.Snapshot()
	assert.Len(t, snap.Routes(), 2)
	c, ok := snap.Cluster("blogging-api")
	require.True(t, ok)
	assert.Len(t, c.Destinations, 1)
	assert.Equal(t, []events.Kind{events.KindRegistered}, h.rec.kinds())

	// 2. heartbeat refreshes without announcing
	h.lifecycle(t, events.Heartbeat(a, now))
	assert.Same(t, snap, h.provider.Snapshot())
	assert.Len(t, h.rec.kinds(), 1)

	// 3. a second instance joins the cluster
	h.lifecycle(t, events.Started(b, now))
	snap = h.provider.Snapshot()
	c, _ = snap.Cluster("blogging-api")
	assert.Len(t, c.Destinations, 2)
	assert.Len(t, snap.Routes(), 2)

	// 4. stopping A keeps B and the routes
	h.lifecycle(t, events.Stopped(a, now))
	snap = h.provider.Snapshot()
	c, _ = snap.Cluster("blogging-api")
	assert.Equal(t, map[string]string{gateway.DestinationID(types.BloggingAPI, b.InstanceID, 0): "http://10.0.0.2:5000"}, c.Destinations)
	assert.Len(t, snap.Routes(), 2)

	// 5. stopping B removes the cluster and its routes
	h.lifecycle(t, events.Stopped(b, now))
	snap = h.provider.Snapshot()
	assert.Empty(t, snap.Clusters())
	assert.Empty(t, snap.Routes())
}

func TestExpiryEquivalentToStopped(t *testing.T) {
	stopped := newHarness(t)
	expired := newHarness(t)
	a := instance(t, types.BloggingAPI, "http://10.0.0.1:5000")
	b := instance(t, types.BloggingAPI, "http://10.0.0.2:5000")

	for _, h := range []*harness{stopped, expired} {
		now := h.clock.Now()
		h.lifecycle(t, events.Started(a, now))
		h.lifecycle(t, events.Started(b, now))
	}

	stopped.lifecycle(t, events.Stopped(a, stopped.clock.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	keys, err := expired.store.Expirations(ctx)
	require.NoError(t, err)
	go func() {
		for key := range keys {
			done <- expired.coord.Expired(ctx, key)
		}
	}()

	// B keeps heartbeating while A goes silent past its 10s TTL
	expired.clock.Advance(6 * time.Second)
	expired.lifecycle(t, events.Heartbeat(b, expired.clock.Now()))
	expired.clock.Advance(6 * time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expiry not handled")
	}

	assert.True(t, stopped.provider.Snapshot().SameContent(expired.provider.Snapshot()))
}

func TestStartedTwiceAnnouncesOnce(t *testing.T) {
	h := newHarness(t)
	a := instance(t, types.IdentityAPI, "http://10.0.1.1:6000")
	h.lifecycle(t, events.Started(a, h.clock.Now()))
	h.lifecycle(t, events.Started(a, h.clock.Now()))
	assert.Equal(t, []events.Kind{events.KindRegistered}, h.rec.kinds())
}

func TestHeartbeatForUnknownInstanceRegisters(t *testing.T) {
	h := newHarness(t)
	a := instance(t, types.IdentityAPI, "http://10.0.1.1:6000")
	h.lifecycle(t, events.Heartbeat(a, h.clock.Now()))
	assert.Equal(t, []events.Kind{events.KindRegistered}, h.rec.kinds())

	list, err := h.store.ListByType(context.Background(), types.IdentityAPI)
	require.NoError(t, err)
	assert.Equal(t, []types.ServiceInstance{a}, list)
}

func TestStoppedUnknownInstanceStillAnnounces(t *testing.T) {
	h := newHarness(t)
	a := instance(t, types.IdentityAPI, "http://10.0.1.1:6000")
	h.lifecycle(t, events.Stopped(a, h.clock.Now()))
	assert.Equal(t, []events.Kind{events.KindUnregistered}, h.rec.kinds())
}

func TestRegistrationRolledBackWhenPublishFails(t *testing.T) {
	h := newHarness(t)
	h.rec.fail = 1
	a := instance(t, types.BloggingAPI, "http://10.0.0.1:5000")
	ev := events.Started(a, h.clock.Now())

	err := h.coord.HandleLifecycle(context.Background(), ev)
	require.Error(t, err)
	list, err := h.store.ListByType(context.Background(), types.BloggingAPI)
	require.NoError(t, err)
	assert.Empty(t, list, "the key is removed so a redelivery announces again")

	h.lifecycle(t, ev)
	assert.Equal(t, []events.Kind{events.KindRegistered}, h.rec.kinds())
	_, ok := h.provider.Snapshot().Cluster("blogging-api")
	assert.True(t, ok)
}

type failingStore struct {
	registry.Store
}

func (failingStore) Register(context.Context, types.ServiceInstance, time.Duration) (bool, error) {
	return false, registry.ErrStoreUnavailable
}

func (failingStore) Refresh(context.Context, types.ServiceInstance) (bool, error) {
	return false, registry.ErrStoreUnavailable
}

func (failingStore) Unregister(context.Context, types.ServiceInstance) (bool, error) {
	return false, registry.ErrStoreUnavailable
}

func TestStoreFailureAnnouncesNothing(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(failingStore{}, rec, table(t))
	a := instance(t, types.BloggingAPI, "http://10.0.0.1:5000")
	ctx := context.Background()

	for _, ev := range []events.Event{events.Started(a, time.Now()), events.Heartbeat(a, time.Now()), events.Stopped(a, time.Now())} {
		err := c.HandleLifecycle(ctx, ev)
		assert.ErrorIs(t, err, registry.ErrStoreUnavailable)
		assert.False(t, bus.IsPermanent(err))
	}
	assert.Empty(t, rec.kinds())
}

func TestMembershipKindOnLifecycleIsPermanent(t *testing.T) {
	h := newHarness(t)
	err := h.coord.HandleLifecycle(context.Background(), events.Registered(instance(t, types.BloggingAPI, "http://a:1"), time.Now()))
	assert.True(t, bus.IsPermanent(err))
}

func TestExpiredKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, h.coord.Expired(ctx, "sessions:abc"))
	require.NoError(t, h.coord.Expired(ctx, "services:billing-api:"+id.String()))
	assert.Empty(t, h.rec.kinds())

	require.NoError(t, h.coord.Expired(ctx, registry.Key(types.IdentityAPI, id)))
	require.Len(t, h.rec.evs, 1)
	ev := h.rec.evs[0]
	assert.Equal(t, events.KindUnregistered, ev.Kind)
	assert.Equal(t, id, ev.InstanceID)
	assert.Equal(t, types.IdentityAPI, ev.ServiceType)
	assert.WithinDuration(t, h.clock.Now(), ev.OccurredAt, 0)
}

func TestRejoinAfterExpiryIsRouted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	started := h.clock.Now()
	a := instance(t, types.BloggingAPI, "http://10.0.0.1:5000")

	h.lifecycle(t, events.Started(a, started))
	h.clock.Advance(11 * time.Second)
	require.NoError(t, h.coord.Expired(ctx, registry.KeyOf(a)))
	assert.Empty(t, h.provider.Snapshot().Clusters())

	// the instance's clock lags the coordinator's, and the rejoin lands in the expiry's tick
	h.lifecycle(t, events.Heartbeat(a, started))

	all, err := h.store.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ServiceInstance{a}, all[types.BloggingAPI])
	c, ok := h.provider.Snapshot().Cluster("blogging-api")
	require.True(t, ok)
	assert.Equal(t, map[string]string{gateway.DestinationID(types.BloggingAPI, a.InstanceID, 0): "http://10.0.0.1:5000"}, c.Destinations)

	require.Len(t, h.rec.evs, 3)
	assert.Equal(t, []events.Kind{events.KindRegistered, events.KindUnregistered, events.KindRegistered}, h.rec.kinds())
	assert.True(t, h.rec.evs[2].OccurredAt.After(h.rec.evs[1].OccurredAt))
}

func TestStopAndRestartInOneTick(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	a := instance(t, types.IdentityAPI, "http://10.0.1.1:6000")

	h.lifecycle(t, events.Started(a, now))
	h.lifecycle(t, events.Stopped(a, now))
	h.lifecycle(t, events.Started(a, now))

	c, ok := h.provider.Snapshot().Cluster("identity-api")
	require.True(t, ok)
	assert.Len(t, c.Destinations, 1)
}

func TestExpiredRetriesPublish(t *testing.T) {
	h := newHarness(t)
	h.rec.fail = 2
	require.NoError(t, h.coord.Expired(context.Background(), registry.Key(types.BloggingAPI, uuid.New())))
	assert.Len(t, h.rec.kinds(), 1)

	h.rec.fail = 10
	assert.Error(t, h.coord.Expired(context.Background(), registry.Key(types.BloggingAPI, uuid.New())))
}

type subscribedStore struct {
	registry.Store
	subscribed chan struct{}
}

func (s subscribedStore) Expirations(ctx context.Context) (<-chan string, error) {
	ch, err := s.Store.Expirations(ctx)
	close(s.subscribed)
	return ch, err
}

func TestRunFollowsExpirations(t *testing.T) {
	h := newHarness(t)
	store := subscribedStore{Store: h.store, subscribed: make(chan struct{})}
	coord := NewCoordinator(store, h.rec, table(t), WithClock(h.clock), WithRetryLadder(fastLadder))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()
	<-store.subscribed

	a := instance(t, types.BloggingAPI, "http://10.0.0.1:5000")
	require.NoError(t, coord.HandleLifecycle(ctx, events.Started(a, h.clock.Now())))
	h.clock.Advance(11 * time.Second)

	require.Eventually(t, func() bool {
		_, ok := h.provider.Snapshot().Cluster("blogging-api")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestCoordinatorOverMemoryBus(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := registry.NewMemoryStore(clock, time.Second)
	defer store.Close()
	b := bus.NewMemoryBus(bus.WithRetryLadder(fastLadder))
	defer b.Close()

	tbl := table(t)
	provider := gateway.NewSnapshotProvider()
	syncer := gateway.NewRouteSynchronizer(tbl, provider, time.Minute)
	coord := NewCoordinator(store, b, tbl, WithClock(clock))

	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, bus.TopicLifecycle, "coordinator", coord.HandleLifecycle))
	require.NoError(t, b.Subscribe(ctx, bus.TopicMembership, "gateway", syncer.Handle))

	a := instance(t, types.IdentityAPI, "http://10.0.1.1:6000")
	require.NoError(t, b.Publish(ctx, bus.TopicLifecycle, events.Started(a, clock.Now())))

	require.Eventually(t, func() bool {
		_, ok := provider.Snapshot().Cluster("identity-api")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Publish(ctx, bus.TopicLifecycle, events.Stopped(a, clock.Now().Add(time.Second))))
	require.Eventually(t, func() bool {
		return len(provider.Snapshot().Clusters()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}
