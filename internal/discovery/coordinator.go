// Package discovery keeps the registry in step with instance lifecycles and announces
// membership changes to the gateways.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/moonkev/flexdisco/internal/bus"
	"github.com/moonkev/flexdisco/internal/common/telemetry"
	"github.com/moonkev/flexdisco/internal/common/types"
	"github.com/moonkev/flexdisco/internal/events"
	"github.com/moonkev/flexdisco/internal/registry"
	"github.com/sethvargo/go-retry"
)

// TTLSource gives the registry TTL of a service type
type TTLSource interface {
	TTL(st types.ServiceType) time.Duration
}

// Coordinator turns Started, Heartbeat and Stopped into registry operations, and registry
// changes into Registered and Unregistered. Nothing is announced unless the store operation
// succeeded.
type Coordinator struct {
	store  registry.Store
	pub    bus.Publisher
	ttl    TTLSource
	ladder []time.Duration
	clock  clockwork.Clock

	mu   sync.Mutex
	last time.Time
}

type Option func(*Coordinator)

// WithRetryLadder sets the delays between attempts to announce an expiry
func WithRetryLadder(ladder []time.Duration) Option {
	return func(c *Coordinator) { c.ladder = ladder }
}

// WithClock sets the clock that timestamps membership events
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

func NewCoordinator(store registry.Store, pub bus.Publisher, ttl TTLSource, opts ...Option) *Coordinator {
	c := &Coordinator{
		store: store,
		pub:   pub,
		ttl:   ttl,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleLifecycle is the bus handler of the lifecycle topic. The instance's own OccurredAt is
// not carried over: membership events are stamped with the coordinator clock once the store
// operation succeeded, so registrations and expiries share one timeline.
func (c *Coordinator) HandleLifecycle(ctx context.Context, ev events.Event) error {
	switch ev.Kind {
	case events.KindStarted:
		return c.Started(ctx, ev.Instance())
	case events.KindHeartbeat:
		return c.Heartbeat(ctx, ev.Instance())
	case events.KindStopped:
		return c.Stopped(ctx, ev.Instance())
	default:
		return bus.Permanent(fmt.Errorf("%w: %s on lifecycle topic", events.ErrMalformedEvent, ev.Kind))
	}
}

// Started registers the instance and announces it when its key is new
func (c *Coordinator) Started(ctx context.Context, inst types.ServiceInstance) error {
	created, err := c.store.Register(ctx, inst, c.ttl.TTL(inst.ServiceType))
	if err != nil {
		return fmt.Errorf("register %s: %w", registry.KeyOf(inst), err)
	}
	if !created {
		slog.Debug("Instance already registered", "key", registry.KeyOf(inst))
		return nil
	}
	return c.announce(ctx, inst, c.stamp())
}

// Heartbeat extends the instance's TTL, registering it again when the key is gone
func (c *Coordinator) Heartbeat(ctx context.Context, inst types.ServiceInstance) error {
	exists, err := c.store.Refresh(ctx, inst)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", registry.KeyOf(inst), err)
	}
	if exists {
		return nil
	}
	slog.Info("Heartbeat from unregistered instance", "key", registry.KeyOf(inst))
	return c.Started(ctx, inst)
}

// Stopped removes the instance and always announces it; the gateway treats removal of an
// unknown instance as a no-op.
func (c *Coordinator) Stopped(ctx context.Context, inst types.ServiceInstance) error {
	existed, err := c.store.Unregister(ctx, inst)
	if err != nil {
		return fmt.Errorf("unregister %s: %w", registry.KeyOf(inst), err)
	}
	if !existed {
		slog.Debug("Stopped instance was not registered", "key", registry.KeyOf(inst))
	}
	return c.pub.Publish(ctx, bus.TopicMembership, events.Unregistered(inst.ServiceType, inst.InstanceID, c.stamp()))
}

// stamp reads the clock for a membership event. Stamps strictly increase, so a rejoin
// announced in the same tick as an expiry still orders after it.
func (c *Coordinator) stamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	return now
}

// announce publishes Registered. If that fails the key is removed again so the redelivered
// lifecycle event creates it anew and announces it then.
func (c *Coordinator) announce(ctx context.Context, inst types.ServiceInstance, at time.Time) error {
	err := c.pub.Publish(ctx, bus.TopicMembership, events.Registered(inst, at))
	if err == nil {
		slog.Info("Instance registered", "key", registry.KeyOf(inst), "addresses", inst.Addresses)
		return nil
	}
	if _, uerr := c.store.Unregister(ctx, inst); uerr != nil {
		slog.Error("Failed to roll back registration", "key", registry.KeyOf(inst), "error", uerr)
	}
	return fmt.Errorf("publish registered %s: %w", registry.KeyOf(inst), err)
}

// Expired announces the removal of an expired key. Keys outside the registry namespace are
// ignored; malformed keys inside it are reported and dropped.
func (c *Coordinator) Expired(ctx context.Context, key string) error {
	if !registry.IsServiceKey(key) {
		slog.Debug("Ignoring expiry of foreign key", "key", key)
		return nil
	}
	st, id, err := registry.ParseKey(key)
	if err != nil {
		telemetry.MetricMalformedKeys.Inc()
		slog.Error("Expired key does not parse", "key", key, "error", err)
		return nil
	}

	ev := events.Unregistered(st, id, c.stamp())
	err = retry.Do(ctx, bus.Ladder(c.ladder), func(ctx context.Context) error {
		if err := c.pub.Publish(ctx, bus.TopicMembership, ev); err != nil {
			slog.Warn("Failed to announce expiry, will retry", "key", key, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("announce expiry of %s: %w", key, err)
	}
	slog.Info("Instance expired", "key", key)
	return nil
}

// Run follows the store's expirations until ctx is done or the store closes
func (c *Coordinator) Run(ctx context.Context) error {
	keys, err := c.store.Expirations(ctx)
	if err != nil {
		return err
	}
	for key := range keys {
		if err := c.Expired(ctx, key); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("Expiry lost", "key", key, "error", err)
		}
	}
	return nil
}
