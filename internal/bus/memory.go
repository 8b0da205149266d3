package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cskr/pubsub"
	"github.com/moonkev/flexdisco/internal/common/telemetry"
	"github.com/moonkev/flexdisco/internal/events"
)

// MemoryBus is an in-process bus. Every subscription receives every message of its topic and
// processes them one at a time in publication order; a failing handler holds back the
// messages behind it until it succeeds or the message is dead-lettered.
type MemoryBus struct {
	opts options
	ps   *pubsub.PubSub

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus(opts ...Option) *MemoryBus {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryBus{
		opts: o,
		ps:   pubsub.New(o.capacity),
		done: make(chan struct{}),
	}
}

// Publish implements Publisher
func (b *MemoryBus) Publish(_ context.Context, topic Topic, ev events.Event) error {
	if err := publishable(topic, ev); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	b.ps.Pub(ev, string(topic))
	telemetry.MetricEventsPublished.WithLabelValues(string(topic), ev.Kind.String()).Inc()
	return nil
}

// Subscribe implements Subscriber
func (b *MemoryBus) Subscribe(ctx context.Context, topic Topic, group string, h Handler) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	ch := b.ps.Sub(string(topic))
	d := deliverer{topic: topic, group: group, ladder: b.opts.ladder, sink: b.opts.sink}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.unsubscribe(ch, topic)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-b.done:
				cancel()
			case <-ctx.Done():
			}
		}()

		slog.Debug("Subscribed to memory bus", "topic", topic, "group", group)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, ok := msg.(events.Event)
				if !ok {
					continue
				}
				if err := d.deliver(ctx, ev, h); err != nil && ctx.Err() == nil {
					slog.Error("Event delivery failed", append(ev.LogAttrs(), "topic", topic, "error", err)...)
				}
			}
		}
	}()
	return nil
}

// unsubscribe drains ch while detaching it so the pubsub goroutine never blocks on a full
// subscriber channel.
func (b *MemoryBus) unsubscribe(ch chan interface{}, topic Topic) {
	go func() {
		for range ch {
		}
	}()
	b.ps.Unsub(ch, string(topic))
}

// Close stops every subscription and waits for in-flight handlers to return
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	b.ps.Shutdown()
	return nil
}
