package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/moonkev/flexdisco/internal/common/telemetry"
	"github.com/moonkev/flexdisco/internal/events"
	"github.com/redis/go-redis/v9"
)

const payloadField = "event"

// RedisBus uses one Redis stream per topic and one consumer group per subscriber group.
// Messages are acknowledged only once handled or dead-lettered; a consumer re-reads its own
// pending messages on start, so anything in flight during a crash is redelivered.
type RedisBus struct {
	client redis.UniversalClient
	opts   options

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewRedisBus creates a bus on top of an existing client; the caller owns the client.
func NewRedisBus(client redis.UniversalClient, opts ...Option) *RedisBus {
	o := defaultOptions()
	if host, err := os.Hostname(); err == nil {
		o.consumer = host
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.consumer == "" {
		o.consumer = "flexdisco"
	}
	return &RedisBus{client: client, opts: o, done: make(chan struct{})}
}

// Publish implements Publisher
func (b *RedisBus) Publish(ctx context.Context, topic Topic, ev events.Event) error {
	if err := publishable(topic, ev); err != nil {
		return err
	}
	if b.isClosed() {
		return ErrClosed
	}
	data, err := events.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: string(topic),
		Values: map[string]interface{}{payloadField: string(data)},
	}
	if b.opts.maxLen > 0 {
		args.MaxLen = b.opts.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", topic, err)
	}
	telemetry.MetricEventsPublished.WithLabelValues(string(topic), ev.Kind.String()).Inc()
	return nil
}

// Subscribe implements Subscriber
func (b *RedisBus) Subscribe(ctx context.Context, topic Topic, group string, h Handler) error {
	if b.isClosed() {
		return ErrClosed
	}
	if group == "" {
		return fmt.Errorf("subscribe %s: redis bus needs a consumer group", topic)
	}
	err := b.client.XGroupCreateMkStream(ctx, string(topic), group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", group, topic, err)
	}

	d := deliverer{topic: topic, group: group, ladder: b.opts.ladder, sink: b.opts.sink}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-b.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		b.consume(ctx, d, h)
	}()
	return nil
}

func (b *RedisBus) consume(ctx context.Context, d deliverer, h Handler) {
	stream := string(d.topic)
	// "0" reads this consumer's pending entries; ">" reads new ones.
	cursor := "0"
	slog.Info("Consuming redis stream", "stream", stream, "group", d.group, "consumer", b.opts.consumer)

	for ctx.Err() == nil {
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    d.group,
			Consumer: b.opts.consumer,
			Streams:  []string{stream, cursor},
			Count:    16,
			Block:    b.opts.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			cursor = ">"
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Failed reading redis stream", "stream", stream, "group", d.group, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		n := 0
		for _, s := range res {
			for _, msg := range s.Messages {
				n++
				if !b.handle(ctx, d, msg, h) {
					return
				}
				if cursor != ">" {
					cursor = msg.ID
				}
			}
		}
		if cursor != ">" && n == 0 {
			slog.Debug("Pending entries drained", "stream", stream, "group", d.group)
			cursor = ">"
		}
	}
}

// handle processes and acknowledges one message. It returns false when the consumer should
// stop because ctx ended before the message could be settled.
func (b *RedisBus) handle(ctx context.Context, d deliverer, msg redis.XMessage, h Handler) bool {
	raw, _ := msg.Values[payloadField].(string)
	ev, err := events.Unmarshal([]byte(raw))
	if err != nil {
		err = d.deadLetter(ctx, DeadLetter{Payload: raw, Error: err.Error()})
	} else {
		err = d.deliver(ctx, ev, h)
	}
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		slog.Error("Leaving message pending", "stream", d.topic, "id", msg.ID, "error", err)
		return true
	}
	if err := b.client.XAck(ctx, string(d.topic), d.group, msg.ID).Err(); err != nil {
		slog.Error("Failed to ack message", "stream", d.topic, "id", msg.ID, "error", err)
	}
	return true
}

func (b *RedisBus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close stops every consumer and waits for in-flight handlers; it does not close the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

// RedisSink appends dead letters to the "<topic>.dead" stream
type RedisSink struct {
	Client redis.UniversalClient
	MaxLen int64
}

func (s RedisSink) DeadLetter(ctx context.Context, dl DeadLetter) error {
	payload := dl.Payload
	if payload == "" && dl.Event != nil {
		data, err := events.Marshal(*dl.Event)
		if err == nil {
			payload = string(data)
		}
	}
	args := &redis.XAddArgs{
		Stream: string(dl.Topic) + ".dead",
		Values: map[string]interface{}{
			payloadField: payload,
			"group":      dl.Group,
			"error":      dl.Error,
			"attempts":   dl.Attempts,
			"at":         dl.At.Format(time.RFC3339Nano),
		},
	}
	if s.MaxLen > 0 {
		args.MaxLen = s.MaxLen
		args.Approx = true
	}
	if err := s.Client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd dead letter: %w", err)
	}
	return nil
}
