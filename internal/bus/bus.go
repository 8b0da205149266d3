// Package bus carries lifecycle events between instances, the discovery coordinator and the
// gateways with at-least-once delivery, a bounded retry ladder and a dead-letter sink.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/moonkev/flexdisco/internal/events"
)

// Topic names a stream of events
type Topic string

const (
	// TopicLifecycle carries Started, Heartbeat and Stopped from service instances.
	TopicLifecycle Topic = "instance.lifecycle"
	// TopicMembership carries Registered and Unregistered from the coordinator.
	TopicMembership Topic = "instance.membership"
)

var ErrClosed = errors.New("bus closed")

// Handler processes one delivery. Returning an error asks for redelivery unless the error is
// permanent. Handlers must be idempotent: the same event can arrive more than once.
type Handler func(ctx context.Context, ev events.Event) error

// Publisher sends events to a topic
type Publisher interface {
	Publish(ctx context.Context, topic Topic, ev events.Event) error
}

// Subscriber attaches a handler to a topic. Subscribe returns once the subscription is
// active; the handler then runs on a bus-owned goroutine until ctx is done or the bus closes.
type Subscriber interface {
	Subscribe(ctx context.Context, topic Topic, group string, h Handler) error
}

// Bus is a publish/subscribe transport for lifecycle events
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying; the message goes straight to the dead-letter sink.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked Permanent or describes a malformed event.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, events.ErrMalformedEvent)
}

// PermanentOn wraps h so that errors matching any of the sentinels are permanent.
func PermanentOn(h Handler, sentinels ...error) Handler {
	return func(ctx context.Context, ev events.Event) error {
		err := h(ctx, ev)
		if err == nil {
			return nil
		}
		for _, s := range sentinels {
			if errors.Is(err, s) {
				return Permanent(err)
			}
		}
		return err
	}
}

// Route dispatches events by kind; kinds without a handler are acknowledged and skipped.
func Route(handlers map[events.Kind]Handler) Handler {
	return func(ctx context.Context, ev events.Event) error {
		h, ok := handlers[ev.Kind]
		if !ok {
			return nil
		}
		return h(ctx, ev)
	}
}

func publishable(topic Topic, ev events.Event) error {
	if topic == "" {
		return fmt.Errorf("publish: empty topic")
	}
	return ev.Validate()
}
