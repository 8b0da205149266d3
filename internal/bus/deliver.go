package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/moonkev/flexdisco/internal/common/telemetry"
	"github.com/moonkev/flexdisco/internal/events"
	"github.com/sethvargo/go-retry"
)

// Ladder returns a go-retry backoff that walks the given delays once and then stops.
func Ladder(steps []time.Duration) retry.Backoff {
	i := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		if i >= len(steps) {
			return 0, true
		}
		d := steps[i]
		i++
		return d, false
	})
}

type deliverer struct {
	topic  Topic
	group  string
	ladder []time.Duration
	sink   DeadLetterSink
}

// deliver runs h with the retry ladder. It returns nil once the event is handled or
// dead-lettered, and an error only when ctx ended first or the sink failed, in which case
// the message must stay unacknowledged.
func (d deliverer) deliver(ctx context.Context, ev events.Event, h Handler) error {
	if err := ev.Validate(); err != nil {
		return d.deadLetter(ctx, letterFor(ev, err, 0))
	}

	attempts := 0
	err := retry.Do(ctx, Ladder(d.ladder), func(ctx context.Context) error {
		attempts++
		err := h(ctx, ev)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		telemetry.MetricEventsHandled.WithLabelValues(string(d.topic), d.group, "retried").Inc()
		slog.Warn("Event handler failed, will retry",
			append(ev.LogAttrs(), "topic", d.topic, "group", d.group, "attempt", attempts, "error", err)...)
		return retry.RetryableError(err)
	})
	if err == nil {
		telemetry.MetricEventsHandled.WithLabelValues(string(d.topic), d.group, "ok").Inc()
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return d.deadLetter(ctx, letterFor(ev, err, attempts))
}

func (d deliverer) deadLetter(ctx context.Context, dl DeadLetter) error {
	dl.Topic = d.topic
	dl.Group = d.group
	if dl.At.IsZero() {
		dl.At = time.Now().UTC()
	}
	telemetry.MetricEventsHandled.WithLabelValues(string(d.topic), d.group, "dead_letter").Inc()
	telemetry.MetricDeadLetters.WithLabelValues(string(d.topic)).Inc()
	if err := d.sink.DeadLetter(ctx, dl); err != nil {
		slog.Error("Failed to dead-letter event", append(dl.logAttrs(), "topic", d.topic, "error", err)...)
		return err
	}
	return nil
}
