package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/moonkev/flexdisco/internal/events"
)

// DeadLetter is a message that was given up on
type DeadLetter struct {
	Topic    Topic         `json:"topic"`
	Group    string        `json:"group"`
	Event    *events.Event `json:"event,omitempty"`
	Payload  string        `json:"payload,omitempty"` // raw message when it could not be decoded
	Error    string        `json:"error"`
	Attempts int           `json:"attempts"`
	At       time.Time     `json:"at"`
}

// letterFor dead-letters ev after attempts. An event whose kind has no wire name is kept as
// text only, so every letter encodes.
func letterFor(ev events.Event, err error, attempts int) DeadLetter {
	dl := DeadLetter{Error: err.Error(), Attempts: attempts}
	if _, kerr := ev.Kind.MarshalText(); kerr != nil {
		dl.Payload = fmt.Sprintf("%+v", ev)
		return dl
	}
	dl.Event = &ev
	return dl
}

func (dl DeadLetter) logAttrs() []any {
	if dl.Event == nil {
		return nil
	}
	return dl.Event.LogAttrs()
}

// DeadLetterSink stores messages the bus stopped retrying
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// LogSink logs dead letters at error level
type LogSink struct{}

func (LogSink) DeadLetter(_ context.Context, dl DeadLetter) error {
	slog.Error("Event dead-lettered",
		append(dl.logAttrs(),
			"topic", dl.Topic,
			"group", dl.Group,
			"attempts", dl.Attempts,
			"error", dl.Error,
			"payload", dl.Payload)...)
	return nil
}

// MemorySink keeps the most recent dead letters in a ring
type MemorySink struct {
	mu       sync.Mutex
	capacity int
	items    []DeadLetter
	next     int
	full     bool
}

// NewMemorySink creates a sink retaining at most capacity dead letters
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemorySink{capacity: capacity, items: make([]DeadLetter, capacity)}
}

func (m *MemorySink) DeadLetter(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[m.next] = dl
	m.next = (m.next + 1) % m.capacity
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// List returns the retained dead letters, oldest first
func (m *MemorySink) List() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		out := make([]DeadLetter, m.next)
		copy(out, m.items[:m.next])
		return out
	}
	out := make([]DeadLetter, 0, m.capacity)
	out = append(out, m.items[m.next:]...)
	return append(out, m.items[:m.next]...)
}

// MultiSink writes every dead letter to all sinks
type MultiSink []DeadLetterSink

func (s MultiSink) DeadLetter(ctx context.Context, dl DeadLetter) error {
	var result *multierror.Error
	for _, sink := range s {
		if err := sink.DeadLetter(ctx, dl); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
