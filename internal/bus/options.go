package bus

import (
	"slices"
	"time"
)

var defaultLadder = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	500 * time.Millisecond,
	800 * time.Millisecond,
	1000 * time.Millisecond,
}

type options struct {
	ladder   []time.Duration
	sink     DeadLetterSink
	capacity int
	consumer string
	block    time.Duration
	maxLen   int64
}

func defaultOptions() options {
	return options{
		ladder:   slices.Clone(defaultLadder),
		sink:     LogSink{},
		capacity: 1024,
		block:    2 * time.Second,
		maxLen:   10000,
	}
}

// Option configures a bus
type Option func(*options)

// WithRetryLadder sets the delays between delivery attempts. A message is attempted
// len(ladder)+1 times before it is dead-lettered.
func WithRetryLadder(ladder []time.Duration) Option {
	return func(o *options) { o.ladder = slices.Clone(ladder) }
}

// WithDeadLetterSink sets where exhausted or permanently failing messages go.
func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(o *options) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithCapacity sets the per-subscription buffer of the memory bus.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithConsumerName sets the redis consumer name; it must be stable across restarts for pending
// messages to be redelivered to the same process.
func WithConsumerName(name string) Option {
	return func(o *options) { o.consumer = name }
}

// WithBlock sets how long a redis XREADGROUP waits for new messages.
func WithBlock(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.block = d
		}
	}
}

// WithMaxLen caps redis streams approximately.
func WithMaxLen(n int64) Option {
	return func(o *options) { o.maxLen = n }
}
