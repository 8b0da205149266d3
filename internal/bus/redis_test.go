package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/moonkev/flexdisco/internal/events"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisBusRoundTrip(t *testing.T) {
	_, client := newRedis(t)
	b := NewRedisBus(client, WithBlock(20*time.Millisecond), WithConsumerName("test"), WithRetryLadder(fastLadder))
	defer b.Close()

	ev := started()
	require.NoError(t, b.Publish(context.Background(), TopicLifecycle, ev))

	rec := &recorder{}
	require.NoError(t, b.Subscribe(context.Background(), TopicLifecycle, "coordinator", rec.handle))

	require.Eventually(t, func() bool { return len(rec.events()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := rec.events()[0]
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.InstanceID, got.InstanceID)
	assert.Equal(t, ev.ServiceType, got.ServiceType)
}

func TestRedisBusDeadLettersUndecodable(t *testing.T) {
	_, client := newRedis(t)
	sink := NewMemorySink(4)
	b := NewRedisBus(client, WithBlock(20*time.Millisecond), WithConsumerName("test"),
		WithRetryLadder(fastLadder), WithDeadLetterSink(MultiSink{sink, RedisSink{Client: client}}))
	defer b.Close()

	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: string(TopicLifecycle),
		Values: map[string]interface{}{payloadField: `{"kind":"InstanceStarted"}`},
	}).Err())

	rec := &recorder{}
	require.NoError(t, b.Subscribe(context.Background(), TopicLifecycle, "coordinator", rec.handle))

	require.Eventually(t, func() bool { return len(sink.List()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, rec.events())
	assert.Equal(t, `{"kind":"InstanceStarted"}`, sink.List()[0].Payload)

	n, err := client.XLen(context.Background(), string(TopicLifecycle)+".dead").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisBusDeadLettersFailingHandler(t *testing.T) {
	_, client := newRedis(t)
	sink := NewMemorySink(4)
	b := NewRedisBus(client, WithBlock(20*time.Millisecond), WithConsumerName("test"),
		WithRetryLadder(fastLadder), WithDeadLetterSink(sink))
	defer b.Close()

	require.NoError(t, b.Subscribe(context.Background(), TopicMembership, "gateway", func(context.Context, events.Event) error {
		return errors.New("down")
	}))
	require.NoError(t, b.Publish(context.Background(), TopicMembership, started()))

	require.Eventually(t, func() bool { return len(sink.List()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, len(fastLadder)+1, sink.List()[0].Attempts)
}

func TestRedisBusRequiresGroup(t *testing.T) {
	_, client := newRedis(t)
	b := NewRedisBus(client)
	defer b.Close()
	assert.Error(t, b.Subscribe(context.Background(), TopicLifecycle, "", nil))
}
