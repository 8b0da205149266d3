package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/moonkev/flexdisco/internal/bus"
	"github.com/moonkev/flexdisco/internal/common/types"
	"github.com/moonkev/flexdisco/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	kinds []events.Kind
}

func (r *recorder) Publish(_ context.Context, topic bus.Topic, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if topic == bus.TopicLifecycle {
		r.kinds = append(r.kinds, ev.Kind)
	}
	return nil
}

func (r *recorder) snapshot() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Kind(nil), r.kinds...)
}

func TestAnnounceLifecycle(t *testing.T) {
	inst, err := types.NewServiceInstance(uuid.New(), types.BloggingAPI, []string{"http://10.0.0.1:5000"})
	require.NoError(t, err)

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- announce(ctx, rec, inst, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		kinds := rec.snapshot()
		return len(kinds) >= 3
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	kinds := rec.snapshot()
	assert.Equal(t, events.KindStarted, kinds[0])
	assert.Equal(t, events.KindHeartbeat, kinds[1])
	assert.Equal(t, events.KindStopped, kinds[len(kinds)-1])
}
