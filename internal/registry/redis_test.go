package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/moonkev/flexdisco/internal/common/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s, err := NewRedisStore(context.Background(), client, 0, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return mr, s
}

func TestRedisStoreContract(t *testing.T) {
	_, s := newRedisStore(t)
	storeContract(t, s)
}

func TestRedisStoreTTL(t *testing.T) {
	ctx := context.Background()
	mr, s := newRedisStore(t)

	inst := instance(t, types.BloggingAPI, "http://10.0.0.1:5000")
	_, err := s.Register(ctx, inst, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, mr.TTL(KeyOf(inst)))

	mr.FastForward(8 * time.Second)
	ok, err := s.Refresh(ctx, inst)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 10*time.Second, mr.TTL(KeyOf(inst)), "refresh restores the registered ttl")

	mr.FastForward(11 * time.Second)
	ok, err = s.Refresh(ctx, inst)
	require.NoError(t, err)
	assert.False(t, ok)

	created, err := s.Register(ctx, inst, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRedisStoreExpirations(t *testing.T) {
	mr, s := newRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Expirations(ctx)
	require.NoError(t, err)

	inst := instance(t, types.IdentityAPI, "http://10.0.1.1:6000")
	mr.Publish("__keyevent@0__:expired", "sessions:abc")
	mr.Publish("__keyevent@0__:expired", KeyOf(inst))

	select {
	case key := <-ch:
		assert.Equal(t, "sessions:abc", key)
	case <-time.After(2 * time.Second):
		t.Fatal("no expiration delivered")
	}
	select {
	case key := <-ch:
		assert.Equal(t, KeyOf(inst), key)
	case <-time.After(2 * time.Second):
		t.Fatal("no expiration delivered")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisStoreSkipsUndecodableValues(t *testing.T) {
	ctx := context.Background()
	mr, s := newRedisStore(t)

	inst := instance(t, types.BloggingAPI, "http://10.0.0.1:5000")
	_, err := s.Register(ctx, inst, time.Minute)
	require.NoError(t, err)
	require.NoError(t, mr.Set("services:blogging-api:garbage", "{not json"))

	list, err := s.ListByType(ctx, types.BloggingAPI)
	require.NoError(t, err)
	assert.Equal(t, []types.ServiceInstance{inst}, list)
}

func TestRedisStoreUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()
	s, err := NewRedisStore(context.Background(), client, 0, false)
	require.NoError(t, err)

	_, err = s.Register(context.Background(), instance(t, types.BloggingAPI, "http://a:1"), time.Minute)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
