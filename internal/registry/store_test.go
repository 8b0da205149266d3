package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/moonkev/flexdisco/internal/common/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instance(t *testing.T, st types.ServiceType, addrs ...string) types.ServiceInstance {
	t.Helper()
	inst, err := types.NewServiceInstance(uuid.New(), st, addrs)
	require.NoError(t, err)
	return inst
}

// storeContract exercises the semantics every backend shares, without relying on expiry.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()
	a := instance(t, types.BloggingAPI, "http://10.0.0.1:5000")
	b := instance(t, types.BloggingAPI, "http://10.0.0.2:5000")
	c := instance(t, types.IdentityAPI, "http://10.0.1.1:6000")

	t.Run("refresh unknown", func(t *testing.T) {
		ok, err := s.Refresh(ctx, a)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("register creates once", func(t *testing.T) {
		created, err := s.Register(ctx, a, time.Minute)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.Register(ctx, a, time.Minute)
		require.NoError(t, err)
		assert.False(t, created)
	})

	t.Run("refresh known", func(t *testing.T) {
		ok, err := s.Refresh(ctx, a)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("list", func(t *testing.T) {
		_, err := s.Register(ctx, b, time.Minute)
		require.NoError(t, err)
		_, err = s.Register(ctx, c, time.Minute)
		require.NoError(t, err)

		all, err := s.ListAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
		assert.ElementsMatch(t, []types.ServiceInstance{a, b}, all[types.BloggingAPI])
		assert.Equal(t, []types.ServiceInstance{c}, all[types.IdentityAPI])

		byType, err := s.ListByType(ctx, types.IdentityAPI)
		require.NoError(t, err)
		assert.Equal(t, []types.ServiceInstance{c}, byType)

		none, err := s.ListByType(ctx, types.EmailingAPI)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("register replaces addresses", func(t *testing.T) {
		moved := a
		moved.Addresses = []string{"http://10.0.0.9:5000"}
		created, err := s.Register(ctx, moved, time.Minute)
		require.NoError(t, err)
		assert.False(t, created)

		list, err := s.ListByType(ctx, types.BloggingAPI)
		require.NoError(t, err)
		assert.Contains(t, list, moved)
		assert.NotContains(t, list, a)
	})

	t.Run("unregister", func(t *testing.T) {
		existed, err := s.Unregister(ctx, a)
		require.NoError(t, err)
		assert.True(t, existed)

		existed, err = s.Unregister(ctx, a)
		require.NoError(t, err)
		assert.False(t, existed)

		ok, err := s.Refresh(ctx, a)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rejects non positive ttl", func(t *testing.T) {
		_, err := s.Register(ctx, a, 0)
		assert.Error(t, err)
	})
}
