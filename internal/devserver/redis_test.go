package devserver

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	ctx := context.Background()

	t.Run("empty address disables redis", func(t *testing.T) {
		rdb, err := OpenRedis(ctx, "")
		require.NoError(t, err)
		assert.Nil(t, rdb)
		assert.False(t, NewNotifier(rdb).Enabled())
	})

	t.Run("bare address", func(t *testing.T) {
		rdb, err := OpenRedis(ctx, mr.Addr())
		require.NoError(t, err)
		defer func() { _ = rdb.Close() }()
		assert.True(t, NewNotifier(rdb).Enabled())
	})

	t.Run("url", func(t *testing.T) {
		rdb, err := OpenRedis(ctx, "redis://"+mr.Addr()+"/0")
		require.NoError(t, err)
		defer func() { _ = rdb.Close() }()
		require.NoError(t, rdb.Set(ctx, "k", "v", 0).Err())
		got, err := mr.Get("k")
		require.NoError(t, err)
		assert.Equal(t, "v", got)
	})

	t.Run("unreachable", func(t *testing.T) {
		_, err := OpenRedis(ctx, "127.0.0.1:1")
		assert.Error(t, err)
	})
}
