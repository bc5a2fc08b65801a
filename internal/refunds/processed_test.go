package refunds

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisProcessedStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisProcessedStore(client, time.Hour)
	ctx := context.Background()

	done, err := store.AlreadyProcessed(ctx, "appointment:a1:refund")
	require.NoError(t, err)
	assert.False(t, done)

	ok, err := store.MarkProcessed(ctx, "appointment:a1:refund")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkProcessed(ctx, "appointment:a1:refund")
	require.NoError(t, err)
	assert.False(t, ok)

	done, err = store.AlreadyProcessed(ctx, "appointment:a1:refund")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, time.Hour, mr.TTL("refunds:processed:appointment:a1:refund"))
}

func TestMemoryProcessedStore(t *testing.T) {
	store := NewMemoryProcessedStore()
	ctx := context.Background()

	ok, _ := store.MarkProcessed(ctx, "k")
	assert.True(t, ok)
	ok, _ = store.MarkProcessed(ctx, "k")
	assert.False(t, ok)
	done, _ := store.AlreadyProcessed(ctx, "k")
	assert.True(t, done)
}
