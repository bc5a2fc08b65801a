package velocity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestCheckerAllowsUpToLimit(t *testing.T) {
	_, client := setupTestRedis(t)
	checker := NewChecker(client, Config{MaxSubmissions: 3, Window: time.Hour}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := checker.Allow(ctx, "0xpatient")
		require.NoError(t, err)
		assert.True(t, ok, "submission %d", i+1)
	}
	ok, err := checker.Allow(ctx, "0xpatient")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = checker.Allow(ctx, "0xother")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckerWindowExpires(t *testing.T) {
	mr, client := setupTestRedis(t)
	checker := NewChecker(client, Config{MaxSubmissions: 1, Window: time.Hour}, nil)
	ctx := context.Background()

	ok, _ := checker.Allow(ctx, "0xpatient")
	require.True(t, ok)
	ok, _ = checker.Allow(ctx, "0xpatient")
	require.False(t, ok)

	assert.Equal(t, time.Hour, mr.TTL("velocity:submit:0xpatient"))
	mr.FastForward(time.Hour + time.Second)

	ok, err := checker.Allow(ctx, "0xpatient")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckerReset(t *testing.T) {
	_, client := setupTestRedis(t)
	checker := NewChecker(client, Config{MaxSubmissions: 1, Window: time.Hour}, nil)
	ctx := context.Background()

	_, _ = checker.Allow(ctx, "0xpatient")
	require.NoError(t, checker.Reset(ctx, "0xpatient"))
	ok, err := checker.Allow(ctx, "0xpatient")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckerFailsOpen(t *testing.T) {
	mr, client := setupTestRedis(t)
	checker := NewChecker(client, DefaultConfig(), nil)
	mr.Close()

	ok, err := checker.Allow(context.Background(), "0xpatient")
	assert.True(t, ok)
	assert.Error(t, err)
}

func TestCheckerDisabled(t *testing.T) {
	_, client := setupTestRedis(t)
	checker := NewChecker(client, Config{MaxSubmissions: 0}, nil)
	for i := 0; i < 5; i++ {
		ok, err := checker.Allow(context.Background(), "0xpatient")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
