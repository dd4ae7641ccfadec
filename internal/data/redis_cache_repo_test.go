package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/etl-loader/internal/testutil"
)

func TestRedisCacheRepo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := testutil.SetupTestRedis(t)
	repo := NewRedisCacheRepo(client, "etl-test:")
	ctx := context.Background()

	t.Run("set and get with prefix", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, "transform:upper", []byte(`{"code":"value"}`), time.Minute))

		got, err := repo.Get(ctx, "transform:upper")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"code":"value"}`), got)

		raw, err := client.Get(ctx, "etl-test:transform:upper").Result()
		require.NoError(t, err)
		assert.Equal(t, `{"code":"value"}`, raw)

		ttl := client.TTL(ctx, "etl-test:transform:upper").Val()
		assert.True(t, ttl > 0 && ttl <= time.Minute)
	})

	t.Run("missing key", func(t *testing.T) {
		got, err := repo.Get(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("delete and exists", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, "gone", []byte("x"), 0))
		ok, err := repo.Exists(ctx, "gone")
		require.NoError(t, err)
		assert.True(t, ok)

		deleted, err := repo.Delete(ctx, "gone")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = repo.Delete(ctx, "gone")
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("set if not exists", func(t *testing.T) {
		ok, err := repo.SetIfNotExists(ctx, "once", []byte("1"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.SetIfNotExists(ctx, "once", []byte("2"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("publish reaches subscribers", func(t *testing.T) {
		sub := client.Subscribe(ctx, "etl:events:test")
		defer sub.Close()
		_, err := sub.Receive(ctx)
		require.NoError(t, err)

		require.NoError(t, repo.Publish(ctx, "etl:events:test", []byte(`{"event_type":"load_completed"}`)))

		select {
		case msg := <-sub.Channel():
			assert.JSONEq(t, `{"event_type":"load_completed"}`, msg.Payload)
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	})

	t.Run("empty key rejected", func(t *testing.T) {
		err := repo.Set(ctx, "", nil, 0)
		require.ErrorIs(t, err, errEmptyKey)
	})
}
