package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyValueStore_SetGetDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := setupTestRedis(t)
	store := NewKeyValueStore(client, "")
	ctx := context.Background()

	t.Run("set and get", func(t *testing.T) {
		value := []byte(`{"id":"user-1"}`)
		require.NoError(t, store.Set(ctx, "profile", value, 5*time.Minute))

		result, err := store.Get(ctx, "profile")
		require.NoError(t, err)
		assert.Equal(t, value, result)

		actualTTL := client.TTL(ctx, DefaultKeyPrefix+"profile").Val()
		assert.True(t, actualTTL > 0 && actualTTL <= 5*time.Minute)
	})

	t.Run("zero ttl persists", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "forever", []byte("x"), 0))
		assert.Equal(t, time.Duration(-1), client.TTL(ctx, DefaultKeyPrefix+"forever").Val())
	})

	t.Run("get non-existent key", func(t *testing.T) {
		result, err := store.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "gone", []byte("bye"), time.Minute))
		require.NoError(t, store.Delete(ctx, "gone"))

		exists, err := store.Exists(ctx, "gone")
		require.NoError(t, err)
		assert.False(t, exists)

		assert.NoError(t, store.Delete(ctx, "gone"), "deleting a missing key is not an error")
	})

	t.Run("prefix isolates keys", func(t *testing.T) {
		other := NewKeyValueStore(client, "other:")
		require.NoError(t, other.Set(ctx, "profile", []byte("other"), time.Minute))

		result, err := store.Get(ctx, "profile")
		require.NoError(t, err)
		assert.NotEqual(t, []byte("other"), result)
	})

	t.Run("health check", func(t *testing.T) {
		assert.NoError(t, store.Health(ctx))
	})
}

func TestKeyValueStore_Validation(t *testing.T) {
	client := setupTestRedis(t)
	store := NewKeyValueStore(client, "")
	ctx := context.Background()

	err := store.Set(ctx, "", []byte("value"), time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key cannot be empty")

	_, err = store.Get(ctx, "")
	require.Error(t, err)

	err = store.Delete(ctx, "")
	require.Error(t, err)

	_, err = store.Exists(ctx, "")
	require.Error(t, err)
}
