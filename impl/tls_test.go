package impl

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorage(t *testing.T) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable at %v: %v", redisAddr, err)
	}

	//goland:noinspection GoUnhandledErrorResult
	defer rdb.Close()

	store := NewStorage(rdb)
	domain := "test-" + ksuid.New().String() + ".example.com"
	value := []byte("key value")

	defer store.Delete(ctx, domain)

	require.NoError(t, store.Lock(ctx, domain))
	require.NoError(t, store.Unlock(ctx, domain))
	require.Error(t, store.Unlock(ctx, domain))

	_, err := store.Load(ctx, domain)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.False(t, store.Exists(ctx, domain))

	require.NoError(t, store.Store(ctx, domain, value))
	assert.True(t, store.Exists(ctx, domain))

	b, err := store.Load(ctx, domain)
	require.NoError(t, err)
	assert.Equal(t, value, b)

	info, err := store.Stat(ctx, domain)
	require.NoError(t, err)
	assert.Equal(t, domain, info.Key)
	assert.Equal(t, int64(len(value)), info.Size)
	assert.True(t, info.IsTerminal)

	keys, err := store.List(ctx, "test-", true)
	require.NoError(t, err)
	assert.Contains(t, keys, domain)

	require.NoError(t, store.Delete(ctx, domain))
	_, err = store.Stat(ctx, domain)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}
