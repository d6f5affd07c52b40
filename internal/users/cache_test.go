package users

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*ProfileCache, *miniredis.Miniredis) {
	t.Helper()
	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewProfileCache(client, 5*time.Minute), mini
}

func TestProfileCacheFetchPopulatesAndHits(t *testing.T) {
	cache, mini := newTestCache(t)
	ctx := context.Background()

	loads := 0
	loader := func(context.Context) (*User, error) {
		loads++
		return &User{ID: 1, Subject: "u1", Tier: TierFree}, nil
	}

	first, err := cache.Fetch(ctx, "u1", loader)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, 1, loads)
	assert.True(t, mini.Exists("users:profile:u1"))

	second, err := cache.Fetch(ctx, "u1", loader)
	require.NoError(t, err)
	assert.Equal(t, first.Subject, second.Subject)
	assert.Equal(t, 1, loads, "a warm cache must not hit the store")
}

func TestProfileCacheInvalidateDropsEntry(t *testing.T) {
	cache, mini := newTestCache(t)
	ctx := context.Background()

	loads := 0
	loader := func(context.Context) (*User, error) {
		loads++
		return &User{ID: 1, Subject: "u1"}, nil
	}
	_, err := cache.Fetch(ctx, "u1", loader)
	require.NoError(t, err)

	cache.Invalidate(ctx, "u1")
	assert.False(t, mini.Exists("users:profile:u1"))

	_, err = cache.Fetch(ctx, "u1", loader)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}

func TestProfileCacheDegradesWhenRedisDown(t *testing.T) {
	cache, mini := newTestCache(t)
	mini.Close()

	user, err := cache.Fetch(context.Background(), "u1", func(context.Context) (*User, error) {
		return &User{ID: 7, Subject: "u1"}, nil
	})
	require.NoError(t, err, "a lost cache degrades to the loader")
	assert.Equal(t, int64(7), user.ID)
}

func TestProfileCacheLoaderErrorPropagates(t *testing.T) {
	cache, _ := newTestCache(t)

	wantErr := errors.New("store down")
	_, err := cache.Fetch(context.Background(), "u1", func(context.Context) (*User, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestProfileCachePoisonedEntryIsRewritten(t *testing.T) {
	cache, mini := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, mini.Set("users:profile:u1", "{not json"))

	user, err := cache.Fetch(ctx, "u1", func(context.Context) (*User, error) {
		return &User{ID: 3, Subject: "u1"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), user.ID)

	raw, err := mini.Get("users:profile:u1")
	require.NoError(t, err)
	assert.Contains(t, raw, `"subject":"u1"`)
}
