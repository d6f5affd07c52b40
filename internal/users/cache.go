package users

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const profileKeyPrefix = "users:profile:"

// ProfileCache is a read-through Redis cache for profile lookups. Cached
// rows carry the same ciphertext as the store, never decrypted values.
type ProfileCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewProfileCache instantiates the cache helper.
func NewProfileCache(client *redis.Client, ttl time.Duration) *ProfileCache {
	return &ProfileCache{client: client, ttl: ttl}
}

// Fetch loads the cached profile or populates it via the loader. Redis
// failures degrade to the loader so reads survive a lost cache.
func (c *ProfileCache) Fetch(ctx context.Context, subject string, loader func(context.Context) (*User, error)) (*User, error) {
	if loader == nil {
		return nil, errors.New("users: cache loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	payload, err := c.client.Get(ctx, profileKey(subject)).Bytes()
	if err == nil {
		var u User
		if err := json.Unmarshal(payload, &u); err == nil {
			return &u, nil
		}
		// Poisoned entry, fall through and rewrite it.
	} else if err != redis.Nil {
		return loader(ctx)
	}
	user, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(user); err == nil {
		_ = c.client.Set(ctx, profileKey(subject), raw, c.ttl).Err()
	}
	return user, nil
}

// Invalidate drops the cached profile after a write.
func (c *ProfileCache) Invalidate(ctx context.Context, subject string) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Del(ctx, profileKey(subject)).Err()
}

func profileKey(subject string) string {
	return profileKeyPrefix + subject
}
