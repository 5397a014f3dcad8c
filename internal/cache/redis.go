// Package cache keeps short-lived service token credentials in redis so that a fleet of API
// instances can share them, along with the per-user lock that keeps those instances from running
// the refresh chain for the same user at once. Refresh tokens never go through here.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/unggoy/unggoy-api/internal/platform"
)

const DefaultKeyPrefix = "unggoy:service-token:"

type RedisTokenCache struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// Connect accepts either a redis:// URL or a bare host:port.
func Connect(ctx context.Context, redisURL string) (*RedisTokenCache, error) {
	var opts *redis.Options
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: redisURL}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisTokenCache(client, DefaultKeyPrefix), nil
}

// NewRedisTokenCache wraps an existing client, e.g. one pointed at miniredis.
func NewRedisTokenCache(client redis.UniversalClient, keyPrefix string) *RedisTokenCache {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisTokenCache{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

type entry struct {
	ServiceToken   string    `json:"serviceToken"`
	ClearanceToken string    `json:"clearanceToken,omitempty"`
	PlatformUserID string    `json:"xuid"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

func (c *RedisTokenCache) key(userID string) string {
	return c.keyPrefix + userID
}

// Get returns nil, nil on a miss.
func (c *RedisTokenCache) Get(ctx context.Context, userID string) (*platform.Credentials, error) {
	raw, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("corrupt cache entry: %w", err)
	}

	return &platform.Credentials{
		ServiceToken:   e.ServiceToken,
		ClearanceToken: e.ClearanceToken,
		PlatformUserID: e.PlatformUserID,
		ExpiresAt:      e.ExpiresAt,
	}, nil
}

// Set stores creds until they expire. Already expired credentials evict any existing entry.
func (c *RedisTokenCache) Set(ctx context.Context, userID string, creds platform.Credentials) error {
	ttl := creds.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return c.Delete(ctx, userID)
	}

	raw, err := json.Marshal(entry{
		ServiceToken:   creds.ServiceToken,
		ClearanceToken: creds.ClearanceToken,
		PlatformUserID: creds.PlatformUserID,
		ExpiresAt:      creds.ExpiresAt,
	})
	if err != nil {
		return err
	}

	return c.client.Set(ctx, c.key(userID), raw, ttl).Err()
}

func (c *RedisTokenCache) Delete(ctx context.Context, userID string) error {
	return c.client.Del(ctx, c.key(userID)).Err()
}

// releaseLock deletes the lock only while it still holds our token, so a lock that expired and
// was taken by another instance is left alone.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (c *RedisTokenCache) lockKey(userID string) string {
	return c.keyPrefix + userID + ":lock"
}

// Lock tries once to take the refresh lock for userID. ok is false when another holder has it.
// The lock expires on its own after ttl.
func (c *RedisTokenCache) Lock(ctx context.Context, userID string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	key := c.lockKey(userID)

	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		// the caller's context may already be done
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseLock.Run(uctx, c.client, []string{key}, token).Err()
	}

	return unlock, true, nil
}

func (c *RedisTokenCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisTokenCache) Close() error {
	return c.client.Close()
}
