package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces lock keys in a shared Redis
const keyPrefix = "sentinel:lock:"

// releaseScript deletes the key only when it still carries our owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript moves the expiry only when the key still carries our owner token
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisConfig holds the Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis is a Locker backed by SET NX PX with a per-instance owner token
type Redis struct {
	client *redis.Client
	owner  string
	keys   *held
}

var _ Locker = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisWithClient(client), nil
}

// NewRedisWithClient wraps an existing client
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, owner: uuid.NewString(), keys: newHeld()}
}

// Owner returns the token this instance writes into its locks
func (r *Redis) Owner() string {
	return r.owner
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, keyPrefix+key, r.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if ok {
		r.keys.add(key)
	}
	return ok, nil
}

func (r *Redis) Release(ctx context.Context, key string) error {
	r.keys.remove(key)
	if err := releaseScript.Run(ctx, r.client, []string{keyPrefix + key}, r.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, r.client, []string{keyPrefix + key}, r.owner, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to extend lock %s: %w", key, err)
	}
	if n == 0 {
		r.keys.remove(key)
		return false, nil
	}
	r.keys.add(key)
	return true, nil
}

func (r *Redis) Check(ctx context.Context, key string) (bool, error) {
	owner, err := r.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check lock %s: %w", key, err)
	}
	return owner == r.owner, nil
}

func (r *Redis) ReleaseAll(ctx context.Context) error {
	var errs []error
	for _, key := range r.keys.list() {
		if err := r.Release(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Redis) Held() []string {
	return r.keys.list()
}

// Close closes the Redis client
func (r *Redis) Close() error {
	return r.client.Close()
}
