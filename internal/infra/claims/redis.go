package claims

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// Redis is a registry shared by every orchestrator instance pointed at the
// same Redis. Claims carry a TTL so a crashed instance cannot hold servers
// forever.
type Redis struct {
	rdb *redis.Client
}

// NewRedis creates a redis-backed registry.
func NewRedis(cfg Config) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func claimKey(serverID string) string {
	return fmt.Sprintf("claim:server:%s", serverID)
}

func (r *Redis) Claim(ctx context.Context, serverID, ownerID string, ttl time.Duration) (bool, string, error) {
	key := claimKey(serverID)
	ok, err := r.rdb.SetNX(ctx, key, ownerID, ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("setnx failed: %w", err)
	}
	if ok {
		return true, ownerID, nil
	}

	owner, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		// Claim expired between SetNX and Get; retry once.
		ok, err := r.rdb.SetNX(ctx, key, ownerID, ttl).Result()
		if err != nil {
			return false, "", fmt.Errorf("setnx failed: %w", err)
		}
		if ok {
			return true, ownerID, nil
		}
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("get failed: %w", err)
	}
	if owner == ownerID {
		// Re-entrant claim, refresh the TTL.
		if err := r.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return false, "", fmt.Errorf("expire failed: %w", err)
		}
		return true, ownerID, nil
	}
	return false, owner, nil
}

func (r *Redis) Release(ctx context.Context, serverID, ownerID string) error {
	// Delete only if still held by ownerID.
	const script = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`
	return r.rdb.Eval(ctx, script, []string{claimKey(serverID)}, ownerID).Err()
}

func (r *Redis) Owner(ctx context.Context, serverID string) (string, error) {
	owner, err := r.rdb.Get(ctx, claimKey(serverID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get failed: %w", err)
	}
	return owner, nil
}
