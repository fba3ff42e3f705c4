package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript sets the lease unless another session holds it.
var claimScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'session')
if cur and cur ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'session', ARGV[1], 'heartbeat', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// heartbeatScript extends the lease only when held by the session.
var heartbeatScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'session') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'heartbeat', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// releaseScript deletes the lease only when held by the session.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'session') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisConfig represents the redis lease store configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr" default:"localhost:6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key" default:"sentinel:lease"`
}

// RedisStore is a lease store backed by a redis hash expiring with the lease.
type RedisStore struct {
	client *redis.Client
	key    string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore initializes a new redis lease store.
func NewRedisStore(ctx context.Context, cfg *RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{client: client, key: cfg.Key}, nil
}

// Close closes the redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Claim claims the lease for the provided session.
func (s *RedisStore) Claim(ctx context.Context, sessionID string, ttl time.Duration, force bool) (bool, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if force {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.key, "session", sessionID, "heartbeat", now)
			pipe.PExpire(ctx, s.key, ttl)
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("forcing lease claim: %w", err)
		}
		return true, nil
	}

	res, err := claimScript.Run(ctx, s.client, []string{s.key}, sessionID, now, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("claiming lease: %w", err)
	}

	return res == 1, nil
}

// Heartbeat extends the lease held by the provided session.
func (s *RedisStore) Heartbeat(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	res, err := heartbeatScript.Run(ctx, s.client, []string{s.key}, sessionID, now, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extending lease: %w", err)
	}

	return res == 1, nil
}

// Release releases the lease if held by the provided session.
func (s *RedisStore) Release(ctx context.Context, sessionID string) error {
	err := releaseScript.Run(ctx, s.client, []string{s.key}, sessionID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("releasing lease: %w", err)
	}

	return nil
}

// Current returns the current lease.
func (s *RedisStore) Current(ctx context.Context) (*Lease, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching lease: %w", err)
	}
	if fields["session"] == "" {
		return nil, nil
	}

	ttl, err := s.client.PTTL(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching lease ttl: %w", err)
	}

	ms, err := strconv.ParseInt(fields["heartbeat"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing lease heartbeat: %w", err)
	}

	return &Lease{
		SessionID: fields["session"],
		Active:    true,
		Heartbeat: time.UnixMilli(ms),
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}
