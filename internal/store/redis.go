package store

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Lua scripts keep compare-and-swap and owner-checked delete atomic on the
// server; go-redis caches them by SHA after the first EVAL.
var (
	casScript = redis.NewScript(`
		local current = redis.call("GET", KEYS[1])
		if ARGV[1] == "" then
			if current then return 0 end
		else
			if not current or current ~= ARGV[1] then return 0 end
		end
		if tonumber(ARGV[3]) > 0 then
			redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
		else
			redis.call("SET", KEYS[1], ARGV[2])
		end
		return 1
	`)

	deleteIfValueScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
)

// RedisStore is the production StateStore.
type RedisStore struct {
	client *redis.Client
	tracer trace.Tracer
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	TLS      bool
}

// NewRedisStore creates a StateStore backed by the given Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	if client == nil {
		panic("store: redis client cannot be nil")
	}
	return &RedisStore{
		client: client,
		tracer: otel.Tracer("bookingcore.internal.store"),
	}
}

// NewRedisClient builds a go-redis client from connection options.
func NewRedisClient(opts RedisOptions) *redis.Client {
	ro := &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
	}
	if opts.TLS {
		ro.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(ro)
}

// Ping verifies connectivity at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store: redis ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, span := s.tracer.Start(ctx, "store.get")
	defer span.End()

	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		span.RecordError(err)
		return "", false, fmt.Errorf("store: get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, span := s.tracer.Start(ctx, "store.set")
	defer span.End()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "store.set_if_absent")
	defer span.End()

	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("store: setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key, old, new string, ttl time.Duration) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "store.compare_and_swap")
	defer span.End()

	res, err := casScript.Run(ctx, s.client, []string{key}, old, new, ttl.Milliseconds()).Int()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("store: cas %s: %w", key, err)
	}
	return res == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, span := s.tracer.Start(ctx, "store.delete")
	defer span.End()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("store: del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) DeleteIfValue(ctx context.Context, key, expect string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "store.delete_if_value")
	defer span.End()

	res, err := deleteIfValueScript.Run(ctx, s.client, []string{key}, expect).Int()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("store: delete-if-value %s: %w", key, err)
	}
	return res == 1, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, span := s.tracer.Start(ctx, "store.ttl")
	defer span.End()

	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("store: pttl %s: %w", key, err)
	}
	// go-redis passes through the sentinel replies untouched: -2 for a
	// missing key, -1 for a key with no expiry.
	switch d {
	case -2:
		return 0, ErrNotFound
	case -1:
		return 0, nil
	}
	return d, nil
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "store.keys")
	defer span.End()

	var out []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("store: scan %s: %w", prefix, err)
	}
	return out, nil
}
