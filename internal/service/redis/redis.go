package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Nil is returned by reads of a missing key.
var Nil = redis.Nil

type (
	RedisService struct {
		rdb *redis.Client
	}

	// Script is a server-side Lua script, loaded lazily by EVALSHA.
	Script = redis.Script
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

func NewScript(src string) *Script {
	return redis.NewScript(src)
}

func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisService) Close() error {
	return r.rdb.Close()
}

func (r *RedisService) RPush(ctx context.Context, key string, value ...any) error {
	return r.rdb.RPush(ctx, key, value...).Err()
}

// Drain reads and deletes the list at key in one transaction.
func (r *RedisService) Drain(ctx context.Context, key string) ([]string, error) {
	var items *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		items = p.LRange(ctx, key, 0, -1)
		p.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items.Val(), nil
}

func (r *RedisService) Del(ctx context.Context, keys ...string) error {
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *RedisService) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *RedisService) Get(ctx context.Context, key string) (string, error) {
	return r.rdb.Get(ctx, key).Result()
}

func (r *RedisService) GetBytes(ctx context.Context, key string) ([]byte, error) {
	return r.rdb.Get(ctx, key).Bytes()
}

func (r *RedisService) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *RedisService) SAdd(ctx context.Context, key string, members ...any) error {
	return r.rdb.SAdd(ctx, key, members...).Err()
}

func (r *RedisService) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.rdb.SMembers(ctx, key).Result()
}

func (r *RedisService) SRem(ctx context.Context, key string, members ...any) error {
	return r.rdb.SRem(ctx, key, members...).Err()
}

func (r *RedisService) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.rdb.Expire(ctx, key, ttl).Err()
}

// incrWithin increments KEYS[1] and gives it a PEXPIRE of ARGV[1] whenever
// it has none, so a counter can never outlive its window.
var incrWithin = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// IncrWithin increments a fixed-window counter, starting the window on the
// first hit.
func (r *RedisService) IncrWithin(ctx context.Context, key string, window time.Duration) (int64, error) {
	return incrWithin.Run(ctx, r.rdb, []string{key}, window.Milliseconds()).Int64()
}

// TxPipelined queues fn's commands in one MULTI/EXEC.
func (r *RedisService) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	_, err := r.rdb.TxPipelined(ctx, fn)
	return err
}

func (r *RedisService) Run(ctx context.Context, script *Script, keys []string, args ...any) *redis.Cmd {
	return script.Run(ctx, r.rdb, keys, args...)
}

// Watch runs fn inside an optimistic transaction over keys. A concurrent
// write to any watched key makes EXEC fail with redis.TxFailedErr.
func (r *RedisService) Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	return r.rdb.Watch(ctx, fn, keys...)
}

func IsTxFailed(err error) bool {
	return errors.Is(err, redis.TxFailedErr)
}
