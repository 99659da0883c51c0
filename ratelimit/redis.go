package ratelimit

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript performs evict + count + conditional append atomically on the
// Redis side. Members are scored by microsecond timestamps; a per-process
// sequence number keeps members unique when two admissions share a tick.
//
//	KEYS[1] = window key
//	ARGV[1] = now (microseconds)
//	ARGV[2] = window (microseconds)
//	ARGV[3] = max requests
//	ARGV[4] = unique member suffix
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
if redis.call('ZCARD', key) >= max then
	return 0
end
redis.call('ZADD', key, now, ARGV[1] .. '-' .. ARGV[4])
redis.call('PEXPIRE', key, math.ceil(window / 1000))
return 1
`)

// RedisWindow is a sliding-window limiter backed by a Redis sorted set,
// for deployments where several instances must share one budget per identity.
type RedisWindow struct {
	cfg       Config
	client    redis.UniversalClient
	keyPrefix string
	seq       atomic.Uint64
}

// NewRedisWindow creates a Redis-backed sliding-window limiter. Zero or
// negative config fields fall back to defaults.
func NewRedisWindow(client redis.UniversalClient, cfg Config) *RedisWindow {
	def := DefaultConfig()
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &RedisWindow{
		cfg:       cfg,
		client:    client,
		keyPrefix: "pipewarden:ratelimit:",
	}
}

// Allow implements Limiter. A Redis error is returned to the caller, which
// decides the admission policy for an unreachable store.
func (r *RedisWindow) Allow(ctx context.Context, identity string) (bool, error) {
	now := time.Now().UnixMicro()
	res, err := allowScript.Run(ctx, r.client,
		[]string{r.keyPrefix + identity},
		now,
		r.cfg.Window.Microseconds(),
		r.cfg.MaxRequests,
		strconv.FormatUint(r.seq.Add(1), 10),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

var _ Limiter = (*Window)(nil)
var _ Limiter = (*RedisWindow)(nil)
