package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/logging"
)

var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// Redis shares windows across replicas. When Redis cannot answer, the
// process-local fallback decides so admission never blocks on the cache.
type Redis struct {
	client   *redis.Client
	window   time.Duration
	prefix   string
	fallback *Memory
	logger   *zap.Logger
}

func NewRedis(client *redis.Client, w time.Duration, prefix string, logger *zap.Logger) *Redis {
	if w <= 0 {
		w = time.Minute
	}
	if prefix == "" {
		prefix = "guardrails:rl:"
	}
	return &Redis{
		client:   client,
		window:   w,
		prefix:   prefix,
		fallback: NewMemory(w),
		logger:   logging.OrNop(logger),
	}
}

func (l *Redis) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.client == nil {
		return l.fallback.Allow(ctx, key, limit)
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	res, err := windowScript.Run(ctx, l.client, []string{l.prefix + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil || len(res) < 2 {
		l.logger.Warn("rate limit store unavailable, using local window", zap.Error(err))
		return l.fallback.Allow(ctx, key, limit)
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl < 0 {
		ttl = l.window
	}
	return decide(int(res[0]), limit, time.Now().UTC().Add(ttl))
}
