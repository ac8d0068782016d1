package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// incrScript atomically bumps the window counter and arms its expiry on
// first increment.
var incrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisStore is a shared fixed-window counter for multi-replica
// deployments. The connection is established lazily, exactly once:
// concurrent early requests share the single in-flight attempt, and a
// failed attempt is cached so later requests do not each retry the
// handshake. Each failed attempt logs one connectivity warning, not one
// per request.
type RedisStore struct {
	URL    string
	Prefix string
	Log    *zap.SugaredLogger

	once    sync.Once
	client  *redis.Client
	connErr error
}

func NewRedisStore(url string, log *zap.SugaredLogger) *RedisStore {
	return &RedisStore{URL: url, Prefix: "rl:", Log: log}
}

func (s *RedisStore) connect() error {
	s.once.Do(func() {
		opts, err := redis.ParseURL(s.URL)
		if err != nil {
			s.connErr = fmt.Errorf("%w: parse %q: %v", ErrStoreUnavailable, s.URL, err)
			s.Log.Warnw("rate limit store connect failed", "url", s.URL, "err", err)
			return
		}
		cli := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cli.Ping(ctx).Err(); err != nil {
			s.connErr = fmt.Errorf("%w: ping %s: %v", ErrStoreUnavailable, opts.Addr, err)
			s.Log.Warnw("rate limit store connect failed", "addr", opts.Addr, "err", err)
			return
		}
		s.client = cli
	})
	return s.connErr
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := s.connect(); err != nil {
		return 0, err
	}
	res, err := incrScript.Run(ctx, s.client, []string{s.Prefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: incr: %v", ErrStoreUnavailable, err)
	}
	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: unexpected script result %T", ErrStoreUnavailable, res)
	}
	return count, nil
}
