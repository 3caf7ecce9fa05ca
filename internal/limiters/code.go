package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrCodeRateLimited = errors.New("code attempts exhausted")
	ErrCodeUnavailable = errors.New("code limiter unavailable")
)

// CodeLimiterConfig bounds wrong codes per account within Window.
type CodeLimiterConfig struct {
	Prefix      string
	MaxFailures int
	Window      time.Duration
}

// CodeLimiter counts wrong codes per account in a fixed window that starts
// at the first failure.
type CodeLimiter struct {
	redis       redis.UniversalClient
	prefix      string
	maxFailures int64
	window      time.Duration
}

const recordFailureScript = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`

var recordFailureLua = redis.NewScript(recordFailureScript)

func NewCodeLimiter(redisClient redis.UniversalClient, cfg CodeLimiterConfig) *CodeLimiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "ac"
	}
	return &CodeLimiter{
		redis:       redisClient,
		prefix:      cfg.Prefix,
		maxFailures: int64(cfg.MaxFailures),
		window:      cfg.Window,
	}
}

func (l *CodeLimiter) key(userID string) string {
	return l.prefix + ":cfl:" + userID
}

// Check returns ErrCodeRateLimited and the remaining window once the budget
// is spent.
func (l *CodeLimiter) Check(ctx context.Context, userID string) (time.Duration, error) {
	if l == nil {
		return 0, nil
	}
	pipe := l.redis.Pipeline()
	get := pipe.Get(ctx, l.key(userID))
	ttl := pipe.PTTL(ctx, l.key(userID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%w: %v", ErrCodeUnavailable, err)
	}

	count, err := get.Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrCodeUnavailable, err)
	}
	if count < l.maxFailures {
		return 0, nil
	}
	return retryAfter(ttl.Val(), l.window), ErrCodeRateLimited
}

// RecordFailure counts one wrong code. It reports ErrCodeRateLimited when
// this failure spent the budget.
func (l *CodeLimiter) RecordFailure(ctx context.Context, userID string) (time.Duration, error) {
	if l == nil {
		return 0, nil
	}
	res, err := recordFailureLua.Run(ctx, l.redis, []string{l.key(userID)}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCodeUnavailable, err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("%w: unexpected script reply", ErrCodeUnavailable)
	}
	if res[0] < l.maxFailures {
		return 0, nil
	}
	return retryAfter(time.Duration(res[1])*time.Millisecond, l.window), ErrCodeRateLimited
}

func (l *CodeLimiter) Reset(ctx context.Context, userID string) error {
	if l == nil {
		return nil
	}
	if err := l.redis.Del(ctx, l.key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCodeUnavailable, err)
	}
	return nil
}

// retryAfter falls back to the full window when the key has no TTL.
func retryAfter(ttl, window time.Duration) time.Duration {
	if ttl <= 0 {
		return window
	}
	return ttl
}
