package rate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Outcome is the result of a credential check being recorded.
type Outcome int

const (
	OutcomeFailure Outcome = iota
	OutcomeSuccess
)

// Config holds guard thresholds.
type Config struct {
	Prefix        string
	MaxFailures   int
	MaxIPFailures int
	Window        time.Duration
	LockDuration  time.Duration
	// FailOpen allows attempts when Redis is unreachable. OnDegraded is
	// called with the backend error every time that happens.
	FailOpen   bool
	OnDegraded func(ctx context.Context, op string, err error)
}

// Key identifies the buckets an attempt is charged to. IP may be empty, in
// which case only the identifier bucket is used.
type Key struct {
	Identifier string
	IP         string
}

// Decision is the guard verdict for one Check or Record call.
type Decision struct {
	Locked     bool
	RetryAfter time.Duration
	// Failures is the pair counter after a recorded failure.
	Failures int
	// Tripped is true when this call created the identifier lock.
	Tripped bool
	// Degraded is true when the verdict came from the fail-open policy.
	Degraded bool
}

// recordFailureLua increments a window counter and creates the lock when the
// threshold is reached.
// KEYS[1] = counter key, KEYS[2] = lock key
// ARGV[1] = window ms, ARGV[2] = threshold, ARGV[3] = lock ms,
// ARGV[4] = now unix ms, ARGV[5] = lock deadline unix ms
// Returns {count, deadline}; count is -1 when a lock was already active.
var recordFailureLua = redis.NewScript(`
local existing = redis.call('GET', KEYS[2])
if existing and tonumber(existing) > tonumber(ARGV[4]) then
  return {-1, tonumber(existing)}
end
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
if count >= tonumber(ARGV[2]) then
  redis.call('SET', KEYS[2], ARGV[5], 'PX', ARGV[3])
  redis.call('DEL', KEYS[1])
  return {count, tonumber(ARGV[5])}
end
return {count, 0}
`)

// Guard enforces per-identifier and per-IP failure budgets.
type Guard struct {
	redis  redis.UniversalClient
	config Config
	now    func() time.Time
}

// New creates a [Guard]. now defaults to time.Now.
func New(redisClient redis.UniversalClient, cfg Config, now func() time.Time) *Guard {
	if cfg.Prefix == "" {
		cfg.Prefix = "ac"
	}
	if now == nil {
		now = time.Now
	}
	return &Guard{redis: redisClient, config: cfg, now: now}
}

// Check reports whether an attempt for key may proceed. It never mutates
// counters.
func (g *Guard) Check(ctx context.Context, key Key) (Decision, error) {
	lockKeys := []string{g.pairLockKey(key)}
	if key.IP != "" && g.config.MaxIPFailures > 0 {
		lockKeys = append(lockKeys, g.ipLockKey(key.IP))
	}

	pipe := g.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(lockKeys))
	for i, k := range lockKeys {
		cmds[i] = pipe.Get(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return g.degrade(ctx, "check", err)
	}

	nowMs := g.now().UnixMilli()
	var decision Decision
	for _, cmd := range cmds {
		deadline, err := cmd.Int64()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return g.degrade(ctx, "check", err)
		}
		decision = mergeLock(decision, deadline, nowMs)
	}
	return decision, nil
}

// Record charges outcome to key. Failures increment both buckets; success
// clears the identifier bucket only, so one valid account cannot reset the
// budget of a source IP that is spraying others.
func (g *Guard) Record(ctx context.Context, key Key, outcome Outcome) (Decision, error) {
	if outcome == OutcomeSuccess {
		if err := g.redis.Del(ctx, g.pairCounterKey(key)).Err(); err != nil {
			return g.degrade(ctx, "reset", err)
		}
		return Decision{}, nil
	}

	nowMs := g.now().UnixMilli()
	decision, err := g.recordFailure(ctx, g.pairCounterKey(key), g.pairLockKey(key), g.config.MaxFailures, nowMs)
	if err != nil {
		return g.degrade(ctx, "record", err)
	}

	if key.IP != "" && g.config.MaxIPFailures > 0 {
		ipDecision, err := g.recordFailure(ctx, g.ipCounterKey(key.IP), g.ipLockKey(key.IP), g.config.MaxIPFailures, nowMs)
		if err != nil {
			return g.degrade(ctx, "record", err)
		}
		if ipDecision.Locked {
			decision.Locked = true
			if ipDecision.RetryAfter > decision.RetryAfter {
				decision.RetryAfter = ipDecision.RetryAfter
			}
		}
	}
	return decision, nil
}

// CheckAndRecord records outcome and returns the resulting verdict.
func (g *Guard) CheckAndRecord(ctx context.Context, key Key, outcome Outcome) (Decision, error) {
	decision, err := g.Check(ctx, key)
	if err != nil || decision.Locked {
		return decision, err
	}
	return g.Record(ctx, key, outcome)
}

// Unlock removes the identifier lock and counter. Administrative use only.
func (g *Guard) Unlock(ctx context.Context, key Key) error {
	if err := g.redis.Del(ctx, g.pairCounterKey(key), g.pairLockKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (g *Guard) recordFailure(ctx context.Context, counterKey, lockKey string, threshold int, nowMs int64) (Decision, error) {
	deadlineMs := nowMs + g.config.LockDuration.Milliseconds()
	res, err := recordFailureLua.Run(
		ctx,
		g.redis,
		[]string{counterKey, lockKey},
		g.config.Window.Milliseconds(),
		threshold,
		g.config.LockDuration.Milliseconds(),
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(deadlineMs, 10),
	).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 2 {
		return Decision{}, errors.New("invalid rate script response")
	}

	count, deadline := res[0], res[1]
	if count < 0 {
		return mergeLock(Decision{}, deadline, nowMs), nil
	}
	decision := Decision{Failures: int(count)}
	if deadline > 0 {
		decision = mergeLock(decision, deadline, nowMs)
		decision.Tripped = true
	}
	return decision, nil
}

func (g *Guard) degrade(ctx context.Context, op string, err error) (Decision, error) {
	if g.config.OnDegraded != nil {
		g.config.OnDegraded(ctx, op, err)
	}
	if g.config.FailOpen {
		return Decision{Degraded: true}, nil
	}
	return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
}

func mergeLock(d Decision, deadlineMs, nowMs int64) Decision {
	if deadlineMs <= nowMs {
		return d
	}
	retry := time.Duration(deadlineMs-nowMs) * time.Millisecond
	d.Locked = true
	if retry > d.RetryAfter {
		d.RetryAfter = retry
	}
	return d
}

func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func (g *Guard) pairCounterKey(k Key) string {
	return g.config.Prefix + ":rlf:" + normalizeIdentifier(k.Identifier) + "|" + k.IP
}

func (g *Guard) pairLockKey(k Key) string {
	return g.config.Prefix + ":rll:" + normalizeIdentifier(k.Identifier) + "|" + k.IP
}

func (g *Guard) ipCounterKey(ip string) string {
	return g.config.Prefix + ":rlf:ip|" + ip
}

func (g *Guard) ipLockKey(ip string) string {
	return g.config.Prefix + ":rll:ip|" + ip
}
