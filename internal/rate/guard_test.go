package rate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGuard(t *testing.T, cfg Config) (*Guard, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	return New(rdb, cfg, clock.Now), mr, clock
}

func baseConfig() Config {
	return Config{
		Prefix:        "t",
		MaxFailures:   5,
		MaxIPFailures: 20,
		Window:        15 * time.Minute,
		LockDuration:  15 * time.Minute,
		FailOpen:      true,
	}
}

func TestConcurrentFailuresLockSixthAttempt(t *testing.T) {
	g, _, _ := newTestGuard(t, baseConfig())
	ctx := context.Background()
	key := Key{Identifier: "alice", IP: "10.0.0.1"}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Record(ctx, key, OutcomeFailure); err != nil {
				t.Errorf("record failed: %v", err)
			}
		}()
	}
	wg.Wait()

	d, err := g.Check(ctx, key)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !d.Locked {
		t.Fatal("expected sixth attempt to be locked")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 15*time.Minute {
		t.Fatalf("unexpected retry after %v", d.RetryAfter)
	}
}

func TestLockTripsExactlyOnce(t *testing.T) {
	g, _, _ := newTestGuard(t, baseConfig())
	ctx := context.Background()
	key := Key{Identifier: "alice", IP: "10.0.0.1"}

	tripped := 0
	for i := 0; i < 7; i++ {
		d, err := g.Record(ctx, key, OutcomeFailure)
		if err != nil {
			t.Fatalf("record failed: %v", err)
		}
		if d.Tripped {
			tripped++
		}
		if i >= 4 && !d.Locked {
			t.Fatalf("attempt %d should report locked", i+1)
		}
	}
	if tripped != 1 {
		t.Fatalf("expected one trip, got %d", tripped)
	}
}

func TestSuccessResetsIdentifierCounter(t *testing.T) {
	g, _, _ := newTestGuard(t, baseConfig())
	ctx := context.Background()
	key := Key{Identifier: "alice", IP: "10.0.0.1"}

	for i := 0; i < 4; i++ {
		if _, err := g.Record(ctx, key, OutcomeFailure); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	if _, err := g.Record(ctx, key, OutcomeSuccess); err != nil {
		t.Fatalf("record success failed: %v", err)
	}

	d, err := g.Record(ctx, key, OutcomeFailure)
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if d.Locked || d.Failures != 1 {
		t.Fatalf("expected counter restart at 1, got %+v", d)
	}
}

func TestLockExpiresWithClock(t *testing.T) {
	g, _, clock := newTestGuard(t, baseConfig())
	ctx := context.Background()
	key := Key{Identifier: "alice"}

	for i := 0; i < 5; i++ {
		if _, err := g.Record(ctx, key, OutcomeFailure); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	clock.Advance(15*time.Minute + time.Second)

	d, err := g.Check(ctx, key)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if d.Locked {
		t.Fatal("expected lock to lapse after lock duration")
	}
}

func TestWindowExpiryResetsCounter(t *testing.T) {
	g, mr, _ := newTestGuard(t, baseConfig())
	ctx := context.Background()
	key := Key{Identifier: "alice", IP: "10.0.0.1"}

	for i := 0; i < 4; i++ {
		if _, err := g.Record(ctx, key, OutcomeFailure); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	mr.FastForward(16 * time.Minute)

	d, err := g.Record(ctx, key, OutcomeFailure)
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if d.Failures != 1 || d.Locked {
		t.Fatalf("expected fresh window, got %+v", d)
	}
}

func TestIPBucketIsIndependent(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxIPFailures = 3
	g, _, _ := newTestGuard(t, cfg)
	ctx := context.Background()

	for _, user := range []string{"a", "b", "c"} {
		if _, err := g.Record(ctx, Key{Identifier: user, IP: "10.0.0.9"}, OutcomeFailure); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	d, err := g.Check(ctx, Key{Identifier: "d", IP: "10.0.0.9"})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !d.Locked {
		t.Fatal("expected source IP to be locked across identifiers")
	}

	d, err = g.Check(ctx, Key{Identifier: "d", IP: "10.0.0.10"})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if d.Locked {
		t.Fatal("other IPs must not be affected")
	}
}

func TestIdentifierIsCaseInsensitive(t *testing.T) {
	g, _, _ := newTestGuard(t, baseConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := g.Record(ctx, Key{Identifier: "Alice@Example.com"}, OutcomeFailure); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	d, err := g.Check(ctx, Key{Identifier: "alice@example.com"})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !d.Locked {
		t.Fatal("expected case variants to share a bucket")
	}
}

func TestBackendOutagePolicies(t *testing.T) {
	for _, failOpen := range []bool{true, false} {
		cfg := baseConfig()
		cfg.FailOpen = failOpen
		var degradedCalls int
		cfg.OnDegraded = func(context.Context, string, error) { degradedCalls++ }

		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis.Run failed: %v", err)
		}
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		mr.Close()
		g := New(rdb, cfg, nil)

		d, err := g.Check(context.Background(), Key{Identifier: "alice"})
		if failOpen {
			if err != nil || d.Locked || !d.Degraded {
				t.Fatalf("fail-open: expected degraded allow, got %+v err=%v", d, err)
			}
		} else if !errors.Is(err, ErrRedisUnavailable) {
			t.Fatalf("fail-closed: expected ErrRedisUnavailable, got %v", err)
		}
		if degradedCalls != 1 {
			t.Fatalf("expected degraded hook once, got %d", degradedCalls)
		}
	}
}
