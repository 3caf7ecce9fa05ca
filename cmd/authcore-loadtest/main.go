// Command authcore-loadtest measures session store throughput: family reads,
// refresh rotations, and contended rotations of a single family where every
// loser must trigger reuse revocation.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/authcore/session"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type family struct {
	mu   sync.Mutex
	sid  string
	hash [32]byte
	gen  uint64
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
}

func main() {
	var (
		families    = flag.Int("families", 50000, "number of session families to seed")
		concurrency = flag.Int("concurrency", 128, "concurrent workers")
		ops         = flag.Int("ops", 100000, "operations per phase")
		contenders  = flag.Int("contenders", 64, "workers racing on one family in the contention phase")
		redisAddr   = flag.String("redis-addr", os.Getenv("REDIS_ADDR"), "redis address; miniredis when empty")
		prefix      = flag.String("prefix", "ac-load", "key prefix")
	)
	flag.Parse()

	if *families <= 0 || *concurrency <= 0 || *ops <= 0 || *contenders <= 1 {
		fmt.Fprintln(os.Stderr, "families, concurrency and ops must be > 0; contenders must be > 1")
		os.Exit(2)
	}

	client, cleanup, err := connect(*redisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx := context.Background()
	store := session.NewStore(client, *prefix)

	fmt.Printf("seeding %d families...\n", *families)
	start := time.Now()
	states, err := seed(ctx, store, *families)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("seeded in %s\n", time.Since(start).Round(time.Millisecond))

	get := run(*ops, *concurrency, func(r *rand.Rand, _ int) error {
		_, err := store.Get(ctx, states[r.IntN(len(states))].sid)
		return err
	})
	rotate := run(*ops, *concurrency, func(r *rand.Rand, _ int) error {
		f := states[r.IntN(len(states))]
		f.mu.Lock()
		defer f.mu.Unlock()
		next := tokenHash(f.sid, f.gen+1)
		if _, err := store.Rotate(ctx, f.sid, f.hash, next, time.Now()); err != nil {
			return err
		}
		f.hash, f.gen = next, f.gen+1
		return nil
	})
	winners, reused := contend(ctx, store, *contenders)

	fmt.Println("---- results ----")
	printStats("get", get)
	printStats("rotate", rotate)
	fmt.Printf("contend: contenders=%d winners=%d reuse_detected=%d\n", *contenders, winners, reused)
	if winners != 1 {
		fmt.Fprintln(os.Stderr, "contended rotation must have exactly one winner")
		os.Exit(1)
	}
}

func connect(addr string) (redis.UniversalClient, func(), error) {
	if addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		fmt.Printf("using redis at %s\n", addr)
		return client, func() { _ = client.Close() }, nil
	}
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	fmt.Printf("using miniredis at %s\n", mr.Addr())
	return client, func() {
		_ = client.Close()
		mr.Close()
	}, nil
}

func seed(ctx context.Context, store *session.Store, n int) ([]*family, error) {
	now := time.Now()
	states := make([]*family, n)
	for i := range states {
		sid := "load-" + strconv.Itoa(i)
		f := &family{sid: sid, hash: tokenHash(sid, 0)}
		sess := &session.Session{
			SessionID:   sid,
			UserID:      "user-" + strconv.Itoa(i%1000),
			Role:        "user",
			DeviceTag:   "loadtest",
			RefreshHash: f.hash,
			CreatedAt:   now.UnixMilli(),
			RotatedAt:   now.UnixMilli(),
			ExpiresAt:   now.Add(24 * time.Hour).UnixMilli(),
		}
		if err := store.Create(ctx, sess, 24*time.Hour); err != nil {
			return nil, err
		}
		states[i] = f
	}
	return states, nil
}

func run(ops, concurrency int, op func(r *rand.Rand, i int) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    atomic.Int64
		failures  atomic.Int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, ops)
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker uint64) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), worker))
			local := make([]time.Duration, 0, ops/concurrency+1)
			for {
				i := int(cursor.Add(1)) - 1
				if i >= ops {
					break
				}
				t0 := time.Now()
				if err := op(r, i); err != nil {
					failures.Add(1)
				}
				local = append(local, time.Since(t0))
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
		}(uint64(w))
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures.Load())
}

// contend races every worker on the current token. Exactly one
// rotation may win; each loser sees reuse or a family already revoked.
func contend(ctx context.Context, store *session.Store, workers int) (winners, reused int64) {
	now := time.Now()
	sid := "contended"
	current := tokenHash(sid, 0)
	_ = store.Create(ctx, &session.Session{
		SessionID:   sid,
		UserID:      "contender",
		Role:        "user",
		RefreshHash: current,
		CreatedAt:   now.UnixMilli(),
		RotatedAt:   now.UnixMilli(),
		ExpiresAt:   now.Add(time.Hour).UnixMilli(),
	}, time.Hour)

	var (
		wg    sync.WaitGroup
		ready = make(chan struct{})
		won   atomic.Int64
		reuse atomic.Int64
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			<-ready
			_, err := store.Rotate(ctx, sid, current, tokenHash(sid, uint64(w)+1), time.Now())
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, session.ErrRefreshReuse):
				reuse.Add(1)
			}
		}(w)
	}
	close(ready)
	wg.Wait()
	return won.Load(), reuse.Load()
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	slices.Sort(samples)
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
	}
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	return sorted[(len(sorted)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	var rate float64
	if s.total > 0 {
		rate = float64(s.ops) / s.total.Seconds()
	}
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name, s.ops, s.failures,
		s.total.Round(time.Millisecond), rate,
		s.p50.Round(time.Microsecond), s.p95.Round(time.Microsecond), s.p99.Round(time.Microsecond),
	)
}

func tokenHash(sid string, gen uint64) [32]byte {
	buf := binary.BigEndian.AppendUint64([]byte(sid), gen)
	return sha256.Sum256(buf)
}
