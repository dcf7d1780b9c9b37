package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/MrEthical07/authcore/session"
)

type loadtestOptions struct {
	sessions    int
	concurrency int
	ops         int
	redisAddr   string
	prefix      string
}

func newLoadtestCmd() *cobra.Command {
	opts := &loadtestOptions{}
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Measure session read and refresh-rotation throughput against Redis",
		Long: `Seed sessions into Redis, then run a read phase and a rotation phase with
concurrent workers and print latency percentiles.

Without --redis-addr (or REDIS_ADDR) an embedded miniredis is used, which
measures the scripts rather than the network.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoadtest(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.sessions, "sessions", 100000, "number of sessions to seed")
	f.IntVar(&opts.concurrency, "concurrency", 256, "number of concurrent workers")
	f.IntVar(&opts.ops, "ops", 200000, "operations per phase")
	f.StringVar(&opts.redisAddr, "redis-addr", "", "redis address; REDIS_ADDR or miniredis when empty")
	f.StringVar(&opts.prefix, "prefix", "lt", "session key prefix")
	return cmd
}

type seededSession struct {
	id   string
	hash [32]byte
	mu   sync.Mutex
}

func runLoadtest(ctx context.Context, out io.Writer, opts *loadtestOptions) error {
	if opts.sessions <= 0 || opts.concurrency <= 0 || opts.ops <= 0 {
		return fmt.Errorf("sessions, concurrency and ops must be > 0")
	}

	addr := opts.redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start miniredis: %w", err)
		}
		defer mr.Close()
		addr = mr.Addr()
		fmt.Fprintf(out, "using miniredis at %s\n", addr)
	} else {
		fmt.Fprintf(out, "using redis at %s\n", addr)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	defer func() { _ = client.Close() }()

	store := session.NewStore(client, opts.prefix, session.Policy{
		IdleTTL:          24 * time.Hour,
		RememberTTL:      24 * time.Hour,
		RevokedRetention: time.Hour,
	})

	states := make([]seededSession, opts.sessions)
	fmt.Fprintf(out, "seeding %d sessions...\n", opts.sessions)
	startSeed := time.Now()
	for i := range states {
		states[i].id = fmt.Sprintf("sid-%d", i)
		states[i].hash = hashFor(i)
		if err := store.Save(ctx, buildSession(states[i].id, states[i].hash)); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	fmt.Fprintf(out, "seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	read := runPhase(opts.ops, opts.concurrency, 7919, func(r *rand.Rand, _ int) error {
		_, err := store.Get(ctx, states[r.Intn(len(states))].id)
		return err
	})
	rotate := runPhase(opts.ops, opts.concurrency, 6151, func(r *rand.Rand, i int) error {
		s := &states[r.Intn(len(states))]
		s.mu.Lock()
		defer s.mu.Unlock()
		next := nextHash(s.hash, i+1)
		if _, err := store.Rotate(ctx, s.id, s.hash, next, time.Now()); err != nil {
			return err
		}
		s.hash = next
		return nil
	})

	fmt.Fprintln(out, "---- results ----")
	printStats(out, "get", read)
	printStats(out, "rotate", rotate)
	return nil
}

// runPhase spreads ops calls of op over concurrency workers. The latency of
// each call, failed or not, is sampled.
func runPhase(ops, concurrency int, seed int64, op func(r *rand.Rand, i int) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    atomic.Int64
		failures  atomic.Int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*seed))
			for {
				i := int(cursor.Add(1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(r, i)
				d := time.Since(t0)
				if err != nil {
					failures.Add(1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures.Load())
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total, failures: failures}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(w io.Writer, name string, s phaseStats) {
	fmt.Fprintf(w, "%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

func buildSession(id string, refreshHash [32]byte) *session.Session {
	now := time.Now()
	return &session.Session{
		ID:          id,
		IdentityID:  "loadtest",
		TenantID:    "t0",
		Role:        "member",
		RefreshHash: refreshHash,
		CreatedAt:   now,
		LastSeenAt:  now,
		UserAgent:   "authd-loadtest",
	}
}

func hashFor(i int) [32]byte {
	var out [32]byte
	for j := range out {
		out[j] = byte((i + j*17 + 11) % 251)
	}
	return out
}

func nextHash(current [32]byte, salt int) [32]byte {
	out := current
	for i := range out {
		out[i] ^= byte((salt + i*13) & 0xFF)
	}
	return out
}
