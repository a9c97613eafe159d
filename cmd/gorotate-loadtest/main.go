package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	mrand "math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	goRotate "github.com/MrEthical07/goRotate"
)

type familyState struct {
	access  string
	refresh string
	mu      sync.Mutex
}

type principals struct{}

func (principals) GetPrincipal(_ context.Context, id string) (goRotate.Principal, error) {
	return goRotate.Principal{ID: id, Email: id + "@loadtest.local", Role: "member"}, nil
}

func main() {
	var (
		families    = flag.Int("families", 10000, "number of families to seed")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 100000, "operations per phase (verify + rotate)")
		contenders  = flag.Int("contenders", 16, "concurrent redemptions of one token in the contention phase")
		contended   = flag.Int("contended", 200, "families used by the contention phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		configDir   = flag.String("config", "", "directory holding gorotate.yaml; defaults are used when empty")
	)
	flag.Parse()

	if *families <= 0 || *concurrency <= 0 || *ops <= 0 || *contenders <= 1 || *contended <= 0 {
		fmt.Fprintln(os.Stderr, "families, concurrency, ops and contended must be > 0; contenders must be > 1")
		os.Exit(2)
	}
	if *contended > *families {
		*contended = *families
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg, err := loadConfig(*configDir)
	if err != nil {
		logger.WithError(err).Fatal("config")
	}
	// the rotation phase redeems the same families far above any sane budget
	cfg.Security.EnableRefreshThrottle = false

	client, cleanup := connectRedis(*redisAddr)
	defer cleanup()

	engine, err := goRotate.New().
		WithConfig(cfg).
		WithRedis(client).
		WithPrincipalProvider(principals{}).
		WithLogger(logger).
		WithMetricsEnabled(true).
		WithLatencyHistograms(true).
		Build()
	if err != nil {
		logger.WithError(err).Fatal("build engine")
	}
	defer engine.Close()

	ctx := context.Background()
	states := make([]familyState, *families)
	fmt.Printf("seeding %d families...\n", *families)
	startSeed := time.Now()
	for i := range states {
		pair, err := engine.Login(ctx, goRotate.Principal{
			ID:    fmt.Sprintf("u-%d", i),
			Email: fmt.Sprintf("u-%d@loadtest.local", i),
			Role:  "member",
		})
		if err != nil {
			logger.WithError(err).Fatal("login")
		}
		states[i].access = pair.AccessToken
		states[i].refresh = pair.RefreshToken
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	verifyStats := runPhase(*ops, *concurrency, 7919, func(r *mrand.Rand) error {
		s := &states[r.Intn(len(states))]
		s.mu.Lock()
		tok := s.access
		s.mu.Unlock()
		_, err := engine.VerifyAccess(tok)
		return err
	})

	rotateStats := runPhase(*ops, *concurrency, 6151, func(r *mrand.Rand) error {
		s := &states[r.Intn(len(states))]
		s.mu.Lock()
		defer s.mu.Unlock()
		pair, err := engine.Refresh(ctx, s.refresh)
		if err != nil {
			return err
		}
		s.access = pair.AccessToken
		s.refresh = pair.RefreshToken
		return nil
	})

	violations := runContention(ctx, engine, states[:*contended], *contenders)

	fmt.Println("---- results ----")
	printStats("verify", verifyStats)
	printStats("rotate", rotateStats)
	fmt.Printf("contention: families=%d contenders=%d violations=%d\n", *contended, *contenders, violations)

	snap := engine.MetricsSnapshot()
	fmt.Printf("metrics: refresh_success=%d replay_detected=%d family_revoked=%d storage_unavailable=%d\n",
		snap.Counters[goRotate.MetricRefreshSuccess],
		snap.Counters[goRotate.MetricRefreshReplayDetected],
		snap.Counters[goRotate.MetricRefreshFamilyRevoked],
		snap.Counters[goRotate.MetricStorageUnavailable],
	)

	if violations > 0 {
		os.Exit(1)
	}
}

func loadConfig(dir string) (goRotate.Config, error) {
	cfg := goRotate.DefaultConfig()
	if dir != "" {
		loaded, err := goRotate.LoadConfig(dir)
		if err != nil {
			return goRotate.Config{}, err
		}
		cfg = loaded
	}
	if cfg.Validate() == nil {
		return cfg, nil
	}

	// no key material configured; sign with a throwaway root secret
	root := make([]byte, 32)
	if _, err := rand.Read(root); err != nil {
		return goRotate.Config{}, err
	}
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.RootSecret = root
	return cfg, cfg.Validate()
}

func connectRedis(addr string) (redis.UniversalClient, func()) {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		fmt.Printf("using miniredis at %s\n", mr.Addr())
		return client, func() {
			_ = client.Close()
			mr.Close()
		}
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	fmt.Printf("using redis at %s\n", addr)
	return client, func() { _ = client.Close() }
}

func runPhase(ops, concurrency int, seed int64, op func(*mrand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := mrand.New(mrand.NewSource(time.Now().UnixNano() + int64(worker)*seed))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(r)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

// runContention redeems each family's head token from several goroutines at
// once and counts families where more than one redemption succeeded or a loser
// saw anything other than a reauthentication error.
func runContention(ctx context.Context, engine *goRotate.Engine, states []familyState, contenders int) int {
	violations := 0
	for i := range states {
		token := states[i].refresh

		var (
			wg      sync.WaitGroup
			winners int64
			odd     int64
		)
		start := make(chan struct{})
		for c := 0; c < contenders; c++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := engine.Refresh(ctx, token)
				switch {
				case err == nil:
					atomic.AddInt64(&winners, 1)
				case errors.Is(err, goRotate.ErrReauthenticate):
				default:
					atomic.AddInt64(&odd, 1)
				}
			}()
		}
		close(start)
		wg.Wait()

		if winners > 1 || odd > 0 {
			violations++
		}
	}
	return violations
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
		return phaseStats{total: total}
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

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
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
