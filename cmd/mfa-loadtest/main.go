package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	mrand "math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/MrEthical07/goMFA/secrets"
	"github.com/MrEthical07/goMFA/store/memory"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// userState serializes one user's rounds; a second initiate would replace
// the code another worker is about to submit.
type userState struct {
	id        string
	mu        sync.Mutex
	elevation string
}

// codeSink records the last code sent to each user instead of delivering it.
type codeSink struct {
	codes sync.Map
}

func (s *codeSink) Send(_ context.Context, msg goMFA.Message) error {
	s.codes.Store(msg.UserID, msg.Params["code"])
	return nil
}

func (s *codeSink) code(userID string) string {
	v, _ := s.codes.Load(userID)
	code, _ := v.(string)
	return code
}

func main() {
	var (
		users       = flag.Int("users", 1000, "number of users to enroll")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "operations per phase (email round trip + elevation check)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "mfa-load", "redis key prefix")
	)
	flag.Parse()

	if *users <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "users, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()
	client, cleanup, err := openRedis(*redisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	sink := &codeSink{}
	engine, err := buildEngine(client, sink, *prefix, *ops)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	states := make([]*userState, *users)
	fmt.Printf("enrolling %d users...\n", *users)
	startSeed := time.Now()
	for i := range states {
		id := fmt.Sprintf("load-user-%d", i)
		if err := engine.SetContact(ctx, "loadtest", id, goMFA.FactorEmail, id+"@example.com"); err != nil {
			fmt.Fprintf(os.Stderr, "set contact: %v\n", err)
			os.Exit(1)
		}
		states[i] = &userState{id: id}
	}
	fmt.Printf("enrolled in %s\n", time.Since(startSeed).Round(time.Millisecond))

	emailStats := runPhase(*ops, *concurrency, func(r *mrand.Rand) error {
		return emailRound(ctx, engine, sink, states[r.Intn(len(states))])
	})
	elevationStats := runPhase(*ops, *concurrency, func(r *mrand.Rand) error {
		st := states[r.Intn(len(states))]
		st.mu.Lock()
		token := st.elevation
		st.mu.Unlock()
		if token == "" {
			return nil
		}
		_, err := engine.ValidateElevation(ctx, token)
		return err
	})

	fmt.Println("---- results ----")
	printStats("email initiate+verify", emailStats)
	printStats("validate elevation", elevationStats)
	if dropped := engine.AuditDropped(); dropped > 0 {
		fmt.Printf("audit entries dropped: %d\n", dropped)
	}
}

func openRedis(addr string) (redis.UniversalClient, func(), error) {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
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

func buildEngine(client redis.UniversalClient, sink goMFA.ChannelSender, prefix string, ops int) (*goMFA.Engine, error) {
	cfg := goMFA.DefaultConfig()
	cfg.Elevation.SigningMethod = "hs256"
	cfg.Elevation.PrivateKey = randomKey()
	cfg.Security.OTPPepper = randomKey()
	cfg.Security.BackupPepper = randomKey()
	cfg.Security.KeyingSecret = randomKey()
	cfg.Security.RedisPrefix = prefix
	// The run measures latency, not abuse limits.
	unlimited := goMFA.RatePolicy{MaxHits: ops + 1, Window: time.Hour}
	cfg.RateLimit.VerifyPerUser = unlimited
	cfg.RateLimit.VerifyPerIP = unlimited
	cfg.RateLimit.SendPerUser = unlimited

	sealer, err := secrets.NewAESGCM(map[byte][]byte{1: randomKey()}, 1)
	if err != nil {
		return nil, err
	}
	return goMFA.New().
		WithConfig(cfg).
		WithRedis(client).
		WithProfileStore(memory.New()).
		WithSecretStore(sealer).
		WithChannel(goMFA.FactorEmail, sink).
		Build()
}

func emailRound(ctx context.Context, engine *goMFA.Engine, sink *codeSink, st *userState) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, err := engine.InitiateFactor(ctx, goMFA.InitiateRequest{UserID: st.id, Factor: goMFA.FactorEmail}); err != nil {
		return err
	}
	res, err := engine.VerifyFactor(ctx, goMFA.VerifyRequest{
		UserID: st.id,
		Factor: goMFA.FactorEmail,
		Token:  sink.code(st.id),
	})
	if err != nil {
		return err
	}
	st.elevation = res.ElevationToken
	return nil
}

// runPhase runs ops calls of op across concurrency workers and records the
// latency of each call.
func runPhase(ops, concurrency int, op func(r *mrand.Rand) error) phaseStats {
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
			r := mrand.New(mrand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				if int(atomic.AddInt64(&cursor, 1)) > ops {
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

func randomKey() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}
