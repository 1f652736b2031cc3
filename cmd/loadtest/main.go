// cmd/loadtest/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/dmaresca/txpilot/internal/chain"
	"github.com/dmaresca/txpilot/internal/keyring"
	"github.com/dmaresca/txpilot/internal/orchestrator"
	"github.com/dmaresca/txpilot/pkg/config"
	"github.com/dmaresca/txpilot/pkg/logging"
	"github.com/dmaresca/txpilot/pkg/metrics"
)

// Command line flags
var (
	duration       = pflag.Duration("duration", 30*time.Second, "Test duration")
	numChains      = pflag.Int("chains", 2, "Number of simulated chains")
	numAccounts    = pflag.Int("accounts", 8, "Number of sender accounts")
	concurrency    = pflag.Int("concurrency", 16, "Number of concurrent submitters")
	submissionRate = pflag.Float64("rate", 200, "Target submissions per second")
	maxOutstanding = pflag.Int("max-outstanding", 16, "Per-account reservation budget")
	logLevel       = pflag.String("log-level", "error", "Log level for the submission core")
)

// Statistics
type Stats struct {
	submitted    uint64
	refused      uint64
	completed    uint64
	confirmed    uint64
	reverted     uint64
	dropped      uint64
	rejected     uint64
	latencySum   uint64
	latencyCount uint64
}

// statsSink tallies completion events as they retire.
type statsSink struct {
	stats *Stats
}

func (s *statsSink) Name() string { return "loadtest-stats" }

func (s *statsSink) Consume(ctx context.Context, rec *chain.SubmissionRecord, ev chain.CompletionEvent) error {
	atomic.AddUint64(&s.stats.completed, 1)
	switch ev.Outcome {
	case chain.StateConfirmed:
		atomic.AddUint64(&s.stats.confirmed, 1)
		latency := rec.CompletedAt.Sub(rec.EnqueuedAt).Microseconds()
		atomic.AddUint64(&s.stats.latencySum, uint64(latency))
		atomic.AddUint64(&s.stats.latencyCount, 1)
	case chain.StateReverted:
		atomic.AddUint64(&s.stats.reverted, 1)
	case chain.StateDropped:
		atomic.AddUint64(&s.stats.dropped, 1)
	default:
		atomic.AddUint64(&s.stats.rejected, 1)
	}
	return nil
}

func main() {
	pflag.Parse()

	// Print test configuration
	fmt.Printf("Load Test Configuration:\n")
	fmt.Printf("  Duration: %s\n", *duration)
	fmt.Printf("  Chains: %d\n", *numChains)
	fmt.Printf("  Accounts: %d\n", *numAccounts)
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Printf("  Target rate: %.0f/s\n", *submissionRate)
	fmt.Printf("  Max outstanding: %d\n", *maxOutstanding)

	// Create context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-signals
		fmt.Println("\nShutting down...")
		cancel()
	}()

	// Build a config of in-process simulated chains. Fast polling keeps
	// confirmation latency out of the measurement.
	cfg := &config.Config{
		Log:     config.LogConfig{Level: *logLevel, Environment: "loadtest"},
		Metrics: config.MetricsConfig{Namespace: "txpilot"},
	}
	for i := 0; i < *numChains; i++ {
		cfg.Chains = append(cfg.Chains, config.ChainConfig{
			ID:                   fmt.Sprintf("loadtest-%d", i),
			Name:                 fmt.Sprintf("loadtest chain %d", i),
			Endpoint:             "memory://",
			AccountConcurrency:   1,
			MaxOutstanding:       *maxOutstanding,
			QueueSize:            4096,
			MaxSimAttempts:       3,
			MaxBroadcastAttempts: 3,
			ConfirmTimeout:       10 * time.Second,
			PollInterval:         5 * time.Millisecond,
			RPCTimeout:           time.Second,
		})
	}

	logger := logging.New(logging.Config{
		Level:       logging.LogLevel(*logLevel),
		Output:      os.Stderr,
		ServiceName: "loadtest",
		Environment: "loadtest",
	})
	metricsCollector := metrics.New(metrics.Config{
		Namespace:   "txpilot",
		Subsystem:   "loadtest",
		ServiceName: "loadtest",
	})

	// Generate sender accounts
	fmt.Printf("Generating %d test accounts...\n", *numAccounts)
	keys := keyring.NewLocalKeyring()
	accounts := make([]string, *numAccounts)
	for i := range accounts {
		addr, err := keys.Generate()
		if err != nil {
			log.Fatalf("Failed to generate account: %v", err)
		}
		accounts[i] = addr
	}

	// Build and start the submission core
	core, err := orchestrator.New(cfg, keys, logger, metricsCollector)
	if err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}

	stats := &Stats{}
	core.AddSink(&statsSink{stats: stats})

	if err := core.Start(ctx); err != nil {
		log.Fatalf("Failed to start orchestrator: %v", err)
	}

	// Start load test
	fmt.Printf("Starting load test for %s...\n", *duration)

	testCtx, testCancel := context.WithTimeout(ctx, *duration)
	defer testCancel()

	var wg sync.WaitGroup

	// Channel for controlling rate
	rateLimiter := make(chan struct{}, *concurrency*2)

	// Start rate limiter
	go func() {
		interval := time.Duration(float64(time.Second) / *submissionRate)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-testCtx.Done():
				return
			case <-ticker.C:
				select {
				case rateLimiter <- struct{}{}:
				default:
					// Channel is full, skip
				}
			}
		}
	}()

	// Start submitter goroutines
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go submitter(testCtx, i, core, cfg, accounts, rateLimiter, stats, &wg)
	}

	// Start stats reporter
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()
	lastCompleted := uint64(0)

	go func() {
		for {
			select {
			case <-testCtx.Done():
				return
			case <-ticker.C:
				submitted := atomic.LoadUint64(&stats.submitted)
				refused := atomic.LoadUint64(&stats.refused)
				completed := atomic.LoadUint64(&stats.completed)
				confirmed := atomic.LoadUint64(&stats.confirmed)

				delta := completed - lastCompleted
				lastCompleted = completed

				elapsed := time.Since(startTime).Seconds()
				fmt.Printf("\rRate: %d/s, Submitted: %d, Refused: %d, Completed: %d, Confirmed: %d, Overall: %.1f/s",
					delta, submitted, refused, completed, confirmed, float64(completed)/elapsed)
			}
		}
	}()

	// Wait for the test window to close
	<-testCtx.Done()
	wg.Wait()

	// Let in-flight submissions retire before stopping
	grace := time.Now().Add(10 * time.Second)
	for atomic.LoadUint64(&stats.completed) < atomic.LoadUint64(&stats.submitted) && time.Now().Before(grace) {
		time.Sleep(50 * time.Millisecond)
	}
	core.Stop()

	// Print final stats
	submitted := atomic.LoadUint64(&stats.submitted)
	refused := atomic.LoadUint64(&stats.refused)
	completed := atomic.LoadUint64(&stats.completed)
	confirmed := atomic.LoadUint64(&stats.confirmed)
	reverted := atomic.LoadUint64(&stats.reverted)
	dropped := atomic.LoadUint64(&stats.dropped)
	rejected := atomic.LoadUint64(&stats.rejected)
	latencySum := atomic.LoadUint64(&stats.latencySum)
	latencyCount := atomic.LoadUint64(&stats.latencyCount)

	var avgLatency uint64
	if latencyCount > 0 {
		avgLatency = latencySum / latencyCount
	}

	elapsed := time.Since(startTime).Seconds()
	confirmRate := 0.0
	if submitted > 0 {
		confirmRate = float64(confirmed) / float64(submitted) * 100
	}

	fmt.Printf("\n\nLoad Test Results:\n")
	fmt.Printf("  Test Duration: %.2f seconds\n", elapsed)
	fmt.Printf("  Submitted: %d (refused at intake: %d)\n", submitted, refused)
	fmt.Printf("  Completed: %d\n", completed)
	fmt.Printf("  Confirmed: %d (%.2f%%)\n", confirmed, confirmRate)
	fmt.Printf("  Reverted: %d, Dropped: %d, Rejected: %d\n", reverted, dropped, rejected)
	fmt.Printf("  Throughput: %.2f confirmed/s\n", float64(confirmed)/elapsed)
	fmt.Printf("  Average Confirmation Latency: %d µs\n", avgLatency)
}

// submitter feeds requests into the core at the shared rate.
func submitter(ctx context.Context, id int, core *orchestrator.Orchestrator, cfg *config.Config, accounts []string, rateLimiter <-chan struct{}, stats *Stats, wg *sync.WaitGroup) {
	defer wg.Done()

	r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-rateLimiter:
			senderIndex := r.Intn(len(accounts))
			recipientIndex := (senderIndex + 1 + r.Intn(len(accounts)-1)) % len(accounts)
			chainID := cfg.Chains[r.Intn(len(cfg.Chains))].ID

			amount := big.NewInt(int64(1 + r.Intn(1000)))
			req := chain.NewTransactionRequest(chainID, accounts[senderIndex], accounts[recipientIndex], amount, nil, 21000)

			if err := core.Submit(ctx, req); err != nil {
				// Backpressure and exhaustion are expected at high rates.
				atomic.AddUint64(&stats.refused, 1)
				continue
			}
			atomic.AddUint64(&stats.submitted, 1)
		}
	}
}
