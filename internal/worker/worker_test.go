// internal/worker/worker_test.go
package worker

import (
	"context"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmaresca/txpilot/internal/chain"
	"github.com/dmaresca/txpilot/internal/keyring"
	"github.com/dmaresca/txpilot/internal/nonce"
	"github.com/dmaresca/txpilot/internal/pipeline"
	"github.com/dmaresca/txpilot/internal/simulate"
	"github.com/dmaresca/txpilot/pkg/errors"
	"github.com/dmaresca/txpilot/pkg/logging"
)

const recipient = "0xbbb0000000000000000000000000000000000002"

func testLogger() *logging.Logger {
	return logging.New(logging.Config{
		Level:       logging.ErrorLevel,
		Output:      io.Discard,
		ServiceName: "test",
		Environment: "test",
	})
}

type harness struct {
	endpoint    *chain.MemoryEndpoint
	allocator   *nonce.Allocator
	keys        *keyring.LocalKeyring
	worker      *Worker
	completions chan chain.CompletionEvent
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	ep := chain.NewMemoryEndpoint("testchain")
	keys := keyring.NewLocalKeyring()

	alloc := nonce.NewAllocator(ep, nonce.Options{
		ChainID:        "testchain",
		MaxOutstanding: 64,
		Logger:         testLogger(),
	})
	sim := simulate.New(ep, simulate.Config{
		ChainID:     "testchain",
		MaxAttempts: 2,
		Logger:      testLogger(),
	})
	pipe := pipeline.New(ep, alloc, sim, keys, pipeline.Config{
		ChainID:              "testchain",
		MaxBroadcastAttempts: 1,
		ConfirmTimeout:       2 * time.Second,
		PollInterval:         time.Millisecond,
		Logger:               testLogger(),
	})

	cfg.ChainID = "testchain"
	cfg.Logger = testLogger()
	completions := make(chan chain.CompletionEvent, 256)
	w := New(pipe, alloc, completions, cfg)

	return &harness{endpoint: ep, allocator: alloc, keys: keys, worker: w, completions: completions}
}

func (h *harness) newSender(t *testing.T) string {
	t.Helper()
	sender, err := h.keys.Generate()
	require.NoError(t, err)
	return sender
}

func (h *harness) submit(t *testing.T, sender string) *chain.TransactionRequest {
	t.Helper()
	req := chain.NewTransactionRequest("testchain", sender, recipient, big.NewInt(1), nil, 21000)
	task := &Task{Record: chain.NewSubmissionRecord(req), Ticket: pipeline.NewTicket()}
	require.NoError(t, h.worker.Submit(task))
	return req
}

func (h *harness) waitEvents(t *testing.T, n int) []chain.CompletionEvent {
	t.Helper()
	out := make([]chain.CompletionEvent, 0, n)
	deadline := time.After(10 * time.Second)
	for len(out) < n {
		select {
		case ev := <-h.completions:
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("got %d of %d completion events", len(out), n)
		}
	}
	return out
}

func TestWorkerConfirmsInOrder(t *testing.T) {
	h := newHarness(t, Config{QueueSize: 64, AccountConcurrency: 1})
	sender := h.newSender(t)

	h.worker.Start(context.Background())
	defer h.worker.Stop()

	const n = 5
	for i := 0; i < n; i++ {
		h.submit(t, sender)
	}

	events := h.waitEvents(t, n)
	for i, ev := range events {
		assert.Equal(t, chain.StateConfirmed, ev.Outcome)
		assert.Equal(t, uint64(i), ev.Nonce, "per-account order must match intake order")
	}
}

func TestWorkerAccountsIndependent(t *testing.T) {
	h := newHarness(t, Config{QueueSize: 64, AccountConcurrency: 1})
	slow := h.newSender(t)
	fast := h.newSender(t)

	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }

	h.endpoint.SimulateHook = func(frame chain.CallFrame) (*chain.SimulationResult, error) {
		if frame.Sender == slow {
			<-gate
		}
		return &chain.SimulationResult{Status: chain.SimSafe, GasUsed: 21000, GasPrice: big.NewInt(1)}, nil
	}

	h.worker.Start(context.Background())
	defer h.worker.Stop()
	defer release()

	h.submit(t, slow)
	h.submit(t, fast)

	// The fast account completes while the slow one is stuck in simulation.
	ev := h.waitEvents(t, 1)[0]
	assert.Equal(t, fast, ev.Sender)
	assert.Equal(t, chain.StateConfirmed, ev.Outcome)

	release()
	ev = h.waitEvents(t, 1)[0]
	assert.Equal(t, slow, ev.Sender)
	assert.Equal(t, chain.StateConfirmed, ev.Outcome)
}

func TestWorkerQueueFull(t *testing.T) {
	h := newHarness(t, Config{QueueSize: 1, AccountConcurrency: 1})
	sender := h.newSender(t)

	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }

	h.endpoint.SimulateHook = func(frame chain.CallFrame) (*chain.SimulationResult, error) {
		<-gate
		return &chain.SimulationResult{Status: chain.SimSafe, GasUsed: 21000, GasPrice: big.NewInt(1)}, nil
	}

	h.worker.Start(context.Background())
	defer h.worker.Stop()
	defer release()

	h.submit(t, sender)

	req := chain.NewTransactionRequest("testchain", sender, recipient, big.NewInt(1), nil, 21000)
	err := h.worker.Submit(&Task{Record: chain.NewSubmissionRecord(req), Ticket: pipeline.NewTicket()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrQueueFull))
	assert.True(t, errors.IsSubmissionError(err, errors.SubmissionErrQueueFull))

	// The refused task never entered the pipeline: exactly one event arrives.
	release()
	events := h.waitEvents(t, 1)
	assert.Equal(t, chain.StateConfirmed, events[0].Outcome)
	select {
	case ev := <-h.completions:
		t.Fatalf("unexpected extra completion event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWorkerStopDrainsAdmitted(t *testing.T) {
	h := newHarness(t, Config{QueueSize: 64, AccountConcurrency: 1})
	sender := h.newSender(t)

	h.worker.Start(context.Background())

	const n = 8
	ids := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		req := h.submit(t, sender)
		ids[req.ID] = true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.worker.Stop()
	}()
	events := h.waitEvents(t, n)
	<-done

	terminal := map[chain.State]bool{
		chain.StateConfirmed: true,
		chain.StateReverted:  true,
		chain.StateDropped:   true,
		chain.StateRejected:  true,
	}
	for _, ev := range events {
		assert.True(t, terminal[ev.Outcome], "outcome %s is not terminal", ev.Outcome)
		assert.True(t, ids[ev.RequestID], "event for unknown request %s", ev.RequestID)
		delete(ids, ev.RequestID)
	}
	assert.Empty(t, ids, "every admitted submission must produce its event")
}

func TestWorkerRejectsAfterStop(t *testing.T) {
	h := newHarness(t, Config{QueueSize: 4, AccountConcurrency: 1})
	sender := h.newSender(t)

	h.worker.Start(context.Background())
	h.worker.Stop()

	req := chain.NewTransactionRequest("testchain", sender, recipient, big.NewInt(1), nil, 21000)
	err := h.worker.Submit(&Task{Record: chain.NewSubmissionRecord(req), Ticket: pipeline.NewTicket()})
	require.Error(t, err)
	assert.True(t, errors.IsSubmissionError(err, errors.SubmissionErrRejected))
}

func TestWorkerStats(t *testing.T) {
	h := newHarness(t, Config{QueueSize: 16, AccountConcurrency: 1})
	sender := h.newSender(t)

	h.worker.Start(context.Background())
	defer h.worker.Stop()

	h.submit(t, sender)
	h.waitEvents(t, 1)

	stats := h.worker.Stats()
	assert.Equal(t, "testchain", stats.ChainID)
	assert.Equal(t, int64(0), stats.InFlight)
	assert.Equal(t, 0, stats.Queued)
}

func TestPoolStartStop(t *testing.T) {
	completions := make(chan chain.CompletionEvent, 64)

	build := func(chainID string) *Worker {
		ep := chain.NewMemoryEndpoint(chainID)
		keys := keyring.NewLocalKeyring()
		alloc := nonce.NewAllocator(ep, nonce.Options{ChainID: chainID, MaxOutstanding: 8, Logger: testLogger()})
		sim := simulate.New(ep, simulate.Config{ChainID: chainID, MaxAttempts: 1, Logger: testLogger()})
		pipe := pipeline.New(ep, alloc, sim, keys, pipeline.Config{
			ChainID: chainID, MaxBroadcastAttempts: 1,
			ConfirmTimeout: time.Second, PollInterval: time.Millisecond,
			Logger: testLogger(),
		})
		return New(pipe, alloc, completions, Config{ChainID: chainID, QueueSize: 8, AccountConcurrency: 1, Logger: testLogger()})
	}

	pool := NewPool(testLogger())
	pool.Add(build("alpha"))
	pool.Add(build("beta"))

	assert.Equal(t, []string{"alpha", "beta"}, pool.Chains())

	_, ok := pool.Get("alpha")
	assert.True(t, ok)
	_, ok = pool.Get("gamma")
	assert.False(t, ok)

	pool.Start(context.Background())
	pool.Start(context.Background()) // second start is a no-op
	pool.Stop()

	stats := pool.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "alpha", stats[0].ChainID)
	assert.Equal(t, "beta", stats[1].ChainID)
}
