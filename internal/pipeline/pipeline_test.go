// internal/pipeline/pipeline_test.go
package pipeline

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
	endpoint  *chain.MemoryEndpoint
	allocator *nonce.Allocator
	keys      *keyring.LocalKeyring
	pipeline  *Pipeline
	sender    string
}

// newHarness wires a pipeline against an in-process chain. The override, when
// non-nil, replaces the endpoint the pipeline drives; the allocator and
// simulator always talk to the memory endpoint underneath.
func newHarness(t *testing.T, override chain.Endpoint) *harness {
	t.Helper()

	ep := chain.NewMemoryEndpoint("testchain")
	keys := keyring.NewLocalKeyring()
	sender, err := keys.Generate()
	require.NoError(t, err)

	alloc := nonce.NewAllocator(ep, nonce.Options{
		ChainID:        "testchain",
		MaxOutstanding: 16,
		Logger:         testLogger(),
	})
	sim := simulate.New(ep, simulate.Config{
		ChainID:     "testchain",
		MaxAttempts: 2,
		Logger:      testLogger(),
	})

	var pipelineEndpoint chain.Endpoint = ep
	if override != nil {
		pipelineEndpoint = override
	}
	p := New(pipelineEndpoint, alloc, sim, keys, Config{
		ChainID:              "testchain",
		MaxBroadcastAttempts: 2,
		ConfirmTimeout:       2 * time.Second,
		PollInterval:         time.Millisecond,
		Logger:               testLogger(),
	})

	return &harness{endpoint: ep, allocator: alloc, keys: keys, pipeline: p, sender: sender}
}

func (h *harness) request() *chain.TransactionRequest {
	return chain.NewTransactionRequest("testchain", h.sender, recipient, big.NewInt(1000), nil, 21000)
}

func (h *harness) run(req *chain.TransactionRequest) (chain.CompletionEvent, *chain.SubmissionRecord, *Ticket) {
	rec := chain.NewSubmissionRecord(req)
	ticket := NewTicket()
	ev := h.pipeline.Run(context.Background(), rec, ticket)
	return ev, rec, ticket
}

// seedBroadcast signs and broadcasts the request directly, bypassing the
// pipeline. The handle is deterministic, so a later pipeline run for the same
// request lands on the same pooled transaction.
func (h *harness) seedBroadcast(t *testing.T, req *chain.TransactionRequest, nonce uint64) string {
	t.Helper()
	hd, err := h.keys.Acquire(context.Background(), req.Sender)
	require.NoError(t, err)
	signed, err := chain.Sign(req, nonce, hd)
	require.NoError(t, err)
	handle, err := h.endpoint.Broadcast(context.Background(), signed)
	require.NoError(t, err)
	return handle
}

func TestRunConfirmed(t *testing.T) {
	h := newHarness(t, nil)

	ev, rec, ticket := h.run(h.request())

	assert.Equal(t, chain.StateConfirmed, ev.Outcome)
	assert.Equal(t, chain.StateConfirmed, ticket.State())
	assert.True(t, ev.NonceUsed)
	assert.Equal(t, uint64(0), ev.Nonce)
	assert.NotEmpty(t, ev.Handle)
	assert.Equal(t, uint64(21000), ev.GasUsed)
	assert.False(t, rec.CompletedAt.IsZero())
	assert.Equal(t, 0, h.allocator.Outstanding(h.sender))
}

func TestRunSequentialNonces(t *testing.T) {
	h := newHarness(t, nil)

	ev1, _, _ := h.run(h.request())
	ev2, _, _ := h.run(h.request())

	assert.Equal(t, chain.StateConfirmed, ev1.Outcome)
	assert.Equal(t, chain.StateConfirmed, ev2.Outcome)
	assert.Equal(t, uint64(0), ev1.Nonce)
	assert.Equal(t, uint64(1), ev2.Nonce)
}

func TestRunSimulationRejectReleasesNonce(t *testing.T) {
	h := newHarness(t, nil)
	h.endpoint.SimulateHook = func(frame chain.CallFrame) (*chain.SimulationResult, error) {
		return &chain.SimulationResult{Status: chain.SimReverting, Revert: "transfer amount exceeds balance"}, nil
	}

	ev, rec, _ := h.run(h.request())

	assert.Equal(t, chain.StateRejected, ev.Outcome)
	assert.Equal(t, "transfer amount exceeds balance", ev.Reason)
	assert.False(t, ev.NonceUsed)
	assert.True(t, rec.NonceReserved)
	assert.Equal(t, 0, h.allocator.Outstanding(h.sender))

	// The refused submission consumed nothing; the number is reused.
	h.endpoint.SimulateHook = nil
	ev, _, _ = h.run(h.request())
	assert.Equal(t, chain.StateConfirmed, ev.Outcome)
	assert.Equal(t, uint64(0), ev.Nonce)
}

func TestRunBroadcastRejectReleasesNonce(t *testing.T) {
	h := newHarness(t, nil)
	h.endpoint.BroadcastHook = func(tx *chain.SignedTransaction) error {
		return errors.NewEndpointError(errors.EndpointErrBroadcastRejected, "replacement transaction underpriced", nil)
	}

	ev, _, _ := h.run(h.request())

	assert.Equal(t, chain.StateRejected, ev.Outcome)
	assert.Contains(t, ev.Reason, "underpriced")
	assert.False(t, ev.NonceUsed)
	assert.Equal(t, int64(0), h.allocator.Stats().Poisoned, "a definitive rejection is clean, not ambiguous")

	h.endpoint.BroadcastHook = nil
	ev, _, _ = h.run(h.request())
	assert.Equal(t, chain.StateConfirmed, ev.Outcome)
	assert.Equal(t, uint64(0), ev.Nonce)
}

func TestRunReserveBudgetExhausted(t *testing.T) {
	ep := chain.NewMemoryEndpoint("testchain")
	keys := keyring.NewLocalKeyring()
	sender, err := keys.Generate()
	require.NoError(t, err)

	alloc := nonce.NewAllocator(ep, nonce.Options{
		ChainID:        "testchain",
		MaxOutstanding: 1,
		Logger:         testLogger(),
	})
	sim := simulate.New(ep, simulate.Config{
		ChainID:     "testchain",
		MaxAttempts: 2,
		Logger:      testLogger(),
	})
	p := New(ep, alloc, sim, keys, Config{
		ChainID:              "testchain",
		ReserveRetryBudget:   1,
		MaxBroadcastAttempts: 2,
		ConfirmTimeout:       2 * time.Second,
		PollInterval:         time.Millisecond,
		Logger:               testLogger(),
	})

	// A held reservation occupies the account's only slot.
	held, err := alloc.Reserve(context.Background(), sender)
	require.NoError(t, err)

	req := chain.NewTransactionRequest("testchain", sender, recipient, big.NewInt(1000), nil, 21000)
	rec := chain.NewSubmissionRecord(req)
	ev := p.Run(context.Background(), rec, NewTicket())

	assert.Equal(t, chain.StateRejected, ev.Outcome)
	assert.Equal(t, "reservation budget exhausted", ev.Reason)
	assert.False(t, ev.NonceUsed)
	assert.False(t, rec.NonceReserved)

	// Freeing the slot lets the next submission through.
	require.NoError(t, held.Rollback())
	rec = chain.NewSubmissionRecord(req)
	ev = p.Run(context.Background(), rec, NewTicket())
	assert.Equal(t, chain.StateConfirmed, ev.Outcome)
	assert.Equal(t, uint64(0), ev.Nonce)
}

func TestRunBroadcastUnknownDropsAndPoisons(t *testing.T) {
	h := newHarness(t, nil)
	h.endpoint.BroadcastHook = func(tx *chain.SignedTransaction) error {
		return errors.New("connection reset by peer")
	}

	ev, rec, _ := h.run(h.request())

	assert.Equal(t, chain.StateDropped, ev.Outcome)
	assert.Equal(t, "broadcast outcome unknown", ev.Reason)
	assert.False(t, ev.NonceUsed)
	assert.Equal(t, 2, rec.BroadcastAttempts)
	assert.Equal(t, int64(1), h.allocator.Stats().Poisoned,
		"an ambiguous broadcast must stop further reservations until reconciled")

	// Reconciliation heals the slot and the next submission proceeds.
	h.endpoint.BroadcastHook = nil
	ev, _, _ = h.run(h.request())
	assert.Equal(t, chain.StateConfirmed, ev.Outcome)
	assert.Equal(t, int64(0), h.allocator.Stats().Poisoned)
}

func TestRunBroadcastRetriesTransient(t *testing.T) {
	h := newHarness(t, nil)
	var calls int
	var mu sync.Mutex
	h.endpoint.BroadcastHook = func(tx *chain.SignedTransaction) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("i/o timeout")
		}
		return nil
	}

	ev, rec, _ := h.run(h.request())

	assert.Equal(t, chain.StateConfirmed, ev.Outcome)
	assert.Equal(t, 2, rec.BroadcastAttempts)
}

func TestRunConfirmTimeoutDropsAndPoisons(t *testing.T) {
	h := newHarness(t, nil)
	h.endpoint.MineDelay = 1 << 30
	h.pipeline.confirmTimeout = 50 * time.Millisecond
	h.pipeline.pollInterval = 5 * time.Millisecond

	ev, _, _ := h.run(h.request())

	assert.Equal(t, chain.StateDropped, ev.Outcome)
	assert.Equal(t, "not confirmed within window", ev.Reason)
	assert.False(t, ev.NonceUsed)
	assert.Equal(t, int64(1), h.allocator.Stats().Poisoned)
}

func TestRunRevertedConsumesNonce(t *testing.T) {
	h := newHarness(t, nil)

	// Stage the transaction on chain and mark it to fail execution. The
	// pipeline's own broadcast dedupes onto the staged handle.
	req := h.request()
	handle := h.seedBroadcast(t, req, 0)
	h.endpoint.MarkRevert(handle)

	ev, _, _ := h.run(req)

	assert.Equal(t, chain.StateReverted, ev.Outcome)
	assert.True(t, ev.NonceUsed, "a reverted execution still consumed its sequence number")
	assert.Equal(t, handle, ev.Handle)
	assert.Equal(t, 0, h.allocator.Outstanding(h.sender))

	// The next submission moves on to the following number.
	ev, _, _ = h.run(h.request())
	assert.Equal(t, chain.StateConfirmed, ev.Outcome)
	assert.Equal(t, uint64(1), ev.Nonce)
}

func TestRunSigningAuthorityUnavailable(t *testing.T) {
	h := newHarness(t, nil)

	req := chain.NewTransactionRequest("testchain",
		"0xccc0000000000000000000000000000000000003", recipient, big.NewInt(1), nil, 21000)
	ev, rec, _ := h.run(req)

	assert.Equal(t, chain.StateRejected, ev.Outcome)
	assert.Equal(t, "signing authority unavailable", ev.Reason)
	assert.False(t, rec.NonceReserved, "an unreachable signing backend must not consume a number")
	assert.Equal(t, 0, h.allocator.Outstanding(req.Sender))
}

func TestRunCancelledBeforeStart(t *testing.T) {
	h := newHarness(t, nil)

	rec := chain.NewSubmissionRecord(h.request())
	ticket := NewTicket()
	require.NoError(t, ticket.Cancel())

	ev := h.pipeline.Run(context.Background(), rec, ticket)

	assert.Equal(t, chain.StateRejected, ev.Outcome)
	assert.Equal(t, "cancelled by caller", ev.Reason)
	assert.Equal(t, 0, h.allocator.Outstanding(h.sender))
}

func TestCancelAfterCompletionFails(t *testing.T) {
	h := newHarness(t, nil)

	_, _, ticket := h.run(h.request())

	err := ticket.Cancel()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotCancellable))
}

func TestRunDeadlineExpiredRejects(t *testing.T) {
	h := newHarness(t, nil)

	req := h.request()
	req.Constraints.Deadline = time.Now().Add(-time.Second)
	ev, _, _ := h.run(req)

	assert.Equal(t, chain.StateRejected, ev.Outcome)
	assert.Contains(t, ev.Reason, "deadline exceeded")
	assert.Equal(t, 0, h.allocator.Outstanding(h.sender))

	// The released number is still good for a live request.
	ev, _, _ = h.run(h.request())
	assert.Equal(t, chain.StateConfirmed, ev.Outcome)
	assert.Equal(t, uint64(0), ev.Nonce)
}

// reorgEndpoint rewinds the chain the moment a transaction is seen included,
// before the pipeline can release its reservation.
type reorgEndpoint struct {
	*chain.MemoryEndpoint
	once       sync.Once
	onIncluded func()
}

func (e *reorgEndpoint) PollConfirmation(ctx context.Context, handle string) (*chain.ConfirmationStatus, error) {
	status, err := e.MemoryEndpoint.PollConfirmation(ctx, handle)
	if err == nil && status.Included {
		e.once.Do(e.onIncluded)
	}
	return status, err
}

func TestRunReorgAfterInclusionDrops(t *testing.T) {
	wrapper := &reorgEndpoint{}
	h := newHarness(t, wrapper)
	wrapper.MemoryEndpoint = h.endpoint

	h.endpoint.SeedNonce(h.sender, 5)
	wrapper.onIncluded = func() {
		h.endpoint.SeedNonce(h.sender, 3)
		_ = h.allocator.Reconcile(context.Background(), h.sender)
	}

	ev, _, _ := h.run(h.request())

	assert.Equal(t, chain.StateDropped, ev.Outcome)
	assert.Equal(t, "reorg invalidated the submission", ev.Reason)
	assert.False(t, ev.NonceUsed, "an inclusion on a dead branch must never be reported confirmed")
}

func TestRunEmitsExactlyOneTerminalState(t *testing.T) {
	h := newHarness(t, nil)

	terminal := map[chain.State]bool{
		chain.StateConfirmed: true,
		chain.StateReverted:  true,
		chain.StateDropped:   true,
		chain.StateRejected:  true,
	}

	hooks := []func(){
		func() {},
		func() {
			h.endpoint.SimulateHook = func(chain.CallFrame) (*chain.SimulationResult, error) {
				return &chain.SimulationResult{Status: chain.SimReverting}, nil
			}
		},
		func() {
			h.endpoint.BroadcastHook = func(*chain.SignedTransaction) error {
				return errors.NewEndpointError(errors.EndpointErrBroadcastRejected, "rejected", nil)
			}
		},
	}

	for _, arm := range hooks {
		h.endpoint.SimulateHook = nil
		h.endpoint.BroadcastHook = nil
		arm()

		ev, rec, ticket := h.run(h.request())
		assert.True(t, terminal[ev.Outcome], "outcome %s is not terminal", ev.Outcome)
		assert.Equal(t, ev.Outcome, rec.State)
		assert.Equal(t, ev.Outcome, ticket.State())
		assert.False(t, rec.CompletedAt.IsZero())
	}
}
