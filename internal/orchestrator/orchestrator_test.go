// internal/orchestrator/orchestrator_test.go
package orchestrator

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
	"github.com/dmaresca/txpilot/pkg/config"
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

func testConfig(chains ...string) *config.Config {
	cfg := &config.Config{}
	for _, id := range chains {
		cfg.Chains = append(cfg.Chains, config.ChainConfig{
			ID:                   id,
			Endpoint:             "memory://",
			AccountConcurrency:   1,
			MaxOutstanding:       16,
			QueueSize:            64,
			MaxSimAttempts:       2,
			MaxBroadcastAttempts: 1,
			ConfirmTimeout:       2 * time.Second,
			PollInterval:         time.Millisecond,
		})
	}
	return cfg
}

// captureSink records every event it consumes.
type captureSink struct {
	ch chan chain.CompletionEvent
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Consume(ctx context.Context, rec *chain.SubmissionRecord, ev chain.CompletionEvent) error {
	s.ch <- ev
	return nil
}

// failSink always errors.
type failSink struct{}

func (s *failSink) Name() string { return "failing" }

func (s *failSink) Consume(ctx context.Context, rec *chain.SubmissionRecord, ev chain.CompletionEvent) error {
	return errors.New("sink is down")
}

type harness struct {
	core   *Orchestrator
	keys   *keyring.LocalKeyring
	sink   *captureSink
	sender string
}

func newHarness(t *testing.T, chains ...string) *harness {
	t.Helper()

	keys := keyring.NewLocalKeyring()
	sender, err := keys.Generate()
	require.NoError(t, err)

	core, err := New(testConfig(chains...), keys, testLogger(), nil)
	require.NoError(t, err)

	sink := &captureSink{ch: make(chan chain.CompletionEvent, 64)}
	core.AddSink(sink)

	return &harness{core: core, keys: keys, sink: sink, sender: sender}
}

// memory returns the chain's in-process endpoint for test scripting.
func (h *harness) memory(t *testing.T, chainID string) *chain.MemoryEndpoint {
	t.Helper()
	ep, ok := h.core.Endpoint(chainID)
	require.True(t, ok)
	mem, ok := ep.(*chain.MemoryEndpoint)
	require.True(t, ok)
	return mem
}

func (h *harness) request(chainID string) *chain.TransactionRequest {
	return chain.NewTransactionRequest(chainID, h.sender, recipient, big.NewInt(1), nil, 21000)
}

func (h *harness) waitEvent(t *testing.T) chain.CompletionEvent {
	t.Helper()
	select {
	case ev := <-h.sink.ch:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("no completion event arrived")
		return chain.CompletionEvent{}
	}
}

func TestSubmitConfirms(t *testing.T) {
	h := newHarness(t, "alpha")
	require.NoError(t, h.core.Start(context.Background()))
	defer h.core.Stop()

	req := h.request("alpha")
	require.NoError(t, h.core.Submit(context.Background(), req))

	ev := h.waitEvent(t)
	assert.Equal(t, req.ID, ev.RequestID)
	assert.Equal(t, "alpha", ev.ChainID)
	assert.Equal(t, chain.StateConfirmed, ev.Outcome)
}

func TestSubmitRoutesByChain(t *testing.T) {
	h := newHarness(t, "alpha", "beta")
	require.NoError(t, h.core.Start(context.Background()))
	defer h.core.Stop()

	reqA := h.request("alpha")
	reqB := h.request("beta")
	require.NoError(t, h.core.Submit(context.Background(), reqA))
	require.NoError(t, h.core.Submit(context.Background(), reqB))

	seen := map[string]chain.State{}
	for i := 0; i < 2; i++ {
		ev := h.waitEvent(t)
		seen[ev.ChainID] = ev.Outcome
	}
	assert.Equal(t, chain.StateConfirmed, seen["alpha"])
	assert.Equal(t, chain.StateConfirmed, seen["beta"])
}

func TestSubmitUnknownChain(t *testing.T) {
	h := newHarness(t, "alpha")
	require.NoError(t, h.core.Start(context.Background()))
	defer h.core.Stop()

	err := h.core.Submit(context.Background(), h.request("gamma"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownChain))
}

func TestSubmitInvalidRequest(t *testing.T) {
	h := newHarness(t, "alpha")
	require.NoError(t, h.core.Start(context.Background()))
	defer h.core.Stop()

	req := h.request("alpha")
	req.Sender = ""
	err := h.core.Submit(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.IsSubmissionError(err, errors.SubmissionErrInvalidRequest))
}

func TestSubmitBeforeStart(t *testing.T) {
	h := newHarness(t, "alpha")

	err := h.core.Submit(context.Background(), h.request("alpha"))
	require.Error(t, err)
	assert.True(t, errors.IsSubmissionError(err, errors.SubmissionErrRejected))
}

func TestSubmitDuplicateInFlight(t *testing.T) {
	h := newHarness(t, "alpha")

	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }

	mem := h.memory(t, "alpha")
	mem.SimulateHook = func(frame chain.CallFrame) (*chain.SimulationResult, error) {
		<-gate
		return &chain.SimulationResult{Status: chain.SimSafe, GasUsed: 21000, GasPrice: big.NewInt(1)}, nil
	}

	require.NoError(t, h.core.Start(context.Background()))
	defer h.core.Stop()
	defer release()

	req := h.request("alpha")
	require.NoError(t, h.core.Submit(context.Background(), req))

	dup := h.request("alpha")
	dup.ID = req.ID
	err := h.core.Submit(context.Background(), dup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateSubmission))

	release()
	h.waitEvent(t)
}

func TestSubmitDuplicateAfterCompletion(t *testing.T) {
	h := newHarness(t, "alpha")
	require.NoError(t, h.core.Start(context.Background()))
	defer h.core.Stop()

	req := h.request("alpha")
	require.NoError(t, h.core.Submit(context.Background(), req))
	h.waitEvent(t)

	dup := h.request("alpha")
	dup.ID = req.ID
	err := h.core.Submit(context.Background(), dup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateSubmission),
		"a terminal submission id must not be reusable")
}

func TestCancelBeforeReservation(t *testing.T) {
	h := newHarness(t, "alpha")

	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }

	mem := h.memory(t, "alpha")
	mem.SimulateHook = func(frame chain.CallFrame) (*chain.SimulationResult, error) {
		<-gate
		return &chain.SimulationResult{Status: chain.SimSafe, GasUsed: 21000, GasPrice: big.NewInt(1)}, nil
	}

	require.NoError(t, h.core.Start(context.Background()))
	defer h.core.Stop()
	defer release()

	// The first submission occupies the account runner; the second waits
	// behind it, still short of reserving a number.
	first := h.request("alpha")
	require.NoError(t, h.core.Submit(context.Background(), first))
	second := h.request("alpha")
	require.NoError(t, h.core.Submit(context.Background(), second))

	require.NoError(t, h.core.Cancel(second.ID))

	release()
	ev1 := h.waitEvent(t)
	ev2 := h.waitEvent(t)
	assert.Equal(t, first.ID, ev1.RequestID)
	assert.Equal(t, chain.StateConfirmed, ev1.Outcome)
	assert.Equal(t, second.ID, ev2.RequestID)
	assert.Equal(t, chain.StateRejected, ev2.Outcome)
	assert.Equal(t, "cancelled by caller", ev2.Reason)
}

func TestCancelAfterReservation(t *testing.T) {
	h := newHarness(t, "alpha")

	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }

	started := make(chan struct{})
	var startedOnce sync.Once
	mem := h.memory(t, "alpha")
	mem.SimulateHook = func(frame chain.CallFrame) (*chain.SimulationResult, error) {
		startedOnce.Do(func() { close(started) })
		<-gate
		return &chain.SimulationResult{Status: chain.SimSafe, GasUsed: 21000, GasPrice: big.NewInt(1)}, nil
	}

	require.NoError(t, h.core.Start(context.Background()))
	defer h.core.Stop()
	defer release()

	req := h.request("alpha")
	require.NoError(t, h.core.Submit(context.Background(), req))

	// Simulation only starts after the number is reserved.
	<-started
	err := h.core.Cancel(req.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotCancellable))

	release()
	ev := h.waitEvent(t)
	assert.Equal(t, chain.StateConfirmed, ev.Outcome)
}

func TestCancelUnknownSubmission(t *testing.T) {
	h := newHarness(t, "alpha")
	require.NoError(t, h.core.Start(context.Background()))
	defer h.core.Stop()

	err := h.core.Cancel("no-such-id")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSubmissionNotFound))
}

func TestPauseBlocksIntake(t *testing.T) {
	h := newHarness(t, "alpha")
	require.NoError(t, h.core.Start(context.Background()))
	defer h.core.Stop()

	h.core.Pause()
	assert.True(t, h.core.Paused())

	err := h.core.Submit(context.Background(), h.request("alpha"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPaused))

	h.core.Resume()
	assert.False(t, h.core.Paused())
	require.NoError(t, h.core.Submit(context.Background(), h.request("alpha")))
	h.waitEvent(t)
}

func TestGetTracksLiveSubmission(t *testing.T) {
	h := newHarness(t, "alpha")

	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }

	started := make(chan struct{})
	var startedOnce sync.Once
	mem := h.memory(t, "alpha")
	mem.SimulateHook = func(frame chain.CallFrame) (*chain.SimulationResult, error) {
		startedOnce.Do(func() { close(started) })
		<-gate
		return &chain.SimulationResult{Status: chain.SimSafe, GasUsed: 21000, GasPrice: big.NewInt(1)}, nil
	}

	require.NoError(t, h.core.Start(context.Background()))
	defer h.core.Stop()
	defer release()

	req := h.request("alpha")
	require.NoError(t, h.core.Submit(context.Background(), req))

	<-started
	snap, ok := h.core.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, req.ID, snap.ID)
	assert.Equal(t, "alpha", snap.ChainID)
	assert.Equal(t, h.sender, snap.Sender)
	assert.Equal(t, chain.StateSimulating, snap.State)

	release()
	h.waitEvent(t)

	// Terminal submissions leave the live view.
	_, ok = h.core.Get(req.ID)
	assert.False(t, ok)
}

func TestSinkFailureDoesNotBlockOthers(t *testing.T) {
	keys := keyring.NewLocalKeyring()
	sender, err := keys.Generate()
	require.NoError(t, err)

	core, err := New(testConfig("alpha"), keys, testLogger(), nil)
	require.NoError(t, err)

	sink := &captureSink{ch: make(chan chain.CompletionEvent, 8)}
	core.AddSink(&failSink{})
	core.AddSink(sink)

	require.NoError(t, core.Start(context.Background()))
	defer core.Stop()

	req := chain.NewTransactionRequest("alpha", sender, recipient, big.NewInt(1), nil, 21000)
	require.NoError(t, core.Submit(context.Background(), req))

	select {
	case ev := <-sink.ch:
		assert.Equal(t, chain.StateConfirmed, ev.Outcome)
	case <-time.After(10 * time.Second):
		t.Fatal("event never reached the second sink")
	}
}

func TestSimulateWithoutSubmitting(t *testing.T) {
	h := newHarness(t, "alpha")
	require.NoError(t, h.core.Start(context.Background()))
	defer h.core.Stop()

	v, err := h.core.Simulate(context.Background(), h.request("alpha"))
	require.NoError(t, err)
	assert.True(t, v.Safe)

	_, err = h.core.Simulate(context.Background(), h.request("gamma"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownChain))

	// Simulation reserved nothing: the first real submission takes nonce 0.
	req := h.request("alpha")
	require.NoError(t, h.core.Submit(context.Background(), req))
	ev := h.waitEvent(t)
	assert.Equal(t, chain.StateConfirmed, ev.Outcome)
	assert.Equal(t, uint64(0), ev.Nonce)
}

func TestStatusReportsChains(t *testing.T) {
	h := newHarness(t, "alpha", "beta")

	st := h.core.Status()
	assert.False(t, st.Running)

	require.NoError(t, h.core.Start(context.Background()))
	defer h.core.Stop()

	st = h.core.Status()
	assert.True(t, st.Running)
	assert.False(t, st.Paused)
	require.Len(t, st.Chains, 2)
	assert.Equal(t, "alpha", st.Chains[0].ChainID)
	assert.Equal(t, "beta", st.Chains[1].ChainID)
}

func TestStopRefusesFurtherIntake(t *testing.T) {
	h := newHarness(t, "alpha")
	require.NoError(t, h.core.Start(context.Background()))

	req := h.request("alpha")
	require.NoError(t, h.core.Submit(context.Background(), req))
	h.waitEvent(t)

	h.core.Stop()

	err := h.core.Submit(context.Background(), h.request("alpha"))
	require.Error(t, err)
}
