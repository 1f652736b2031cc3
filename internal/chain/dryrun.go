// internal/chain/dryrun.go
package chain

import (
	"context"
	"sync"

	"github.com/dmaresca/txpilot/pkg/logging"
)

// DryRunEndpoint wraps a real endpoint for rehearsal: nonce reads and
// simulations hit the chain, broadcasts are swallowed and reported as
// immediately included. Nothing ever reaches the network from Broadcast.
type DryRunEndpoint struct {
	inner  Endpoint
	logger *logging.Logger

	mu    sync.Mutex
	faked map[string]uint64 // synthetic handle -> gas from simulation
	// consumed tracks nonces spent by faked broadcasts so the nonce view
	// stays consistent even though the chain never sees the transactions.
	consumed map[string]uint64
}

// NewDryRunEndpoint wraps an endpoint in dry-run behavior.
func NewDryRunEndpoint(inner Endpoint, logger *logging.Logger) *DryRunEndpoint {
	return &DryRunEndpoint{
		inner:    inner,
		logger:   logger.WithChain(inner.ChainID()).WithField("component", "dryrun"),
		faked:    make(map[string]uint64),
		consumed: make(map[string]uint64),
	}
}

// ChainID returns the wrapped chain's ID.
func (d *DryRunEndpoint) ChainID() string { return d.inner.ChainID() }

// ConfirmedNonce returns the real count advanced past any faked broadcasts.
func (d *DryRunEndpoint) ConfirmedNonce(ctx context.Context, account string) (uint64, error) {
	real, err := d.inner.ConfirmedNonce(ctx, account)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if c := d.consumed[account]; c > real {
		return c, nil
	}
	return real, nil
}

// Simulate delegates to the real endpoint.
func (d *DryRunEndpoint) Simulate(ctx context.Context, frame CallFrame) (*SimulationResult, error) {
	return d.inner.Simulate(ctx, frame)
}

// Broadcast fakes a handle without touching the chain.
func (d *DryRunEndpoint) Broadcast(ctx context.Context, tx *SignedTransaction) (string, error) {
	handle := "0xdry" + tx.Hash
	d.mu.Lock()
	d.faked[handle] = 0
	if tx.Nonce+1 > d.consumed[tx.Sender] {
		d.consumed[tx.Sender] = tx.Nonce + 1
	}
	d.mu.Unlock()

	d.logger.Info("dry run broadcast",
		"request_id", tx.RequestID,
		"sender", tx.Sender,
		"nonce", tx.Nonce,
		"handle", handle,
	)
	return handle, nil
}

// PollConfirmation reports synthetic handles as included successes and
// delegates anything else.
func (d *DryRunEndpoint) PollConfirmation(ctx context.Context, handle string) (*ConfirmationStatus, error) {
	d.mu.Lock()
	gas, ok := d.faked[handle]
	d.mu.Unlock()
	if ok {
		return &ConfirmationStatus{Found: true, Included: true, Success: true, GasUsed: gas}, nil
	}
	return d.inner.PollConfirmation(ctx, handle)
}
