// internal/chain/memory.go
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/dmaresca/txpilot/pkg/errors"
)

// MemoryEndpoint is an in-process chain simulation. It backs "memory://"
// endpoints in development and serves as the chain fake in tests: accounts
// have nonces, broadcast transactions sit in a pool, and contiguous nonces
// mine on poll.
type MemoryEndpoint struct {
	chainID string

	mu        sync.Mutex
	confirmed map[string]uint64            // account -> consumed count
	pool      map[string]*pooledTx         // handle -> pending tx
	byAccount map[string]map[uint64]string // account -> nonce -> handle
	receipts  map[string]*ConfirmationStatus
	polls     map[string]int

	// MineDelay is how many polls a transaction waits before becoming
	// eligible to mine. 0 mines on first poll.
	MineDelay int

	// Hooks let tests script endpoint behavior. Nil hooks fall through to
	// the defaults.
	SimulateHook  func(CallFrame) (*SimulationResult, error)
	BroadcastHook func(*SignedTransaction) error
	NonceHook     func(account string) (uint64, error)
}

type pooledTx struct {
	account string
	nonce   uint64
	gas     uint64
	revert  bool
}

// NewMemoryEndpoint creates a simulated chain.
func NewMemoryEndpoint(chainID string) *MemoryEndpoint {
	return &MemoryEndpoint{
		chainID:   chainID,
		confirmed: make(map[string]uint64),
		pool:      make(map[string]*pooledTx),
		byAccount: make(map[string]map[uint64]string),
		receipts:  make(map[string]*ConfirmationStatus),
		polls:     make(map[string]int),
	}
}

// ChainID returns the chain this endpoint serves.
func (m *MemoryEndpoint) ChainID() string { return m.chainID }

// SeedNonce sets the account's consumed count. Seeding below the current
// value models a reorg.
func (m *MemoryEndpoint) SeedNonce(account string, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed[account] = n
}

// Evict removes a pending transaction from the pool. Later polls report it
// unknown, the way a dropped transaction disappears.
func (m *MemoryEndpoint) Evict(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.pool[handle]; ok {
		delete(m.byAccount[tx.account], tx.nonce)
		delete(m.pool, handle)
		delete(m.polls, handle)
	}
}

// MarkRevert makes the pooled transaction fail execution when mined.
func (m *MemoryEndpoint) MarkRevert(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.pool[handle]; ok {
		tx.revert = true
	}
}

// ConfirmedNonce returns the account's consumed count.
func (m *MemoryEndpoint) ConfirmedNonce(ctx context.Context, account string) (uint64, error) {
	if m.NonceHook != nil {
		return m.NonceHook(account)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmed[account], nil
}

// Simulate applies the hook or reports a plain transfer as safe.
func (m *MemoryEndpoint) Simulate(ctx context.Context, frame CallFrame) (*SimulationResult, error) {
	if m.SimulateHook != nil {
		return m.SimulateHook(frame)
	}
	gas := frame.GasLimit
	if gas == 0 {
		gas = 21000
	}
	return &SimulationResult{
		Status:   SimSafe,
		GasUsed:  gas,
		GasPrice: big.NewInt(1_000_000_000),
	}, nil
}

// Broadcast pools the transaction. Duplicate broadcasts return the existing
// handle; stale nonces are rejected the way a real node rejects them.
func (m *MemoryEndpoint) Broadcast(ctx context.Context, tx *SignedTransaction) (string, error) {
	if m.BroadcastHook != nil {
		if err := m.BroadcastHook(tx); err != nil {
			return "", err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	handle := "0x" + tx.Hash
	if _, ok := m.pool[handle]; ok {
		return handle, nil
	}
	if _, ok := m.receipts[handle]; ok {
		return handle, nil
	}
	if tx.Nonce < m.confirmed[tx.Sender] {
		return "", errors.NewEndpointError(errors.EndpointErrBroadcastRejected,
			fmt.Sprintf("nonce too low: got %d, expected %d", tx.Nonce, m.confirmed[tx.Sender]), nil)
	}
	if existing, ok := m.byAccount[tx.Sender][tx.Nonce]; ok && existing != handle {
		return "", errors.NewEndpointError(errors.EndpointErrBroadcastRejected,
			fmt.Sprintf("replacement transaction underpriced at nonce %d", tx.Nonce), nil)
	}

	if m.byAccount[tx.Sender] == nil {
		m.byAccount[tx.Sender] = make(map[uint64]string)
	}
	m.byAccount[tx.Sender][tx.Nonce] = handle
	m.pool[handle] = &pooledTx{account: tx.Sender, nonce: tx.Nonce, gas: 21000}
	return handle, nil
}

// PollConfirmation advances the simulated chain and reports the handle's
// status. Eligible transactions mine in nonce order, contiguously from the
// account's consumed count.
func (m *MemoryEndpoint) PollConfirmation(ctx context.Context, handle string) (*ConfirmationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if status, ok := m.receipts[handle]; ok {
		return status, nil
	}
	tx, ok := m.pool[handle]
	if !ok {
		return &ConfirmationStatus{}, nil
	}

	m.polls[handle]++
	if m.polls[handle] <= m.MineDelay {
		return &ConfirmationStatus{Found: true}, nil
	}

	m.mineContiguous(tx.account)

	if status, ok := m.receipts[handle]; ok {
		return status, nil
	}
	return &ConfirmationStatus{Found: true}, nil
}

// mineContiguous includes every pooled transaction from the account's
// consumed count upward until the first gap. Callers hold the lock.
func (m *MemoryEndpoint) mineContiguous(account string) {
	for {
		next := m.confirmed[account]
		handle, ok := m.byAccount[account][next]
		if !ok {
			return
		}
		tx := m.pool[handle]
		m.receipts[handle] = &ConfirmationStatus{
			Found:    true,
			Included: true,
			Success:  !tx.revert,
			GasUsed:  tx.gas,
			Block:    next + 1,
		}
		delete(m.pool, handle)
		delete(m.byAccount[account], next)
		delete(m.polls, handle)
		m.confirmed[account] = next + 1
	}
}
