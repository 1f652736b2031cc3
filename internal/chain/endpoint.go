// internal/chain/endpoint.go
package chain

import (
	"context"
	"math/big"
)

// SimStatus classifies a simulation result.
type SimStatus string

const (
	// SimSafe means execution succeeded against current chain state.
	SimSafe SimStatus = "safe"
	// SimReverting means execution would definitively fail.
	SimReverting SimStatus = "reverting"
	// SimInconclusive means the endpoint could not produce a verdict.
	// Inconclusive results are retried, never broadcast.
	SimInconclusive SimStatus = "inconclusive"
)

// SimulationResult is the endpoint's verdict on a call frame.
type SimulationResult struct {
	Status  SimStatus `json:"status"`
	GasUsed uint64    `json:"gas_used,omitempty"`
	// GasPrice is the effective price the estimate was made at.
	GasPrice *big.Int `json:"gas_price,omitempty"`
	// EstimatedProfit is the simulated balance delta net of cost. Nil when
	// the endpoint cannot estimate it.
	EstimatedProfit *big.Int `json:"estimated_profit,omitempty"`
	// Revert carries the failure reason for reverting results.
	Revert string `json:"revert,omitempty"`
}

// EstimatedCost returns gas used times gas price, or nil if either is
// unknown.
func (r *SimulationResult) EstimatedCost() *big.Int {
	if r.GasPrice == nil || r.GasUsed == 0 {
		return nil
	}
	return new(big.Int).Mul(r.GasPrice, new(big.Int).SetUint64(r.GasUsed))
}

// ConfirmationStatus reports what the chain knows about a broadcast
// transaction.
type ConfirmationStatus struct {
	// Found means the chain recognizes the handle at all.
	Found bool `json:"found"`
	// Included means the transaction is in a block.
	Included bool `json:"included"`
	// Success means included and executed without revert.
	Success bool `json:"success"`
	GasUsed uint64 `json:"gas_used,omitempty"`
	Block   uint64 `json:"block,omitempty"`
}

// Endpoint is the uniform chain contract the submission core drives. One
// endpoint serves one chain. Implementations must be safe for concurrent
// use.
type Endpoint interface {
	// ChainID returns the chain this endpoint serves.
	ChainID() string

	// ConfirmedNonce returns the authoritative count of consumed sequence
	// numbers for the account: the next number the chain expects.
	ConfirmedNonce(ctx context.Context, account string) (uint64, error)

	// Simulate executes the frame against current chain state without
	// committing it.
	Simulate(ctx context.Context, frame CallFrame) (*SimulationResult, error)

	// Broadcast hands the signed transaction to the chain and returns its
	// handle. Definitive rejections carry ENDPOINT_BROADCAST_REJECTED;
	// anything else is treated as retryable.
	Broadcast(ctx context.Context, tx *SignedTransaction) (string, error)

	// PollConfirmation reports the current status of a broadcast handle.
	PollConfirmation(ctx context.Context, handle string) (*ConfirmationStatus, error)
}
