// internal/chain/types.go
package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// Signer produces signatures over transaction digests. Keyring handles
// satisfy it.
type Signer interface {
	// Address returns the account the signer controls.
	Address() string
	// Sign signs a 32-byte digest.
	Sign(digest []byte) ([]byte, error)
}

// State represents a submission's position in its lifecycle.
type State string

const (
	// StateIntake means the request is queued but not yet picked up.
	StateIntake State = "intake"
	// StateReserving means a sequence number is being reserved.
	StateReserving State = "reserving"
	// StateSimulating means the transaction is being simulated.
	StateSimulating State = "simulating"
	// StateSubmitting means the transaction is being signed and broadcast.
	StateSubmitting State = "submitting"
	// StateAwaitingConfirmation means the transaction was broadcast and is
	// being polled for inclusion.
	StateAwaitingConfirmation State = "awaiting_confirmation"
	// StateConfirmed means the transaction executed successfully on chain.
	StateConfirmed State = "confirmed"
	// StateReverted means the transaction was included but execution failed.
	// Its sequence number is consumed.
	StateReverted State = "reverted"
	// StateDropped means the transaction was broadcast but never appeared
	// on chain within the confirmation window.
	StateDropped State = "dropped"
	// StateRejected means the transaction never made it onto the chain:
	// failed validation, simulation, broadcast, or was cancelled.
	StateRejected State = "rejected"
)

// Terminal reports whether the state ends the lifecycle.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateReverted, StateDropped, StateRejected:
		return true
	default:
		return false
	}
}

// ValidTransition reports whether a submission may move from one state to
// another. Terminal states have no outgoing transitions.
func ValidTransition(from, to State) bool {
	switch from {
	case StateIntake:
		return to == StateReserving || to == StateRejected
	case StateReserving:
		return to == StateSimulating || to == StateRejected
	case StateSimulating:
		return to == StateSubmitting || to == StateRejected
	case StateSubmitting:
		// Dropped covers a broadcast whose outcome is unknown after the
		// retry budget; the chain may or may not have seen it.
		return to == StateAwaitingConfirmation || to == StateRejected || to == StateDropped
	case StateAwaitingConfirmation:
		return to == StateConfirmed || to == StateReverted || to == StateDropped
	default:
		return false
	}
}

// ExecutionConstraints bound what a submission may cost and yield.
type ExecutionConstraints struct {
	// MaxFeePerGas caps the effective gas price. Nil leaves it uncapped.
	MaxFeePerGas *big.Int `json:"max_fee_per_gas,omitempty"`
	// MinProfit gates submission on simulated profit. Nil disables the gate.
	MinProfit *big.Int `json:"min_profit,omitempty"`
	// Deadline rejects the submission if it has not been broadcast by then.
	Deadline time.Time `json:"deadline,omitempty"`
}

// TransactionRequest is the chain-agnostic submission format. Strategy
// components produce these; the submission core never inspects Payload.
type TransactionRequest struct {
	ID          string               `json:"id"`
	ChainID     string               `json:"chain_id"`
	Sender      string               `json:"sender"`
	Recipient   string               `json:"recipient,omitempty"`
	Value       *big.Int             `json:"value,omitempty"`
	Payload     []byte               `json:"payload,omitempty"`
	GasLimit    uint64               `json:"gas_limit,omitempty"`
	Constraints ExecutionConstraints `json:"constraints,omitempty"`
	SubmittedAt time.Time            `json:"submitted_at,omitempty"`
}

// NewTransactionRequest creates a request with a fresh ID and timestamp.
func NewTransactionRequest(chainID, sender, recipient string, value *big.Int, payload []byte, gasLimit uint64) *TransactionRequest {
	return &TransactionRequest{
		ID:          uuid.New().String(),
		ChainID:     chainID,
		Sender:      sender,
		Recipient:   recipient,
		Value:       value,
		Payload:     payload,
		GasLimit:    gasLimit,
		SubmittedAt: time.Now().UTC(),
	}
}

// Validate checks the request for structural problems.
func (r *TransactionRequest) Validate() error {
	if r.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}
	if r.Sender == "" {
		return fmt.Errorf("sender is required")
	}
	if r.Value != nil && r.Value.Sign() < 0 {
		return fmt.Errorf("value must not be negative")
	}
	if !r.Constraints.Deadline.IsZero() && r.Constraints.Deadline.Before(r.SubmittedAt) {
		return fmt.Errorf("deadline precedes submission time")
	}
	return nil
}

// CallFrame is the simulation view of a transaction: the request fields plus
// the sequence number it would execute with.
type CallFrame struct {
	Sender    string   `json:"sender"`
	Recipient string   `json:"recipient,omitempty"`
	Value     *big.Int `json:"value,omitempty"`
	Payload   []byte   `json:"payload,omitempty"`
	GasLimit  uint64   `json:"gas_limit,omitempty"`
	Nonce     uint64   `json:"nonce"`
}

// Frame builds the simulation view of the request at the given nonce.
func (r *TransactionRequest) Frame(nonce uint64) CallFrame {
	return CallFrame{
		Sender:    r.Sender,
		Recipient: r.Recipient,
		Value:     r.Value,
		Payload:   r.Payload,
		GasLimit:  r.GasLimit,
		Nonce:     nonce,
	}
}

// SignedTransaction is a request bound to a sequence number and signed.
type SignedTransaction struct {
	RequestID string `json:"request_id"`
	ChainID   string `json:"chain_id"`
	Sender    string `json:"sender"`
	Nonce     uint64 `json:"nonce"`
	Raw       []byte `json:"raw"`
	Signature []byte `json:"signature"`
	Hash      string `json:"hash"`
}

// signingEnvelope is the canonical form covered by the signature.
type signingEnvelope struct {
	ChainID   string   `json:"chain_id"`
	Sender    string   `json:"sender"`
	Recipient string   `json:"recipient,omitempty"`
	Value     *big.Int `json:"value,omitempty"`
	Payload   string   `json:"payload,omitempty"`
	GasLimit  uint64   `json:"gas_limit,omitempty"`
	Nonce     uint64   `json:"nonce"`
}

// Sign binds the request to a sequence number and signs it with the handle.
func Sign(r *TransactionRequest, nonce uint64, h Signer) (*SignedTransaction, error) {
	env := signingEnvelope{
		ChainID:   r.ChainID,
		Sender:    r.Sender,
		Recipient: r.Recipient,
		Value:     r.Value,
		Payload:   hex.EncodeToString(r.Payload),
		GasLimit:  r.GasLimit,
		Nonce:     nonce,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding transaction: %w", err)
	}

	digest := Keccak256(raw)
	sig, err := h.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}

	return &SignedTransaction{
		RequestID: r.ID,
		ChainID:   r.ChainID,
		Sender:    r.Sender,
		Nonce:     nonce,
		Raw:       raw,
		Signature: sig,
		Hash:      hex.EncodeToString(digest),
	}, nil
}

// Keccak256 computes the legacy Keccak-256 digest used for transaction
// hashes.
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// SubmissionRecord tracks a request through the pipeline.
type SubmissionRecord struct {
	Request *TransactionRequest `json:"request"`
	State   State               `json:"state"`

	// Nonce is meaningful only when NonceReserved is true.
	Nonce         uint64 `json:"nonce,omitempty"`
	NonceReserved bool   `json:"nonce_reserved,omitempty"`

	// Handle identifies the broadcast transaction on chain.
	Handle string `json:"handle,omitempty"`

	SimAttempts       int `json:"sim_attempts,omitempty"`
	BroadcastAttempts int `json:"broadcast_attempts,omitempty"`

	// Reason carries terminal detail for rejected and dropped outcomes.
	Reason  string `json:"reason,omitempty"`
	GasUsed uint64 `json:"gas_used,omitempty"`

	EnqueuedAt  time.Time `json:"enqueued_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// NewSubmissionRecord wraps an accepted request for the pipeline.
func NewSubmissionRecord(req *TransactionRequest) *SubmissionRecord {
	return &SubmissionRecord{
		Request:    req,
		State:      StateIntake,
		EnqueuedAt: time.Now().UTC(),
	}
}

// CompletionEvent is emitted exactly once per accepted submission.
type CompletionEvent struct {
	RequestID string    `json:"request_id"`
	ChainID   string    `json:"chain_id"`
	Sender    string    `json:"sender"`
	Outcome   State     `json:"outcome"`
	Nonce     uint64    `json:"nonce,omitempty"`
	NonceUsed bool      `json:"nonce_used,omitempty"`
	Handle    string    `json:"handle,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	GasUsed   uint64    `json:"gas_used,omitempty"`
	Duration  float64   `json:"duration_seconds"`
	Timestamp time.Time `json:"timestamp"`
}

// Completion builds the terminal event for the record. The record must be in
// a terminal state.
func (rec *SubmissionRecord) Completion() CompletionEvent {
	return CompletionEvent{
		RequestID: rec.Request.ID,
		ChainID:   rec.Request.ChainID,
		Sender:    rec.Request.Sender,
		Outcome:   rec.State,
		Nonce:     rec.Nonce,
		NonceUsed: rec.NonceReserved && (rec.State == StateConfirmed || rec.State == StateReverted),
		Handle:    rec.Handle,
		Reason:    rec.Reason,
		GasUsed:   rec.GasUsed,
		Duration:  rec.CompletedAt.Sub(rec.EnqueuedAt).Seconds(),
		Timestamp: rec.CompletedAt,
	}
}
