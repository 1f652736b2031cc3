// internal/pipeline/pipeline.go
package pipeline

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"github.com/dmaresca/txpilot/internal/chain"
	"github.com/dmaresca/txpilot/internal/keyring"
	"github.com/dmaresca/txpilot/internal/nonce"
	"github.com/dmaresca/txpilot/internal/simulate"
	"github.com/dmaresca/txpilot/pkg/errors"
	"github.com/dmaresca/txpilot/pkg/logging"
	"github.com/dmaresca/txpilot/pkg/metrics"
)

// Config holds pipeline settings for one chain.
type Config struct {
	ChainID              string
	ReserveRetryBudget   int
	MaxBroadcastAttempts int
	ConfirmTimeout       time.Duration
	PollInterval         time.Duration
	Logger               *logging.Logger
	Metrics              *metrics.Metrics
}

// Pipeline drives one submission at a time from intake to a terminal state.
// It owns no goroutines; the chain worker calls Run for each record.
type Pipeline struct {
	endpoint  chain.Endpoint
	allocator *nonce.Allocator
	simulator *simulate.Simulator
	keys      keyring.Keyring

	chainID              string
	reserveRetryBudget   int
	maxBroadcastAttempts int
	confirmTimeout       time.Duration
	pollInterval         time.Duration
	logger               *logging.Logger
	metrics              *metrics.Metrics
}

// New creates a pipeline for one chain.
func New(endpoint chain.Endpoint, allocator *nonce.Allocator, simulator *simulate.Simulator, keys keyring.Keyring, cfg Config) *Pipeline {
	reserveBudget := cfg.ReserveRetryBudget
	if reserveBudget < 1 {
		reserveBudget = 3
	}
	maxBroadcast := cfg.MaxBroadcastAttempts
	if maxBroadcast < 1 {
		maxBroadcast = 1
	}
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = 2 * time.Second
	}
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout == 0 {
		confirmTimeout = 90 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Pipeline{
		endpoint:             endpoint,
		allocator:            allocator,
		simulator:            simulator,
		keys:                 keys,
		chainID:              cfg.ChainID,
		reserveRetryBudget:   reserveBudget,
		maxBroadcastAttempts: maxBroadcast,
		confirmTimeout:       confirmTimeout,
		pollInterval:         pollInterval,
		logger:               logger.WithChain(cfg.ChainID).WithField("component", "pipeline"),
		metrics:              cfg.Metrics,
	}
}

// Run drives the record to a terminal state and returns its completion
// event. Exactly one event comes back for every record, whatever happens in
// between.
func (p *Pipeline) Run(ctx context.Context, rec *chain.SubmissionRecord, ticket *Ticket) chain.CompletionEvent {
	rec.StartedAt = time.Now().UTC()
	req := rec.Request
	log := p.logger.WithField("request_id", req.ID).WithField("sender", req.Sender)

	if ticket.Cancelled() {
		return p.complete(rec, ticket, chain.StateRejected, "cancelled by caller")
	}

	// Reserving. Signing authority comes first: an unreachable signing
	// backend must not consume a sequence number.
	p.transition(rec, ticket, chain.StateReserving)

	handle, err := p.keys.Acquire(ctx, req.Sender)
	if err != nil {
		log.Warn("signing authority unavailable", "error", err.Error())
		return p.complete(rec, ticket, chain.StateRejected, "signing authority unavailable")
	}

	if !ticket.beginReserve() {
		return p.complete(rec, ticket, chain.StateRejected, "cancelled by caller")
	}

	res, err := p.reserve(ctx, req.Sender)
	if err != nil {
		log.Warn("reservation failed", "error", err.Error())
		return p.complete(rec, ticket, chain.StateRejected, reserveFailureReason(err))
	}
	rec.Nonce = res.Nonce
	rec.NonceReserved = true
	log = log.WithField("nonce", res.Nonce)

	// Simulating.
	p.transition(rec, ticket, chain.StateSimulating)

	if expired(req) {
		p.rollback(res, log)
		return p.complete(rec, ticket, chain.StateRejected, "deadline exceeded before simulation")
	}

	verdict, err := p.simulator.Run(ctx, req, res.Nonce)
	if err != nil {
		p.rollback(res, log)
		return p.complete(rec, ticket, chain.StateRejected, "shut down during simulation")
	}
	rec.SimAttempts = verdict.Attempts
	if !verdict.Safe {
		p.rollback(res, log)
		return p.complete(rec, ticket, chain.StateRejected, verdict.Reason)
	}

	// Submitting.
	p.transition(rec, ticket, chain.StateSubmitting)

	if expired(req) {
		p.rollback(res, log)
		return p.complete(rec, ticket, chain.StateRejected, "deadline exceeded before broadcast")
	}

	signed, err := chain.Sign(req, res.Nonce, handle)
	if err != nil {
		log.Error("signing failed", "error", err.Error())
		p.rollback(res, log)
		return p.complete(rec, ticket, chain.StateRejected, "signing failed")
	}

	txHandle, broadcastErr := p.broadcast(ctx, rec, signed, log)
	if broadcastErr != nil {
		if errors.IsEndpointError(broadcastErr, errors.EndpointErrBroadcastRejected) {
			// The chain refused it outright; the number was never
			// consumed and rolls back for reuse.
			p.rollback(res, log)
			return p.complete(rec, ticket, chain.StateRejected, broadcastErr.Error())
		}
		// Every attempt failed in a way that leaves consumption unknown.
		// Poison the slot so nothing builds on a number the chain may or
		// may not have seen.
		p.allocator.Poison(req.Sender)
		p.rollback(res, log)
		return p.complete(rec, ticket, chain.StateDropped, "broadcast outcome unknown")
	}
	rec.Handle = txHandle
	log = log.WithField("handle", txHandle)

	// Awaiting confirmation.
	p.transition(rec, ticket, chain.StateAwaitingConfirmation)

	status, timedOut := p.awaitConfirmation(ctx, txHandle, log)
	if timedOut {
		p.allocator.Poison(req.Sender)
		p.rollback(res, log)
		return p.complete(rec, ticket, chain.StateDropped, "not confirmed within window")
	}

	rec.GasUsed = status.GasUsed
	if status.Success {
		if err := res.Confirm(); err != nil {
			// A reorg rewound the account while we waited. The inclusion
			// we saw belongs to a dead branch; never report it confirmed.
			log.Warn("reservation invalidated after inclusion", "error", err.Error())
			return p.complete(rec, ticket, chain.StateDropped, "reorg invalidated the submission")
		}
		return p.complete(rec, ticket, chain.StateConfirmed, "")
	}

	if err := res.Confirm(); err != nil {
		log.Warn("reservation invalidated after revert", "error", err.Error())
		return p.complete(rec, ticket, chain.StateDropped, "reorg invalidated the submission")
	}
	return p.complete(rec, ticket, chain.StateReverted, "execution reverted on chain")
}

// reserve makes a small number of attempts before giving up, so transient
// exhaustion does not immediately fail the submission.
func (p *Pipeline) reserve(ctx context.Context, account string) (*nonce.Reservation, error) {
	bo := &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    500 * time.Millisecond,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt < p.reserveRetryBudget; attempt++ {
		res, err := p.allocator.Reserve(ctx, account)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		if p.metrics != nil {
			p.metrics.RecordSubmissionRetry(p.chainID, "reserve")
		}
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(bo.Duration()):
		}
	}
	return nil, lastErr
}

// broadcast retries transient failures within the attempt budget.
// Definitive chain rejections come back immediately.
func (p *Pipeline) broadcast(ctx context.Context, rec *chain.SubmissionRecord, signed *chain.SignedTransaction, log *logging.Logger) (string, error) {
	bo := &backoff.Backoff{
		Min:    200 * time.Millisecond,
		Max:    3 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxBroadcastAttempts; attempt++ {
		rec.BroadcastAttempts = attempt
		handle, err := p.endpoint.Broadcast(ctx, signed)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		if errors.IsEndpointError(err, errors.EndpointErrBroadcastRejected) {
			return "", err
		}
		log.Warn("broadcast attempt failed", "attempt", attempt, "error", err.Error())
		if attempt == p.maxBroadcastAttempts || ctx.Err() != nil {
			break
		}
		if p.metrics != nil {
			p.metrics.RecordSubmissionRetry(p.chainID, "broadcast")
		}
		select {
		case <-ctx.Done():
			return "", lastErr
		case <-time.After(bo.Duration()):
		}
	}
	return "", lastErr
}

// awaitConfirmation polls until the transaction is included or the window
// closes. Poll errors are transient; the window is the only deadline.
func (p *Pipeline) awaitConfirmation(ctx context.Context, handle string, log *logging.Logger) (*chain.ConfirmationStatus, bool) {
	deadline := time.NewTimer(p.confirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		status, err := p.endpoint.PollConfirmation(ctx, handle)
		if err != nil {
			log.Debug("confirmation poll failed", "error", err.Error())
		} else if status.Included {
			return status, false
		}

		select {
		case <-ctx.Done():
			return nil, true
		case <-deadline.C:
			return nil, true
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) rollback(res *nonce.Reservation, log *logging.Logger) {
	if err := res.Rollback(); err != nil {
		log.Debug("rollback release", "error", err.Error())
	}
}

func (p *Pipeline) transition(rec *chain.SubmissionRecord, ticket *Ticket, to chain.State) {
	if !chain.ValidTransition(rec.State, to) {
		p.logger.Error("invalid state transition",
			"request_id", rec.Request.ID, "from", string(rec.State), "to", string(to))
		return
	}
	rec.State = to
	ticket.noteState(to)
}

// complete moves the record to its terminal state and builds the single
// completion event.
func (p *Pipeline) complete(rec *chain.SubmissionRecord, ticket *Ticket, outcome chain.State, reason string) chain.CompletionEvent {
	p.transition(rec, ticket, outcome)
	rec.Reason = reason
	rec.CompletedAt = time.Now().UTC()
	ticket.markTerminal()

	if p.metrics != nil {
		p.metrics.RecordSubmission(p.chainID, string(outcome), rec.CompletedAt.Sub(rec.EnqueuedAt))
	}

	log := p.logger.WithField("request_id", rec.Request.ID).WithField("outcome", string(outcome))
	switch outcome {
	case chain.StateConfirmed:
		log.Info("submission confirmed", "nonce", rec.Nonce, "handle", rec.Handle, "gas_used", rec.GasUsed)
	case chain.StateReverted:
		log.Warn("submission reverted", "nonce", rec.Nonce, "handle", rec.Handle)
	case chain.StateDropped:
		log.Warn("submission dropped", "reason", reason)
	default:
		log.Info("submission rejected", "reason", reason)
	}

	return rec.Completion()
}

func expired(req *chain.TransactionRequest) bool {
	return !req.Constraints.Deadline.IsZero() && time.Now().After(req.Constraints.Deadline)
}

func reserveFailureReason(err error) string {
	switch {
	case errors.Is(err, errors.ErrExhausted):
		return "reservation budget exhausted"
	case errors.Is(err, errors.ErrSlotPoisoned):
		return "sequence slot awaiting reconciliation"
	default:
		return "sequence reservation failed"
	}
}
