// internal/simulate/simulator.go
package simulate

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"github.com/dmaresca/txpilot/internal/chain"
	"github.com/dmaresca/txpilot/pkg/logging"
	"github.com/dmaresca/txpilot/pkg/metrics"
)

// Endpoint is the slice of the chain contract the simulator needs.
type Endpoint interface {
	Simulate(ctx context.Context, frame chain.CallFrame) (*chain.SimulationResult, error)
}

// Config holds simulator settings for one chain.
type Config struct {
	ChainID string
	// MaxAttempts bounds retries for inconclusive simulations. An
	// exhausted budget rejects the transaction; nothing unvalidated is
	// ever handed onward.
	MaxAttempts int
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
}

// Verdict is the simulator's decision on a transaction.
type Verdict struct {
	// Safe means the transaction may proceed to signing and broadcast.
	Safe bool
	// Reason explains a refusal.
	Reason string
	// Attempts is how many simulation calls the verdict took.
	Attempts int
	// Result is the last simulation result, when one was obtained.
	Result *chain.SimulationResult
}

// Simulator validates transactions against current chain state before they
// are allowed to consume a broadcast.
type Simulator struct {
	endpoint    Endpoint
	chainID     string
	maxAttempts int
	logger      *logging.Logger
	metrics     *metrics.Metrics
}

// New creates a simulator for one chain.
func New(endpoint Endpoint, cfg Config) *Simulator {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Simulator{
		endpoint:    endpoint,
		chainID:     cfg.ChainID,
		maxAttempts: maxAttempts,
		logger:      logger.WithChain(cfg.ChainID).WithField("component", "simulate"),
		metrics:     cfg.Metrics,
	}
}

// Run simulates the request at the given sequence number. Inconclusive
// results and transport failures are retried with exponential backoff up to
// the attempt budget; a still-unvalidated transaction is refused. The
// returned error is non-nil only when the context ends the run.
func (s *Simulator) Run(ctx context.Context, req *chain.TransactionRequest, nonce uint64) (*Verdict, error) {
	frame := req.Frame(nonce)

	bo := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var last *chain.SimulationResult
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		result, err := s.endpoint.Simulate(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("simulation call failed",
				"request_id", req.ID, "attempt", attempt, "error", err.Error())
		} else {
			last = result
			switch result.Status {
			case chain.SimSafe:
				v := s.gate(req, result)
				v.Attempts = attempt
				return v, nil
			case chain.SimReverting:
				reason := result.Revert
				if reason == "" {
					reason = "simulation reverted"
				}
				return &Verdict{Safe: false, Reason: reason, Attempts: attempt, Result: result}, nil
			case chain.SimInconclusive:
				s.logger.Debug("simulation inconclusive",
					"request_id", req.ID, "attempt", attempt, "detail", result.Revert)
			}
		}

		if attempt == s.maxAttempts {
			break
		}
		if s.metrics != nil {
			s.metrics.RecordSubmissionRetry(s.chainID, "simulate")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bo.Duration()):
		}
	}

	return &Verdict{
		Safe:     false,
		Reason:   "simulation did not produce a verdict within the retry budget",
		Attempts: s.maxAttempts,
		Result:   last,
	}, nil
}

// gate applies the request's execution constraints to a safe simulation.
func (s *Simulator) gate(req *chain.TransactionRequest, result *chain.SimulationResult) *Verdict {
	c := req.Constraints

	if c.MaxFeePerGas != nil && result.GasPrice != nil && result.GasPrice.Cmp(c.MaxFeePerGas) > 0 {
		return &Verdict{
			Safe:   false,
			Reason: "effective gas price exceeds fee cap",
			Result: result,
		}
	}

	if c.MinProfit != nil {
		if result.EstimatedProfit == nil {
			return &Verdict{
				Safe:   false,
				Reason: "profit requirement set but simulation produced no estimate",
				Result: result,
			}
		}
		if result.EstimatedProfit.Cmp(c.MinProfit) < 0 {
			return &Verdict{
				Safe:   false,
				Reason: "estimated profit below required minimum",
				Result: result,
			}
		}
	}

	return &Verdict{Safe: true, Result: result}
}
