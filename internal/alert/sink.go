// internal/alert/sink.go
package alert

import (
	"context"
	"fmt"

	"github.com/dmaresca/txpilot/internal/chain"
)

// CompletionSink raises alerts for failed submissions: WARNING when the
// chain may have seen the transaction (reverted, dropped), ERROR when the
// core refused it. Confirmed submissions stay quiet.
type CompletionSink struct {
	notifier *Notifier
}

// NewCompletionSink wraps a notifier as a completion sink.
func NewCompletionSink(n *Notifier) *CompletionSink {
	return &CompletionSink{notifier: n}
}

// Name identifies the sink in logs.
func (s *CompletionSink) Name() string { return "slack-alerts" }

// Consume raises the outcome's alert, if any.
func (s *CompletionSink) Consume(ctx context.Context, rec *chain.SubmissionRecord, ev chain.CompletionEvent) error {
	var level Level
	switch ev.Outcome {
	case chain.StateReverted, chain.StateDropped:
		level = LevelWarning
	case chain.StateRejected:
		level = LevelError
	default:
		return nil
	}

	details := map[string]interface{}{
		"chain":   ev.ChainID,
		"sender":  ev.Sender,
		"outcome": string(ev.Outcome),
	}
	if ev.Reason != "" {
		details["reason"] = ev.Reason
	}
	if ev.NonceUsed {
		details["nonce"] = ev.Nonce
	}
	if ev.Handle != "" {
		details["handle"] = ev.Handle
	}

	return s.notifier.Send(ctx, level,
		fmt.Sprintf("submission %s %s", ev.RequestID, ev.Outcome), details)
}
