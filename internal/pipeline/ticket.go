// internal/pipeline/ticket.go
package pipeline

import (
	"sync"

	"github.com/dmaresca/txpilot/internal/chain"
	"github.com/dmaresca/txpilot/pkg/errors"
)

// Ticket coordinates cancellation between callers and the pipeline. A
// submission is cancellable only until its sequence number is reserved;
// after that the transaction is on its way to the chain and the caller gets
// ErrNotCancellable. It also publishes the submission's current state so
// status queries never race the worker goroutine.
type Ticket struct {
	mu        sync.Mutex
	cancelled bool
	reserved  bool
	terminal  bool
	state     chain.State
}

// NewTicket creates a ticket for one submission.
func NewTicket() *Ticket {
	return &Ticket{state: chain.StateIntake}
}

// Cancel requests cancellation. It succeeds only while the submission has
// not reserved a sequence number and has not completed.
func (t *Ticket) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal || t.reserved {
		return errors.SubmissionWrapWithCode(errors.ErrNotCancellable, errors.OpCancel,
			errors.SubmissionErrNotCancellable, "submission already past the point of no return")
	}
	t.cancelled = true
	return nil
}

// Cancelled reports whether cancellation was requested in time.
func (t *Ticket) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// State returns the last state the pipeline published.
func (t *Ticket) State() chain.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// noteState publishes the submission's current state.
func (t *Ticket) noteState(s chain.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// beginReserve closes the cancellation window. It returns false if the
// submission was cancelled first.
func (t *Ticket) beginReserve() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.reserved = true
	return true
}

// markTerminal records that the submission completed.
func (t *Ticket) markTerminal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.terminal = true
}
