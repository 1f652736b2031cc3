// Package submit provides interfaces for handing transaction requests to the
// submission core.
package submit

import (
	"context"

	"github.com/dmaresca/txpilot/internal/chain"
)

// Submitter defines the interface for submitting transaction requests.
// This interface is used by components that accept requests (the HTTP API,
// the Kafka intake, load generators) without directly depending on the
// orchestrator implementation.
type Submitter interface {
	// Submit admits a request for asynchronous processing. A nil error
	// means the request was accepted and will terminate with exactly one
	// completion event.
	Submit(ctx context.Context, req *chain.TransactionRequest) error

	// Cancel withdraws a submission that has not yet reserved a sequence
	// number. Submissions past that point are no longer cancellable.
	Cancel(id string) error
}
