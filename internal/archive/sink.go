// internal/archive/sink.go
package archive

import (
	"context"

	"github.com/dmaresca/txpilot/internal/chain"
)

// CompletionSink persists every terminal record as it completes.
type CompletionSink struct {
	archive *Archive
}

// NewCompletionSink wraps the archive as a completion sink.
func NewCompletionSink(a *Archive) *CompletionSink {
	return &CompletionSink{archive: a}
}

// Name identifies the sink in logs.
func (s *CompletionSink) Name() string { return "archive" }

// Consume stores the terminal record.
func (s *CompletionSink) Consume(ctx context.Context, rec *chain.SubmissionRecord, ev chain.CompletionEvent) error {
	return s.archive.Store(ctx, rec)
}
