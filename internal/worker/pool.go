// internal/worker/pool.go
package worker

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/dmaresca/txpilot/pkg/logging"
)

// Pool holds one worker per chain. Chains are fully independent: a stalled
// or saturated chain never slows the others.
type Pool struct {
	workers map[string]*Worker
	order   []string
	started atomic.Bool
	logger  *logging.Logger
}

// NewPool creates an empty pool.
func NewPool(logger *logging.Logger) *Pool {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Pool{
		workers: make(map[string]*Worker),
		logger:  logger.WithField("component", "worker_pool"),
	}
}

// Add registers a worker before Start. Adding the same chain twice replaces
// the earlier worker.
func (p *Pool) Add(w *Worker) {
	if _, ok := p.workers[w.ChainID()]; !ok {
		p.order = append(p.order, w.ChainID())
	}
	p.workers[w.ChainID()] = w
}

// Get returns the worker for a chain.
func (p *Pool) Get(chainID string) (*Worker, bool) {
	w, ok := p.workers[chainID]
	return w, ok
}

// Chains lists registered chain IDs in registration order.
func (p *Pool) Chains() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Start launches every worker. Calling it again is a no-op.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for _, id := range p.order {
		p.workers[id].Start(ctx)
	}
	p.logger.Info("worker pool started", "chains", len(p.workers))
}

// Stop halts every worker and waits for their in-flight submissions.
func (p *Pool) Stop() {
	if !p.started.Load() {
		return
	}
	for _, id := range p.order {
		p.workers[id].Stop()
	}
	p.logger.Info("worker pool stopped")
}

// Stats reports per-chain worker state sorted by chain ID.
func (p *Pool) Stats() []Stats {
	out := make([]Stats, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}
