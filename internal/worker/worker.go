// internal/worker/worker.go
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmaresca/txpilot/internal/chain"
	"github.com/dmaresca/txpilot/internal/nonce"
	"github.com/dmaresca/txpilot/internal/pipeline"
	"github.com/dmaresca/txpilot/pkg/errors"
	"github.com/dmaresca/txpilot/pkg/logging"
	"github.com/dmaresca/txpilot/pkg/metrics"
)

// Task is one queued submission.
type Task struct {
	Record *chain.SubmissionRecord
	Ticket *pipeline.Ticket
}

// Config holds worker settings for one chain.
type Config struct {
	ChainID string
	// QueueSize bounds admitted submissions (queued plus running).
	QueueSize int
	// AccountConcurrency is how many submissions may be in flight per
	// account. 1 keeps strict per-account FIFO.
	AccountConcurrency int
	// ReconcileInterval is the background nonce reconciliation cadence.
	ReconcileInterval time.Duration
	Logger            *logging.Logger
	Metrics           *metrics.Metrics
}

// Worker owns one chain's submission flow: a bounded ordered intake queue,
// per-account runners holding the concurrency bound, and the chain's nonce
// reconciliation loop. Accounts never block each other; chains never share
// anything.
type Worker struct {
	chainID   string
	pipe      *pipeline.Pipeline
	allocator *nonce.Allocator

	queueSize   int
	concurrency int
	reconcile   time.Duration

	queue       chan *Task
	inFlight    atomic.Int64
	completions chan<- chain.CompletionEvent

	runnerMu sync.Mutex
	runners  map[string]chan *Task

	stopMu  sync.RWMutex
	stopped bool

	started      atomic.Bool
	cancel       context.CancelFunc
	dispatchDone chan struct{}
	wg           sync.WaitGroup

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New creates a worker for one chain. Completion events go to the given
// channel; the receiver must drain it until Stop returns.
func New(pipe *pipeline.Pipeline, allocator *nonce.Allocator, completions chan<- chain.CompletionEvent, cfg Config) *Worker {
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 1024
	}
	concurrency := cfg.AccountConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Worker{
		chainID:      cfg.ChainID,
		pipe:         pipe,
		allocator:    allocator,
		queueSize:    queueSize,
		concurrency:  concurrency,
		reconcile:    cfg.ReconcileInterval,
		queue:        make(chan *Task, queueSize),
		completions:  completions,
		runners:      make(map[string]chan *Task),
		dispatchDone: make(chan struct{}),
		logger:       logger.WithChain(cfg.ChainID).WithField("component", "worker"),
		metrics:      cfg.Metrics,
	}
}

// ChainID returns the chain this worker serves.
func (w *Worker) ChainID() string { return w.chainID }

// Start launches the dispatch loop and the reconciliation loop. Calling it
// again is a no-op.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}

	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.dispatch(ctx)

	if w.reconcile > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.allocator.ReconcileLoop(ctx, w.reconcile)
		}()
	}

	w.logger.Info("worker started",
		"queue_size", w.queueSize, "account_concurrency", w.concurrency)
}

// Stop halts intake and waits for every admitted submission to reach a
// terminal state. Each still produces its completion event; a cancelled
// context makes the pipeline resolve them quickly.
func (w *Worker) Stop() {
	if !w.started.Load() {
		return
	}

	w.stopMu.Lock()
	w.stopped = true
	w.stopMu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	<-w.dispatchDone
	w.closeRunners()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

// Submit admits a task into the chain's queue. A full queue rejects
// synchronously with ErrQueueFull; the task never entered the pipeline and
// no completion event will follow.
func (w *Worker) Submit(task *Task) error {
	w.stopMu.RLock()
	defer w.stopMu.RUnlock()
	if w.stopped {
		return errors.SubmissionErrorf(errors.SubmissionErrRejected,
			"chain %s worker is stopped", w.chainID)
	}

	if n := w.inFlight.Add(1); n > int64(w.queueSize) {
		w.inFlight.Add(-1)
		return errors.SubmissionWrapWithCode(errors.ErrQueueFull, errors.OpSubmit,
			errors.SubmissionErrQueueFull,
			errors.Sprintf("chain %s queue is at capacity (%d)", w.chainID, w.queueSize))
	}
	w.publishDepth()
	w.queue <- task
	return nil
}

// dispatch routes queued tasks to their account runner, preserving intake
// order per account. On shutdown it first drains what was already admitted.
func (w *Worker) dispatch(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.dispatchDone)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case task := <-w.queue:
					w.route(ctx, task)
				default:
					return
				}
			}
		case task := <-w.queue:
			w.route(ctx, task)
		}
	}
}

func (w *Worker) route(ctx context.Context, task *Task) {
	w.runner(ctx, task.Record.Request.Sender) <- task
}

// runner returns the account's task channel, creating its goroutine on
// first use. The channel capacity matches the admission bound, so routing
// never blocks the dispatcher.
func (w *Worker) runner(ctx context.Context, account string) chan *Task {
	w.runnerMu.Lock()
	defer w.runnerMu.Unlock()

	if ch, ok := w.runners[account]; ok {
		return ch
	}

	ch := make(chan *Task, w.queueSize)
	w.runners[account] = ch

	w.wg.Add(1)
	go w.runAccount(ctx, ch)
	return ch
}

// closeRunners ends every account loop once dispatch has finished routing.
func (w *Worker) closeRunners() {
	w.runnerMu.Lock()
	defer w.runnerMu.Unlock()
	for _, ch := range w.runners {
		close(ch)
	}
}

// runAccount executes one account's tasks under the concurrency bound and
// exits when the channel closes.
func (w *Worker) runAccount(ctx context.Context, ch chan *Task) {
	defer w.wg.Done()

	sem := make(chan struct{}, w.concurrency)
	var tasks sync.WaitGroup
	defer tasks.Wait()

	for task := range ch {
		sem <- struct{}{}
		tasks.Add(1)
		go func(t *Task) {
			defer tasks.Done()
			defer func() { <-sem }()
			w.run(ctx, t)
		}(task)
	}
}

func (w *Worker) run(ctx context.Context, task *Task) {
	defer w.inFlight.Add(-1)
	defer w.publishDepth()

	ev := w.pipe.Run(ctx, task.Record, task.Ticket)
	w.completions <- ev
}

// Stats is a point-in-time view of the worker.
type Stats struct {
	ChainID  string      `json:"chain_id"`
	Queued   int         `json:"queued"`
	InFlight int64       `json:"in_flight"`
	Nonce    nonce.Stats `json:"nonce"`
}

// Stats reports queue and nonce state for status endpoints.
func (w *Worker) Stats() Stats {
	return Stats{
		ChainID:  w.chainID,
		Queued:   len(w.queue),
		InFlight: w.inFlight.Load(),
		Nonce:    w.allocator.Stats(),
	}
}

func (w *Worker) publishDepth() {
	if w.metrics != nil {
		w.metrics.SetQueueDepth(w.chainID, float64(w.inFlight.Load()))
		w.metrics.SetSubmissionsInFlight(w.chainID, float64(w.inFlight.Load()))
	}
}
