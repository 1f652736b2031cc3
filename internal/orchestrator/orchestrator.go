// internal/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmaresca/txpilot/internal/chain"
	"github.com/dmaresca/txpilot/internal/keyring"
	"github.com/dmaresca/txpilot/internal/nonce"
	"github.com/dmaresca/txpilot/internal/pipeline"
	"github.com/dmaresca/txpilot/internal/simulate"
	"github.com/dmaresca/txpilot/internal/worker"
	"github.com/dmaresca/txpilot/pkg/config"
	"github.com/dmaresca/txpilot/pkg/errors"
	"github.com/dmaresca/txpilot/pkg/logging"
	"github.com/dmaresca/txpilot/pkg/metrics"
)

// Sink consumes completion events after the submission core is done with
// them. Sinks are best-effort: a failing sink is logged and skipped, it
// never blocks or fails the submission itself.
type Sink interface {
	Name() string
	Consume(ctx context.Context, rec *chain.SubmissionRecord, ev chain.CompletionEvent) error
}

// sinkTimeout bounds each sink call so one slow consumer cannot back up
// completion handling.
const sinkTimeout = 5 * time.Second

// recentCap bounds the terminal-ID ring used for duplicate detection.
const recentCap = 4096

type entry struct {
	rec    *chain.SubmissionRecord
	ticket *pipeline.Ticket
}

// Orchestrator routes submissions to their chain worker, tracks in-flight
// records, and fans completion events out to sinks. It is the single
// implementation of submit.Submitter.
type Orchestrator struct {
	cfg  *config.Config
	keys keyring.Keyring

	endpoints   map[string]chain.Endpoint
	simulators  map[string]*simulate.Simulator
	pool        *worker.Pool
	completions chan chain.CompletionEvent

	mu       sync.Mutex
	inflight map[string]*entry
	recent   map[string]struct{}
	ring     []string
	ringIdx  int

	sinks []Sink

	paused   atomic.Bool
	started  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New builds the orchestrator and one worker per configured chain,
// constructing each chain's endpoint from its config.
func New(cfg *config.Config, keys keyring.Keyring, logger *logging.Logger, m *metrics.Metrics) (*Orchestrator, error) {
	endpoints := make(map[string]chain.Endpoint, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		ep, err := buildEndpoint(cc, cfg.DryRun, logger, m)
		if err != nil {
			return nil, err
		}
		endpoints[cc.ID] = ep
	}
	return NewWithEndpoints(cfg, keys, endpoints, logger, m)
}

// NewWithEndpoints builds the orchestrator over caller-supplied endpoints.
// Every configured chain must have one.
func NewWithEndpoints(cfg *config.Config, keys keyring.Keyring, endpoints map[string]chain.Endpoint, logger *logging.Logger, m *metrics.Metrics) (*Orchestrator, error) {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}

	o := &Orchestrator{
		cfg:         cfg,
		keys:        keys,
		endpoints:   endpoints,
		simulators:  make(map[string]*simulate.Simulator, len(cfg.Chains)),
		pool:        worker.NewPool(logger),
		completions: make(chan chain.CompletionEvent, 256),
		inflight:    make(map[string]*entry),
		recent:      make(map[string]struct{}),
		ring:        make([]string, 0, recentCap),
		logger:      logger.WithField("component", "orchestrator"),
		metrics:     m,
	}

	for _, cc := range cfg.Chains {
		ep, ok := endpoints[cc.ID]
		if !ok {
			return nil, errors.SubmissionErrorf(errors.SubmissionErrUnknownChain,
				"no endpoint for configured chain %s", cc.ID)
		}

		alloc := nonce.NewAllocator(ep, nonce.Options{
			ChainID:        cc.ID,
			MaxOutstanding: cc.MaxOutstanding,
			Logger:         logger,
			Metrics:        m,
		})
		sim := simulate.New(ep, simulate.Config{
			ChainID:     cc.ID,
			MaxAttempts: cc.MaxSimAttempts,
			Logger:      logger,
			Metrics:     m,
		})
		pipe := pipeline.New(ep, alloc, sim, keys, pipeline.Config{
			ChainID:              cc.ID,
			ReserveRetryBudget:   cc.ReserveRetryBudget,
			MaxBroadcastAttempts: cc.MaxBroadcastAttempts,
			ConfirmTimeout:       cc.ConfirmTimeout,
			PollInterval:         cc.PollInterval,
			Logger:               logger,
			Metrics:              m,
		})

		o.simulators[cc.ID] = sim
		o.pool.Add(worker.New(pipe, alloc, o.completions, worker.Config{
			ChainID:            cc.ID,
			QueueSize:          cc.QueueSize,
			AccountConcurrency: cc.AccountConcurrency,
			ReconcileInterval:  cc.ReconcileInterval,
			Logger:             logger,
			Metrics:            m,
		}))
	}

	return o, nil
}

// buildEndpoint constructs a chain endpoint from its config. memory://
// endpoints run the in-process simulated chain; http(s) endpoints speak
// JSON-RPC. Dry-run wraps either so nothing real is ever broadcast.
func buildEndpoint(cc config.ChainConfig, dryRun bool, logger *logging.Logger, m *metrics.Metrics) (chain.Endpoint, error) {
	var ep chain.Endpoint
	switch {
	case strings.HasPrefix(cc.Endpoint, "memory://"):
		ep = chain.NewMemoryEndpoint(cc.ID)
	case strings.HasPrefix(cc.Endpoint, "http://"), strings.HasPrefix(cc.Endpoint, "https://"):
		ep = chain.NewJSONRPCEndpoint(chain.JSONRPCConfig{
			ChainID:   cc.ID,
			URL:       cc.Endpoint,
			Timeout:   cc.RPCTimeout,
			RateLimit: cc.RPCRateLimit,
			Logger:    logger,
			Metrics:   m,
		})
	default:
		return nil, errors.SubmissionErrorf(errors.SubmissionErrInvalidRequest,
			"chain %s: unsupported endpoint %q", cc.ID, cc.Endpoint)
	}
	if dryRun {
		ep = chain.NewDryRunEndpoint(ep, logger)
	}
	return ep, nil
}

// AddSink registers a completion sink. Call before Start.
func (o *Orchestrator) AddSink(s Sink) {
	o.sinks = append(o.sinks, s)
}

// Endpoint returns the endpoint serving the given chain. Health probes use
// it for cheap reads; everything else goes through Submit.
func (o *Orchestrator) Endpoint(chainID string) (chain.Endpoint, bool) {
	ep, ok := o.endpoints[chainID]
	return ep, ok
}

// Start launches the workers and the completion loop. Calling it again is
// a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return nil
	}

	ctx, o.cancel = context.WithCancel(ctx)
	o.pool.Start(ctx)

	o.wg.Add(1)
	go o.aggregate()

	o.logger.Info("orchestrator started",
		"chains", len(o.endpoints), "sinks", len(o.sinks), "dry_run", o.cfg.DryRun)
	return nil
}

// Stop pauses intake, winds the workers down, and drains the completion
// channel. Every admitted submission still reports its outcome.
func (o *Orchestrator) Stop() {
	if !o.started.Load() {
		return
	}
	o.stopOnce.Do(func() {
		o.paused.Store(true)
		if o.cancel != nil {
			o.cancel()
		}
		o.pool.Stop()
		close(o.completions)
		o.wg.Wait()
		o.logger.Info("orchestrator stopped")
	})
}

// Submit validates and admits a request. A nil return means the request
// will terminate with exactly one completion event; any error means it
// never entered the pipeline.
func (o *Orchestrator) Submit(ctx context.Context, req *chain.TransactionRequest) error {
	if !o.started.Load() {
		return errors.SubmissionErrorf(errors.SubmissionErrRejected, "submission core is not running")
	}
	if o.paused.Load() {
		return errors.SubmissionWrapWithCode(errors.ErrPaused, errors.OpSubmit,
			errors.SubmissionErrPaused, "intake is paused")
	}
	if err := req.Validate(); err != nil {
		return errors.SubmissionWrapWithCode(err, errors.OpSubmit,
			errors.SubmissionErrInvalidRequest, "invalid transaction request")
	}

	w, ok := o.pool.Get(req.ChainID)
	if !ok {
		return errors.SubmissionWrapWithCode(errors.ErrUnknownChain, errors.OpSubmit,
			errors.SubmissionErrUnknownChain,
			errors.Sprintf("no configured endpoint for chain %s", req.ChainID))
	}

	rec := chain.NewSubmissionRecord(req)
	ticket := pipeline.NewTicket()

	o.mu.Lock()
	if _, dup := o.inflight[req.ID]; dup {
		o.mu.Unlock()
		return errors.SubmissionWrapWithCode(errors.ErrDuplicateSubmission, errors.OpSubmit,
			errors.SubmissionErrDuplicate, errors.Sprintf("submission %s is already in flight", req.ID))
	}
	if _, seen := o.recent[req.ID]; seen {
		o.mu.Unlock()
		return errors.SubmissionWrapWithCode(errors.ErrDuplicateSubmission, errors.OpSubmit,
			errors.SubmissionErrDuplicate, errors.Sprintf("submission %s was already processed", req.ID))
	}
	o.inflight[req.ID] = &entry{rec: rec, ticket: ticket}
	o.mu.Unlock()

	if err := w.Submit(&worker.Task{Record: rec, Ticket: ticket}); err != nil {
		o.mu.Lock()
		delete(o.inflight, req.ID)
		o.mu.Unlock()
		return err
	}

	o.logger.Debug("submission accepted",
		"request_id", req.ID, "chain", req.ChainID, "sender", req.Sender)
	return nil
}

// Cancel withdraws an in-flight submission if it has not yet reserved a
// sequence number.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	e, ok := o.inflight[id]
	o.mu.Unlock()
	if !ok {
		return errors.SubmissionWrapWithCode(errors.ErrSubmissionNotFound, errors.OpCancel,
			errors.SubmissionErrNotFound, errors.Sprintf("no active submission %s", id))
	}
	return e.ticket.Cancel()
}

// Snapshot is a race-free view of an in-flight submission.
type Snapshot struct {
	ID         string      `json:"id"`
	ChainID    string      `json:"chain_id"`
	Sender     string      `json:"sender"`
	State      chain.State `json:"state"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// Get returns the live view of an in-flight submission. Terminal records
// live in the archive, not here.
func (o *Orchestrator) Get(id string) (Snapshot, bool) {
	o.mu.Lock()
	e, ok := o.inflight[id]
	o.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		ID:         e.rec.Request.ID,
		ChainID:    e.rec.Request.ChainID,
		Sender:     e.rec.Request.Sender,
		State:      e.ticket.State(),
		EnqueuedAt: e.rec.EnqueuedAt,
	}, true
}

// Simulate runs a request through the chain's simulator without
// submitting it. The frame uses the account's current confirmed sequence
// number; nothing is reserved.
func (o *Orchestrator) Simulate(ctx context.Context, req *chain.TransactionRequest) (*simulate.Verdict, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.SubmissionWrapWithCode(err, errors.OpSimulate,
			errors.SubmissionErrInvalidRequest, "invalid transaction request")
	}
	sim, ok := o.simulators[req.ChainID]
	if !ok {
		return nil, errors.SubmissionWrapWithCode(errors.ErrUnknownChain, errors.OpSimulate,
			errors.SubmissionErrUnknownChain,
			errors.Sprintf("no configured endpoint for chain %s", req.ChainID))
	}
	n, err := o.endpoints[req.ChainID].ConfirmedNonce(ctx, req.Sender)
	if err != nil {
		return nil, err
	}
	return sim.Run(ctx, req, n)
}

// Pause stops intake. In-flight submissions keep running.
func (o *Orchestrator) Pause() {
	if o.paused.CompareAndSwap(false, true) {
		o.logger.Warn("intake paused")
	}
}

// Resume reopens intake.
func (o *Orchestrator) Resume() {
	if o.paused.CompareAndSwap(true, false) {
		o.logger.Info("intake resumed")
	}
}

// Paused reports whether intake is paused.
func (o *Orchestrator) Paused() bool {
	return o.paused.Load()
}

// Status is a point-in-time view of the whole submission core.
type Status struct {
	Running  bool           `json:"running"`
	Paused   bool           `json:"paused"`
	DryRun   bool           `json:"dry_run"`
	InFlight int            `json:"in_flight"`
	Chains   []worker.Stats `json:"chains"`
}

// Status reports the core's current state for the status endpoint.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	inflight := len(o.inflight)
	o.mu.Unlock()
	return Status{
		Running:  o.started.Load(),
		Paused:   o.paused.Load(),
		DryRun:   o.cfg.DryRun,
		InFlight: inflight,
		Chains:   o.pool.Stats(),
	}
}

// aggregate consumes completion events until the channel closes, retiring
// each submission and fanning its event out to the sinks.
func (o *Orchestrator) aggregate() {
	defer o.wg.Done()
	for ev := range o.completions {
		o.mu.Lock()
		e, ok := o.inflight[ev.RequestID]
		delete(o.inflight, ev.RequestID)
		if ok {
			o.remember(ev.RequestID)
		}
		o.mu.Unlock()

		if !ok {
			o.logger.Warn("completion for unknown submission", "request_id", ev.RequestID)
			continue
		}
		o.dispatchSinks(e.rec, ev)
	}
}

// remember adds a terminal ID to the duplicate-detection ring. Caller
// holds o.mu.
func (o *Orchestrator) remember(id string) {
	if len(o.ring) < recentCap {
		o.ring = append(o.ring, id)
	} else {
		delete(o.recent, o.ring[o.ringIdx])
		o.ring[o.ringIdx] = id
		o.ringIdx = (o.ringIdx + 1) % recentCap
	}
	o.recent[id] = struct{}{}
}

func (o *Orchestrator) dispatchSinks(rec *chain.SubmissionRecord, ev chain.CompletionEvent) {
	for _, s := range o.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := s.Consume(ctx, rec, ev); err != nil {
			o.logger.WithError(err).Warn("completion sink failed",
				"sink", s.Name(), "request_id", ev.RequestID)
		}
		cancel()
	}
}
