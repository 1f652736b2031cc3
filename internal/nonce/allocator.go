// internal/nonce/allocator.go
package nonce

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmaresca/txpilot/pkg/errors"
	"github.com/dmaresca/txpilot/pkg/logging"
	"github.com/dmaresca/txpilot/pkg/metrics"
)

// Source reads the authoritative consumed count for an account. Chain
// endpoints satisfy it.
type Source interface {
	ConfirmedNonce(ctx context.Context, account string) (uint64, error)
}

// Options configures an allocator.
type Options struct {
	ChainID string
	// MaxOutstanding is the per-account reservation threshold.
	MaxOutstanding int
	Logger         *logging.Logger
	Metrics        *metrics.Metrics
}

// Allocator hands out sequence numbers for one chain. Each account gets a
// slot tracking the authoritative consumed count and a high watermark of
// reservations. Slots initialize lazily from the chain, never from a
// default.
type Allocator struct {
	chainID        string
	source         Source
	maxOutstanding int
	logger         *logging.Logger
	metrics        *metrics.Metrics

	mu    sync.RWMutex
	slots map[string]*slot

	outstandingTotal atomic.Int64
	poisonedTotal    atomic.Int64
}

// slot is the per-account reservation window.
//
// confirmed is the consumed count the chain reported plus local confirmed
// releases: the next number the chain expects. next is the next number to
// hand out. Numbers in [confirmed, next) are outstanding.
type slot struct {
	mu          sync.Mutex
	account     string
	confirmed   uint64
	next        uint64
	entries     map[uint64]*Reservation
	initialized bool
	poisoned    bool
	epoch       uint64
}

// NewAllocator creates an allocator for one chain.
func NewAllocator(source Source, opts Options) *Allocator {
	maxOut := opts.MaxOutstanding
	if maxOut < 1 {
		maxOut = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Allocator{
		chainID:        opts.ChainID,
		source:         source,
		maxOutstanding: maxOut,
		logger:         logger.WithChain(opts.ChainID).WithField("component", "nonce"),
		metrics:        opts.Metrics,
		slots:          make(map[string]*slot),
	}
}

// Reservation is a handed-out sequence number. Exactly one of Confirm or
// Rollback must be called on it.
type Reservation struct {
	Account string
	Nonce   uint64

	alloc     *Allocator
	slot      *slot
	epoch     uint64
	released  bool
	confirmed bool
}

func (a *Allocator) getSlot(account string) *slot {
	a.mu.RLock()
	s, ok := a.slots[account]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.slots[account]; ok {
		return s
	}
	s = &slot{account: account, entries: make(map[uint64]*Reservation)}
	a.slots[account] = s
	return s
}

// Reserve hands out the next sequence number for the account. The first
// reservation on a slot, and any reservation on a poisoned slot, reconciles
// against the chain before numbering. Reservations beyond the outstanding
// threshold fail with ErrExhausted.
func (a *Allocator) Reserve(ctx context.Context, account string) (*Reservation, error) {
	s := a.getSlot(account)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized || s.poisoned {
		if err := a.reconcileLocked(ctx, s); err != nil {
			if s.poisoned {
				return nil, errors.NonceWrap(errors.ErrSlotPoisoned, errors.OpReserve,
					"slot awaiting reconciliation")
			}
			return nil, err
		}
	}

	if s.next-s.confirmed >= uint64(a.maxOutstanding) {
		return nil, errors.NonceWrap(errors.ErrExhausted, errors.OpReserve,
			errors.Sprintf("account %s has %d outstanding reservations", account, s.next-s.confirmed))
	}

	n := s.next
	s.next++
	r := &Reservation{
		Account: account,
		Nonce:   n,
		alloc:   a,
		slot:    s,
		epoch:   s.epoch,
	}
	s.entries[n] = r

	a.outstandingTotal.Add(1)
	if a.metrics != nil {
		a.metrics.RecordNonceReservation(a.chainID)
	}
	a.publishGauges()

	a.logger.Debug("reserved nonce", "account", account, "nonce", n)
	return r, nil
}

// Confirm releases the reservation as consumed by the chain. The slot's
// confirmed watermark advances over every contiguous confirmed reservation.
func (r *Reservation) Confirm() error {
	s := r.slot
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := r.beginReleaseLocked(); err != nil {
		return err
	}
	r.confirmed = true

	// Stale reservation: the chain already counted this number during a
	// reconcile. Nothing to advance.
	if r.Nonce < s.confirmed {
		delete(s.entries, r.Nonce)
		return nil
	}

	advanced := int64(0)
	for {
		e, ok := s.entries[s.confirmed]
		if !ok || !e.released || !e.confirmed {
			break
		}
		delete(s.entries, s.confirmed)
		s.confirmed++
		advanced++
	}
	if advanced > 0 {
		r.alloc.outstandingTotal.Add(-advanced)
		r.alloc.publishGauges()
	}
	return nil
}

// Rollback releases the reservation as unused. At the high-watermark
// boundary the number is freed for reuse; anywhere below, the rollback
// leaves a gap and the slot is poisoned until reconciliation.
func (r *Reservation) Rollback() error {
	s := r.slot
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := r.beginReleaseLocked(); err != nil {
		return err
	}

	delete(s.entries, r.Nonce)

	// Stale reservation: the chain consumed this number anyway. The local
	// window already excludes it.
	if r.Nonce < s.confirmed {
		return nil
	}

	if r.Nonce == s.next-1 {
		s.next--
		r.alloc.outstandingTotal.Add(-1)
		r.alloc.publishGauges()
		return nil
	}

	// A rollback below the watermark would leave a gap the chain will
	// never fill on its own. Refuse further reservations until the slot
	// is reconciled.
	if !s.poisoned {
		s.poisoned = true
		r.alloc.poisonedTotal.Add(1)
		r.alloc.publishGauges()
	}
	r.alloc.logger.Warn("out-of-order rollback poisoned slot",
		"account", r.Account, "nonce", r.Nonce, "next", s.next)
	return nil
}

// beginReleaseLocked enforces the exactly-once release contract and the
// reorg invalidation. Callers hold the slot lock.
func (r *Reservation) beginReleaseLocked() error {
	if r.released {
		return errors.NonceErrorf(errors.NonceErrDoubleRelease,
			"reservation %d for %s already released", r.Nonce, r.Account)
	}
	r.released = true

	if r.epoch != r.slot.epoch {
		// The number may have been re-reserved after the reorg; only
		// remove the entry if it is still ours.
		if e, ok := r.slot.entries[r.Nonce]; ok && e == r {
			delete(r.slot.entries, r.Nonce)
		}
		return errors.NonceWrap(errors.ErrReservationInvalidated, errors.OpRelease,
			errors.Sprintf("reservation %d for %s predates a reorg", r.Nonce, r.Account))
	}
	return nil
}

// Poison marks the account's slot as unsafe. Reservations fail until a
// reconciliation succeeds.
func (a *Allocator) Poison(account string) {
	s := a.getSlot(account)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.poisoned {
		s.poisoned = true
		a.poisonedTotal.Add(1)
		a.publishGauges()
	}
	a.logger.Warn("slot poisoned", "account", account)
}

// Reconcile re-syncs the account's slot against the chain.
func (a *Allocator) Reconcile(ctx context.Context, account string) error {
	s := a.getSlot(account)
	s.mu.Lock()
	defer s.mu.Unlock()
	return a.reconcileLocked(ctx, s)
}

// reconcileLocked adopts the authoritative consumed count. A count below
// the local confirmed watermark means a reorg rewound the account: every
// outstanding reservation is invalidated so no transaction built on the
// old history can be reported confirmed.
func (a *Allocator) reconcileLocked(ctx context.Context, s *slot) error {
	auth, err := a.source.ConfirmedNonce(ctx, s.account)
	if err != nil {
		return errors.NonceWrap(err, errors.OpReconcile,
			errors.Sprintf("reading authoritative nonce for %s", s.account))
	}

	before := int64(0)
	if s.initialized {
		before = int64(s.next - s.confirmed)
	}

	switch {
	case s.initialized && auth < s.confirmed:
		a.logger.Warn("reorg detected",
			"account", s.account, "authoritative", auth, "confirmed", s.confirmed)
		s.epoch++
		s.entries = make(map[uint64]*Reservation)
		s.confirmed = auth
		s.next = auth
	case s.poisoned:
		// The local window is not trusted: a rollback gap or an ambiguous
		// loss sits somewhere in it. Adopt the chain's count and invalidate
		// whatever is still outstanding; those submissions report Dropped
		// and the caller decides about resubmission.
		s.epoch++
		s.entries = make(map[uint64]*Reservation)
		s.confirmed = auth
		s.next = auth
	default:
		s.confirmed = auth
		if s.next < auth {
			s.next = auth
		}
		// Entries below the new watermark were consumed on chain; drop
		// the released ones now, stale releases clean up the rest.
		for n, e := range s.entries {
			if n < auth && e.released {
				delete(s.entries, n)
			}
		}
	}

	s.initialized = true
	if s.poisoned {
		s.poisoned = false
		a.poisonedTotal.Add(-1)
	}

	after := int64(s.next - s.confirmed)
	if d := after - before; d != 0 {
		a.outstandingTotal.Add(d)
	}
	a.publishGauges()

	a.logger.Debug("slot reconciled",
		"account", s.account, "confirmed", s.confirmed, "next", s.next)
	return nil
}

// ReconcileLoop periodically re-syncs idle and poisoned slots until the
// context is done. Slots with outstanding reservations are left alone; the
// in-flight releases will settle them.
func (a *Allocator) ReconcileLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, account := range a.accounts() {
				s := a.getSlot(account)
				s.mu.Lock()
				idle := s.initialized && (s.poisoned || s.next == s.confirmed)
				s.mu.Unlock()
				if !idle {
					continue
				}
				if err := a.Reconcile(ctx, account); err != nil {
					a.logger.Warn("background reconcile failed",
						"account", account, "error", err.Error())
				}
			}
		}
	}
}

func (a *Allocator) accounts() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.slots))
	for acct := range a.slots {
		out = append(out, acct)
	}
	return out
}

// Stats is a point-in-time view of the allocator.
type Stats struct {
	Slots       int   `json:"slots"`
	Outstanding int64 `json:"outstanding"`
	Poisoned    int64 `json:"poisoned"`
}

// Stats reports slot counts for status and health reporting.
func (a *Allocator) Stats() Stats {
	a.mu.RLock()
	slots := len(a.slots)
	a.mu.RUnlock()
	return Stats{
		Slots:       slots,
		Outstanding: a.outstandingTotal.Load(),
		Poisoned:    a.poisonedTotal.Load(),
	}
}

// Outstanding reports the account's open reservation window.
func (a *Allocator) Outstanding(account string) int {
	s := a.getSlot(account)
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.next - s.confirmed)
}

func (a *Allocator) publishGauges() {
	if a.metrics == nil {
		return
	}
	a.metrics.SetNonceOutstanding(a.chainID, float64(a.outstandingTotal.Load()))
	a.metrics.SetNoncePoisoned(a.chainID, float64(a.poisonedTotal.Load()))
}
