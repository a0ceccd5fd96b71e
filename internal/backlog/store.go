// Package backlog holds the pending work-item queue, the reservation table and the run state
// (succeeded, skipped, retry counts) behind a single mutex and condition variable.
package backlog

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/msageha/devfleet/internal/logx"
	"github.com/msageha/devfleet/internal/model"
)

// ErrStopped is returned by FetchNext once Stop has been called.
var ErrStopped = errors.New("backlog: stopped")

// Options configures a Store. Zero values fall back to defaults.
type Options struct {
	MaxRetries   int
	RetryBackoff time.Duration
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *logx.Logger
}

// Lease is a worker's handle on a reservation. Every report is fenced by Epoch.
type Lease struct {
	Item   model.ItemID
	Worker string
	Epoch  int
}

// LeaseInfo describes a reservation in a Snapshot.
type LeaseInfo struct {
	Lease
	Start  time.Time
	Parked bool
}

// RequeueResult tells the caller what Requeue did with the item.
type RequeueResult int

const (
	RequeueStale RequeueResult = iota // lease no longer active; nothing changed
	Requeued
	Skipped
)

func (r RequeueResult) String() string {
	switch r {
	case Requeued:
		return "requeued"
	case Skipped:
		return "skipped"
	default:
		return "stale"
	}
}

type reservation struct {
	worker string
	epoch  int
	start  time.Time
	// parked reservations sit in the queue and may only be fetched by their owner.
	parked bool
}

// Store is the single source of truth for who owns which item.
type Store struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue         []model.ItemID
	reservations  map[model.ItemID]*reservation
	active        map[string]model.ItemID
	retries       map[model.ItemID]int
	known         map[model.ItemID]bool
	succeeded     []model.ItemID
	skipped       []model.ItemID
	backoffUntil  map[string]time.Time
	failures      map[string]int
	recoveryUntil time.Time
	epoch         int
	drained       bool
	stopped       bool

	maxRetries   int
	retryBackoff time.Duration
	pollInterval time.Duration
	now          func() time.Time
	logger       *logx.Logger
}

// New creates a store holding items in the given (FIFO) order.
func New(items []model.ItemID, opts Options) *Store {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logx.Discard()
	}
	s := &Store{
		reservations: make(map[model.ItemID]*reservation),
		active:       make(map[string]model.ItemID),
		retries:      make(map[model.ItemID]int),
		known:        make(map[model.ItemID]bool),
		backoffUntil: make(map[string]time.Time),
		failures:     make(map[string]int),
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
		pollInterval: opts.PollInterval,
		now:          opts.Now,
		logger:       opts.Logger,
	}
	s.cond = sync.NewCond(&s.mu)
	for _, id := range items {
		if s.known[id] {
			continue
		}
		s.known[id] = true
		s.queue = append(s.queue, id)
	}
	return s
}

// FetchNext reserves the next item for worker. It blocks while the queue is empty but other
// items are still reserved, and returns ok=false once nothing is queued or reserved.
func (s *Store) FetchNext(ctx context.Context, worker string) (Lease, bool, error) {
	stop := context.AfterFunc(ctx, s.Broadcast)
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return Lease{}, false, err
		}
		if s.stopped {
			return Lease{}, false, ErrStopped
		}
		now := s.now()

		if !s.recoveryUntil.IsZero() {
			if remaining := s.recoveryUntil.Sub(now); remaining > 0 {
				s.waitLocked(remaining)
				continue
			}
			s.recoveryUntil = time.Time{}
			s.logger.Infof("global_recovery_ended reason=grace_elapsed")
		}

		if until, ok := s.backoffUntil[worker]; ok {
			if remaining := until.Sub(now); remaining > 0 {
				s.waitLocked(remaining)
				continue
			}
			delete(s.backoffUntil, worker)
		}

		if lease, ok := s.takeLocked(worker, now); ok {
			s.logger.Debugf("item_reserved item=%d worker=%s epoch=%d queued=%d",
				lease.Item, worker, lease.Epoch, len(s.queue))
			return lease, true, nil
		}

		if len(s.queue) == 0 && len(s.reservations) == 0 {
			s.drained = true
			s.cond.Broadcast()
			return Lease{}, false, nil
		}
		s.waitLocked(s.pollInterval)
	}
}

// takeLocked pops the worker's parked item if it has one, otherwise the first queued item
// not parked for a different worker.
func (s *Store) takeLocked(worker string, now time.Time) (Lease, bool) {
	for i, id := range s.queue {
		if r := s.reservations[id]; r != nil && r.parked && r.worker == worker {
			s.removeAtLocked(i)
			return s.activateLocked(id, worker, now), true
		}
	}
	for i, id := range s.queue {
		if r := s.reservations[id]; r != nil && r.worker != worker {
			continue
		}
		s.removeAtLocked(i)
		return s.activateLocked(id, worker, now), true
	}
	return Lease{}, false
}

func (s *Store) removeAtLocked(i int) {
	s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
}

func (s *Store) activateLocked(id model.ItemID, worker string, now time.Time) Lease {
	s.epoch++
	s.reservations[id] = &reservation{worker: worker, epoch: s.epoch, start: now}
	s.active[worker] = id
	return Lease{Item: id, Worker: worker, Epoch: s.epoch}
}

// waitLocked blocks on the condition variable for at most min(d, pollInterval).
func (s *Store) waitLocked(d time.Duration) {
	if d <= 0 || d > s.pollInterval {
		d = s.pollInterval
	}
	t := time.AfterFunc(d, s.Broadcast)
	s.cond.Wait()
	t.Stop()
}

func (s *Store) isActiveLocked(l Lease) bool {
	r := s.reservations[l.Item]
	return r != nil && !r.parked && r.worker == l.Worker && r.epoch == l.Epoch
}

// Active reports whether the lease still owns its item.
func (s *Store) Active(l Lease) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isActiveLocked(l)
}

// Complete releases the reservation. Success clears the item's retry count; failure records
// the item as skipped. A stale or repeated call is a no-op and returns false.
func (s *Store) Complete(l Lease, success bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isActiveLocked(l) {
		return false
	}
	delete(s.reservations, l.Item)
	delete(s.active, l.Worker)
	if success {
		delete(s.retries, l.Item)
		s.succeeded = append(s.succeeded, l.Item)
		s.failures[l.Worker] = 0
	} else {
		s.skipped = append(s.skipped, l.Item)
		s.failures[l.Worker]++
		s.logger.Errorf("item_skipped item=%d worker=%s reason=failed_completion", l.Item, l.Worker)
	}
	s.cond.Broadcast()
	return true
}

// Requeue consumes one retry for the item. Past MaxRetries the item is skipped; otherwise it
// goes to the front of the queue and the worker is backed off. keepReservation parks the
// reservation so only the same worker can fetch the item again.
func (s *Store) Requeue(l Lease, reason string, keepReservation bool) RequeueResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isActiveLocked(l) {
		return RequeueStale
	}
	return s.requeueLocked(l, reason, keepReservation, true)
}

// RequeueWithoutPenalty returns the item to the queue front without touching its retry count.
func (s *Store) RequeueWithoutPenalty(l Lease, reason string) RequeueResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isActiveLocked(l) {
		return RequeueStale
	}
	return s.requeueLocked(l, reason, false, false)
}

func (s *Store) requeueLocked(l Lease, reason string, keep, penalty bool) RequeueResult {
	delete(s.active, l.Worker)

	attempts := s.retries[l.Item]
	if penalty {
		attempts++
		s.retries[l.Item] = attempts
		s.failures[l.Worker]++
	}

	if penalty && attempts > s.maxRetries {
		delete(s.reservations, l.Item)
		s.skipped = append(s.skipped, l.Item)
		s.logger.Errorf("item_skipped item=%d worker=%s reason=%s attempts=%d max_retries=%d",
			l.Item, l.Worker, reason, attempts, s.maxRetries)
		s.cond.Broadcast()
		return Skipped
	}

	if keep {
		s.reservations[l.Item].parked = true
	} else {
		delete(s.reservations, l.Item)
	}
	s.queue = append([]model.ItemID{l.Item}, s.queue...)
	if penalty && s.retryBackoff > 0 {
		s.backoffUntil[l.Worker] = s.now().Add(s.retryBackoff)
	}
	s.logger.Debugf("item_requeued item=%d worker=%s reason=%s attempts=%d keep=%t penalty=%t",
		l.Item, l.Worker, reason, attempts, keep, penalty)
	s.cond.Broadcast()
	return Requeued
}

// RequeueAllWithoutPenalty releases every reservation (active and parked), puts active items
// back at the queue front in ascending order and holds new fetches for grace.
func (s *Store) RequeueAllWithoutPenalty(reason string, grace time.Duration) []model.ItemID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released []model.ItemID
	for id, r := range s.reservations {
		if !r.parked {
			released = append(released, id)
		}
		delete(s.reservations, id)
	}
	sort.Slice(released, func(i, j int) bool { return released[i] < released[j] })
	s.queue = append(append([]model.ItemID(nil), released...), s.queue...)

	clear(s.active)
	clear(s.backoffUntil)
	if grace > 0 {
		s.recoveryUntil = s.now().Add(grace)
	}
	s.logger.Warnf("global_recovery_started reason=%s released=%d grace=%s", reason, len(released), grace)
	s.cond.Broadcast()
	return released
}

// EndRecovery lifts the global recovery hold early.
func (s *Store) EndRecovery() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recoveryUntil.IsZero() {
		return
	}
	s.recoveryUntil = time.Time{}
	s.logger.Infof("global_recovery_ended reason=devices_ready")
	s.cond.Broadcast()
}

func (s *Store) RecoveryActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.recoveryUntil.IsZero()
}

// ResetStart restarts the hard-timeout clock of an active lease.
func (s *Store) ResetStart(l Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isActiveLocked(l) {
		s.reservations[l.Item].start = s.now()
	}
}

// Add appends newly discovered items to the queue tail. Items arriving after the backlog
// drained are refused and left for the next run.
func (s *Store) Add(ids ...model.ItemID) []model.ItemID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drained || s.stopped {
		return nil
	}
	var added []model.ItemID
	for _, id := range ids {
		if s.known[id] {
			continue
		}
		s.known[id] = true
		s.queue = append(s.queue, id)
		added = append(added, id)
	}
	if len(added) > 0 {
		s.cond.Broadcast()
	}
	return added
}

// Known reports whether id has ever been part of this backlog.
func (s *Store) Known(id model.ItemID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known[id]
}

// Stop makes every current and future FetchNext return ErrStopped.
func (s *Store) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.cond.Broadcast()
}

// Broadcast wakes all waiters so they re-evaluate their conditions.
func (s *Store) Broadcast() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}
