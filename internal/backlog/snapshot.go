package backlog

import (
	"sort"

	"github.com/msageha/devfleet/internal/model"
)

// Snapshot is a consistent copy of the store taken under its lock.
type Snapshot struct {
	Queued         []model.ItemID
	Leases         []LeaseInfo // sorted by worker
	Succeeded      int
	Skipped        int
	RecoveryActive bool
	Failures       map[string]int
	Retries        map[model.ItemID]int
}

// InFlight returns the active (not parked) lease held by worker.
func (s Snapshot) InFlight(worker string) (LeaseInfo, bool) {
	for _, l := range s.Leases {
		if l.Worker == worker && !l.Parked {
			return l, true
		}
	}
	return LeaseInfo{}, false
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Queued:         append([]model.ItemID(nil), s.queue...),
		Succeeded:      len(s.succeeded),
		Skipped:        len(s.skipped),
		RecoveryActive: !s.recoveryUntil.IsZero(),
		Failures:       make(map[string]int, len(s.failures)),
		Retries:        make(map[model.ItemID]int, len(s.retries)),
	}
	for id, r := range s.reservations {
		snap.Leases = append(snap.Leases, LeaseInfo{
			Lease:  Lease{Item: id, Worker: r.worker, Epoch: r.epoch},
			Start:  r.start,
			Parked: r.parked,
		})
	}
	sort.Slice(snap.Leases, func(i, j int) bool {
		if snap.Leases[i].Worker != snap.Leases[j].Worker {
			return snap.Leases[i].Worker < snap.Leases[j].Worker
		}
		return snap.Leases[i].Item < snap.Leases[j].Item
	})
	for w, n := range s.failures {
		snap.Failures[w] = n
	}
	for id, n := range s.retries {
		snap.Retries[id] = n
	}
	return snap
}

// Result is the final accounting of a run.
type Result struct {
	Succeeded []model.ItemID
	Skipped   []model.ItemID
	// Pending holds items still queued or reserved, non-empty only after Stop.
	Pending []model.ItemID
	Retries map[model.ItemID]int
}

func (s *Store) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := Result{
		Succeeded: sortedCopy(s.succeeded),
		Skipped:   sortedCopy(s.skipped),
		Retries:   make(map[model.ItemID]int, len(s.retries)),
	}
	pending := append([]model.ItemID(nil), s.queue...)
	for id, r := range s.reservations {
		if !r.parked {
			pending = append(pending, id)
		}
	}
	res.Pending = sortedCopy(pending)
	for id, n := range s.retries {
		res.Retries[id] = n
	}
	return res
}

func sortedCopy(ids []model.ItemID) []model.ItemID {
	if len(ids) == 0 {
		return nil
	}
	out := append([]model.ItemID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
