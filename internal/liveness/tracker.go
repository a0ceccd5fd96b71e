// Package liveness tracks per-device progress timestamps, in-flight restarts and the
// nestable "restarts paused" gate.
package liveness

import (
	"math"
	"sync"
	"time"
)

// Never is the idle time reported for a device that has not recorded progress.
const Never = time.Duration(math.MaxInt64)

type Tracker struct {
	mu           sync.Mutex
	lastProgress map[string]time.Time
	restarting   map[string]time.Time
	pauseDepth   int
	pauseReason  string
	now          func() time.Time
}

func New() *Tracker {
	return NewWithClock(time.Now)
}

// NewWithClock builds a tracker reading time from now.
func NewWithClock(now func() time.Time) *Tracker {
	return &Tracker{
		lastProgress: make(map[string]time.Time),
		restarting:   make(map[string]time.Time),
		now:          now,
	}
}

// RecordProgress stamps the device with the current time.
func (t *Tracker) RecordProgress(device string) {
	t.mu.Lock()
	t.lastProgress[device] = t.now()
	t.mu.Unlock()
}

// IdleTime returns the time since the last progress, or Never.
func (t *Tracker) IdleTime(device string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idleLocked(device)
}

func (t *Tracker) idleLocked(device string) time.Duration {
	last, ok := t.lastProgress[device]
	if !ok {
		return Never
	}
	return t.now().Sub(last)
}

// HaveAllBeenIdle reports whether every listed device has been idle for at least threshold.
// An empty list is never considered idle.
func (t *Tracker) HaveAllBeenIdle(devices []string, threshold time.Duration) bool {
	if len(devices) == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range devices {
		if t.idleLocked(d) < threshold {
			return false
		}
	}
	return true
}

// BeginRestart marks the device as restarting. It returns false if a restart is already in
// flight for it.
func (t *Tracker) BeginRestart(device string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.restarting[device]; busy {
		return false
	}
	t.restarting[device] = t.now()
	return true
}

// EndRestart clears the restarting mark and counts the restart as progress.
func (t *Tracker) EndRestart(device string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.restarting, device)
	t.lastProgress[device] = t.now()
}

func (t *Tracker) IsRestarting(device string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.restarting[device]
	return ok
}

// PauseRestarts suppresses automatic restarts until the matching ResumeRestarts. Calls nest.
func (t *Tracker) PauseRestarts(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pauseDepth++
	if t.pauseDepth == 1 || reason != "" {
		t.pauseReason = reason
	}
}

// ResumeRestarts undoes one PauseRestarts. Extra calls are ignored.
func (t *Tracker) ResumeRestarts() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pauseDepth == 0 {
		return
	}
	t.pauseDepth--
	if t.pauseDepth == 0 {
		t.pauseReason = ""
	}
}

// RestartsPaused returns whether restarts are paused and the most recent reason.
func (t *Tracker) RestartsPaused() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pauseDepth > 0, t.pauseReason
}
