package fleet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/devfleet/internal/backlog"
	"github.com/msageha/devfleet/internal/events"
	"github.com/msageha/devfleet/internal/model"
)

// monitor is the stall/health loop. All of its state is owned by the monitor goroutine;
// sweep is never called concurrently.
type monitor struct {
	s    *Scheduler
	opts MonitorOptions

	strikes       map[string]int
	globalCycles  int
	lastHealth    time.Time
	lastStatus    time.Time
	healthRestart map[string]time.Time
	lastDiagReset time.Time

	lastSucceeded int
	lastForward   time.Time

	lastDone       int
	lastCompletion time.Time
}

func newMonitor(s *Scheduler) *monitor {
	return &monitor{
		s:             s,
		opts:          s.opts.Monitor,
		strikes:       make(map[string]int),
		healthRestart: make(map[string]time.Time),
	}
}

func (m *monitor) run(ctx context.Context) {
	start := m.s.now()
	m.lastHealth, m.lastStatus, m.lastForward, m.lastCompletion = start, start, start, start

	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweep(ctx)
		}
	}
}

func (m *monitor) sweep(ctx context.Context) {
	s := m.s
	now := s.now()
	if m.lastHealth.IsZero() {
		m.lastHealth, m.lastStatus, m.lastForward, m.lastCompletion = now, now, now, now
	}

	snap := s.store.Snapshot()
	inFlight := 0
	for _, l := range snap.Leases {
		if !l.Parked {
			inFlight++
		}
	}
	s.opts.Recorder.Backlog(len(snap.Queued), inFlight)

	if m.checkGlobal(ctx, snap, inFlight) || m.checkCompletion(ctx, snap, inFlight, now) {
		return
	}

	for _, l := range snap.Leases {
		if l.Parked {
			continue
		}
		m.checkLease(ctx, l, now)
	}
	m.forgetIdleStrikes(snap)

	if now.Sub(m.lastHealth) >= m.opts.HealthInterval {
		m.lastHealth = now
		m.healthSweep(ctx, now)
	}
	m.resumeKick(ctx, snap, inFlight, now)
	if now.Sub(m.lastStatus) >= m.opts.StatusInterval {
		m.lastStatus = now
		m.logStatus()
	}
}

// checkGlobal counts consecutive sweeps in which every device has been idle past the stall
// threshold while work is in flight, and performs global recovery once the count is reached.
// It reports whether recovery ran in this sweep.
func (m *monitor) checkGlobal(ctx context.Context, snap backlog.Snapshot, inFlight int) bool {
	s := m.s
	if snap.RecoveryActive {
		m.globalCycles = 0
		if m.fleetReady(ctx) {
			s.store.EndRecovery()
		}
		return false
	}
	if inFlight == 0 || !s.live.HaveAllBeenIdle(s.opts.Devices, m.opts.StallThreshold) {
		m.globalCycles = 0
		return false
	}
	m.globalCycles++
	s.logger.Warnf("global_stall_observed cycle=%d/%d in_flight=%d", m.globalCycles, m.opts.GlobalStallCycles, inFlight)
	if m.globalCycles < m.opts.GlobalStallCycles {
		return false
	}

	m.globalCycles = 0
	m.recoverAll(ctx, "global_stall")
	return true
}

// checkCompletion runs global recovery when work is outstanding but nothing has completed for
// NoCompletionTimeout. It reports whether recovery ran.
func (m *monitor) checkCompletion(ctx context.Context, snap backlog.Snapshot, inFlight int, now time.Time) bool {
	if done := snap.Succeeded + snap.Skipped; done != m.lastDone {
		m.lastDone = done
		m.lastCompletion = now
		return false
	}
	if snap.RecoveryActive || (len(snap.Queued) == 0 && inFlight == 0) {
		m.lastCompletion = now
		return false
	}
	if now.Sub(m.lastCompletion) < m.opts.NoCompletionTimeout {
		return false
	}
	m.s.logger.Errorf("no_completion_timeout after=%s queued=%d in_flight=%d",
		now.Sub(m.lastCompletion).Round(time.Second), len(snap.Queued), inFlight)
	m.lastCompletion = now
	m.globalCycles = 0
	m.recoverAll(ctx, "no_completion")
	return true
}

// recoverAll releases every reservation without penalty, holds dispatch for the grace
// period, force-resets the adb server and restarts devices that did not come back.
func (m *monitor) recoverAll(ctx context.Context, cause string) {
	s := m.s
	clear(m.strikes)
	released := s.store.RequeueAllWithoutPenalty(cause, m.opts.GlobalRecoveryGrace)
	s.opts.Recorder.GlobalRecovery()
	s.opts.Events.Publish(events.EventGlobalRecovery, map[string]any{
		"cause": cause, "released": len(released), "grace_sec": int(m.opts.GlobalRecoveryGrace.Seconds()),
	})
	s.logger.Errorf("global_recovery cause=%s released=%s grace=%s", cause, model.FormatRanges(released, 0), m.opts.GlobalRecoveryGrace)
	s.opts.Watchdog.Touch("global_recovery:" + cause)

	if err := s.ch.ResetServer(ctx, true); err != nil {
		s.logger.Errorf("global_recovery_reset_failed error=%v", err)
	}
	for _, d := range s.opts.Devices {
		if !s.ch.IsAvailable(ctx, d) {
			s.requestRestart(d, "global_recovery")
		}
	}
	for _, d := range s.opts.Devices {
		s.live.RecordProgress(d)
	}
}

func (m *monitor) fleetReady(ctx context.Context) bool {
	for _, d := range m.s.opts.Devices {
		if m.s.live.IsRestarting(d) || !m.s.ch.IsAvailable(ctx, d) {
			return false
		}
	}
	return true
}

// checkLease applies the per-reservation escalation: hard timeout restarts unconditionally,
// the first stall observation diagnoses, the second restarts.
func (m *monitor) checkLease(ctx context.Context, l backlog.LeaseInfo, now time.Time) {
	s := m.s
	device := l.Worker

	if s.live.IsRestarting(device) {
		s.store.ResetStart(l.Lease)
		m.strikes[device] = 0
		return
	}

	age := now.Sub(l.Start)
	idle := s.live.IdleTime(device)

	if age >= m.opts.HardTimeout || idle >= m.opts.HardTimeout {
		s.logger.Errorf("hard_timeout device=%s item=%d age=%s idle=%s", device, l.Item, age.Round(time.Second), idle.Round(time.Second))
		m.escalate(l.Lease, "hard_timeout", fmt.Sprintf("hard timeout after %s", age.Round(time.Second)))
		return
	}
	if idle < m.opts.StallThreshold {
		m.strikes[device] = 0
		return
	}

	m.strikes[device]++
	switch m.strikes[device] {
	case 1:
		err := s.ch.Diagnose(ctx, device)
		if err == nil {
			s.logger.Warnf("stall_observed device=%s item=%d idle=%s diagnose=ok", device, l.Item, idle.Round(time.Second))
			return
		}
		s.logger.Errorf("stall_diagnose_failed device=%s item=%d idle=%s error=%v", device, l.Item, idle.Round(time.Second), err)
		if now.Sub(m.lastDiagReset) >= m.opts.DiagnosticResetCooldown {
			m.lastDiagReset = now
			if rerr := s.ch.ResetServer(ctx, false); rerr != nil {
				s.logger.Warnf("stall_reset_failed device=%s error=%v", device, rerr)
			}
		}
		m.escalate(l.Lease, "stall", "diagnostic failed: "+err.Error())
	default:
		s.logger.Errorf("stall_persisted device=%s item=%d idle=%s", device, l.Item, idle.Round(time.Second))
		m.escalate(l.Lease, "stall", fmt.Sprintf("stalled for %s", idle.Round(time.Second)))
	}
}

func (m *monitor) escalate(l backlog.Lease, kind, reason string) {
	m.strikes[l.Worker] = 0
	m.s.requestRestart(l.Worker, kind)
	m.s.requeue(l, kind, reason, true)
	m.s.opts.Watchdog.Touch(fmt.Sprintf("%s:%s_escalation:%d", l.Worker, kind, l.Item))
}

// forgetIdleStrikes drops strikes of devices without an active lease.
func (m *monitor) forgetIdleStrikes(snap backlog.Snapshot) {
	for d := range m.strikes {
		if _, ok := snap.InFlight(d); !ok {
			delete(m.strikes, d)
		}
	}
}

func (m *monitor) healthSweep(ctx context.Context, now time.Time) {
	s := m.s
	for _, d := range s.opts.Devices {
		if s.live.IsRestarting(d) {
			continue
		}
		if s.ch.IsAvailable(ctx, d) {
			s.board.SetAvailable(d, true)
			continue
		}
		s.board.SetAvailable(d, false)
		if last, ok := m.healthRestart[d]; ok && now.Sub(last) < m.opts.HealthRestartCooldown {
			s.logger.Warnf("health_unresponsive device=%s restart=cooldown", d)
			continue
		}
		s.logger.Warnf("health_unresponsive device=%s restart=requested", d)
		if s.requestRestart(d, "health_check") {
			m.healthRestart[d] = now
		}
	}
}

// resumeKick wakes blocked fetchers when nothing completed for a while but work remains and
// every device is available and not restarting.
func (m *monitor) resumeKick(ctx context.Context, snap backlog.Snapshot, inFlight int, now time.Time) {
	done := snap.Succeeded + snap.Skipped
	if done != m.lastSucceeded {
		m.lastSucceeded = done
		m.lastForward = now
		return
	}
	if (len(snap.Queued) == 0 && inFlight == 0) || now.Sub(m.lastForward) < m.opts.ResumeKick {
		return
	}
	if !m.fleetReady(ctx) {
		return
	}
	m.lastForward = now
	m.s.logger.Warnf("resume_kick queued=%d in_flight=%d no_progress_for=%s", len(snap.Queued), inFlight, m.opts.ResumeKick)
	m.s.store.Broadcast()
}

func (m *monitor) logStatus() {
	st := m.s.Status()
	for _, d := range st.Devices {
		item := "-"
		if d.Item != nil {
			item = m.s.opts.Label(*d.Item)
			if d.Parked {
				item += "(parked)"
			}
		}
		m.s.logger.Infof("status device=%s item=%s idle=%ds restarting=%t available=%t failures=%d",
			d.Device, item, d.IdleSec, d.Restarting, d.Available, d.ConsecutiveFailures)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "status_summary queued=%d in_flight=%d succeeded=%d skipped=%d",
		st.Queued, st.InFlight, st.Succeeded, st.Skipped)
	if st.RecoveryActive {
		b.WriteString(" recovery=active")
	}
	if st.RestartsPaused {
		fmt.Fprintf(&b, " restarts=paused(%s)", st.PauseReason)
	}
	if st.HostMemUsedPct > 0 {
		fmt.Fprintf(&b, " host_mem=%.1f%%", st.HostMemUsedPct)
	}
	m.s.logger.Infof("%s", b.String())
}

// Status assembles the fleet view served by the control socket and the status log.
func (s *Scheduler) Status() model.FleetStatus {
	snap := s.store.Snapshot()
	paused, reason := s.live.RestartsPaused()
	st := model.FleetStatus{
		RunID:          s.opts.RunID,
		Operation:      s.opts.Operation,
		Queued:         len(snap.Queued),
		Succeeded:      snap.Succeeded,
		Skipped:        snap.Skipped,
		RecoveryActive: snap.RecoveryActive,
		RestartsPaused: paused,
		PauseReason:    reason,
	}
	parked := make(map[string]model.ItemID)
	for _, l := range snap.Leases {
		if l.Parked {
			parked[l.Worker] = l.Item
		} else {
			st.InFlight++
		}
	}
	for _, row := range s.board.Rows() {
		row.IdleSec = idleSeconds(s.live.IdleTime(row.Device))
		row.Restarting = s.live.IsRestarting(row.Device)
		row.ConsecutiveFailures = snap.Failures[row.Device]
		if row.Item == nil {
			if id, ok := parked[row.Device]; ok {
				row.Item = &id
				row.Parked = true
			}
		}
		st.Devices = append(st.Devices, row)
	}
	if pct, err := s.opts.HostMem(); err == nil {
		st.HostMemUsedPct = pct
	}
	return st
}
