package fleet

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/msageha/devfleet/internal/backlog"
	"github.com/msageha/devfleet/internal/events"
	"github.com/msageha/devfleet/internal/model"
)

// withDeviceRecovery runs one step of an item and converts its outcome into a backlog
// decision. It reports whether the worker should continue with the next step.
//
//	Success: progress recorded, watchdog touched.
//	Retry:   device restart requested, item requeued with one retry consumed.
//	Fatal:   item completed as failed (skipped), watchdog touched.
func (s *Scheduler) withDeviceRecovery(ctx context.Context, lease backlog.Lease, step string, action func(context.Context) model.Outcome) bool {
	device := lease.Worker
	if !s.store.Active(lease) {
		s.logger.Infof("lease_revoked device=%s item=%d step=%s", device, lease.Item, step)
		return false
	}
	s.board.SetStatus(device, step)

	out := s.safely(ctx, device, step, action)

	if !s.store.Active(lease) {
		s.logger.Infof("lease_revoked device=%s item=%d step=%s outcome=%s discarded", device, lease.Item, step, out)
		return false
	}

	switch out.Kind {
	case model.OutcomeSuccess:
		s.live.RecordProgress(device)
		s.opts.Watchdog.Touch(fmt.Sprintf("%s:%s:%d", device, step, lease.Item))
		return true

	case model.OutcomeFatal:
		if s.store.Complete(lease, false) {
			s.board.ReportError(device, out.Reason)
			s.opts.Recorder.ItemCompleted(device, false, 0)
			s.opts.Recorder.ItemSkipped()
			s.opts.Events.Publish(events.EventItemSkipped, map[string]any{
				"device": device, "item": int(lease.Item), "step": step, "reason": out.Reason,
			})
			s.logger.Errorf("item_fatal device=%s item=%d step=%s reason=%q", device, lease.Item, step, out.Reason)
		}
		s.opts.Watchdog.Touch(fmt.Sprintf("%s:%s_fatal:%d", device, step, lease.Item))
		return false

	default:
		if ctx.Err() != nil {
			s.store.RequeueWithoutPenalty(lease, "stopping")
			return false
		}
		s.board.ReportError(device, out.Reason)
		s.logger.Warnf("step_failed device=%s item=%d step=%s reason=%q", device, lease.Item, step, out.Reason)
		s.requestRestart(device, step+"_failed")
		s.requeue(lease, step, out.Reason, false)
		return false
	}
}

// safely runs action and turns a panic into Retry.
func (s *Scheduler) safely(ctx context.Context, device, step string, action func(context.Context) model.Outcome) (out model.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("step_panic device=%s step=%s panic=%v\n%s", device, step, r, debug.Stack())
			out = model.Retry(fmt.Sprintf("panic: %v", r))
		}
	}()
	return action(ctx)
}

// requeue consumes one retry and records what the store decided. kind is a short,
// low-cardinality cause used for metrics.
func (s *Scheduler) requeue(lease backlog.Lease, kind, reason string, keep bool) backlog.RequeueResult {
	res := s.store.Requeue(lease, reason, keep)
	switch res {
	case backlog.Requeued:
		s.opts.Recorder.ItemRequeued(kind)
		s.opts.Events.Publish(events.EventItemRequeued, map[string]any{
			"device": lease.Worker, "item": int(lease.Item), "kind": kind, "reason": reason, "keep": keep,
		})
		s.opts.Watchdog.Touch(fmt.Sprintf("%s:requeue_%s:%d", lease.Worker, kind, lease.Item))
	case backlog.Skipped:
		s.opts.Recorder.ItemSkipped()
		s.opts.Events.Publish(events.EventItemSkipped, map[string]any{
			"device": lease.Worker, "item": int(lease.Item), "kind": kind, "reason": "retries exhausted: " + reason,
		})
		s.opts.Watchdog.Touch(fmt.Sprintf("%s:skip_%s:%d", lease.Worker, kind, lease.Item))
	default:
		s.logger.Debugf("requeue_stale device=%s item=%d kind=%s", lease.Worker, lease.Item, kind)
	}
	return res
}

// requestRestart starts a background restart of device unless restarts are paused or one is
// already in flight. It reports whether a restart was started.
func (s *Scheduler) requestRestart(device, reason string) bool {
	if !s.beginRestart(device, reason) {
		return false
	}
	s.restarts.Add(1)
	go func() {
		defer s.restarts.Done()
		s.finishRestart(device, s.ch.RestartDevice(s.restartCtx, device))
	}()
	return true
}

// RestartAndWait restarts device synchronously under the same gating as requestRestart.
// The channel client uses it for restarts scheduled after repeated reconnect failures.
func (s *Scheduler) RestartAndWait(ctx context.Context, device string) bool {
	if !s.beginRestart(device, "reconnect_failures") {
		return false
	}
	ok := s.ch.RestartDevice(ctx, device)
	s.finishRestart(device, ok)
	return ok
}

func (s *Scheduler) beginRestart(device, reason string) bool {
	if paused, why := s.live.RestartsPaused(); paused {
		s.logger.Warnf("restart_suppressed device=%s reason=%s paused_by=%q", device, reason, why)
		return false
	}
	if !s.live.BeginRestart(device) {
		s.logger.Debugf("restart_already_in_flight device=%s reason=%s", device, reason)
		return false
	}
	s.board.SetStatus(device, "restarting")
	s.board.SetAvailable(device, false)
	s.opts.Events.Publish(events.EventRestartRequested, map[string]any{"device": device, "reason": reason})
	s.logger.Warnf("restart_requested device=%s reason=%s", device, reason)
	return true
}

func (s *Scheduler) finishRestart(device string, ok bool) {
	s.live.EndRestart(device)
	s.board.SetAvailable(device, ok)
	s.opts.Recorder.DeviceRestarted(device, ok)
	s.opts.Events.Publish(events.EventRestartFinished, map[string]any{"device": device, "ok": ok})
	if ok {
		s.logger.Infof("restart_finished device=%s", device)
	} else {
		s.logger.Errorf("restart_failed device=%s", device)
	}
}
