package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/devfleet/internal/backlog"
	"github.com/msageha/devfleet/internal/events"
	"github.com/msageha/devfleet/internal/liveness"
	"github.com/msageha/devfleet/internal/logx"
	"github.com/msageha/devfleet/internal/model"
)

// Scheduler owns the per-run state: the backlog store, the liveness tracker, the status board
// and the monitor. One Scheduler serves exactly one run.
type Scheduler struct {
	opts  Options
	store *backlog.Store
	live  *liveness.Tracker
	ch    Channel
	push  Pusher
	op    Operation
	board *Board
	mon   *monitor

	logger *logx.Logger
	now    func() time.Time

	restartCtx context.Context
	restarts   sync.WaitGroup
	stopOnce   sync.Once
}

func New(store *backlog.Store, live *liveness.Tracker, ch Channel, push Pusher, op Operation, opts Options) *Scheduler {
	opts.applyDefaults()
	s := &Scheduler{
		opts:       opts,
		store:      store,
		live:       live,
		ch:         ch,
		push:       push,
		op:         op,
		board:      NewBoard(opts.Devices),
		logger:     opts.Logger,
		now:        opts.Now,
		restartCtx: context.Background(),
	}
	s.mon = newMonitor(s)
	return s
}

func (s *Scheduler) Liveness() *liveness.Tracker { return s.live }
func (s *Scheduler) Board() *Board               { return s.board }

// Run starts one worker per device plus the monitor and blocks until every worker has
// exited: the backlog drained, Stop was called, or ctx ended. Restarts still in flight are
// waited for before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.opts.Devices) == 0 {
		return errors.New("fleet: no devices configured")
	}
	s.restartCtx = ctx
	for _, d := range s.opts.Devices {
		s.live.RecordProgress(d)
	}
	s.opts.Events.Publish(events.EventRunStarted, map[string]any{
		"run_id": s.opts.RunID, "devices": len(s.opts.Devices), "operation": s.opts.Operation,
	})
	s.logger.Infof("run_started run_id=%s devices=%d operation=%s", s.opts.RunID, len(s.opts.Devices), s.opts.Operation)

	g, gctx := errgroup.WithContext(ctx)
	monCtx, stopMonitor := context.WithCancel(gctx)
	defer stopMonitor()

	var workers sync.WaitGroup
	for i, device := range s.opts.Devices {
		i, device := i, device
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			return s.worker(gctx, i, device)
		})
	}
	g.Go(func() error {
		s.mon.run(monCtx)
		return nil
	})
	g.Go(func() error {
		workers.Wait()
		stopMonitor()
		return nil
	})

	err := g.Wait()
	s.restarts.Wait()
	s.logger.Infof("run_workers_exited run_id=%s", s.opts.RunID)
	return err
}

// Stop asks every worker to exit at its next loop boundary. Items in flight finish first.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Warnf("stop_requested run_id=%s", s.opts.RunID)
		s.store.Stop()
	})
}

func (s *Scheduler) worker(ctx context.Context, index int, device string) error {
	if index > 0 && s.opts.StartStagger > 0 {
		if !sleepCtx(ctx, time.Duration(index)*s.opts.StartStagger) {
			return nil
		}
	}
	s.logger.Infof("worker_started device=%s", device)

	for {
		lease, ok, err := s.store.FetchNext(ctx, device)
		if err != nil {
			if errors.Is(err, backlog.ErrStopped) || ctx.Err() != nil {
				s.logger.Infof("worker_stopped device=%s", device)
				return nil
			}
			return err
		}
		if !ok {
			s.logger.Infof("worker_done device=%s", device)
			return nil
		}
		s.process(ctx, lease)
		s.board.Release(device)
	}
}

// process drives one reservation through ready-wait, push and operation. Every step
// re-validates the lease; a lease revoked underneath the worker is abandoned silently.
func (s *Scheduler) process(ctx context.Context, lease backlog.Lease) {
	device, id := lease.Worker, lease.Item
	label := s.opts.Label(id)
	started := s.now()

	s.board.Assign(device, id)
	s.live.RecordProgress(device)
	s.opts.Events.Publish(events.EventItemReserved, map[string]any{
		"device": device, "item": int(id), "epoch": lease.Epoch,
	})
	s.opts.Watchdog.Touch(fmt.Sprintf("%s:assign:%d", device, id))
	s.logger.Debugf("item_reserved device=%s item=%s epoch=%d", device, label, lease.Epoch)

	if !s.store.Active(lease) {
		s.logger.Infof("lease_revoked device=%s item=%s step=ready", device, label)
		return
	}
	if !s.waitReady(ctx, device) {
		if ctx.Err() != nil {
			s.store.RequeueWithoutPenalty(lease, "stopping")
			return
		}
		s.requestRestart(device, "device_not_ready")
		s.requeue(lease, "not_ready", "device not ready", true)
		return
	}

	push := func(ctx context.Context) model.Outcome { return s.push.Push(ctx, device, id) }
	if !s.withDeviceRecovery(ctx, lease, "push", push) {
		return
	}

	operate := func(ctx context.Context) model.Outcome {
		sink := &callSink{board: s.board}
		out := s.op.Run(ctx, device, label, sink)
		if msg := sink.reported(); out.OK() && msg != "" {
			return model.Fatal("operation reported error: " + msg)
		}
		return out
	}
	if !s.withDeviceRecovery(ctx, lease, "operation", operate) {
		return
	}

	if !s.store.Complete(lease, true) {
		s.logger.Infof("lease_revoked device=%s item=%s step=complete", device, label)
		return
	}
	took := s.now().Sub(started)
	s.opts.Recorder.ItemCompleted(device, true, took)
	s.opts.Events.Publish(events.EventItemCompleted, map[string]any{
		"device": device, "item": int(id), "success": true, "took_sec": int(took.Seconds()),
	})
	s.logger.Infof("item_completed device=%s item=%s took=%s", device, label, took.Round(time.Second))
	if s.opts.AfterSuccess != nil {
		s.opts.AfterSuccess(device, id)
	}
}

// waitReady polls availability until ReadyTimeout, reconnecting at most every
// ReconnectInterval. Time spent while a restart is in flight does not count.
func (s *Scheduler) waitReady(ctx context.Context, device string) bool {
	deadline := s.now().Add(s.opts.ReadyTimeout)
	var lastReconnect time.Time

	for {
		now := s.now()
		switch {
		case s.live.IsRestarting(device):
			deadline = now.Add(s.opts.ReadyTimeout)
			s.board.SetStatus(device, "waiting for restart")
		case s.ch.IsAvailable(ctx, device):
			s.board.SetAvailable(device, true)
			return true
		default:
			s.board.SetAvailable(device, false)
			if lastReconnect.IsZero() || now.Sub(lastReconnect) >= s.opts.ReconnectInterval {
				lastReconnect = now
				s.logger.Warnf("device_unavailable device=%s reconnecting", device)
				if s.ch.Reconnect(ctx, device) {
					s.board.SetAvailable(device, true)
					return true
				}
			}
		}
		if !s.now().Before(deadline) {
			s.logger.Warnf("device_ready_timeout device=%s timeout=%s", device, s.opts.ReadyTimeout)
			return false
		}
		if !sleepCtx(ctx, s.opts.ReadyPoll) {
			return false
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
