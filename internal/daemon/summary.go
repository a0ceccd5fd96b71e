package daemon

import (
	"path/filepath"
	"time"

	"github.com/msageha/devfleet/internal/backlog"
	"github.com/msageha/devfleet/internal/events"
	"github.com/msageha/devfleet/internal/model"
	"github.com/msageha/devfleet/internal/notify"
	atomicyaml "github.com/msageha/devfleet/internal/yaml"
)

// summarize builds the run record from the store's final accounting. The next start is the
// first pending item when the run was stopped early, otherwise one past the highest item seen.
func (d *Daemon) summarize(store *backlog.Store, enumerated []model.ItemID, opName string, started time.Time) model.RunSummary {
	res := store.Result()
	s := model.RunSummary{
		RunID:      d.runID,
		Operation:  opName,
		Devices:    d.cfg.Devices.IDs,
		StartItem:  d.opts.Start,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Succeeded:  res.Succeeded,
		Skipped:    res.Skipped,
		Pending:    res.Pending,
		Stopped:    d.stopRequested.Load() || len(res.Pending) > 0,
	}
	for id, n := range res.Retries {
		if n == 0 {
			continue
		}
		if s.Retries == nil {
			s.Retries = make(map[model.ItemID]int)
		}
		s.Retries[id] = n
	}

	s.NextStart = d.opts.Start
	if len(res.Pending) > 0 {
		s.NextStart = res.Pending[0]
		return s
	}
	last := model.ItemID(-1)
	for _, list := range [][]model.ItemID{enumerated, res.Succeeded, res.Skipped} {
		for _, id := range list {
			if id > last {
				last = id
			}
		}
	}
	if last >= 0 {
		s.NextStart = last + 1
	}
	return s
}

// finish persists the summary, logs the processed ranges and sends the end-of-run
// notification.
func (d *Daemon) finish(s model.RunSummary, bus *events.Bus) {
	width := d.cfg.Payload.LabelWidth
	path := filepath.Join(d.opts.StateDir, "runs", s.RunID+".yaml")
	if err := atomicyaml.AtomicWrite(path, s); err != nil {
		d.logger.Errorf("summary_write_failed path=%s error=%v", path, err)
	}

	d.logger.Infof("run_finished run_id=%s succeeded=%d [%s] skipped=%d [%s] pending=%d next_start=%s has_more=%t stopped=%t took=%s",
		s.RunID, len(s.Succeeded), model.FormatRanges(s.Succeeded, width),
		len(s.Skipped), model.FormatRanges(s.Skipped, width), len(s.Pending),
		s.NextStart.Label(width), s.HasMore, s.Stopped, s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	bus.Publish(events.EventRunFinished, map[string]any{
		"succeeded": len(s.Succeeded),
		"skipped":   len(s.Skipped),
		"pending":   len(s.Pending),
		"stopped":   s.Stopped,
	})

	if !d.cfg.Notify.Enabled || len(s.Skipped) == 0 {
		return
	}
	send := d.opts.Notify
	if send == nil {
		send = notify.Send
	}
	title, msg := notify.RunFinished(s, width)
	if err := send(title, msg); err != nil {
		d.logger.Warnf("notify_failed error=%v", err)
	}
}
