// Package daemon hosts one devfleet run: it takes the run lock, wires the channel, backlog,
// scheduler and watchdog together, serves the control socket and writes the run summary.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/devfleet/internal/backlog"
	"github.com/msageha/devfleet/internal/channel"
	"github.com/msageha/devfleet/internal/events"
	"github.com/msageha/devfleet/internal/fleet"
	"github.com/msageha/devfleet/internal/liveness"
	"github.com/msageha/devfleet/internal/lock"
	"github.com/msageha/devfleet/internal/logx"
	"github.com/msageha/devfleet/internal/metrics"
	"github.com/msageha/devfleet/internal/model"
	"github.com/msageha/devfleet/internal/operation"
	"github.com/msageha/devfleet/internal/payload"
	"github.com/msageha/devfleet/internal/uds"
	"github.com/msageha/devfleet/internal/watchdog"
)

// ErrAlreadyRunning is returned when another process holds the run lock.
var ErrAlreadyRunning = errors.New("another devfleet run holds the lock")

const journalMaxSize = 16 << 20

type Options struct {
	StateDir  string
	Config    model.Config
	Start     model.ItemID
	Limit     int
	Operation string

	// Runner executes adb and operation commands. Defaults to channel.ExecRunner.
	Runner channel.Runner
	// Stderr receives a copy of the run log.
	Stderr        io.Writer
	HandleSignals bool
	// Notify shows a desktop notification. Called only when notify.enabled is set.
	Notify func(title, message string) error
}

type Daemon struct {
	opts     Options
	cfg      model.Config
	runID    string
	logger   *logx.Logger
	logFile  io.Closer
	fileLock *lock.FileLock

	mu            sync.Mutex
	sched         *fleet.Scheduler
	cancel        context.CancelFunc
	stopRequested atomic.Bool
}

func New(opts Options) (*Daemon, error) {
	if opts.StateDir == "" {
		return nil, errors.New("daemon: state directory is required")
	}
	cfg := opts.Config.ApplyDefaults()

	logPath := filepath.Join(opts.StateDir, "logs", "devfleet.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	var w io.Writer = logFile
	if opts.Stderr != nil {
		w = io.MultiWriter(logFile, opts.Stderr)
	}

	return &Daemon{
		opts:     opts,
		cfg:      cfg,
		runID:    uuid.NewString(),
		logger:   logx.New(w, logx.ParseLevel(cfg.Logging.Level), "daemon"),
		logFile:  logFile,
		fileLock: lock.NewFileLock(filepath.Join(opts.StateDir, "locks", "run.lock")),
	}, nil
}

func (d *Daemon) RunID() string { return d.runID }

// Run processes the enumerated payloads across the fleet and returns the run summary. It
// blocks until the backlog drained, Stop was called, or ctx ended.
func (d *Daemon) Run(ctx context.Context) (model.RunSummary, error) {
	defer d.logFile.Close()

	if err := d.acquireLock(); err != nil {
		return model.RunSummary{}, err
	}
	defer func() {
		if err := d.fileLock.Unlock(); err != nil {
			d.logger.Warnf("run_lock_release_failed error=%v", err)
		}
	}()

	opName := d.opts.Operation
	if opName == "" {
		opName = operation.PushOnly
	}
	op, err := operation.Lookup(opName, d.cfg.Operations, d.opts.Runner, d.logger.With("operation"))
	if err != nil {
		return model.RunSummary{}, err
	}

	src := payload.NewSource(d.cfg.Payload)
	items, err := src.Enumerate(d.opts.Start, d.opts.Limit)
	if err != nil {
		return model.RunSummary{}, fmt.Errorf("enumerate payloads: %w", err)
	}
	width := d.cfg.Payload.LabelWidth
	d.logger.Infof("run_starting run_id=%s operation=%s devices=%d items=%d range=%s",
		d.runID, opName, len(d.cfg.Devices.IDs), len(items), model.FormatRanges(items, width))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	started := time.Now()

	coll := metrics.New()
	bus := events.NewBus(256)
	journal := d.openJournal(bus)

	var sched *fleet.Scheduler
	ch := channel.New(channel.Options{
		Config:   d.cfg.Channel,
		Runner:   d.opts.Runner,
		Logger:   d.logger.With("channel"),
		Recorder: coll,
		RestartHook: func(ctx context.Context, device string) bool {
			return sched.RestartAndWait(ctx, device)
		},
	})
	defer ch.Close()

	store := backlog.New(items, backlog.Options{
		MaxRetries:   d.cfg.Scheduler.MaxRetries,
		RetryBackoff: d.cfg.Scheduler.RetryBackoff(),
		PollInterval: d.cfg.Scheduler.PollInterval(),
		Logger:       d.logger.With("backlog"),
	})

	fopts := fleet.OptionsFromConfig(d.cfg)
	fopts.RunID = d.runID
	fopts.Operation = opName
	fopts.Label = src.Label
	fopts.Logger = d.logger.With("fleet")
	fopts.Recorder = coll
	fopts.Events = bus

	var wd *watchdog.Watchdog
	if d.cfg.Watchdog.Enabled {
		wd = watchdog.New(watchdog.Options{
			CheckInterval: time.Duration(d.cfg.Watchdog.CheckIntervalSec) * time.Second,
			DumpPath:      filepath.Join(d.opts.StateDir, "logs", "watchdog_timeout.log"),
			Logger:        d.logger.With("watchdog"),
		})
		fopts.Watchdog = wd
	}

	sched = fleet.New(store, liveness.New(), ch, payload.NewPusher(ch, src, d.cfg.Payload), op, fopts)
	d.mu.Lock()
	d.sched = sched
	d.cancel = cancel
	d.mu.Unlock()

	srv := uds.NewServer(filepath.Join(d.opts.StateDir, uds.DefaultSocketName), d.logger.With("uds"))
	srv.SetConnTimeout(time.Duration(d.cfg.Daemon.ControlTimeoutSec) * time.Second)
	d.registerHandlers(srv)
	if err := srv.Start(); err != nil {
		d.closeEvents(bus, journal)
		return model.RunSummary{}, fmt.Errorf("start control socket: %w", err)
	}
	defer srv.Stop()

	if addr := d.cfg.Metrics.ListenAddr; addr != "" {
		hs := &http.Server{Addr: addr, Handler: coll.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Warnf("metrics_listen_failed addr=%s error=%v", addr, err)
			}
		}()
		defer hs.Close()
	}

	if wd != nil {
		wd.Arm(watchdog.TimeoutFor(len(d.cfg.Devices.IDs), d.cfg.Watchdog), "run "+d.runID)
		wd.Start(runCtx)
	}

	if d.cfg.Payload.Watch && d.opts.Limit <= 0 {
		d.watchPayloads(runCtx, src, store)
	}

	if d.opts.HandleSignals {
		stopSignals := d.handleSignals()
		defer stopSignals()
	}

	runErr := sched.Run(runCtx)
	if wd != nil {
		wd.Disarm()
		wd.Stop()
	}

	summary := d.summarize(store, items, opName, started)
	summary.Stopped = summary.Stopped || runCtx.Err() != nil
	if summary.NextStart > 0 {
		summary.HasMore = src.HasMore(summary.NextStart - 1)
	}
	d.finish(summary, bus)
	d.closeEvents(bus, journal)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return summary, runErr
	}
	return summary, nil
}

func (d *Daemon) acquireLock() error {
	err := d.fileLock.TryLock(d.runID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, lock.ErrHeld) {
		return fmt.Errorf("run lock: %w", err)
	}
	pid, owner, rerr := lock.ReadOwner(filepath.Join(d.opts.StateDir, "locks", "run.lock"))
	if rerr != nil {
		return ErrAlreadyRunning
	}
	return fmt.Errorf("%w (pid=%d run_id=%s)", ErrAlreadyRunning, pid, owner)
}

func (d *Daemon) openJournal(bus *events.Bus) *events.Journal {
	journal, err := events.OpenJournal(filepath.Join(d.opts.StateDir, "logs", "events.jsonl"), d.runID, journalMaxSize)
	if err != nil {
		d.logger.Warnf("journal_unavailable error=%v", err)
		return nil
	}
	bus.SubscribeAll(func(e events.Event) {
		if err := journal.Record(e); err != nil {
			d.logger.Warnf("journal_write_failed event=%s error=%v", e.Type, err)
		}
	})
	return journal
}

// closeEvents drains the bus before the journal it feeds is closed.
func (d *Daemon) closeEvents(bus *events.Bus, journal *events.Journal) {
	bus.Close()
	if n := bus.Dropped(); n > 0 {
		d.logger.Warnf("events_dropped count=%d", n)
	}
	if journal != nil {
		if err := journal.Close(); err != nil {
			d.logger.Warnf("journal_close_failed error=%v", err)
		}
	}
}

func (d *Daemon) watchPayloads(ctx context.Context, src *payload.Source, store *backlog.Store) {
	w, err := payload.NewWatcher(src, d.logger.With("watch"), func(id model.ItemID) {
		if id < d.opts.Start {
			return
		}
		if added := store.Add(id); len(added) > 0 {
			d.logger.Infof("payload_discovered item=%s", src.Label(id))
		}
	})
	if err != nil {
		d.logger.Warnf("payload_watch_unavailable error=%v", err)
		return
	}
	w.Start(ctx)
	go func() {
		<-ctx.Done()
		w.Close()
	}()
}

// Stop asks the run to finish. Without force, items in flight complete first; with force
// the run context is cancelled and in-flight items return to the backlog unpenalised.
func (d *Daemon) Stop(force bool) {
	d.stopRequested.Store(true)
	d.mu.Lock()
	sched, cancel := d.sched, d.cancel
	d.mu.Unlock()
	if sched != nil {
		sched.Stop()
	}
	if force && cancel != nil {
		cancel()
	}
}

// handleSignals maps the first SIGINT/SIGTERM to a graceful stop and the second to a forced
// one. If the run has not returned shutdown_timeout_sec after that, the process exits.
func (d *Daemon) handleSignals() func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			d.logger.Infof("signal_received signal=%s finishing in-flight items", sig)
			d.Stop(false)
		case <-done:
			return
		}
		select {
		case sig := <-sigCh:
			d.logger.Warnf("signal_received signal=%s cancelling in-flight items", sig)
			d.Stop(true)
		case <-done:
			return
		}
		timeout := time.Duration(d.cfg.Daemon.ShutdownTimeoutSec) * time.Second
		select {
		case <-time.After(timeout):
			d.logger.Errorf("shutdown_timeout after=%s forcing exit", timeout)
			os.Exit(1)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
