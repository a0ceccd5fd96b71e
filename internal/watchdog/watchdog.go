// Package watchdog is the process-level deadman timer. It is armed for a whole run, touched by
// any forward progress, and terminates the process when the scheduler itself hangs.
package watchdog

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/msageha/devfleet/internal/logx"
	"github.com/msageha/devfleet/internal/model"
)

// ExitCode is the process status used when the deadline elapses.
const ExitCode = 71

// TimeoutFor scales the deadline with fleet size: max(min, min(max, devices*per)).
func TimeoutFor(devices int, cfg model.WatchdogConfig) time.Duration {
	d := time.Duration(devices*cfg.PerDeviceSec) * time.Second
	if hi := time.Duration(cfg.MaxTimeoutSec) * time.Second; d > hi {
		d = hi
	}
	if lo := time.Duration(cfg.MinTimeoutSec) * time.Second; d < lo {
		d = lo
	}
	return d
}

type Options struct {
	CheckInterval time.Duration
	// DumpPath receives the diagnostic dump before exit. Empty disables the file.
	DumpPath string
	Logger   *logx.Logger
}

type Watchdog struct {
	mu        sync.Mutex
	armed     bool
	timeout   time.Duration
	lastTouch time.Time
	label     string
	fired     bool

	interval time.Duration
	dumpPath string
	logger   *logx.Logger

	now  func() time.Time
	exit func(code int)

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(opts Options) *Watchdog {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logx.Discard()
	}
	return &Watchdog{
		interval: opts.CheckInterval,
		dumpPath: opts.DumpPath,
		logger:   opts.Logger,
		now:      time.Now,
		exit:     os.Exit,
	}
}

// Arm sets the deadline to timeout from now.
func (w *Watchdog) Arm(timeout time.Duration, label string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armed = true
	w.timeout = timeout
	w.lastTouch = w.now()
	w.label = label
	w.logger.Infof("watchdog_armed timeout=%s label=%s", timeout, label)
}

// Touch pushes the deadline out. It is a no-op while disarmed.
func (w *Watchdog) Touch(label string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return
	}
	w.lastTouch = w.now()
	w.label = label
}

func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.armed {
		w.logger.Infof("watchdog_disarmed last_label=%s", w.label)
	}
	w.armed = false
}

// Start runs the check loop until Stop or ctx ends.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if w.check() {
					return
				}
			}
		}
	}()
}

func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
	})
}

// check fires once when the armed deadline has passed and reports whether it fired.
func (w *Watchdog) check() bool {
	w.mu.Lock()
	if !w.armed || w.fired {
		w.mu.Unlock()
		return false
	}
	idle := w.now().Sub(w.lastTouch)
	if idle < w.timeout {
		w.mu.Unlock()
		return false
	}
	w.fired = true
	label, timeout := w.label, w.timeout
	w.mu.Unlock()

	w.logger.Errorf("watchdog_timeout idle=%s timeout=%s last_label=%s", idle.Round(time.Second), timeout, label)
	if err := w.dump(label, idle, timeout); err != nil {
		w.logger.Errorf("watchdog_dump_failed error=%v", err)
	}
	w.exit(ExitCode)
	return true
}

func (w *Watchdog) dump(label string, idle, timeout time.Duration) error {
	if w.dumpPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(w.dumpPath), 0755); err != nil {
		return fmt.Errorf("create dump dir: %w", err)
	}
	f, err := os.OpenFile(w.dumpPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open dump: %w", err)
	}
	defer f.Close()
	return writeDump(f, w.now(), label, idle, timeout)
}

func writeDump(out io.Writer, now time.Time, label string, idle, timeout time.Duration) error {
	fmt.Fprintf(out, "=== watchdog timeout %s ===\n", now.Format(time.RFC3339))
	fmt.Fprintf(out, "last_label: %s\nidle: %s\ntimeout: %s\n", label, idle.Round(time.Second), timeout)
	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Fprintf(out, "host_memory: total=%d available=%d used_pct=%.1f\n", vm.Total, vm.Available, vm.UsedPercent)
	} else {
		fmt.Fprintf(out, "host_memory: unavailable (%v)\n", err)
	}
	fmt.Fprintln(out, "--- goroutines ---")
	if err := pprof.Lookup("goroutine").WriteTo(out, 2); err != nil {
		return fmt.Errorf("write goroutine stacks: %w", err)
	}
	_, err := fmt.Fprintln(out)
	return err
}
