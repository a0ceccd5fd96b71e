// Package channel is the device command channel client. It runs adb commands under a global
// concurrency bound, classifies failures, retries with linear backoff and recovers the adb
// server and individual device connections.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/devfleet/internal/lock"
	"github.com/msageha/devfleet/internal/logx"
	"github.com/msageha/devfleet/internal/model"
)

// ErrCommandFailed wraps every command that still failed after its retries.
var ErrCommandFailed = errors.New("channel command failed")

var (
	fatalKeywords = []string{
		"not responding",
		"daemon not running",
		"daemon still not running",
		"cannot connect to daemon",
	}
	criticalKeywords = []string{
		"connection reset",
		"protocol fault",
		"device offline",
	}
)

// Recorder receives channel-level counters. metrics.Collectors implements it.
type Recorder interface {
	ChannelFailure(class string)
	ChannelReset(ok bool)
}

type nopRecorder struct{}

func (nopRecorder) ChannelFailure(string) {}
func (nopRecorder) ChannelReset(bool)     {}

// Options carries the collaborators of a Client. Only Config is required.
type Options struct {
	Config   model.ChannelConfig
	Runner   Runner
	Logger   *logx.Logger
	Recorder Recorder
	// RestartHook performs a background device restart scheduled after repeated reconnect
	// failures. It should block until the restart finished. Defaults to Client.RestartDevice.
	RestartHook func(ctx context.Context, device string) bool
}

type Client struct {
	cfg      model.ChannelConfig
	runner   Runner
	logger   *logx.Logger
	recorder Recorder
	hook     func(ctx context.Context, device string) bool

	sem        chan struct{}
	resetGroup singleflight.Group
	devLocks   *lock.KeyedMutex

	mu                sync.Mutex
	recentErrors      []time.Time
	lastLogged        map[string]time.Time
	lastReset         time.Time
	reconnectFailures map[string]int
	restartInFlight   map[string]bool

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(opts Options) *Client {
	cfg := model.Config{Channel: opts.Config}.ApplyDefaults().Channel
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = logx.Discard()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	bg, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:               cfg,
		runner:            opts.Runner,
		logger:            opts.Logger,
		recorder:          opts.Recorder,
		sem:               make(chan struct{}, cfg.MaxConcurrent),
		devLocks:          lock.NewKeyedMutex(),
		lastLogged:        make(map[string]time.Time),
		reconnectFailures: make(map[string]int),
		restartInFlight:   make(map[string]bool),
		bg:                bg,
		cancel:            cancel,
		now:               time.Now,
		sleep:             sleepCtx,
	}
	c.hook = opts.RestartHook
	if c.hook == nil {
		c.hook = c.RestartDevice
	}
	return c
}

// Close cancels background restarts and waits for them to return.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) defaultTimeout() time.Duration {
	return time.Duration(c.cfg.DefaultTimeoutSec) * time.Second
}

// Execute runs adb with args against device ("" for server-level commands). Fatal daemon
// failures reset the server before the next attempt; a critical connection error on the first
// attempt reconnects the device; other failures back off 0.5s per attempt.
func (c *Client) Execute(ctx context.Context, device string, timeout time.Duration, args ...string) (Result, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout()
	}
	key := failureKey(device, args)

	var res Result
	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var err error
		res, err = c.runOnce(ctx, device, timeout, args...)
		if err != nil {
			return res, err
		}
		if res.ExitCode == 0 {
			return res, nil
		}
		c.noteError()

		switch {
		case isFatal(res):
			c.recorder.ChannelFailure("fatal")
			c.logSuppressed(key+"|fatal", logx.LevelError, "adb_daemon_fault device=%s args=%q rc=%d stderr=%q",
				device, strings.Join(args, " "), res.ExitCode, trim(res.Stderr))
			if err := c.ResetServer(ctx, false); err != nil {
				c.logger.Warnf("adb_reset_failed after_fatal device=%s error=%v", device, err)
			}
			continue
		case attempt == 0 && device != "" && isCritical(res):
			c.recorder.ChannelFailure("critical")
			c.logSuppressed(key+"|critical", logx.LevelWarn, "adb_connection_fault device=%s stderr=%q reconnecting",
				device, trim(res.Stderr))
			c.Reconnect(ctx, device)
			continue
		default:
			c.recorder.ChannelFailure("ordinary")
			c.logSuppressed(key, logx.LevelWarn, "adb_command_failed device=%s args=%q rc=%d attempt=%d stderr=%q",
				device, strings.Join(args, " "), res.ExitCode, attempt+1, trim(res.Stderr))
		}
		if attempt+1 < c.cfg.Retries {
			if err := c.sleep(ctx, time.Duration(attempt+1)*500*time.Millisecond); err != nil {
				return res, err
			}
		}
	}
	return res, fmt.Errorf("%w: adb %s (device=%s rc=%d): %s",
		ErrCommandFailed, strings.Join(args, " "), device, res.ExitCode, trim(res.Stderr))
}

// runOnce executes a single attempt under the concurrency semaphore.
func (c *Client) runOnce(ctx context.Context, device string, timeout time.Duration, args ...string) (Result, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	defer func() { <-c.sem }()

	full := args
	if device != "" {
		full = append([]string{"-s", device}, args...)
	}
	return c.runner.Run(ctx, timeout, c.cfg.ADBPath, full...), nil
}

func (c *Client) noteError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.recentErrors = append(c.recentErrors, now)
	c.pruneErrorsLocked(now)
}

func (c *Client) pruneErrorsLocked(now time.Time) {
	cutoff := now.Add(-time.Duration(c.cfg.RecentErrorWindowSec) * time.Second)
	i := 0
	for i < len(c.recentErrors) && c.recentErrors[i].Before(cutoff) {
		i++
	}
	c.recentErrors = c.recentErrors[i:]
}

// RecentErrors returns how many command failures happened inside the rolling window.
func (c *Client) RecentErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneErrorsLocked(c.now())
	return len(c.recentErrors)
}

// logSuppressed logs at most once per key per error_log_interval_sec.
func (c *Client) logSuppressed(key string, level logx.Level, format string, args ...any) {
	c.mu.Lock()
	now := c.now()
	last, seen := c.lastLogged[key]
	interval := time.Duration(c.cfg.ErrorLogIntervalSec) * time.Second
	if seen && now.Sub(last) < interval {
		c.mu.Unlock()
		return
	}
	c.lastLogged[key] = now
	c.mu.Unlock()
	c.logger.Log(level, format, args...)
}

func failureKey(device string, args []string) string {
	verb := ""
	if len(args) > 0 {
		verb = args[0]
		if verb == "shell" && len(args) > 1 {
			verb += " " + args[1]
		}
	}
	return device + "|" + verb
}

func isFatal(r Result) bool {
	code := int64(r.ExitCode)
	if code < 0 {
		code += 1 << 32
	}
	if code == 0xC0000005 || code == 0xC0000402 || (code&0xC0000000) == 0xC0000000 {
		return true
	}
	return containsAny(r.Stdout+" "+r.Stderr, fatalKeywords)
}

func isCritical(r Result) bool {
	return containsAny(r.Stdout+" "+r.Stderr, criticalKeywords)
}

func containsAny(s string, keywords []string) bool {
	s = strings.ToLower(s)
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func trim(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
