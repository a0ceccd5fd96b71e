package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/shlex"
)

// ResetServer restarts the adb server (kill-server, start-server, verify). Concurrent callers
// share one reset. Calls inside the cooldown are skipped unless the recent-error window is
// over threshold; force halves the cooldown but ignores the error bypass.
func (c *Client) ResetServer(ctx context.Context, force bool) error {
	_, err, _ := c.resetGroup.Do("reset", func() (any, error) {
		return nil, c.resetServer(ctx, force)
	})
	return err
}

func (c *Client) resetServer(ctx context.Context, force bool) error {
	cooldown := time.Duration(c.cfg.ResetCooldownSec) * time.Second
	if force {
		cooldown /= 2
		if cooldown < 2*time.Second {
			cooldown = 2 * time.Second
		}
	}

	c.mu.Lock()
	now := c.now()
	c.pruneErrorsLocked(now)
	recent := len(c.recentErrors)
	bypass := !force && recent >= c.cfg.ResetErrorThreshold
	if !c.lastReset.IsZero() && now.Sub(c.lastReset) < cooldown && !bypass {
		c.mu.Unlock()
		c.logger.Debugf("adb_reset_throttled since=%s cooldown=%s", now.Sub(c.lastReset).Round(time.Millisecond), cooldown)
		return nil
	}
	c.lastReset = now
	c.mu.Unlock()

	c.logger.Warnf("adb_reset_start force=%t recent_errors=%d bypass=%t", force, recent, bypass)
	timeout := c.defaultTimeout()
	if _, err := c.runOnce(ctx, "", timeout, "kill-server"); err != nil {
		return err
	}
	if err := c.sleep(ctx, time.Second); err != nil {
		return err
	}
	if _, err := c.runOnce(ctx, "", timeout, "start-server"); err != nil {
		return err
	}

	for attempt := 0; attempt < c.cfg.ResetVerifyAttempts; attempt++ {
		res, err := c.runOnce(ctx, "", timeout, "devices")
		if err != nil {
			return err
		}
		if res.ExitCode == 0 && !isFatal(res) {
			c.mu.Lock()
			c.recentErrors = nil
			c.mu.Unlock()
			c.recorder.ChannelReset(true)
			c.logger.Infof("adb_reset_ok verify_attempt=%d", attempt+1)
			return nil
		}
		if err := c.sleep(ctx, time.Second+time.Duration(attempt)*500*time.Millisecond); err != nil {
			return err
		}
	}
	c.recorder.ChannelReset(false)
	c.logger.Errorf("adb_reset_failed verify_attempts=%d", c.cfg.ResetVerifyAttempts)
	return fmt.Errorf("%w: adb server did not come back after reset", ErrCommandFailed)
}

// Reconnect cycles disconnect/connect for device until it passes IsAvailable. The server is
// reset from the third attempt on. Repeated failures schedule one background restart.
func (c *Client) Reconnect(ctx context.Context, device string) bool {
	unlock := c.devLocks.Lock(device)
	defer unlock()

	timeout := c.defaultTimeout()
	for attempt := 0; attempt < c.cfg.ReconnectAttempts; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		if attempt >= 2 {
			if err := c.ResetServer(ctx, false); err != nil {
				c.logger.Warnf("reconnect_reset_failed device=%s error=%v", device, err)
			}
		}
		c.runOnce(ctx, "", timeout, "disconnect", device)
		if c.sleep(ctx, time.Second) != nil {
			return false
		}
		res, err := c.runOnce(ctx, "", timeout, "connect", device)
		if err != nil {
			return false
		}
		if strings.Contains(strings.ToLower(res.Stdout), "connected") && c.IsAvailable(ctx, device) {
			c.mu.Lock()
			delete(c.reconnectFailures, device)
			c.mu.Unlock()
			c.logger.Infof("reconnect_ok device=%s attempt=%d", device, attempt+1)
			return true
		}
		if c.sleep(ctx, time.Duration(attempt+1)*500*time.Millisecond) != nil {
			return false
		}
	}

	c.registerReconnectFailure(device)
	return false
}

func (c *Client) registerReconnectFailure(device string) {
	c.mu.Lock()
	c.reconnectFailures[device]++
	failures := c.reconnectFailures[device]
	schedule := failures >= c.cfg.ReconnectRestartAfter && !c.restartInFlight[device]
	if schedule {
		c.restartInFlight[device] = true
		c.reconnectFailures[device] = 0
	}
	c.mu.Unlock()

	c.logger.Warnf("reconnect_failed device=%s consecutive=%d", device, failures)
	if !schedule {
		return
	}

	c.logger.Warnf("background_restart_scheduled device=%s", device)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.restartInFlight, device)
			c.mu.Unlock()
		}()
		ok := c.hook(c.bg, device)
		c.logger.Infof("background_restart_done device=%s ok=%t", device, ok)
	}()
}

// RestartInFlight reports whether a background restart is running for device.
func (c *Client) RestartInFlight(device string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restartInFlight[device]
}

// IsAvailable requires the device to be listed in "device" state and to answer an echo probe.
func (c *Client) IsAvailable(ctx context.Context, device string) bool {
	timeout := c.defaultTimeout()
	res, err := c.runOnce(ctx, "", timeout, "devices")
	if err != nil || res.ExitCode != 0 || !listedOnline(res.Stdout, device) {
		return false
	}
	probe, err := c.runOnce(ctx, device, timeout, "shell", "echo", "ping")
	return err == nil && probe.ExitCode == 0 && strings.Contains(probe.Stdout, "ping")
}

func listedOnline(devicesOutput, device string) bool {
	for _, line := range strings.Split(devicesOutput, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == device && fields[1] == "device" {
			return true
		}
	}
	return false
}

// Diagnose is the cheap stall probe: get-state must say "device" and a screen capture must
// return data.
func (c *Client) Diagnose(ctx context.Context, device string) error {
	timeout := c.defaultTimeout()
	state, err := c.runOnce(ctx, device, timeout, "get-state")
	if err != nil {
		return err
	}
	if state.ExitCode != 0 || strings.TrimSpace(state.Stdout) != "device" {
		return fmt.Errorf("get-state %s: rc=%d state=%q", device, state.ExitCode, strings.TrimSpace(state.Stdout))
	}
	shot, err := c.runOnce(ctx, device, timeout, "exec-out", "screencap", "-p")
	if err != nil {
		return err
	}
	if shot.ExitCode != 0 || len(shot.Stdout) == 0 {
		return fmt.Errorf("screencap %s: rc=%d bytes=%d", device, shot.ExitCode, len(shot.Stdout))
	}
	return nil
}

// RestartDevice restarts one emulator and waits until it is available again. Without a
// configured restart_command the device is rebooted through adb.
func (c *Client) RestartDevice(ctx context.Context, device string) bool {
	timeout := time.Duration(c.cfg.RestartTimeoutSec) * time.Second
	deadline := c.now().Add(timeout)

	if c.cfg.RestartCommand == "" {
		if _, err := c.runOnce(ctx, device, c.defaultTimeout(), "reboot"); err != nil {
			return false
		}
	} else {
		argv, err := restartArgv(c.cfg.RestartCommand, device)
		if err != nil {
			c.logger.Errorf("restart_command_invalid device=%s error=%v", device, err)
			return false
		}
		res := c.runner.Run(ctx, timeout, argv[0], argv[1:]...)
		if res.ExitCode != 0 {
			c.logger.Errorf("restart_command_failed device=%s rc=%d stderr=%q", device, res.ExitCode, trim(res.Stderr))
			return false
		}
	}

	for c.now().Before(deadline) {
		if c.sleep(ctx, 3*time.Second) != nil {
			return false
		}
		if c.IsAvailable(ctx, device) {
			c.logger.Infof("device_restarted device=%s", device)
			return true
		}
	}
	c.logger.Errorf("device_restart_timeout device=%s timeout=%s", device, timeout)
	return false
}

func restartArgv(template, device string) ([]string, error) {
	argv, err := shlex.Split(strings.ReplaceAll(template, "{device}", device))
	if err != nil {
		return nil, fmt.Errorf("split restart command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("restart command is empty")
	}
	return argv, nil
}
