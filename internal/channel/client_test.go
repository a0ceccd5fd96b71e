package channel

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/devfleet/internal/logx"
	"github.com/msageha/devfleet/internal/model"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	handler func(args []string) Result
}

func (f *fakeRunner) Run(_ context.Context, _ time.Duration, _ string, args ...string) Result {
	f.mu.Lock()
	f.calls = append(f.calls, strings.Join(args, " "))
	h := f.handler
	f.mu.Unlock()
	return h(args)
}

func (f *fakeRunner) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type testClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestClient(t *testing.T, runner *fakeRunner, cfg model.ChannelConfig, hook func(context.Context, string) bool) (*Client, *testClock, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	c := New(Options{
		Config:      cfg,
		Runner:      runner,
		Logger:      logx.New(&buf, logx.LevelDebug, "channel"),
		RestartHook: hook,
	})
	clk := &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	c.now = clk.now
	c.sleep = clk.sleep
	t.Cleanup(c.Close)
	return c, clk, &buf
}

const devicesOnline = "List of devices attached\nemulator-5554\tdevice\nemulator-5556\toffline\n"

func TestExecuteSuccess(t *testing.T) {
	r := &fakeRunner{handler: func([]string) Result { return Result{Stdout: "ok"} }}
	c, _, _ := newTestClient(t, r, model.ChannelConfig{}, nil)

	res, err := c.Execute(context.Background(), "emulator-5554", 0, "shell", "echo", "ok")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
	assert.Equal(t, []string{"-s emulator-5554 shell echo ok"}, r.calls)
}

func TestExecuteOrdinaryFailureRetriesWithLinearBackoff(t *testing.T) {
	r := &fakeRunner{handler: func([]string) Result { return Result{ExitCode: 1, Stderr: "no such file"} }}
	c, clk, _ := newTestClient(t, r, model.ChannelConfig{}, nil)

	_, err := c.Execute(context.Background(), "emulator-5554", 0, "push", "a", "b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommandFailed))
	assert.Equal(t, 3, r.count("-s emulator-5554 push"))
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, clk.sleeps)
	assert.Equal(t, 3, c.RecentErrors())
}

func TestExecuteFatalResetsServer(t *testing.T) {
	var mu sync.Mutex
	failed := false
	r := &fakeRunner{handler: func(args []string) Result {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case args[0] == "devices":
			return Result{Stdout: devicesOnline}
		case args[0] == "-s" && !failed:
			failed = true
			return Result{ExitCode: 1, Stderr: "* daemon not running; starting now"}
		}
		return Result{}
	}}
	c, _, _ := newTestClient(t, r, model.ChannelConfig{}, nil)

	_, err := c.Execute(context.Background(), "emulator-5554", 0, "shell", "input", "tap", "1", "1")
	require.NoError(t, err)
	assert.Equal(t, 1, r.count("kill-server"))
	assert.Equal(t, 1, r.count("start-server"))
	assert.Equal(t, 2, r.count("-s emulator-5554 shell input"))
}

func TestIsFatal(t *testing.T) {
	cases := []struct {
		name string
		res  Result
		want bool
	}{
		{"access violation", Result{ExitCode: -1073741819}, true},
		{"stack buffer", Result{ExitCode: 0xC0000402}, true},
		{"ntstatus class", Result{ExitCode: -1073740791}, true},
		{"not responding", Result{ExitCode: 1, Stderr: "adb server is NOT RESPONDING"}, true},
		{"cannot connect", Result{ExitCode: 1, Stdout: "cannot connect to daemon at tcp:5037"}, true},
		{"ordinary", Result{ExitCode: 1, Stderr: "error: closed"}, false},
		{"timeout", Result{ExitCode: 1, Stderr: "<timeout>", TimedOut: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isFatal(tc.res))
		})
	}
}

func TestExecuteCriticalErrorReconnects(t *testing.T) {
	var mu sync.Mutex
	first := true
	r := &fakeRunner{handler: func(args []string) Result {
		mu.Lock()
		defer mu.Unlock()
		switch args[0] {
		case "connect":
			return Result{Stdout: "already connected to emulator-5554"}
		case "devices":
			return Result{Stdout: devicesOnline}
		case "disconnect":
			return Result{}
		}
		if strings.Join(args, " ") == "-s emulator-5554 shell echo ping" {
			return Result{Stdout: "ping\n"}
		}
		if first {
			first = false
			return Result{ExitCode: 1, Stderr: "error: device offline"}
		}
		return Result{}
	}}
	c, _, _ := newTestClient(t, r, model.ChannelConfig{}, nil)

	_, err := c.Execute(context.Background(), "emulator-5554", 0, "shell", "am", "start")
	require.NoError(t, err)
	assert.Equal(t, 1, r.count("connect emulator-5554"))
	assert.Equal(t, 2, r.count("-s emulator-5554 shell am start"))
}

func TestLogSuppression(t *testing.T) {
	r := &fakeRunner{handler: func([]string) Result { return Result{ExitCode: 1, Stderr: "boom"} }}
	c, clk, buf := newTestClient(t, r, model.ChannelConfig{Retries: 1}, nil)
	ctx := context.Background()

	c.Execute(ctx, "emulator-5554", 0, "shell", "ls")
	c.Execute(ctx, "emulator-5554", 0, "shell", "ls")
	assert.Equal(t, 1, strings.Count(buf.String(), "adb_command_failed"))

	clk.advance(time.Hour)
	c.Execute(ctx, "emulator-5554", 0, "shell", "ls")
	assert.Equal(t, 2, strings.Count(buf.String(), "adb_command_failed"))
}

func TestResetServerCooldownAndBypass(t *testing.T) {
	r := &fakeRunner{handler: func(args []string) Result {
		if args[0] == "devices" {
			return Result{Stdout: "List of devices attached\n"}
		}
		return Result{}
	}}
	c, clk, _ := newTestClient(t, r, model.ChannelConfig{ResetCooldownSec: 8, ResetErrorThreshold: 2}, nil)
	ctx := context.Background()

	require.NoError(t, c.ResetServer(ctx, false))
	require.NoError(t, c.ResetServer(ctx, false))
	assert.Equal(t, 1, r.count("kill-server"), "second reset inside cooldown is throttled")

	c.noteError()
	c.noteError()
	require.NoError(t, c.ResetServer(ctx, false))
	assert.Equal(t, 2, r.count("kill-server"), "error burst bypasses the cooldown")
	assert.Equal(t, 0, c.RecentErrors(), "successful reset clears the error window")

	clk.advance(10 * time.Second)
	require.NoError(t, c.ResetServer(ctx, true))
	assert.Equal(t, 3, r.count("kill-server"))
}

func TestResetServerVerifyFailure(t *testing.T) {
	r := &fakeRunner{handler: func(args []string) Result {
		if args[0] == "devices" {
			return Result{ExitCode: 1, Stderr: "cannot connect to daemon"}
		}
		return Result{}
	}}
	c, _, _ := newTestClient(t, r, model.ChannelConfig{ResetVerifyAttempts: 2}, nil)

	err := c.ResetServer(context.Background(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, 2, r.count("devices"))
}

func TestIsAvailable(t *testing.T) {
	echo := Result{Stdout: "ping\n"}
	r := &fakeRunner{handler: func(args []string) Result {
		if args[0] == "devices" {
			return Result{Stdout: devicesOnline}
		}
		return echo
	}}
	c, _, _ := newTestClient(t, r, model.ChannelConfig{}, nil)
	ctx := context.Background()

	assert.True(t, c.IsAvailable(ctx, "emulator-5554"))
	assert.False(t, c.IsAvailable(ctx, "emulator-5556"), "offline device")
	assert.False(t, c.IsAvailable(ctx, "emulator-5558"), "unlisted device")

	echo = Result{ExitCode: 1}
	assert.False(t, c.IsAvailable(ctx, "emulator-5554"), "listed but wedged")
}

func TestReconnectSchedulesOneBackgroundRestart(t *testing.T) {
	r := &fakeRunner{handler: func(args []string) Result {
		switch args[0] {
		case "connect":
			return Result{Stdout: "failed to connect to emulator-5554"}
		case "devices":
			return Result{Stdout: "List of devices attached\n"}
		}
		return Result{}
	}}
	release := make(chan struct{})
	var hookCalls int
	var hookMu sync.Mutex
	hook := func(ctx context.Context, device string) bool {
		hookMu.Lock()
		hookCalls++
		hookMu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
		}
		return true
	}
	c, _, _ := newTestClient(t, r, model.ChannelConfig{ReconnectAttempts: 3, ReconnectRestartAfter: 3}, hook)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		assert.False(t, c.Reconnect(ctx, "emulator-5554"))
	}
	assert.True(t, c.RestartInFlight("emulator-5554"))
	assert.Equal(t, 18, r.count("connect emulator-5554"))

	close(release)
	require.Eventually(t, func() bool { return !c.RestartInFlight("emulator-5554") }, time.Second, 5*time.Millisecond)

	hookMu.Lock()
	assert.Equal(t, 1, hookCalls)
	hookMu.Unlock()
}

func TestReconnectResetsServerFromThirdAttempt(t *testing.T) {
	r := &fakeRunner{handler: func(args []string) Result {
		switch args[0] {
		case "connect":
			return Result{Stdout: "failed to connect to emulator-5554"}
		case "devices":
			return Result{Stdout: "List of devices attached\n"}
		}
		return Result{}
	}}
	c, _, _ := newTestClient(t, r, model.ChannelConfig{ReconnectAttempts: 3, ReconnectRestartAfter: 5}, nil)

	assert.False(t, c.Reconnect(context.Background(), "emulator-5554"))

	r.mu.Lock()
	calls := append([]string(nil), r.calls...)
	r.mu.Unlock()
	var connects []int
	kill := -1
	for i, call := range calls {
		switch call {
		case "connect emulator-5554":
			connects = append(connects, i)
		case "kill-server":
			if kill < 0 {
				kill = i
			}
		}
	}
	require.Len(t, connects, 3)
	require.GreaterOrEqual(t, kill, 0, "server reset on the third attempt: %v", calls)
	assert.Greater(t, kill, connects[1], "no reset during the first two attempts")
	assert.Less(t, kill, connects[2])
	assert.Equal(t, 1, r.count("kill-server"))
}

func TestReconnectWithinTwoAttemptsNeverResets(t *testing.T) {
	r := &fakeRunner{handler: func(args []string) Result {
		if args[0] == "connect" {
			return Result{Stdout: "failed to connect to emulator-5554"}
		}
		return Result{}
	}}
	c, _, _ := newTestClient(t, r, model.ChannelConfig{ReconnectAttempts: 2, ReconnectRestartAfter: 5}, nil)

	assert.False(t, c.Reconnect(context.Background(), "emulator-5554"))
	assert.Equal(t, 2, r.count("connect emulator-5554"))
	assert.Zero(t, r.count("kill-server"))
}

func TestReconnectSuccessClearsFailureCount(t *testing.T) {
	var mu sync.Mutex
	online := false
	r := &fakeRunner{handler: func(args []string) Result {
		mu.Lock()
		up := online
		mu.Unlock()
		switch {
		case args[0] == "connect" && up:
			return Result{Stdout: "connected to emulator-5554"}
		case args[0] == "connect":
			return Result{Stdout: "failed to connect to emulator-5554"}
		case args[0] == "devices" && up:
			return Result{Stdout: devicesOnline}
		case args[0] == "devices":
			return Result{Stdout: "List of devices attached\n"}
		}
		return Result{Stdout: "ping\n"}
	}}
	setOnline := func(v bool) {
		mu.Lock()
		online = v
		mu.Unlock()
	}
	var hookMu sync.Mutex
	var hookCalls int
	hook := func(context.Context, string) bool {
		hookMu.Lock()
		hookCalls++
		hookMu.Unlock()
		return true
	}
	c, _, _ := newTestClient(t, r, model.ChannelConfig{ReconnectAttempts: 1, ReconnectRestartAfter: 3}, hook)
	ctx := context.Background()

	assert.False(t, c.Reconnect(ctx, "emulator-5554"))
	assert.False(t, c.Reconnect(ctx, "emulator-5554"))

	setOnline(true)
	assert.True(t, c.Reconnect(ctx, "emulator-5554"))
	c.mu.Lock()
	assert.Zero(t, c.reconnectFailures["emulator-5554"])
	c.mu.Unlock()

	setOnline(false)
	assert.False(t, c.Reconnect(ctx, "emulator-5554"))
	assert.False(t, c.Reconnect(ctx, "emulator-5554"))
	assert.False(t, c.RestartInFlight("emulator-5554"), "two failures since the last success")
	hookMu.Lock()
	assert.Zero(t, hookCalls)
	hookMu.Unlock()

	assert.False(t, c.Reconnect(ctx, "emulator-5554"))
	require.Eventually(t, func() bool {
		hookMu.Lock()
		defer hookMu.Unlock()
		return hookCalls == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRestartArgv(t *testing.T) {
	argv, err := restartArgv(`emuctl restart --name "{device}" --cold`, "emulator-5554")
	require.NoError(t, err)
	assert.Equal(t, []string{"emuctl", "restart", "--name", "emulator-5554", "--cold"}, argv)

	_, err = restartArgv("   ", "x")
	assert.Error(t, err)
}

func TestRestartDeviceWaitsForAvailability(t *testing.T) {
	var mu sync.Mutex
	probes := 0
	r := &fakeRunner{handler: func(args []string) Result {
		mu.Lock()
		defer mu.Unlock()
		if args[0] == "devices" {
			probes++
			if probes < 3 {
				return Result{Stdout: "List of devices attached\n"}
			}
			return Result{Stdout: devicesOnline}
		}
		return Result{Stdout: "ping"}
	}}
	c, _, _ := newTestClient(t, r, model.ChannelConfig{RestartCommand: "emuctl restart {device}", RestartTimeoutSec: 60}, nil)

	assert.True(t, c.RestartDevice(context.Background(), "emulator-5554"))
	assert.Equal(t, 1, r.count("restart emulator-5554"))
}
