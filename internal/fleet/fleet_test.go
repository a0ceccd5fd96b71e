package fleet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/devfleet/internal/backlog"
	"github.com/msageha/devfleet/internal/liveness"
	"github.com/msageha/devfleet/internal/model"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeChannel struct {
	mu          sync.Mutex
	unavailable map[string]bool
	reconnectOK bool
	diagnoseErr error

	diagnoses  map[string]int
	restarts   map[string]int
	reconnects int
	resets     []bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		unavailable: make(map[string]bool),
		diagnoses:   make(map[string]int),
		restarts:    make(map[string]int),
	}
}

func (f *fakeChannel) IsAvailable(_ context.Context, device string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unavailable[device]
}

func (f *fakeChannel) Reconnect(_ context.Context, device string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	if f.reconnectOK {
		delete(f.unavailable, device)
	}
	return f.reconnectOK
}

func (f *fakeChannel) ResetServer(_ context.Context, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, force)
	return nil
}

func (f *fakeChannel) RestartDevice(_ context.Context, device string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts[device]++
	return true
}

func (f *fakeChannel) Diagnose(_ context.Context, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diagnoses[device]++
	return f.diagnoseErr
}

func (f *fakeChannel) restartCount(device string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts[device]
}

func (f *fakeChannel) diagnoseCount(device string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.diagnoses[device]
}

type pushFunc func(ctx context.Context, device string, id model.ItemID) model.Outcome

func (f pushFunc) Push(ctx context.Context, device string, id model.ItemID) model.Outcome {
	return f(ctx, device, id)
}

var pushOK = pushFunc(func(context.Context, string, model.ItemID) model.Outcome { return model.Success() })

type countingRecorder struct {
	mu         sync.Mutex
	completed  int
	requeued   map[string]int
	skipped    int
	recoveries int
}

func (r *countingRecorder) ItemCompleted(string, bool, time.Duration) {
	r.mu.Lock()
	r.completed++
	r.mu.Unlock()
}

func (r *countingRecorder) ItemRequeued(reason string) {
	r.mu.Lock()
	if r.requeued == nil {
		r.requeued = make(map[string]int)
	}
	r.requeued[reason]++
	r.mu.Unlock()
}

func (r *countingRecorder) ItemSkipped() {
	r.mu.Lock()
	r.skipped++
	r.mu.Unlock()
}

func (r *countingRecorder) GlobalRecovery() {
	r.mu.Lock()
	r.recoveries++
	r.mu.Unlock()
}

func (r *countingRecorder) DeviceRestarted(string, bool) {}
func (r *countingRecorder) Backlog(int, int)             {}

type recordingToucher struct {
	mu     sync.Mutex
	labels []string
}

func (r *recordingToucher) Touch(label string) {
	r.mu.Lock()
	r.labels = append(r.labels, label)
	r.mu.Unlock()
}

func (r *recordingToucher) touched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.labels...)
}

func items(ids ...int) []model.ItemID {
	out := make([]model.ItemID, len(ids))
	for i, id := range ids {
		out[i] = model.ItemID(id)
	}
	return out
}

// runOptions keeps every wait short and the monitor out of the way.
func runOptions(devices ...string) Options {
	return Options{
		RunID:             "test-run",
		Devices:           devices,
		ReadyTimeout:      200 * time.Millisecond,
		ReadyPoll:         time.Millisecond,
		ReconnectInterval: time.Millisecond,
		Monitor:           MonitorOptions{Interval: time.Hour},
	}
}

func runScheduler(t *testing.T, store *backlog.Store, ch Channel, push Pusher, op Operation, opts Options) *Scheduler {
	t.Helper()
	s := New(store, liveness.New(), ch, push, op, opts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	require.NoError(t, ctx.Err(), "run did not finish")
	return s
}

func TestRunFailingItemIsSkippedAfterRetries(t *testing.T) {
	store := backlog.New(items(1, 2, 3, 4, 5), backlog.Options{MaxRetries: 3, PollInterval: 5 * time.Millisecond})
	ch := newFakeChannel()

	var mu sync.Mutex
	calls := make(map[string]int)
	op := OperationFunc(func(_ context.Context, _, label string, _ model.ResultSink) model.Outcome {
		mu.Lock()
		calls[label]++
		mu.Unlock()
		if label == "003" {
			return model.Retry("boom")
		}
		return model.Success()
	})

	runScheduler(t, store, ch, pushOK, op, runOptions("dev-a", "dev-b"))

	res := store.Result()
	assert.Equal(t, items(1, 2, 4, 5), res.Succeeded)
	assert.Equal(t, items(3), res.Skipped)
	assert.Empty(t, res.Pending)
	assert.Equal(t, 4, calls["003"], "one attempt plus three retries")
	assert.Equal(t, 1, calls["001"])
	assert.Equal(t, 4, ch.restartCount("dev-a")+ch.restartCount("dev-b"))
}

func TestWatchdogTouchedWhileEveryStepFails(t *testing.T) {
	store := backlog.New(items(1, 2), backlog.Options{MaxRetries: 1, PollInterval: 5 * time.Millisecond})
	push := pushFunc(func(context.Context, string, model.ItemID) model.Outcome { return model.Retry("push failed") })
	wd := &recordingToucher{}
	opts := runOptions("dev-a")
	opts.Watchdog = wd

	runScheduler(t, store, newFakeChannel(), push, nil, opts)

	res := store.Result()
	assert.Empty(t, res.Succeeded)
	assert.Equal(t, items(1, 2), res.Skipped)

	touched := wd.touched()
	assert.Len(t, touched, 8, "assign twice, requeue once and skip once per item: %v", touched)
	for _, want := range []string{
		"dev-a:assign:1", "dev-a:requeue_push:1", "dev-a:skip_push:1",
		"dev-a:assign:2", "dev-a:requeue_push:2", "dev-a:skip_push:2",
	} {
		assert.Contains(t, touched, want)
	}
}

func TestWatchdogTouchedOnFatal(t *testing.T) {
	store := backlog.New(items(1), backlog.Options{PollInterval: 5 * time.Millisecond})
	push := pushFunc(func(context.Context, string, model.ItemID) model.Outcome { return model.Fatal("payload missing") })
	wd := &recordingToucher{}
	opts := runOptions("dev-a")
	opts.Watchdog = wd

	runScheduler(t, store, newFakeChannel(), push, nil, opts)

	assert.Equal(t, []string{"dev-a:assign:1", "dev-a:push_fatal:1"}, wd.touched())
}

func TestRunFatalPushSkipsWithoutRetry(t *testing.T) {
	store := backlog.New(items(1, 2, 3), backlog.Options{PollInterval: 5 * time.Millisecond})
	ch := newFakeChannel()
	rec := &countingRecorder{}
	push := pushFunc(func(_ context.Context, _ string, id model.ItemID) model.Outcome {
		if id == 2 {
			return model.Fatal("payload missing")
		}
		return model.Success()
	})
	op := OperationFunc(func(context.Context, string, string, model.ResultSink) model.Outcome { return model.Success() })

	opts := runOptions("dev-a")
	opts.Recorder = rec
	s := runScheduler(t, store, ch, push, op, opts)

	res := store.Result()
	assert.Equal(t, items(1, 3), res.Succeeded)
	assert.Equal(t, items(2), res.Skipped)
	assert.Zero(t, res.Retries[2])
	assert.Zero(t, ch.restartCount("dev-a"))
	assert.Equal(t, 1, rec.skipped)
	assert.Equal(t, "payload missing", s.Board().Rows()[0].LastError)
}

func TestRunOperationPanicIsRetried(t *testing.T) {
	store := backlog.New(items(1), backlog.Options{PollInterval: 5 * time.Millisecond})
	ch := newFakeChannel()

	var once sync.Once
	op := OperationFunc(func(context.Context, string, string, model.ResultSink) model.Outcome {
		once.Do(func() { panic("operation exploded") })
		return model.Success()
	})

	runScheduler(t, store, ch, pushOK, op, runOptions("dev-a"))

	res := store.Result()
	assert.Equal(t, items(1), res.Succeeded)
	assert.Empty(t, res.Skipped)
	assert.Empty(t, res.Retries, "success clears the retry count")
	assert.Equal(t, 1, ch.restartCount("dev-a"))
}

func TestRunReportedErrorTurnsSuccessIntoFatal(t *testing.T) {
	store := backlog.New(items(1, 2), backlog.Options{PollInterval: 5 * time.Millisecond})
	op := OperationFunc(func(_ context.Context, device, label string, sink model.ResultSink) model.Outcome {
		sink.SetStatus(device, "running "+label)
		if label == "001" {
			sink.ReportError(device, "result mismatch")
		}
		return model.Success()
	})

	runScheduler(t, store, newFakeChannel(), pushOK, op, runOptions("dev-a"))

	res := store.Result()
	assert.Equal(t, items(2), res.Succeeded)
	assert.Equal(t, items(1), res.Skipped)
}

func TestRunAfterSuccessHook(t *testing.T) {
	store := backlog.New(items(1, 2), backlog.Options{PollInterval: 5 * time.Millisecond})
	op := OperationFunc(func(context.Context, string, string, model.ResultSink) model.Outcome { return model.Success() })

	var mu sync.Mutex
	var seen []model.ItemID
	opts := runOptions("dev-a")
	opts.AfterSuccess = func(_ string, id model.ItemID) {
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
	}
	runScheduler(t, store, newFakeChannel(), pushOK, op, opts)
	assert.Equal(t, items(1, 2), seen)
}

func TestStopLeavesQueuedItemsPending(t *testing.T) {
	store := backlog.New(items(1, 2, 3), backlog.Options{PollInterval: 5 * time.Millisecond})
	var s *Scheduler
	op := OperationFunc(func(context.Context, string, string, model.ResultSink) model.Outcome {
		s.Stop()
		return model.Success()
	})
	s = New(store, liveness.New(), newFakeChannel(), pushOK, op, runOptions("dev-a"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	res := store.Result()
	assert.Equal(t, items(1), res.Succeeded)
	assert.Equal(t, items(2, 3), res.Pending)
}

func TestRunWithoutDevicesFails(t *testing.T) {
	s := New(backlog.New(items(1), backlog.Options{}), liveness.New(), newFakeChannel(), pushOK, nil, Options{})
	assert.Error(t, s.Run(context.Background()))
}

func TestWaitReadyReconnects(t *testing.T) {
	ch := newFakeChannel()
	ch.unavailable["dev-a"] = true
	ch.reconnectOK = true
	s := New(backlog.New(nil, backlog.Options{}), liveness.New(), ch, pushOK, nil, runOptions("dev-a"))

	assert.True(t, s.waitReady(context.Background(), "dev-a"))
	assert.Equal(t, 1, ch.reconnects)
}

func TestWaitReadyTimesOut(t *testing.T) {
	ch := newFakeChannel()
	ch.unavailable["dev-a"] = true
	opts := runOptions("dev-a")
	opts.ReadyTimeout = 20 * time.Millisecond
	s := New(backlog.New(nil, backlog.Options{}), liveness.New(), ch, pushOK, nil, opts)

	start := time.Now()
	assert.False(t, s.waitReady(context.Background(), "dev-a"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.GreaterOrEqual(t, ch.reconnects, 1)
}

func TestNotReadyRequeuesWithReservation(t *testing.T) {
	store := backlog.New(items(1, 2), backlog.Options{PollInterval: 5 * time.Millisecond})
	ch := newFakeChannel()
	ch.unavailable["dev-a"] = true
	opts := runOptions("dev-a", "dev-b")
	opts.ReadyTimeout = 5 * time.Millisecond
	s := New(store, liveness.New(), ch, pushOK, nil, opts)

	lease, ok, err := store.FetchNext(context.Background(), "dev-a")
	require.NoError(t, err)
	require.True(t, ok)

	s.process(context.Background(), lease)
	s.restarts.Wait()

	snap := store.Snapshot()
	require.Len(t, snap.Leases, 1)
	assert.True(t, snap.Leases[0].Parked)
	assert.Equal(t, "dev-a", snap.Leases[0].Worker)
	assert.Equal(t, 1, snap.Retries[1])
	assert.Equal(t, 1, ch.restartCount("dev-a"))

	other, ok, err := store.FetchNext(context.Background(), "dev-b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.ItemID(2), other.Item, "parked item is not handed to another worker")
}

func TestRevokedLeaseIsAbandonedWithoutReport(t *testing.T) {
	store := backlog.New(items(1), backlog.Options{})
	rec := &countingRecorder{}
	opts := runOptions("dev-a")
	opts.Recorder = rec
	s := New(store, liveness.New(), newFakeChannel(), pushOK, nil, opts)

	lease, _, err := store.FetchNext(context.Background(), "dev-a")
	require.NoError(t, err)

	cont := s.withDeviceRecovery(context.Background(), lease, "operation", func(context.Context) model.Outcome {
		store.RequeueWithoutPenalty(lease, "revoked")
		return model.Fatal("late failure")
	})

	assert.False(t, cont)
	snap := store.Snapshot()
	assert.Zero(t, snap.Skipped)
	assert.Equal(t, items(1), snap.Queued)
	assert.Zero(t, rec.skipped)
	assert.False(t, store.Complete(lease, true))
}

func TestCancelledContextRequeuesWithoutPenalty(t *testing.T) {
	store := backlog.New(items(1), backlog.Options{})
	ch := newFakeChannel()
	s := New(store, liveness.New(), ch, pushOK, nil, runOptions("dev-a"))

	lease, _, err := store.FetchNext(context.Background(), "dev-a")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s.withDeviceRecovery(ctx, lease, "push", func(context.Context) model.Outcome {
		cancel()
		return model.Retry("interrupted")
	})

	snap := store.Snapshot()
	assert.Equal(t, items(1), snap.Queued)
	assert.Zero(t, snap.Retries[1])
	assert.Zero(t, ch.restartCount("dev-a"))
}

func TestRestartAndWaitRespectsPause(t *testing.T) {
	ch := newFakeChannel()
	live := liveness.New()
	s := New(backlog.New(nil, backlog.Options{}), live, ch, pushOK, nil, runOptions("dev-a"))

	live.PauseRestarts("maintenance")
	assert.False(t, s.RestartAndWait(context.Background(), "dev-a"))
	assert.Zero(t, ch.restartCount("dev-a"))

	live.ResumeRestarts()
	assert.True(t, s.RestartAndWait(context.Background(), "dev-a"))
	assert.Equal(t, 1, ch.restartCount("dev-a"))
	assert.False(t, live.IsRestarting("dev-a"))
}

func TestOptionsFromConfig(t *testing.T) {
	var cfg model.Config
	cfg.Devices.IDs = []string{"emulator-5554"}
	cfg.Devices.StartStaggerMs = 250

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, []string{"emulator-5554"}, opts.Devices)
	assert.Equal(t, 250*time.Millisecond, opts.StartStagger)
	assert.Equal(t, 45*time.Second, opts.ReadyTimeout)
	assert.Equal(t, 300*time.Second, opts.Monitor.StallThreshold)
	assert.Equal(t, 900*time.Second, opts.Monitor.HardTimeout)
	assert.Equal(t, 2, opts.Monitor.GlobalStallCycles)
}

func TestBoardRows(t *testing.T) {
	b := NewBoard([]string{"dev-b", "dev-a"})
	b.Assign("dev-b", 7)
	b.SetStatus("dev-b", "pushing")
	b.ReportError("dev-a", "offline")

	rows := b.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "dev-a", rows[0].Device)
	assert.Equal(t, "offline", rows[0].LastError)
	assert.Nil(t, rows[0].Item)
	require.NotNil(t, rows[1].Item)
	assert.Equal(t, model.ItemID(7), *rows[1].Item)
	assert.Equal(t, "pushing", rows[1].Status)

	b.Release("dev-b")
	assert.Nil(t, b.Rows()[1].Item)
	if got := idleSeconds(liveness.Never); got != -1 {
		t.Errorf("idleSeconds(Never) = %d, want -1", got)
	}
}
