// Package fleet runs one worker loop per device against the shared backlog, recovers devices
// that fail or stall, and watches the whole fleet for stalls.
package fleet

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/msageha/devfleet/internal/events"
	"github.com/msageha/devfleet/internal/logx"
	"github.com/msageha/devfleet/internal/model"
)

// Channel is the device command channel as seen by the scheduler.
type Channel interface {
	IsAvailable(ctx context.Context, device string) bool
	Reconnect(ctx context.Context, device string) bool
	ResetServer(ctx context.Context, force bool) error
	RestartDevice(ctx context.Context, device string) bool
	Diagnose(ctx context.Context, device string) error
}

// Pusher delivers an item's payload to a device.
type Pusher interface {
	Push(ctx context.Context, device string, id model.ItemID) model.Outcome
}

// Operation is the per-item domain action. Panics are treated as Retry.
type Operation interface {
	Run(ctx context.Context, device, label string, sink model.ResultSink) model.Outcome
}

// OperationFunc adapts a function to Operation.
type OperationFunc func(ctx context.Context, device, label string, sink model.ResultSink) model.Outcome

func (f OperationFunc) Run(ctx context.Context, device, label string, sink model.ResultSink) model.Outcome {
	return f(ctx, device, label, sink)
}

// Toucher is the watchdog handle touched on every scheduler transition.
type Toucher interface {
	Touch(label string)
}

// Publisher receives scheduler events. *events.Bus implements it.
type Publisher interface {
	Publish(eventType events.EventType, data map[string]any)
}

// Recorder receives scheduler counters. *metrics.Collectors implements it.
type Recorder interface {
	ItemCompleted(device string, success bool, took time.Duration)
	ItemRequeued(reason string)
	ItemSkipped()
	GlobalRecovery()
	DeviceRestarted(device string, ok bool)
	Backlog(queued, inFlight int)
}

type MonitorOptions struct {
	Interval                time.Duration
	StallThreshold          time.Duration
	HardTimeout             time.Duration
	GlobalStallCycles       int
	GlobalRecoveryGrace     time.Duration
	HealthInterval          time.Duration
	HealthRestartCooldown   time.Duration
	StatusInterval          time.Duration
	DiagnosticResetCooldown time.Duration
	ResumeKick              time.Duration
	NoCompletionTimeout     time.Duration
}

type Options struct {
	RunID     string
	Operation string
	Devices   []string

	StartStagger      time.Duration
	ReadyTimeout      time.Duration
	ReadyPoll         time.Duration
	ReconnectInterval time.Duration
	Monitor           MonitorOptions

	Label        func(model.ItemID) string
	AfterSuccess func(device string, id model.ItemID)
	HostMem      func() (float64, error)

	Logger   *logx.Logger
	Recorder Recorder
	Events   Publisher
	Watchdog Toucher
	Now      func() time.Time
}

// OptionsFromConfig maps the scheduler, monitor and devices sections onto Options.
func OptionsFromConfig(cfg model.Config) Options {
	cfg = cfg.ApplyDefaults()
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	m := cfg.Monitor
	return Options{
		Devices:           cfg.Devices.IDs,
		StartStagger:      time.Duration(cfg.Devices.StartStaggerMs) * time.Millisecond,
		ReadyTimeout:      sec(cfg.Scheduler.DeviceReadyTimeoutSec),
		ReadyPoll:         sec(cfg.Scheduler.DeviceReadyPollSec),
		ReconnectInterval: sec(cfg.Scheduler.ReconnectIntervalSec),
		Monitor: MonitorOptions{
			Interval:                m.Interval(),
			StallThreshold:          m.StallThreshold(),
			HardTimeout:             m.HardTimeout(),
			GlobalStallCycles:       m.GlobalStallCycles,
			GlobalRecoveryGrace:     sec(m.GlobalRecoveryGraceSec),
			HealthInterval:          sec(m.HealthIntervalSec),
			HealthRestartCooldown:   sec(m.HealthRestartCooldownSec),
			StatusInterval:          sec(m.StatusIntervalSec),
			DiagnosticResetCooldown: sec(m.DiagnosticResetCooldownSec),
			ResumeKick:              sec(m.ResumeKickSec),
			NoCompletionTimeout:     sec(m.NoCompletionTimeoutSec),
		},
	}
}

func (o *Options) applyDefaults() {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 45 * time.Second
	}
	if o.ReadyPoll <= 0 {
		o.ReadyPoll = 3 * time.Second
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 10 * time.Second
	}
	m := &o.Monitor
	if m.Interval <= 0 {
		m.Interval = 30 * time.Second
	}
	if m.StallThreshold <= 0 {
		m.StallThreshold = 300 * time.Second
	}
	if m.HardTimeout <= 0 {
		m.HardTimeout = 900 * time.Second
	}
	if m.GlobalStallCycles <= 0 {
		m.GlobalStallCycles = 2
	}
	if m.GlobalRecoveryGrace <= 0 {
		m.GlobalRecoveryGrace = 90 * time.Second
	}
	if m.HealthInterval <= 0 {
		m.HealthInterval = 600 * time.Second
	}
	if m.HealthRestartCooldown <= 0 {
		m.HealthRestartCooldown = 300 * time.Second
	}
	if m.StatusInterval <= 0 {
		m.StatusInterval = 120 * time.Second
	}
	if m.DiagnosticResetCooldown <= 0 {
		m.DiagnosticResetCooldown = 120 * time.Second
	}
	if m.ResumeKick <= 0 {
		m.ResumeKick = 120 * time.Second
	}
	if m.NoCompletionTimeout <= 0 {
		m.NoCompletionTimeout = 600 * time.Second
	}
	if o.Label == nil {
		o.Label = func(id model.ItemID) string { return id.Label(3) }
	}
	if o.HostMem == nil {
		o.HostMem = hostMemUsedPct
	}
	if o.Logger == nil {
		o.Logger = logx.Discard()
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Events == nil {
		o.Events = nopPublisher{}
	}
	if o.Watchdog == nil {
		o.Watchdog = nopToucher{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func hostMemUsedPct() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

type nopRecorder struct{}

func (nopRecorder) ItemCompleted(string, bool, time.Duration) {}
func (nopRecorder) ItemRequeued(string)                       {}
func (nopRecorder) ItemSkipped()                              {}
func (nopRecorder) GlobalRecovery()                           {}
func (nopRecorder) DeviceRestarted(string, bool)              {}
func (nopRecorder) Backlog(int, int)                          {}

type nopPublisher struct{}

func (nopPublisher) Publish(events.EventType, map[string]any) {}

type nopToucher struct{}

func (nopToucher) Touch(string) {}
