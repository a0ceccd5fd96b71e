// Package model defines devfleet's configuration, work-item, outcome and status types.
package model

import "time"

type Config struct {
	Project    ProjectConfig              `yaml:"project"`
	Devices    DevicesConfig              `yaml:"devices"`
	Channel    ChannelConfig              `yaml:"channel"`
	Payload    PayloadConfig              `yaml:"payload"`
	Scheduler  SchedulerConfig            `yaml:"scheduler"`
	Monitor    MonitorConfig              `yaml:"monitor"`
	Watchdog   WatchdogConfig             `yaml:"watchdog"`
	Operations map[string]OperationConfig `yaml:"operations"`
	Metrics    MetricsConfig              `yaml:"metrics"`
	Notify     NotifyConfig               `yaml:"notify"`
	Daemon     DaemonConfig               `yaml:"daemon"`
	Logging    LoggingConfig              `yaml:"logging"`
}

type ProjectConfig struct {
	Name string `yaml:"name"`
}

type DevicesConfig struct {
	IDs            []string `yaml:"ids"`
	StartStaggerMs int      `yaml:"start_stagger_ms"`
}

type ChannelConfig struct {
	ADBPath               string `yaml:"adb_path"`
	MaxConcurrent         int    `yaml:"max_concurrent"`
	DefaultTimeoutSec     int    `yaml:"default_timeout_sec"`
	Retries               int    `yaml:"retries"`
	ErrorLogIntervalSec   int    `yaml:"error_log_interval_sec"`
	ResetCooldownSec      int    `yaml:"reset_cooldown_sec"`
	ResetVerifyAttempts   int    `yaml:"reset_verify_attempts"`
	RecentErrorWindowSec  int    `yaml:"recent_error_window_sec"`
	ResetErrorThreshold   int    `yaml:"reset_error_threshold"`
	ReconnectAttempts     int    `yaml:"reconnect_attempts"`
	ReconnectRestartAfter int    `yaml:"reconnect_restart_after"`

	// RestartCommand restarts one emulator instance. {device} is substituted before splitting.
	RestartCommand    string `yaml:"restart_command"`
	RestartTimeoutSec int    `yaml:"restart_timeout_sec"`
}

type PayloadConfig struct {
	Root        string `yaml:"root"`
	Filename    string `yaml:"filename"`
	Destination string `yaml:"destination"`
	AppPackage  string `yaml:"app_package"`
	AppActivity string `yaml:"app_activity"`
	MaxItemID   int    `yaml:"max_item_id"`
	LabelWidth  int    `yaml:"label_width"`
	Watch       bool   `yaml:"watch"`
}

type SchedulerConfig struct {
	MaxRetries            int `yaml:"max_retries"`
	RetryBackoffSec       int `yaml:"retry_backoff_sec"`
	DeviceReadyTimeoutSec int `yaml:"device_ready_timeout_sec"`
	DeviceReadyPollSec    int `yaml:"device_ready_poll_sec"`
	ReconnectIntervalSec  int `yaml:"reconnect_interval_sec"`
	PollIntervalMs        int `yaml:"poll_interval_ms"`
}

type MonitorConfig struct {
	IntervalSec                int `yaml:"interval_sec"`
	StallThresholdSec          int `yaml:"stall_threshold_sec"`
	HardTimeoutSec             int `yaml:"hard_timeout_sec"`
	GlobalStallCycles          int `yaml:"global_stall_cycles"`
	GlobalRecoveryGraceSec     int `yaml:"global_recovery_grace_sec"`
	HealthIntervalSec          int `yaml:"health_interval_sec"`
	HealthRestartCooldownSec   int `yaml:"health_restart_cooldown_sec"`
	StatusIntervalSec          int `yaml:"status_interval_sec"`
	DiagnosticResetCooldownSec int `yaml:"diagnostic_reset_cooldown_sec"`
	ResumeKickSec              int `yaml:"resume_kick_sec"`
	NoCompletionTimeoutSec     int `yaml:"no_completion_timeout_sec"`
}

type WatchdogConfig struct {
	Enabled          bool `yaml:"enabled"`
	MinTimeoutSec    int  `yaml:"min_timeout_sec"`
	MaxTimeoutSec    int  `yaml:"max_timeout_sec"`
	PerDeviceSec     int  `yaml:"per_device_sec"`
	CheckIntervalSec int  `yaml:"check_interval_sec"`
}

type OperationConfig struct {
	Command            string `yaml:"command"`
	TimeoutSec         int    `yaml:"timeout_sec"`
	RetryableExitCodes []int  `yaml:"retryable_exit_codes"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	ControlTimeoutSec  int `yaml:"control_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ApplyDefaults fills every zero or negative knob with its production default.
func (c Config) ApplyDefaults() Config {
	ch := &c.Channel
	if ch.ADBPath == "" {
		ch.ADBPath = "adb"
	}
	if ch.MaxConcurrent <= 0 {
		ch.MaxConcurrent = 3
	}
	if ch.DefaultTimeoutSec <= 0 {
		ch.DefaultTimeoutSec = 20
	}
	if ch.Retries <= 0 {
		ch.Retries = 3
	}
	if ch.ErrorLogIntervalSec <= 0 {
		ch.ErrorLogIntervalSec = 3600
	}
	if ch.ResetCooldownSec <= 0 {
		ch.ResetCooldownSec = 8
	}
	if ch.ResetVerifyAttempts <= 0 {
		ch.ResetVerifyAttempts = 5
	}
	if ch.RecentErrorWindowSec <= 0 {
		ch.RecentErrorWindowSec = 30
	}
	if ch.ResetErrorThreshold <= 0 {
		ch.ResetErrorThreshold = 5
	}
	if ch.ReconnectAttempts <= 0 {
		ch.ReconnectAttempts = 3
	}
	if ch.ReconnectRestartAfter <= 0 {
		ch.ReconnectRestartAfter = 3
	}
	if ch.RestartTimeoutSec <= 0 {
		ch.RestartTimeoutSec = 180
	}

	p := &c.Payload
	if p.Root == "" {
		p.Root = "bin_push"
	}
	if p.Filename == "" {
		p.Filename = "data10.bin"
	}
	if p.MaxItemID <= 0 {
		p.MaxItemID = 999
	}
	if p.LabelWidth <= 0 {
		p.LabelWidth = 3
	}

	s := &c.Scheduler
	if s.MaxRetries <= 0 {
		s.MaxRetries = 3
	}
	if s.RetryBackoffSec <= 0 {
		s.RetryBackoffSec = 12
	}
	if s.DeviceReadyTimeoutSec <= 0 {
		s.DeviceReadyTimeoutSec = 45
	}
	if s.DeviceReadyPollSec <= 0 {
		s.DeviceReadyPollSec = 3
	}
	if s.ReconnectIntervalSec <= 0 {
		s.ReconnectIntervalSec = 10
	}
	if s.PollIntervalMs <= 0 {
		s.PollIntervalMs = 1000
	}

	m := &c.Monitor
	if m.IntervalSec <= 0 {
		m.IntervalSec = 30
	}
	if m.StallThresholdSec <= 0 {
		m.StallThresholdSec = 300
	}
	if m.HardTimeoutSec <= 0 {
		m.HardTimeoutSec = 900
	}
	if m.GlobalStallCycles <= 0 {
		m.GlobalStallCycles = 2
	}
	if m.GlobalRecoveryGraceSec <= 0 {
		m.GlobalRecoveryGraceSec = 90
	}
	if m.HealthIntervalSec <= 0 {
		m.HealthIntervalSec = 600
	}
	if m.HealthRestartCooldownSec <= 0 {
		m.HealthRestartCooldownSec = 300
	}
	if m.StatusIntervalSec <= 0 {
		m.StatusIntervalSec = 120
	}
	if m.DiagnosticResetCooldownSec <= 0 {
		m.DiagnosticResetCooldownSec = 120
	}
	if m.ResumeKickSec <= 0 {
		m.ResumeKickSec = 120
	}
	if m.NoCompletionTimeoutSec <= 0 {
		m.NoCompletionTimeoutSec = 600
	}

	w := &c.Watchdog
	if w.MinTimeoutSec <= 0 {
		w.MinTimeoutSec = 900
	}
	if w.MaxTimeoutSec <= 0 {
		w.MaxTimeoutSec = 5400
	}
	if w.PerDeviceSec <= 0 {
		w.PerDeviceSec = 300
	}
	if w.CheckIntervalSec <= 0 {
		w.CheckIntervalSec = 5
	}

	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Daemon.ControlTimeoutSec <= 0 {
		c.Daemon.ControlTimeoutSec = 10
	}
	return c
}

func (m MonitorConfig) Interval() time.Duration       { return seconds(m.IntervalSec) }
func (m MonitorConfig) StallThreshold() time.Duration { return seconds(m.StallThresholdSec) }
func (m MonitorConfig) HardTimeout() time.Duration    { return seconds(m.HardTimeoutSec) }
func (s SchedulerConfig) RetryBackoff() time.Duration { return seconds(s.RetryBackoffSec) }
func (s SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}
