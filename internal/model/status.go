package model

import "time"

// RunSummary is the end-of-run record written to runs/<run_id>.yaml.
type RunSummary struct {
	RunID      string         `yaml:"run_id" json:"run_id"`
	Operation  string         `yaml:"operation" json:"operation"`
	Devices    []string       `yaml:"devices" json:"devices"`
	StartItem  ItemID         `yaml:"start_item" json:"start_item"`
	StartedAt  time.Time      `yaml:"started_at" json:"started_at"`
	FinishedAt time.Time      `yaml:"finished_at" json:"finished_at"`
	Succeeded  []ItemID       `yaml:"succeeded" json:"succeeded"`
	Skipped    []ItemID       `yaml:"skipped" json:"skipped"`
	Pending    []ItemID       `yaml:"pending,omitempty" json:"pending,omitempty"`
	Retries    map[ItemID]int `yaml:"retries,omitempty" json:"retries,omitempty"`
	NextStart  ItemID         `yaml:"next_start" json:"next_start"`
	HasMore    bool           `yaml:"has_more" json:"has_more"`
	Stopped    bool           `yaml:"stopped" json:"stopped"`
}

// DeviceStatus is one row of the periodic status summary.
type DeviceStatus struct {
	Device              string  `json:"device"`
	Item                *ItemID `json:"item,omitempty"`
	Parked              bool    `json:"parked,omitempty"`
	IdleSec             int     `json:"idle_sec"`
	Restarting          bool    `json:"restarting"`
	Available           bool    `json:"available"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	Status              string  `json:"status,omitempty"`
	LastError           string  `json:"last_error,omitempty"`
}

// FleetStatus is the payload of the "status" control command.
type FleetStatus struct {
	RunID          string         `json:"run_id"`
	Operation      string         `json:"operation"`
	Queued         int            `json:"queued"`
	InFlight       int            `json:"in_flight"`
	Succeeded      int            `json:"succeeded"`
	Skipped        int            `json:"skipped"`
	RecoveryActive bool           `json:"recovery_active"`
	RestartsPaused bool           `json:"restarts_paused"`
	PauseReason    string         `json:"pause_reason,omitempty"`
	Devices        []DeviceStatus `json:"devices"`
	HostMemUsedPct float64        `json:"host_mem_used_pct,omitempty"`
}

// ResultSink receives per-device progress text and errors from an operation while it runs.
type ResultSink interface {
	SetStatus(device, status string)
	ReportError(device, message string)
}
