// Package status renders `devfleet status`: the live fleet view from a running process, or the
// last run summary when nothing is running.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msageha/devfleet/internal/logx"
	"github.com/msageha/devfleet/internal/model"
	"github.com/msageha/devfleet/internal/uds"
	atomicyaml "github.com/msageha/devfleet/internal/yaml"
)

type Report struct {
	Running bool               `json:"running"`
	Fleet   *model.FleetStatus `json:"fleet,omitempty"`
	LastRun *model.RunSummary  `json:"last_run,omitempty"`
}

// Run gathers a Report for stateDir and writes it to w.
func Run(stateDir string, jsonOutput bool, w io.Writer) error {
	rep := Collect(stateDir, logx.Discard())
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	Print(w, rep, 3)
	return nil
}

func Collect(stateDir string, logger *logx.Logger) Report {
	var rep Report
	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	client.SetTimeout(3 * time.Second)

	if fs, err := client.Status(); err == nil {
		rep.Running = true
		rep.Fleet = &fs
		return rep
	}

	if s, err := LastSummary(stateDir, logger); err == nil {
		rep.LastRun = &s
	} else if !os.IsNotExist(err) {
		logger.Warnf("last_summary_unreadable error=%v", err)
	}
	return rep
}

// LastSummary loads the most recently modified run summary under <stateDir>/runs.
func LastSummary(stateDir string, logger *logx.Logger) (model.RunSummary, error) {
	dir := filepath.Join(stateDir, "runs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return model.RunSummary{}, err
	}
	type cand struct {
		path string
		mod  time.Time
	}
	var cands []cand
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		cands = append(cands, cand{filepath.Join(dir, e.Name()), info.ModTime()})
	}
	if len(cands) == 0 {
		return model.RunSummary{}, os.ErrNotExist
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].mod.After(cands[j].mod) })

	var s model.RunSummary
	if err := atomicyaml.Load(stateDir, cands[0].path, &s, logger); err != nil {
		return model.RunSummary{}, err
	}
	return s, nil
}

func Print(w io.Writer, rep Report, labelWidth int) {
	if !rep.Running {
		fmt.Fprintln(w, "Run: none active")
		if s := rep.LastRun; s != nil {
			fmt.Fprintf(w, "\nLast run %s (%s)\n", s.RunID, s.Operation)
			fmt.Fprintf(w, "  finished:  %s\n", s.FinishedAt.Format(time.RFC3339))
			fmt.Fprintf(w, "  succeeded: %d  %s\n", len(s.Succeeded), model.FormatRanges(s.Succeeded, labelWidth))
			fmt.Fprintf(w, "  skipped:   %d  %s\n", len(s.Skipped), model.FormatRanges(s.Skipped, labelWidth))
			if len(s.Pending) > 0 {
				fmt.Fprintf(w, "  pending:   %d  %s\n", len(s.Pending), model.FormatRanges(s.Pending, labelWidth))
			}
			fmt.Fprintf(w, "  next start: %s (more payloads: %t)\n", s.NextStart.Label(labelWidth), s.HasMore)
		}
		return
	}

	f := rep.Fleet
	fmt.Fprintf(w, "Run: %s (%s)\n", f.RunID, f.Operation)
	fmt.Fprintf(w, "  queued=%d in_flight=%d succeeded=%d skipped=%d\n", f.Queued, f.InFlight, f.Succeeded, f.Skipped)
	if f.RecoveryActive {
		fmt.Fprintln(w, "  global recovery in progress")
	}
	if f.RestartsPaused {
		fmt.Fprintf(w, "  restarts paused: %s\n", f.PauseReason)
	}
	if f.HostMemUsedPct > 0 {
		fmt.Fprintf(w, "  host memory: %.1f%%\n", f.HostMemUsedPct)
	}

	fmt.Fprintln(w, "\nDevices:")
	fmt.Fprintf(w, "  %-16s  %-10s  %6s  %-5s  %-5s  %s\n", "DEVICE", "ITEM", "IDLE", "UP", "FAILS", "STATUS")
	for _, d := range f.Devices {
		item := "-"
		if d.Item != nil {
			item = d.Item.Label(labelWidth)
			if d.Parked {
				item += "(p)"
			}
		}
		idle := "never"
		if d.IdleSec >= 0 {
			idle = fmt.Sprintf("%ds", d.IdleSec)
		}
		up := "yes"
		switch {
		case d.Restarting:
			up = "rst"
		case !d.Available:
			up = "no"
		}
		st := d.Status
		if d.LastError != "" {
			st += " [" + d.LastError + "]"
		}
		fmt.Fprintf(w, "  %-16s  %-10s  %6s  %-5s  %5d  %s\n", d.Device, item, idle, up, d.ConsecutiveFailures, st)
	}
}
