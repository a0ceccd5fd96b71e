// Package notify sends desktop notifications at the end of a run.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/msageha/devfleet/internal/model"
)

// command builds the notifier invocation; tests replace it.
var command = func(ctx context.Context, title, message string) *exec.Cmd {
	if runtime.GOOS == "darwin" {
		script := fmt.Sprintf(`display notification %q with title %q sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title))
		return exec.CommandContext(ctx, "osascript", "-e", script)
	}
	return exec.CommandContext(ctx, "notify-send", "--app-name=devfleet", title, message)
}

// Send shows a desktop notification via osascript on macOS or notify-send elsewhere.
func Send(title, message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if out, err := command(ctx, title, message).CombinedOutput(); err != nil {
		return fmt.Errorf("notify: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// RunFinished formats the end-of-run notification for summary.
func RunFinished(s model.RunSummary, labelWidth int) (title, message string) {
	title = fmt.Sprintf("devfleet %s finished", s.Operation)
	if s.Stopped {
		title = fmt.Sprintf("devfleet %s stopped", s.Operation)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d succeeded", len(s.Succeeded))
	if len(s.Skipped) > 0 {
		fmt.Fprintf(&b, ", %d skipped: %s", len(s.Skipped), model.FormatRanges(s.Skipped, labelWidth))
	}
	if len(s.Pending) > 0 {
		fmt.Fprintf(&b, ", %d pending", len(s.Pending))
	}
	return title, b.String()
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
