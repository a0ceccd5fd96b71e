package notify

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/msageha/devfleet/internal/model"
)

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{`say "hello"`, `say \"hello\"`},
		{`path\to\file`, `path\\to\\file`},
		{"", ""},
	}
	for _, tt := range tests {
		if got := escapeAppleScript(tt.input); got != tt.want {
			t.Errorf("escapeAppleScript(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestRunFinished(t *testing.T) {
	s := model.RunSummary{
		Operation: "verify",
		Succeeded: []model.ItemID{1, 2, 4, 5},
		Skipped:   []model.ItemID{3, 7, 8},
	}
	title, msg := RunFinished(s, 3)
	if title != "devfleet verify finished" {
		t.Errorf("title = %q", title)
	}
	if msg != "4 succeeded, 3 skipped: 003,007-008" {
		t.Errorf("message = %q", msg)
	}

	s.Stopped = true
	s.Skipped = nil
	s.Pending = []model.ItemID{9}
	title, msg = RunFinished(s, 3)
	if !strings.HasSuffix(title, "stopped") || msg != "4 succeeded, 1 pending" {
		t.Errorf("stopped: %q / %q", title, msg)
	}
}

func TestSendReportsFailure(t *testing.T) {
	orig := command
	t.Cleanup(func() { command = orig })

	command = func(ctx context.Context, _, _ string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "echo no display >&2; exit 3")
	}
	err := Send("t", "m")
	if err == nil || !strings.Contains(err.Error(), "no display") {
		t.Fatalf("err = %v", err)
	}

	command = func(ctx context.Context, _, _ string) *exec.Cmd { return exec.CommandContext(ctx, "true") }
	if err := Send("t", "m"); err != nil {
		t.Errorf("Send: %v", err)
	}
}
