package yaml

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/msageha/devfleet/internal/logx"
	"github.com/msageha/devfleet/internal/model"
)

func TestAtomicWriteSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "r1.yaml")

	in := model.RunSummary{
		RunID:     "r1",
		Operation: "push-only",
		Succeeded: []model.ItemID{1, 2, 4},
		Skipped:   []model.ItemID{3},
		Retries:   map[model.ItemID]int{3: 4},
		NextStart: 5,
	}
	if err := AtomicWrite(path, in); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}

	var out model.RunSummary
	if err := Load(t.TempDir(), path, &out, logx.Discard()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.RunID != "r1" || len(out.Succeeded) != 3 || out.Retries[3] != 4 || out.NextStart != 5 {
		t.Errorf("round trip = %+v", out)
	}
}

func TestAtomicWriteKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")

	if err := AtomicWrite(path, map[string]int{"next_start": 1}); err != nil {
		t.Fatal(err)
	}
	if err := AtomicWrite(path, map[string]int{"next_start": 2}); err != nil {
		t.Fatal(err)
	}

	var bak map[string]int
	if err := Load(t.TempDir(), path+".bak", &bak, nil); err != nil {
		t.Fatalf("load .bak: %v", err)
	}
	if bak["next_start"] != 1 {
		t.Errorf("backup next_start = %d, want 1", bak["next_start"])
	}
}

func TestAtomicWriteRawRejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")

	if err := AtomicWriteRaw(path, []byte(":\n  broken: [\n")); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("left files behind: %v", entries)
	}
}

func TestLoadQuarantinesAndRestoresBackup(t *testing.T) {
	stateDir := t.TempDir()
	path := filepath.Join(stateDir, "config.yaml")

	if err := AtomicWrite(path, map[string]string{"level": "debug"}); err != nil {
		t.Fatal(err)
	}
	if err := AtomicWrite(path, map[string]string{"level": "info"}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("level: [unterminated\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var got map[string]string
	if err := Load(stateDir, path, &got, logx.Discard()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got["level"] != "debug" {
		t.Errorf("restored level = %q, want the backup's %q", got["level"], "debug")
	}

	entries, err := os.ReadDir(filepath.Join(stateDir, "quarantine"))
	if err != nil {
		t.Fatalf("quarantine dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("quarantined %d files, want 1", len(entries))
	}
}

func TestLoadWithoutBackupReportsQuarantine(t *testing.T) {
	stateDir := t.TempDir()
	path := filepath.Join(stateDir, "summary.yaml")
	if err := os.WriteFile(path, []byte("{{{"), 0o644); err != nil {
		t.Fatal(err)
	}

	var v map[string]any
	err := Load(stateDir, path, &v, logx.Discard())
	if !errors.Is(err, ErrQuarantined) {
		t.Fatalf("err = %v, want ErrQuarantined", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("corrupt file still in place: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	var v map[string]any
	err := Load(t.TempDir(), filepath.Join(t.TempDir(), "nope.yaml"), &v, nil)
	if !os.IsNotExist(err) {
		t.Errorf("err = %v, want not-exist", err)
	}
}
