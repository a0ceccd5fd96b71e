package setup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCreatesStateDir(t *testing.T) {
	project := filepath.Join(t.TempDir(), "lab-rack")
	require.NoError(t, os.Mkdir(project, 0o755))

	base, err := Run(project, Options{Devices: []string{"emulator-5554", " emulator-5556 ", ""}})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(project, StateDirName), base)

	for _, d := range Dirs {
		info, err := os.Stat(filepath.Join(base, d))
		if assert.NoError(t, err, d) {
			assert.True(t, info.IsDir(), d)
		}
	}
	_, err = os.Stat(filepath.Join(base, "locks", "run.lock"))
	assert.NoError(t, err)

	cfg, err := LoadConfig(base)
	require.NoError(t, err)
	assert.Equal(t, "lab-rack", cfg.Project.Name)
	assert.Equal(t, []string{"emulator-5554", "emulator-5556"}, cfg.Devices.IDs)
	assert.Equal(t, filepath.Join(project, "bin_push"), cfg.Payload.Root)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 300, cfg.Monitor.StallThresholdSec)
	assert.Contains(t, cfg.Operations, "verify")
}

func TestRunRefusesExistingStateDir(t *testing.T) {
	project := t.TempDir()
	_, err := Run(project, Options{})
	require.NoError(t, err)

	_, err = Run(project, Options{})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("second Run err = %v", err)
	}
}

func TestRunProjectNameOverride(t *testing.T) {
	base, err := Run(t.TempDir(), Options{ProjectName: "nightly", Devices: []string{"d1"}, PayloadRoot: "/srv/payloads"})
	require.NoError(t, err)

	cfg, err := LoadConfig(base)
	require.NoError(t, err)
	assert.Equal(t, "nightly", cfg.Project.Name)
	assert.Equal(t, "/srv/payloads", cfg.Payload.Root)
}

func TestLoadConfigValidatesDevices(t *testing.T) {
	base, err := Run(t.TempDir(), Options{})
	require.NoError(t, err)
	_, err = LoadConfig(base)
	assert.ErrorContains(t, err, "devices.ids is empty")

	cfgPath := filepath.Join(base, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("devices:\n  ids: [a, b, a]\n"), 0o644))
	_, err = LoadConfig(base)
	assert.ErrorContains(t, err, `duplicate device "a"`)
}

func TestFind(t *testing.T) {
	project := t.TempDir()
	base, err := Run(project, Options{})
	require.NoError(t, err)
	nested := filepath.Join(project, "payloads", "001")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(nested))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	got, err := filepath.EvalSymlinks(Find())
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(base)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
