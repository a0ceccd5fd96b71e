// Package setup initialises a devfleet state directory.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/devfleet/internal/model"
	atomicyaml "github.com/msageha/devfleet/internal/yaml"
	"github.com/msageha/devfleet/templates"
)

// StateDirName is the directory devfleet keeps its config, logs and run summaries in.
const StateDirName = ".devfleet"

// Dirs are created under the state directory.
var Dirs = []string{"runs", "logs", "locks", "quarantine"}

type Options struct {
	ProjectName string
	Devices     []string
	PayloadRoot string
}

// Run creates <projectDir>/.devfleet with the default config, filled in from opts.
func Run(projectDir string, opts Options) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(absDir, StateDirName)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	for _, d := range Dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0o755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(absDir, opts)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	if err := os.WriteFile(filepath.Join(base, "locks", "run.lock"), nil, 0o600); err != nil {
		return "", fmt.Errorf("create run.lock: %w", err)
	}
	return base, nil
}

func generateConfig(projectDir string, opts Options) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	cfg.Project.Name = opts.ProjectName
	if cfg.Project.Name == "" {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	for _, d := range opts.Devices {
		if d = strings.TrimSpace(d); d != "" {
			cfg.Devices.IDs = append(cfg.Devices.IDs, d)
		}
	}
	if opts.PayloadRoot != "" {
		cfg.Payload.Root = opts.PayloadRoot
	}
	return &cfg, nil
}

// Find searches for a state directory in the current directory and its ancestors.
func Find() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, StateDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadConfig reads <stateDir>/config.yaml and applies defaults. A relative payload root is
// resolved against the project directory (the state directory's parent).
func LoadConfig(stateDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	cfg = cfg.ApplyDefaults()
	if !filepath.IsAbs(cfg.Payload.Root) {
		cfg.Payload.Root = filepath.Join(filepath.Dir(stateDir), cfg.Payload.Root)
	}
	if len(cfg.Devices.IDs) == 0 {
		return cfg, fmt.Errorf("config.yaml: devices.ids is empty")
	}
	seen := make(map[string]bool, len(cfg.Devices.IDs))
	for _, d := range cfg.Devices.IDs {
		if seen[d] {
			return cfg, fmt.Errorf("config.yaml: duplicate device %q", d)
		}
		seen[d] = true
	}
	return cfg, nil
}
