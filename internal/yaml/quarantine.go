package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/devfleet/internal/logx"
)

// ErrQuarantined is returned by Load when the file was corrupt and no usable backup existed.
var ErrQuarantined = errors.New("yaml: file quarantined")

// Load decodes path into v. A file that fails to parse is moved into
// <stateDir>/quarantine and its .bak, when valid, is restored and decoded instead.
func Load(stateDir, path string, v any, logger *logx.Logger) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	perr := yamlv3.Unmarshal(content, v)
	if perr == nil {
		return nil
	}

	logger.Errorf("yaml_corrupt path=%s error=%v", path, perr)
	moved, err := Quarantine(stateDir, path)
	if err != nil {
		return fmt.Errorf("parse %s: %v; quarantine: %w", path, perr, err)
	}
	logger.Warnf("yaml_quarantined path=%s to=%s", path, moved)

	if err := RestoreFromBackup(path); err != nil {
		logger.Warnf("yaml_restore_failed path=%s error=%v", path, err)
		return fmt.Errorf("parse %s: %v: %w", path, perr, ErrQuarantined)
	}
	logger.Infof("yaml_restored path=%s from=%s.bak", path, path)

	content, err = os.ReadFile(path)
	if err != nil {
		return err
	}
	return yamlv3.Unmarshal(content, v)
}

// Quarantine moves path to <stateDir>/quarantine/<name>.<timestamp>.corrupt and returns the
// new location.
func Quarantine(stateDir, path string) (string, error) {
	dir := filepath.Join(stateDir, "quarantine")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(path), time.Now().Format("20060102T150405.000"))
	dst := filepath.Join(dir, name)
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// RestoreFromBackup copies path.bak over path if the backup parses.
func RestoreFromBackup(path string) error {
	bak := path + ".bak"
	content, err := os.ReadFile(bak)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup is also corrupt: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}
