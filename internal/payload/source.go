// Package payload locates the numbered payload files that back work items, pushes them to
// devices and watches the payload root for newly added items.
package payload

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/msageha/devfleet/internal/model"
)

// Source resolves items to <root>/<label>/<filename>.
type Source struct {
	root     string
	filename string
	width    int
	maxID    model.ItemID
}

func NewSource(cfg model.PayloadConfig) *Source {
	cfg = model.Config{Payload: cfg}.ApplyDefaults().Payload
	return &Source{
		root:     cfg.Root,
		filename: cfg.Filename,
		width:    cfg.LabelWidth,
		maxID:    model.ItemID(cfg.MaxItemID),
	}
}

func (s *Source) Root() string { return s.root }

func (s *Source) Label(id model.ItemID) string { return id.Label(s.width) }

func (s *Source) Path(id model.ItemID) string {
	return filepath.Join(s.root, s.Label(id), s.filename)
}

// Exists reports whether the payload file for id is present and regular.
func (s *Source) Exists(id model.ItemID) bool {
	info, err := os.Stat(s.Path(id))
	return err == nil && info.Mode().IsRegular()
}

// Enumerate returns existing payload ids in [start, max_item_id], ascending, at most limit
// of them (limit <= 0 means all).
func (s *Source) Enumerate(start model.ItemID, limit int) ([]model.ItemID, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read payload root %s: %w", s.root, err)
	}
	var ids []model.ItemID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, ok := s.ParseLabel(e.Name())
		if !ok || id < start || id > s.maxID {
			continue
		}
		if s.Exists(id) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// HasMore reports whether any payload exists after id.
func (s *Source) HasMore(after model.ItemID) bool {
	ids, err := s.Enumerate(after+1, 1)
	return err == nil && len(ids) > 0
}

// ParseLabel turns a directory name back into an item id. Only all-digit names are accepted.
func (s *Source) ParseLabel(name string) (model.ItemID, bool) {
	if name == "" {
		return 0, false
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(name)
	if err != nil || n <= 0 {
		return 0, false
	}
	return model.ItemID(n), true
}
