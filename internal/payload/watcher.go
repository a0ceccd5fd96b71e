package payload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/devfleet/internal/logx"
	"github.com/msageha/devfleet/internal/model"
)

// Watcher reports item ids whose payload appears under the root while a run is in progress.
// Item directories are watched as they are created so that a file written after its
// directory is still seen.
type Watcher struct {
	src     *Source
	watcher *fsnotify.Watcher
	onItem  func(model.ItemID)
	logger  *logx.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewWatcher(src *Source, logger *logx.Logger, onItem func(model.ItemID)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(src.Root()); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", src.Root(), err)
	}
	if logger == nil {
		logger = logx.Discard()
	}
	return &Watcher{src: src, watcher: fw, onItem: onItem, logger: logger}, nil
}

// Start processes events until ctx ends or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.handle(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

func (w *Watcher) handle(name string) {
	rel, err := filepath.Rel(w.src.Root(), name)
	if err != nil {
		return
	}
	dir := rel
	if parent := filepath.Dir(rel); parent != "." {
		dir = parent
	}
	id, ok := w.src.ParseLabel(dir)
	if !ok || id > w.src.maxID {
		return
	}
	if dir == rel {
		// new item directory; its file may land later
		if err := w.watcher.Add(name); err != nil {
			w.logger.Warnf("watch_item_dir_failed dir=%s error=%v", name, err)
		}
	}
	if w.src.Exists(id) {
		w.logger.Debugf("payload_discovered item=%d path=%s", id, name)
		w.onItem(id)
	}
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
