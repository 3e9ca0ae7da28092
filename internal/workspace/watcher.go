package workspace

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/rand/topos/internal/logging"
)

// Watcher streams filesystem changes into the workspace's database
// inputs. Hosts receive a callback after each applied change so they
// can re-run diagnostics or push notifications.
type Watcher struct {
	ws      *Workspace
	watcher *fsnotify.Watcher
	onApply func(changed string)
}

// Watch starts watching the workspace root and every non-ignored
// subdirectory. The callback may be nil.
func (ws *Workspace) Watch(onApply func(changed string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{ws: ws, watcher: fsw, onApply: onApply}

	err = filepath.WalkDir(ws.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != ws.Root && (strings.HasPrefix(name, ".") || ignored(name, ws.Cfg.Workspace.IgnorePatterns)) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
	if err != nil {
		fsw.Close()
		return nil, err
	}
	logging.Workspace("watching %s", ws.Root)
	return w, nil
}

// Run applies events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.apply(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logging.Get(logging.CategoryWorkspace).Warn("watch error: %v", err)
		}
	}
}

func (w *Watcher) apply(event fsnotify.Event) {
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if event.Op.Has(fsnotify.Create) {
			_ = w.watcher.Add(event.Name)
		}
		return
	}
	if !isToposFile(event.Name) {
		return
	}
	rel, err := filepath.Rel(w.ws.Root, event.Name)
	if err != nil {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		logging.WorkspaceDebug("watch: removing %s", rel)
		w.ws.RemoveFile(rel)
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		data, err := os.ReadFile(event.Name)
		if err != nil {
			logging.Get(logging.CategoryWorkspace).Warn("watch: cannot read %s: %v", rel, err)
			return
		}
		logging.WorkspaceDebug("watch: updating %s", rel)
		w.ws.SetFile(rel, string(data))
	default:
		return
	}
	if w.onApply != nil {
		w.onApply(rel)
	}
}
