package util

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/stinb/UnderstandForVSCode-sub000/logging"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

// DefaultIgnore lists directory and file patterns never reported.
var DefaultIgnore = []string{".git", "node_modules", "*.swp", "*~", ".understand"}

// Watcher recursively watches a directory tree and reports changes as LSP
// file events.
type Watcher struct {
	root    Path
	ignore  []string
	handler func(transport.FileEvent)

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	done     chan struct{}
}

func NewWatcher(root Path, ignore []string, handler func(transport.FileEvent)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	return &Watcher{
		root:    root,
		ignore:  ignore,
		handler: handler,
		watcher: fw,
		done:    make(chan struct{}),
	}, nil
}

// Start adds the tree and processes events until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		w.Stop()
		return err
	}
	go w.loop(ctx)
	return nil
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

func (w *Watcher) addRecursive(root Path) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.shouldIgnore(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) shouldIgnore(path Path) bool {
	rel, ok := Rel(w.root, path)
	if !ok {
		return true
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		for _, pattern := range w.ignore {
			if ok, _ := filepath.Match(pattern, part); ok {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.shouldIgnore(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						logging.Logger.Warn("Failed to watch new directory", "path", event.Name, "error", err)
					}
				}
			}
			if typ, ok := ConvertOp(event.Op); ok {
				w.handler(transport.FileEvent{URI: transport.DocumentURI(Path2URI(event.Name)), Type: typ})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Logger.Warn("File watcher error", "error", err)
		}
	}
}

// ConvertOp maps an fsnotify operation onto an LSP change type. Chmod alone
// is not reported.
func ConvertOp(op fsnotify.Op) (transport.FileChangeType, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return transport.Created, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return transport.Deleted, true
	case op.Has(fsnotify.Write):
		return transport.Changed, true
	}
	return 0, false
}
