package server

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/otiai10/copy"

	"github.com/stinb/UnderstandForVSCode-sub000/logging"
	"github.com/stinb/UnderstandForVSCode-sub000/status"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
	"github.com/stinb/UnderstandForVSCode-sub000/util"
)

// skipDirs are never copied into the snapshot or analyzed.
var skipDirs = map[string]bool{".git": true, "node_modules": true, ProjectDir: true}

// Workspace is the project the client opened. Analysis runs over a snapshot
// of it in a temporary directory, kept current from watched-file events.
type Workspace struct {
	// Path to Root Directory of Workspace
	Root util.Path

	mu       sync.Mutex
	tempDir  util.Path
	config   ProjectConfig
	loaded   bool
	modified map[util.Path]bool
}

func (w *Workspace) Init(root util.Path) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Root = root
	w.modified = make(map[util.Path]bool)
}

// Config returns the last successfully loaded project configuration.
func (w *Workspace) Config() (ProjectConfig, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.config, w.loaded
}

// Load reads the project configuration. On failure the returned state says
// what the database status should report.
func (w *Workspace) Load() (ProjectConfig, status.DatabaseState, error) {
	w.mu.Lock()
	root := w.Root
	w.mu.Unlock()

	cfg, state, err := loadProjectConfig(root)
	w.mu.Lock()
	w.config, w.loaded = cfg, err == nil
	w.mu.Unlock()
	return cfg, state, err
}

func (w *Workspace) excluded(rel string, cfg ProjectConfig) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if skipDirs[part] {
			return true
		}
	}
	for _, pattern := range cfg.Exclude {
		if ok, _ := filepath.Match(pattern, filepath.Base(rel)); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, filepath.ToSlash(rel)); ok {
			return true
		}
	}
	return false
}

// Snapshot copies the workspace into a fresh temporary directory, replacing
// any earlier snapshot.
func (w *Workspace) Snapshot() error {
	w.mu.Lock()
	root, cfg, old := w.Root, w.config, w.tempDir
	w.mu.Unlock()

	dir, err := os.MkdirTemp("", "understand-snapshot-")
	if err != nil {
		return err
	}
	err = copy.Copy(root, dir, copy.Options{
		Skip: func(_ os.FileInfo, src, _ string) (bool, error) {
			rel, ok := util.Rel(root, src)
			if !ok || rel == "." {
				return false, nil
			}
			return w.excluded(rel, cfg), nil
		},
		OnSymlink: func(string) copy.SymlinkAction { return copy.Skip },
	})
	if err != nil {
		os.RemoveAll(dir)
		return err
	}
	logging.Logger.Info("Snapshot workspace", "root", root, "snapshot", dir)

	w.mu.Lock()
	w.tempDir = dir
	w.modified = make(map[util.Path]bool)
	w.mu.Unlock()
	if old != "" {
		os.RemoveAll(old)
	}
	return nil
}

// TempDirPath maps a workspace path into the snapshot.
func (w *Workspace) TempDirPath(path util.Path) util.Path {
	w.mu.Lock()
	defer w.mu.Unlock()
	rel, ok := util.Rel(w.Root, path)
	if !ok || w.tempDir == "" {
		return ""
	}
	return filepath.Join(w.tempDir, rel)
}

// Replicate mirrors a watched-file event into the snapshot and remembers the
// path for the next incremental analysis.
func (w *Workspace) Replicate(event transport.FileEvent) error {
	path, err := util.URI2Path(string(event.URI))
	if err != nil {
		return err
	}
	w.mu.Lock()
	root, dir, cfg := w.Root, w.tempDir, w.config
	w.mu.Unlock()

	rel, ok := util.Rel(root, path)
	if !ok || w.excluded(rel, cfg) {
		return nil
	}
	if dir != "" {
		if err := util.Replicate(root, dir, event); err != nil {
			return err
		}
	}
	w.MarkModified(path)
	return nil
}

func (w *Workspace) MarkModified(path util.Path) {
	w.mu.Lock()
	if w.modified != nil {
		w.modified[path] = true
	}
	w.mu.Unlock()
}

// TakeModified returns and forgets the paths changed since the last call.
func (w *Workspace) TakeModified() []util.Path {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]util.Path, 0, len(w.modified))
	for p := range w.modified {
		paths = append(paths, p)
	}
	w.modified = make(map[util.Path]bool)
	sort.Strings(paths)
	return paths
}

// SourceFiles lists the workspace files the project analyzes, in walk order.
func (w *Workspace) SourceFiles() ([]util.Path, error) {
	w.mu.Lock()
	root, cfg := w.Root, w.config
	w.mu.Unlock()

	var files []util.Path
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := util.Rel(root, path)
		if rel != "." && w.excluded(rel, cfg) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && cfg.Analyzes(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// Cleanup removes the snapshot.
func (w *Workspace) Cleanup() {
	w.mu.Lock()
	dir := w.tempDir
	w.tempDir = ""
	w.mu.Unlock()
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Logger.Warn("Failed to remove snapshot", "dir", dir, "error", err)
	}
}
