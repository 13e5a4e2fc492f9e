package server

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/stinb/UnderstandForVSCode-sub000/logging"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
	"github.com/stinb/UnderstandForVSCode-sub000/util"
)

var ErrFileNotFound = errors.New("file not in store")

type File struct {
	Handle  util.Handle
	Version int32
	Content string
	// Open is set while the editor has the document open.
	Open bool
	mu   sync.RWMutex
}

func (f *File) Text() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.Content
}

// Files is the in-memory document store keyed by absolute path.
type Files struct {
	fs       map[util.Path]*File
	encoding transport.PositionEncodingKind
	mu       sync.Mutex
}

func (files *Files) Init(encoding transport.PositionEncodingKind) {
	files.mu.Lock()
	defer files.mu.Unlock()
	files.fs = make(map[util.Path]*File)
	files.encoding = encoding
}

// OpenFromURI records an editor-opened document, replacing any stored copy.
func (files *Files) OpenFromURI(uri util.URI, version int32, text string) (*File, error) {
	handle, err := util.FromURI(uri)
	if err != nil {
		return nil, err
	}
	files.mu.Lock()
	defer files.mu.Unlock()
	f, ok := files.fs[handle.Path]
	if !ok {
		f = &File{Handle: handle}
		files.fs[handle.Path] = f
	}
	f.mu.Lock()
	f.Version, f.Content, f.Open = version, text, true
	f.mu.Unlock()
	return f, nil
}

// OpenFromPath loads a file from disk unless it is already stored.
func (files *Files) OpenFromPath(path util.Path) (*File, error) {
	files.mu.Lock()
	defer files.mu.Unlock()
	if f, ok := files.fs[path]; ok {
		return f, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f := &File{Handle: util.FromPath(path), Content: string(content)}
	files.fs[path] = f
	return f, nil
}

func (files *Files) Get(path util.Path) (*File, bool) {
	files.mu.Lock()
	defer files.mu.Unlock()
	f, ok := files.fs[path]
	return f, ok
}

func (files *Files) GetFromURI(uri util.URI) (*File, bool) {
	path, err := util.URI2Path(uri)
	if err != nil {
		return nil, false
	}
	return files.Get(path)
}

func (files *Files) ModifyFull(path util.Path, version int32, content string) error {
	f, ok := files.Get(path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	f.mu.Lock()
	f.Content, f.Version = content, version
	f.mu.Unlock()
	return nil
}

func (files *Files) ModifyIncremental(path util.Path, version int32, r transport.Range, text string) error {
	f, ok := files.Get(path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	content, err := ApplyIncrementalChange(r, text, f.Content, files.encoding)
	if err != nil {
		return err
	}
	f.Content, f.Version = content, version
	return nil
}

// Close marks a document as no longer open in the editor. The content is
// kept since the workspace still references the file.
func (files *Files) Close(path util.Path) {
	f, ok := files.Get(path)
	if !ok {
		logging.Logger.Warn("File to close not in store", "path", path)
		return
	}
	f.mu.Lock()
	f.Open = false
	f.mu.Unlock()
}

func (files *Files) Remove(path util.Path) {
	files.mu.Lock()
	delete(files.fs, path)
	files.mu.Unlock()
}

// Paths lists the stored paths in sorted order.
func (files *Files) Paths() []util.Path {
	files.mu.Lock()
	defer files.mu.Unlock()
	paths := make([]util.Path, 0, len(files.fs))
	for p := range files.fs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
