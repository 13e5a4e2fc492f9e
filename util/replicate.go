package util

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

// Replicate mirrors one file event from the tree at src into the copy at
// dst. Events outside src are ignored.
func Replicate(src, dst Path, event transport.FileEvent) error {
	path, err := URI2Path(string(event.URI))
	if err != nil {
		return err
	}
	rel, ok := Rel(src, path)
	if !ok {
		return nil
	}
	target := filepath.Join(dst, rel)

	switch event.Type {
	case transport.Deleted:
		if err := os.RemoveAll(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	case transport.Created, transport.Changed:
		fi, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return os.MkdirAll(target, fi.Mode().Perm())
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, content, fi.Mode().Perm())
	}
	return nil
}
