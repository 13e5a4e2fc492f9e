package util

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
)

type Path = string
type URI = string

// Handle pairs a document URI with its filesystem path.
type Handle struct {
	URI  URI
	Path Path
}

func FromPath(path Path) Handle {
	return Handle{URI: Path2URI(path), Path: path}
}

func FromURI(uri URI) (Handle, error) {
	path, err := URI2Path(uri)
	return Handle{URI: uri, Path: path}, err
}

var ErrNotFileURI = errors.New("not a file URI")

func URI2Path(uri URI) (Path, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", ErrNotFileURI
	}
	p := u.Path
	if IsWindowsDriveURIPath(p) {
		p = strings.ToUpper(string(p[1])) + p[2:]
	}
	return filepath.FromSlash(p), nil
}

func Path2URI(path Path) URI {
	p := filepath.ToSlash(path)
	if runtime.GOOS == "windows" || IsWindowsDrivePath(p) {
		p = "/" + p
	}
	u := url.URL{Scheme: "file", Path: p}
	return u.String()
}

func IsWindowsDriveURIPath(uri string) bool {
	if len(uri) < 3 {
		return false
	}
	return uri[0] == '/' && unicode.IsLetter(rune(uri[1])) && uri[2] == ':'
}

func IsWindowsDrivePath(path string) bool {
	if len(path) < 2 {
		return false
	}
	return unicode.IsLetter(rune(path[0])) && path[1] == ':'
}

// Rel returns path relative to root, or false if path is outside root.
func Rel(root, path Path) (Path, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

func Exists(path Path) bool {
	_, err := os.Stat(path)
	return err == nil
}
