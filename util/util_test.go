package util

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

func TestURIRoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix paths")
	}
	tests := []struct {
		path string
		uri  string
	}{
		{"/home/ecm/a.c", "file:///home/ecm/a.c"},
		{"/tmp/with space/b.cpp", "file:///tmp/with%20space/b.cpp"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.uri, Path2URI(tt.path))
			path, err := URI2Path(tt.uri)
			require.NoError(t, err)
			assert.Equal(t, tt.path, path)

			h, err := FromURI(tt.uri)
			require.NoError(t, err)
			assert.Equal(t, FromPath(tt.path), h)
		})
	}
}

func TestURI2PathRejectsOtherSchemes(t *testing.T) {
	_, err := URI2Path("untitled:Untitled-1")
	assert.ErrorIs(t, err, ErrNotFileURI)
}

func TestWindowsDrive(t *testing.T) {
	assert.True(t, IsWindowsDrivePath(`C:\Program\a`))
	assert.False(t, IsWindowsDrivePath("/home/ecm/a.c"))
	assert.True(t, IsWindowsDriveURIPath("/c:/x"))
	assert.False(t, IsWindowsDriveURIPath("/home"))
}

func TestRel(t *testing.T) {
	rel, ok := Rel("/w", "/w/src/a.c")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("src", "a.c"), rel)

	_, ok = Rel("/w", "/other/a.c")
	assert.False(t, ok)
}

func TestConvertOp(t *testing.T) {
	tests := []struct {
		op   fsnotify.Op
		want transport.FileChangeType
		ok   bool
	}{
		{fsnotify.Create, transport.Created, true},
		{fsnotify.Write, transport.Changed, true},
		{fsnotify.Remove, transport.Deleted, true},
		{fsnotify.Rename, transport.Deleted, true},
		{fsnotify.Create | fsnotify.Write, transport.Created, true},
		{fsnotify.Chmod, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			got, ok := ConvertOp(tt.op)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReplicate(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	file := filepath.Join(src, "sub", "a.c")
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0o755))
	require.NoError(t, os.WriteFile(file, []byte("int a;"), 0o644))

	ev := transport.FileEvent{URI: transport.DocumentURI(Path2URI(file)), Type: transport.Created}
	require.NoError(t, Replicate(src, dst, ev))
	got, err := os.ReadFile(filepath.Join(dst, "sub", "a.c"))
	require.NoError(t, err)
	assert.Equal(t, "int a;", string(got))

	require.NoError(t, os.WriteFile(file, []byte("int b;"), 0o644))
	ev.Type = transport.Changed
	require.NoError(t, Replicate(src, dst, ev))
	got, err = os.ReadFile(filepath.Join(dst, "sub", "a.c"))
	require.NoError(t, err)
	assert.Equal(t, "int b;", string(got))

	ev.Type = transport.Deleted
	require.NoError(t, Replicate(src, dst, ev))
	assert.False(t, Exists(filepath.Join(dst, "sub", "a.c")))

	outside := transport.FileEvent{URI: "file:///elsewhere/x.c", Type: transport.Created}
	assert.NoError(t, Replicate(src, dst, outside))
}

func TestWatcherReportsChanges(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))

	var mu sync.Mutex
	var events []transport.FileEvent
	w, err := NewWatcher(root, DefaultIgnore, func(e transport.FileEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("x"), 0o644))
	target := filepath.Join(root, "main.c")
	require.NoError(t, os.WriteFile(target, []byte("int main;"), 0o644))

	want := transport.DocumentURI(Path2URI(target))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e.URI == want && e.Type == transport.Created {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, e := range events {
		assert.NotContains(t, string(e.URI), "/.git/")
	}
}
