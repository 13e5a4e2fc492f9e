package server

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/stinb/UnderstandForVSCode-sub000/logging"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
	"github.com/stinb/UnderstandForVSCode-sub000/util"
)

// GenerateDiagnostics writes queued diagnostics to the client until the
// connection ends.
func (s *Server) GenerateDiagnostics(ctx context.Context) {
	for {
		select {
		case diag := <-s.diagChan:
			logging.Logger.Debug("Publishing diagnostics", "uri", string(diag.URI), "count", len(diag.Diagnostics))
			s.notify(transport.MethodPublishDiagnostics, diag)
		case <-s.conn.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) publishDiagnostics(ctx context.Context, d transport.PublishDiagnosticsParams) {
	select {
	case s.diagChan <- d:
	case <-s.conn.Done():
	case <-ctx.Done():
	}
}

// DiagnoseFile checks path and publishes the result, returning the number
// of violations. Open documents are checked from the editor buffer, other
// files from the snapshot or the disk. A file that no longer exists has its
// diagnostics cleared.
func (s *Server) DiagnoseFile(ctx context.Context, path util.Path) (int, error) {
	content, version, err := s.contentOf(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.clearDiagnostics(ctx, path)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	encoding := s.encoding
	s.mu.Unlock()

	diagnostics := Violations(content, s.rules(), encoding)
	s.publishDiagnostics(ctx, transport.PublishDiagnosticsParams{
		URI:         transport.DocumentURI(util.Path2URI(path)),
		Version:     version,
		Diagnostics: diagnostics,
	})
	return len(diagnostics), nil
}

func (s *Server) contentOf(path util.Path) (string, *int32, error) {
	if f, ok := s.Files.Get(path); ok {
		f.mu.RLock()
		content, v, open := f.Content, f.Version, f.Open
		f.mu.RUnlock()
		if open {
			return content, &v, nil
		}
	}
	if tmp := s.Workspace.TempDirPath(path); tmp != "" {
		if content, err := os.ReadFile(tmp); err == nil {
			return string(content), nil, nil
		}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	return string(content), nil, nil
}

// clearDiagnostics publishes an empty set for path.
func (s *Server) clearDiagnostics(ctx context.Context, path util.Path) {
	s.publishDiagnostics(ctx, transport.PublishDiagnosticsParams{
		URI:         transport.DocumentURI(util.Path2URI(path)),
		Diagnostics: []transport.Diagnostic{},
	})
}
