package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/stinb/UnderstandForVSCode-sub000/logging"
	"github.com/stinb/UnderstandForVSCode-sub000/status"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
	"github.com/stinb/UnderstandForVSCode-sub000/util"
)

func TextDocumentOpen(ctx context.Context, s *Server, par json.RawMessage) error {
	var params transport.DidOpenTextDocumentParams
	if err := unmarshal(par, &params); err != nil {
		return err
	}
	doc := params.TextDocument
	f, err := s.Files.OpenFromURI(string(doc.URI), doc.Version, doc.Text)
	if err != nil {
		return err
	}
	logging.Logger.Info("Opening File", "uri", string(doc.URI), "version", doc.Version)
	_, err = s.DiagnoseFile(ctx, f.Handle.Path)
	return err
}

// TextDocumentChange applies full and incremental content changes in order.
func TextDocumentChange(ctx context.Context, s *Server, par json.RawMessage) error {
	var params transport.DidChangeTextDocumentParams
	if err := unmarshal(par, &params); err != nil {
		return err
	}
	path, err := util.URI2Path(string(params.TextDocument.URI))
	if err != nil {
		return err
	}
	version := params.TextDocument.Version
	for _, change := range params.ContentChanges {
		if change.Range == nil {
			err = s.Files.ModifyFull(path, version, change.Text)
		} else {
			err = s.Files.ModifyIncremental(path, version, *change.Range, change.Text)
		}
		if err != nil {
			return err
		}
	}
	logging.Logger.Debug("Modified File", "path", path, "version", version)
	_, err = s.DiagnoseFile(ctx, path)
	return err
}

func TextDocumentClose(ctx context.Context, s *Server, par json.RawMessage) error {
	var params transport.DidCloseTextDocumentParams
	if err := unmarshal(par, &params); err != nil {
		return err
	}
	path, err := util.URI2Path(string(params.TextDocument.URI))
	if err != nil {
		return err
	}
	s.Files.Close(path)
	logging.Logger.Info("Closed File", "path", path)
	return nil
}

// TextDocumentSave marks the file for the next incremental analysis and
// checks it again.
func TextDocumentSave(ctx context.Context, s *Server, par json.RawMessage) error {
	var params transport.DidSaveTextDocumentParams
	if err := unmarshal(par, &params); err != nil {
		return err
	}
	path, err := util.URI2Path(string(params.TextDocument.URI))
	if err != nil {
		return err
	}
	if params.Text != nil {
		f, ok := s.Files.Get(path)
		if ok {
			f.mu.Lock()
			f.Content = *params.Text
			f.mu.Unlock()
		}
	}
	s.Workspace.MarkModified(path)
	s.markUnresolved()
	_, err = s.DiagnoseFile(ctx, path)
	return err
}

// WatchedFilesChange mirrors file events into the analysis snapshot.
func WatchedFilesChange(ctx context.Context, s *Server, par json.RawMessage) error {
	var params transport.DidChangeWatchedFilesParams
	if err := unmarshal(par, &params); err != nil {
		return err
	}
	var errs []error
	for _, event := range params.Changes {
		logging.Logger.Debug("Watched file changed", "uri", string(event.URI), "type", event.Type.String())
		if err := s.Workspace.Replicate(event); err != nil {
			errs = append(errs, err)
		}
		if event.Type == transport.Deleted {
			if path, err := util.URI2Path(string(event.URI)); err == nil {
				s.Files.Remove(path)
			}
		}
	}
	if len(params.Changes) > 0 {
		s.markUnresolved()
	}
	return errors.Join(errs...)
}

// markUnresolved reports that the database no longer reflects the files.
func (s *Server) markUnresolved() {
	db := s.database()
	if status.DatabaseState(db.State) == status.DatabaseResolved {
		s.setDatabase(db.Path, status.DatabaseUnresolved)
	}
}

// ConfigurationChange applies pushed settings, or pulls them with
// workspace/configuration when the notification carries none.
func ConfigurationChange(ctx context.Context, s *Server, par json.RawMessage) error {
	var params transport.DidChangeConfigurationParams
	if err := unmarshal(par, &params); err != nil {
		return err
	}

	var wrapper struct {
		Understand *Settings `json:"understand"`
	}
	if len(params.Settings) > 0 && string(params.Settings) != "null" {
		if err := json.Unmarshal(params.Settings, &wrapper); err == nil && wrapper.Understand != nil {
			s.applySettings(*wrapper.Understand)
			return nil
		}
	}

	s.mu.Lock()
	ws := s.clientCaps.Workspace
	s.mu.Unlock()
	if ws == nil || !ws.Configuration {
		return nil
	}
	var results []json.RawMessage
	req := transport.ConfigurationParams{Items: []transport.ConfigurationItem{{Section: "understand"}}}
	if err := s.call(ctx, transport.MethodConfiguration, req, &results); err != nil {
		return err
	}
	if len(results) == 0 || string(results[0]) == "null" {
		return nil
	}
	var settings Settings
	if err := json.Unmarshal(results[0], &settings); err != nil {
		return err
	}
	s.applySettings(settings)
	return nil
}

// SyncPosition records the editor selection used as the default graph and
// definition target.
func SyncPosition(ctx context.Context, s *Server, par json.RawMessage) error {
	var params transport.SyncPositionParams
	if err := unmarshal(par, &params); err != nil {
		return err
	}
	s.mu.Lock()
	s.selection = &params
	s.mu.Unlock()
	logging.Logger.Debug("Selection", "uri", string(params.TextDocument.URI), "line", params.Position.Line, "character", params.Position.Character)
	return nil
}
