package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stinb/UnderstandForVSCode-sub000/logging"
	"github.com/stinb/UnderstandForVSCode-sub000/status"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
	"github.com/stinb/UnderstandForVSCode-sub000/util"
)

var errAnalysisRunning = transport.NewError(transport.RequestFailed, "analysis already running")

// analysis tracks the single analysis run a server allows at a time and the
// database state last reported to the client.
type analysis struct {
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	token   transport.ProgressToken
	db      transport.DatabaseStateParams
}

func (s *Server) database() transport.DatabaseStateParams {
	s.analysis.mu.Lock()
	defer s.analysis.mu.Unlock()
	return s.analysis.db
}

func (s *Server) setDatabase(path string, state status.DatabaseState) {
	params := transport.DatabaseStateParams{Path: path, State: string(state)}
	s.analysis.mu.Lock()
	s.analysis.db = params
	s.analysis.mu.Unlock()
	logging.Logger.Info("Database state", "path", path, "state", string(state))
	s.notify(transport.MethodChangedDatabaseState, params)
}

// startAnalysis begins a run in the background. all re-snapshots and
// analyzes the whole workspace; otherwise only files changed since the last
// run are analyzed.
func (s *Server) startAnalysis(all bool) error {
	a := &s.analysis
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errAnalysisRunning
	}
	ctx, cancel := context.WithCancel(s.baseContext())
	a.running, a.cancel = true, cancel
	a.mu.Unlock()

	s.spawn(func() {
		defer func() {
			cancel()
			a.mu.Lock()
			a.running, a.cancel, a.token = false, nil, transport.ProgressToken{}
			a.mu.Unlock()
		}()
		if err := s.analyze(ctx, all); err != nil {
			logging.Logger.Info("Analysis ended", "all", all, "error", err)
		}
	})
	return nil
}

// cancelAnalysis stops the current run, reporting whether one was running.
func (s *Server) cancelAnalysis() bool {
	s.analysis.mu.Lock()
	defer s.analysis.mu.Unlock()
	if s.analysis.cancel == nil {
		return false
	}
	s.analysis.cancel()
	return true
}

func (s *Server) analyze(ctx context.Context, all bool) error {
	dbPath := s.database().Path
	s.setDatabase(dbPath, status.DatabaseFinding)

	cfg, state, err := s.Workspace.Load()
	if err != nil {
		s.setDatabase("", state)
		s.showMessage(transport.WarningMessage, fmt.Sprintf("Understand project unavailable: %v", err))
		return err
	}
	dbPath = cfg.DatabasePath(s.Workspace.Root)

	var files []util.Path
	if all || s.Workspace.TempDirPath(s.Workspace.Root) == "" {
		if err := s.Workspace.Snapshot(); err != nil {
			s.setDatabase(dbPath, status.DatabaseUnableToOpen)
			return fmt.Errorf("snapshot: %w", err)
		}
		files, err = s.Workspace.SourceFiles()
		if err != nil {
			s.setDatabase(dbPath, status.DatabaseUnableToOpen)
			return fmt.Errorf("list files: %w", err)
		}
		if len(files) == 0 {
			s.setDatabase(dbPath, status.DatabaseEmpty)
			return nil
		}
	} else {
		for _, path := range s.Workspace.TakeModified() {
			if cfg.Analyzes(path) {
				files = append(files, path)
			}
		}
	}

	token := transport.StringID(uuid.NewString())
	report := s.progressReporter(ctx, token)

	s.setDatabase(dbPath, status.DatabaseResolving)
	report(transport.WorkDoneProgressValue{
		Kind:        transport.ProgressBegin,
		Title:       "Analyzing",
		Message:     fmt.Sprintf("%d files", len(files)),
		Percentage:  ptr(uint32(0)),
		Cancellable: ptr(true),
	})

	cancelled := func(err error) error {
		report(transport.WorkDoneProgressValue{Kind: transport.ProgressEnd, Message: "Cancelled"})
		s.setDatabase(dbPath, status.DatabaseUnresolved)
		return err
	}

	violations := 0
	for i, path := range files {
		if err := s.pause(ctx, i); err != nil {
			return cancelled(err)
		}
		rel, _ := util.Rel(s.Workspace.Root, path)
		n, err := s.DiagnoseFile(ctx, path)
		if err != nil {
			logging.Logger.Warn("Failed to analyze file", "path", path, "error", err)
		}
		violations += n
		report(transport.WorkDoneProgressValue{
			Kind:       transport.ProgressReport,
			Message:    rel,
			Percentage: ptr(uint32((i + 1) * 100 / len(files))),
		})
	}
	// A cancel that lands while the last file is diagnosed
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}

	report(transport.WorkDoneProgressValue{Kind: transport.ProgressEnd, Message: fmt.Sprintf("Analyzed %d files", len(files))})
	s.setDatabase(dbPath, status.DatabaseResolved)
	s.logMessage(transport.InfoMessage, fmt.Sprintf("Analyzed %d files, %d violations", len(files), violations))
	return nil
}

// pause waits the configured step between files, returning early with the
// context error once the run is cancelled.
func (s *Server) pause(ctx context.Context, i int) error {
	if s.opts.AnalysisStep <= 0 || i == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.opts.AnalysisStep)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// progressReporter asks the client for a progress token. The returned
// function sends $/progress values for it, or nothing when the client
// refused or does not support work done progress.
func (s *Server) progressReporter(ctx context.Context, token transport.ProgressToken) func(transport.WorkDoneProgressValue) {
	s.mu.Lock()
	window := s.clientCaps.Window
	s.mu.Unlock()
	if window == nil || !window.WorkDoneProgress {
		return func(transport.WorkDoneProgressValue) {}
	}
	if err := s.call(ctx, transport.MethodWorkDoneProgressCreate, transport.WorkDoneProgressCreateParams{Token: token}, nil); err != nil {
		logging.Logger.Warn("Client refused progress token", "error", err)
		return func(transport.WorkDoneProgressValue) {}
	}
	s.analysis.mu.Lock()
	s.analysis.token = token
	s.analysis.mu.Unlock()

	return func(v transport.WorkDoneProgressValue) {
		value, err := json.Marshal(v)
		if err != nil {
			return
		}
		s.notify(transport.MethodProgress, transport.ProgressParams{Token: token, Value: value})
	}
}

func (s *Server) showMessage(t transport.MessageType, msg string) {
	s.notify(transport.MethodShowMessage, transport.ShowMessageParams{Type: t, Message: msg})
}

func (s *Server) logMessage(t transport.MessageType, msg string) {
	s.notify(transport.MethodLogMessage, transport.LogMessageParams{Type: t, Message: msg})
}

func ptr[T any](v T) *T { return &v }

// ExecuteCommand runs one of the understand.server.* commands.
func ExecuteCommand(ctx context.Context, s *Server, par json.RawMessage) (any, error) {
	var params transport.ExecuteCommandParams
	if err := unmarshal(par, &params); err != nil {
		return nil, err
	}
	logging.Logger.Info("Execute command", "command", params.Command)
	switch params.Command {
	case transport.CommandAnalyzeAll:
		return nil, s.startAnalysis(true)
	case transport.CommandAnalyzeChanged:
		return nil, s.startAnalysis(false)
	case transport.CommandCancelAnalysis:
		return s.cancelAnalysis(), nil
	}
	return nil, transport.NewError(transport.InvalidParams, "unknown command %q", params.Command)
}

// ProgressCancel handles window/workDoneProgress/cancel for the analysis token.
func ProgressCancel(ctx context.Context, s *Server, par json.RawMessage) error {
	var params transport.WorkDoneProgressCancelParams
	if err := unmarshal(par, &params); err != nil {
		return err
	}
	s.analysis.mu.Lock()
	current := s.analysis.token
	s.analysis.mu.Unlock()
	if current.IsZero() || current != params.Token {
		logging.Logger.Debug("Cancel for unknown progress token", "token", params.Token.String())
		return nil
	}
	s.cancelAnalysis()
	return nil
}

// GetResolveStatus returns the database state last reported.
func GetResolveStatus(ctx context.Context, s *Server, par json.RawMessage) (any, error) {
	return s.database(), nil
}
