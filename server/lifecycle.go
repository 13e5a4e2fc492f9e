package server

import (
	"context"
	"encoding/json"

	"github.com/stinb/UnderstandForVSCode-sub000/logging"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
	"github.com/stinb/UnderstandForVSCode-sub000/util"
)

// Initialize Handler
func Initialize(ctx context.Context, s *Server, par json.RawMessage) (any, error) {
	var params transport.InitializeParams
	if err := unmarshal(par, &params); err != nil {
		return nil, err
	}
	s.setState(Initializing)
	if params.ClientInfo != nil {
		logging.Logger.Info("Handling Initialize", "client", params.ClientInfo.Name, "version", params.ClientInfo.Version)
	}

	// Don't select UTF-8, select UTF-32 or UTF-16 only
	positionEncoding := transport.UTF16
	if g := params.Capabilities.General; g != nil && len(g.PositionEncodings) > 0 && g.PositionEncodings[0] == transport.UTF32 {
		positionEncoding = transport.UTF32
	}

	result := transport.InitializeResult{
		Capabilities: transport.ServerCapabilities{
			PositionEncoding:   &positionEncoding,
			TextDocumentSync:   transport.Incremental,
			DefinitionProvider: true,
			ExecuteCommandProvider: &transport.ExecuteCommandOptions{
				Commands: []string{
					transport.CommandAnalyzeAll,
					transport.CommandAnalyzeChanged,
					transport.CommandCancelAnalysis,
				},
			},
			Workspace: &transport.WorkspaceOptions{
				WorkspaceFolders: &transport.WorkspaceFoldersServerCapabilities{
					Supported:           true,
					ChangeNotifications: "ws",
				},
			},
		},
		ServerInfo: &transport.ServerInfo{Name: Name, Version: Version},
	}

	s.mu.Lock()
	s.encoding = positionEncoding
	s.clientCaps = params.Capabilities
	s.capabilities = result.Capabilities
	s.mu.Unlock()
	s.Files.Init(positionEncoding)

	root := workspaceRoot(params)
	logging.Logger.Info("Workspace", "root", root)
	s.Workspace.Init(root)

	if len(params.InitializationOptions) > 0 {
		var settings Settings
		if err := json.Unmarshal(params.InitializationOptions, &settings); err != nil {
			logging.Logger.Warn("Ignoring initialization options", "error", err)
		} else {
			s.applySettings(settings)
		}
	}
	return result, nil
}

func workspaceRoot(params transport.InitializeParams) util.Path {
	uri := string(params.RootURI)
	if uri == "" && len(params.WorkspaceFolders) > 0 {
		uri = string(params.WorkspaceFolders[0].URI)
	}
	if uri == "" {
		return ""
	}
	root, err := util.URI2Path(uri)
	if err != nil {
		logging.Logger.Warn("Unusable workspace root", "uri", uri, "error", err)
		return ""
	}
	return root
}

// Initialized Handler
func Initialized(ctx context.Context, s *Server, par json.RawMessage) error {
	s.setState(Running)
	logging.Logger.Info("Handling Initialized")

	base := s.baseContext()
	s.spawn(func() { s.registerWatchers(base) })
	return s.startAnalysis(true)
}

// registerWatchers asks the client to send file change events when it
// supports dynamic registration for them.
func (s *Server) registerWatchers(ctx context.Context) {
	s.mu.Lock()
	ws := s.clientCaps.Workspace
	s.mu.Unlock()
	if ws == nil || ws.DidChangeWatchedFiles == nil || !ws.DidChangeWatchedFiles.DynamicRegistration {
		return
	}
	opts, _ := json.Marshal(map[string]any{
		"watchers": []map[string]string{{"globPattern": "**/*"}},
	})
	params := transport.RegistrationParams{Registrations: []transport.Registration{{
		ID:              "understand-watched-files",
		Method:          string(transport.MethodDidChangeWatchedFiles),
		RegisterOptions: opts,
	}}}
	if err := s.call(ctx, transport.MethodRegisterCapability, params, nil); err != nil {
		logging.Logger.Warn("Failed to register file watchers", "error", err)
	}
}

// Shutdown Handler
func ShutdownEnd(ctx context.Context, s *Server, par json.RawMessage) (any, error) {
	s.setState(Shutdown)
	s.cancelAnalysis()
	s.chats.cancelAll()
	// Some clients end the server right after sending shutdown
	s.Workspace.Cleanup()
	return nil, nil
}

// Exit Handler
func ExitEnd(ctx context.Context, s *Server, par json.RawMessage) error {
	if s.State() == Shutdown {
		s.setState(Exit)
	} else {
		s.setState(ExitError)
	}
	return s.conn.Close()
}
