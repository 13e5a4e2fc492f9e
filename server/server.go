// Package server is a small reference Understand language server. It speaks
// the same wire protocol as the engine so the client side can be exercised
// end to end; its analysis is a set of text rules over the workspace.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stinb/UnderstandForVSCode-sub000/conn"
	"github.com/stinb/UnderstandForVSCode-sub000/logging"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

type ServerState int

const (
	Created ServerState = iota
	Initializing
	Running
	Shutdown
	Exit
	ExitError
)

func (s ServerState) String() string {
	switch s {
	case Created:
		return "created"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Shutdown:
		return "shutdown"
	case Exit:
		return "exit"
	case ExitError:
		return "exit-error"
	}
	return "unknown"
}

// ErrExitBeforeShutdown is returned by Serve when the client sent exit
// without a preceding shutdown request.
var ErrExitBeforeShutdown = errors.New("exit received before shutdown")

const (
	Name    = "understand-reference"
	Version = "0.1.0"
)

type Options struct {
	MaxFrameSize int
	// AnalysisStep is the pause after each analyzed file so progress is
	// observable. Zero analyzes without pausing.
	AnalysisStep time.Duration
	// ChatStep is the pause between streamed chat chunks.
	ChatStep time.Duration
}

// Server holds the state of one client connection.
type Server struct {
	opts Options

	mu           sync.Mutex
	state        ServerState
	ctx          context.Context
	conn         *conn.Conn
	encoding     transport.PositionEncodingKind
	clientCaps   transport.ClientCapabilities
	capabilities transport.ServerCapabilities
	settings     Settings
	selection    *transport.SyncPositionParams

	Files     Files
	Workspace Workspace

	analysis    analysis
	annotations annotations
	chats       chats

	diagChan chan transport.PublishDiagnosticsParams
	// background tracks analysis and chat goroutines.
	background sync.WaitGroup
}

func New(opts Options) *Server {
	s := &Server{
		opts:     opts,
		state:    Created,
		encoding: transport.UTF16,
		diagChan: make(chan transport.PublishDiagnosticsParams),
	}
	s.Files.Init(s.encoding)
	s.annotations.init()
	s.chats.init()
	return s
}

func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) setState(state ServerState) {
	s.mu.Lock()
	logging.Logger.Debug("Server state", "from", s.state.String(), "to", state.String())
	s.state = state
	s.mu.Unlock()
}

// Serve runs the protocol over rwc until the client exits, the stream
// closes or ctx ends.
func (s *Server) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.ctx = ctx
	s.conn = conn.New(rwc, s.router(), conn.Options{MaxFrameSize: s.opts.MaxFrameSize})
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.conn.Run(gctx)
	})
	g.Go(func() error {
		s.GenerateDiagnostics(gctx)
		return nil
	})
	err := g.Wait()

	s.background.Wait()
	s.Workspace.Cleanup()

	switch s.State() {
	case ExitError:
		logging.Logger.Warn("Exited without shutdown")
		return ErrExitBeforeShutdown
	case Shutdown, Exit:
		logging.Logger.Info("LSP Successfully Exited")
		return nil
	}
	if err != nil {
		logging.Logger.Info("Connection ended", "error", err)
	}
	return err
}

// ListenAndServe accepts connections on addr, serving each with its own
// Server, until ctx ends.
func ListenAndServe(ctx context.Context, addr string, opts Options) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	logging.Logger.Info("Listening", "address", ln.Addr().String())
	return serveListener(ctx, ln, opts)
}

func serveListener(ctx context.Context, ln net.Listener, opts Options) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			c, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			logging.Logger.Info("Accepted connection", "remote", c.RemoteAddr().String())
			g.Go(func() error {
				if err := New(opts).Serve(gctx, c); err != nil {
					logging.Logger.Warn("Connection failed", "remote", c.RemoteAddr().String(), "error", err)
				}
				return nil
			})
		}
	})
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// ValidateMethod reports whether method may be handled in the current state.
func (s *Server) ValidateMethod(method string) error {
	state := s.State()
	switch state {
	case Created:
		if method != string(transport.MethodInitialize) && method != string(transport.MethodExit) {
			return transport.NewError(transport.ServerNotInitialized, "server not initialized, received %s", method)
		}
	case Initializing, Running:
		if method == string(transport.MethodInitialize) {
			return transport.NewError(transport.InvalidRequest, "server already initialized")
		}
	case Shutdown:
		if method != string(transport.MethodExit) {
			return transport.NewError(transport.InvalidRequest, "server is shutting down, received %s", method)
		}
	default:
		return transport.NewError(transport.InvalidRequest, "server exited")
	}
	return nil
}

type (
	requestHandler      func(ctx context.Context, s *Server, params json.RawMessage) (any, error)
	notificationHandler func(ctx context.Context, s *Server, params json.RawMessage) error
)

// Map from method to method handler for request methods
var requestHandlers = map[transport.ClientRequest]requestHandler{
	transport.MethodInitialize:           Initialize,
	transport.MethodShutdown:             ShutdownEnd,
	transport.MethodDefinition:           Definition,
	transport.MethodExecuteCommand:       ExecuteCommand,
	transport.MethodGetResolveStatus:     GetResolveStatus,
	transport.MethodViolationDescription: DescribeViolation,
	transport.MethodAnnotationsList:      ListAnnotations,
	transport.MethodAnnotationsCreate:    CreateAnnotation,
	transport.MethodAnnotationsUpdate:    UpdateAnnotation,
	transport.MethodAnnotationsDelete:    DeleteAnnotation,
	transport.MethodAIChatCreate:         CreateChat,
	transport.MethodAIChatSend:           SendChat,
	transport.MethodAIChatCancel:         CancelChat,
	transport.MethodAIChatDelete:         DeleteChat,
	transport.MethodGraphsList:           ListGraphs,
	transport.MethodGraphsDraw:           DrawGraph,
}

// Map from method to method handler for notification methods
var notificationHandlers = map[transport.ClientNotification]notificationHandler{
	transport.MethodInitialized:            Initialized,
	transport.MethodExit:                   ExitEnd,
	transport.MethodDidOpen:                TextDocumentOpen,
	transport.MethodDidChange:              TextDocumentChange,
	transport.MethodDidClose:               TextDocumentClose,
	transport.MethodDidSave:                TextDocumentSave,
	transport.MethodDidChangeWatchedFiles:  WatchedFilesChange,
	transport.MethodDidChangeConfiguration: ConfigurationChange,
	transport.MethodWorkDoneProgressCancel: ProgressCancel,
	transport.MethodSyncPosition:           SyncPosition,
}

func (s *Server) router() *conn.Router {
	r := conn.NewRouter(conn.RoleServer)
	for method, h := range requestHandlers {
		r.HandleRequest(string(method), func(ctx context.Context, params json.RawMessage) (any, error) {
			if err := s.ValidateMethod(string(method)); err != nil {
				return nil, err
			}
			return h(ctx, s, params)
		})
	}
	for method, h := range notificationHandlers {
		r.HandleNotification(string(method), func(ctx context.Context, params json.RawMessage) error {
			if err := s.ValidateMethod(string(method)); err != nil {
				logging.Logger.Debug("Dropping notification", "method", string(method), "error", err)
				return nil
			}
			return h(ctx, s, params)
		})
	}
	return r
}

// notify sends a server notification, logging failures.
func (s *Server) notify(method transport.ServerNotification, params any) {
	if err := s.conn.Notify(string(method), params); err != nil {
		logging.Logger.Debug("Failed to notify", "method", string(method), "error", err)
	}
}

// call sends a server request and waits for the answer.
func (s *Server) call(ctx context.Context, method transport.ServerRequest, params, result any) error {
	return s.conn.Call(ctx, string(method), params, result)
}

// baseContext is the connection's lifetime context.
func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// spawn runs fn on a goroutine Serve waits for before returning.
func (s *Server) spawn(fn func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn()
	}()
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return transport.NewError(transport.InvalidParams, "invalid params: %v", err)
	}
	return nil
}
