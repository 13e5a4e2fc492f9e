// Package session owns the client side of one server connection at a time:
// dial, initialize handshake, request/notification forwarding, stop and
// restart, with the status reconciler and outbound batch emitters attached.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stinb/UnderstandForVSCode-sub000/batch"
	"github.com/stinb/UnderstandForVSCode-sub000/conn"
	"github.com/stinb/UnderstandForVSCode-sub000/logging"
	"github.com/stinb/UnderstandForVSCode-sub000/status"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
	"github.com/stinb/UnderstandForVSCode-sub000/util"
)

var (
	ErrHandshakeFailed = errors.New("handshake failed")
	ErrNoSession       = errors.New("no active session")
	ErrAlreadyStarted  = errors.New("session already started")
)

// Dialer opens the byte stream to the server.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

type Options struct {
	Dial             Dialer
	ClientInfo       transport.ClientInfo
	RootURI          transport.DocumentURI
	WorkspaceFolders []transport.WorkspaceFolder
	// InitializationOptions is marshalled into initialize's initializationOptions.
	InitializationOptions any
	MaxFrameSize          int

	// RequestTimeout bounds SendRequest calls whose context has no deadline.
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	ShutdownTimeout  time.Duration

	FileEventWindow time.Duration
	SelectionWindow time.Duration

	// Status receives lifecycle, progress and database events. A new
	// reconciler is created when nil.
	Status *status.Reconciler
}

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultShutdownTimeout  = 2 * time.Second
)

// session is one live connection. It is replaced, never reused, on restart.
type session struct {
	conn     *conn.Conn
	result   transport.InitializeResult
	done     chan struct{}
	stopping atomic.Bool
}

// Controller is the single owner of the current session. Start, Stop and
// Restart are serialised; sends may run concurrently with them.
type Controller struct {
	opts   Options
	status *status.Reconciler

	lifecycle sync.Mutex

	mu   sync.RWMutex
	sess *session

	handlersMu    sync.Mutex
	requests      map[transport.ServerRequest]conn.RequestHandler
	notifications map[transport.ServerNotification]conn.NotificationHandler

	files     *batch.Queue[transport.FileEvent]
	selection *batch.Latest[transport.SyncPositionParams]
	watcher   *util.Watcher
}

func New(opts Options) *Controller {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.FileEventWindow <= 0 {
		opts.FileEventWindow = batch.FileEventWindow
	}
	if opts.SelectionWindow <= 0 {
		opts.SelectionWindow = batch.SelectionWindow
	}
	if opts.Status == nil {
		opts.Status = status.NewReconciler()
	}
	c := &Controller{
		opts:          opts,
		status:        opts.Status,
		requests:      make(map[transport.ServerRequest]conn.RequestHandler),
		notifications: make(map[transport.ServerNotification]conn.NotificationHandler),
	}
	c.files = batch.NewQueue(opts.FileEventWindow, func(changes []transport.FileEvent) {
		c.notifyBatch(transport.MethodDidChangeWatchedFiles, transport.DidChangeWatchedFilesParams{Changes: changes})
	})
	c.selection = batch.NewLatest(opts.SelectionWindow, func(p transport.SyncPositionParams) {
		c.notifyBatch(transport.MethodSyncPosition, p)
	})
	return c
}

func (c *Controller) Reconciler() *status.Reconciler { return c.status }

// Status returns the aggregate status.
func (c *Controller) Status() status.Status { return c.status.Status() }

// State returns the aggregate lifecycle state, Progress included.
func (c *Controller) State() status.State { return c.status.Status().State }

func (c *Controller) current() *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

// ServerInfo returns what the server reported in initialize, nil without a session.
func (c *Controller) ServerInfo() *transport.ServerInfo {
	if s := c.current(); s != nil {
		return s.result.ServerInfo
	}
	return nil
}

// ServerCapabilities returns the capabilities negotiated for the current session.
func (c *Controller) ServerCapabilities() (transport.ServerCapabilities, bool) {
	if s := c.current(); s != nil {
		return s.result.Capabilities, true
	}
	return transport.ServerCapabilities{}, false
}

// OnRequest registers h for a server request. Registrations persist across
// sessions and take effect from the next Start.
func (c *Controller) OnRequest(method transport.ServerRequest, h conn.RequestHandler) {
	c.handlersMu.Lock()
	c.requests[method] = h
	c.handlersMu.Unlock()
}

// OnNotification registers h for a server notification.
func (c *Controller) OnNotification(method transport.ServerNotification, h conn.NotificationHandler) {
	c.handlersMu.Lock()
	c.notifications[method] = h
	c.handlersMu.Unlock()
}

// Start dials the server and runs the initialize handshake. On any failure
// the stream is closed, the lifecycle becomes NoConnection and an error
// wrapping ErrHandshakeFailed is returned. There is no automatic retry.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.start(ctx)
}

func (c *Controller) start(ctx context.Context) (err error) {
	if c.current() != nil {
		return ErrAlreadyStarted
	}
	ctx, span := tracer.Start(ctx, "Controller.Start")
	defer func() {
		recordHandshake(ctx, err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	c.status.SetLifecycle(status.Connecting)
	rwc, err := c.opts.Dial(ctx)
	if err != nil {
		return c.fail(fmt.Errorf("%w: dial: %w", ErrHandshakeFailed, err))
	}

	s := &session{
		conn: conn.New(rwc, c.newRouter(), conn.Options{MaxFrameSize: c.opts.MaxFrameSize}),
		done: make(chan struct{}),
	}
	go c.run(s)

	params, err := c.initializeParams()
	if err != nil {
		c.abandon(s)
		return c.fail(fmt.Errorf("%w: %w", ErrHandshakeFailed, err))
	}
	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	if err := s.conn.Call(hctx, string(transport.MethodInitialize), params, &s.result); err != nil {
		c.abandon(s)
		return c.fail(fmt.Errorf("%w: initialize: %w", ErrHandshakeFailed, err))
	}

	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
	if err := s.conn.Notify(string(transport.MethodInitialized), struct{}{}); err != nil {
		c.mu.Lock()
		c.sess = nil
		c.mu.Unlock()
		c.abandon(s)
		return c.fail(fmt.Errorf("%w: initialized: %w", ErrHandshakeFailed, err))
	}

	if info := s.result.ServerInfo; info != nil {
		span.SetAttributes(attribute.String("server.name", info.Name), attribute.String("server.version", info.Version))
		logging.Logger.Info("Session ready", "server", info.Name, "version", info.Version)
	} else {
		logging.Logger.Info("Session ready")
	}
	c.status.SetLifecycle(status.Ready)
	return nil
}

func (c *Controller) fail(err error) error {
	logging.Logger.Error("Session start failed", "error", err)
	c.status.SetLifecycle(status.NoConnection)
	return err
}

// abandon tears down a session that never became current.
func (c *Controller) abandon(s *session) {
	s.stopping.Store(true)
	s.conn.Close()
	<-s.done
}

// run drives the connection and notices when the server goes away on its own.
func (c *Controller) run(s *session) {
	err := s.conn.Run(context.Background())
	close(s.done)
	if s.stopping.Load() {
		return
	}

	c.mu.Lock()
	current := c.sess == s
	if current {
		c.sess = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}
	logging.Logger.Warn("Connection lost", "error", err)
	recordDisconnect(context.Background())
	c.status.SetLifecycle(status.NoConnection)
}

// Stop shuts the current session down: shutdown request (bounded by the
// shutdown timeout), exit notification, transport close. Pending requests
// fail with conn.ErrConnectionClosed. Without a session only the lifecycle
// is reset to Idle.
func (c *Controller) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.stop(ctx)
}

func (c *Controller) stop(ctx context.Context) error {
	s := c.current()
	if s == nil {
		c.status.SetLifecycle(status.Idle)
		return nil
	}
	c.files.Flush()
	c.selection.Flush()

	c.mu.Lock()
	c.sess = nil
	c.mu.Unlock()
	s.stopping.Store(true)

	sctx, cancel := context.WithTimeout(ctx, c.opts.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := s.conn.Call(sctx, string(transport.MethodShutdown), nil, nil); err != nil {
		errs = append(errs, fmt.Errorf("shutdown: %w", err))
	}
	if err := s.conn.Notify(string(transport.MethodExit), nil); err != nil {
		errs = append(errs, fmt.Errorf("exit: %w", err))
	}
	s.conn.Close()
	<-s.done

	c.status.SetLifecycle(status.Idle)
	logging.Logger.Info("Session stopped")
	return errors.Join(errs...)
}

// Restart stops the current session completely before starting a new one.
// A failed stop is logged and does not prevent the start; the start error
// is returned.
func (c *Controller) Restart(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	recordRestart(ctx)
	if err := c.stop(ctx); err != nil {
		logging.Logger.Warn("Stopping session for restart", "error", err)
	}
	return c.start(ctx)
}

// Close stops the session along with the file watcher and batch timers.
func (c *Controller) Close(ctx context.Context) error {
	c.lifecycle.Lock()
	w := c.watcher
	c.watcher = nil
	c.lifecycle.Unlock()
	if w != nil {
		w.Stop()
	}
	err := c.Stop(ctx)
	c.files.Stop()
	c.selection.Stop()
	return err
}

// SendRequest sends a client request on the current session and decodes the
// result into result, which may be nil.
func (c *Controller) SendRequest(ctx context.Context, method transport.ClientRequest, params, result any) error {
	s := c.current()
	if s == nil {
		return ErrNoSession
	}
	if _, ok := ctx.Deadline(); !ok && c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}
	return s.conn.Call(ctx, string(method), params, result)
}

// SendNotification is best effort: without a session it does nothing.
func (c *Controller) SendNotification(method transport.ClientNotification, params any) error {
	s := c.current()
	if s == nil {
		return nil
	}
	return s.conn.Notify(string(method), params)
}

// RecordFileEvent queues filesystem changes for the next
// workspace/didChangeWatchedFiles batch.
func (c *Controller) RecordFileEvent(events ...transport.FileEvent) {
	c.files.Record(events...)
}

// RecordSelection sets the position sent with the next understand/syncPosition.
func (c *Controller) RecordSelection(p transport.SyncPositionParams) {
	c.selection.Record(p)
}

// WatchFiles starts reporting changes under root through RecordFileEvent.
func (c *Controller) WatchFiles(ctx context.Context, root string, ignore []string) error {
	w, err := util.NewWatcher(root, ignore, func(e transport.FileEvent) { c.RecordFileEvent(e) })
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	c.lifecycle.Lock()
	prev := c.watcher
	c.watcher = w
	c.lifecycle.Unlock()
	if prev != nil {
		prev.Stop()
	}
	logging.Logger.Info("Watching workspace", "root", root)
	return nil
}

func (c *Controller) notifyBatch(method transport.ClientNotification, params any) {
	if err := c.SendNotification(method, params); err != nil {
		logging.Logger.Warn("Failed to send batch", "method", string(method), "error", err)
	}
}

func (c *Controller) initializeParams() (transport.InitializeParams, error) {
	pid := os.Getpid()
	info := c.opts.ClientInfo
	params := transport.InitializeParams{
		ProcessID:  &pid,
		ClientInfo: &info,
		RootURI:    c.opts.RootURI,
		Capabilities: transport.ClientCapabilities{
			Workspace: &transport.WorkspaceClientCapabilities{
				Configuration:          true,
				DidChangeWatchedFiles:  &transport.DynamicRegistration{DynamicRegistration: true},
				DidChangeConfiguration: &transport.DynamicRegistration{DynamicRegistration: true},
			},
			Window: &transport.WindowClientCapabilities{WorkDoneProgress: true, ShowMessage: true},
			General: &transport.GeneralClientCapabilities{
				PositionEncodings: []transport.PositionEncodingKind{transport.UTF16},
			},
		},
		WorkspaceFolders: c.opts.WorkspaceFolders,
	}
	if c.opts.InitializationOptions != nil {
		raw, err := json.Marshal(c.opts.InitializationOptions)
		if err != nil {
			return params, fmt.Errorf("marshal initialization options: %w", err)
		}
		params.InitializationOptions = raw
	}
	return params, nil
}
