// Package conn runs one JSON-RPC connection: it decodes frames off a
// transport, settles responses against the pending request table, and
// dispatches requests and notifications to a Router in arrival order.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stinb/UnderstandForVSCode-sub000/logging"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

type Options struct {
	// MaxFrameSize caps incoming frames; zero uses transport.DefaultMaxFrameSize.
	MaxFrameSize int
}

// Conn is one live JSON-RPC connection.
//
// A reader goroutine decodes frames and settles responses directly, so a
// handler blocked on its own outgoing request never starves response
// delivery. Requests and notifications go through a FIFO to a single
// dispatcher goroutine. Notifications and the requests in inlineRequests run
// on the dispatcher, one at a time. Other request handlers are started in
// arrival order, each on its own goroutine, so a handler waiting on the user
// does not hold back later notifications.
type Conn struct {
	tr     *transport.Transport
	router *Router

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[string]*Call
	inflight map[string]context.CancelFunc
	closed   bool

	inbox    *mailbox
	handlers sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func New(rwc io.ReadWriteCloser, router *Router, opts Options) *Conn {
	c := &Conn{
		tr:       transport.New(rwc, opts.MaxFrameSize),
		router:   router,
		pending:  make(map[string]*Call),
		inflight: make(map[string]context.CancelFunc),
		inbox:    newMailbox(),
		done:     make(chan struct{}),
	}
	c.tr.OnDecodeError = func(err error) {
		logging.Logger.Warn("Dropped frame", "role", router.Role().String(), "error", err)
		recordDecodeError(context.Background(), router.Role(), err)
	}
	return c
}

func (c *Conn) Role() Role { return c.router.Role() }

func (c *Conn) Router() *Router { return c.router }

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended: nil after Close, otherwise an error
// wrapping ErrConnectionClosed and the transport failure.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Run reads and dispatches until the transport fails, ctx ends or Close is
// called. It always leaves the connection closed.
func (c *Conn) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := c.readLoop(gctx)
		c.shutdown(err)
		return err
	})
	g.Go(func() error { return c.dispatchLoop(gctx) })
	g.Go(func() error {
		select {
		case <-ctx.Done():
			c.shutdown(nil)
		case <-c.done:
		}
		return nil
	})
	_ = g.Wait()
	c.handlers.Wait()
	return c.Err()
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		raw, err := c.tr.Read()
		if err != nil {
			if c.isClosed() {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: peer closed the stream", ErrConnectionClosed)
			}
			return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}

		var msg transport.RPCMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logging.Logger.Warn("Dropping non JSON-RPC payload", "error", err)
			continue
		}
		kind := msg.Kind()
		recordFrame(ctx, c.Role(), kind)

		switch kind {
		case transport.KindResponse:
			c.settle(ctx, &msg)
		case transport.KindRequest:
			c.inbox.push(&msg)
		case transport.KindNotification:
			if msg.Method == string(transport.MethodCancelRequest) {
				c.cancelInflight(msg.Params)
				continue
			}
			c.inbox.push(&msg)
		default:
			if msg.ID != nil && !msg.ID.IsZero() {
				c.reply(*msg.ID, nil, transport.NewError(transport.InvalidRequest, "message is neither request nor response"))
				continue
			}
			logging.Logger.Warn("Dropping invalid message", "message", string(raw))
		}
	}
}

func (c *Conn) dispatchLoop(ctx context.Context) error {
	for {
		for msg, ok := c.inbox.pop(); ok; msg, ok = c.inbox.pop() {
			c.dispatch(ctx, msg)
		}
		select {
		case <-c.inbox.ready:
		case <-c.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// inlineRequests must finish before the next message is dispatched: the
// lifecycle requests, and progress token creation that later $/progress
// notifications depend on.
var inlineRequests = map[string]bool{
	string(transport.MethodInitialize):             true,
	string(transport.MethodShutdown):               true,
	string(transport.MethodWorkDoneProgressCreate): true,
}

func (c *Conn) dispatch(ctx context.Context, msg *transport.RPCMessage) {
	if msg.Kind() == transport.KindNotification {
		c.router.handleNotification(ctx, msg.Method, msg.Params)
		return
	}

	id := *msg.ID
	reqCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.inflight[id.String()] = cancel
	c.mu.Unlock()

	if inlineRequests[msg.Method] {
		c.serve(reqCtx, cancel, id, msg)
		return
	}
	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		c.serve(reqCtx, cancel, id, msg)
	}()
}

func (c *Conn) serve(ctx context.Context, cancel context.CancelFunc, id transport.ID, msg *transport.RPCMessage) {
	defer func() {
		c.mu.Lock()
		delete(c.inflight, id.String())
		c.mu.Unlock()
		cancel()
	}()

	result, err := c.router.handleRequest(ctx, msg.Method, msg.Params)
	if errors.Is(err, context.Canceled) && !c.isClosed() {
		err = transport.NewError(transport.RequestCancelled, "request %s cancelled", id)
	}
	c.reply(id, result, err)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// cancelInflight cancels the context of a request the peer gave up on.
func (c *Conn) cancelInflight(raw json.RawMessage) {
	var params transport.CancelParams
	if err := json.Unmarshal(raw, &params); err != nil || params.ID.IsZero() {
		return
	}
	c.mu.Lock()
	cancel, ok := c.inflight[params.ID.String()]
	c.mu.Unlock()
	if ok {
		logging.Logger.Debug("Peer cancelled request", "id", params.ID.String())
		cancel()
	}
}

func (c *Conn) reply(id transport.ID, result any, err error) {
	var respErr *transport.ResponseError
	var raw json.RawMessage
	if err != nil {
		if !errors.As(err, &respErr) {
			respErr = transport.NewError(transport.InternalError, "%v", err)
		}
	} else if result != nil {
		b, merr := json.Marshal(result)
		if merr != nil {
			respErr = transport.NewError(transport.InternalError, "marshal result: %v", merr)
		} else {
			raw = b
		}
	}
	if werr := c.tr.WriteResponse(id, raw, respErr); werr != nil {
		logging.Logger.Warn("Failed to write response", "id", id.String(), "error", werr)
	}
}

// settle hands a response to its pending call. Unknown ids are stale
// responses (already settled, or from a torn down session) and are dropped.
func (c *Conn) settle(ctx context.Context, msg *transport.RPCMessage) {
	key := msg.ID.String()
	c.mu.Lock()
	call, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()

	if !ok {
		logging.Logger.Debug("Dropping stale response", "id", key)
		recordStaleResponse(ctx, c.Role())
		return
	}
	if msg.Error != nil {
		call.settle(nil, msg.Error)
		return
	}
	call.settle(msg.Result, nil)
}

// Go sends a request and returns its pending Call without waiting.
func (c *Conn) Go(ctx context.Context, method string, params any) (*Call, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := transport.IntID(c.nextID.Add(1))
	_, span := tracer.Start(ctx, "Conn.Call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.method", method),
			attribute.String("rpc.id", id.String()),
			attribute.String("rpc.role", c.Role().String()),
		),
	)
	call := newCall(c, id, method, span)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		span.End()
		return nil, ErrConnectionClosed
	}
	c.pending[id.String()] = call
	c.mu.Unlock()
	recordPending(ctx, 1)

	if err := c.tr.WriteRequest(id, method, raw); err != nil {
		c.mu.Lock()
		delete(c.pending, id.String())
		c.mu.Unlock()
		err = fmt.Errorf("write request %s: %w", method, err)
		call.settle(nil, err)
		return nil, err
	}
	return call, nil
}

// Call sends a request and decodes its result into result (which may be nil).
// If ctx ends first the peer is sent $/cancelRequest and ctx.Err() returned.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	call, err := c.Go(ctx, method, params)
	if err != nil {
		return err
	}
	raw, err := call.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			if cerr := call.Cancel(); cerr != nil {
				logging.Logger.Debug("Failed to send cancel", "method", method, "error", cerr)
			}
		}
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, method, err)
	}
	return nil
}

// Notify sends a notification.
func (c *Conn) Notify(method string, params any) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.tr.WriteNotif(method, raw)
}

// Pending returns the number of requests awaiting a response.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close tears the connection down and fails every pending call with
// ErrConnectionClosed. Once Close returns, no pending call is left unsettled.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[string]*Call)
		for _, cancel := range c.inflight {
			cancel()
		}
		c.mu.Unlock()

		if err := c.tr.Close(); err != nil {
			logging.Logger.Debug("Closing transport", "error", err)
		}

		failure := ErrConnectionClosed
		if cause != nil && errors.Is(cause, ErrConnectionClosed) {
			failure = cause
		}
		for _, call := range pending {
			call.settle(nil, failure)
		}
		if cause != nil && !errors.Is(cause, context.Canceled) {
			c.err = cause
		}
		close(c.done)
	})
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// mailbox is an unbounded FIFO between the reader and the dispatcher. It is
// unbounded so the reader never blocks behind a slow handler.
type mailbox struct {
	mu    sync.Mutex
	items []*transport.RPCMessage
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) push(msg *transport.RPCMessage) {
	m.mu.Lock()
	m.items = append(m.items, msg)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop() (*transport.RPCMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return nil, false
	}
	msg := m.items[0]
	m.items[0] = nil
	m.items = m.items[1:]
	return msg, true
}
