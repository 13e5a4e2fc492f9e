package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/stinb/UnderstandForVSCode-sub000/logging"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

// Role says which end of the connection we are, and so which method sets may
// arrive from the peer.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Accepts reports whether a method of the given kind may be received.
func (r Role) Accepts(kind transport.MethodKind) bool {
	switch r {
	case RoleClient:
		return kind == transport.MethodServerRequest || kind == transport.MethodServerNotification
	case RoleServer:
		return kind == transport.MethodClientRequest || kind == transport.MethodClientNotification
	}
	return false
}

// RequestHandler answers a request. The result is marshalled into the
// response; a *transport.ResponseError is sent as is, any other error becomes
// an InternalError.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler consumes a notification. Errors are only logged.
type NotificationHandler func(ctx context.Context, params json.RawMessage) error

// Router maps incoming method names to handlers.
type Router struct {
	role Role

	mu            sync.RWMutex
	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler
}

func NewRouter(role Role) *Router {
	return &Router{
		role:          role,
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
	}
}

func (r *Router) Role() Role { return r.role }

// HandleRequest registers h for a request method the peer may send. Wiring a
// method from the wrong set is a programming error and panics.
func (r *Router) HandleRequest(method string, h RequestHandler) {
	kind := transport.Classify(method)
	if !kind.IsRequest() || !r.role.Accepts(kind) {
		panic(fmt.Sprintf("%s router cannot handle %s %q as a request", r.role, kind, method))
	}
	r.mu.Lock()
	r.requests[method] = h
	r.mu.Unlock()
}

// HandleNotification registers h for a notification method the peer may send.
func (r *Router) HandleNotification(method string, h NotificationHandler) {
	kind := transport.Classify(method)
	if kind.IsRequest() || !r.role.Accepts(kind) {
		panic(fmt.Sprintf("%s router cannot handle %s %q as a notification", r.role, kind, method))
	}
	r.mu.Lock()
	r.notifications[method] = h
	r.mu.Unlock()
}

// Clone copies the registrations into a fresh router.
func (r *Router) Clone() *Router {
	c := NewRouter(r.role)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for m, h := range r.requests {
		c.requests[m] = h
	}
	for m, h := range r.notifications {
		c.notifications[m] = h
	}
	return c
}

func (r *Router) request(method string) (RequestHandler, bool) {
	if !r.role.Accepts(transport.Classify(method)) {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.requests[method]
	return h, ok
}

func (r *Router) notification(method string) (NotificationHandler, bool) {
	if !r.role.Accepts(transport.Classify(method)) {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.notifications[method]
	return h, ok
}

// handleRequest runs the handler for method, or answers MethodNotFound.
func (r *Router) handleRequest(ctx context.Context, method string, params json.RawMessage) (result any, err error) {
	h, ok := r.request(method)
	if !ok {
		return nil, transport.NewError(transport.MethodNotFound, "method not found: %s", method)
	}
	defer func() {
		if p := recover(); p != nil {
			logging.Logger.Error("Request handler panicked", "method", method, "panic", p, "stack", string(debug.Stack()))
			result, err = nil, transport.NewError(transport.InternalError, "handler for %s panicked", method)
		}
	}()
	return h(ctx, params)
}

// handleNotification runs the handler for method; unknown methods are ignored.
func (r *Router) handleNotification(ctx context.Context, method string, params json.RawMessage) {
	h, ok := r.notification(method)
	if !ok {
		logging.Logger.Debug("Ignoring notification", "method", method)
		return
	}
	defer func() {
		if p := recover(); p != nil {
			logging.Logger.Error("Notification handler panicked", "method", method, "panic", p)
		}
	}()
	if err := h(ctx, params); err != nil {
		logging.Logger.Warn("Notification handler failed", "method", method, "error", err)
	}
}

// Request adapts a typed function into a RequestHandler. Params that do not
// decode into P are answered with InvalidParams.
func Request[P, R any](fn func(ctx context.Context, params P) (R, error)) RequestHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params P
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return fn(ctx, params)
	}
}

// Notification adapts a typed function into a NotificationHandler.
func Notification[P any](fn func(ctx context.Context, params P) error) NotificationHandler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var params P
		if err := decodeParams(raw, &params); err != nil {
			return err
		}
		return fn(ctx, params)
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return transport.NewError(transport.InvalidParams, "invalid params: %v", err)
	}
	return nil
}
