package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stinb/UnderstandForVSCode-sub000/conn"
	"github.com/stinb/UnderstandForVSCode-sub000/logging"
	"github.com/stinb/UnderstandForVSCode-sub000/status"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

// newRouter builds the router for one session: status bookkeeping first,
// then the registered handlers. It is discarded with the session.
func (c *Controller) newRouter() *conn.Router {
	r := conn.NewRouter(conn.RoleClient)

	c.handlersMu.Lock()
	requests := make(map[transport.ServerRequest]conn.RequestHandler, len(c.requests))
	for m, h := range c.requests {
		requests[m] = h
	}
	notifications := make(map[transport.ServerNotification]conn.NotificationHandler, len(c.notifications))
	for m, h := range c.notifications {
		notifications[m] = h
	}
	c.handlersMu.Unlock()

	// Registering the token happens on the dispatcher, so it is in place
	// before any later $/progress for it is handled.
	createProgress := conn.Request(func(ctx context.Context, p transport.WorkDoneProgressCreateParams) (any, error) {
		if p.Token.IsZero() {
			return nil, transport.NewError(transport.InvalidParams, "missing progress token")
		}
		c.status.CreateProgress(p.Token)
		return nil, nil
	})
	r.HandleRequest(string(transport.MethodWorkDoneProgressCreate), chainRequest(createProgress, requests[transport.MethodWorkDoneProgressCreate]))
	delete(requests, transport.MethodWorkDoneProgressCreate)

	defaults := map[transport.ServerRequest]conn.RequestHandler{
		transport.MethodConfiguration: conn.Request(func(ctx context.Context, p transport.ConfigurationParams) ([]any, error) {
			return make([]any, len(p.Items)), nil
		}),
		transport.MethodRegisterCapability: func(ctx context.Context, params json.RawMessage) (any, error) {
			return nil, nil
		},
		transport.MethodShowMessageRequest: conn.Request(func(ctx context.Context, p transport.ShowMessageRequestParams) (any, error) {
			logging.Logger.Info("Server message", "type", int(p.Type), "message", p.Message)
			return nil, nil
		}),
	}
	for m, h := range defaults {
		if _, ok := requests[m]; !ok {
			requests[m] = h
		}
	}
	for m, h := range requests {
		r.HandleRequest(string(m), h)
	}

	progress := conn.Notification(func(ctx context.Context, p transport.ProgressParams) error {
		return c.status.Progress(p.Token, p.Value)
	})
	database := conn.Notification(func(ctx context.Context, p transport.DatabaseStateParams) error {
		state, err := status.ParseDatabaseState(p.State)
		if err != nil {
			return err
		}
		c.status.SetDatabase(p.Path, state)
		return nil
	})
	r.HandleNotification(string(transport.MethodProgress), chainNotification(progress, notifications[transport.MethodProgress]))
	r.HandleNotification(string(transport.MethodChangedDatabaseState), chainNotification(database, notifications[transport.MethodChangedDatabaseState]))
	delete(notifications, transport.MethodProgress)
	delete(notifications, transport.MethodChangedDatabaseState)

	if _, ok := notifications[transport.MethodLogMessage]; !ok {
		notifications[transport.MethodLogMessage] = conn.Notification(func(ctx context.Context, p transport.LogMessageParams) error {
			logging.Logger.Debug("Server log", "type", int(p.Type), "message", p.Message)
			return nil
		})
	}
	for m, h := range notifications {
		r.HandleNotification(string(m), h)
	}
	return r
}

// chainRequest runs first, then next when present; next's answer wins.
func chainRequest(first, next conn.RequestHandler) conn.RequestHandler {
	if next == nil {
		return first
	}
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		if _, err := first(ctx, params); err != nil {
			return nil, err
		}
		return next(ctx, params)
	}
}

func chainNotification(first, next conn.NotificationHandler) conn.NotificationHandler {
	if next == nil {
		return first
	}
	return func(ctx context.Context, params json.RawMessage) error {
		err := first(ctx, params)
		if nerr := next(ctx, params); nerr != nil {
			if err != nil {
				return fmt.Errorf("%w; %w", err, nerr)
			}
			return nerr
		}
		return err
	}
}
