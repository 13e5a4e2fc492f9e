package conn_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stinb/UnderstandForVSCode-sub000/conn"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

const wait = 2 * time.Second

// peer is the far end of a connection, driven by hand.
type peer struct {
	tr   *transport.Transport
	msgs chan transport.RPCMessage
}

func newPeer(rwc net.Conn) *peer {
	p := &peer{tr: transport.New(rwc, 0), msgs: make(chan transport.RPCMessage, 64)}
	go func() {
		defer close(p.msgs)
		for {
			raw, err := p.tr.Read()
			if err != nil {
				return
			}
			var m transport.RPCMessage
			if json.Unmarshal(raw, &m) == nil {
				p.msgs <- m
			}
		}
	}()
	return p
}

func (p *peer) next(t *testing.T) transport.RPCMessage {
	t.Helper()
	select {
	case m, ok := <-p.msgs:
		require.True(t, ok, "peer stream closed")
		return m
	case <-time.After(wait):
		t.Fatal("timed out waiting for a message")
	}
	return transport.RPCMessage{}
}

func (p *peer) send(t *testing.T, raw string) {
	t.Helper()
	require.NoError(t, p.tr.Write([]byte(raw)))
}

func setup(t *testing.T, role conn.Role) (*conn.Conn, *peer, chan error) {
	t.Helper()
	a, b := net.Pipe()
	c := conn.New(a, conn.NewRouter(role), conn.Options{})
	p := newPeer(b)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	t.Cleanup(func() {
		c.Close()
		b.Close()
	})
	return c, p, done
}

func TestResponsesSettleTheirOwnCalls(t *testing.T) {
	c, p, _ := setup(t, conn.RoleClient)
	ctx := context.Background()

	first, err := c.Go(ctx, "understand/graphs/list", nil)
	require.NoError(t, err)
	second, err := c.Go(ctx, "understand/graphs/list", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", p.next(t).ID.String())
	assert.Equal(t, "2", p.next(t).ID.String())
	assert.Equal(t, 2, c.Pending())

	p.send(t, `{"jsonrpc":"2.0","id":2,"result":"two"}`)
	select {
	case <-second.Done():
	case <-time.After(wait):
		t.Fatal("second call did not settle")
	}
	select {
	case <-first.Done():
		t.Fatal("first call settled by the wrong response")
	default:
	}

	p.send(t, `{"jsonrpc":"2.0","id":1,"result":"one"}`)
	got, err := first.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"one"`, string(got))
	got, err = second.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"two"`, string(got))
	assert.Zero(t, c.Pending())
}

func TestCallDecodesResultAndErrors(t *testing.T) {
	c, p, _ := setup(t, conn.RoleClient)
	ctx := context.Background()

	type result struct {
		Name string `json:"name"`
	}
	errc := make(chan error, 1)
	var got result
	go func() { errc <- c.Call(ctx, "initialize", map[string]any{"capabilities": map[string]any{}}, &got) }()
	req := p.next(t)
	assert.Equal(t, "initialize", req.Method)
	assert.JSONEq(t, `{"capabilities":{}}`, string(req.Params))
	p.send(t, `{"jsonrpc":"2.0","id":1,"result":{"name":"ok"}}`)
	require.NoError(t, <-errc)
	assert.Equal(t, "ok", got.Name)

	go func() { errc <- c.Call(ctx, "shutdown", nil, nil) }()
	p.next(t)
	p.send(t, `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"nope"}}`)
	err := <-errc
	var respErr *transport.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, transport.MethodNotFound, respErr.Code)
}

func TestStaleResponseIsDropped(t *testing.T) {
	c, p, _ := setup(t, conn.RoleClient)

	call, err := c.Go(context.Background(), "shutdown", nil)
	require.NoError(t, err)
	p.next(t)

	p.send(t, `{"jsonrpc":"2.0","id":99,"result":{}}`)
	p.send(t, `{"jsonrpc":"2.0","id":"1","result":{}}`)
	assert.Equal(t, 1, c.Pending())
	select {
	case <-call.Done():
		t.Fatal("call settled by a stale response")
	case <-time.After(50 * time.Millisecond):
	}

	p.send(t, `{"jsonrpc":"2.0","id":1,"result":null}`)
	_, err = call.Wait(context.Background())
	require.NoError(t, err)
}

func TestUnknownRequestGetsMethodNotFound(t *testing.T) {
	c, p, _ := setup(t, conn.RoleServer)
	c.Router().HandleRequest("shutdown", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, nil
	})

	tests := []struct {
		name string
		msg  string
	}{
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"understand/bogus"}`},
		{"wrong direction", `{"jsonrpc":"2.0","id":2,"method":"window/workDoneProgress/create","params":{"token":1}}`},
		{"notification used as request", `{"jsonrpc":"2.0","id":3,"method":"initialized"}`},
		{"no handler", `{"jsonrpc":"2.0","id":4,"method":"understand/graphs/list"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p.send(t, tt.msg)
			resp := p.next(t)
			assert.Equal(t, transport.KindResponse, resp.Kind())
			require.NotNil(t, resp.Error)
			assert.Equal(t, transport.MethodNotFound, resp.Error.Code)
		})
	}

	// Unknown notifications are ignored: the next thing on the wire is the
	// answer to the following request.
	p.send(t, `{"jsonrpc":"2.0","method":"understand/bogus"}`)
	p.send(t, `{"jsonrpc":"2.0","id":5,"method":"shutdown"}`)
	resp := p.next(t)
	assert.Equal(t, "5", resp.ID.String())
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `null`, string(resp.Result))
}

func TestRequestHandlerErrors(t *testing.T) {
	c, p, _ := setup(t, conn.RoleServer)
	r := c.Router()
	r.HandleRequest("understand/graphs/list", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, transport.NewError(transport.RequestFailed, "no database")
	})
	r.HandleRequest("understand/graphs/draw", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})
	r.HandleRequest("understand/violationDescription", func(ctx context.Context, params json.RawMessage) (any, error) {
		panic("handler bug")
	})
	r.HandleRequest("understand/annotations/list", conn.Request(func(ctx context.Context, params transport.AnnotationsListParams) ([]transport.Annotation, error) {
		return []transport.Annotation{{ID: "a", URI: params.URI, Text: "hi"}}, nil
	}))

	p.send(t, `{"jsonrpc":"2.0","id":1,"method":"understand/graphs/list"}`)
	assert.Equal(t, transport.RequestFailed, p.next(t).Error.Code)

	p.send(t, `{"jsonrpc":"2.0","id":2,"method":"understand/graphs/draw"}`)
	resp := p.next(t)
	assert.Equal(t, transport.InternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "boom")

	p.send(t, `{"jsonrpc":"2.0","id":3,"method":"understand/violationDescription"}`)
	assert.Equal(t, transport.InternalError, p.next(t).Error.Code)

	p.send(t, `{"jsonrpc":"2.0","id":4,"method":"understand/annotations/list","params":{"uri":42}}`)
	assert.Equal(t, transport.InvalidParams, p.next(t).Error.Code)

	p.send(t, `{"jsonrpc":"2.0","id":5,"method":"understand/annotations/list","params":{"uri":"file:///a.c"}}`)
	resp = p.next(t)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `[{"id":"a","uri":"file:///a.c","line":0,"text":"hi"}]`, string(resp.Result))
}

func TestNotificationsDispatchInOrder(t *testing.T) {
	c, p, _ := setup(t, conn.RoleClient)
	got := make(chan string, 8)
	c.Router().HandleNotification("window/logMessage", conn.Notification(func(ctx context.Context, params transport.LogMessageParams) error {
		got <- params.Message
		return nil
	}))

	for _, m := range []string{"a", "b", "c", "d"} {
		p.send(t, `{"jsonrpc":"2.0","method":"window/logMessage","params":{"type":3,"message":"`+m+`"}}`)
	}
	for _, want := range []string{"a", "b", "c", "d"} {
		select {
		case m := <-got:
			assert.Equal(t, want, m)
		case <-time.After(wait):
			t.Fatal("notification not dispatched")
		}
	}
}

func TestBlockedHandlerDoesNotStallResponses(t *testing.T) {
	c, p, _ := setup(t, conn.RoleClient)

	// The handler for a server request issues its own request and waits.
	c.Router().HandleRequest("workspace/configuration", func(ctx context.Context, params json.RawMessage) (any, error) {
		var out string
		err := c.Call(ctx, "understand/getResolveStatus", nil, &out)
		return out, err
	})

	p.send(t, `{"jsonrpc":"2.0","id":"s1","method":"workspace/configuration","params":{"items":[]}}`)
	inner := p.next(t)
	assert.Equal(t, "understand/getResolveStatus", inner.Method)
	p.send(t, `{"jsonrpc":"2.0","id":`+inner.ID.String()+`,"result":"resolved"}`)

	resp := p.next(t)
	assert.Equal(t, `"s1"`, resp.ID.String())
	assert.JSONEq(t, `"resolved"`, string(resp.Result))
}

func TestPendingRequestDoesNotBlockNotifications(t *testing.T) {
	c, p, _ := setup(t, conn.RoleClient)
	release := make(chan struct{})
	c.Router().HandleRequest("window/showMessageRequest", func(ctx context.Context, params json.RawMessage) (any, error) {
		<-release
		return nil, nil
	})
	progress := make(chan struct{}, 1)
	c.Router().HandleNotification("$/progress", func(ctx context.Context, params json.RawMessage) error {
		progress <- struct{}{}
		return nil
	})

	p.send(t, `{"jsonrpc":"2.0","id":1,"method":"window/showMessageRequest","params":{"type":3,"message":"Resolve?"}}`)
	p.send(t, `{"jsonrpc":"2.0","method":"$/progress","params":{"token":"t","value":{"kind":"report","percentage":10}}}`)

	select {
	case <-progress:
	case <-time.After(wait):
		t.Fatal("notification held back by a pending request")
	}

	close(release)
	resp := p.next(t)
	assert.Equal(t, "1", resp.ID.String())
	assert.Nil(t, resp.Error)
}

func TestProgressCreateFinishesBeforeProgress(t *testing.T) {
	c, p, _ := setup(t, conn.RoleClient)
	got := make(chan string, 2)
	c.Router().HandleRequest("window/workDoneProgress/create", func(ctx context.Context, params json.RawMessage) (any, error) {
		time.Sleep(20 * time.Millisecond)
		got <- "create"
		return nil, nil
	})
	c.Router().HandleNotification("$/progress", func(ctx context.Context, params json.RawMessage) error {
		got <- "progress"
		return nil
	})

	p.send(t, `{"jsonrpc":"2.0","id":2,"method":"window/workDoneProgress/create","params":{"token":"t"}}`)
	p.send(t, `{"jsonrpc":"2.0","method":"$/progress","params":{"token":"t","value":{"kind":"begin","title":"Analyzing"}}}`)

	for _, want := range []string{"create", "progress"} {
		select {
		case m := <-got:
			assert.Equal(t, want, m)
		case <-time.After(wait):
			t.Fatal("handler not dispatched")
		}
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	c, p, done := setup(t, conn.RoleClient)

	call, err := c.Go(context.Background(), "shutdown", nil)
	require.NoError(t, err)
	p.next(t)

	require.NoError(t, c.Close())
	_, err = call.Wait(context.Background())
	assert.ErrorIs(t, err, conn.ErrConnectionClosed)
	assert.NoError(t, <-done)

	_, err = c.Go(context.Background(), "shutdown", nil)
	assert.ErrorIs(t, err, conn.ErrConnectionClosed)
	assert.ErrorIs(t, c.Notify("exit", nil), conn.ErrConnectionClosed)
}

func TestPeerCloseEndsRun(t *testing.T) {
	a, b := net.Pipe()
	c := conn.New(a, conn.NewRouter(conn.RoleClient), conn.Options{})
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	p := newPeer(b)
	call, err := c.Go(context.Background(), "shutdown", nil)
	require.NoError(t, err)
	p.next(t)
	b.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, conn.ErrConnectionClosed)
		assert.ErrorIs(t, c.Err(), conn.ErrConnectionClosed)
	case <-time.After(wait):
		t.Fatal("Run did not return")
	}
	_, err = call.Wait(context.Background())
	assert.ErrorIs(t, err, conn.ErrConnectionClosed)
}

func TestContextEndsRun(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := conn.New(a, conn.NewRouter(conn.RoleServer), conn.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("Run did not return")
	}
	<-c.Done()
}

func TestCallCancellationIsAdvisory(t *testing.T) {
	c, p, _ := setup(t, conn.RoleClient)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- c.Call(ctx, "understand/ai/chatSend", transport.ChatSendParams{ChatID: "c", Text: "hi"}, nil)
	}()

	req := p.next(t)
	assert.ErrorIs(t, <-errc, context.DeadlineExceeded)

	cancelMsg := p.next(t)
	assert.Equal(t, "$/cancelRequest", cancelMsg.Method)
	var params transport.CancelParams
	require.NoError(t, json.Unmarshal(cancelMsg.Params, &params))
	assert.Equal(t, req.ID.String(), params.ID.String())

	// The late response still settles the call
	assert.Equal(t, 1, c.Pending())
	p.send(t, `{"jsonrpc":"2.0","id":`+req.ID.String()+`,"error":{"code":-32800,"message":"cancelled"}}`)
	assert.Eventually(t, func() bool { return c.Pending() == 0 }, wait, 5*time.Millisecond)
}

func TestPeerCancelCancelsHandlerContext(t *testing.T) {
	c, p, _ := setup(t, conn.RoleServer)
	started := make(chan struct{})
	c.Router().HandleRequest("understand/ai/chatSend", func(ctx context.Context, params json.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	p.send(t, `{"jsonrpc":"2.0","id":7,"method":"understand/ai/chatSend","params":{"chatId":"c","text":"long"}}`)
	<-started
	p.send(t, `{"jsonrpc":"2.0","method":"$/cancelRequest","params":{"id":7}}`)

	resp := p.next(t)
	assert.Equal(t, "7", resp.ID.String())
	require.NotNil(t, resp.Error)
	assert.Equal(t, transport.RequestCancelled, resp.Error.Code)
}

func TestInvalidMessageWithIDIsRejected(t *testing.T) {
	_, p, _ := setup(t, conn.RoleServer)
	p.send(t, `{"jsonrpc":"2.0","id":9}`)
	resp := p.next(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, transport.InvalidRequest, resp.Error.Code)
}

func TestRouterRejectsWrongSet(t *testing.T) {
	client := conn.NewRouter(conn.RoleClient)
	server := conn.NewRouter(conn.RoleServer)
	noop := func(ctx context.Context, params json.RawMessage) (any, error) { return nil, nil }
	noopNotif := func(ctx context.Context, params json.RawMessage) error { return nil }

	assert.Panics(t, func() { client.HandleRequest("initialize", noop) })
	assert.Panics(t, func() { client.HandleRequest("$/progress", noop) })
	assert.Panics(t, func() { client.HandleNotification("window/workDoneProgress/create", noopNotif) })
	assert.Panics(t, func() { server.HandleNotification("$/progress", noopNotif) })
	assert.Panics(t, func() { server.HandleRequest("made/up", noop) })

	assert.NotPanics(t, func() { client.HandleRequest("window/workDoneProgress/create", noop) })
	assert.NotPanics(t, func() { client.HandleNotification("$/progress", noopNotif) })
	assert.NotPanics(t, func() { server.HandleRequest("initialize", noop) })
	assert.NotPanics(t, func() { server.HandleNotification("initialized", noopNotif) })

	clone := client.Clone()
	assert.Equal(t, conn.RoleClient, clone.Role())
}
