package conn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

// Call is an outgoing request awaiting its response. It settles exactly once:
// with the peer's response, or with ErrConnectionClosed when the connection
// is torn down first.
type Call struct {
	id     transport.ID
	method string
	conn   *Conn

	started time.Time
	span    trace.Span

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newCall(c *Conn, id transport.ID, method string, span trace.Span) *Call {
	return &Call{
		id:      id,
		method:  method,
		conn:    c,
		started: time.Now(),
		span:    span,
		done:    make(chan struct{}),
	}
}

func (c *Call) ID() transport.ID { return c.id }

func (c *Call) Method() string { return c.method }

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call settles or ctx ends. Giving up on ctx leaves the
// call pending; it still settles when the response arrives.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel asks the peer to abandon the request. The peer may still answer.
func (c *Call) Cancel() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	return c.conn.Notify(string(transport.MethodCancelRequest), transport.CancelParams{ID: c.id})
}

func (c *Call) settle(result json.RawMessage, err error) {
	c.once.Do(func() {
		c.result = result
		c.err = err

		ctx := context.Background()
		recordRequest(ctx, c.method, time.Since(c.started), err == nil)
		recordPending(ctx, -1)
		if c.span != nil {
			if err != nil {
				c.span.RecordError(err)
				c.span.SetStatus(codes.Error, err.Error())
			}
			c.span.SetAttributes(attribute.Bool("rpc.closed", errors.Is(err, ErrConnectionClosed)))
			c.span.End()
		}
		close(c.done)
	})
}
