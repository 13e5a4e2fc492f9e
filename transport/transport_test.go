package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

func TestSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan json.RawMessage, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		tr := transport.New(conn, 0)
		defer tr.Close()
		msg, err := tr.Read()
		if err != nil {
			return
		}
		received <- msg
	}()

	tr, err := transport.Dial(context.Background(), ln.Addr().String(), 0)
	require.NoError(t, err)
	require.NoError(t, tr.WriteRequest(transport.IntID(1), "initialize", json.RawMessage(`{"capabilities":{}}`)))

	msg := <-received
	var req transport.RPCMessage
	require.NoError(t, json.Unmarshal(msg, &req))
	assert.Equal(t, transport.KindRequest, req.Kind())
	assert.Equal(t, "initialize", req.Method)
	assert.Equal(t, "1", req.ID.String())
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}

func TestReadQueuesFramesFromOneRead(t *testing.T) {
	client, server := net.Pipe()
	tr := transport.New(server, 0)

	go func() {
		wire := append(transport.Encode([]byte(`{"n":1}`)), transport.Encode([]byte(`{"n":2}`))...)
		client.Write(wire)
		client.Close()
	}()

	first, err := tr.Read()
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(first))
	second, err := tr.Read()
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(second))
	_, err = tr.Read()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestReadReportsDroppedFrames(t *testing.T) {
	client, server := net.Pipe()
	tr := transport.New(server, 0)
	var dropped []error
	tr.OnDecodeError = func(err error) { dropped = append(dropped, err) }

	go func() {
		client.Write(transport.Encode([]byte(`{nope`)))
		client.Write(transport.Encode([]byte(`{"ok":1}`)))
	}()

	msg, err := tr.Read()
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":1}`, string(msg))
	require.Len(t, dropped, 1)
	assert.ErrorIs(t, dropped[0], transport.ErrMalformedJSON)
}

func TestWriteResponse(t *testing.T) {
	client, server := net.Pipe()
	tr := transport.New(server, 0)
	peer := transport.New(client, 0)

	go tr.WriteResponse(transport.StringID("abc"), nil, nil)
	msg, err := peer.Read()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"abc","result":null}`, string(msg))

	go tr.WriteResponse(transport.IntID(7), json.RawMessage(`{"x":1}`), transport.NewError(transport.MethodNotFound, "no %s", "handler"))
	msg, err = peer.Read()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"no handler"}}`, string(msg))
}
