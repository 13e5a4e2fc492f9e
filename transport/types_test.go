package transport_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

func TestMessageKind(t *testing.T) {
	tests := []struct {
		raw  string
		want transport.MessageKind
	}{
		{`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, transport.KindRequest},
		{`{"jsonrpc":"2.0","id":"x","method":"shutdown"}`, transport.KindRequest},
		{`{"jsonrpc":"2.0","method":"initialized","params":{}}`, transport.KindNotification},
		{`{"jsonrpc":"2.0","id":1,"result":null}`, transport.KindResponse},
		{`{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"nope"}}`, transport.KindResponse},
		{`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse"}}`, transport.KindInvalid},
		{`{"jsonrpc":"2.0","id":3}`, transport.KindInvalid},
	}
	for _, tt := range tests {
		var m transport.RPCMessage
		require.NoError(t, json.Unmarshal([]byte(tt.raw), &m), tt.raw)
		assert.Equal(t, tt.want, m.Kind(), tt.raw)
	}
}

func TestIDVerbatim(t *testing.T) {
	for _, raw := range []string{`1`, `"1"`, `"req-7"`, `12345678901`} {
		var id transport.ID
		require.NoError(t, json.Unmarshal([]byte(raw), &id))
		out, err := json.Marshal(id)
		require.NoError(t, err)
		assert.Equal(t, raw, string(out))
	}
	assert.NotEqual(t, transport.IntID(1).String(), transport.StringID("1").String())

	var id transport.ID
	assert.Error(t, json.Unmarshal([]byte(`{}`), &id))
}

func TestResponseErrorIs(t *testing.T) {
	err := error(transport.NewError(transport.MethodNotFound, "unknown method %s", "foo"))
	assert.ErrorIs(t, err, &transport.ResponseError{Code: transport.MethodNotFound})
	assert.NotErrorIs(t, err, &transport.ResponseError{Code: transport.InternalError})
	assert.Equal(t, transport.MethodNotFound, transport.ErrorCode(err))
	assert.Equal(t, transport.InternalError, transport.ErrorCode(assert.AnError))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, transport.MethodClientRequest, transport.Classify("initialize"))
	assert.Equal(t, transport.MethodClientNotification, transport.Classify("initialized"))
	assert.Equal(t, transport.MethodServerRequest, transport.Classify("window/workDoneProgress/create"))
	assert.Equal(t, transport.MethodServerNotification, transport.Classify("$/progress"))
	assert.Equal(t, transport.MethodServerNotification, transport.Classify("understand/changedDatabaseState"))
	assert.Equal(t, transport.MethodUnknown, transport.Classify("understand/doesNotExist"))
	assert.True(t, transport.MethodClientRequest.IsRequest())
	assert.False(t, transport.MethodServerNotification.IsRequest())

	// Every known method lands in exactly one set
	seen := map[string]bool{}
	for _, kind := range []transport.MethodKind{
		transport.MethodClientRequest, transport.MethodServerRequest,
		transport.MethodClientNotification, transport.MethodServerNotification,
	} {
		for _, m := range transport.Methods(kind) {
			assert.False(t, seen[m], m)
			seen[m] = true
		}
	}
	assert.True(t, seen["understand/syncPosition"])
}
