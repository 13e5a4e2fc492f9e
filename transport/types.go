package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const JSONRPCVersion = "2.0"

// ID is a JSON-RPC request id. Numbers and strings are kept verbatim so a
// response echoes exactly what the request carried.
type ID struct {
	raw string
}

func IntID(n int64) ID { return ID{raw: strconv.FormatInt(n, 10)} }

func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: string(b)}
}

func (id ID) IsZero() bool { return id.raw == "" }

// String returns the JSON text of the id, usable as a map key.
func (id ID) String() string { return id.raw }

func (id ID) MarshalJSON() ([]byte, error) {
	if id.raw == "" {
		return []byte("null"), nil
	}
	return []byte(id.raw), nil
}

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return errors.New("empty id")
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	case 'n':
		id.raw = ""
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid id %s", b)
		}
	}
	id.raw = string(b)
	return nil
}

type Message struct {
	Jsonrpc string `json:"jsonrpc"`
}

type MessageKind int

const (
	KindInvalid MessageKind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	}
	return "invalid"
}

// RPCMessage is the decoding union of every JSON-RPC message shape.
type RPCMessage struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

func (m *RPCMessage) Kind() MessageKind {
	hasID := m.ID != nil && !m.ID.IsZero()
	switch {
	case m.Method != "" && hasID:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case hasID && (m.Result != nil || m.Error != nil):
		return KindResponse
	}
	return KindInvalid
}

type RequestMessage struct {
	Message
	ID     ID              `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type ResponseMessage struct {
	Message
	ID     ID              `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

type NotificationMessage struct {
	Message
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Is matches another *ResponseError with the same code.
func (e *ResponseError) Is(target error) bool {
	var t *ResponseError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func NewError(code int, format string, args ...any) *ResponseError {
	return &ResponseError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode returns the JSON-RPC code carried by err, or InternalError.
func ErrorCode(err error) int {
	var re *ResponseError
	if errors.As(err, &re) {
		return re.Code
	}
	return InternalError
}

const (
	ParseError                     int = -32700
	InvalidRequest                 int = -32600
	MethodNotFound                 int = -32601
	InvalidParams                  int = -32602
	InternalError                  int = -32603
	JSONRPCReservedErrorRangeStart int = -32099
	ServerErrorStart               int = JSONRPCReservedErrorRangeStart
	ServerNotInitialized           int = -32002
	UnknownErrorCode               int = -32001
	JSONRPCReservedErrorRangeEnd   int = -32000
	ServerErrorEnd                 int = JSONRPCReservedErrorRangeEnd
	LSPReservedErrorRangeStart     int = -32899
	RequestFailed                  int = -32803
	ServerCancelled                int = -32802
	ContentModified                int = -32801
	RequestCancelled               int = -32800
	LSPReservedErrorRangeEnd       int = -32800
)
