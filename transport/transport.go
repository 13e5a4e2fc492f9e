package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/stinb/UnderstandForVSCode-sub000/logging"
)

type TransportMethod int

const (
	Stdin TransportMethod = iota
	Socket
)

func (m TransportMethod) String() string {
	if m == Socket {
		return "socket"
	}
	return "stdio"
}

func ParseMethod(s string) (TransportMethod, error) {
	switch s {
	case "stdio", "stdin":
		return Stdin, nil
	case "socket", "tcp":
		return Socket, nil
	}
	return Stdin, fmt.Errorf("unknown transport %q", s)
}

// DefaultAddress is the loopback port the reference server listens on.
const DefaultAddress = "127.0.0.1:5007"

const readSize = 4096

// Transport reads and writes Content-Length framed JSON-RPC messages over any
// duplex byte stream: a socket, a pipe pair or the process's stdio.
type Transport struct {
	rwc io.ReadWriteCloser
	dec *Decoder

	// OnDecodeError is told about frames the decoder had to drop.
	OnDecodeError func(error)

	queue []json.RawMessage
	buf   []byte

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func New(rwc io.ReadWriteCloser, maxFrameSize int) *Transport {
	return &Transport{
		rwc: rwc,
		dec: NewDecoder(maxFrameSize),
		buf: make([]byte, readSize),
	}
}

// Dial connects to a server listening on a TCP address.
func Dial(ctx context.Context, addr string, maxFrameSize int) (*Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return New(conn, maxFrameSize), nil
}

// Command starts a server process and talks to it over its stdin and stdout.
func Command(ctx context.Context, name string, args ...string) (io.ReadWriteCloser, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return &process{pipe: pipe{Reader: stdout, Writer: stdin}, stdin: stdin, cmd: cmd}, nil
}

type pipe struct {
	io.Reader
	io.Writer
}

func (p pipe) Close() error {
	var errs []error
	if c, ok := p.Reader.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := p.Writer.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Pipe joins a reader and a writer into one stream. Close closes both ends
// when they support it.
func Pipe(r io.Reader, w io.Writer) io.ReadWriteCloser {
	return pipe{Reader: r, Writer: w}
}

type process struct {
	pipe
	stdin io.Closer
	cmd   *exec.Cmd
}

func (p *process) Close() error {
	// Closing stdin lets a well behaved server exit on EOF
	p.stdin.Close()
	if err := p.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return err
		}
	}
	return nil
}

// Read returns the next JSON RPC message from the stream. Frames the decoder
// rejects are reported to OnDecodeError and skipped.
func (t *Transport) Read() (json.RawMessage, error) {
	for len(t.queue) == 0 {
		n, err := t.rwc.Read(t.buf)
		if n > 0 {
			msgs, decodeErr := t.dec.Feed(t.buf[:n])
			if decodeErr != nil {
				t.decodeError(decodeErr)
			}
			t.queue = append(t.queue, msgs...)
		}
		if err != nil {
			if len(t.queue) > 0 {
				break
			}
			return nil, err
		}
	}
	msg := t.queue[0]
	t.queue = t.queue[1:]
	return msg, nil
}

func (t *Transport) decodeError(err error) {
	if t.OnDecodeError != nil {
		t.OnDecodeError(err)
		return
	}
	logging.Logger.Warn("Dropped frame", "error", err)
}

// Writes JSON RPC message
func (t *Transport) Write(msg []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.rwc.Write(Encode(msg))
	return err
}

// Writes JSON RPC Notif Message
func (t *Transport) WriteNotif(method string, params json.RawMessage) error {
	msg, err := json.Marshal(
		NotificationMessage{
			Message: Message{Jsonrpc: JSONRPCVersion},
			Method:  method,
			Params:  params,
		})
	if err != nil {
		return err
	}
	return t.Write(msg)
}

// Writes JSON RPC Request Message
func (t *Transport) WriteRequest(id ID, method string, params json.RawMessage) error {
	msg, err := json.Marshal(
		RequestMessage{
			Message: Message{Jsonrpc: JSONRPCVersion},
			ID:      id,
			Method:  method,
			Params:  params,
		})
	if err != nil {
		return err
	}
	logging.Logger.Debug("Writing request", "message", string(msg))
	return t.Write(msg)
}

// Writes JSON RPC Response Message. A nil result on success is sent as null.
func (t *Transport) WriteResponse(id ID, result json.RawMessage, responseError *ResponseError) error {
	if responseError == nil && len(result) == 0 {
		result = json.RawMessage("null")
	}
	if responseError != nil {
		result = nil
	}
	msg, err := json.Marshal(
		ResponseMessage{
			Message: Message{Jsonrpc: JSONRPCVersion},
			ID:      id,
			Result:  result,
			Error:   responseError,
		})
	if err != nil {
		return err
	}
	logging.Logger.Debug("Writing response", "message", string(msg))
	return t.Write(msg)
}

// Close closes the underlying stream once; later calls return the first result.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.rwc.Close()
	})
	return t.closeErr
}
