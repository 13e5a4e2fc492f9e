package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultMaxFrameSize caps both the declared Content-Length of a frame and the
// bytes buffered while waiting for a header.
const DefaultMaxFrameSize = 32768

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrMalformedJSON = errors.New("malformed json payload")
	ErrInvalidHeader = errors.New("invalid header")
)

var headerEnd = []byte{'\r', '\n', '\r', '\n'}

const contentLengthHeader = "content-length:"

// Decoder extracts Content-Length delimited JSON payloads from a byte stream.
// Chunks may hold partial headers, partial bodies or several frames. It is not
// safe for concurrent use.
type Decoder struct {
	max int

	header []byte // bytes received while no header is known
	length int    // declared length of the current frame, -1 while reading a header
	body   []byte
	skip   int // body bytes of a rejected frame still to discard
}

func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{max: maxFrameSize, length: -1}
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.header) + len(d.body)
}

// Reset drops any partially received frame.
func (d *Decoder) Reset() {
	d.header = nil
	d.body = nil
	d.length = -1
	d.skip = 0
}

// Feed consumes one chunk and returns every frame it completed, in order.
// The returned error joins the non-fatal problems met on the way (oversized
// or malformed frames); frames decoded alongside it are still valid.
func (d *Decoder) Feed(chunk []byte) ([]json.RawMessage, error) {
	var msgs []json.RawMessage
	var errs []error

	for len(chunk) > 0 {
		// Body of a rejected frame: count it, never keep it
		if d.skip > 0 {
			n := min(d.skip, len(chunk))
			d.skip -= n
			chunk = chunk[n:]
			continue
		}

		if d.length < 0 {
			// The header buffer never grows past max
			prev := len(d.header)
			n := min(len(chunk), d.max-prev)
			d.header = append(d.header, chunk[:n]...)

			idx := bytes.Index(d.header, headerEnd)
			if idx < 0 {
				chunk = chunk[n:]
				if len(d.header) >= d.max {
					if err := d.overflow(); err != nil {
						errs = append(errs, err)
					}
				}
				continue
			}

			chunk = chunk[idx+len(headerEnd)-prev:]
			length, err := parseHeader(d.header[:idx])
			d.header = nil
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if length > d.max {
				errs = append(errs, fmt.Errorf("%w: declared %d, max %d", ErrFrameTooLarge, length, d.max))
				d.skip = length
				continue
			}
			d.length = length
			d.body = make([]byte, 0, length)
			continue
		}

		n := min(d.length-len(d.body), len(chunk))
		d.body = append(d.body, chunk[:n]...)
		chunk = chunk[n:]
		if len(d.body) < d.length {
			break
		}

		body := d.body
		d.body = nil
		d.length = -1
		if !json.Valid(body) {
			errs = append(errs, fmt.Errorf("%w: %q", ErrMalformedJSON, truncate(body, 64)))
			continue
		}
		msgs = append(msgs, json.RawMessage(body))
	}

	return msgs, errors.Join(errs...)
}

// overflow handles a full header buffer with no header end in it. Bytes
// before the last Content-Length token are garbage and dropped. Without a
// token the buffer is discarded, keeping only a tail that may start one.
func (d *Decoder) overflow() error {
	i := lastIndexFold(d.header, contentLengthHeader)
	if i > 0 {
		d.header = append(d.header[:0], d.header[i:]...)
		return nil
	}
	err := fmt.Errorf("%w: %d bytes without a header", ErrFrameTooLarge, len(d.header))
	if i == 0 {
		d.header = nil
		return err
	}
	keep := min(len(contentLengthHeader)-1, d.max/2)
	d.header = append([]byte(nil), d.header[len(d.header)-keep:]...)
	return err
}

// lastIndexFold returns the index of the last case-insensitive occurrence of
// token in b, or -1.
func lastIndexFold(b []byte, token string) int {
	for i := len(b) - len(token); i >= 0; i-- {
		if bytes.EqualFold(b[i:i+len(token)], []byte(token)) {
			return i
		}
	}
	return -1
}

// parseHeader reads the Content-Length out of a header block. Anything before
// the last Content-Length token is garbage from a lost frame and is skipped.
// Other headers (Content-Type) are ignored.
func parseHeader(block []byte) (int, error) {
	i := lastIndexFold(block, contentLengthHeader)
	if i < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHeader, truncate(block, 64))
	}
	for _, line := range strings.Split(string(block[i:]), "\r\n") {
		if len(line) < len(contentLengthHeader) || !strings.EqualFold(line[:len(contentLengthHeader)], contentLengthHeader) {
			continue
		}
		value := strings.TrimSpace(line[len(contentLengthHeader):])
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: Content-Length %q", ErrInvalidHeader, value)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidHeader, truncate(block, 64))
}

// Encode frames a JSON payload with its Content-Length header.
func Encode(msg []byte) []byte {
	header := "Content-Length: " + strconv.Itoa(len(msg)) + "\r\n\r\n"
	out := make([]byte, 0, len(header)+len(msg))
	out = append(out, header...)
	return append(out, msg...)
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
