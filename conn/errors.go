package conn

import "errors"

var (
	// ErrConnectionClosed fails every call still pending when the transport goes away.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidResponse indicates a result could not be decoded into the caller's value.
	ErrInvalidResponse = errors.New("invalid response")
)
