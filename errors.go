package msgrpc

import (
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

// Errors returned by connection and transport operations.
var (
	// ErrInvalidHandler is returned when no handler is provided to a connection.
	ErrInvalidHandler = errors.New("invalid handler")
	// ErrInvalidSession is returned when a client is created without a session.
	ErrInvalidSession = errors.New("invalid session")
	// ErrConnectionClosed is returned when operating on a closed connection,
	// and wraps every peer hangup observed by a read loop.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrProtocol is returned when a well-formed MessagePack value is not a
	// valid RPC message: wrong arity, unknown type tag or mistyped fields.
	ErrProtocol = errors.New("protocol error")
	// ErrClientClosed is returned by a client after Close has been called.
	ErrClientClosed = errors.New("client closed")
	// ErrRetryLimitExceeded is the cause of every ConnectFailedError.
	ErrRetryLimitExceeded = errors.New("reconnect limit exceeded")
)

// ErrBufferFull is returned when the send buffer is full and cannot accept more messages.
// This error indicates backpressure - the peer is not consuming messages fast enough.
// Recommended handling strategies:
//   - Use WriteBlocking or WriteTimeout to wait for buffer space
//   - Drop the message if it is a notification that can be lost
var ErrBufferFull = errors.New("send buffer full")

// DecodeError reports bytes that cannot be a MessagePack value at all.
// It is fatal to the connection that produced it.
type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ConnectFailedError is passed to Session.OnConnectFailed once a client has
// used up its reconnect limit. Dropped holds the messages that were waiting
// in the pending queue, in submission order; the client does not retry them.
type ConnectFailedError struct {
	Addr     string
	Attempts int
	Err      error // last dial or flush error
	Dropped  []Message
}

func (e *ConnectFailedError) Error() string {
	return fmt.Sprintf("connect %s failed after %d attempts: %v", e.Addr, e.Attempts, e.Err)
}

// Unwrap reports both the retry limit sentinel and the last attempt's error.
func (e *ConnectFailedError) Unwrap() []error {
	return []error{ErrRetryLimitExceeded, e.Err}
}

// protocolErrorf wraps ErrProtocol with a formatted reason.
func protocolErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrProtocol, format, args...)
}

// isStreamClosed reports whether err means the peer or the local side closed the stream.
func isStreamClosed(err error) bool {
	switch {
	case errors.Is(err, ErrConnectionClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	return false
}
