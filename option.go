package msgrpc

import (
	"time"
)

// ErrorAction defines the action to take when an I/O error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	handler  Handler
	fallback FallbackFunc
	logger   Logger

	// onError is called for read/write errors that are neither a closed
	// stream nor a decode/protocol error. Those are always fatal.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError func(error) ErrorAction

	bufferSize     int           // size of buffered send channel, in messages
	readChunkSize  int           // maximum bytes requested per read
	maxMessageSize int           // maximum size of a single message, 0 = unlimited
	heartbeat      time.Duration // read/write deadline is heartbeat * 2, 0 disables deadlines
	silentErrors   bool          // Run returns nil when the stream closes
}

// Option is a function that configures connection options.
type Option func(*options)

// HandlerOption returns an Option that sets the message handler.
// The handler is required and must be provided before creating a connection.
func HandlerOption(h Handler) Option {
	return func(o *options) {
		o.handler = h
	}
}

// PackFallbackOption returns an Option that sets the serializer used for
// values msgp cannot encode on its own.
func PackFallbackOption(fn FallbackFunc) Option {
	return func(o *options) {
		o.fallback = fn
	}
}

// BufferSizeOption returns an Option that sets the size of the send channel buffer.
// A larger buffer allows more messages to be queued before Write reports ErrBufferFull.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// ReadChunkSizeOption returns an Option that sets how many bytes the read loop
// asks for per read. It only affects throughput.
func ReadChunkSizeOption(size int) Option {
	return func(o *options) {
		o.readChunkSize = size
	}
}

// MessageMaxSize returns an Option that caps the size of a single message.
// A peer that sends a larger message is disconnected before it is dispatched,
// whether it arrives in one read or many.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// HeartbeatOption returns an Option that sets the heartbeat interval.
// This determines the read/write deadline timeout (heartbeat * 2).
// Zero, the default, disables deadlines.
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback is invoked when a non-fatal read/write error occurs, such as a
// deadline timeout. Return Disconnect to close the connection, or Continue
// to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// SilentErrorsOption returns an Option that makes Run return nil instead of
// ErrConnectionClosed when the peer hangs up. Server connections use it.
func SilentErrorsOption(silent bool) Option {
	return func(o *options) {
		o.silentErrors = silent
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func applyOptions(opt []Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	return opts
}
