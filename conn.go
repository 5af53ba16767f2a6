// Package msgrpc implements a bidirectional msgpack-rpc transport over TCP.
// It provides the wire codec, a connection type that drives the read loop
// and dispatches requests, responses and notifications to a Handler, a
// reconnecting client with a pending-message queue, and a listener that
// wraps every accepted connection.
package msgrpc

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"
)

// Conn is one msgpack-rpc connection: a duplex stream, one packer and one
// unpacker. Reads happen on a single goroutine owned by Run; writes are
// queued on a buffered channel and drained by a second goroutine, so the
// wire order is the order in which writes were accepted.
type Conn struct {
	id       string
	rawConn  net.Conn
	packer   *Packer
	unpacker *Unpacker
	logger   Logger

	opts options

	sendMsg   chan []byte
	room      chan struct{} // signalled by the write loop after each dequeue
	sendMu    sync.RWMutex  // held exclusively while closed flips to true
	closed    atomic.Bool
	running   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Default configuration values.
const (
	// defaultBufferSize is the default size of the send channel buffer.
	defaultBufferSize = 64
	// defaultReadChunkSize is the default number of bytes requested per read (64KB).
	defaultReadChunkSize = 64 * 1024
)

// NewConn creates a new connection wrapper around the given stream.
// It applies the provided options and validates them before returning.
// Returns ErrInvalidHandler if no handler is configured.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	opts := applyOptions(opt)

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return newConnWithOptions(conn, opts), nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.handler == nil {
		return ErrInvalidHandler
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.readChunkSize <= 0 {
		opts.readChunkSize = defaultReadChunkSize
	}

	if opts.heartbeat < 0 {
		opts.heartbeat = 0
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

func newConnWithOptions(c net.Conn, opts options) *Conn {
	id := xid.New().String()
	return &Conn{
		id:       id,
		rawConn:  c,
		packer:   NewPacker(opts.fallback),
		unpacker: NewUnpacker(opts.maxMessageSize),
		logger:   withAttrs(opts.logger, "conn_id", id, "addr", c.RemoteAddr()),
		opts:     opts,
		sendMsg:  make(chan []byte, opts.bufferSize),
		room:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Run starts the connection's read and write loops and blocks until the
// stream closes, a fatal error occurs or the context is canceled.
// The connection is closed when Run returns.
//
// Returns:
//   - nil: the stream closed and SilentErrorsOption(true) is set
//   - an error matching ErrConnectionClosed: the peer hung up
//   - context.Canceled: ctx was canceled or Close was called
//   - *DecodeError, ErrProtocol, ErrMessageTooLarge: the peer sent bad data
//   - any other I/O error the OnErrorOption callback chose not to suppress
func (c *Conn) Run(ctx context.Context) error {
	if c.running.Swap(true) {
		return errors.New("connection already running")
	}

	c.logger.Info("connection established")
	c.logger.Debug("connection options",
		"buffer_size", c.opts.bufferSize,
		"read_chunk_size", c.opts.readChunkSize,
		"max_message_size", c.opts.maxMessageSize,
		"heartbeat", c.opts.heartbeat,
		"silent_errors", c.opts.silentErrors)

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	if c.closed.Load() {
		cancel()
	}

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	// Unblocks the pending Read once either loop has stopped.
	group.Go(func() error {
		<-child.Done()
		c.closeConn()
		return nil
	})

	err := group.Wait()
	cancel()
	c.closeConn()

	switch {
	case err == nil || errors.Is(err, context.Canceled):
		c.logger.Info("connection closed")
		if c.opts.silentErrors {
			return nil
		}
		return err
	case isStreamClosed(err):
		c.logger.Info("connection closed by peer")
		if c.opts.silentErrors {
			return nil
		}
		return err
	default:
		c.logger.Info("connection closed with error", "error", err)
		return err
	}
}

// Close gracefully closes the connection.
// It cancels Run's context and closes the underlying stream.
// Safe to call multiple times.
func (c *Conn) Close() error {
	if c.markClosed() {
		return nil // already closed
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.closeOnce.Do(func() { close(c.done) })
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Done returns a channel that is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// ID returns the connection's unique id, as used in log records.
func (c *Conn) ID() string {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// Write packs a message and queues it without blocking (fire-and-forget).
//
// Returns:
//   - nil: message was successfully queued (not yet sent)
//   - ErrBufferFull: send buffer is full, message was NOT queued
//   - ErrConnectionClosed: connection is closed
//   - packing error: if the message cannot be encoded
func (c *Conn) Write(msg Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	data, err := c.packer.Pack(msg)
	if err != nil {
		return err
	}

	queued, err := c.tryEnqueue(data)
	if err != nil {
		return err
	}
	if !queued {
		return ErrBufferFull
	}
	return nil
}

// WriteBlocking packs a message and queues it, blocking until there is room
// in the send buffer, the context is canceled or the connection closes.
// This is the method Sessions should use to send responses.
//
// Returns:
//   - nil: message was successfully queued
//   - context.Canceled or context.DeadlineExceeded: context was canceled
//   - ErrConnectionClosed: connection is closed
//   - packing error: if the message cannot be encoded
func (c *Conn) WriteBlocking(ctx context.Context, msg Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	data, err := c.packer.Pack(msg)
	if err != nil {
		return err
	}
	return c.writeRaw(ctx, data)
}

// WriteTimeout is WriteBlocking with a timeout instead of a context.
// It returns ErrBufferFull if the timeout expires first.
func (c *Conn) WriteTimeout(msg Message, timeout time.Duration) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	data, err := c.packer.Pack(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err = c.writeRaw(ctx, data)
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrBufferFull
	}
	return err
}

// writeRaw queues already packed bytes, waiting for room in the buffer.
func (c *Conn) writeRaw(ctx context.Context, data []byte) error {
	for {
		queued, err := c.tryEnqueue(data)
		if err != nil || queued {
			return err
		}

		select {
		case <-c.room:
		case <-c.done:
			return ErrConnectionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tryEnqueue queues data if the connection still accepts writes and the
// buffer has room. Once the write loop has stopped nothing is accepted.
func (c *Conn) tryEnqueue(data []byte) (bool, error) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if c.closed.Load() {
		return false, ErrConnectionClosed
	}
	select {
	case c.sendMsg <- data:
		return true, nil
	default:
		return false, nil
	}
}

// markClosed stops the connection accepting writes and reports whether it
// already had.
func (c *Conn) markClosed() bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.closed.Swap(true)
}

// readLoop reads chunks from the stream, feeds them to the unpacker and
// dispatches every complete message before reading again.
func (c *Conn) readLoop(ctx context.Context) error {
	buf := make([]byte, c.opts.readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.opts.heartbeat > 0 {
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.heartbeat * 2))
		}

		n, err := c.rawConn.Read(buf)
		if n > 0 {
			c.unpacker.Feed(buf[:n])
			if derr := c.dispatchBuffered(); derr != nil {
				c.logger.Warn("invalid data from peer", "error", derr)
				return derr
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isStreamClosed(err) {
				return errors.Wrapf(ErrConnectionClosed, "read: %v", err)
			}
			c.logger.Debug("read error", "error", err)
			if c.opts.onError(err) == Disconnect {
				return err
			}
		}
	}
}

// dispatchBuffered hands every complete buffered message to the handler,
// in stream order.
func (c *Conn) dispatchBuffered() error {
	for {
		msg, ok, err := c.unpacker.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg Message) {
	switch m := msg.(type) {
	case *Request:
		c.opts.handler.OnRequest(c, m)
	case *Response:
		c.opts.handler.OnResponse(c, m)
	case *Notify:
		c.opts.handler.OnNotify(c, m)
	}
}

// writeLoop continuously sends packed messages from the send channel.
// Returns when the context is canceled or an unrecoverable error occurs.
func (c *Conn) writeLoop(ctx context.Context) error {
	defer c.markClosed()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			select {
			case c.room <- struct{}{}:
			default:
			}
			if err := c.write(data); err != nil {
				return err
			}
		}
	}
}

// write sends data to the stream, with a deadline when a heartbeat is set.
// If an error occurs and onError returns Disconnect, the error is propagated.
// Otherwise, the message is dropped and writing continues.
func (c *Conn) write(data []byte) error {
	if c.opts.heartbeat > 0 {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.heartbeat * 2))
	}

	_, err := c.rawConn.Write(data)
	if err == nil {
		return nil
	}

	if isStreamClosed(err) {
		return errors.Wrapf(ErrConnectionClosed, "write: %v", err)
	}
	c.logger.Debug("write error", "error", err)
	if c.opts.onError(err) == Disconnect {
		return err
	}
	return nil
}

// closeConn marks the connection as closed and closes the underlying stream.
func (c *Conn) closeConn() {
	c.markClosed()
	c.closeOnce.Do(func() { close(c.done) })
	_ = c.rawConn.Close()
}
