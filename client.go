package msgrpc

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// State is the connection state of a Client.
type State int

const (
	// StateDisconnected means no live connection and no attempt in flight.
	// A client returns here after reporting a connect failure.
	StateDisconnected State = iota
	// StateConnecting means an attempt is in flight; sends are queued.
	StateConnecting
	// StateConnected means sends go straight to the live connection.
	StateConnected
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Backoff yields the wait between consecutive failed connect attempts.
type Backoff interface {
	Next() time.Duration
	Reset()
}

type exponentialBackoff struct {
	base time.Duration
	max  time.Duration
	cur  time.Duration
}

func (b *exponentialBackoff) Next() time.Duration {
	if b.base <= 0 {
		return 0
	}
	if b.cur == 0 {
		b.cur = b.base
		return b.cur
	}
	b.cur *= 2
	if b.max > 0 && b.cur > b.max {
		b.cur = b.max
	}
	return b.cur
}

func (b *exponentialBackoff) Reset() {
	b.cur = 0
}

// ExponentialBackoff returns a Backoff factory doubling from base up to max.
func ExponentialBackoff(base, max time.Duration) func() Backoff {
	return func() Backoff {
		return &exponentialBackoff{base: base, max: max}
	}
}

// DialFunc opens the stream for one connect attempt.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

const defaultReconnectLimit = 3

type clientOptions struct {
	reconnectLimit int
	dial           DialFunc
	backoff        func() Backoff
	connOpts       []Option
	logger         Logger
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// ReconnectLimitOption sets how many consecutive connect attempts may fail
// before the client gives up and calls Session.OnConnectFailed. Default 3.
func ReconnectLimitOption(n int) ClientOption {
	return func(o *clientOptions) {
		o.reconnectLimit = n
	}
}

// DialerOption replaces the default TCP dialer.
func DialerOption(dial DialFunc) ClientOption {
	return func(o *clientOptions) {
		o.dial = dial
	}
}

// BackoffOption sets the wait between failed attempts. Without it the
// client retries immediately.
func BackoffOption(factory func() Backoff) ClientOption {
	return func(o *clientOptions) {
		o.backoff = factory
	}
}

// ClientConnOption passes options to every connection the client opens.
// HandlerOption and SilentErrorsOption are always overridden.
func ClientConnOption(opts ...Option) ClientOption {
	return func(o *clientOptions) {
		o.connOpts = append(o.connOpts, opts...)
	}
}

// ClientLoggerOption sets the logger for the client and its connections.
func ClientLoggerOption(logger Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

type pendingMessage struct {
	msg  Message
	data []byte
}

// Client is the connecting side of the transport.
//
// Messages sent while no connection is live are queued and flushed in
// submission order as soon as one is established, before any later message.
// A failed attempt is retried until ReconnectLimitOption attempts in a row
// have failed; the queue is then discarded and the Session notified once.
// A live connection that drops triggers a fresh round of attempts.
type Client struct {
	addr    string
	session Session
	opts    clientOptions
	packer  *Packer
	logger  Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	conn     *Conn
	pending  []pendingMessage
	attempts int
	backoff  Backoff
}

// NewClient creates a client for addr. No connection is made until the
// first SendMessage or Connect.
func NewClient(addr string, session Session, opt ...ClientOption) (*Client, error) {
	if session == nil {
		return nil, ErrInvalidSession
	}

	var opts clientOptions
	for _, o := range opt {
		o(&opts)
	}
	if opts.reconnectLimit <= 0 {
		opts.reconnectLimit = defaultReconnectLimit
	}
	if opts.dial == nil {
		var d net.Dialer
		opts.dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		addr:    addr,
		session: session,
		opts:    opts,
		packer:  NewPacker(applyOptions(opts.connOpts).fallback),
		logger:  opts.logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	if opts.backoff != nil {
		c.backoff = opts.backoff()
	}
	return c, nil
}

// SendMessage packs msg and sends it on the live connection, or queues it
// until one is established. An encoding error is returned immediately and
// nothing is queued.
//
// Returns:
//   - nil: the message was handed to a connection or queued
//   - ErrClientClosed: Close has been called
//   - packing error, or the context's error if ctx ends while waiting for
//     room in the connection's send buffer
func (c *Client) SendMessage(ctx context.Context, msg Message) error {
	data, err := c.packer.Pack(msg)
	if err != nil {
		return err
	}

	var dead *Conn
	for {
		c.mu.Lock()
		if dead != nil && c.conn == dead {
			c.conn = nil
			c.logger.Info("connection lost, reconnecting", "addr", c.addr)
			c.startConnectLocked()
		}

		switch c.state {
		case StateClosed:
			c.mu.Unlock()
			return ErrClientClosed
		case StateConnected:
			conn := c.conn
			c.mu.Unlock()
			err := conn.writeRaw(ctx, data)
			if err == nil || !errors.Is(err, ErrConnectionClosed) {
				return err
			}
			dead = conn
			continue
		}

		c.pending = append(c.pending, pendingMessage{msg: msg, data: data})
		if c.state == StateDisconnected {
			c.startConnectLocked()
		}
		c.mu.Unlock()
		return nil
	}
}

// Connect starts connecting without waiting for a message to send.
// It is a no-op if the client is already connecting or connected.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return ErrClientClosed
	case StateDisconnected:
		c.startConnectLocked()
	}
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of queued messages.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Addr returns the address the client connects to.
func (c *Client) Addr() string {
	return c.addr
}

// Close closes the live connection, discards queued messages and stops
// reconnecting for good. Safe to call multiple times, including from
// Session callbacks.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	c.pending = nil
	c.attempts = 0
	c.mu.Unlock()

	c.cancel()
	c.logger.Info("client closed", "addr", c.addr)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) startConnectLocked() {
	c.state = StateConnecting
	c.attempts = 0
	if c.backoff != nil {
		c.backoff.Reset()
	}
	go c.connectLoop()
}

// connectLoop makes attempts until one succeeds, the limit is reached or
// the client is closed.
func (c *Client) connectLoop() {
	for {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		c.logger.Debug("connecting", "addr", c.addr, "attempt", attempt)
		err := c.connectOnce()
		if err == nil {
			return
		}

		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return
		}
		if attempt >= c.opts.reconnectLimit {
			dropped := c.pending
			c.pending = nil
			c.attempts = 0
			c.state = StateDisconnected
			c.mu.Unlock()
			c.fail(attempt, err, dropped)
			return
		}
		var wait time.Duration
		if c.backoff != nil {
			wait = c.backoff.Next()
		}
		c.mu.Unlock()

		c.logger.Debug("connect attempt failed", "addr", c.addr, "attempt", attempt, "retry_in", wait, "error", err)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-c.ctx.Done():
				timer.Stop()
				return
			}
		}
	}
}

// connectOnce dials, starts the connection and flushes the pending queue.
func (c *Client) connectOnce() error {
	raw, err := c.opts.dial(c.ctx, c.addr)
	if err != nil {
		return errors.Wrap(err, "dial")
	}

	conn, err := NewConn(raw, c.connOptions()...)
	if err != nil {
		_ = raw.Close()
		return err
	}

	go func() {
		err := conn.Run(c.ctx)
		c.onConnClosed(conn, err)
	}()

	return c.flush(conn)
}

func (c *Client) connOptions() []Option {
	opts := make([]Option, 0, len(c.opts.connOpts)+3)
	opts = append(opts, LoggerOption(c.logger))
	opts = append(opts, c.opts.connOpts...)
	return append(opts, HandlerOption(c.session), SilentErrorsOption(false))
}

// flush drains the pending queue into conn. The client only becomes
// connected once the queue is empty, so anything sent meanwhile is queued
// behind what is being flushed.
func (c *Client) flush(conn *Conn) error {
	for {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			_ = conn.Close()
			return ErrClientClosed
		}
		if conn.IsClosed() {
			c.mu.Unlock()
			return errors.Wrap(ErrConnectionClosed, "closed before becoming usable")
		}
		if len(c.pending) == 0 {
			c.state = StateConnected
			c.conn = conn
			c.attempts = 0
			if c.backoff != nil {
				c.backoff.Reset()
			}
			c.mu.Unlock()
			c.logger.Info("connected", "addr", c.addr, "conn_id", conn.ID())
			return nil
		}
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()

		for i, p := range batch {
			if err := conn.writeRaw(c.ctx, p.data); err != nil {
				c.mu.Lock()
				if c.state != StateClosed {
					c.pending = append(batch[i:len(batch):len(batch)], c.pending...)
				}
				c.mu.Unlock()
				_ = conn.Close()
				return errors.Wrap(err, "flush pending")
			}
		}
	}
}

// onConnClosed reacts to a live connection going away.
func (c *Client) onConnClosed(conn *Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed || c.conn != conn {
		return
	}
	c.conn = nil
	c.logger.Info("connection lost, reconnecting", "addr", c.addr, "error", err)
	c.startConnectLocked()
}

func (c *Client) fail(attempts int, err error, dropped []pendingMessage) {
	msgs := make([]Message, len(dropped))
	for i, p := range dropped {
		msgs[i] = p.msg
	}
	c.logger.Warn("connect failed", "addr", c.addr, "attempts", attempts, "dropped", len(msgs), "error", err)
	c.session.OnConnectFailed(&ConnectFailedError{
		Addr:     c.addr,
		Attempts: attempts,
		Err:      err,
		Dropped:  msgs,
	})
}
