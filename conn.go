// Package mockwire provides a framed TCP transport for test doubles.
// It lets integration tests stand up real listeners and sockets speaking a
// length-prefixed or delimiter-framed message protocol, so scenarios can act
// as mock servers, mock clients or transparent proxies without a real
// backend.
package mockwire

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrNotConnected is returned when sending on a connection that is not
	// (or no longer) connected.
	ErrNotConnected = errors.New("not connected")
	// ErrBufferFull is returned by TrySend when the send buffer is full.
	// A full buffer is the backpressure signal: the peer is not draining
	// fast enough. Use Send to wait for space instead.
	ErrBufferFull = errors.New("send buffer full")
)

// connSeq generates process-unique connection ids.
var connSeq atomic.Uint64

func nextConnID() string {
	return "conn-" + strconv.FormatUint(connSeq.Add(1), 10)
}

// Conn owns exactly one transport-level socket, plain TCP or TLS, and
// translates between raw bytes and framed message payloads. Incoming bytes
// accumulate in a read buffer until the framing layer extracts complete
// messages; outgoing payloads are framed and queued on a buffered channel
// drained by the write loop.
type Conn struct {
	id      string
	rawConn net.Conn
	logger  Logger

	opts options

	// handlers are settable until the loops start; the listener and the
	// adapter register them between accept/dial and Run.
	handlerMu sync.RWMutex
	onMessage func(payload []byte) error
	onClose   func()
	onError   func(error) ErrorAction

	readBuf []byte
	sendMsg chan []byte

	closed     atomic.Bool
	done       chan struct{}
	cancel     context.CancelFunc
	closeOnce  sync.Once
	closeErr   error
	notifyOnce sync.Once
}

// NewConn wraps an established socket in a Conn. The connection does not
// read or write until Run is called.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	opts := gatherOptions(opt)
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}
	return newConnWithOptions(conn, opts), nil
}

func newConnWithOptions(conn net.Conn, opts options) *Conn {
	c := &Conn{
		id:        nextConnID(),
		rawConn:   conn,
		logger:    opts.logger,
		opts:      opts,
		onMessage: opts.onMessage,
		onClose:   opts.onClose,
		onError:   opts.onError,
		sendMsg:   make(chan []byte, opts.bufferSize),
		done:      make(chan struct{}),
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return c
}

// ID returns the opaque unique identifier of this connection.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the remote address of the connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// IsConnected reports whether the connection is still live.
func (c *Conn) IsConnected() bool {
	return !c.closed.Load()
}

// OnMessage replaces the message handler. Register before Run starts to
// guarantee no message is missed.
func (c *Conn) OnMessage(cb func(payload []byte) error) {
	c.handlerMu.Lock()
	c.onMessage = cb
	c.handlerMu.Unlock()
}

// OnClose replaces the close handler, invoked exactly once when the
// connection terminates for any reason.
func (c *Conn) OnClose(cb func()) {
	c.handlerMu.Lock()
	c.onClose = cb
	c.handlerMu.Unlock()
}

// OnError replaces the transport error handler.
func (c *Conn) OnError(cb func(error) ErrorAction) {
	c.handlerMu.Lock()
	c.onError = cb
	c.handlerMu.Unlock()
}

// Run starts the connection's read and write loops. It blocks until an
// error occurs or the context is canceled; the socket is closed and the
// close handler fired exactly once before Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "id", c.id, "addr", c.RemoteAddr())
	c.logger.Debug("connection options", "id", c.id,
		"length_field", c.opts.framing.LengthFieldLength,
		"delimiter", c.opts.framing.Delimiter,
		"buffer_size", c.opts.bufferSize)
	connectionsOpened.Inc()

	ctx, c.cancel = context.WithCancel(ctx)
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	err := group.Wait()
	c.closeConn()
	connectionsClosed.Inc()

	// EOF and closed-socket errors are the normal end of a connection.
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = nil
	}

	if err != nil {
		c.logger.Info("connection closed with error", "id", c.id, "error", err)
	} else {
		c.logger.Info("connection closed", "id", c.id)
	}

	c.notifyOnce.Do(func() {
		if cb := c.closeHandler(); cb != nil {
			cb()
		}
	})

	return err
}

// start runs the connection loops in the background. Used by the listener
// and the outbound dialer, which hand the running Conn to their callers.
func (c *Conn) start(ctx context.Context) {
	go func() {
		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Debug("connection loop ended", "id", c.id, "error", err)
		}
	}()
}

// Close terminates the connection. Any write in flight is allowed to fail.
// Safe to call multiple times.
func (c *Conn) Close() error {
	c.closeConn()
	return c.closeErr
}

// closeConn marks the connection closed and tears down the socket.
func (c *Conn) closeConn() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		if c.cancel != nil {
			c.cancel()
		}
		c.closeErr = c.rawConn.Close()
	})
}

// Send frames the payload and queues it for writing. In delimiter mode the
// delimiter is appended; in length-prefixed mode the length header is
// prepended. Send blocks while the send buffer is full and returns once the
// transport accepts the data for writing, the context is done, or the
// connection closes.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return ErrNotConnected
	}

	data := c.frame(payload)
	select {
	case c.sendMsg <- data:
		return nil
	case <-c.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend is the non-blocking variant of Send. It returns ErrBufferFull
// when the send buffer cannot accept the payload immediately.
func (c *Conn) TrySend(payload []byte) error {
	if c.closed.Load() {
		return ErrNotConnected
	}

	data := c.frame(payload)
	select {
	case c.sendMsg <- data:
		return nil
	case <-c.done:
		return ErrNotConnected
	default:
		return ErrBufferFull
	}
}

// SendTimeout sends with a bounded wait for buffer space, returning
// ErrBufferFull when the timeout expires first.
func (c *Conn) SendTimeout(payload []byte, timeout time.Duration) error {
	if c.closed.Load() {
		return ErrNotConnected
	}

	data := c.frame(payload)
	select {
	case c.sendMsg <- data:
		return nil
	case <-c.done:
		return ErrNotConnected
	case <-time.After(timeout):
		return ErrBufferFull
	}
}

// frame applies the active framing to an outgoing payload.
func (c *Conn) frame(payload []byte) []byte {
	if c.opts.framing.delimited() {
		data := make([]byte, 0, len(payload)+len(c.opts.framing.Delimiter))
		data = append(data, payload...)
		return append(data, c.opts.framing.Delimiter...)
	}
	return c.opts.framing.FrameMessage(payload)
}

// readLoop reads raw chunks from the socket, reassembles framed messages
// and dispatches them in arrival order. Returns when the context is
// canceled, the peer disconnects, or a fatal error occurs.
func (c *Conn) readLoop(ctx context.Context) error {
	chunk := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if c.opts.idleTimeout > 0 {
				_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout * 2))
			}

			n, err := c.rawConn.Read(chunk)
			if n > 0 {
				if derr := c.dispatch(chunk[:n]); derr != nil {
					return derr
				}
			}
			if err != nil {
				// A clean peer disconnect or local close unwinds both
				// loops without consulting the error handler.
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return err
				}
				c.logger.Debug("read error", "id", c.id, "error", err)
				if c.errorHandler()(err) == Disconnect {
					return err
				}
			}
		}
	}
}

// dispatch appends newly received bytes to the read buffer, extracts every
// complete message and hands each to the message handler. The unconsumed
// remainder stays buffered for the next chunk. Framing errors are fatal
// regardless of the error handler's verdict.
func (c *Conn) dispatch(data []byte) error {
	c.readBuf = append(c.readBuf, data...)
	msgs, rest, err := c.opts.framing.ProcessIncoming(c.readBuf)
	n := copy(c.readBuf, rest)
	c.readBuf = c.readBuf[:n]

	for _, msg := range msgs {
		if c.closed.Load() {
			break
		}
		messagesReceived.Inc()
		cb := c.messageHandler()
		if cb == nil {
			c.logger.Warn("message dropped, no handler registered", "id", c.id)
			continue
		}
		if herr := cb(msg); herr != nil {
			return herr
		}
	}

	if err != nil {
		framingErrors.Inc()
		c.errorHandler()(err)
		return err
	}
	return nil
}

// writeLoop drains the send channel into the socket.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				return err
			}
		}
	}
}

// write sends framed data to the socket. Errors are routed through the
// error handler, which decides whether the connection survives.
func (c *Conn) write(data []byte) error {
	if c.opts.idleTimeout > 0 {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout * 2))
	}

	_, err := c.rawConn.Write(data)
	if err != nil {
		c.logger.Debug("write error", "id", c.id, "error", err)
		if c.errorHandler()(err) == Disconnect {
			return err
		}
		return nil
	}

	messagesSent.Inc()
	return nil
}

func (c *Conn) messageHandler() func([]byte) error {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.onMessage
}

func (c *Conn) closeHandler() func() {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.onClose
}

func (c *Conn) errorHandler() func(error) ErrorAction {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.onError
}
