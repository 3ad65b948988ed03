package mockwire

import (
	"context"
	"net"
	"sync"
)

// ClientAdapter exposes one connection as an asynchronous message channel:
// Send, Close, IsConnected plus OnMessage/OnClose/OnError registration. The
// codec is applied at this boundary, converting between wire bytes and
// Messages.
type ClientAdapter struct {
	conn   *Conn
	codec  Codec
	logger Logger

	mu        sync.RWMutex
	onMessage func(Message)
	onClose   func()
	onError   func(error)
	pending   []Message // decoded before a handler was registered
}

// newClientAdapter wires a Conn into the message interface. Must run before
// the connection's loops start so no message bypasses the codec.
func newClientAdapter(c *Conn) *ClientAdapter {
	a := &ClientAdapter{
		conn:   c,
		codec:  c.opts.codec,
		logger: c.logger,
	}

	c.OnMessage(a.dispatch)
	c.OnClose(func() {
		a.mu.RLock()
		cb := a.onClose
		a.mu.RUnlock()
		if cb != nil {
			cb()
		}
	})
	c.OnError(func(err error) ErrorAction {
		a.fireError(err)
		return Disconnect
	})

	return a
}

// ID returns the underlying connection id.
func (a *ClientAdapter) ID() string {
	return a.conn.ID()
}

// RemoteAddr returns the remote address of the underlying connection.
func (a *ClientAdapter) RemoteAddr() net.Addr {
	return a.conn.RemoteAddr()
}

// IsConnected reports whether the underlying connection is live.
func (a *ClientAdapter) IsConnected() bool {
	return a.conn.IsConnected()
}

// OnMessage registers the handler invoked with each decoded Message.
// Messages decoded before the first registration are buffered and flushed
// to the handler in arrival order.
func (a *ClientAdapter) OnMessage(cb func(Message)) {
	a.mu.Lock()
	a.onMessage = cb
	backlog := a.pending
	a.pending = nil
	a.mu.Unlock()

	if cb != nil {
		for _, m := range backlog {
			cb(m)
		}
	}
}

// OnClose registers the handler invoked once when the connection terminates.
func (a *ClientAdapter) OnClose(cb func()) {
	a.mu.Lock()
	a.onClose = cb
	a.mu.Unlock()
}

// OnError registers the handler receiving transport errors and recoverable
// codec decode errors.
func (a *ClientAdapter) OnError(cb func(error)) {
	a.mu.Lock()
	a.onError = cb
	a.mu.Unlock()
}

// Send encodes the message and hands it to the connection. Encode failures
// are returned synchronously as a *CodecError without touching the
// connection; transport-level outcomes follow Conn.Send semantics.
func (a *ClientAdapter) Send(ctx context.Context, m Message) error {
	data, err := a.codec.Encode(m)
	if err != nil {
		codecErrors.Inc()
		return &CodecError{
			Codec:     a.codec.Name(),
			Direction: DirectionEncode,
			Cause:     err,
			Message:   &m,
		}
	}
	return a.conn.Send(ctx, data)
}

// Close terminates the underlying connection. Idempotent.
func (a *ClientAdapter) Close() error {
	return a.conn.Close()
}

// dispatch decodes one framed payload and delivers it. Decode failures are
// recoverable: the error handler is notified and the connection stays open
// for subsequent messages.
func (a *ClientAdapter) dispatch(payload []byte) error {
	m, err := a.codec.Decode(payload)
	if err != nil {
		codecErrors.Inc()
		a.logger.Debug("decode error", "id", a.ID(), "codec", a.codec.Name(), "error", err)
		a.fireError(&CodecError{
			Codec:     a.codec.Name(),
			Direction: DirectionDecode,
			Cause:     err,
		})
		return nil
	}

	a.mu.Lock()
	cb := a.onMessage
	if cb == nil {
		a.pending = append(a.pending, m)
	}
	a.mu.Unlock()
	if cb != nil {
		cb(m)
	}
	return nil
}

func (a *ClientAdapter) fireError(err error) {
	a.mu.RLock()
	cb := a.onError
	a.mu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

// ServerAdapter exposes a Listener as a source of ClientAdapters. Each
// accepted connection is wrapped before its loops start and torn down when
// it disconnects.
type ServerAdapter struct {
	ln     *Listener
	logger Logger

	mu           sync.Mutex
	clients      map[string]*ClientAdapter
	onConnection func(*ClientAdapter)
}

// NewServerAdapter creates an adapter-wrapped listener on addr. Call Start
// to bind.
func NewServerAdapter(addr string, opt ...Option) (*ServerAdapter, error) {
	ln, err := NewListener(addr, opt...)
	if err != nil {
		return nil, err
	}

	s := &ServerAdapter{
		ln:      ln,
		logger:  ln.logger,
		clients: make(map[string]*ClientAdapter),
	}

	ln.OnConnection(func(c *Conn) {
		ca := newClientAdapter(c)
		s.mu.Lock()
		s.clients[c.ID()] = ca
		cb := s.onConnection
		s.mu.Unlock()
		if cb != nil {
			cb(ca)
		}
	})
	ln.OnDisconnect(func(id string, err error) {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
	})

	return s, nil
}

// OnConnection registers the handler invoked with each accepted connection's
// adapter, before any of its messages are delivered.
func (s *ServerAdapter) OnConnection(cb func(*ClientAdapter)) {
	s.mu.Lock()
	s.onConnection = cb
	s.mu.Unlock()
}

// Start binds the listener and begins accepting.
func (s *ServerAdapter) Start(ctx context.Context) error {
	return s.ln.Listen(ctx)
}

// Addr returns the bound address, or nil before Start.
func (s *ServerAdapter) Addr() net.Addr {
	return s.ln.Addr()
}

// Client returns the adapter for a live connection id.
func (s *ServerAdapter) Client(id string) (*ClientAdapter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ca, ok := s.clients[id]
	return ca, ok
}

// Len returns the number of live client adapters.
func (s *ServerAdapter) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast encodes the message once and sends it to every live connection.
// The per-connection outcomes mirror Listener.Broadcast.
func (s *ServerAdapter) Broadcast(ctx context.Context, m Message) (map[string]error, error) {
	codec := s.ln.opts.codec
	data, err := codec.Encode(m)
	if err != nil {
		codecErrors.Inc()
		return nil, &CodecError{
			Codec:     codec.Name(),
			Direction: DirectionEncode,
			Cause:     err,
			Message:   &m,
		}
	}
	return s.ln.Broadcast(ctx, data), nil
}

// Stop closes every connection and the listening socket.
func (s *ServerAdapter) Stop() error {
	return s.ln.Close()
}

// DialAdapter dials addr and wraps the connection in a ClientAdapter. The
// adapter is wired before the connection starts reading, so handlers
// registered immediately after DialAdapter returns see every message the
// peer sends after the dial completes.
func DialAdapter(ctx context.Context, addr string, opt ...Option) (*ClientAdapter, error) {
	c, err := dialConn(ctx, addr, opt...)
	if err != nil {
		return nil, err
	}
	ca := newClientAdapter(c)
	c.start(ctx)
	return ca, nil
}
