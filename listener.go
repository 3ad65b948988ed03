package mockwire

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Errors returned by listener operations.
var (
	// ErrAlreadyListening is returned when Listen is called twice.
	ErrAlreadyListening = errors.New("already listening")
	// ErrListenerClosed is returned when Listen is called after Close.
	ErrListenerClosed = errors.New("listener closed")
)

// listenerState tracks the idle -> listening -> closed lifecycle.
type listenerState int

const (
	stateIdle listenerState = iota
	stateListening
	stateClosed
)

// Listener binds a host:port, accepts raw connections and wraps each in a
// Conn. It owns the registry of live connections: entries are created on
// accept and removed exactly once, on disconnect, error or explicit close.
type Listener struct {
	addr   string
	opts   options
	logger Logger

	mu         sync.Mutex
	state      listenerState
	ln         net.Listener
	conns      map[string]*Conn
	acceptDone chan struct{}

	onConnection func(*Conn)
	onDisconnect func(id string, err error)
}

// NewListener creates a listener for the given address. The socket is not
// bound until Listen is called.
func NewListener(addr string, opt ...Option) (*Listener, error) {
	opts := gatherOptions(opt)
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	return &Listener{
		addr:   addr,
		opts:   opts,
		logger: opts.logger,
		conns:  make(map[string]*Conn),
	}, nil
}

// OnConnection sets the handler invoked for each accepted connection. It
// runs before the connection's loops start, so handlers registered on the
// Conn inside the callback are guaranteed to see every message.
func (l *Listener) OnConnection(cb func(*Conn)) {
	l.mu.Lock()
	l.onConnection = cb
	l.mu.Unlock()
}

// OnDisconnect sets the handler invoked when a registered connection
// terminates and leaves the registry. err is nil on clean shutdown.
func (l *Listener) OnDisconnect(cb func(id string, err error)) {
	l.mu.Lock()
	l.onDisconnect = cb
	l.mu.Unlock()
}

// Listen binds the configured address, wraps it in TLS when configured, and
// starts accepting in the background. A listener listens at most once:
// calling Listen again returns ErrAlreadyListening.
func (l *Listener) Listen(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case stateListening:
		return ErrAlreadyListening
	case stateClosed:
		return ErrListenerClosed
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", l.addr)
	}

	if l.opts.tlsOpts != nil {
		cfg, err := serverTLSConfig(l.opts.tlsOpts)
		if err != nil {
			_ = ln.Close()
			return err
		}
		ln = tls.NewListener(ln, cfg)
	}

	l.ln = ln
	l.state = stateListening
	l.acceptDone = make(chan struct{})

	go l.acceptLoop(ctx)

	l.logger.Info("listener started", "addr", ln.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Conn returns the registered connection with the given id.
func (l *Listener) Conn(id string) (*Conn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.conns[id]
	return c, ok
}

// Len returns the number of live registered connections.
func (l *Listener) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// acceptLoop accepts raw connections until the listening socket closes.
func (l *Listener) acceptLoop(ctx context.Context) {
	defer close(l.acceptDone)

	for {
		raw, err := l.ln.Accept()
		if err != nil {
			if l.isClosed() || errors.Is(err, net.ErrClosed) {
				l.logger.Info("listener stopped", "addr", l.addr)
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			l.logger.Error("accept error", "error", err)
			return
		}

		l.handleAccept(ctx, raw)
	}
}

// handleAccept registers a new Conn, announces it and starts its loops.
// The connection-accepted callback runs before the loops so the caller can
// attach handlers without missing the first message.
func (l *Listener) handleAccept(ctx context.Context, raw net.Conn) {
	c := newConnWithOptions(raw, l.opts)
	l.logger.Debug("accepted connection", "id", c.ID(), "remote_addr", raw.RemoteAddr())

	l.mu.Lock()
	if l.state != stateListening {
		l.mu.Unlock()
		_ = raw.Close()
		return
	}
	l.conns[c.ID()] = c
	cb := l.onConnection
	l.mu.Unlock()

	if cb != nil {
		cb(c)
	}

	go func() {
		err := c.Run(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		l.removeConn(c.ID(), err)
	}()
}

// removeConn drops a connection from the registry and fires the disconnect
// handler. Both happen at most once per connection; the registry never
// retains dead connections.
func (l *Listener) removeConn(id string, err error) {
	l.mu.Lock()
	_, ok := l.conns[id]
	if ok {
		delete(l.conns, id)
	}
	cb := l.onDisconnect
	l.mu.Unlock()

	if ok && cb != nil {
		cb(id, err)
	}
}

// Broadcast sends the payload to every currently registered connection and
// waits for each send to settle. The result maps connection id to its send
// outcome; failures are reported per-connection, never aggregated.
func (l *Listener) Broadcast(ctx context.Context, payload []byte) map[string]error {
	l.mu.Lock()
	snapshot := make([]*Conn, 0, len(l.conns))
	for _, c := range l.conns {
		snapshot = append(snapshot, c)
	}
	l.mu.Unlock()

	results := make(map[string]error, len(snapshot))
	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
	)
	for _, c := range snapshot {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			err := c.Send(ctx, payload)
			resMu.Lock()
			results[c.ID()] = err
			resMu.Unlock()
		}(c)
	}
	wg.Wait()

	return results
}

// Close actively closes every registered connection, clears the registry
// and shuts the listening socket. It returns once the listening socket has
// reported closed. Safe to call multiple times.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.state == stateClosed {
		l.mu.Unlock()
		return nil
	}
	wasListening := l.state == stateListening
	l.state = stateClosed

	snapshot := make([]*Conn, 0, len(l.conns))
	for _, c := range l.conns {
		snapshot = append(snapshot, c)
	}
	l.conns = make(map[string]*Conn)
	ln := l.ln
	done := l.acceptDone
	l.mu.Unlock()

	for _, c := range snapshot {
		_ = c.Close()
	}

	var err error
	if ln != nil {
		err = ln.Close()
	}
	if wasListening && done != nil {
		<-done
	}
	return err
}

// isClosed reports whether Close has been called.
func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateClosed
}
