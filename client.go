package mockwire

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
)

// Dial establishes an outbound TCP or TLS connection to addr and starts its
// read/write loops in the background. It returns once the transport reports
// connected (for TLS, after the handshake completes) or fails with a
// connection-establishment error, respecting the configured timeout.
//
// The returned Conn behaves exactly like an accepted one: same framing,
// buffering, send and close semantics.
func Dial(ctx context.Context, addr string, opt ...Option) (*Conn, error) {
	c, err := dialConn(ctx, addr, opt...)
	if err != nil {
		return nil, err
	}
	c.start(ctx)
	return c, nil
}

// dialConn performs the handshake but leaves the loops stopped, so callers
// can register handlers before any byte is read.
func dialConn(ctx context.Context, addr string, opt ...Option) (*Conn, error) {
	opts := gatherOptions(opt)
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: opts.timeout}

	var (
		raw net.Conn
		err error
	)
	if opts.tlsOpts != nil {
		cfg, cfgErr := clientTLSConfig(opts.tlsOpts)
		if cfgErr != nil {
			return nil, cfgErr
		}
		// The dialer timeout covers the TCP connect and the TLS handshake.
		raw, err = (&tls.Dialer{NetDialer: dialer, Config: cfg}).DialContext(ctx, "tcp", addr)
	} else {
		raw, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	return newConnWithOptions(raw, opts), nil
}
