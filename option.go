package mockwire

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// ErrorAction defines the action to take when a transport error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// TLSOptions holds the material for a TLS-wrapped socket. CertPEM/KeyPEM
// identify the local side, CAPEM verifies the peer. Client-side fields
// (ServerName, InsecureSkipVerify) are ignored by listeners.
type TLSOptions struct {
	CertPEM            []byte
	KeyPEM             []byte
	CAPEM              []byte
	ServerName         string
	InsecureSkipVerify bool
}

// options holds the configuration shared by connections, listeners and
// outbound clients.
type options struct {
	framing Framing
	codec   Codec
	logger  Logger

	onMessage func(payload []byte) error
	onClose   func()
	// onError is called when a transport error occurs.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError func(error) ErrorAction

	bufferSize  int           // size of the buffered send channel
	timeout     time.Duration // connection establishment timeout
	idleTimeout time.Duration // read/write deadline, 0 disables deadlines
	tlsOpts     *TLSOptions
}

// Option is a function that configures transport options.
type Option func(*options)

// Default configuration values.
const (
	// defaultBufferSize is the default size of the send channel buffer.
	// A full channel is the backpressure signal: senders wait for drain.
	defaultBufferSize = 16
	// defaultDialTimeout bounds connection establishment when no explicit
	// timeout is configured.
	defaultDialTimeout = 10 * time.Second
)

// gatherOptions applies the option functions over the defaults.
func gatherOptions(opt []Option) options {
	opts := options{
		framing: Framing{Encoding: EncodingUTF8, Delimiter: DefaultDelimiter},
	}
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// checkOptions validates the options and fills in remaining defaults.
func checkOptions(opts *options) error {
	if err := opts.framing.validate(); err != nil {
		return err
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}
	if opts.timeout <= 0 {
		opts.timeout = defaultDialTimeout
	}
	if opts.codec == nil {
		opts.codec = JSONCodec{}
	}
	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// FramingOption sets the message framing. The default is newline-delimited
// UTF-8 text.
func FramingOption(f Framing) Option {
	return func(o *options) {
		o.framing = f
	}
}

// LengthFieldOption switches to length-prefixed framing with a header of the
// given width (1, 2, 4 or 8 bytes, big-endian).
func LengthFieldOption(fieldLength int) Option {
	return func(o *options) {
		o.framing.LengthFieldLength = fieldLength
		o.framing.Encoding = EncodingBinary
		o.framing.Delimiter = ""
	}
}

// DelimiterOption switches to delimiter framing with the given sentinel.
func DelimiterOption(delimiter string) Option {
	return func(o *options) {
		o.framing.LengthFieldLength = 0
		o.framing.Encoding = EncodingUTF8
		o.framing.Delimiter = delimiter
	}
}

// MaxLengthOption sets the maximum size of a single message. Messages
// announcing or accumulating more than this are a fatal framing error.
func MaxLengthOption(n int) Option {
	return func(o *options) {
		o.framing.MaxLength = n
	}
}

// CodecOption sets the codec applied at the adapter boundary.
// The default is JSONCodec.
func CodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// BufferSizeOption sets the size of the send channel buffer. A larger buffer
// allows more messages to be queued before senders block on backpressure.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// TimeoutOption sets the connection establishment timeout, TLS handshake
// included. It has no effect on in-flight reads.
func TimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// IdleTimeoutOption sets the read/write deadline applied to raw socket
// operations. Zero, the default, disables deadlines: test fixtures routinely
// idle between exchanges.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// TLSOption enables TLS with the given material.
func TLSOption(t TLSOptions) Option {
	return func(o *options) {
		o.tlsOpts = &t
	}
}

// OnMessageOption sets the raw message handler, invoked with each framed
// payload in arrival order.
func OnMessageOption(cb func(payload []byte) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// OnCloseOption sets the close callback, invoked exactly once when the
// connection terminates for any reason.
func OnCloseOption(cb func()) Option {
	return func(o *options) {
		o.onClose = cb
	}
}

// OnErrorOption sets the error callback for transport errors.
// Return Disconnect to close the connection, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption sets the logger. If not set, the default slog logger is used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Config is the loosely-typed configuration surface consumed from scenario
// definitions. All fields are optional; zero values select the defaults
// (newline-delimited JSON over plain TCP).
type Config struct {
	Timeout           int    `mapstructure:"timeout"` // milliseconds
	LengthFieldLength int    `mapstructure:"lengthFieldLength"`
	MaxLength         int    `mapstructure:"maxLength"`
	Delimiter         string `mapstructure:"delimiter"`
	Encoding          string `mapstructure:"encoding"`

	TLS                bool   `mapstructure:"tls"`
	Cert               string `mapstructure:"cert"`
	Key                string `mapstructure:"key"`
	CA                 string `mapstructure:"ca"`
	ServerName         string `mapstructure:"serverName"`
	InsecureSkipVerify bool   `mapstructure:"insecureSkipVerify"`
}

// ConfigFromMap decodes a raw configuration map, as handed over by a
// scenario runner, into a Config.
func ConfigFromMap(m map[string]any) (Config, error) {
	var cfg Config
	if err := mapstructure.Decode(m, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode transport config")
	}
	return cfg, nil
}

// Options expands the Config into the equivalent option list.
func (c Config) Options() []Option {
	f := Framing{
		LengthFieldLength: c.LengthFieldLength,
		Encoding:          c.Encoding,
		Delimiter:         c.Delimiter,
		MaxLength:         c.MaxLength,
	}
	if f.Encoding == "" {
		f.Encoding = EncodingUTF8
	}
	if f.LengthFieldLength == 0 && f.Delimiter == "" {
		f.Delimiter = DefaultDelimiter
	}

	opts := []Option{FramingOption(f)}
	if c.Timeout > 0 {
		opts = append(opts, TimeoutOption(time.Duration(c.Timeout)*time.Millisecond))
	}
	if c.TLS {
		opts = append(opts, TLSOption(TLSOptions{
			CertPEM:            []byte(c.Cert),
			KeyPEM:             []byte(c.Key),
			CAPEM:              []byte(c.CA),
			ServerName:         c.ServerName,
			InsecureSkipVerify: c.InsecureSkipVerify,
		}))
	}
	return opts
}

// serverTLSConfig builds the tls.Config for a listening socket.
func serverTLSConfig(t *TLSOptions) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(t.CertPEM, t.KeyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "load server key pair")
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if len(t.CAPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(t.CAPEM) {
			return nil, errors.New("parse CA certificate")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// clientTLSConfig builds the tls.Config for an outbound connection.
func clientTLSConfig(t *TLSOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
	if len(t.CertPEM) > 0 {
		cert, err := tls.X509KeyPair(t.CertPEM, t.KeyPEM)
		if err != nil {
			return nil, errors.Wrap(err, "load client key pair")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if len(t.CAPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(t.CAPEM) {
			return nil, errors.New("parse CA certificate")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
