package wsstream

import (
	"crypto/tls"
	"net/http"
	"time"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCloseTimeout     = 5 * time.Second
	DefaultWriteHighWater   = 64 << 10
	DefaultMaxMessageSize   = 16 << 20
)

type (
	options struct {
		logger           Logger
		metrics          *Metrics
		header           http.Header
		tlsConfig        *tls.Config
		handshakeTimeout time.Duration
		closeTimeout     time.Duration
		writeHighWater   int
		maxMessageSize   int64
	}

	// Option configures providers, acceptors, listeners, dialers and streams.
	Option func(*options)
)

func newOptions(opts ...Option) options {
	o := options{
		handshakeTimeout: DefaultHandshakeTimeout,
		closeTimeout:     DefaultCloseTimeout,
		writeHighWater:   DefaultWriteHighWater,
		maxMessageSize:   DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = defaultLogger()
	}
	return o
}

func WithLogger(l Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records traffic, handshakes and errors into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithHeader adds extra HTTP headers to the handshake: the request when dialing, the response
// when accepting.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

// WithTLSConfig sets the TLS configuration used by ConnectSecure and wss:// dials. The server
// name is always overridden with the dialed domain.
func WithTLSConfig(c *tls.Config) Option {
	return func(o *options) { o.tlsConfig = c }
}

// WithHandshakeTimeout bounds the opening handshake. Zero disables the bound; the context
// deadline still applies.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithCloseTimeout bounds how long Close may block flushing data and the close frame.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *options) { o.closeTimeout = d }
}

// WithWriteHighWater sets how many encoded bytes Send may queue before it flushes on its own.
func WithWriteHighWater(n int) Option {
	return func(o *options) { o.writeHighWater = n }
}

// WithMaxMessageSize limits the size of an incoming frame. Zero means no limit.
func WithMaxMessageSize(n int64) Option {
	return func(o *options) { o.maxMessageSize = n }
}
