package wsstream

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/pkg/errors"
)

type (
	// Listener accepts TCP connections and hands each one out as a pending Acceptor. It never
	// performs handshakes itself, so a slow or malformed client cannot hold up the others.
	Listener struct {
		ln     net.Listener
		o      options
		logger Logger
		closed atomic.Bool
	}

	// Incoming is one element of the sequence produced by Listener.Incoming: either a pending
	// connection or the error of a failed accept.
	Incoming struct {
		Acceptor *Acceptor
		Err      error
	}

	// Acceptor is an accepted connection whose websocket handshake has not run yet.
	Acceptor struct {
		conn   net.Conn
		o      options
		logger Logger
		used   atomic.Bool
	}
)

// Listen binds a TCP listener on addr.
func Listen(addr string, opts ...Option) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, newError(KindConnectionFailed, errors.Wrapf(err, "listen %s", addr))
	}
	return NewListener(ln, opts...), nil
}

// NewListener serves websocket connections from an existing listener. The options are
// passed on to every acceptor.
func NewListener(ln net.Listener, opts ...Option) *Listener {
	o := newOptions(opts...)
	return &Listener{
		ln:     ln,
		o:      o,
		logger: o.logger.WithField("net", "ws_listener").WithField("addr", ln.Addr().String()),
	}
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Next blocks until a connection arrives. A failed accept is reported as a ConnectionFailed
// error and does not stop the listener; ErrListenerClosed is returned once it is closed.
func (l *Listener) Next() (*Acceptor, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if l.closed.Load() || errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		l.logger.Warnf("accept failed: %s", err)
		return nil, newError(KindConnectionFailed, err)
	}
	l.logger.Debugf("accepted connection from %s", conn.RemoteAddr())
	return newAcceptor(conn, l.o), nil
}

// Incoming delivers accepted connections and accept errors until the listener is closed.
// Cancelling ctx closes the listener.
func (l *Listener) Incoming(ctx context.Context) <-chan Incoming {
	ch := make(chan Incoming)

	go func() {
		defer close(ch)
		stop := context.AfterFunc(ctx, func() { _ = l.Close() })
		defer stop()

		var delay time.Duration
		for {
			a, err := l.Next()
			if errors.Is(err, ErrListenerClosed) {
				return
			}
			if err != nil {
				delay = acceptDelay(delay)
			} else {
				delay = 0
			}

			select {
			case ch <- Incoming{Acceptor: a, Err: err}:
			case <-ctx.Done():
				if a != nil {
					_ = a.Close()
				}
				return
			}

			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch
}

func acceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	if next := prev * 2; next < time.Second {
		return next
	}
	return time.Second
}

func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.ln.Close()
}

// NewAcceptor wraps an already accepted connection.
func NewAcceptor(conn net.Conn, opts ...Option) *Acceptor {
	return newAcceptor(conn, newOptions(opts...))
}

func newAcceptor(conn net.Conn, o options) *Acceptor {
	return &Acceptor{
		conn:   conn,
		o:      o,
		logger: o.logger.WithField("net", "ws_acceptor").WithField("peer", conn.RemoteAddr().String()),
	}
}

// PeerAddr returns the address of the connecting client.
func (a *Acceptor) PeerAddr() net.Addr {
	return a.conn.RemoteAddr()
}

// Handshake performs the server side of the opening handshake. It can only be called once.
// On failure the connection is closed and a HandshakeFailed error is returned.
func (a *Acceptor) Handshake(ctx context.Context) (*SocketProvider, error) {
	if !a.used.CompareAndSwap(false, true) {
		return nil, ErrHandshakeDone
	}

	var u ws.Upgrader
	if len(a.o.header) > 0 {
		u.Header = ws.HandshakeHeaderHTTP(a.o.header)
	}

	release := handshakeDeadline(ctx, a.conn, a.o.handshakeTimeout)
	_, err := u.Upgrade(a.conn)
	release()

	a.o.metrics.addHandshake("server", err)
	if err != nil {
		_ = a.conn.Close()
		a.logger.Warnf("handshake failed: %s", err)
		return nil, newError(KindHandshakeFailed, contextCause(ctx, err))
	}

	a.logger.Debugln("handshake complete")
	return newSocketProvider(a.conn, nil, ws.StateServerSide, a.o), nil
}

// Stream performs the handshake and wraps the resulting provider in a Stream.
func (a *Acceptor) Stream(ctx context.Context) (*Stream, error) {
	p, err := a.Handshake(ctx)
	if err != nil {
		return nil, err
	}
	return newStream(p, a.o), nil
}

// Close drops the connection without handshaking. It has no effect after Handshake.
func (a *Acceptor) Close() error {
	if !a.used.CompareAndSwap(false, true) {
		return nil
	}
	return a.conn.Close()
}
