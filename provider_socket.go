package wsstream

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"
)

var (
	errIntermediateClose = errors.New("close frame inside fragmented message")
	errCloseBodyTooShort = ws.ProtocolError("close frame body shorter than a status code")
)

// SocketProvider speaks the websocket protocol directly over a net.Conn. It is produced by
// Acceptor.Handshake on the server side and by Connect, ConnectSecure and DialURL on the
// client side.
//
// Outgoing frames are encoded into a pending buffer by Send and written to the socket by
// Flush. Pings are answered and close frames echoed without involving the caller.
type SocketProvider struct {
	conn    net.Conn
	state   ws.State
	src     *countingReader
	reader  *wsutil.Reader
	maxSize int64
	logger  Logger
	metrics *Metrics

	rmu       sync.Mutex
	eof       bool
	readErr   error
	lastClose []byte
	recvStart int64

	wmu          sync.Mutex
	pending      bytes.Buffer
	highWater    int
	closeSent    bool
	closeTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ Provider = (*SocketProvider)(nil)

func newSocketProvider(conn net.Conn, br *bufio.Reader, state ws.State, o options) *SocketProvider {
	side := "server"
	if state.ClientSide() {
		side = "client"
	}

	p := &SocketProvider{
		conn:  conn,
		state: state,
		logger: o.logger.
			WithField("net", "ws_socket").
			WithField("side", side).
			WithField("peer", conn.RemoteAddr().String()),
		metrics:      o.metrics,
		maxSize:      o.maxMessageSize,
		highWater:    o.writeHighWater,
		closeTimeout: o.closeTimeout,
	}

	p.src = &countingReader{r: conn}
	if br != nil {
		p.src.r = br
	}
	p.reader = &wsutil.Reader{
		Source:         p.src,
		State:          state,
		CheckUTF8:      true,
		MaxFrameSize:   o.maxMessageSize,
		OnIntermediate: p.onIntermediate,
	}
	return p
}

// Recv reads the next message, answering pings and echoing the close frame on the way.
func (p *SocketProvider) Recv() (Message, error) {
	p.rmu.Lock()
	defer p.rmu.Unlock()

	if p.readErr != nil {
		return nil, p.readErr
	}
	if p.eof {
		return nil, io.EOF
	}

	for {
		p.recvStart = p.src.n
		hdr, err := p.reader.NextFrame()
		if err != nil {
			return nil, p.readError(err)
		}

		var body io.Reader = p.reader
		if p.maxSize > 0 {
			body = io.LimitReader(p.reader, p.maxSize+1)
		}
		payload, err := io.ReadAll(body)
		if err != nil {
			if errors.Is(err, errIntermediateClose) {
				return p.onClose(p.lastClose)
			}
			return nil, p.readError(err)
		}
		if p.maxSize > 0 && int64(len(payload)) > p.maxSize {
			return nil, p.readError(wsutil.ErrFrameTooLarge)
		}

		switch hdr.OpCode {
		case ws.OpText:
			return NewTextMessage(payload), nil
		case ws.OpBinary:
			return NewBinaryMessage(payload), nil
		case ws.OpClose:
			return p.onClose(payload)
		case ws.OpPing:
			p.onPing(payload)
		case ws.OpPong:
			p.logger.Debugln("<= [PONG]")
		}
	}
}

// onIntermediate handles control frames interleaved with the fragments of a data message.
func (p *SocketProvider) onIntermediate(hdr ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	switch hdr.OpCode {
	case ws.OpPing:
		p.onPing(payload)
	case ws.OpPong:
		p.logger.Debugln("<= [PONG]")
	case ws.OpClose:
		p.lastClose = payload
		return errIntermediateClose
	}
	return nil
}

func (p *SocketProvider) onPing(payload []byte) {
	p.logger.Debugln("<= [PING]")

	p.wmu.Lock()
	defer p.wmu.Unlock()

	if p.closeSent || p.closed.Load() {
		return
	}
	p.enqueueLocked(ws.NewPongFrame(payload))
	p.logger.Debugln("=> [PONG]")
	if err := p.flushLocked(); err != nil && !errors.Is(err, ErrFlushPending) {
		p.logger.Warnf("cannot answer ping: %s", err)
	}
}

func (p *SocketProvider) onClose(payload []byte) (Message, error) {
	p.logger.Debugln("<= [CLOSE]")

	if len(payload) == 1 {
		return nil, p.readError(errCloseBodyTooShort)
	}
	code, reason := ws.ParseCloseFrameData(payload)
	if !code.Empty() {
		if err := ws.CheckCloseFrameData(code, reason); err != nil {
			return nil, p.readError(err)
		}
	}

	p.wmu.Lock()
	if !p.closeSent && !p.closed.Load() {
		// Echo the status code back to complete the closing handshake.
		body := []byte{}
		if !code.Empty() {
			body = ws.NewCloseFrameBody(code, "")
		}
		p.enqueueLocked(ws.NewCloseFrame(body))
		p.closeSent = true
		p.logger.Debugln("=> [CLOSE]")
		if err := p.flushLocked(); err != nil {
			p.logger.Debugf("cannot echo close frame: %s", err)
		}
	}
	p.wmu.Unlock()

	p.eof = true
	if code.Empty() {
		return NewCloseMessage(nil), nil
	}
	return NewCloseMessage(&CloseFrame{Code: CloseCode(code), Reason: reason}), nil
}

func (p *SocketProvider) readError(err error) error {
	if p.closed.Load() {
		return newError(KindConnectionFailed, ErrConnectionClosed)
	}

	switch {
	case err == io.EOF:
		p.eof = true
		return io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		p.readErr = newError(KindConnectionFailed, err)
		return p.readErr
	case isProtocolError(err):
		p.readErr = newError(KindProtocolViolation, err)
		p.failConnection(closeCodeFor(err))
		return p.readErr
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if !ne.Timeout() {
			p.readErr = newError(KindConnectionFailed, err)
			return p.readErr
		}
		if p.src.n != p.recvStart {
			// The frame was cut short; the reader cannot resume in the middle of it.
			p.readErr = newError(KindConnectionFailed, errors.Wrap(err, "read interrupted inside a frame"))
			return p.readErr
		}
		return newError(KindBackendSpecific, err)
	}
	return newError(KindBackendSpecific, err)
}

// countingReader counts the bytes the frame reader consumed from the connection.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += int64(n)
	return n, err
}

func isProtocolError(err error) bool {
	var pe ws.ProtocolError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, wsutil.ErrInvalidUTF8) ||
		errors.Is(err, wsutil.ErrFrameTooLarge) ||
		errors.Is(err, ws.ErrHeaderLengthMSB) ||
		errors.Is(err, ws.ErrHeaderLengthUnexpected)
}

func closeCodeFor(err error) ws.StatusCode {
	switch {
	case errors.Is(err, wsutil.ErrInvalidUTF8):
		return ws.StatusInvalidFramePayloadData
	case errors.Is(err, wsutil.ErrFrameTooLarge):
		return ws.StatusMessageTooBig
	default:
		return ws.StatusProtocolError
	}
}

// failConnection sends a best-effort close frame after a protocol violation.
func (p *SocketProvider) failConnection(code ws.StatusCode) {
	p.wmu.Lock()
	defer p.wmu.Unlock()

	if p.closeSent || p.closed.Load() {
		return
	}
	p.logger.Warnf("failing connection with status %d", code)
	p.enqueueLocked(ws.NewCloseFrame(ws.NewCloseFrameBody(code, "")))
	p.closeSent = true
	_ = p.flushLocked()
}

// Send encodes m into the pending buffer. When the buffer is above its high-water mark it is
// flushed first, blocking until the socket accepts the data or the write deadline expires.
func (p *SocketProvider) Send(m Message) error {
	mt := m.Type()
	if mt.IsControl() && len(m.Data()) > ws.MaxControlFramePayloadSize {
		return newError(KindProtocolViolation, ws.ErrProtocolControlPayloadOverflow)
	}

	p.wmu.Lock()
	defer p.wmu.Unlock()

	if p.closeSent || p.closed.Load() {
		return newError(KindConnectionFailed, ErrConnectionClosed)
	}
	if p.highWater > 0 && p.pending.Len() >= p.highWater {
		if err := p.flushLocked(); err != nil {
			return err
		}
	}

	var f ws.Frame
	if mt.IsClose() {
		body := []byte{}
		if cf, ok := CloseFrameOf(m); ok {
			body = ws.NewCloseFrameBody(ws.StatusCode(cf.Code), cf.Reason)
		}
		f = ws.NewCloseFrame(body)
		p.closeSent = true
	} else {
		f = ws.NewFrame(ws.OpCode(mt), true, m.Data())
	}
	p.enqueueLocked(f)

	if mt.IsControl() {
		p.logger.Debugf("=> [%s]", frameTag(mt))
	}
	return nil
}

// enqueueLocked appends the encoded frame to the pending buffer. Client frames are masked on
// a copy, so the caller's payload is never modified or retained.
func (p *SocketProvider) enqueueLocked(f ws.Frame) {
	if p.state.ClientSide() {
		f = ws.MaskFrame(f)
	}
	_ = ws.WriteFrame(&p.pending, f)
}

// Flush writes the pending buffer to the socket.
func (p *SocketProvider) Flush() error {
	p.wmu.Lock()
	defer p.wmu.Unlock()

	if p.closed.Load() {
		return newError(KindConnectionFailed, ErrConnectionClosed)
	}
	return p.flushLocked()
}

func (p *SocketProvider) flushLocked() error {
	for p.pending.Len() > 0 {
		n, err := p.conn.Write(p.pending.Bytes())
		p.pending.Next(n)
		if err != nil {
			werr := p.writeError(err)
			if !errors.Is(werr, ErrFlushPending) {
				p.pending.Reset()
			}
			return werr
		}
	}
	return nil
}

func (p *SocketProvider) writeError(err error) error {
	if p.closed.Load() {
		return newError(KindConnectionFailed, ErrConnectionClosed)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return fmt.Errorf("%w: %w", ErrFlushPending, err)
		}
		return newError(KindConnectionFailed, err)
	}
	return newError(KindBackendSpecific, err)
}

// Close sends a normal closure frame unless a close frame was already sent or the transport
// has ended, flushes everything still pending and closes the socket. Flushing is bounded by
// the close timeout.
func (p *SocketProvider) Close() error {
	p.closeOnce.Do(func() {
		if p.closeTimeout > 0 {
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.closeTimeout))
		}

		p.wmu.Lock()
		var err error
		if !p.closeSent && !p.transportEnded() {
			p.enqueueLocked(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
			p.closeSent = true
			p.logger.Debugln("=> [CLOSE]")
		}
		if p.pending.Len() > 0 {
			err = p.flushLocked()
		}
		p.closed.Store(true)
		p.wmu.Unlock()

		if cerr := p.conn.Close(); err == nil && cerr != nil {
			err = newError(KindConnectionFailed, cerr)
		}
		p.closeErr = err
	})
	return p.closeErr
}

// transportEnded reports whether a reader already hit the end of the transport. A reader
// blocked in Recv means the transport is still alive.
func (p *SocketProvider) transportEnded() bool {
	if !p.rmu.TryLock() {
		return false
	}
	defer p.rmu.Unlock()
	return p.eof
}

func (p *SocketProvider) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}

func (p *SocketProvider) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

func (p *SocketProvider) SetReadDeadline(t time.Time) error {
	return p.conn.SetReadDeadline(t)
}

func (p *SocketProvider) SetWriteDeadline(t time.Time) error {
	return p.conn.SetWriteDeadline(t)
}

// Connect opens a plain websocket connection to addr ("host:port") and performs the client
// handshake for path "/".
func Connect(ctx context.Context, addr string, opts ...Option) (*SocketProvider, error) {
	u := &url.URL{Scheme: "ws", Host: addr, Path: "/"}
	return dial(ctx, addr, u, newOptions(opts...))
}

// ConnectSecure connects to addr, negotiates TLS for domain and performs the client handshake
// against wss://domain/.
func ConnectSecure(ctx context.Context, addr, domain string, opts ...Option) (*SocketProvider, error) {
	u := &url.URL{Scheme: "wss", Host: domain, Path: "/"}
	return dial(ctx, addr, u, newOptions(opts...))
}

// DialURL connects to a ws:// or wss:// URL.
func DialURL(ctx context.Context, u url.URL, opts ...Option) (*SocketProvider, error) {
	o := newOptions(opts...)

	port := u.Port()
	switch u.Scheme {
	case "ws":
		if port == "" {
			port = "80"
		}
	case "wss":
		if port == "" {
			port = "443"
		}
	default:
		err := newError(KindHandshakeFailed, errors.Errorf("unsupported url scheme %q", u.Scheme))
		o.metrics.addHandshake("client", err)
		return nil, err
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return dial(ctx, net.JoinHostPort(u.Hostname(), port), &u, o)
}

func dial(ctx context.Context, addr string, u *url.URL, o options) (p *SocketProvider, err error) {
	logger := o.logger.WithField("net", "ws_client").WithField("url", u.String())
	defer func() {
		o.metrics.addHandshake("client", err)
		if err != nil {
			logger.Errorf("connection err: %s", err)
		}
	}()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newError(KindConnectionFailed, errors.Wrapf(err, "dial %s", addr))
	}

	release := handshakeDeadline(ctx, conn, o.handshakeTimeout)

	if u.Scheme == "wss" {
		cfg := &tls.Config{}
		if o.tlsConfig != nil {
			cfg = o.tlsConfig.Clone()
		}
		cfg.ServerName = u.Hostname()
		tlsConn := tls.Client(conn, cfg)
		if err = tlsConn.HandshakeContext(ctx); err != nil {
			release()
			_ = conn.Close()
			return nil, newError(KindConnectionFailed, errors.Wrap(contextCause(ctx, err), "tls handshake"))
		}
		conn = tlsConn
	}

	var rejected error
	dialer := ws.Dialer{
		OnStatusError: func(status int, reason []byte, resp io.Reader) {
			rejected = statusError(status, reason, resp)
		},
	}
	if len(o.header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(o.header)
	}

	br, _, err := dialer.Upgrade(conn, u)
	release()
	if err != nil {
		_ = conn.Close()
		if rejected != nil {
			err = rejected
		}
		return nil, newError(KindHandshakeFailed, contextCause(ctx, err))
	}

	logger.Debugln("success opening connection")
	return newSocketProvider(conn, br, ws.StateClientSide, o), nil
}

func statusError(status int, reason []byte, resp io.Reader) error {
	var msg string
	if resp != nil {
		if bts, err := io.ReadAll(io.LimitReader(resp, 1<<10)); err == nil {
			msg = string(bts)
		}
	}
	if status == http.StatusTooManyRequests {
		return errors.Wrap(ErrRateLimit, msg)
	}
	return errors.Wrapf(ws.StatusError(status), "%s %s", reason, msg)
}

// handshakeDeadline bounds the I/O on conn by the handshake timeout and the context. The
// returned func clears the deadline again and must be called once the handshake is over.
func handshakeDeadline(ctx context.Context, conn net.Conn, timeout time.Duration) func() {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if !deadline.IsZero() {
		_ = conn.SetDeadline(deadline)
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-stopped
			_ = conn.SetDeadline(time.Time{})
		})
	}
}

// contextCause prefers the context error when the context ended the handshake.
func contextCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(ctxErr, err.Error())
	}
	return err
}
