package wsstream

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gobwas/ws"
	gorilla "github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

type (
	// UpgradedConn is a websocket connection already upgraded by a web server. It is satisfied
	// by *websocket.Conn from both github.com/gorilla/websocket and github.com/fasthttp/websocket.
	UpgradedConn interface {
		ReadMessage() (messageType int, p []byte, err error)
		WriteMessage(messageType int, data []byte) error
		WriteControl(messageType int, data []byte, deadline time.Time) error
		SetCloseHandler(h func(code int, text string) error)
		SetPingHandler(h func(appData string) error)
		SetReadLimit(limit int64)
		SetReadDeadline(t time.Time) error
		SetWriteDeadline(t time.Time) error
		LocalAddr() net.Addr
		RemoteAddr() net.Addr
		Close() error
	}

	// UpgradeProvider adapts an UpgradedConn to Provider. It cannot listen or connect; the web
	// server owns the handshake.
	UpgradeProvider struct {
		conn           UpgradedConn
		logger         Logger
		controlTimeout time.Duration

		rmu     sync.Mutex
		readErr error
		eof     atomic.Bool

		wmu       sync.Mutex
		closeSent atomic.Bool

		closed    atomic.Bool
		closeOnce sync.Once
		closeErr  error
	}
)

var (
	_ UpgradedConn = (*websocket.Conn)(nil)
	_ UpgradedConn = (*gorilla.Conn)(nil)
	_ Provider     = (*UpgradeProvider)(nil)
)

// NewUpgradeProvider takes over conn. It installs its own close and ping handlers, so the
// caller must not replace them afterwards.
func NewUpgradeProvider(conn UpgradedConn, opts ...Option) *UpgradeProvider {
	return newUpgradeProvider(conn, newOptions(opts...))
}

func newUpgradeProvider(conn UpgradedConn, o options) *UpgradeProvider {
	logger := o.logger.WithField("net", "ws_upgraded")
	if addr := conn.RemoteAddr(); addr != nil {
		logger = logger.WithField("peer", addr.String())
	}

	p := &UpgradeProvider{
		conn:           conn,
		logger:         logger,
		controlTimeout: o.closeTimeout,
	}
	if o.maxMessageSize > 0 {
		conn.SetReadLimit(o.maxMessageSize)
	}
	conn.SetCloseHandler(p.onClose)
	conn.SetPingHandler(p.onPing)
	return p
}

func (p *UpgradeProvider) onClose(code int, _ string) error {
	p.logger.Debugln("<= [CLOSE]")
	if !p.closeSent.CompareAndSwap(false, true) {
		return nil
	}

	body := []byte{}
	if code != gorilla.CloseNoStatusReceived {
		body = ws.NewCloseFrameBody(ws.StatusCode(code), "")
	}
	p.logger.Debugln("=> [CLOSE]")
	if err := p.conn.WriteControl(int(CloseMessage), body, p.controlDeadline()); err != nil && !isCloseSent(err) {
		p.logger.Debugf("cannot echo close frame: %s", err)
	}
	return nil
}

func (p *UpgradeProvider) onPing(appData string) error {
	p.logger.Debugln("<= [PING]")
	err := p.conn.WriteControl(int(PongMessage), []byte(appData), p.controlDeadline())
	if err == nil || isCloseSent(err) {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil
	}
	return err
}

func (p *UpgradeProvider) controlDeadline() time.Time {
	if p.controlTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(p.controlTimeout)
}

// Recv reads the next data message. The close frame surfaces once as a CloseMessage; an
// abnormal closure (no close frame before the transport ended) surfaces as io.EOF.
func (p *UpgradeProvider) Recv() (Message, error) {
	p.rmu.Lock()
	defer p.rmu.Unlock()

	if p.readErr != nil {
		return nil, p.readErr
	}
	if p.eof.Load() {
		return nil, io.EOF
	}

	mt, data, err := p.conn.ReadMessage()
	if err != nil {
		if code, text, ok := closeErrorOf(err); ok {
			p.eof.Store(true)
			switch CloseCode(code) {
			case CloseAbnormalClosure:
				return nil, io.EOF
			case CloseNoStatusReceived:
				return NewCloseMessage(nil), nil
			default:
				return NewCloseMessage(&CloseFrame{Code: CloseCode(code), Reason: text}), nil
			}
		}
		p.readErr = p.readError(err)
		return nil, p.readErr
	}

	if MessageType(mt).IsText() {
		return NewTextMessage(data), nil
	}
	return NewBinaryMessage(data), nil
}

func closeErrorOf(err error) (int, string, bool) {
	var fe *websocket.CloseError
	if errors.As(err, &fe) {
		return fe.Code, fe.Text, true
	}
	var ge *gorilla.CloseError
	if errors.As(err, &ge) {
		return ge.Code, ge.Text, true
	}
	return 0, "", false
}

func isCloseSent(err error) bool {
	return errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, gorilla.ErrCloseSent)
}

func (p *UpgradeProvider) readError(err error) error {
	if p.closed.Load() || isCloseSent(err) {
		return newError(KindConnectionFailed, ErrConnectionClosed)
	}
	if errors.Is(err, websocket.ErrReadLimit) || errors.Is(err, gorilla.ErrReadLimit) {
		return newError(KindProtocolViolation, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return newError(KindConnectionFailed, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return newError(KindBackendSpecific, err)
		}
		return newError(KindConnectionFailed, err)
	}
	// Both libraries report frame level violations as plain errors.
	return newError(KindProtocolViolation, err)
}

// Send writes m immediately; data messages go through WriteMessage and control messages
// through WriteControl.
func (p *UpgradeProvider) Send(m Message) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()

	if p.closed.Load() {
		return newError(KindConnectionFailed, ErrConnectionClosed)
	}

	mt := m.Type()
	var err error
	switch {
	case mt.IsData():
		err = p.conn.WriteMessage(int(mt), m.Data())
	case mt.IsClose():
		if !p.closeSent.CompareAndSwap(false, true) {
			return newError(KindConnectionFailed, ErrConnectionClosed)
		}
		body := []byte{}
		if cf, ok := CloseFrameOf(m); ok {
			body = ws.NewCloseFrameBody(ws.StatusCode(cf.Code), cf.Reason)
		}
		err = p.conn.WriteControl(int(CloseMessage), body, p.controlDeadline())
	default:
		err = p.conn.WriteControl(int(mt), m.Data(), p.controlDeadline())
	}

	if mt.IsControl() {
		p.logger.Debugf("=> [%s]", frameTag(mt))
	}
	if err != nil {
		return p.writeError(err)
	}
	return nil
}

func (p *UpgradeProvider) writeError(err error) error {
	if p.closed.Load() || isCloseSent(err) {
		return newError(KindConnectionFailed, ErrConnectionClosed)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return newError(KindBackendSpecific, err)
		}
		return newError(KindConnectionFailed, err)
	}
	return newError(KindBackendSpecific, err)
}

// Flush is a no-op: every Send is written through.
func (p *UpgradeProvider) Flush() error {
	if p.closed.Load() {
		return newError(KindConnectionFailed, ErrConnectionClosed)
	}
	return nil
}

// Close sends a normal closure frame when none was exchanged yet and closes the connection.
func (p *UpgradeProvider) Close() error {
	p.closeOnce.Do(func() {
		if !p.eof.Load() && p.closeSent.CompareAndSwap(false, true) {
			body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
			p.logger.Debugln("=> [CLOSE]")
			if err := p.conn.WriteControl(int(CloseMessage), body, p.controlDeadline()); err != nil && !isCloseSent(err) {
				p.logger.Debugf("cannot send close frame: %s", err)
			}
		}
		p.closed.Store(true)
		if err := p.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			p.closeErr = newError(KindConnectionFailed, fmt.Errorf("close: %w", err))
		}
	})
	return p.closeErr
}

func (p *UpgradeProvider) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}

func (p *UpgradeProvider) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

func (p *UpgradeProvider) SetReadDeadline(t time.Time) error {
	return p.conn.SetReadDeadline(t)
}

func (p *UpgradeProvider) SetWriteDeadline(t time.Time) error {
	return p.conn.SetWriteDeadline(t)
}
