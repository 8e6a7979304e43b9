package wsstream

import (
	"io"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

type readKind uint8

const (
	readPending readKind = iota
	readReady
	readEOF
)

// readState tracks the message currently being drained by Read.
type readState struct {
	kind   readKind
	msg    []byte
	offset int
}

// Stream adapts a message-oriented Provider to a byte stream. Incoming data messages are
// concatenated in arrival order; every Write becomes one binary message.
//
// Stream implements net.Conn. Reads and writes may run concurrently with each other; concurrent
// reads (or concurrent writes) are serialized.
type Stream struct {
	provider Provider
	logger   Logger
	metrics  *Metrics

	rmu sync.Mutex
	rs  readState

	wmu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	closeC    CloseChan
}

var _ net.Conn = (*Stream)(nil)

// NewStream wraps p. The stream owns p from now on: closing the stream closes p. Streams that
// become unreachable without being closed have their provider closed by the garbage collector.
func NewStream(p Provider, opts ...Option) *Stream {
	return newStream(p, newOptions(opts...))
}

func newStream(p Provider, o options) *Stream {
	logger := o.logger.WithField("net", "stream")
	if addr := p.RemoteAddr(); addr != nil {
		logger = logger.WithField("peer", addr.String())
	}

	s := &Stream{
		provider: p,
		logger:   logger,
		metrics:  o.metrics,
		closeC:   make(CloseChan),
	}
	s.metrics.streamOpened()
	runtime.SetFinalizer(s, finalizeStream)
	return s
}

func finalizeStream(s *Stream) {
	if err := s.Close(); err != nil {
		s.logger.Errorf("teardown of unreferenced stream failed: %s", err)
	}
}

// Read fills p with the next bytes of the incoming stream. It blocks until at least one byte
// is available. io.EOF is returned once the peer has closed the websocket, and on every
// subsequent call.
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, errNotConnected("read")
	}
	if len(p) == 0 {
		return 0, nil
	}

	s.rmu.Lock()
	defer s.rmu.Unlock()

	for {
		switch s.rs.kind {
		case readReady:
			n := copy(p, s.rs.msg[s.rs.offset:])
			s.rs.offset += n
			if s.rs.offset >= len(s.rs.msg) {
				s.rs = readState{}
			}
			s.metrics.addBytes(directionIn, n)
			return n, nil
		case readEOF:
			return 0, io.EOF
		}

		m, err := s.provider.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Debugln("transport ended")
				s.rs = readState{kind: readEOF}
				continue
			}
			if s.closed.Load() {
				return 0, errNotConnected("read")
			}
			s.metrics.addError(err)
			s.logger.Errorf("error occurred on websocket read: %s", err)
			return 0, toStreamError("read", err)
		}

		s.metrics.addMessage(directionIn, m.Type())

		switch t := m.Type(); {
		case t.IsClose():
			if f, ok := CloseFrameOf(m); ok {
				s.logger.Infof("connection closed by peer: code=%d reason=%q", f.Code, f.Reason)
			} else {
				s.logger.Infoln("connection closed by peer without status")
			}
			s.rs = readState{kind: readEOF}
		case t.IsData():
			data := m.Data()
			if len(data) == 0 {
				continue
			}
			s.logger.Debugf("<= [%s] %d bytes", frameTag(t), len(data))
			s.rs = readState{kind: readReady, msg: data}
		default:
			s.logger.Debugf("<= [%s]", frameTag(t))
		}
	}
}

// Write sends p as a single binary message and flushes it eagerly. A flush that cannot
// complete because the transport is not ready does not fail the write; the data stays queued
// for the next flush.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, errNotConnected("write")
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if err := s.provider.Send(NewBinaryMessage(p)); err != nil {
		if s.closed.Load() {
			return 0, errNotConnected("write")
		}
		s.metrics.addError(err)
		return 0, toStreamError("write", err)
	}
	s.logger.Debugf("=> [BIN] %d bytes", len(p))
	s.metrics.addMessage(directionOut, BinaryMessage)
	s.metrics.addBytes(directionOut, len(p))

	if err := s.provider.Flush(); err != nil && !errors.Is(err, ErrFlushPending) {
		s.metrics.addError(err)
		return len(p), toStreamError("write", err)
	}
	return len(p), nil
}

// Flush pushes queued outgoing data to the transport. It returns a timeout error wrapping
// ErrFlushPending when the write deadline expires before everything was written.
func (s *Stream) Flush() error {
	if s.closed.Load() {
		return errNotConnected("flush")
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if err := s.provider.Flush(); err != nil {
		return toStreamError("flush", err)
	}
	return nil
}

// Close closes the websocket, flushing queued data before the close frame. It is safe to call
// more than once; later calls return the result of the first.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		runtime.SetFinalizer(s, nil)

		if err := s.provider.Close(); err != nil {
			s.closeErr = toStreamError("close", err)
			s.logger.Warnf("error closing stream: %s", err)
		}
		close(s.closeC)
		s.metrics.streamClosed()
	})
	return s.closeErr
}

// CloseChan is closed once Close has run.
func (s *Stream) CloseChan() CloseChan {
	return s.closeC
}

func (s *Stream) LocalAddr() net.Addr {
	if addr := s.provider.LocalAddr(); addr != nil {
		return addr
	}
	return wsAddr{}
}

func (s *Stream) RemoteAddr() net.Addr {
	if addr := s.provider.RemoteAddr(); addr != nil {
		return addr
	}
	return wsAddr{}
}

// PeerAddr returns the remote address when the provider knows it.
func (s *Stream) PeerAddr() (net.Addr, bool) {
	addr := s.provider.RemoteAddr()
	return addr, addr != nil
}

func (s *Stream) SetDeadline(t time.Time) error {
	if err := s.provider.SetReadDeadline(t); err != nil {
		return err
	}
	return s.provider.SetWriteDeadline(t)
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.provider.SetReadDeadline(t)
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	return s.provider.SetWriteDeadline(t)
}

func frameTag(t MessageType) string {
	switch t {
	case BinaryMessage:
		return "BIN"
	case TextMessage:
		return "DATA"
	default:
		return strings.ToUpper(t.String())
	}
}
