package wsstream

import (
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func readAllWith(t *testing.T, s *Stream, size int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, size)
	for {
		n, err := s.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
	}
}

func TestStream_ReadConcatenatesDataMessages(t *testing.T) {
	script := func() []recvResult {
		return []recvResult{
			recvMsg(NewBinaryMessage([]byte("hello"))),
			recvMsg(NewBinaryMessage(nil)),
			recvMsg(NewPingMessage([]byte("p"))),
			recvMsg(NewTextMessage([]byte(" world"))),
			recvMsg(NewPongMessage([]byte("q"))),
			recvMsg(NewBinaryMessage([]byte("!"))),
			recvMsg(NewCloseMessage(&CloseFrame{Code: CloseNormalClosure, Reason: "bye"})),
			recvMsg(NewBinaryMessage([]byte("after close"))),
		}
	}

	for _, size := range []int{1, 2, 3, 7, 64} {
		t.Run(fmt.Sprintf("buffer_%d", size), func(t *testing.T) {
			s := NewStream(newScriptedProvider(script()...), WithLogger(NewNopLogger()))
			assert.Equal(t, "hello world!", string(readAllWith(t, s, size)))
		})
	}
}

func TestStream_ReadEOFIsSticky(t *testing.T) {
	p := newScriptedProvider(
		recvMsg(NewCloseMessage(nil)),
		recvMsg(NewBinaryMessage([]byte("never"))),
	)
	s := NewStream(p, WithLogger(NewNopLogger()))

	buf := make([]byte, 8)
	for i := 0; i < 3; i++ {
		n, err := s.Read(buf)
		assert.Equal(t, 0, n)
		assert.Equal(t, io.EOF, err)
	}
}

func TestStream_ReadTransportEndIsEOF(t *testing.T) {
	s := NewStream(newScriptedProvider(recvMsg(NewBinaryMessage([]byte("ab")))), WithLogger(NewNopLogger()))
	assert.Equal(t, "ab", string(readAllWith(t, s, 16)))
}

func TestStream_ReadEmptyBuffer(t *testing.T) {
	p := newScriptedProvider(recvMsg(NewBinaryMessage([]byte("x"))))
	s := NewStream(p, WithLogger(NewNopLogger()))

	n, err := s.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "x", string(readAllWith(t, s, 4)))
}

func TestStream_ReadLogsCloseFrame(t *testing.T) {
	logger := newWriterLogger(nil)
	p := newScriptedProvider(recvMsg(NewCloseMessage(&CloseFrame{Code: CloseGoingAway, Reason: "restart"})))
	s := NewStream(p, WithLogger(logger))

	_, err := s.Read(make([]byte, 4))
	assert.Equal(t, io.EOF, err)
	assert.True(t, logger.Contains("INFO", `code=1001 reason="restart"`))
}

func TestStream_ReadErrorsMapToErrno(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		errno syscall.Errno
	}{
		{"protocol", newError(KindProtocolViolation, errors.New("bad frame")), syscall.ECONNRESET},
		{"aborted", newError(KindConnectionFailed, io.ErrUnexpectedEOF), syscall.ECONNABORTED},
		{"closed", newError(KindConnectionFailed, ErrConnectionClosed), syscall.ENOTCONN},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewStream(newScriptedProvider(recvErr(tc.err)), WithLogger(NewNopLogger()))
			_, err := s.Read(make([]byte, 4))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.errno)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	t.Run("backend", func(t *testing.T) {
		cause := newError(KindBackendSpecific, errors.New("boom"))
		s := NewStream(newScriptedProvider(recvErr(cause)), WithLogger(NewNopLogger()))
		_, err := s.Read(make([]byte, 4))
		var se *StreamError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, syscall.Errno(0), se.Errno)
		assert.Equal(t, KindBackendSpecific, KindOf(err))
	})
}

func TestStream_WriteSendsOneBinaryMessage(t *testing.T) {
	p := newScriptedProvider()
	s := NewStream(p, WithLogger(NewNopLogger()))

	payload := []byte("payload")
	n, err := s.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	payload[0] = 'X'

	sent := p.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, BinaryMessage, sent[0].Type())
	assert.Equal(t, "payload", string(sent[0].Data()))
	assert.Equal(t, 1, p.flushes)
}

func TestStream_WriteEmpty(t *testing.T) {
	p := newScriptedProvider()
	s := NewStream(p, WithLogger(NewNopLogger()))

	n, err := s.Write(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	sent := p.Sent()
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].Data())
}

func TestStream_WriteFailureIsAllOrNothing(t *testing.T) {
	p := newScriptedProvider()
	p.SendFunc = func(Message) error {
		return newError(KindConnectionFailed, syscall.EPIPE)
	}
	s := NewStream(p, WithLogger(NewNopLogger()))

	n, err := s.Write([]byte("data"))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, syscall.ECONNABORTED)
	assert.Empty(t, p.Sent())
}

func TestStream_WriteAbsorbsPendingFlush(t *testing.T) {
	p := newScriptedProvider()
	p.FlushFunc = func() error {
		return fmt.Errorf("%w: %w", ErrFlushPending, os.ErrDeadlineExceeded)
	}
	s := NewStream(p, WithLogger(NewNopLogger()))

	n, err := s.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	err = s.Flush()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFlushPending)
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout())
}

func TestStream_WriteReportsFlushFailure(t *testing.T) {
	p := newScriptedProvider()
	p.FlushFunc = func() error {
		return newError(KindConnectionFailed, syscall.ECONNRESET)
	}
	s := NewStream(p, WithLogger(NewNopLogger()))

	n, err := s.Write([]byte("abc"))
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, syscall.ECONNABORTED)
}

func TestStream_UseAfterClose(t *testing.T) {
	p := newScriptedProvider(recvMsg(NewBinaryMessage([]byte("unread"))))
	s := NewStream(p, WithLogger(NewNopLogger()))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, p.Closes())

	select {
	case <-s.CloseChan():
	default:
		t.Fatal("close chan should be closed")
	}

	_, err := s.Write([]byte("late"))
	assert.ErrorIs(t, err, syscall.ENOTCONN)
	_, err = s.Read(make([]byte, 4))
	assert.ErrorIs(t, err, syscall.ENOTCONN)
	assert.ErrorIs(t, s.Flush(), syscall.ENOTCONN)
	assert.Empty(t, p.Sent())
}

func TestStream_CloseReturnsFirstResult(t *testing.T) {
	p := newScriptedProvider()
	calls := 0
	p.CloseFunc = func() error {
		calls++
		return newError(KindConnectionFailed, syscall.EPIPE)
	}
	s := NewStream(p, WithLogger(NewNopLogger()))

	first := s.Close()
	require.Error(t, first)
	assert.Equal(t, first, s.Close())
	assert.Equal(t, 1, calls)
}

func TestStream_AddressesAndDeadlines(t *testing.T) {
	remote := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
	deadline := time.Now().Add(time.Minute)

	p := new(mockProvider)
	p.On("RemoteAddr").Return(remote)
	p.On("LocalAddr").Return(nil)
	p.On("SetReadDeadline", deadline).Return(nil).Once()
	p.On("SetWriteDeadline", deadline).Return(nil).Once()
	p.On("Close").Return(nil).Once()

	s := NewStream(p, WithLogger(NewNopLogger()))

	addr, ok := s.PeerAddr()
	require.True(t, ok)
	assert.Equal(t, remote, addr)
	assert.Equal(t, remote, s.RemoteAddr())
	assert.Equal(t, "websocket", s.LocalAddr().Network())

	require.NoError(t, s.SetDeadline(deadline))
	require.NoError(t, s.Close())

	p.AssertExpectations(t)
}

func TestStream_PeerAddrUnknown(t *testing.T) {
	p := new(mockProvider)
	p.On("RemoteAddr").Return(nil)
	p.On("Send", mock.Anything).Return(nil)
	p.On("Flush").Return(nil)
	p.On("Close").Return(nil)

	s := NewStream(p, WithLogger(NewNopLogger()))
	defer s.Close()

	_, ok := s.PeerAddr()
	assert.False(t, ok)
	assert.Equal(t, "websocket", s.RemoteAddr().String())

	_, err := s.Write([]byte("x"))
	require.NoError(t, err)
	p.AssertCalled(t, "Send", NewBinaryMessage([]byte("x")))
}

func TestStream_Metrics(t *testing.T) {
	m := NewMetrics("test")
	p := newScriptedProvider(
		recvMsg(NewBinaryMessage([]byte("1234"))),
		recvMsg(NewPingMessage(nil)),
	)
	s := NewStream(p, WithLogger(NewNopLogger()), WithMetrics(m))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.open))

	assert.Equal(t, "1234", string(readAllWith(t, s, 3)))
	_, err := s.Write([]byte("abcdef"))
	require.NoError(t, err)

	assert.Equal(t, float64(4), testutil.ToFloat64(m.bytes.WithLabelValues(directionIn)))
	assert.Equal(t, float64(6), testutil.ToFloat64(m.bytes.WithLabelValues(directionOut)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.messages.WithLabelValues(directionIn, "ping")))

	require.NoError(t, s.Close())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.open))
}
