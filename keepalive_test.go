package wsstream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeepAliveProvider_SendsPings(t *testing.T) {
	inner := newScriptedProvider()
	p := NewKeepAliveProvider(context.Background(), NewNopLogger(), inner, 5*time.Millisecond, nil)
	defer p.Close()

	require.Eventually(t, func() bool { return len(inner.Sent()) >= 2 }, time.Second, time.Millisecond)

	for _, m := range inner.Sent() {
		assert.Equal(t, PingMessage, m.Type())
		assert.Empty(t, m.Data())
	}
}

func TestKeepAliveProvider_CustomMessage(t *testing.T) {
	inner := newScriptedProvider()
	factory := NewKeepAliveMessageFactory(TextMessage, func() []byte { return []byte(`{"op":"ping"}`) })
	p := NewKeepAliveProvider(context.Background(), NewNopLogger(), inner, 5*time.Millisecond, factory)
	defer p.Close()

	require.Eventually(t, func() bool { return len(inner.Sent()) >= 1 }, time.Second, time.Millisecond)

	m := inner.Sent()[0]
	assert.Equal(t, TextMessage, m.Type())
	assert.Equal(t, `{"op":"ping"}`, string(m.Data()))
}

func TestKeepAliveProvider_StopsOnClose(t *testing.T) {
	inner := newScriptedProvider()
	p := NewKeepAliveProvider(context.Background(), NewNopLogger(), inner, 5*time.Millisecond, nil)

	require.Eventually(t, func() bool { return len(inner.Sent()) >= 1 }, time.Second, time.Millisecond)
	require.NoError(t, p.Close())
	assert.Equal(t, 1, inner.Closes())

	time.Sleep(20 * time.Millisecond)
	sent := len(inner.Sent())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, sent, len(inner.Sent()))
}

func TestKeepAliveProvider_StopsOnContext(t *testing.T) {
	inner := newScriptedProvider()
	ctx, cancel := context.WithCancel(context.Background())
	p := NewKeepAliveProvider(ctx, NewNopLogger(), inner, 5*time.Millisecond, nil)
	defer p.Close()

	require.Eventually(t, func() bool { return len(inner.Sent()) >= 1 }, time.Second, time.Millisecond)
	cancel()

	time.Sleep(20 * time.Millisecond)
	sent := len(inner.Sent())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, sent, len(inner.Sent()))
}

func TestKeepAliveProvider_StopsWhenConnectionFails(t *testing.T) {
	var attempts atomic.Int32
	inner := newScriptedProvider()
	inner.SendFunc = func(Message) error {
		attempts.Add(1)
		return newError(KindConnectionFailed, ErrConnectionClosed)
	}
	p := NewKeepAliveProvider(context.Background(), NewNopLogger(), inner, 5*time.Millisecond, nil)
	defer p.Close()

	require.Eventually(t, func() bool { return attempts.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, attempts.Load())
}

func TestKeepAliveProvider_PendingFlushIsNotFatal(t *testing.T) {
	inner := newScriptedProvider()
	inner.FlushFunc = func() error { return ErrFlushPending }
	p := NewKeepAliveProvider(context.Background(), NewNopLogger(), inner, 5*time.Millisecond, nil)
	defer p.Close()

	require.Eventually(t, func() bool { return len(inner.Sent()) >= 3 }, time.Second, time.Millisecond)
}

func TestKeepAliveProvider_StreamIgnoresOwnPings(t *testing.T) {
	inner := newScriptedProvider(recvMsg(NewBinaryMessage([]byte("payload"))))
	s := NewStream(NewKeepAliveProvider(context.Background(), NewNopLogger(), inner, time.Millisecond, nil), nop())
	defer s.Close()

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))

	_, err = s.Write([]byte("out"))
	require.NoError(t, err)

	var binaries int
	for _, m := range inner.Sent() {
		if m.Type().IsBinary() {
			binaries++
			assert.Equal(t, "out", string(m.Data()))
		}
	}
	assert.Equal(t, 1, binaries)
}

func TestKeepAliveProvider_NonPositiveIntervalUsesDefault(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Second} {
		inner := newScriptedProvider()
		p := NewKeepAliveProvider(context.Background(), NewNopLogger(), inner, interval, nil)

		ka, ok := p.(*keepAliveProvider)
		require.True(t, ok)
		assert.Equal(t, DefaultKeepAliveInterval, ka.pingInterval)

		time.Sleep(10 * time.Millisecond)
		assert.Empty(t, inner.Sent())
		require.NoError(t, p.Close())
	}
}
