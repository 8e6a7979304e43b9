package wsstream

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Recv() (Message, error) {
	args := m.Called()
	msg, _ := args.Get(0).(Message)
	return msg, args.Error(1)
}

func (m *mockProvider) Send(msg Message) error {
	return m.Called(msg).Error(0)
}

func (m *mockProvider) Flush() error {
	return m.Called().Error(0)
}

func (m *mockProvider) Close() error {
	return m.Called().Error(0)
}

func (m *mockProvider) RemoteAddr() net.Addr {
	addr, _ := m.Called().Get(0).(net.Addr)
	return addr
}

func (m *mockProvider) LocalAddr() net.Addr {
	addr, _ := m.Called().Get(0).(net.Addr)
	return addr
}

func (m *mockProvider) SetReadDeadline(t time.Time) error {
	return m.Called(t).Error(0)
}

func (m *mockProvider) SetWriteDeadline(t time.Time) error {
	return m.Called(t).Error(0)
}

type recvResult struct {
	msg Message
	err error
}

// scriptedProvider replays a fixed sequence of Recv results and records what is sent.
// Once the script is exhausted Recv returns io.EOF. The func fields override the defaults.
type scriptedProvider struct {
	mu      sync.Mutex
	script  []recvResult
	sent    []Message
	flushes int
	closes  int
	remote  net.Addr

	SendFunc  func(m Message) error
	FlushFunc func() error
	CloseFunc func() error
}

func newScriptedProvider(results ...recvResult) *scriptedProvider {
	return &scriptedProvider{script: results}
}

func recvMsg(m Message) recvResult {
	return recvResult{msg: m}
}

func recvErr(err error) recvResult {
	return recvResult{err: err}
}

func (p *scriptedProvider) Recv() (Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.script) == 0 {
		return nil, io.EOF
	}
	next := p.script[0]
	p.script = p.script[1:]
	return next.msg, next.err
}

func (p *scriptedProvider) Send(m Message) error {
	if p.SendFunc != nil {
		if err := p.SendFunc(m); err != nil {
			return err
		}
	}
	data := append([]byte(nil), m.Data()...)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, NewMessage(m.Type(), data))
	return nil
}

func (p *scriptedProvider) Flush() error {
	p.mu.Lock()
	p.flushes++
	p.mu.Unlock()
	if p.FlushFunc != nil {
		return p.FlushFunc()
	}
	return nil
}

func (p *scriptedProvider) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	if p.CloseFunc != nil {
		return p.CloseFunc()
	}
	return nil
}

func (p *scriptedProvider) RemoteAddr() net.Addr { return p.remote }

func (p *scriptedProvider) LocalAddr() net.Addr { return nil }

func (p *scriptedProvider) SetReadDeadline(time.Time) error { return nil }

func (p *scriptedProvider) SetWriteDeadline(time.Time) error { return nil }

func (p *scriptedProvider) Sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := make([]Message, len(p.sent))
	copy(res, p.sent)
	return res
}

func (p *scriptedProvider) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}
