package wsstream

import (
	"fmt"
	"unicode/utf8"
)

// MessageType is the kind of a websocket message. Values match the RFC 6455 opcodes.
type MessageType byte

const (
	TextMessage   MessageType = 1
	BinaryMessage MessageType = 2
	CloseMessage  MessageType = 8
	PingMessage   MessageType = 9
	PongMessage   MessageType = 10
)

func (t MessageType) Is(other MessageType) bool {
	return t == other
}

// IsData reports whether messages of this type carry application payload.
func (t MessageType) IsData() bool {
	return t.Is(TextMessage) || t.Is(BinaryMessage)
}

func (t MessageType) IsText() bool {
	return t.Is(TextMessage)
}

func (t MessageType) IsBinary() bool {
	return t.Is(BinaryMessage)
}

func (t MessageType) IsPing() bool {
	return t.Is(PingMessage)
}

func (t MessageType) IsPong() bool {
	return t.Is(PongMessage)
}

func (t MessageType) IsClose() bool {
	return t.Is(CloseMessage)
}

// IsControl reports whether the type is a control frame (close, ping or pong).
func (t MessageType) IsControl() bool {
	return t.IsClose() || t.IsPing() || t.IsPong()
}

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	case CloseMessage:
		return "close"
	case PingMessage:
		return "ping"
	case PongMessage:
		return "pong"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// CloseCode is a websocket close status code.
type CloseCode uint16

const (
	CloseNormalClosure           CloseCode = 1000
	CloseGoingAway               CloseCode = 1001
	CloseProtocolError           CloseCode = 1002
	CloseUnsupportedData         CloseCode = 1003
	CloseNoStatusReceived        CloseCode = 1005
	CloseAbnormalClosure         CloseCode = 1006
	CloseInvalidFramePayloadData CloseCode = 1007
	ClosePolicyViolation         CloseCode = 1008
	CloseMessageTooBig           CloseCode = 1009
	CloseMandatoryExtension      CloseCode = 1010
	CloseInternalServerErr       CloseCode = 1011
)

// CloseFrame is the optional payload of a close message.
type CloseFrame struct {
	Code   CloseCode
	Reason string
}

func (f CloseFrame) String() string {
	return fmt.Sprintf("code=%d,reason=%q", f.Code, f.Reason)
}

// Message is one websocket frame payload together with its kind. It abstracts over the
// message types of the underlying websocket libraries.
type Message interface {
	Type() MessageType
	// Data returns the byte view of the message: the UTF-8 bytes of a text message, the
	// payload of binary, ping and pong messages, and the reason of a close message (empty
	// when the close frame carried none).
	Data() []byte
	String() string
}

type message struct {
	MessageType MessageType
	MessageData []byte
}

func (m message) Type() MessageType {
	return m.MessageType
}

func (m message) Data() []byte {
	return m.MessageData
}

func (m message) String() string {
	if m.MessageType.IsText() && utf8.Valid(m.MessageData) {
		return fmt.Sprintf("Message{type=%s,data=%s}", m.MessageType, m.MessageData)
	}
	return fmt.Sprintf("Message{type=%s,len=%d}", m.MessageType, len(m.MessageData))
}

type closeMessage struct {
	frame *CloseFrame
}

func (m closeMessage) Type() MessageType {
	return CloseMessage
}

func (m closeMessage) Data() []byte {
	if m.frame == nil {
		return []byte{}
	}
	return []byte(m.frame.Reason)
}

func (m closeMessage) String() string {
	if m.frame == nil {
		return "Message{type=close}"
	}
	return fmt.Sprintf("Message{type=close,%s}", m.frame)
}

func NewMessage(mt MessageType, data []byte) Message {
	if mt.IsClose() {
		return NewCloseMessage(nil)
	}
	return message{MessageType: mt, MessageData: data}
}

func NewTextMessage(data []byte) Message {
	return NewMessage(TextMessage, data)
}

func NewBinaryMessage(data []byte) Message {
	return NewMessage(BinaryMessage, data)
}

func NewPingMessage(data []byte) Message {
	return NewMessage(PingMessage, data)
}

func NewPongMessage(data []byte) Message {
	return NewMessage(PongMessage, data)
}

// NewCloseMessage returns a close message. A nil frame stands for a close frame without
// status code and reason.
func NewCloseMessage(frame *CloseFrame) Message {
	if frame == nil {
		return closeMessage{}
	}
	f := *frame
	return closeMessage{frame: &f}
}

// CloseFrameOf returns the close frame carried by m, if m is a close message with a status code.
func CloseFrameOf(m Message) (CloseFrame, bool) {
	cm, ok := m.(closeMessage)
	if !ok || cm.frame == nil {
		return CloseFrame{}, false
	}
	return *cm.frame, true
}
