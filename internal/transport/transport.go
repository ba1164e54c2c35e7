package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by every operation after Close, and by writes once the peer closed.
var ErrClosed = errors.New("transport closed")

// MessageType distinguishes frame payload kinds.
type MessageType int

const (
	TextMessage   MessageType = 1
	BinaryMessage MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return "unknown"
	}
}

// Message is one discrete frame on a duplex transport.
type Message struct {
	Type MessageType
	Data []byte
}

// Transport is a bidirectional channel of discrete messages.
//
// Recv returns io.EOF once the peer ended the stream. Ready blocks until the write side can
// accept one message; Send is only valid after Ready returned nil. Flush pushes buffered
// frames to the peer. Close may be called at any time from any goroutine.
type Transport interface {
	Recv(ctx context.Context) (Message, error)
	Ready(ctx context.Context) error
	Send(msg Message) error
	Flush(ctx context.Context) error
	Close() error
}
