package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxMsgSize    = 1 << 20
	inboundBuffer = 64
)

var _ Transport = (*WebSocket)(nil)

// WebSocket is a client-side Transport over a gorilla websocket connection.
type WebSocket struct {
	conn   *websocket.Conn
	logger *zap.Logger

	inbound chan Message
	readErr error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url and starts the read and keepalive loops.
func Dial(ctx context.Context, url string, header http.Header, logger *zap.Logger) (*WebSocket, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, fmt.Errorf("server url is required")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, trimmed, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", trimmed, err)
	}

	return NewWebSocket(conn, logger), nil
}

// NewWebSocket takes ownership of an established connection.
func NewWebSocket(conn *websocket.Conn, logger *zap.Logger) *WebSocket {
	if logger == nil {
		logger = zap.NewNop()
	}

	ws := &WebSocket{
		conn:    conn,
		logger:  logger,
		inbound: make(chan Message, inboundBuffer),
		done:    make(chan struct{}),
	}

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go ws.readLoop()
	go ws.keepalive()

	return ws
}

func (w *WebSocket) readLoop() {
	defer close(w.inbound)

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.readErr = io.EOF
			} else if w.isClosed() {
				w.readErr = ErrClosed
			} else {
				w.readErr = err
			}
			w.logger.Debug("websocket read loop ended", zap.Error(err))
			return
		}

		msg := Message{Type: MessageType(messageType), Data: data}
		select {
		case w.inbound <- msg:
		case <-w.done:
			w.readErr = ErrClosed
			return
		}
	}
}

func (w *WebSocket) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				w.logger.Warn("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}

// Recv returns the next inbound message. readErr is published by closing inbound.
func (w *WebSocket) Recv(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-w.inbound:
		if !ok {
			return Message{}, w.readErr
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Ready reports whether the connection can take a write. gorilla writes whole frames
// synchronously, so the only not-ready condition is a closed connection.
func (w *WebSocket) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.isClosed() {
		return ErrClosed
	}
	return nil
}

func (w *WebSocket) Send(msg Message) error {
	if w.isClosed() {
		return ErrClosed
	}

	messageType := websocket.TextMessage
	if msg.Type == BinaryMessage {
		messageType = websocket.BinaryMessage
	}

	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := w.conn.WriteMessage(messageType, msg.Data); err != nil {
		// gorilla answers the peer's close frame itself; later writes fail with ErrCloseSent.
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Flush is a no-op beyond the closed check; every Send already wrote a complete frame.
func (w *WebSocket) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.isClosed() {
		return ErrClosed
	}
	return nil
}

// Close sends a close frame and tears down the connection. Safe to call more than once.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		err = w.conn.Close()
	})
	return err
}

func (w *WebSocket) isClosed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}
