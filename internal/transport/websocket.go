package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10

	// DefaultMaxFrame caps a single inbound WebSocket message.
	DefaultMaxFrame = 16 << 20
)

// WebSocket is the natively framed variant: one text message per frame.
// A keepalive goroutine pings the peer; a missed pong fails Receive.
type WebSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex // gorilla allows one concurrent writer
	logger  *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocket wraps an established connection and starts its keepalive.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	t := &WebSocket{
		conn:   conn,
		logger: slog.Default().With("component", "ws-transport"),
		done:   make(chan struct{}),
	}
	conn.SetReadLimit(DefaultMaxFrame)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	go t.keepalive()
	return t
}

// DialWebSocket connects to a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return NewWebSocket(conn), nil
}

// Upgrader is shared by servers accepting voice sessions.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Native clients send no Origin.
		return r.Header.Get("Origin") == ""
	},
}

// AcceptWebSocket upgrades an HTTP request.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request) (*WebSocket, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return NewWebSocket(conn), nil
}

func (t *WebSocket) keepalive() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *WebSocket) write(msgType int, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return t.conn.WriteMessage(msgType, data)
}

func (t *WebSocket) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	if err := t.write(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (t *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			select {
			case <-t.done:
				return nil, io.EOF
			default:
			}
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				t.logger.Debug("read failed", "error", err)
			}
			return nil, fmt.Errorf("websocket read: %w", err)
		}
		// Binary messages are accepted for peers that do not send text.
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close sends a close frame and releases the connection.
func (t *WebSocket) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		t.writeMu.Lock()
		t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// RemoteAddr returns the peer address.
func (t *WebSocket) RemoteAddr() string { return t.conn.RemoteAddr().String() }
