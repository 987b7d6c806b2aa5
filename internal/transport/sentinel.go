package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/neboloop/voicenote/internal/message"
)

const (
	sentinelWriteWait = 10 * time.Second

	// DefaultMaxExchange caps the bytes read from one sentinel exchange.
	DefaultMaxExchange = 64 << 20
)

// Sentinel is the raw byte stream variant. Each Send writes
// SENTINEL ++ payload ++ SENTINEL. Receive reads until the peer half-closes
// its write direction and then yields the frames found in the accumulated
// bytes, one per call, followed by io.EOF.
//
// Limitations: one request/response exchange per connection, and payloads
// must not contain the sentinel.
type Sentinel struct {
	conn        net.Conn
	maxExchange int64

	writeMu sync.Mutex

	readMu  sync.Mutex
	read    bool
	pending [][]byte
}

// NewSentinel wraps an established connection.
func NewSentinel(conn net.Conn) *Sentinel {
	return &Sentinel{conn: conn, maxExchange: DefaultMaxExchange}
}

// DialSentinel opens a TCP connection to addr.
func DialSentinel(ctx context.Context, addr string) (*Sentinel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return NewSentinel(conn), nil
}

// SetMaxExchange changes the read cap. Call before the first Receive.
func (t *Sentinel) SetMaxExchange(n int64) { t.maxExchange = n }

func (t *Sentinel) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(sentinelWriteWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	t.conn.SetWriteDeadline(deadline)
	if _, err := t.conn.Write(message.Frame(frame)); err != nil {
		return fmt.Errorf("sentinel write: %w", err)
	}
	return nil
}

func (t *Sentinel) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.readMu.Lock()
	defer t.readMu.Unlock()

	if !t.read {
		t.read = true
		buf, err := io.ReadAll(io.LimitReader(t.conn, t.maxExchange+1))
		if err != nil {
			return nil, fmt.Errorf("sentinel read: %w", err)
		}
		if int64(len(buf)) > t.maxExchange {
			return nil, ErrFrameTooLarge
		}
		t.pending = message.SplitFrames(buf)
	}

	if len(t.pending) == 0 {
		return nil, io.EOF
	}
	frame := t.pending[0]
	t.pending = t.pending[1:]
	return frame, nil
}

// CloseWrite half-closes the connection so the peer's Receive completes.
func (t *Sentinel) CloseWrite() error {
	hc, ok := t.conn.(interface{ CloseWrite() error })
	if !ok {
		return ErrHalfCloseUnsupported
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return hc.CloseWrite()
}

func (t *Sentinel) Close() error {
	return t.conn.Close()
}

// RemoteAddr returns the peer address.
func (t *Sentinel) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }
