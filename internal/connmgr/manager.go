// Package connmgr establishes the transport for a streaming connection and
// hands back a running stream.Conn once it is up.
//
// Dial failures are retried after a fixed delay until the manager is closed;
// callers only observe a delay before IsReady reports true. An established
// connection that later drops is not re-dialed.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/neboloop/voicenote/internal/metrics"
	"github.com/neboloop/voicenote/internal/stream"
	"github.com/neboloop/voicenote/internal/transport"
)

// DefaultRetryDelay is the pause between failed dial attempts.
const DefaultRetryDelay = 3 * time.Second

var (
	ErrNotReady = errors.New("connmgr: connection not established")
	ErrClosed   = errors.New("connmgr: manager closed")
)

// ConnectError describes one failed dial. It is logged and retried, never
// returned to callers of Wait.
type ConnectError struct {
	Attempt int
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect attempt %d: %v", e.Attempt, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Dialer opens a transport.
type Dialer interface {
	Dial(ctx context.Context) (transport.Transport, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (transport.Transport, error)

func (f DialFunc) Dial(ctx context.Context) (transport.Transport, error) { return f(ctx) }

// WebSocketDialer dials a ws:// or wss:// URL.
func WebSocketDialer(url string, header http.Header) Dialer {
	return DialFunc(func(ctx context.Context) (transport.Transport, error) {
		return transport.DialWebSocket(ctx, url, header)
	})
}

// TCPDialer dials a sentinel-framed TCP endpoint.
func TCPDialer(addr string) Dialer {
	return DialFunc(func(ctx context.Context) (transport.Transport, error) {
		return transport.DialSentinel(ctx, addr)
	})
}

// Config configures a Manager.
type Config struct {
	Dialer        Dialer
	RetryDelay    time.Duration
	StreamOptions []stream.Option
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Manager owns one streaming connection.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	conn     *stream.Conn
	attempts int
	closed   bool

	ready  chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg. Call Open to start connecting.
func New(cfg Config) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("connmgr: dialer is required")
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "connmgr"),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Open starts connecting in the background. It returns immediately.
func (m *Manager) Open(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.closed || m.cancel != nil {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancel = cancel
	// Close waits on wg, so the goroutine is counted before mu is released.
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(ctx)
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	defer close(m.done)

	t, err := m.connect(ctx)
	if err != nil {
		m.logger.Debug("connect abandoned", "error", err)
		return
	}

	conn := stream.New(t, m.cfg.StreamOptions...)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		t.Close()
		return
	}
	m.conn = conn
	m.mu.Unlock()
	close(m.ready)
	m.logger.Info("connected", "attempts", m.Attempts())

	if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("connection dropped", "error", err)
		return
	}
	m.logger.Info("connection ended")
}

func (m *Manager) connect(ctx context.Context) (transport.Transport, error) {
	var t transport.Transport
	err := retry.Do(ctx, retry.NewConstant(m.cfg.RetryDelay), func(ctx context.Context) error {
		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		conn, err := m.cfg.Dialer.Dial(ctx)
		m.cfg.Metrics.ConnectAttempt(err == nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			cerr := &ConnectError{Attempt: attempt, Err: err}
			m.logger.Warn("connect failed, retrying", "attempt", attempt, "delay", m.cfg.RetryDelay, "error", err)
			return retry.RetryableError(cerr)
		}
		t = conn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// IsReady reports whether the connection has been established.
func (m *Manager) IsReady() bool {
	select {
	case <-m.ready:
		return true
	default:
		return false
	}
}

// Wait blocks until the connection is established, ctx is done or the
// manager stops.
func (m *Manager) Wait(ctx context.Context) (*stream.Conn, error) {
	select {
	case <-m.ready:
		return m.Conn()
	case <-m.done:
		if m.IsReady() {
			return m.Conn()
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Conn returns the established connection or ErrNotReady.
func (m *Manager) Conn() (*stream.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.conn == nil {
		return nil, ErrNotReady
	}
	return m.conn, nil
}

// Done is closed when the manager gives up: after Close, or once an
// established connection has ended.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Attempts returns how many dials have been made.
func (m *Manager) Attempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts
}

// Close stops any retry loop and closes the connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn, cancel := m.conn, m.cancel
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if cancel != nil {
		cancel()
		m.wg.Wait()
	} else {
		close(m.done)
	}
	return err
}
