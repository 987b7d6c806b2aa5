package stream

import (
	"log/slog"

	"github.com/neboloop/voicenote/internal/message"
	"github.com/neboloop/voicenote/internal/metrics"
)

// Option configures a Conn.
type Option func(*Conn)

// WithCodec selects the record codec. Defaults to message.JSON; use
// message.Legacy with the sentinel transport.
func WithCodec(c message.Codec) Option {
	return func(s *Conn) { s.codec = c }
}

// WithLogger sets a custom logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Conn) { s.logger = l.With("component", "stream") }
}

// WithMetrics exports counters through m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Conn) { s.metrics = m }
}

// WithQueueLimit bounds both queues to capacity records. Zero keeps them
// unbounded.
func WithQueueLimit(capacity int, overflow Overflow) Option {
	return func(s *Conn) {
		s.outbound.capacity, s.outbound.overflow = capacity, overflow
		s.inbound.capacity, s.inbound.overflow = capacity, overflow
	}
}
