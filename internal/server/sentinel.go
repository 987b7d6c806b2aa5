package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/neboloop/voicenote/internal/message"
	"github.com/neboloop/voicenote/internal/transport"
)

// exchangeReplies collects the responses of a sentinel exchange. They are
// written after the client has half-closed.
type exchangeReplies struct {
	msgs []message.Message
}

func (r *exchangeReplies) Send(msg message.Message) error {
	r.msgs = append(r.msgs, msg)
	return nil
}

// ServeSentinel accepts raw socket exchanges on ln until ctx ends. Each
// connection carries one exchange: the client writes its records and
// half-closes, the server answers and closes.
func (s *Server) ServeSentinel(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveExchange(ctx, c)
		}()
	}
}

func (s *Server) serveExchange(ctx context.Context, c net.Conn) {
	t := transport.NewSentinel(c)
	defer t.Close()

	logger := s.base.With("component", "session", "remote", c.RemoteAddr().String(), "transport", "sentinel")
	s.sessionOpened()
	defer s.sessionClosed()

	ss := s.newSession(logger)
	limiter := s.newLimiter()
	replies := &exchangeReplies{}

	for {
		frame, err := t.Receive(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Warn("failed to read exchange", "error", err)
			return
		}
		s.metrics.FrameReceived(len(frame))

		msg, err := message.Decode(message.Legacy, frame)
		if err != nil {
			s.metrics.DecodeError()
			logger.Warn("skipping undecodable record", "error", err)
			continue
		}
		if _, ok := msg.(*message.Reset); ok {
			replies.msgs = replies.msgs[:0]
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if err := ss.handle(ctx, replies, msg); err != nil {
			logger.Warn("exchange failed", "error", err)
			return
		}
	}

	for _, msg := range replies.msgs {
		frame, err := message.Encode(message.Legacy, msg)
		if err != nil {
			logger.Error("failed to encode reply", "error", err)
			return
		}
		if err := t.Send(ctx, frame); err != nil {
			logger.Warn("failed to write reply", "error", err)
			return
		}
		s.metrics.FrameSent(len(frame))
	}
	logger.Debug("exchange complete", "replies", len(replies.msgs))
}
