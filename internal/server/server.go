// Package server is the reference voice-note server. It accepts sessions over
// WebSocket and one-shot exchanges over the sentinel-delimited raw socket,
// transcribes finished recordings, stores them as notes and answers the
// client's follow-up actions.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/neboloop/voicenote/internal/config"
	"github.com/neboloop/voicenote/internal/db"
	"github.com/neboloop/voicenote/internal/metrics"
	"github.com/neboloop/voicenote/internal/middleware"
	"github.com/neboloop/voicenote/internal/notes"
	"github.com/neboloop/voicenote/internal/stream"
	"github.com/neboloop/voicenote/internal/transport"
)

const shutdownTimeout = 30 * time.Second

// Options holds the server's collaborators.
type Options struct {
	Notes         *notes.Store
	Conversations *db.Store
	Transcriber   Transcriber // defaults to Describer
	Metrics       *metrics.Metrics
	MetricsPath   string // empty disables /metrics
	StreamOptions []stream.Option
	Logger        *slog.Logger
}

type Server struct {
	cfg         config.ServerConfig
	notes       *notes.Store
	convs       *db.Store
	transcriber Transcriber
	metrics     *metrics.Metrics
	metricsPath string
	streamOpts  []stream.Option
	base        *slog.Logger
	logger      *slog.Logger

	active atomic.Int64
}

// New validates opts and returns a Server for cfg.
func New(cfg config.ServerConfig, opts Options) (*Server, error) {
	if opts.Notes == nil {
		return nil, errors.New("server: notes store is required")
	}
	if opts.Conversations == nil {
		return nil, errors.New("server: conversation store is required")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("server: poll interval must be positive, got %s", cfg.PollInterval)
	}
	s := &Server{
		cfg:         cfg,
		notes:       opts.Notes,
		convs:       opts.Conversations,
		transcriber: opts.Transcriber,
		metrics:     opts.Metrics,
		metricsPath: opts.MetricsPath,
		streamOpts:  opts.StreamOptions,
		base:        opts.Logger,
	}
	if s.transcriber == nil {
		s.transcriber = Describer{}
	}
	if s.base == nil {
		s.base = slog.Default()
	}
	s.logger = s.base.With("component", "server")
	return s, nil
}

// Handler returns the HTTP surface: the session endpoint, note lookups,
// health and metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metricsPath != "" {
		r.Method(http.MethodGet, s.metricsPath, s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if s.cfg.AuthSecret != "" {
			r.Use(middleware.JWTMiddleware(s.cfg.AuthSecret))
		}
		r.Get(s.cfg.Path, s.handleSession)
		r.Get("/notes", s.handleListNotes)
		r.Get("/notes/{savePath}", s.handleGetNote)
		r.Get("/notes/{savePath}/audio.wav", s.handleNoteAudio)
	})
	return r
}

// Run listens on the configured addresses and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	var tcpLn net.Listener
	if s.cfg.TCPAddr != "" {
		tcpLn, err = net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("listen %s: %w", s.cfg.TCPAddr, err)
		}
	}
	return s.Serve(ctx, ln, tcpLn)
}

// Serve serves HTTP on ln and sentinel exchanges on tcpLn, which may be nil,
// and runs the prune schedule. It returns once ctx ends and the HTTP server
// has shut down.
func (s *Server) Serve(ctx context.Context, ln, tcpLn net.Listener) error {
	pruner, err := s.schedulePrune(ctx)
	if err != nil {
		ln.Close()
		if tcpLn != nil {
			tcpLn.Close()
		}
		return err
	}
	if pruner != nil {
		defer func() { <-pruner.Stop().Done() }()
	}

	g, gctx := errgroup.WithContext(ctx)

	// No ReadTimeout/WriteTimeout: they would put deadlines on hijacked
	// WebSocket connections. Keepalive is the transport's ping/pong.
	httpServer := &http.Server{
		Handler:           s.Handler(),
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		s.logger.Info("listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if tcpLn != nil {
		g.Go(func() error {
			s.logger.Info("listening for sentinel exchanges", "addr", tcpLn.Addr().String())
			return s.ServeSentinel(gctx, tcpLn)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ActiveSessions returns the number of sessions being served.
func (s *Server) ActiveSessions() int64 { return s.active.Load() }

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	t, err := transport.AcceptWebSocket(w, r)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	logger := s.base.With("remote", t.RemoteAddr(), "request_id", chimw.GetReqID(r.Context()))
	if sub := middleware.Subject(r.Context()); sub != "" {
		logger = logger.With("subject", sub)
	}
	s.serveStream(r.Context(), t, logger)
}

// serveStream runs one session: the stream pumps and the workload loop.
func (s *Server) serveStream(ctx context.Context, t transport.Transport, logger *slog.Logger) error {
	opts := append([]stream.Option{}, s.streamOpts...)
	opts = append(opts, stream.WithLogger(logger), stream.WithMetrics(s.metrics))
	conn := stream.New(t, opts...)

	s.sessionOpened()
	defer s.sessionClosed()
	logger = logger.With("component", "session")
	logger.Info("session opened")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return conn.Run(gctx) })
	g.Go(func() error {
		defer conn.Close()
		return s.runWorkload(gctx, conn, s.newSession(logger))
	})
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("session ended", "error", err)
		return err
	}
	logger.Info("session closed")
	return nil
}

func (s *Server) sessionOpened() {
	s.active.Add(1)
	s.metrics.SessionOpened()
}

func (s *Server) sessionClosed() {
	s.active.Add(-1)
	s.metrics.SessionClosed()
}
