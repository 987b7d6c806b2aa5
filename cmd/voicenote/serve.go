package cli

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/neboloop/voicenote/internal/config"
	"github.com/neboloop/voicenote/internal/db"
	"github.com/neboloop/voicenote/internal/logging"
	"github.com/neboloop/voicenote/internal/metrics"
	"github.com/neboloop/voicenote/internal/notes"
	"github.com/neboloop/voicenote/internal/server"
	"github.com/neboloop/voicenote/internal/stream"
)

// ServeCmd creates the serve command
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the voice-note server",
		Long: `Start the reference voice-note server. Sessions are accepted over
WebSocket on server.addr and, when server.tcp_addr is set, as one-shot
sentinel exchanges on a raw TCP socket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	ctx, cancel := signalContext()
	defer cancel()

	c := *AppConfig

	var m *metrics.Metrics
	metricsPath := ""
	if c.MetricsEnabled() {
		m = metrics.New(prometheus.NewRegistry())
		metricsPath = c.Metrics.Path
	}

	noteStore, err := notes.Open(c.Server.SaveDir, notes.WithLogger(slog.Default()), notes.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("open notes: %w", err)
	}
	convs, err := db.NewSQLite(c.Server.DBPath)
	if err != nil {
		return fmt.Errorf("open conversations: %w", err)
	}
	defer convs.Close()

	srv, err := server.New(c.Server, server.Options{
		Notes:         noteStore,
		Conversations: convs,
		Metrics:       m,
		MetricsPath:   metricsPath,
		StreamOptions: streamOptions(c.Stream, m),
		Logger:        slog.Default(),
	})
	if err != nil {
		return err
	}

	if cfgFile != "" {
		if err := config.Watch(ctx, cfgFile, applyReload); err != nil {
			logging.Warnf("config hot reload disabled: %v", err)
		}
	}

	logging.Infof("voicenote %s listening on %s%s", AppVersion, c.Server.Addr, c.Server.Path)
	if err := srv.Run(ctx); err != nil {
		logging.Errorf("server stopped: %v", err)
		return err
	}
	return nil
}

// applyReload picks up a changed log level unless --log-level pins it.
func applyReload(c config.Config) {
	if logLevel != "" {
		return
	}
	if err := logging.SetLevel(c.Log.Level); err != nil {
		logging.Warnf("ignoring log level from reloaded config: %v", err)
	}
}

func streamOptions(c config.StreamConfig, m *metrics.Metrics) []stream.Option {
	overflow := stream.DropNewest
	if c.Overflow == stream.DropOldest.String() {
		overflow = stream.DropOldest
	}
	return []stream.Option{
		stream.WithMetrics(m),
		stream.WithQueueLimit(c.QueueLimit, overflow),
	}
}
