package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/voicenote/internal/config"
	"github.com/neboloop/voicenote/internal/connmgr"
	"github.com/neboloop/voicenote/internal/logging"
	"github.com/neboloop/voicenote/internal/message"
	"github.com/neboloop/voicenote/internal/recorder"
	"github.com/neboloop/voicenote/internal/stream"
)

const pollInterval = 20 * time.Millisecond

// clientFlags are shared by send and action.
type clientFlags struct {
	transport string
	timeout   time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.transport, "transport", "", "websocket or tcp (default: client.transport)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", time.Minute, "give up after this long")
}

// clientConfig applies the flags over the loaded client settings.
func (f *clientFlags) clientConfig() (config.ClientConfig, error) {
	c := AppConfig.Client
	switch f.transport {
	case "":
	case config.TransportWebSocket, config.TransportTCP:
		c.Transport = f.transport
	default:
		return c, fmt.Errorf("unknown transport %q", f.transport)
	}
	return c, nil
}

// connect dials the configured server and waits for the connection.
func connect(ctx context.Context, c config.ClientConfig, sc config.StreamConfig) (*connmgr.Manager, *stream.Conn, error) {
	opts := streamOptions(sc, nil)
	var dialer connmgr.Dialer
	switch c.Transport {
	case config.TransportTCP:
		dialer = connmgr.TCPDialer(c.Addr)
		opts = append(opts, stream.WithCodec(message.Legacy))
	default:
		header := http.Header{}
		if c.Token != "" {
			header.Set("Authorization", "Bearer "+c.Token)
		}
		dialer = connmgr.WebSocketDialer(c.URL, header)
	}

	mgr, err := connmgr.New(connmgr.Config{
		Dialer:        dialer,
		RetryDelay:    c.RetryDelay,
		StreamOptions: opts,
		Logger:        slog.Default(),
	})
	if err != nil {
		return nil, nil, err
	}
	mgr.Open(ctx)
	conn, err := mgr.Wait(ctx)
	if err != nil {
		mgr.Close()
		return nil, nil, fmt.Errorf("connect to server: %w", err)
	}
	return mgr, conn, nil
}

// finishSend ends the outbound direction on transports that only answer
// once the client has half-closed.
func finishSend(c config.ClientConfig, conn *stream.Conn) error {
	if c.Transport != config.TransportTCP {
		return nil
	}
	return conn.CloseSend()
}

// awaitReply polls rec until the server finishes the communication,
// echoing text to out as it arrives.
func awaitReply(ctx context.Context, rec *recorder.Recorder, out io.Writer) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		u, err := rec.Poll()
		if u.Text != "" {
			fmt.Fprint(out, u.Text)
		}
		if u.Finished {
			fmt.Fprintln(out)
			return nil
		}
		if errors.Is(err, stream.ErrConnectionClosed) {
			return errors.New("server closed the connection before finishing")
		}
		if err != nil {
			var de *message.DecodeError
			if !errors.As(err, &de) {
				return err
			}
			logging.Component("cli").Warn("skipping undecodable reply", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
