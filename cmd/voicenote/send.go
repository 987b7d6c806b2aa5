package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/voicenote/internal/audio"
	"github.com/neboloop/voicenote/internal/config"
	"github.com/neboloop/voicenote/internal/message"
	"github.com/neboloop/voicenote/internal/recorder"
)

// SendCmd creates the send command
func SendCmd() *cobra.Command {
	var (
		flags    clientFlags
		topic    string
		chatMode bool
	)

	cmd := &cobra.Command{
		Use:   "send <pcm-file>",
		Short: "Stream a raw PCM file as one voice note",
		Long: `Stream a headerless PCM file to the server as one recording and print
the transcript and save path the server replies with. The file layout is
taken from client.audio (format 8 = int16, 1 = float32).

Examples:
  voicenote send note.pcm
  voicenote send note.pcm --topic groceries --chat
  voicenote send note.pcm --transport tcp`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.clientConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("topic") {
				topic = c.Topic
			}
			if !cmd.Flags().Changed("chat") {
				chatMode = c.ChatMode
			}
			return runSend(cmd, args[0], c, flags.timeout, topic, chatMode)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&topic, "topic", "", "topic of the note (default: client.topic)")
	cmd.Flags().BoolVar(&chatMode, "chat", false, "add the note to the current conversation")

	return cmd
}

func runSend(cmd *cobra.Command, path string, c config.ClientConfig, timeout time.Duration, topic string, chatMode bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, cancel := signalContext()
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	mgr, conn, err := connect(ctx, c, AppConfig.Stream)
	if err != nil {
		return err
	}
	defer mgr.Close()

	rec := recorder.New(conn, audio.NewReaderCapture(f), recorder.Config{
		Audio: message.AudioConfig{
			Format:   c.Audio.Format,
			Channels: c.Audio.Channels,
			Rate:     c.Audio.Rate,
		},
		ChunkSize: c.ChunkSize,
		Logger:    slog.Default(),
	})

	if _, err := rec.StartRecording(ctx, topic, chatMode); err != nil {
		return err
	}
	select {
	case <-rec.Captured():
	case <-ctx.Done():
	}
	if err := rec.StopRecording(); err != nil {
		return fmt.Errorf("send recording: %w", err)
	}
	if err := finishSend(c, conn); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if err := awaitReply(ctx, rec, out); err != nil {
		return err
	}
	if sp := rec.SavePath(); sp != "" {
		fmt.Fprintf(out, "save_path: %s\n", sp)
	}
	return nil
}
