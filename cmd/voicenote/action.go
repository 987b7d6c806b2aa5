package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neboloop/voicenote/internal/audio"
	"github.com/neboloop/voicenote/internal/message"
	"github.com/neboloop/voicenote/internal/recorder"
)

// ActionCmd creates the action command
func ActionCmd() *cobra.Command {
	var (
		flags    clientFlags
		savePath string
	)

	cmd := &cobra.Command{
		Use:   "action <DELETE|WRONG|NEW CHAT|NEW CONVERSATION|DELETE CONVERSATION>",
		Short: "Ask the server to act on a stored note",
		Long: `Send an action for an earlier note or the current conversation and print
the server's confirmation.

Examples:
  voicenote action DELETE --save-path 01J2W6Q3X0M4K8R9T5V7Y1Z3AB
  voicenote action wrong --save-path 01J2W6Q3X0M4K8R9T5V7Y1Z3AB
  voicenote action "new chat"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := message.Action(strings.ToUpper(strings.Join(args, " ")))
			if !action.Valid() {
				return fmt.Errorf("unknown action %q", action)
			}
			return runAction(cmd, action, savePath, flags)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&savePath, "save-path", "", "save path of the note the action applies to")

	return cmd
}

func runAction(cmd *cobra.Command, action message.Action, savePath string, flags clientFlags) error {
	c, err := flags.clientConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, flags.timeout)
	defer cancelTimeout()

	mgr, conn, err := connect(ctx, c, AppConfig.Stream)
	if err != nil {
		return err
	}
	defer mgr.Close()

	// Actions never capture audio.
	rec := recorder.New(conn, audio.NewReaderCapture(strings.NewReader("")), recorder.Config{
		Logger: slog.Default(),
	})
	if _, err := rec.SendAction(action, savePath); err != nil {
		return err
	}
	if err := finishSend(c, conn); err != nil {
		return err
	}
	return awaitReply(ctx, rec, cmd.OutOrStdout())
}
