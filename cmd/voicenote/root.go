package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/neboloop/voicenote/internal/config"
	"github.com/neboloop/voicenote/internal/logging"
)

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd(c *config.Config) *cobra.Command {
	AppConfig = c

	rootCmd := &cobra.Command{
		Use:   "voicenote",
		Short: "voicenote - streaming voice notes",
		Long: `voicenote records audio, streams it to a voice-note server as one
communication per recording and prints what the server made of it.

Run 'voicenote serve' to start the reference server and 'voicenote send'
to stream a raw PCM file to it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in settings)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress all logging")

	// Add commands
	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(SendCmd())
	rootCmd.AddCommand(ActionCmd())
	rootCmd.AddCommand(TokenCmd())
	rootCmd.AddCommand(VersionCmd())

	return rootCmd
}

// loadConfig replaces the embedded defaults with --config and applies the
// logging flags.
func loadConfig() error {
	if cfgFile != "" {
		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		*AppConfig = c
	}
	if logLevel != "" {
		AppConfig.Log.Level = logLevel
	}
	if logFormat != "" {
		AppConfig.Log.Format = logFormat
	}
	if err := logging.Setup(os.Stderr, AppConfig.Log.Level, AppConfig.Log.Format); err != nil {
		return err
	}
	if quiet {
		logging.Disable()
	} else {
		logging.Enable()
	}
	return nil
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nShutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
