package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	debug bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "pitchline",
		Short: "Practice sales calls against an AI prospect",
		Long: `Pitchline connects a microphone and speaker to a hosted voice agent that
plays a sales prospect, records the transcript, and serves a dashboard API.

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable development logging")

	rootCmd.AddCommand(
		serveCmd(flags),
		talkCmd(flags),
		chatCmd(flags),
	)
	return rootCmd
}

func newLogger(flags *globalFlags) (*zap.Logger, error) {
	if flags.debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newConsoleLogger keeps interactive output readable: warnings and errors
// only, unless --debug is set.
func newConsoleLogger(flags *globalFlags) (*zap.Logger, error) {
	if flags.debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	return cfg.Build()
}
