package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satriahrh/pitchline/domain"
	"github.com/satriahrh/pitchline/internal/config"
	"github.com/satriahrh/pitchline/usecase"
)

func talkCmd(flags *globalFlags) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Run one voice session in the terminal",
		Long: `Connect to the voice agent and stream MICROPHONE_WAV as the caller. Status
changes and transcript turns are printed as they happen. Press Ctrl+C to
hang up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newConsoleLogger(flags)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return runTalk(ctx, logger, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 0, "hang up after this long (0 waits for Ctrl+C)")

	return cmd
}

func runTalk(ctx context.Context, logger *zap.Logger, out io.Writer) error {
	cfg, err := config.Load(logger)
	if err != nil {
		return err
	}
	if err := cfg.ValidateVoiceAgent(); err != nil {
		return err
	}

	done := &cleanup{logger: logger}
	defer done.run(context.Background())

	bridge, err := newBridge(cfg, newMicrophone(cfg, logger), cfg.SpeakerFile, logger, done)
	if err != nil {
		return err
	}
	archive, err := newArchive(ctx, cfg, logger, done)
	if err != nil {
		return err
	}
	controller := newSessionController(cfg, bridge, logger, done)
	archive.Watch(controller.Subscribe())

	sub := controller.Subscribe()
	defer sub.Close()

	if err := controller.Start(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Calling %s. Press Ctrl+C to hang up.\n", cfg.Persona.Name)

	go func() {
		<-ctx.Done()
		if err := controller.Stop(); err != nil {
			logger.Debug("Stop after hang-up", zap.Error(err))
		}
	}()

	var last string
	for ev := range sub.Events() {
		switch ev.Type {
		case usecase.EventStatus:
			line := fmt.Sprintf("[%s] mic=%s", ev.Status.ConnectionState, ev.Status.MicrophoneState)
			if ms := ev.Status.LastLatencyMs; ms != nil {
				line += fmt.Sprintf(" latency=%dms (%s)", *ms, ev.Status.Quality)
			}
			if line != last {
				fmt.Fprintln(out, line)
				last = line
			}
		case usecase.EventTranscript:
			fmt.Fprintf(out, "%s: %s\n", speakerLabel(cfg, ev), ev.Turn.Text)
		case usecase.EventReconnect:
			fmt.Fprintf(out, "Reconnecting (attempt %d) in %s\n", ev.Reconnect.Attempt, ev.Reconnect.Delay)
		case usecase.EventError:
			fmt.Fprintf(out, "Error: %v\n", ev.Error)
			if ev.Guidance != "" {
				fmt.Fprintf(out, "  %s\n", ev.Guidance)
			}
		case usecase.EventEnded:
			fmt.Fprintf(out, "Call ended (%s) after %s with %d turns.\n",
				ev.Summary.EndState,
				ev.Summary.EndedAt.Sub(ev.Summary.StartedAt).Round(time.Second),
				len(ev.Summary.Turns))
			return nil
		}
	}
	return nil
}

func speakerLabel(cfg *config.Config, ev usecase.SessionEvent) string {
	if ev.Turn.Speaker == domain.SpeakerAgent {
		return cfg.Persona.Name
	}
	return "You"
}
