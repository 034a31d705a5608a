package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	audiodev "github.com/satriahrh/pitchline/adapters/audio"
	"github.com/satriahrh/pitchline/internal/audio"
	"github.com/satriahrh/pitchline/internal/config"
	"github.com/satriahrh/pitchline/usecase"
)

type chatFlags struct {
	audioFile string
	speak     bool
}

func chatCmd(flags *globalFlags) *cobra.Command {
	opts := &chatFlags{}

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Practice against the persona over text",
		Long: `Send a typed message, or a recorded utterance, to the persona and print its
reply. Without a message an interactive session starts.

Examples:
  pitchline chat "Hi, do you have two minutes?"
  pitchline chat --audio opener.wav
  pitchline chat --speak`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newConsoleLogger(flags)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return runChat(cmd.Context(), logger, cmd.InOrStdin(), cmd.OutOrStdout(), args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.audioFile, "audio", "", "transcribe a 16-bit PCM WAV file and send it as the message")
	cmd.Flags().BoolVar(&opts.speak, "speak", false, "synthesize replies with ElevenLabs (audio goes to SPEAKER_OUTPUT)")

	return cmd
}

func runChat(ctx context.Context, logger *zap.Logger, in io.Reader, out io.Writer, args []string, opts *chatFlags) error {
	cfg, err := config.Load(logger)
	if err != nil {
		return err
	}
	if opts.speak {
		cfg.TTSEnabled = true
	}

	done := &cleanup{logger: logger}
	defer done.run(context.Background())

	bridge, err := newBridge(cfg, audiodev.NoMicrophone{}, cfg.SpeakerFile, logger, done)
	if err != nil {
		return err
	}
	player := newPlaybackTracker(bridge)

	completer, err := newCompleter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	chatOpts, err := chatOptions(ctx, cfg, player, logger, done)
	if err != nil {
		return err
	}
	chat := usecase.NewChatService(completer, cfg.Persona.SystemPrompt(), logger, chatOpts...)
	name := cfg.Persona.Name

	switch {
	case opts.audioFile != "":
		pcm, err := loadUtterance(opts.audioFile)
		if err != nil {
			return err
		}
		reply, err := chat.ReplyToAudio(ctx, pcm)
		if err != nil {
			return err
		}
		printReply(out, name, reply)
		return player.wait(ctx)
	case len(args) > 0:
		reply, err := chat.Reply(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		printReply(out, name, reply)
		return player.wait(ctx)
	default:
		return runInteractive(ctx, chat, player, name, in, out)
	}
}

func runInteractive(ctx context.Context, chat *usecase.ChatService, player *playbackTracker, name string, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "Practicing with %s. Type a message and press Enter.\n", name)
	fmt.Fprintln(out, "Commands: /history, /reset, /quit")
	fmt.Fprintln(out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(out, "> ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case next, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			line = strings.TrimSpace(next)
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			chat.Reset()
			fmt.Fprintln(out, "Conversation cleared.")
			continue
		case "/history":
			for _, turn := range chat.History() {
				fmt.Fprintf(out, "  [%s] %s\n", turn.Speaker, turn.Text)
			}
			continue
		}

		reply, err := chat.Reply(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		printReply(out, name, reply)
		if err := player.wait(ctx); err != nil {
			return nil
		}
	}
}

func printReply(out io.Writer, name string, reply *usecase.ChatReply) {
	fmt.Fprintf(out, "%s: %s\n", name, reply.AgentTurn.Text)
	if reply.SpeechError != "" {
		fmt.Fprintf(out, "  (audio unavailable: %s)\n", reply.SpeechError)
	}
}

// loadUtterance converts a WAV file to PCM16 at the capture sample rate.
func loadUtterance(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read utterance: %w", err)
	}
	samples, sampleRate, err := audiodev.DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	return audio.EncodePCM16(audio.Resample(samples, sampleRate, audio.DefaultSampleRate)), nil
}

// playbackTracker lets the command wait until synthesized replies have
// finished playing before it prompts again or exits.
type playbackTracker struct {
	bridge  *audio.Bridge
	changed chan struct{}

	mu      sync.Mutex
	queued  uint64
	drained uint64
}

func newPlaybackTracker(bridge *audio.Bridge) *playbackTracker {
	t := &playbackTracker{bridge: bridge, changed: make(chan struct{}, 1)}
	bridge.OnDrained(t.markDrained)
	return t
}

func (t *playbackTracker) PlayChunk(payload []byte) uint64 {
	seq := t.bridge.PlayChunk(payload)
	t.mu.Lock()
	if seq > t.queued {
		t.queued = seq
	}
	t.mu.Unlock()
	return seq
}

func (t *playbackTracker) markDrained(seq uint64) {
	t.mu.Lock()
	if seq > t.drained {
		t.drained = seq
	}
	t.mu.Unlock()

	select {
	case t.changed <- struct{}{}:
	default:
	}
}

func (t *playbackTracker) wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		idle := t.drained >= t.queued
		t.mu.Unlock()
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.changed:
		}
	}
}
