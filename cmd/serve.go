package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	audiodev "github.com/satriahrh/pitchline/adapters/audio"
	"github.com/satriahrh/pitchline/internal/api"
	"github.com/satriahrh/pitchline/internal/config"
	ws "github.com/satriahrh/pitchline/internal/websocket"
	"github.com/satriahrh/pitchline/usecase"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session controller and the dashboard API",
		Long: `Start the HTTP server. Operators start, stop, pause and resume the voice
session over the API; viewers follow status and transcript updates over /ws.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(flags)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return runServe(cmd.Context(), logger)
		},
	}
}

func runServe(ctx context.Context, logger *zap.Logger) error {
	cfg, err := config.Load(logger)
	if err != nil {
		return err
	}
	if err := cfg.ValidateVoiceAgent(); err != nil {
		logger.Warn("Voice agent is not configured; starting a session will fail", zap.Error(err))
	}

	done := &cleanup{logger: logger}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		done.run(shutdownCtx)
	}()

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

	completer, err := newCompleter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	// Chat replies get their own playback queue so they never interleave with
	// agent audio or move the session's turn state.
	chatBridge, err := newBridge(cfg, audiodev.NoMicrophone{}, cfg.ChatSpeakerFile, logger, done)
	if err != nil {
		return err
	}
	opts, err := chatOptions(ctx, cfg, chatBridge, logger, done)
	if err != nil {
		return err
	}
	opts = append(opts, usecase.WithHistorySource(controller))
	chat := usecase.NewChatService(completer, cfg.Persona.SystemPrompt(), logger, opts...)

	tokens, err := newTokenIssuer(cfg, logger)
	if err != nil {
		return err
	}
	if cfg.ViewerAccessKey == "" {
		logger.Warn("VIEWER_ACCESS_KEY not set; dashboard login is disabled")
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := ws.NewHub(func() []byte {
		status := controller.Status()
		return encodeEvent(usecase.SessionEvent{Type: usecase.EventStatus, Status: &status, At: time.Now()}, logger)
	}, logger)
	go hub.Run(hubCtx)
	go forwardEvents(controller.Subscribe(), hub, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, api.Dependencies{
		Session:   controller,
		Chat:      chat,
		Archive:   archive,
		Hub:       hub,
		Tokens:    tokens,
		AccessKey: cfg.ViewerAccessKey,
		Logger:    logger,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("Server started",
		zap.String("port", cfg.Port),
		zap.String("persona", cfg.Persona.Name),
		zap.String("llmProvider", cfg.LLMProvider))

	select {
	case <-ctx.Done():
		logger.Info("Server is shutting down...")
	case err := <-serverErr:
		logger.Error("Server failed", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
	return nil
}

// forwardEvents relays session events to dashboard viewers until the
// controller closes the subscription.
func forwardEvents(sub *usecase.Subscription, hub *ws.Hub, logger *zap.Logger) {
	for ev := range sub.Events() {
		payload := encodeEvent(ev, logger)
		if payload == nil {
			continue
		}
		if err := hub.Broadcast(payload); err != nil {
			logger.Warn("Dropped viewer event", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}
}

func encodeEvent(ev usecase.SessionEvent, logger *zap.Logger) []byte {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("Failed to encode session event", zap.String("type", string(ev.Type)), zap.Error(err))
		return nil
	}
	return payload
}
