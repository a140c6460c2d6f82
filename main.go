package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/room4-2/voiceloop/config"
	"github.com/room4-2/voiceloop/diagnostics"
	"github.com/room4-2/voiceloop/metrics"
	"github.com/room4-2/voiceloop/providers"
	"github.com/room4-2/voiceloop/server"
	"github.com/room4-2/voiceloop/session"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collab, names, err := providers.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to create collaborators", "error", err)
		os.Exit(1)
	}
	collab.Tester = diagnostics.NewRunner(collab, names, logger)

	mt := metrics.New("voiceloop")

	// Create session manager
	sessionManager, err := session.NewManager(cfg, collab, session.WithLogger(logger), session.WithMetrics(mt))
	if err != nil {
		logger.Error("Failed to create session manager", "error", err)
		os.Exit(1)
	}

	// Start cleanup routine
	go sessionManager.StartCleanupRoutine(ctx)

	srv := server.NewServer(cfg, sessionManager, mt, logger)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
	}()

	logger.Info("Collaborators ready",
		"stt", names.STT,
		"llm", names.LLM,
		"tts", names.TTS,
	)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}

	logger.Info("Server stopped")
}
