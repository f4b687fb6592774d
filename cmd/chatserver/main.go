package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Tyrowin/chatrelay/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	envFile := flag.String("env-file", ".env", "path to an env file loaded before configuration")
	flag.Parse()

	if err := server.LoadDotEnv(*envFile); err != nil {
		slog.Error("failed to load env file", "error", err)
		os.Exit(1)
	}

	cfg := server.NewConfigFromEnv()
	if *configPath != "" {
		var err error
		cfg, err = server.LoadConfigFile(*configPath)
		if err != nil {
			slog.Error("failed to load configuration", "error", err)
			os.Exit(1)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("chat relay stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *server.Config, logger *slog.Logger) error {
	s, err := server.Bind(cfg.ChatAddr, server.WithConfig(*cfg), server.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.Run()
	}()

	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		httpServer = server.CreateServer(cfg.HTTPAddr, s.Routes())
		go func() {
			if err := server.StartServer(httpServer, logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	if httpServer != nil {
		_ = server.ShutdownServer(httpServer, shutdownTimeout, logger)
	}
	if err := s.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("chat relay shutdown incomplete", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, server.ErrServerClosed) {
		return runErr
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
