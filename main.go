package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"story-editor/app"
	"story-editor/pkg/auth"
	"story-editor/pkg/config"
	"story-editor/pkg/logging"
)

func main() {
	addr := pflag.String("addr", "", "listen address (defaults to SERVER_HOST:SERVER_PORT)")
	logLevel := pflag.String("log-level", "", "log level (defaults to LOG_LEVEL)")
	issueToken := pflag.String("issue-token", "", "print an editor token for this user id and exit")
	tokenTTL := pflag.Duration("token-ttl", 30*24*time.Hour, "lifetime of tokens printed by --issue-token")
	pflag.Parse()

	cfg := config.Load()
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger := logging.New(cfg.LogLevel, os.Stderr)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if *issueToken != "" {
		token, err := auth.Issue([]byte(cfg.JWTSecret), *issueToken, *tokenTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to issue token")
		}
		fmt.Println(token)
		return
	}

	server, err := app.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}
	defer server.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- server.Start(*addr) }()

	select {
	case err := <-errc:
		if err != nil {
			logger.Error().Err(err).Msg("server stopped")
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown failed")
		}
	}
}
