package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gregtusar/accountdash/api"
	"github.com/gregtusar/accountdash/pkg/auth"
	"github.com/gregtusar/accountdash/pkg/dashboard"
	"github.com/gregtusar/accountdash/pkg/metacopier"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard HTTP server",
		Run:   runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := setup()

	tokenSecret := cfg.Auth.TokenSecret
	if tokenSecret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			logger.WithError(err).Fatal("Failed to generate token secret")
		}
		tokenSecret = hex.EncodeToString(buf)
		logger.Warn("No token secret configured, sessions will not survive a restart")
	}

	tokens, err := auth.NewTokenIssuer(tokenSecret, cfg.Auth.TokenTTL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create token issuer")
	}

	users := auth.NewDirectory(cfg.Auth.Users)
	for _, u := range users.Users() {
		if u.APIKey == "" {
			logger.WithField("email", u.Email).Warn("User has no MetaCopier API key, using the default key")
		}
	}
	if cfg.MetaCopier.APIKey == "" {
		logger.Warn("No default MetaCopier API key configured")
	}

	sessions := dashboard.NewManager(newSessionFactory(cfg), logger)

	apiServer := api.NewServer(api.Options{
		Users:    users,
		Tokens:   tokens,
		Sessions: sessions,
		Fetchers: func(apiKey string) metacopier.Fetcher {
			return newFetcher(cfg, apiKey)
		},
		DefaultAPIKey:  cfg.MetaCopier.APIKey,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Port:           fmt.Sprintf("%d", cfg.Server.Port),
	}, logger)

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Account dashboard is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("API server shutdown failed")
	}
	sessions.Close()

	logger.Info("Account dashboard stopped")
}
