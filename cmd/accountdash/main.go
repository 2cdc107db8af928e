package main

import (
	"fmt"
	"os"

	"github.com/gregtusar/accountdash/internal/config"
	"github.com/gregtusar/accountdash/pkg/auth"
	"github.com/gregtusar/accountdash/pkg/dashboard"
	"github.com/gregtusar/accountdash/pkg/metacopier"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "accountdash",
		Short: "MetaCopier trading account dashboard",
		Long:  `Serves a live view of the trading accounts behind a MetaCopier API key, kept fresh by polling and the MetaCopier push channel`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.AddCommand(newServeCmd(), newAccountsCmd(), newWatchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// setup loads configuration and initializes the package logger from it.
func setup() *config.Config {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open log file")
		}
		logger.SetOutput(f)
	}

	return cfg
}

func newFetcher(cfg *config.Config, apiKey string) *metacopier.Client {
	return metacopier.NewClient(metacopier.NewAPIKeyAuthenticator(apiKey), cfg.MetaCopier.ClientOptions(), logger)
}

func newSessionFactory(cfg *config.Config) dashboard.SessionFactory {
	return func(apiKey string) *dashboard.Session {
		var stream dashboard.Stream
		if cfg.Dashboard.LiveUpdates {
			stream = metacopier.NewStreamClient(metacopier.NewAPIKeyAuthenticator(apiKey), cfg.MetaCopier.StreamOptions(), logger)
		}
		return dashboard.NewSession(
			newFetcher(cfg, apiKey),
			stream,
			dashboard.SessionOptions{RefreshInterval: cfg.Dashboard.RefreshInterval},
			logger,
		)
	}
}

// resolveAPIKey picks the explicit key, then the key of the user with email,
// then the configured default.
func resolveAPIKey(cfg *config.Config, apiKey, email string) (string, error) {
	if apiKey != "" {
		return apiKey, nil
	}
	if email != "" {
		u, ok := auth.NewDirectory(cfg.Auth.Users).ByEmail(email)
		if !ok {
			return "", fmt.Errorf("unknown user %q", email)
		}
		if u.APIKey != "" {
			return u.APIKey, nil
		}
	}
	if cfg.MetaCopier.APIKey == "" {
		return "", metacopier.ErrMissingAPIKey
	}
	return cfg.MetaCopier.APIKey, nil
}
