package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/accountdash/pkg/metacopier"
	"github.com/gregtusar/accountdash/pkg/models"
	"github.com/gregtusar/accountdash/pkg/secrets"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	MetaCopier MetaCopierConfig `mapstructure:"metacopier"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	GCP        GCPConfig        `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type MetaCopierConfig struct {
	// APIKey is used for callers that have no key of their own.
	APIKey    string          `mapstructure:"api_key"`
	REST      RESTConfig      `mapstructure:"rest"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

type RESTConfig struct {
	URL             string        `mapstructure:"url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	Burst           int           `mapstructure:"burst"`
	PositionWorkers int           `mapstructure:"position_workers"`
}

type WebSocketConfig struct {
	URL              string        `mapstructure:"url"`
	Topic            string        `mapstructure:"topic"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects    int           `mapstructure:"max_reconnects"`
}

type DashboardConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	LiveUpdates     bool          `mapstructure:"live_updates"`
}

type AuthConfig struct {
	TokenSecret string        `mapstructure:"token_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	Users       []models.User `mapstructure:"users"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// StreamOptions converts the websocket section for the stream client.
func (c MetaCopierConfig) StreamOptions() metacopier.StreamOptions {
	return metacopier.StreamOptions{
		URL:              c.WebSocket.URL,
		Topic:            c.WebSocket.Topic,
		Heartbeat:        c.WebSocket.Heartbeat,
		HandshakeTimeout: c.WebSocket.HandshakeTimeout,
		ReconnectDelay:   c.WebSocket.ReconnectDelay,
		MaxReconnects:    c.WebSocket.MaxReconnects,
	}
}

// ClientOptions converts the rest section for the REST client.
func (c MetaCopierConfig) ClientOptions() metacopier.ClientOptions {
	return metacopier.ClientOptions{
		BaseURL:           c.REST.URL,
		Timeout:           c.REST.Timeout,
		RequestsPerSecond: c.REST.RateLimit,
		Burst:             c.REST.Burst,
		PositionWorkers:   c.REST.PositionWorkers,
	}
}

func Load(configPath string) (*Config, error) {
	if err := loadDotEnv(".env.local", ".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/accountdash")
	}

	v.SetEnvPrefix("ACCOUNTDASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		sm, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
		defer sm.Close()
		applySecrets(ctx, &config, sm)
		logger.Info("Successfully loaded secrets from GCP Secret Manager")
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("metacopier.api_key", "")
	v.SetDefault("metacopier.rest.url", metacopier.DefaultRESTURL)
	v.SetDefault("metacopier.rest.timeout", "30s")
	v.SetDefault("metacopier.rest.rate_limit", 5.0)
	v.SetDefault("metacopier.rest.burst", 5)
	v.SetDefault("metacopier.rest.position_workers", 4)
	v.SetDefault("metacopier.websocket.url", metacopier.DefaultStreamURL)
	v.SetDefault("metacopier.websocket.topic", metacopier.DefaultTopic)
	v.SetDefault("metacopier.websocket.heartbeat", "4s")
	v.SetDefault("metacopier.websocket.handshake_timeout", "10s")
	v.SetDefault("metacopier.websocket.reconnect_delay", "3s")
	v.SetDefault("metacopier.websocket.max_reconnects", 0)

	v.SetDefault("dashboard.refresh_interval", "3s")
	v.SetDefault("dashboard.live_updates", true)

	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.metacopier_api_key", secretNames.MetaCopierAPIKey)
	v.SetDefault("gcp.secret_names.token_secret", secretNames.TokenSecret)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("METACOPIER_API_KEY"); apiKey != "" {
		config.MetaCopier.APIKey = strings.Trim(apiKey, `"'`)
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

// applySecrets fills values that are still empty after file and environment.
func applySecrets(ctx context.Context, config *Config, sm secrets.Getter) {
	if config.MetaCopier.APIKey == "" {
		config.MetaCopier.APIKey = sm.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.MetaCopierAPIKey, "")
	}
	if config.Auth.TokenSecret == "" {
		config.Auth.TokenSecret = sm.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.TokenSecret, "")
	}

	for i := range config.Auth.Users {
		u := &config.Auth.Users[i]
		if u.APIKey == "" && u.APIKeySecret != "" {
			u.APIKey = sm.GetSecretWithDefault(ctx, u.APIKeySecret, "")
		}
	}
}

func loadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error loading %s: %w", f, err)
		}
	}
	return nil
}
