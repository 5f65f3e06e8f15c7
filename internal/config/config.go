// Package config loads AgentMux API configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then environment variable overrides. Environment variables win so that
// container deployments can tune a shared config file per instance.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the API server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
	Conflict  ConflictConfig  `yaml:"conflict"`
	GitHub    GitHubConfig    `yaml:"github"`
	Slack     SlackConfig     `yaml:"slack"`
	Cache     CacheConfig     `yaml:"cache"`
	NATS      NATSConfig      `yaml:"nats"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string   `yaml:"port"`
	ReadTimeout    Duration `yaml:"readTimeout"`
	WriteTimeout   Duration `yaml:"writeTimeout"`
	RequestTimeout Duration `yaml:"requestTimeout"`
	MaxBodyBytes   int64    `yaml:"maxBodyBytes"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// AuthConfig holds JWT authentication settings.
// An empty JWTSecret disables authentication entirely; callers then identify
// themselves by the user IDs in request payloads.
type AuthConfig struct {
	JWTSecret string   `yaml:"jwtSecret"`
	TokenTTL  Duration `yaml:"tokenTTL"`
	Issuer    string   `yaml:"issuer"`
}

// SessionConfig holds session store limits.
type SessionConfig struct {
	MaxUsersPerSession int `yaml:"maxUsersPerSession"`
	MaxClientsPerUser  int `yaml:"maxClientsPerUser"`
	MaxQueueSize       int `yaml:"maxQueueSize"`
}

// ConflictConfig holds optimistic concurrency settings.
type ConflictConfig struct {
	Strategy           string   `yaml:"strategy"`
	NonMergeableFields []string `yaml:"nonMergeableFields"`
	MaxVersionDrift    int      `yaml:"maxVersionDrift"`
}

// MappingConfig holds mapping store limits for one integration.
type MappingConfig struct {
	IdleTimeout  Duration `yaml:"idleTimeout"`
	MaxMappings  int      `yaml:"maxMappings"`
	CleanupEvery Duration `yaml:"cleanupEvery"`
}

// ResponseConfig holds outbound response formatting settings.
type ResponseConfig struct {
	HeaderTemplate   string `yaml:"headerTemplate"`
	FooterTemplate   string `yaml:"footerTemplate"`
	IncludeCommitSha bool   `yaml:"includeCommitSha"`
	MaxLength        int    `yaml:"maxLength"`
}

// GitHubConfig holds the source-control integration settings.
type GitHubConfig struct {
	WebhookSecret      string         `yaml:"webhookSecret"`
	BotUsername        string         `yaml:"botUsername"`
	AutoCreateSessions bool           `yaml:"autoCreateSessions"`
	APIBaseURL         string         `yaml:"apiBaseURL"`
	Token              string         `yaml:"token"`
	Mapping            MappingConfig  `yaml:"mapping"`
	Response           ResponseConfig `yaml:"response"`
}

// SlackConfig holds the chat integration settings.
type SlackConfig struct {
	SigningSecret string        `yaml:"signingSecret"`
	BotToken      string        `yaml:"botToken"`
	BotUserID     string        `yaml:"botUserId"`
	APIBaseURL    string        `yaml:"apiBaseURL"`
	Threads       MappingConfig `yaml:"threads"`
}

// CacheConfig holds optional Redis cache settings.
type CacheConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     string   `yaml:"port"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	TTL      Duration `yaml:"ttl"`
}

// NATSConfig holds optional event relay settings.
// An empty URL disables the relay.
type NATSConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// RateLimitConfig holds webhook rate limiting settings.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	RPM     int  `yaml:"rpm"`
	Burst   int  `yaml:"burst"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8000",
			ReadTimeout:    Duration(15 * time.Second),
			WriteTimeout:   Duration(15 * time.Second),
			RequestTimeout: Duration(30 * time.Second),
			MaxBodyBytes:   10 * 1024 * 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
		},
		Auth: AuthConfig{
			TokenTTL: Duration(24 * time.Hour),
			Issuer:   "agentmux-api",
		},
		Session: SessionConfig{
			MaxUsersPerSession: 10,
			MaxClientsPerUser:  5,
			MaxQueueSize:       100,
		},
		Conflict: ConflictConfig{
			Strategy:           "last-write-wins",
			NonMergeableFields: []string{"editLock"},
			MaxVersionDrift:    10,
		},
		GitHub: GitHubConfig{
			AutoCreateSessions: true,
			APIBaseURL:         "https://api.github.com",
			Mapping: MappingConfig{
				IdleTimeout:  Duration(24 * time.Hour),
				MaxMappings:  1000,
				CleanupEvery: Duration(time.Hour),
			},
			Response: ResponseConfig{
				MaxLength: 65000,
			},
		},
		Slack: SlackConfig{
			APIBaseURL: "https://slack.com/api",
			Threads: MappingConfig{
				IdleTimeout:  Duration(6 * time.Hour),
				MaxMappings:  1000,
				CleanupEvery: Duration(15 * time.Minute),
			},
		},
		Cache: CacheConfig{
			Host: "localhost",
			Port: "6379",
			TTL:  Duration(5 * time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPM:     120,
			Burst:   30,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() {
	c.Server.Port = getEnv("AGENTMUX_PORT", c.Server.Port)
	c.Log.Level = getEnv("AGENTMUX_LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = getEnvBool("AGENTMUX_LOG_PRETTY", c.Log.Pretty)

	c.Auth.JWTSecret = getEnv("AGENTMUX_JWT_SECRET", c.Auth.JWTSecret)

	c.Session.MaxUsersPerSession = getEnvInt("AGENTMUX_MAX_USERS_PER_SESSION", c.Session.MaxUsersPerSession)
	c.Session.MaxClientsPerUser = getEnvInt("AGENTMUX_MAX_CLIENTS_PER_USER", c.Session.MaxClientsPerUser)
	c.Session.MaxQueueSize = getEnvInt("AGENTMUX_MAX_QUEUE_SIZE", c.Session.MaxQueueSize)

	c.Conflict.Strategy = getEnv("AGENTMUX_CONFLICT_STRATEGY", c.Conflict.Strategy)
	c.Conflict.MaxVersionDrift = getEnvInt("AGENTMUX_MAX_VERSION_DRIFT", c.Conflict.MaxVersionDrift)

	c.GitHub.WebhookSecret = getEnv("GITHUB_WEBHOOK_SECRET", c.GitHub.WebhookSecret)
	c.GitHub.BotUsername = getEnv("GITHUB_BOT_USERNAME", c.GitHub.BotUsername)
	c.GitHub.Token = getEnv("GITHUB_TOKEN", c.GitHub.Token)
	c.GitHub.APIBaseURL = getEnv("GITHUB_API_BASE_URL", c.GitHub.APIBaseURL)

	c.Slack.SigningSecret = getEnv("SLACK_SIGNING_SECRET", c.Slack.SigningSecret)
	c.Slack.BotToken = getEnv("SLACK_BOT_TOKEN", c.Slack.BotToken)
	c.Slack.BotUserID = getEnv("SLACK_BOT_USER_ID", c.Slack.BotUserID)

	c.Cache.Enabled = getEnvBool("CACHE_ENABLED", c.Cache.Enabled)
	c.Cache.Host = getEnv("REDIS_HOST", c.Cache.Host)
	c.Cache.Port = getEnv("REDIS_PORT", c.Cache.Port)
	c.Cache.Password = getEnv("REDIS_PASSWORD", c.Cache.Password)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.User = getEnv("NATS_USER", c.NATS.User)
	c.NATS.Password = getEnv("NATS_PASSWORD", c.NATS.Password)

	c.RateLimit.Enabled = getEnvBool("RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.RPM = getEnvInt("RATE_LIMIT_REQUESTS_PER_MINUTE", c.RateLimit.RPM)
}

// getEnv returns an environment variable or a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an environment variable as int or a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool returns an environment variable as bool or a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true"
	}
	return defaultValue
}
