// Package config loads the callbridge configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"
)

// CurrentVersion is the latest supported configuration file version.
const CurrentVersion = 1

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config is the root configuration document.
type Config struct {
	Version    int              `yaml:"version"`
	Server     ServerConfig     `yaml:"server"`
	Twilio     TwilioConfig     `yaml:"twilio"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	Storage    StorageConfig    `yaml:"storage"`
	Auth       AuthConfig       `yaml:"auth"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Webhooks   WebhooksConfig   `yaml:"webhooks"`
	Calls      CallsConfig      `yaml:"calls"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"http_port"`
	// GRPCPort serves the gRPC health service when non-zero.
	GRPCPort int `yaml:"grpc_port"`
	// PublicURL is the externally reachable base URL Twilio calls back on.
	PublicURL         string        `yaml:"public_url"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type TwilioConfig struct {
	AccountSID       string `yaml:"account_sid"`
	AuthToken        string `yaml:"auth_token"`
	VerifySignatures bool   `yaml:"verify_signatures"`
	StreamPath       string `yaml:"stream_path"`
}

type GeminiConfig struct {
	APIKey           string        `yaml:"api_key"`
	URL              string        `yaml:"url"`
	Model            string        `yaml:"model"`
	Voice            string        `yaml:"voice"`
	Language         string        `yaml:"language"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	GreetingDelay    time.Duration `yaml:"greeting_delay"`
	FallbackMessage  string        `yaml:"fallback_message"`
}

type StorageConfig struct {
	// Driver is one of memory, postgres, sqlite, file.
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	CatalogPath     string        `yaml:"catalog_path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type AuthConfig struct {
	StreamTokenSecret string        `yaml:"stream_token_secret"`
	StreamTokenTTL    time.Duration `yaml:"stream_token_ttl"`
}

type SummarizerConfig struct {
	// Provider is one of gemini, openai, anthropic, none.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

type WebhooksConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	// AllowPrivate disables the public-address check on webhook targets.
	AllowPrivate bool `yaml:"allow_private"`
	// UserAgent overrides the default AI-Call-Center/1.0 header.
	UserAgent string `yaml:"user_agent"`
}

type CallsConfig struct {
	StaleAfter      time.Duration `yaml:"stale_after"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
}

// Load reads, decodes, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// running against the in-memory store.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Twilio.StreamPath == "" {
		cfg.Twilio.StreamPath = "/media-stream"
	}
	if cfg.Gemini.URL == "" {
		cfg.Gemini.URL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	}
	if cfg.Gemini.Model == "" {
		cfg.Gemini.Model = "gemini-2.0-flash-live-001"
	}
	if cfg.Gemini.Voice == "" {
		cfg.Gemini.Voice = "Puck"
	}
	if cfg.Gemini.Language == "" {
		cfg.Gemini.Language = "en-US"
	}
	if cfg.Gemini.HandshakeTimeout == 0 {
		cfg.Gemini.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Gemini.GreetingDelay == 0 {
		cfg.Gemini.GreetingDelay = 500 * time.Millisecond
	}
	if cfg.Gemini.FallbackMessage == "" {
		cfg.Gemini.FallbackMessage = "We're sorry, our assistant is unavailable right now. Please call again later. Goodbye."
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.MaxOpenConns == 0 {
		cfg.Storage.MaxOpenConns = 25
	}
	if cfg.Storage.ConnMaxLifetime == 0 {
		cfg.Storage.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Storage.ConnectTimeout == 0 {
		cfg.Storage.ConnectTimeout = 10 * time.Second
	}
	if cfg.Auth.StreamTokenTTL == 0 {
		cfg.Auth.StreamTokenTTL = 4 * time.Hour
	}
	if cfg.Summarizer.Provider == "" {
		cfg.Summarizer.Provider = "none"
	}
	if cfg.Webhooks.Timeout == 0 {
		cfg.Webhooks.Timeout = 10 * time.Second
	}
	if cfg.Webhooks.MaxAttempts == 0 {
		cfg.Webhooks.MaxAttempts = 3
	}
	if cfg.Calls.StaleAfter == 0 {
		cfg.Calls.StaleAfter = 2 * time.Hour
	}
	if cfg.Calls.CleanupSchedule == "" {
		cfg.Calls.CleanupSchedule = "@every 5m"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate reports every problem found in the configuration at once.
func (c *Config) Validate() error {
	var issues []string

	if c.Version > CurrentVersion {
		issues = append(issues, fmt.Sprintf("version %d is newer than this build (current: %d)", c.Version, CurrentVersion))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		issues = append(issues, fmt.Sprintf("server.http_port %d out of range", c.Server.Port))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		issues = append(issues, fmt.Sprintf("server.grpc_port %d out of range", c.Server.GRPCPort))
	} else if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		issues = append(issues, "server.grpc_port must differ from server.http_port")
	}
	if c.Server.PublicURL != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err != nil || u.Host == "" {
			issues = append(issues, "server.public_url must be an absolute URL")
		}
	}
	if !strings.HasPrefix(c.Twilio.StreamPath, "/") {
		issues = append(issues, "twilio.stream_path must start with /")
	}
	if c.Twilio.VerifySignatures && c.Twilio.AuthToken == "" {
		issues = append(issues, "twilio.verify_signatures requires twilio.auth_token")
	}
	if _, err := language.Parse(c.Gemini.Language); err != nil {
		issues = append(issues, fmt.Sprintf("gemini.language %q is not a valid language tag", c.Gemini.Language))
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres", "sqlite":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			issues = append(issues, fmt.Sprintf("storage.dsn is required for driver %s", c.Storage.Driver))
		}
	case "file":
		if strings.TrimSpace(c.Storage.CatalogPath) == "" {
			issues = append(issues, "storage.catalog_path is required for driver file")
		}
	default:
		issues = append(issues, fmt.Sprintf("storage.driver %q must be one of memory, postgres, sqlite, file", c.Storage.Driver))
	}
	switch c.Summarizer.Provider {
	case "none", "gemini", "openai", "anthropic":
	default:
		issues = append(issues, fmt.Sprintf("summarizer.provider %q must be one of none, gemini, openai, anthropic", c.Summarizer.Provider))
	}
	if _, err := scheduleParser.Parse(c.Calls.CleanupSchedule); err != nil {
		issues = append(issues, fmt.Sprintf("calls.cleanup_schedule %q: %v", c.Calls.CleanupSchedule, err))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text", "auto":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q must be one of json, text, auto", c.Logging.Format))
	}
	if c.Webhooks.MaxAttempts < 1 {
		issues = append(issues, "webhooks.max_attempts must be at least 1")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return errors.New("invalid config: " + strings.Join(issues, "; "))
	}
	return nil
}

// GeminiConfigured reports whether a model credential is present.
func (c *Config) GeminiConfigured() bool {
	return strings.TrimSpace(c.Gemini.APIKey) != ""
}

// TwilioConfigured reports whether telephony REST credentials are present.
func (c *Config) TwilioConfigured() bool {
	return strings.TrimSpace(c.Twilio.AccountSID) != "" && strings.TrimSpace(c.Twilio.AuthToken) != ""
}
