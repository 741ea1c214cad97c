// Package config handles persona chat configuration
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrConfigurationMissing is wrapped by every MissingSettingError
var ErrConfigurationMissing = errors.New("configuration missing")

// MissingSettingError names a required setting that was not provided
type MissingSettingError struct {
	Setting string
}

func (e *MissingSettingError) Error() string {
	return fmt.Sprintf("required setting %s is not set; add it to the environment or the .env file", e.Setting)
}

func (e *MissingSettingError) Unwrap() error {
	return ErrConfigurationMissing
}

// Supported database drivers
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Supported completion providers
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Config holds persona chat configuration
type Config struct {
	Database   DatabaseConfig
	Completion CompletionConfig
	Log        LogConfig
	Webhook    WebhookConfig

	// HTTP listen address for the serve command
	ServerAddr string

	// Optional persona definitions overriding the embedded set
	PersonasFile string
}

// DatabaseConfig holds the conversation store connection settings
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// CompletionConfig holds the text-generation service settings
type CompletionConfig struct {
	Provider        string
	APIKey          string
	Model           string
	BaseURL         string
	MaxOutputTokens int
	Timeout         time.Duration
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string
	Format string // "text" or "json"
	File   string // empty means stderr
}

// WebhookConfig holds the optional operator webhook settings
type WebhookConfig struct {
	URL     string
	Secret  string
	Events  []string // empty means every event
	Timeout time.Duration
}

// env names bound to config keys
var envBindings = map[string]string{
	"database.driver":              "DB_DRIVER",
	"database.host":                "DB_HOST",
	"database.port":                "DB_PORT",
	"database.user":                "DB_USER",
	"database.password":            "DB_PASS",
	"database.name":                "DB_NAME",
	"database.max_open_conns":      "DB_MAX_OPEN_CONNS",
	"database.max_idle_conns":      "DB_MAX_IDLE_CONNS",
	"database.conn_max_lifetime":   "DB_CONN_MAX_LIFETIME",
	"completion.provider":          "COMPLETION_PROVIDER",
	"completion.model":             "COMPLETION_MODEL",
	"completion.base_url":          "COMPLETION_BASE_URL",
	"completion.max_output_tokens": "COMPLETION_MAX_OUTPUT_TOKENS",
	"completion.timeout":           "COMPLETION_TIMEOUT",
	"completion.google_api_key":    "GOOGLE_API_KEY",
	"completion.openai_api_key":    "OPENAI_API_KEY",
	"log.level":                    "LOG_LEVEL",
	"log.format":                   "LOG_FORMAT",
	"log.file":                     "LOG_FILE",
	"server.addr":                  "SERVER_ADDR",
	"webhook.url":                  "WEBHOOK_URL",
	"webhook.secret":               "WEBHOOK_SECRET",
	"webhook.events":               "WEBHOOK_EVENTS",
	"webhook.timeout":              "WEBHOOK_TIMEOUT",
	"personas.file":                "PERSONAS_FILE",
}

// Load loads configuration from the .env file, environment and defaults.
// It does not validate; callers pick the Validate* method matching what
// they are about to start.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Driver:          strings.ToLower(v.GetString("database.driver")),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			Name:            v.GetString("database.name"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Completion: CompletionConfig{
			Provider:        strings.ToLower(v.GetString("completion.provider")),
			Model:           v.GetString("completion.model"),
			BaseURL:         v.GetString("completion.base_url"),
			MaxOutputTokens: v.GetInt("completion.max_output_tokens"),
			Timeout:         v.GetDuration("completion.timeout"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			File:   v.GetString("log.file"),
		},
		Webhook: WebhookConfig{
			URL:     v.GetString("webhook.url"),
			Secret:  v.GetString("webhook.secret"),
			Events:  splitList(v.GetString("webhook.events")),
			Timeout: v.GetDuration("webhook.timeout"),
		},
		ServerAddr:   v.GetString("server.addr"),
		PersonasFile: v.GetString("personas.file"),
	}

	switch cfg.Completion.Provider {
	case ProviderOpenAI:
		cfg.Completion.APIKey = v.GetString("completion.openai_api_key")
	default:
		cfg.Completion.APIKey = v.GetString("completion.google_api_key")
	}

	if cfg.Database.Port == 0 {
		cfg.Database.Port = defaultPort(cfg.Database.Driver)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", DriverMySQL)
	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("completion.provider", ProviderGemini)
	v.SetDefault("completion.max_output_tokens", 2054)
	v.SetDefault("completion.timeout", 2*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("webhook.events", "operator.error")
	v.SetDefault("webhook.timeout", 10*time.Second)
}

// splitList parses a comma separated env value
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func defaultPort(driver string) int {
	switch driver {
	case DriverMySQL:
		return 3306
	case DriverPostgres:
		return 5432
	default:
		return 0
	}
}

// Validate checks every setting needed to run a chat session
func (c *Config) Validate() error {
	if err := c.ValidateDatabase(); err != nil {
		return err
	}
	return c.ValidateCompletion()
}

// ValidateDatabase checks the conversation store settings
func (c *Config) ValidateDatabase() error {
	switch c.Database.Driver {
	case DriverMySQL, DriverPostgres:
		required := []struct {
			setting string
			value   string
		}{
			{"DB_HOST", c.Database.Host},
			{"DB_USER", c.Database.User},
			{"DB_PASS", c.Database.Password},
			{"DB_NAME", c.Database.Name},
		}
		for _, r := range required {
			if r.value == "" {
				return &MissingSettingError{Setting: r.setting}
			}
		}
	case DriverSQLite:
		if c.Database.Name == "" {
			return &MissingSettingError{Setting: "DB_NAME"}
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q (want %s, %s or %s)", c.Database.Driver, DriverMySQL, DriverPostgres, DriverSQLite)
	}
	return nil
}

// ValidateCompletion checks the text-generation service settings
func (c *Config) ValidateCompletion() error {
	switch c.Completion.Provider {
	case ProviderGemini:
		if c.Completion.APIKey == "" {
			return &MissingSettingError{Setting: "GOOGLE_API_KEY"}
		}
	case ProviderOpenAI:
		if c.Completion.APIKey == "" {
			return &MissingSettingError{Setting: "OPENAI_API_KEY"}
		}
	default:
		return fmt.Errorf("unsupported COMPLETION_PROVIDER %q (want %s or %s)", c.Completion.Provider, ProviderGemini, ProviderOpenAI)
	}
	if c.Completion.MaxOutputTokens <= 0 {
		return fmt.Errorf("COMPLETION_MAX_OUTPUT_TOKENS must be positive, got %d", c.Completion.MaxOutputTokens)
	}
	return nil
}
