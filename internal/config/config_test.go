package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_USER", "chat")
	t.Setenv("DB_PASS", "secret")
	t.Setenv("DB_NAME", "characters")
	t.Setenv("GOOGLE_API_KEY", "test-key")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverMySQL, cfg.Database.Driver)
	assert.Equal(t, 3306, cfg.Database.Port)
	assert.Equal(t, ProviderGemini, cfg.Completion.Provider)
	assert.Equal(t, "test-key", cfg.Completion.APIKey)
	assert.Equal(t, 2054, cfg.Completion.MaxOutputTokens)
	assert.Equal(t, 2*time.Minute, cfg.Completion.Timeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DB_DRIVER", "POSTGRES")
	t.Setenv("COMPLETION_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("COMPLETION_MAX_OUTPUT_TOKENS", "512")
	t.Setenv("COMPLETION_TIMEOUT", "45s")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, ProviderOpenAI, cfg.Completion.Provider)
	assert.Equal(t, "sk-test", cfg.Completion.APIKey)
	assert.Equal(t, 512, cfg.Completion.MaxOutputTokens)
	assert.Equal(t, 45*time.Second, cfg.Completion.Timeout)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.NoError(t, cfg.Validate())
}

func TestValidate_NamesMissingSetting(t *testing.T) {
	tests := []struct {
		unset   string
		setting string
	}{
		{"DB_HOST", "DB_HOST"},
		{"DB_USER", "DB_USER"},
		{"DB_PASS", "DB_PASS"},
		{"DB_NAME", "DB_NAME"},
		{"GOOGLE_API_KEY", "GOOGLE_API_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.unset, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.unset, "")

			cfg, err := Load()
			require.NoError(t, err)

			err = cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfigurationMissing))

			var missing *MissingSettingError
			require.ErrorAs(t, err, &missing)
			assert.Equal(t, tt.setting, missing.Setting)
			assert.Contains(t, err.Error(), tt.setting)
		})
	}
}

func TestValidateDatabase_SQLiteOnlyNeedsName(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{Driver: DriverSQLite, Name: "chat.db"}}
	assert.NoError(t, cfg.ValidateDatabase())

	cfg.Database.Name = ""
	var missing *MissingSettingError
	require.ErrorAs(t, cfg.ValidateDatabase(), &missing)
	assert.Equal(t, "DB_NAME", missing.Setting)
}

func TestValidate_RejectsUnknownBackends(t *testing.T) {
	cfg := &Config{
		Database:   DatabaseConfig{Driver: "oracle"},
		Completion: CompletionConfig{Provider: ProviderGemini, APIKey: "k", MaxOutputTokens: 10},
	}
	err := cfg.ValidateDatabase()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConfigurationMissing))

	cfg.Completion.Provider = "claude"
	assert.Error(t, cfg.ValidateCompletion())
}

func TestValidateCompletion_MaxOutputTokens(t *testing.T) {
	cfg := &Config{Completion: CompletionConfig{Provider: ProviderGemini, APIKey: "k"}}
	assert.Error(t, cfg.ValidateCompletion())

	cfg.Completion.MaxOutputTokens = 1
	assert.NoError(t, cfg.ValidateCompletion())
}

func TestLoad_WebhookSettings(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Webhook.URL)
	assert.Equal(t, []string{"operator.error"}, cfg.Webhook.Events)
	assert.Equal(t, 10*time.Second, cfg.Webhook.Timeout)

	t.Setenv("WEBHOOK_URL", "https://hooks.example.com/chat")
	t.Setenv("WEBHOOK_EVENTS", "operator.error, session.ended,,")
	t.Setenv("WEBHOOK_TIMEOUT", "3s")

	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/chat", cfg.Webhook.URL)
	assert.Equal(t, []string{"operator.error", "session.ended"}, cfg.Webhook.Events)
	assert.Equal(t, 3*time.Second, cfg.Webhook.Timeout)
}
