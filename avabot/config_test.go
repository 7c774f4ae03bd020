package avabot

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Discord.Token = "discord-token"
	cfg.OpenAI.Token = "openai-token"
	cfg.OpenAI.AssistantID = "asst_foo"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validTestConfig().Validate())
}

func TestConfigValidateMissingTokens(t *testing.T) {
	cfg := validTestConfig()
	cfg.Discord.Token = ""
	assert.Error(t, cfg.Validate())

	cfg = validTestConfig()
	cfg.OpenAI.Token = ""
	assert.Error(t, cfg.Validate())

	cfg = validTestConfig()
	cfg.OpenAI.AssistantID = ""
	assert.Error(t, cfg.Validate())
}

func TestConfigValidateDatabaseType(t *testing.T) {
	cfg := validTestConfig()
	cfg.DatabaseType = "mongodb"
	assert.Error(t, cfg.Validate())

	cfg.DatabaseType = dbTypePostgres
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidateOpenAILimits(t *testing.T) {
	cfg := validTestConfig()
	cfg.OpenAI.MaxRequestsPerSecond = 0
	assert.Error(t, cfg.Validate())

	cfg = validTestConfig()
	cfg.OpenAI.RunRetries = 0
	assert.Error(t, cfg.Validate())
}

func TestConfigValidateKnowledgeFile(t *testing.T) {
	cfg := validTestConfig()
	cfg.Knowledge.File = ""
	assert.Error(t, cfg.Validate())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, DefaultKnowledgeFile, cfg.Knowledge.File)
	assert.Equal(t, DefaultKnowledgeMaxBackups, cfg.Knowledge.MaxBackups)
	assert.Equal(t, DefaultRestartInterval, cfg.RestartInterval)
	assert.Equal(t, DefaultOpenAIRunRetries, cfg.OpenAI.RunRetries)
	assert.Equal(t, DefaultOpenAIPollInterval, cfg.OpenAI.PollInterval)
	assert.Equal(t, DefaultDiscordGatewayIntent, cfg.Discord.GatewayIntents)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())
	assert.False(t, cfg.API.Enabled)
}

func TestConfigLoggingRedactsSecrets(t *testing.T) {
	cfg := validTestConfig()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("config", "config", cfg)

	output := buf.String()
	assert.NotContains(t, output, "discord-token")
	assert.NotContains(t, output, "openai-token")
	assert.Contains(t, output, "[redacted]")
}
