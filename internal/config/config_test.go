package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Zero(t, cfg.ServerWriteTimeout)
	assert.Equal(t, AssistantBackendAssistants, cfg.AssistantBackend)
	assert.Equal(t, BackendMemory, cfg.LedgerBackend)
	assert.Equal(t, int64(1), cfg.DefaultCredits)
	assert.Equal(t, 3, cfg.PersistMaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.PersistBaseDelay)
	assert.Equal(t, 15*time.Second, cfg.KeepAliveInterval)
	assert.Nil(t, cfg.AllowedAssistants)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ASSISTANT_BACKEND", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "key")
	t.Setenv("ALLOWED_ASSISTANTS", " asst_A, ,asst_B ")
	t.Setenv("SERVER_WRITE_TIMEOUT", "2m")
	t.Setenv("KEEPALIVE_INTERVAL", "not-a-duration")
	t.Setenv("LEDGER_BACKEND", "redis")
	t.Setenv("THREAD_STORE", "redis")

	cfg := Load()

	assert.Equal(t, []string{"asst_A", "asst_B"}, cfg.AllowedAssistants)
	assert.Equal(t, 2*time.Minute, cfg.ServerWriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.KeepAliveInterval, "unparsable values fall back")
	assert.True(t, cfg.UsesRedis())
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			AssistantBackend: AssistantBackendAssistants,
			OpenAIAPIKey:     "sk-test",
			LedgerBackend:    BackendMemory,
			ThreadStore:      BackendMemory,
			HistoryBackend:   BackendMemory,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "missing openai key", mutate: func(c *Config) { c.OpenAIAPIKey = "" }, wantErr: "OPENAI_API_KEY"},
		{name: "unknown backend", mutate: func(c *Config) { c.AssistantBackend = "gemini" }, wantErr: "ASSISTANT_BACKEND"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.LedgerBackend = BackendPostgres }, wantErr: "DATABASE_URL"},
		{name: "unknown history", mutate: func(c *Config) { c.HistoryBackend = "kafka" }, wantErr: "HISTORY_BACKEND"},
		{name: "auth without secret", mutate: func(c *Config) { c.AuthEnabled = true }, wantErr: "JWT_SECRET"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestUsesRedis_AssistantsIgnoresThreadStore(t *testing.T) {
	t.Parallel()

	cfg := &Config{AssistantBackend: AssistantBackendAssistants, ThreadStore: BackendRedis, LedgerBackend: BackendMemory}
	assert.False(t, cfg.UsesRedis())
}
