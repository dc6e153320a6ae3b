package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scan-orchestrator/internal/types"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("WORKER_BUDGET", "120s")
	t.Setenv("AUTH_DEV_BYPASS", "true")
	t.Setenv("CHUNK_PER_OPERATION_SECONDS", "12.5")
	t.Setenv("CHUNK_FOLLOW_UP_PROMPTS", "first? | second?")
	t.Setenv("GATEWAY_OPENAI_URL", "https://gateway.example.com/v1/")
	t.Setenv("GATEWAY_OPENAI_KEY", "sk-test")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "testhost", cfg.Database.Postgres.Host)
	assert.Equal(t, 120*time.Second, cfg.Worker.Budget)
	assert.True(t, cfg.Worker.DevBypass)
	assert.Equal(t, 12.5, cfg.Chunk.PerOperationSeconds)
	assert.Equal(t, []string{"first?", "second?"}, cfg.Chunk.FollowUpPrompts)
	assert.Equal(t, GatewayEndpoint{BaseURL: "https://gateway.example.com/v1", APIKey: "sk-test"}, cfg.Gateway.Endpoints["openai"])
	_, ok := cfg.Gateway.Endpoints["anthropic"]
	assert.False(t, ok)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, cfg.Queue.HardCeiling)
	assert.Equal(t, 15*time.Minute, cfg.Queue.ZeroProgressCeiling)
	assert.Equal(t, 10*time.Minute, cfg.Queue.StallCeiling)
	assert.Equal(t, 1.2, cfg.Ledger.BufferMultiplier)
	assert.NotEmpty(t, cfg.Chunk.FollowUpPrompts)
	assert.False(t, cfg.Queue.OptimisticClaims)
	assert.Equal(t, "*/5 * * * *", cfg.Scheduler.EnqueueSpec)
	assert.Equal(t, "* * * * *", cfg.Scheduler.WorkerSpec)
}

func TestGetEnvHelpers(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		check    func(t *testing.T)
	}{
		{
			name:     "int returns default when invalid",
			envValue: "invalid",
			check: func(t *testing.T) {
				assert.Equal(t, 100, getEnvAsInt("TEST_HELPER", 100))
			},
		},
		{
			name:     "duration parses value",
			envValue: "30s",
			check: func(t *testing.T) {
				assert.Equal(t, 30*time.Second, getEnvAsDuration("TEST_HELPER", time.Second))
			},
		},
		{
			name:     "bool returns default when invalid",
			envValue: "maybe",
			check: func(t *testing.T) {
				assert.True(t, getEnvAsBool("TEST_HELPER", true))
			},
		},
		{
			name:     "float parses value",
			envValue: "1.5",
			check: func(t *testing.T) {
				assert.Equal(t, 1.5, getEnvAsFloat("TEST_HELPER", 2))
			},
		},
		{
			name:     "list falls back when only separators",
			envValue: " | | ",
			check: func(t *testing.T) {
				assert.Equal(t, []string{"x"}, getEnvAsList("TEST_HELPER", "|", []string{"x"}))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_HELPER", tt.envValue)
			tt.check(t)
		})
	}
}

const catalogYAML = `
models:
  - id: gpt-4o
    provider: openai
    input_cents_per_million: 250
    output_cents_per_million: 1000
  - id: claude-sonnet
    provider: anthropic
    input_cents_per_million: 300
    output_cents_per_million: 1500
    upstream_name: claude-sonnet-4-5
`

func TestLoadModelCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	catalog, err := LoadModelCatalog(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"claude-sonnet", "gpt-4o"}, catalog.IDs())

	provider, ok := catalog.Provider("claude-sonnet")
	require.True(t, ok)
	assert.Equal(t, types.ProviderAnthropic, provider)

	spec, ok := catalog.Lookup("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, 1000.0, spec.OutputCentsPerMillion)

	_, ok = catalog.Lookup("unknown")
	assert.False(t, ok)
}

func TestParseModelCatalog_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown provider", "models:\n  - id: x\n    provider: acme\n"},
		{"missing id", "models:\n  - provider: openai\n"},
		{"negative price", "models:\n  - id: x\n    provider: openai\n    input_cents_per_million: -1\n"},
		{"duplicate", "models:\n  - id: x\n    provider: openai\n  - id: x\n    provider: openai\n"},
		{"not yaml", "models: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseModelCatalog([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
