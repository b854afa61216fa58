package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "agenthive.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)

	require.Equal(t, "openai", cfg.LLM.Provider)
	require.Equal(t, "gpt-4o", cfg.LLM.Model)
	require.Equal(t, 0.7, cfg.LLM.Temperature)
	require.Equal(t, 4096, cfg.LLM.MaxTokens)
	require.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	require.Equal(t, "Hive", cfg.Agent.Name)
	require.Equal(t, 50, cfg.Memory.ShortTermWindow)
	require.Equal(t, 8, cfg.Orchestrator.QueueSize)
	require.Equal(t, 30*time.Second, cfg.Tools.ExecTimeout.Std())
	require.Empty(t, cfg.Embedding.Provider)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 9090
llm:
  provider: anthropic
  model: claude-sonnet-4-20250514
  temperature: 0.2
memory:
  path: /tmp/hive.db
  redis_addr: localhost:6379
orchestrator:
  queue_size: 0
tools:
  exec_timeout: 45s
  http_timeout: 20
agent:
  name: Scout
  personality: terse and precise
mcp:
  servers:
    - name: files
      command: mcp-files
      args: ["--root", "/data"]
      env: ["MCP_LOG=debug"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	require.Equal(t, "anthropic", cfg.LLM.Provider)
	require.Equal(t, "claude-sonnet-4-20250514", cfg.LLM.Model)
	require.Equal(t, 0.2, cfg.LLM.Temperature)
	require.Equal(t, 4096, cfg.LLM.MaxTokens) // default survives partial section
	require.Equal(t, "/tmp/hive.db", cfg.Memory.Path)
	require.Equal(t, "localhost:6379", cfg.Memory.RedisAddr)
	require.Equal(t, 0, cfg.Orchestrator.QueueSize)
	require.Equal(t, 3, cfg.Orchestrator.MaxToolRounds)
	require.Equal(t, 45*time.Second, cfg.Tools.ExecTimeout.Std())
	require.Equal(t, 20*time.Second, cfg.Tools.HTTPTimeout.Std())
	require.Equal(t, "Scout", cfg.Agent.Name)
	require.Len(t, cfg.MCP.Servers, 1)
	require.Equal(t, "files", cfg.MCP.Servers[0].Name)
	require.Equal(t, []string{"--root", "/data"}, cfg.MCP.Servers[0].Args)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: openai
  model: gpt-4o-mini
  api_key: from-file
server:
  port: 9090
`)

	t.Setenv("LLM_MODEL", "gpt-4.1")
	t.Setenv("OPENAI_API_KEY", "from-env")
	t.Setenv("SERVER_HOST", "127.0.0.1")
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("AGENT_NAME", "EnvAgent")
	t.Setenv("MEMORY_PATH", "/tmp/env.db")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "gpt-4.1", cfg.LLM.Model)
	require.Equal(t, "from-env", cfg.LLM.APIKey)
	require.Equal(t, "127.0.0.1:7070", cfg.Server.Addr())
	require.Equal(t, "EnvAgent", cfg.Agent.Name)
	require.Equal(t, "/tmp/env.db", cfg.Memory.Path)
	require.Equal(t, "redis:6379", cfg.Memory.RedisAddr)
}

func TestLoad_APIKeyScopedToProvider(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("OPENAI_API_KEY", "wrong-provider")
	t.Setenv("ANTHROPIC_API_KEY", "right-provider")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "anthropic", cfg.LLM.Provider)
	require.Equal(t, "right-provider", cfg.LLM.APIKey)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "llm: [not a mapping")

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse config")
}

func TestLoad_InvalidServerPortEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "eighty")

	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "SERVER_PORT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.LLM.Provider = "bard" },
			wantErr: "unknown llm provider",
		},
		{
			name:    "unknown embedding provider",
			mutate:  func(c *Config) { c.Embedding.Provider = "anthropic" },
			wantErr: "unknown embedding provider",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "port",
		},
		{
			name:    "temperature out of range",
			mutate:  func(c *Config) { c.LLM.Temperature = 3.5 },
			wantErr: "temperature",
		},
		{
			name:    "threshold out of range",
			mutate:  func(c *Config) { c.Memory.ImportanceThreshold = 1.5 },
			wantErr: "threshold",
		},
		{
			name:    "mcp server without command",
			mutate:  func(c *Config) { c.MCP.Servers = []MCPServerConfig{{Name: "files"}} },
			wantErr: "no command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}

	require.NoError(t, Default().Validate())
}

func TestDuration_Unmarshal(t *testing.T) {
	path := writeConfig(t, `
tools:
  exec_timeout: 2m
  http_timeout: 90
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 2*time.Minute, cfg.Tools.ExecTimeout.Std())
	require.Equal(t, 90*time.Second, cfg.Tools.HTTPTimeout.Std())
}

func TestDuration_RejectsGarbage(t *testing.T) {
	path := writeConfig(t, `
tools:
  exec_timeout: soonish
`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse duration")
}
