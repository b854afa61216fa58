// Package config loads the runtime configuration: YAML file over defaults,
// with environment variables taking precedence over both.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	LLM          LLMConfig          `yaml:"llm"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Memory       MemoryConfig       `yaml:"memory"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Tools        ToolsConfig        `yaml:"tools"`
	Agent        AgentConfig        `yaml:"agent"`
	MCP          MCPConfig          `yaml:"mcp"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// LLMConfig selects and tunes the chat model.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // openai, anthropic, google or ollama
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// EmbeddingConfig selects the embedder. An empty provider disables semantic
// recall; memory then falls back to substring search.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // openai, google, ollama or empty
	Model    string `yaml:"model"`
}

// MemoryConfig tunes the memory facade and its backing stores.
type MemoryConfig struct {
	// Path is the sqlite database file. The special value ":memory:"
	// selects the volatile in-memory store.
	Path                string  `yaml:"path"`
	ShortTermWindow     int     `yaml:"short_term_window"`
	RecentMessages      int     `yaml:"recent_messages"`
	RecallLimit         int     `yaml:"recall_limit"`
	ImportanceThreshold float64 `yaml:"importance_threshold"`
	SummaryInterval     int     `yaml:"summary_interval"`

	// RedisAddr moves working memory into redis when set.
	RedisAddr string `yaml:"redis_addr"`
}

// OrchestratorConfig tunes turn execution.
type OrchestratorConfig struct {
	MaxToolRounds int `yaml:"max_tool_rounds"`
	QueueSize     int `yaml:"queue_size"`
	EventBuffer   int `yaml:"event_buffer"`
	ContextBudget int `yaml:"context_budget"`
}

// ToolsConfig tunes the builtin tools.
type ToolsConfig struct {
	Workdir     string   `yaml:"workdir"`
	ExecTimeout Duration `yaml:"exec_timeout"`
	HTTPTimeout Duration `yaml:"http_timeout"`
}

// AgentConfig describes the agent created at startup when the roster is
// empty.
type AgentConfig struct {
	Name        string `yaml:"name"`
	Personality string `yaml:"personality"`
}

// MCPConfig lists external MCP servers whose tools are registered at
// startup.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one stdio MCP server.
type MCPServerConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

// Duration accepts either a Go duration string ("30s") or a plain number of
// seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			*d = Duration(time.Duration(n) * time.Second)
			return nil
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration on line %d", value.Line)
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Log:    LogConfig{Level: "info", Format: "json"},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Memory: MemoryConfig{
			Path:                "agenthive.db",
			ShortTermWindow:     50,
			RecentMessages:      20,
			RecallLimit:         5,
			ImportanceThreshold: 0.5,
			SummaryInterval:     15,
		},
		Orchestrator: OrchestratorConfig{
			MaxToolRounds: 3,
			QueueSize:     8,
			EventBuffer:   64,
			ContextBudget: 16000,
		},
		Tools: ToolsConfig{
			Workdir:     "workspace",
			ExecTimeout: Duration(30 * time.Second),
			HTTPTimeout: Duration(15 * time.Second),
		},
		Agent: AgentConfig{Name: "Hive"},
	}
}

// Load reads the YAML file at path, merges it over the defaults and applies
// environment overrides. A missing file is not an error; the defaults plus
// environment then apply, matching a first-run setup with no config yet.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// First run: defaults + environment.
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnv overrides file values with environment variables. The provider
// API keys are scoped to the selected provider so an unrelated key in the
// environment does not leak into requests.
func (c *Config) applyEnv() error {
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}

	switch c.LLM.Provider {
	case "openai":
		if v := os.Getenv("OPENAI_API_KEY"); v != "" {
			c.LLM.APIKey = v
		}
	case "anthropic":
		if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
			c.LLM.APIKey = v
		}
	case "google":
		if v := os.Getenv("GEMINI_API_KEY"); v != "" {
			c.LLM.APIKey = v
		}
	case "ollama":
		if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
			c.LLM.BaseURL = v
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SERVER_PORT %q is not a number: %w", v, err)
		}
		c.Server.Port = port
	}

	if v := os.Getenv("AGENT_NAME"); v != "" {
		c.Agent.Name = v
	}
	if v := os.Getenv("MEMORY_PATH"); v != "" {
		c.Memory.Path = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Memory.RedisAddr = v
	}

	return nil
}

// Validate rejects configurations the runtime cannot start with.
func (c Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic", "google", "ollama", "mock":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}

	switch c.Embedding.Provider {
	case "", "openai", "google", "ollama":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm temperature %v out of range", c.LLM.Temperature)
	}

	if c.Memory.ImportanceThreshold < 0 || c.Memory.ImportanceThreshold > 1 {
		return fmt.Errorf("importance threshold %v out of range", c.Memory.ImportanceThreshold)
	}

	for i, srv := range c.MCP.Servers {
		if srv.Name == "" {
			return fmt.Errorf("mcp server %d has no name", i)
		}
		if srv.Command == "" {
			return fmt.Errorf("mcp server %q has no command", srv.Name)
		}
	}

	return nil
}
