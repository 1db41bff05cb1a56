// Package config loads and validates blocksmith configuration.
//
// Configuration is resolved in three layers: compiled-in defaults,
// an optional YAML file (.blocksmith/config.yaml by default), and
// environment variable overrides. Later layers win.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all blocksmith configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// DataDir is the root for logs, the registry database and seed blocks.
	DataDir string `yaml:"data_dir"`

	// LLM configuration (planning, synthesis, text_generation nodes)
	LLM LLMConfig `yaml:"llm"`

	// Embedding configuration (block vectors for semantic search)
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Block registry
	Registry RegistryConfig `yaml:"registry"`

	// Sandbox execution
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Block synthesis
	Synthesis SynthesisConfig `yaml:"synthesis"`

	// Planner
	Planner PlannerConfig `yaml:"planner"`

	// Pipeline executor
	Executor ExecutorConfig `yaml:"executor"`

	// HTTP server
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the chat-completion client.
type LLMConfig struct {
	Provider   string `yaml:"provider" validate:"omitempty,oneof=openai anthropic gemini"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	Timeout    string `yaml:"timeout" validate:"omitempty,duration"`
	MaxRetries int    `yaml:"max_retries" validate:"min=0,max=10"`
}

// EmbeddingConfig configures the embedding client. When the provider is
// empty the LLM provider's embedding endpoint is used where available.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider" validate:"omitempty,oneof=openai genai gemini ollama"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	Dimensions int    `yaml:"dimensions" validate:"min=0"`
}

// RegistryConfig configures block storage and lookup.
type RegistryConfig struct {
	DatabasePath string `yaml:"database_path"`
	CacheTTL     string `yaml:"cache_ttl" validate:"omitempty,duration"`

	// SeedDir holds JSON block definitions loaded at startup.
	SeedDir string `yaml:"seed_dir"`

	// WatchSeeds reloads seed files on change.
	WatchSeeds bool `yaml:"watch_seeds"`
}

// SandboxConfig configures isolated Python execution.
type SandboxConfig struct {
	// Backend selects the isolation mechanism: auto probes for docker
	// and falls back to subprocess.
	Backend string `yaml:"backend" validate:"omitempty,oneof=auto docker subprocess"`

	Image         string  `yaml:"image"`
	PythonBin     string  `yaml:"python_bin"`
	MemoryLimitMB int     `yaml:"memory_limit_mb" validate:"min=0"`
	CPULimit      float64 `yaml:"cpu_limit" validate:"min=0"`
	ExecTimeout   string  `yaml:"exec_timeout" validate:"omitempty,duration"`
	WorkDir       string  `yaml:"work_dir"`
}

// SynthesisConfig configures the generate-test-repair loop.
type SynthesisConfig struct {
	MaxIterations   int    `yaml:"max_iterations" validate:"min=1,max=20"`
	Timeout         string `yaml:"timeout" validate:"omitempty,duration"`
	OutputTailLines int    `yaml:"output_tail_lines" validate:"min=1"`
}

// PlannerConfig configures intent decomposition and pipeline assembly.
type PlannerConfig struct {
	DecomposeRetries int    `yaml:"decompose_retries" validate:"min=0,max=10"`
	CreationRetries  int    `yaml:"creation_retries" validate:"min=0,max=10"`
	StageTimeout     string `yaml:"stage_timeout" validate:"omitempty,duration"`

	// MatchThreshold is the minimum hybrid-search score for an existing
	// block to satisfy a requirement without synthesis.
	MatchThreshold float64 `yaml:"match_threshold" validate:"min=0,max=1"`
}

// ExecutorConfig configures DAG execution.
type ExecutorConfig struct {
	MaxParallel int `yaml:"max_parallel" validate:"min=1,max=64"`

	// SharedSandbox runs every python node of a pipeline in one sandbox
	// instead of one sandbox per node.
	SharedSandbox bool `yaml:"shared_sandbox"`

	// ThrottleInterval is the minimum gap between model calls
	// process-wide.
	ThrottleInterval string `yaml:"throttle_interval" validate:"omitempty,duration"`
}

// ServerConfig configures the HTTP/SSE/WebSocket surface.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout  string `yaml:"read_timeout" validate:"omitempty,duration"`
	WriteTimeout string `yaml:"write_timeout" validate:"omitempty,duration"`
}

// LoggingConfig configures category log files.
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Debug      bool   `yaml:"debug"`
	Categories string `yaml:"categories"` // comma-separated debug categories, empty = all
	JSON       bool   `yaml:"json"`
	Dir        string `yaml:"dir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "blocksmith",
		Version: "0.4.0",
		DataDir: ".blocksmith",

		LLM: LLMConfig{
			Provider:   "openai",
			Model:      "gpt-4o",
			Timeout:    "60s",
			MaxRetries: 2,
		},

		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Model:      "text-embedding-3-small",
			Dimensions: 768,
		},

		Registry: RegistryConfig{
			DatabasePath: "blocks.db",
			CacheTTL:     "5m",
			SeedDir:      "blocks",
			WatchSeeds:   true,
		},

		Sandbox: SandboxConfig{
			Backend:       "auto",
			Image:         "python:3.12-slim",
			PythonBin:     "python3",
			MemoryLimitMB: 512,
			CPULimit:      1.0,
			ExecTimeout:   "120s",
		},

		Synthesis: SynthesisConfig{
			MaxIterations:   6,
			Timeout:         "120s",
			OutputTailLines: 80,
		},

		Planner: PlannerConfig{
			DecomposeRetries: 3,
			CreationRetries:  3,
			StageTimeout:     "300s",
			MatchThreshold:   0.35,
		},

		Executor: ExecutorConfig{
			MaxParallel:      4,
			SharedSandbox:    false,
			ThrottleInterval: "5s",
		},

		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8787,
			ReadTimeout:  "30s",
			WriteTimeout: "0s", // SSE streams stay open
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file is not an
// error: defaults plus environment overrides are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file, creating directories as
// needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// LLM API key from environment (check in priority order)
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "openai"
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "anthropic"
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}
	if url := os.Getenv("BLOCKSMITH_LLM_BASE_URL"); url != "" {
		c.LLM.BaseURL = url
	}
	if model := os.Getenv("BLOCKSMITH_LLM_MODEL"); model != "" {
		c.LLM.Model = model
	}

	// Embedding falls back to the LLM key when unset.
	if key := os.Getenv("BLOCKSMITH_EMBEDDING_API_KEY"); key != "" {
		c.Embedding.APIKey = key
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = c.LLM.APIKey
	}

	if dir := os.Getenv("BLOCKSMITH_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if path := os.Getenv("BLOCKSMITH_DB"); path != "" {
		c.Registry.DatabasePath = path
	}
	if backend := os.Getenv("BLOCKSMITH_SANDBOX"); backend != "" {
		c.Sandbox.Backend = backend
	}
	if port := os.Getenv("BLOCKSMITH_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Server.Port = n
		}
	}
}

// DatabasePath resolves the registry database path under DataDir unless
// an absolute path was configured.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Registry.DatabasePath) {
		return c.Registry.DatabasePath
	}
	return filepath.Join(c.DataDir, c.Registry.DatabasePath)
}

// StorePath resolves the run/pipeline store database path under DataDir.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "runs.db")
}

// SeedDir resolves the seed block directory under DataDir unless an
// absolute path was configured.
func (c *Config) SeedDir() string {
	if filepath.IsAbs(c.Registry.SeedDir) {
		return c.Registry.SeedDir
	}
	return filepath.Join(c.DataDir, c.Registry.SeedDir)
}

// LogDir resolves the log directory. Empty config means DataDir/logs.
func (c *Config) LogDir() string {
	if c.Logging.Dir != "" {
		return c.Logging.Dir
	}
	return filepath.Join(c.DataDir, "logs")
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetLLMTimeout returns the LLM call timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDurationOr(c.LLM.Timeout, 60*time.Second)
}

// GetSandboxTimeout returns the sandbox execution timeout as a duration.
func (c *Config) GetSandboxTimeout() time.Duration {
	return parseDurationOr(c.Sandbox.ExecTimeout, 120*time.Second)
}

// GetSynthesisTimeout returns the per-candidate synthesis run timeout.
func (c *Config) GetSynthesisTimeout() time.Duration {
	return parseDurationOr(c.Synthesis.Timeout, 120*time.Second)
}

// GetCacheTTL returns the registry cache TTL as a duration.
func (c *Config) GetCacheTTL() time.Duration {
	return parseDurationOr(c.Registry.CacheTTL, 5*time.Minute)
}

// GetThrottleInterval returns the minimum gap between model calls.
func (c *Config) GetThrottleInterval() time.Duration {
	return parseDurationOr(c.Executor.ThrottleInterval, 5*time.Second)
}

// GetStageTimeout returns the per-planner-stage timeout.
func (c *Config) GetStageTimeout() time.Duration {
	return parseDurationOr(c.Planner.StageTimeout, 300*time.Second)
}

// GetReadTimeout returns the HTTP server read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	return parseDurationOr(c.Server.ReadTimeout, 30*time.Second)
}

// GetWriteTimeout returns the HTTP server write timeout. Zero disables
// it, which long-lived event streams require.
func (c *Config) GetWriteTimeout() time.Duration {
	return parseDurationOr(c.Server.WriteTimeout, 0)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
