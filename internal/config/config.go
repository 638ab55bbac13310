package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the Conductor orchestration engine.
// It is loaded from ~/.conductor/config.yaml and can be overridden by
// environment variables.
type Config struct {
	Server       ServerConfig            `mapstructure:"server" yaml:"server"`
	Orchestrator OrchestratorConfig      `mapstructure:"orchestrator" yaml:"orchestrator"`
	Retrieval    RetrievalConfig         `mapstructure:"retrieval" yaml:"retrieval"`
	Modules      map[string]ModuleConfig `mapstructure:"modules" yaml:"modules"`
	Generation   GenerationConfig        `mapstructure:"generation" yaml:"generation"`
	Notes        NotesConfig             `mapstructure:"notes" yaml:"notes"`
	Resource     ResourceConfig          `mapstructure:"resource" yaml:"resource"`
	Monitor      MonitorConfig           `mapstructure:"monitor" yaml:"monitor"`
	Logging      LoggingConfig           `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig contains configuration for the HTTP API server.
type ServerConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:8700"
	Addr string `mapstructure:"addr" yaml:"addr"`
	// ShutdownGrace is how long in-flight requests get on shutdown
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// OrchestratorConfig controls the per-turn workflow.
type OrchestratorConfig struct {
	// TurnBudget is the soft end-to-end budget; exceeding it marks the turn
	// degraded but never aborts it
	TurnBudget time.Duration `mapstructure:"turn_budget" yaml:"turn_budget"`

	// FirstRetrievalTimeout bounds the knowledge+intent fan-out
	FirstRetrievalTimeout time.Duration `mapstructure:"first_retrieval_timeout" yaml:"first_retrieval_timeout"`

	// SecondRetrievalTimeout bounds the experience fan-out before composition
	SecondRetrievalTimeout time.Duration `mapstructure:"second_retrieval_timeout" yaml:"second_retrieval_timeout"`

	// RouteMinConfidence is the threshold below which routing falls back to
	// the clarify expert (0.0-1.0)
	RouteMinConfidence float64 `mapstructure:"route_min_confidence" yaml:"route_min_confidence"`

	// NoteExtractTimeout bounds the detached note-extraction goroutine
	NoteExtractTimeout time.Duration `mapstructure:"note_extract_timeout" yaml:"note_extract_timeout"`

	// NoteJoinGrace is how long finalization waits for a pending note
	// before detaching it
	NoteJoinGrace time.Duration `mapstructure:"note_join_grace" yaml:"note_join_grace"`
}

// RetrievalConfig contains configuration for the retrieval adapter.
type RetrievalConfig struct {
	// Endpoints is the default ordered endpoint list; earlier entries are
	// tried first
	Endpoints []string `mapstructure:"endpoints" yaml:"endpoints"`

	// KindEndpoints overrides the endpoint list for specific retrieval
	// kinds (knowledge, intent, experience, similar-cases, best-practices)
	KindEndpoints map[string][]string `mapstructure:"kind_endpoints" yaml:"kind_endpoints,omitempty"`

	// TopK is the default passage count per search
	TopK int `mapstructure:"top_k" yaml:"top_k"`

	// Timeout applies per endpoint attempt, not per search
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ModuleConfig describes one functional module in the dispatch registry.
type ModuleConfig struct {
	// BaseURL is the module's HTTP base, e.g. "http://127.0.0.1:8710"
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// Timeout is the per-call deadline
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// Retries is the retry count for connection-level failures (capped at 1)
	Retries int `mapstructure:"retries" yaml:"retries"`
}

// GenerationConfig contains configuration for the text-generation client.
type GenerationConfig struct {
	Endpoint  string        `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxTokens int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// NotesConfig contains configuration for note and plan persistence.
type NotesConfig struct {
	// DBPath is the path to the SQLite database holding notes, plans,
	// learning records, and grants
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// ResourceConfig contains configuration for the resource monitor.
type ResourceConfig struct {
	// PollInterval is how often samples are taken
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// WarnPercent is the usage percentage that raises a warning issue
	WarnPercent float64 `mapstructure:"warn_percent" yaml:"warn_percent"`
	// CriticalPercent is the usage percentage that raises a critical issue
	CriticalPercent float64 `mapstructure:"critical_percent" yaml:"critical_percent"`
	// IncludeRemovable includes removable volumes in disk sampling
	IncludeRemovable bool `mapstructure:"include_removable" yaml:"include_removable"`
}

// MonitorConfig contains configuration for the self-learning monitor.
type MonitorConfig struct {
	// LatencyBudget is the turn latency above which a lesson is recorded
	LatencyBudget time.Duration `mapstructure:"latency_budget" yaml:"latency_budget"`
	// FailureThreshold is how many failures of the same module trigger a lesson
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	// LowConfidenceStreak is how many consecutive clarify fallbacks trigger a lesson
	LowConfidenceStreak int `mapstructure:"low_confidence_streak" yaml:"low_confidence_streak"`
	// SampleRate is the fraction of lessons that carry the full trace (0.0-1.0)
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file; empty disables file output
	File string `mapstructure:"file" yaml:"file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".conductor")

	return &Config{
		Server: ServerConfig{
			Addr:          "127.0.0.1:8700",
			ShutdownGrace: 10 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			TurnBudget:             2 * time.Second,
			FirstRetrievalTimeout:  600 * time.Millisecond,
			SecondRetrievalTimeout: 600 * time.Millisecond,
			RouteMinConfidence:     0.35,
			NoteExtractTimeout:     1500 * time.Millisecond,
			NoteJoinGrace:          150 * time.Millisecond,
		},
		Retrieval: RetrievalConfig{
			Endpoints: []string{"http://127.0.0.1:8720"},
			KindEndpoints: map[string][]string{
				"experience": {"http://127.0.0.1:8721"},
			},
			TopK:    5,
			Timeout: 400 * time.Millisecond,
		},
		Modules: map[string]ModuleConfig{
			"erp": {
				BaseURL: "http://127.0.0.1:8710",
				Timeout: 800 * time.Millisecond,
				Retries: 1,
			},
			"content": {
				BaseURL: "http://127.0.0.1:8711",
				Timeout: 800 * time.Millisecond,
				Retries: 1,
			},
			"stock": {
				BaseURL: "http://127.0.0.1:8712",
				Timeout: 800 * time.Millisecond,
				Retries: 1,
			},
		},
		Generation: GenerationConfig{
			Endpoint:  "http://127.0.0.1:8730",
			Timeout:   1200 * time.Millisecond,
			MaxTokens: 512,
		},
		Notes: NotesConfig{
			DBPath: filepath.Join(dataDir, "conductor.db"),
		},
		Resource: ResourceConfig{
			PollInterval:     30 * time.Second,
			WarnPercent:      80,
			CriticalPercent:  92,
			IncludeRemovable: false,
		},
		Monitor: MonitorConfig{
			LatencyBudget:       2 * time.Second,
			FailureThreshold:    3,
			LowConfidenceStreak: 3,
			SampleRate:          1.0,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(dataDir, "logs", "conductor.log"),
		},
	}
}

// Load reads configuration from the default location (~/.conductor/config.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".conductor", "config.yaml")
	return LoadFromPath(configPath)
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with
// default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := writeConfigFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Enable environment variable overrides
	// Example: CONDUCTOR_SERVER_ADDR, CONDUCTOR_LOGGING_LEVEL
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Notes.DBPath = expandPath(cfg.Notes.DBPath)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	return &cfg, nil
}

// Save writes the current configuration to the default config file location.
func (c *Config) Save() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".conductor", "config.yaml")
	return c.SaveToPath(configPath)
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// GetDataDir returns the Conductor data directory path (~/.conductor).
func (c *Config) GetDataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".conductor")
}

// EnsureDirectories creates all directories Conductor needs to run:
// the data directory, the logs directory, and the database directory.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.GetDataDir(),
		filepath.Dir(c.Notes.DBPath),
	}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}

	if c.Orchestrator.TurnBudget <= 0 {
		return fmt.Errorf("orchestrator.turn_budget must be positive")
	}

	if c.Orchestrator.RouteMinConfidence < 0 || c.Orchestrator.RouteMinConfidence > 1 {
		return fmt.Errorf("orchestrator.route_min_confidence must be between 0 and 1")
	}

	if len(c.Retrieval.Endpoints) == 0 {
		return fmt.Errorf("retrieval.endpoints cannot be empty")
	}

	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive")
	}

	if len(c.Modules) == 0 {
		return fmt.Errorf("modules registry cannot be empty")
	}

	for name, m := range c.Modules {
		if m.BaseURL == "" {
			return fmt.Errorf("module '%s' has no base_url", name)
		}
		if m.Timeout <= 0 {
			return fmt.Errorf("module '%s' timeout must be positive", name)
		}
	}

	if c.Resource.WarnPercent <= 0 || c.Resource.WarnPercent > 100 {
		return fmt.Errorf("resource.warn_percent must be between 0 and 100")
	}

	if c.Resource.CriticalPercent <= c.Resource.WarnPercent {
		return fmt.Errorf("resource.critical_percent must be above warn_percent")
	}

	if c.Monitor.SampleRate < 0 || c.Monitor.SampleRate > 1 {
		return fmt.Errorf("monitor.sample_rate must be between 0 and 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
