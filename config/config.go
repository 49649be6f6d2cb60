// Package config provides configuration loading for dagflow.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete dagflow configuration.
type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	Engine    EngineConfig    `yaml:"engine"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Planner   PlannerConfig   `yaml:"planner"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server).
	URL string `yaml:"url"`
	// Embedded indicates whether to run an embedded server.
	Embedded bool `yaml:"embedded"`
	// StoreDir is the embedded server's storage directory.
	StoreDir string `yaml:"store_dir"`
}

// EngineConfig holds the orchestration tuning knobs.
type EngineConfig struct {
	// TaskTimeout is the maximum wall-clock time per task execution.
	TaskTimeout time.Duration `yaml:"task_timeout"`
	// ClaimLease is the claim lease duration; executors renew at a
	// fraction of this.
	ClaimLease time.Duration `yaml:"claim_lease"`
	// MaxRetries is the retry budget per logical task.
	MaxRetries int `yaml:"max_retries"`
	// MaxCorrectionDepth bounds correction generations per failure chain.
	MaxCorrectionDepth int `yaml:"max_correction_depth"`
	// PollingInterval is the orchestrator's scheduling cadence.
	PollingInterval time.Duration `yaml:"polling_interval"`
	// DispatchBatch is the maximum tasks dispatched per scheduling pass.
	DispatchBatch int `yaml:"dispatch_batch"`
	// DeadLetterAfter is the redelivery budget before dead-lettering.
	DeadLetterAfter int `yaml:"dead_letter_after"`
}

// ExecutorConfig configures an executor pool member.
type ExecutorConfig struct {
	// Types lists the executor types this process serves.
	Types []string `yaml:"types"`
	// Capabilities lists extra capability subjects to bind.
	Capabilities []string `yaml:"capabilities"`
	// Concurrency is the number of tasks processed in parallel.
	Concurrency int `yaml:"concurrency"`
	// Interpreter runs code task payloads (default: python3).
	Interpreter string `yaml:"interpreter"`
	// WorkDir roots file task paths; writes outside it are rejected.
	WorkDir string `yaml:"work_dir"`
	// AllowedPaths are glob patterns file tasks may write to,
	// relative to WorkDir (empty = allow all under WorkDir).
	AllowedPaths []string `yaml:"allowed_paths"`
}

// EvaluatorConfig configures the evaluator.
type EvaluatorConfig struct {
	// StderrAllowed are glob patterns of stderr lines that do not fail
	// code task validation (warnings, progress bars).
	StderrAllowed []string `yaml:"stderr_allowed"`
}

// PlannerConfig configures the planning oracle.
type PlannerConfig struct {
	// Endpoint is the OpenAI-compatible API base URL.
	Endpoint string `yaml:"endpoint"`
	// Model is the model name sent with each request.
	Model string `yaml:"model"`
	// APIKey is the bearer token (also via DAGFLOW_PLANNER_API_KEY).
	APIKey string `yaml:"api_key"`
	// Scripted switches to the canned oracle for standalone mode.
	Scripted bool `yaml:"scripted"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	// Addr is the listen address (empty = API disabled).
	Addr string `yaml:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
			StoreDir: "",
		},
		Engine: EngineConfig{
			TaskTimeout:        5 * time.Minute,
			ClaimLease:         60 * time.Second,
			MaxRetries:         3,
			MaxCorrectionDepth: 3,
			PollingInterval:    200 * time.Millisecond,
			DispatchBatch:      32,
			DeadLetterAfter:    5,
		},
		Executor: ExecutorConfig{
			Types:       []string{"generic"},
			Concurrency: 4,
			Interpreter: "python3",
			WorkDir:     ".",
		},
		Planner: PlannerConfig{
			Endpoint: "http://localhost:11434",
			Model:    "qwen2.5-coder:32b",
		},
		API: APIConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Engine.TaskTimeout <= 0 {
		return fmt.Errorf("engine.task_timeout must be positive")
	}
	if c.Engine.ClaimLease <= 0 {
		return fmt.Errorf("engine.claim_lease must be positive")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must not be negative")
	}
	if c.Engine.MaxCorrectionDepth < 0 {
		return fmt.Errorf("engine.max_correction_depth must not be negative")
	}
	if c.Engine.PollingInterval <= 0 {
		return fmt.Errorf("engine.polling_interval must be positive")
	}
	if c.Engine.DispatchBatch <= 0 {
		return fmt.Errorf("engine.dispatch_batch must be positive")
	}
	if c.Engine.DeadLetterAfter <= 0 {
		return fmt.Errorf("engine.dead_letter_after must be positive")
	}
	if c.Executor.Concurrency <= 0 {
		return fmt.Errorf("executor.concurrency must be positive")
	}
	if len(c.Executor.Types) == 0 {
		return fmt.Errorf("executor.types must not be empty")
	}
	if !c.Planner.Scripted {
		if c.Planner.Endpoint == "" {
			return fmt.Errorf("planner.endpoint is required")
		}
		if c.Planner.Model == "" {
			return fmt.Errorf("planner.model is required")
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Load builds the effective config: defaults, then the optional file,
// then environment overrides.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overrides config fields from DAGFLOW_* environment variables.
func (c *Config) applyEnv() error {
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Embedded = false
	}
	if v := os.Getenv("DAGFLOW_PLANNER_ENDPOINT"); v != "" {
		c.Planner.Endpoint = v
	}
	if v := os.Getenv("DAGFLOW_PLANNER_MODEL"); v != "" {
		c.Planner.Model = v
	}
	if v := os.Getenv("DAGFLOW_PLANNER_API_KEY"); v != "" {
		c.Planner.APIKey = v
	}
	if v := os.Getenv("DAGFLOW_API_ADDR"); v != "" {
		c.API.Addr = v
	}
	if v := os.Getenv("DAGFLOW_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("DAGFLOW_EXECUTOR_TYPES"); v != "" {
		c.Executor.Types = splitList(v)
	}
	if v := os.Getenv("DAGFLOW_EXECUTOR_CAPABILITIES"); v != "" {
		c.Executor.Capabilities = splitList(v)
	}

	durations := map[string]*time.Duration{
		"DAGFLOW_TASK_TIMEOUT":     &c.Engine.TaskTimeout,
		"DAGFLOW_CLAIM_LEASE":      &c.Engine.ClaimLease,
		"DAGFLOW_POLLING_INTERVAL": &c.Engine.PollingInterval,
	}
	for name, dst := range durations {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			// Bare numbers are seconds.
			secs, serr := strconv.Atoi(v)
			if serr != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			d = time.Duration(secs) * time.Second
		}
		*dst = d
	}

	ints := map[string]*int{
		"DAGFLOW_MAX_RETRIES":          &c.Engine.MaxRetries,
		"DAGFLOW_MAX_CORRECTION_DEPTH": &c.Engine.MaxCorrectionDepth,
		"DAGFLOW_DISPATCH_BATCH":       &c.Engine.DispatchBatch,
		"DAGFLOW_DEAD_LETTER_AFTER":    &c.Engine.DeadLetterAfter,
	}
	for name, dst := range ints {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
