package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all ganesha agent configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// State directory (database, logs, audit trail, stop file)
	StateDir string `yaml:"state_dir"`

	// Control loop settings
	Agent AgentConfig `yaml:"agent"`

	// Safety governor settings
	Safety SafetyConfig `yaml:"safety"`

	// Vision model endpoint (screen analysis)
	Vision VisionConfig `yaml:"vision"`

	// Planner model endpoint (next-action planning)
	Planner PlannerConfig `yaml:"planner"`

	// Task memory store
	Memory MemoryConfig `yaml:"memory"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// AgentConfig configures the perceive-act control loop.
type AgentConfig struct {
	// Capture resolution (what the vision model sees)
	CaptureWidth  int `yaml:"capture_width"`
	CaptureHeight int `yaml:"capture_height"`

	// True screen resolution (what the effector targets)
	ScreenWidth  int `yaml:"screen_width"`
	ScreenHeight int `yaml:"screen_height"`

	// Settle delay between an action and re-capture
	ActionDelay string `yaml:"action_delay"`

	// Defaults applied to goals that don't set their own
	MaxActions int    `yaml:"max_actions"`
	Timeout    string `yaml:"timeout"`

	// Element-count delta treated as noise when detecting screen change
	StabilityThreshold int `yaml:"stability_threshold"`

	// How many recent action results the planner sees
	HistoryWindow int `yaml:"history_window"`
}

// SafetyConfig configures the safety governor.
type SafetyConfig struct {
	MaxClicksPerMinute int    `yaml:"max_clicks_per_minute"`
	MaxKeysPerMinute   int    `yaml:"max_keys_per_minute"`
	MaxActionsPerTask  int    `yaml:"max_actions_per_task"`
	MinActionDelay     string `yaml:"min_action_delay"`
	TaskTimeout        string `yaml:"task_timeout"`

	// Confirmation policy
	RequireConfirmation bool     `yaml:"require_confirmation"`
	ConfirmPatterns     []string `yaml:"confirm_patterns"`
	RiskyKeywords       []string `yaml:"risky_keywords"`

	// Application access control. Empty whitelist means allow-all.
	Whitelist []string `yaml:"whitelist"`
	Blacklist []string `yaml:"blacklist"`

	// Audit entries buffered before an automatic flush
	AuditFlushThreshold int `yaml:"audit_flush_threshold"`
}

// VisionConfig configures the screen-analysis model client.
type VisionConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key"`
	Timeout        string `yaml:"timeout"`
	CaptureCommand string `yaml:"capture_command"`
}

// PlannerConfig configures the action-planner model client.
type PlannerConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	Timeout  string `yaml:"timeout"`
}

// MemoryConfig configures the task memory store.
type MemoryConfig struct {
	// Database path; relative paths resolve under StateDir
	DatabasePath string `yaml:"database_path"`

	// Cap on pitfall rows surfaced to the planner
	MaxRelevantFailures int `yaml:"max_relevant_failures"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string   `yaml:"level"` // debug, info, warn, error
	Dir        string   `yaml:"dir"`   // relative paths resolve under StateDir
	Categories []string `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:     "ganesha",
		Version:  "0.4.0",
		StateDir: DefaultStateDir(),

		Agent: AgentConfig{
			CaptureWidth:       1280,
			CaptureHeight:      720,
			ScreenWidth:        1920,
			ScreenHeight:       1080,
			ActionDelay:        "200ms",
			MaxActions:         20,
			Timeout:            "300s",
			StabilityThreshold: 2,
			HistoryWindow:      5,
		},

		Safety: SafetyConfig{
			MaxClicksPerMinute:  60,
			MaxKeysPerMinute:    300,
			MaxActionsPerTask:   100,
			MinActionDelay:      "100ms",
			TaskTimeout:         "300s",
			RequireConfirmation: true,
			ConfirmPatterns:     []string{"delete", "remove", "format", "shutdown"},
			RiskyKeywords:       []string{"rm -rf", "mkfs", "dd if=", "> /dev/", "delete all"},
			Whitelist:           nil,
			Blacklist:           []string{"gnome-terminal", "keepassxc"},
			AuditFlushThreshold: 100,
		},

		Vision: VisionConfig{
			Endpoint:       "http://localhost:8000/v1/chat/completions",
			Model:          "qwen2.5-vl-7b-instruct",
			Timeout:        "60s",
			CaptureCommand: "gnome-screenshot -f",
		},

		Planner: PlannerConfig{
			Endpoint: "http://localhost:8000/v1/chat/completions",
			Model:    "qwen2.5-vl-7b-instruct",
			Timeout:  "60s",
		},

		Memory: MemoryConfig{
			DatabasePath:        "vla_tasks.db",
			MaxRelevantFailures: 5,
		},

		Logging: LoggingConfig{
			Level:      "info",
			Dir:        "logs",
			Categories: []string{"loop", "safety", "memory", "perception", "planner", "input"},
		},
	}
}

// DefaultStateDir returns ~/.ganesha/vla, falling back to a relative
// directory when the home directory cannot be resolved.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ganesha/vla"
	}
	return filepath.Join(home, ".ganesha", "vla")
}

// Load loads configuration from a YAML file. A missing file yields
// defaults rather than an error.
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

	return cfg, nil
}

// Save saves configuration to a YAML file.
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
	if key := os.Getenv("GANESHA_API_KEY"); key != "" {
		c.Planner.APIKey = key
		c.Vision.APIKey = key
	}
	if url := os.Getenv("GANESHA_VISION_URL"); url != "" {
		c.Vision.Endpoint = url
	}
	if url := os.Getenv("GANESHA_PLANNER_URL"); url != "" {
		c.Planner.Endpoint = url
	}
	if dir := os.Getenv("GANESHA_STATE_DIR"); dir != "" {
		c.StateDir = dir
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Agent.CaptureWidth <= 0 || c.Agent.CaptureHeight <= 0 {
		return fmt.Errorf("invalid capture resolution %dx%d", c.Agent.CaptureWidth, c.Agent.CaptureHeight)
	}
	if c.Agent.ScreenWidth <= 0 || c.Agent.ScreenHeight <= 0 {
		return fmt.Errorf("invalid screen resolution %dx%d", c.Agent.ScreenWidth, c.Agent.ScreenHeight)
	}
	if c.Agent.MaxActions <= 0 {
		return fmt.Errorf("max_actions must be positive, got %d", c.Agent.MaxActions)
	}
	if c.Safety.MaxClicksPerMinute <= 0 {
		return fmt.Errorf("max_clicks_per_minute must be positive, got %d", c.Safety.MaxClicksPerMinute)
	}
	if c.Safety.MaxKeysPerMinute <= 0 {
		return fmt.Errorf("max_keys_per_minute must be positive, got %d", c.Safety.MaxKeysPerMinute)
	}
	if c.Safety.MaxActionsPerTask <= 0 {
		return fmt.Errorf("max_actions_per_task must be positive, got %d", c.Safety.MaxActionsPerTask)
	}
	for _, field := range []struct {
		name, value string
	}{
		{"agent.action_delay", c.Agent.ActionDelay},
		{"agent.timeout", c.Agent.Timeout},
		{"safety.min_action_delay", c.Safety.MinActionDelay},
		{"safety.task_timeout", c.Safety.TaskTimeout},
		{"vision.timeout", c.Vision.Timeout},
		{"planner.timeout", c.Planner.Timeout},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", field.name, err)
		}
	}
	return nil
}

// DatabasePath resolves the task database path against the state dir.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Memory.DatabasePath) {
		return c.Memory.DatabasePath
	}
	return filepath.Join(c.StateDir, c.Memory.DatabasePath)
}

// LogDir resolves the log directory against the state dir.
func (c *Config) LogDir() string {
	if filepath.IsAbs(c.Logging.Dir) {
		return c.Logging.Dir
	}
	return filepath.Join(c.StateDir, c.Logging.Dir)
}

// AuditLogPath returns the path of the NDJSON audit trail.
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.StateDir, "audit.log")
}

// StopFilePath returns the path of the emergency stop marker file.
func (c *Config) StopFilePath() string {
	return filepath.Join(c.StateDir, "STOP")
}

// Duration parses a duration string with a fallback.
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
