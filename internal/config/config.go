package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LLMProviderConfig holds configuration for all LLM providers.
type LLMProviderConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`

	// GoogleAI-specific config.
	GeminiModel string `yaml:"gemini_model"`

	// Anthropic-specific config.
	AnthropicModel string `yaml:"anthropic_model"`

	// OpenAI-specific config.
	OpenAIModel string `yaml:"openai_model"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"` // provider name for model prefix
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"` // e.g. https://api.openai.com/v1
}

// BudgetConfig controls daily token admission per model.
type BudgetConfig struct {
	// DailyTokenCaps maps model name to its UTC-day token allowance.
	// A model without an entry is uncapped.
	DailyTokenCaps map[string]int `yaml:"daily_token_caps"`

	// PreferredModel is tried first for every provider call.
	PreferredModel string `yaml:"preferred_model"`

	// FallbackModel is substituted once the preferred model's remaining
	// daily tokens drop below SwitchThresholdTokens. Empty disables
	// downgrade.
	FallbackModel string `yaml:"fallback_model"`

	// SwitchThresholdTokens is the remaining-token floor that triggers
	// the downgrade to FallbackModel.
	SwitchThresholdTokens int `yaml:"switch_threshold_tokens"`

	// HardStop aborts the run when the active model (after any
	// downgrade) is over its cap, instead of failing just that task.
	HardStop bool `yaml:"hard_stop"`
}

// RetentionConfig bounds how long finished work is kept.
type RetentionConfig struct {
	// TerminalTaskMinutes is how long Done/Error tasks stay queryable
	// before the sweeper evicts them. 0 keeps them forever.
	TerminalTaskMinutes int `yaml:"terminal_task_minutes"`

	// UsageEventsDays prunes raw usage_events rows (rollups are kept).
	UsageEventsDays int `yaml:"usage_events_days"`

	// AuditLogDays prunes audit_log rows.
	AuditLogDays int `yaml:"audit_log_days"`

	// SweepSchedule is a cron expression for the retention sweeper.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// OtelConfig selects the telemetry exporter.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout", "otlp-http", "none"
	Endpoint string `yaml:"endpoint"` // OTLP HTTP endpoint when exporter=otlp-http
}

type Config struct {
	HomeDir string `yaml:"-"`

	WorkerCount        int    `yaml:"worker_count"`
	TaskTimeoutSeconds int    `yaml:"task_timeout_seconds"`
	BindAddr           string `yaml:"bind_addr"`
	LogLevel           string `yaml:"log_level"`

	LLM    LLMProviderConfig `yaml:"llm"`
	Budget BudgetConfig      `yaml:"budget"`

	// MaxQueueDepth caps pending tasks before Submit rejects. 0 = unlimited.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// PollIntervalMS is the worker dequeue poll interval in milliseconds.
	PollIntervalMS int `yaml:"poll_interval_ms"`

	// DrainTimeoutSeconds bounds shutdown drain. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Retention RetentionConfig `yaml:"retention"`

	// AppendSeparator joins existing and appended body text for
	// append-mode artifacts.
	AppendSeparator string `yaml:"append_separator"`

	// AuthToken, when set, requires Bearer auth on the HTTP API.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	Otel OtelConfig `yaml:"otel"`
}

// LLMProviderAPIKey returns the API key for the specified LLM provider.
// Env vars take precedence: ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY.
func (c Config) LLMProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":            "GOOGLE_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if provider == "google" {
		if v := os.Getenv("GEMINI_API_KEY"); v != "" {
			return v
		}
	}
	return ""
}

// ResolveLLMConfig returns the effective provider, default model name and API key.
func (c Config) ResolveLLMConfig() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "google"
	}

	switch provider {
	case "anthropic":
		model = c.LLM.AnthropicModel
	case "openai", "openai_compatible":
		model = c.LLM.OpenAIModel
	case "google":
		model = c.LLM.GeminiModel
	}

	apiKey = c.LLMProviderAPIKey(provider)
	return provider, model, apiKey
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, logged at startup
// and after hot reloads so operators can tell which settings are live.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|timeout=%d|bind=%s|log=%s|preferred=%s|fallback=%s|caps=%v|hardstop=%t",
		c.WorkerCount, c.TaskTimeoutSeconds, c.BindAddr, c.LogLevel,
		c.Budget.PreferredModel, c.Budget.FallbackModel, c.Budget.DailyTokenCaps, c.Budget.HardStop)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		WorkerCount:         4,
		TaskTimeoutSeconds:  int((10 * time.Minute).Seconds()),
		BindAddr:            "127.0.0.1:18890",
		LogLevel:            "info",
		MaxQueueDepth:       100,
		PollIntervalMS:      100,
		DrainTimeoutSeconds: 5,
		Retention: RetentionConfig{
			TerminalTaskMinutes: 24 * 60,
			UsageEventsDays:     90,
			AuditLogDays:        365,
			SweepSchedule:       "*/5 * * * *",
		},
		AppendSeparator: "\n\n---\n\n",
		Otel: OtelConfig{
			Enabled:  false,
			Exporter: "none",
		},
	}
}

// HomeDir resolves the daemon home, honoring the VISIONFORGE_HOME override.
func HomeDir() string {
	if override := os.Getenv("VISIONFORGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".visionforge")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create visionforge home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18890"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PollIntervalMS <= 0 {
		cfg.PollIntervalMS = 100
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	// Normalize legacy provider name.
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.GeminiModel == "" {
		cfg.LLM.GeminiModel = "gemini-2.5-flash"
	}
	if cfg.AppendSeparator == "" {
		cfg.AppendSeparator = "\n\n---\n\n"
	}
	if strings.TrimSpace(cfg.Retention.SweepSchedule) == "" {
		cfg.Retention.SweepSchedule = "*/5 * * * *"
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "none"
	}
	if cfg.Budget.PreferredModel == "" {
		_, model, _ := cfg.ResolveLLMConfig()
		cfg.Budget.PreferredModel = model
	}
}

func validate(cfg *Config) error {
	for model, cap := range cfg.Budget.DailyTokenCaps {
		if cap < 0 {
			return fmt.Errorf("daily_token_caps[%s] must be >= 0, got %d", model, cap)
		}
	}
	if cfg.Budget.SwitchThresholdTokens < 0 {
		return fmt.Errorf("switch_threshold_tokens must be >= 0, got %d", cfg.Budget.SwitchThresholdTokens)
	}
	if cfg.Budget.FallbackModel != "" && cfg.Budget.FallbackModel == cfg.Budget.PreferredModel {
		return fmt.Errorf("fallback_model must differ from preferred_model (%s)", cfg.Budget.PreferredModel)
	}
	switch cfg.Otel.Exporter {
	case "stdout", "otlp-http", "none":
	default:
		return fmt.Errorf("otel.exporter must be stdout, otlp-http or none, got %q", cfg.Otel.Exporter)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("VISIONFORGE_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("VISIONFORGE_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("VISIONFORGE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("VISIONFORGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("VISIONFORGE_MAX_QUEUE_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxQueueDepth = v
		}
	}
	if raw := os.Getenv("VISIONFORGE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("VISIONFORGE_PREFERRED_MODEL"); raw != "" {
		cfg.Budget.PreferredModel = raw
	}
	if raw := os.Getenv("VISIONFORGE_FALLBACK_MODEL"); raw != "" {
		cfg.Budget.FallbackModel = raw
	}
	if raw := os.Getenv("VISIONFORGE_HARD_STOP"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Budget.HardStop = v
		}
	}
	if raw := os.Getenv("VISIONFORGE_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
}
