// Package config loads deskagent's single configuration blob: a YAML file
// overlaid with `.env`-sourced environment variables, mapping 1:1 onto
// spec.md §6's configuration key tree. Loading follows C360Studio-semspec's
// config package (defaults-then-YAML-merge) blended with the env-override
// layering intelligencedev-manifold's loader uses for secrets that should
// never live in a committed YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration blob, per spec.md §6.
type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	TokenRates TokenRatesConfig `yaml:"token_rates"`
	Email      EmailConfig      `yaml:"email"`
	Memory     MemoryConfig     `yaml:"memory"`
	Turn       TurnConfig       `yaml:"turn"`
	Transport  TransportConfig  `yaml:"transport"`
	Storage    StorageConfig    `yaml:"storage"`
}

// LLMConfig selects and authenticates against one provider.
type LLMConfig struct {
	Provider string `yaml:"provider"` // "anthropic" | "openai" | "bedrock"
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
}

// TokenRatesConfig prices the Ledger's cost formula, per spec.md §4.2.
// Zero values fall back to the Ledger's own defaults.
type TokenRatesConfig struct {
	InputCachedPerMillion   float64 `yaml:"input_cached_per_million"`
	InputUncachedPerMillion float64 `yaml:"input_uncached_per_million"`
	OutputPerMillion        float64 `yaml:"output_per_million"`
}

// EmailConfig configures the SMTP relay the email skill and Scheduler send
// through.
type EmailConfig struct {
	SMTPServer      string `yaml:"smtp_server"`
	SMTPPort        string `yaml:"smtp_port"`
	SMTPSSL         bool   `yaml:"smtp_ssl"`
	SMTPUser        string `yaml:"smtp_user"`
	SMTPAuthCode    string `yaml:"smtp_auth_code"`
	DefaultSender   string `yaml:"default_sender"`
	DefaultRecipient string `yaml:"default_recipient"`
}

// MemoryConfig configures the Dialog Memory backend.
type MemoryConfig struct {
	Backend       string        `yaml:"backend"` // "file" | "mongo"
	Path          string        `yaml:"path"`
	MongoURI      string        `yaml:"mongo_uri"`
	MongoDatabase string        `yaml:"mongo_database"`
	RecentWindow  time.Duration `yaml:"recent_window"`
}

// TurnConfig bounds the Agent Core's per-turn behavior.
type TurnConfig struct {
	MaxReviewRounds int           `yaml:"max_review_rounds"`
	SkillTimeout    time.Duration `yaml:"skill_timeout"`
	TurnDeadline    time.Duration `yaml:"turn_deadline"`
}

// TransportConfig configures the stream fan-out and its sinks.
type TransportConfig struct {
	BufferSize int              `yaml:"buffer_size"`
	HTTPSSE    HTTPSSEConfig    `yaml:"httpsse"`
	Redis      RedisBridgeConfig `yaml:"redis"`
	WebSocket  WSRelayConfig    `yaml:"websocket"`
}

// HTTPSSEConfig configures the local SSE endpoint.
type HTTPSSEConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// RedisBridgeConfig configures the Redis pub/sub bridge to the remote
// relay.
type RedisBridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// WSRelayConfig configures the directly-attached operator console.
type WSRelayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// StorageConfig locates the Ledger and Scheduler's persisted files, and the
// skills-metadata files fsnotify watches.
type StorageConfig struct {
	LedgerBackend        string `yaml:"ledger_backend"` // "file" | "mongo"
	LedgerPath           string `yaml:"ledger_path"`
	LedgerMongoURI       string `yaml:"ledger_mongo_uri"`
	LedgerMongoDatabase  string `yaml:"ledger_mongo_database"`
	SchedulerPath        string `yaml:"scheduler_path"`
	SkillsMetadataPath   string `yaml:"skills_metadata_path"`
	FileSkillRoot        string `yaml:"file_skill_root"`
}

// Default returns a Config with the same defaults spec.md §4.2/§4.10/§5
// name when a key is absent.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{Provider: "anthropic"},
		TokenRates: TokenRatesConfig{
			InputCachedPerMillion:   0.3,
			InputUncachedPerMillion: 3,
			OutputPerMillion:        15,
		},
		Memory: MemoryConfig{
			Backend:      "file",
			Path:         "dialog_memory.json",
			RecentWindow: time.Hour,
		},
		Turn: TurnConfig{
			MaxReviewRounds: 3,
			SkillTimeout:    30 * time.Second,
		},
		Transport: TransportConfig{
			BufferSize: 256,
			HTTPSSE:    HTTPSSEConfig{Enabled: true, Addr: ":8090"},
		},
		Storage: StorageConfig{
			LedgerBackend:      "file",
			LedgerPath:         "token_usage.json",
			SchedulerPath:      "email_tasks.json",
			SkillsMetadataPath: "skills_metadata.json",
			FileSkillRoot:      ".",
		},
	}
}

// Load reads a YAML config file at path (if present), applies defaults for
// anything the file omits, then overlays process environment variables
// (loaded from a `.env` file via godotenv.Overload, matching
// intelligencedev-manifold's loader) for the handful of values that belong
// in the environment rather than a committed file: API keys and SMTP
// credentials.
func Load(path string) (*Config, error) {
	_ = godotenv.Overload()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// optional; defaults plus env stand alone.
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DESKAGENT_LLM_API_KEY")); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("DESKAGENT_LLM_MODEL")); v != "" {
		cfg.LLM.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("DESKAGENT_LLM_BASE_URL")); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DESKAGENT_LLM_PROVIDER")); v != "" {
		cfg.LLM.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("DESKAGENT_SMTP_USER")); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := strings.TrimSpace(os.Getenv("DESKAGENT_SMTP_AUTH_CODE")); v != "" {
		cfg.Email.SMTPAuthCode = v
	}
	if v := strings.TrimSpace(os.Getenv("DESKAGENT_MONGO_URI")); v != "" {
		cfg.Memory.MongoURI = v
	}
}

// Validate checks the required fields spec.md §6 marks non-optional.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("config: llm.api_key is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("config: llm.model is required")
	}
	switch c.LLM.Provider {
	case "anthropic", "openai", "bedrock":
	default:
		return fmt.Errorf("config: llm.provider must be one of anthropic, openai, bedrock (got %q)", c.LLM.Provider)
	}
	if c.Memory.Backend != "file" && c.Memory.Backend != "mongo" {
		return fmt.Errorf("config: memory.backend must be file or mongo (got %q)", c.Memory.Backend)
	}
	if c.Storage.LedgerBackend != "file" && c.Storage.LedgerBackend != "mongo" {
		return fmt.Errorf("config: storage.ledger_backend must be file or mongo (got %q)", c.Storage.LedgerBackend)
	}
	if c.Turn.MaxReviewRounds <= 0 {
		return fmt.Errorf("config: turn.max_review_rounds must be positive")
	}
	return nil
}
