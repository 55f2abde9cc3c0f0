package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the auto-i18n service.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Worker    WorkerConfig
	Batch     BatchConfig
	Providers ProvidersConfig
	Files     FilesConfig
}

type ServerConfig struct {
	Port              int
	Env               string
	RequestsPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ApplicationName string
}

type RedisConfig struct {
	URL      string
	StatsTTL time.Duration
}

// WorkerConfig tunes the polling loops and the queue failure policy.
type WorkerConfig struct {
	ID             string
	TickInterval   time.Duration
	ReapInterval   time.Duration
	StaleAfter     time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxAttempts    int
	PurgeSchedule  string
	Retention      time.Duration
}

// BatchConfig holds the batch-poll cadence. The defaults bound polling to
// roughly one day.
type BatchConfig struct {
	DefaultProvider string
	PollBaseDelay   time.Duration
	PollStep        time.Duration
	PollMaxDelay    time.Duration
	PollMaxAttempts int
	PromptsFile     string
	MaxOutputTokens int
}

type ProvidersConfig struct {
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
	Mock      MockConfig
}

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxRequests int
	Timeout     time.Duration
}

type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Version     string
	MaxRequests int
	Timeout     time.Duration
}

type MockConfig struct {
	Model       string
	MaxRequests int
}

type FilesConfig struct {
	Root string
}

var validProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"mock":      true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("AUTO_I18N_PORT", 8080),
			Env:               envString("AUTO_I18N_ENV", "development"),
			RequestsPerMinute: envInt("AUTO_I18N_REQUESTS_PER_MINUTE", 120),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			ApplicationName: envString("DATABASE_APPLICATION_NAME", "auto-i18n"),
		},
		Redis: RedisConfig{
			URL:      os.Getenv("REDIS_URL"),
			StatsTTL: envDuration("REDIS_STATS_TTL", 5*time.Second),
		},
		Worker: WorkerConfig{
			ID:             os.Getenv("WORKER_ID"),
			TickInterval:   envDuration("WORKER_TICK_INTERVAL", time.Second),
			ReapInterval:   envDuration("WORKER_REAP_INTERVAL", time.Minute),
			StaleAfter:     envDuration("WORKER_STALE_AFTER", 10*time.Minute),
			RetryBaseDelay: envDuration("WORKER_RETRY_BASE_DELAY", 5*time.Second),
			RetryMaxDelay:  envDuration("WORKER_RETRY_MAX_DELAY", 5*time.Minute),
			MaxAttempts:    envInt("WORKER_MAX_ATTEMPTS", 3),
			PurgeSchedule:  envString("WORKER_PURGE_SCHEDULE", "@every 1h"),
			Retention:      envDuration("WORKER_RETENTION", 7*24*time.Hour),
		},
		Batch: BatchConfig{
			DefaultProvider: envString("BATCH_DEFAULT_PROVIDER", "mock"),
			PollBaseDelay:   envDuration("BATCH_POLL_BASE_DELAY", 30*time.Second),
			PollStep:        envDuration("BATCH_POLL_STEP", time.Second),
			PollMaxDelay:    envDuration("BATCH_POLL_MAX_DELAY", 60*time.Second),
			PollMaxAttempts: envInt("BATCH_POLL_MAX_ATTEMPTS", 1440),
			PromptsFile:     os.Getenv("BATCH_PROMPTS_FILE"),
			MaxOutputTokens: envInt("BATCH_MAX_OUTPUT_TOKENS", 8192),
		},
		Providers: ProvidersConfig{
			OpenAI: OpenAIConfig{
				APIKey:      os.Getenv("OPENAI_API_KEY"),
				BaseURL:     envString("OPENAI_BASE_URL", "https://api.openai.com"),
				Model:       envString("OPENAI_MODEL", "gpt-4o-mini"),
				MaxRequests: envInt("OPENAI_MAX_REQUESTS", 50000),
				Timeout:     envDuration("OPENAI_TIMEOUT", 2*time.Minute),
			},
			Anthropic: AnthropicConfig{
				APIKey:      os.Getenv("ANTHROPIC_API_KEY"),
				BaseURL:     envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				Model:       envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
				Version:     envString("ANTHROPIC_VERSION", "2023-06-01"),
				MaxRequests: envInt("ANTHROPIC_MAX_REQUESTS", 100000),
				Timeout:     envDuration("ANTHROPIC_TIMEOUT", 2*time.Minute),
			},
			Mock: MockConfig{
				Model:       envString("MOCK_MODEL", "mock-v1"),
				MaxRequests: envInt("MOCK_MAX_REQUESTS", 1000),
			},
		},
		Files: FilesConfig{
			Root: envString("FILES_ROOT", "./data/files"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validProviders[c.Batch.DefaultProvider] {
		return fmt.Errorf("BATCH_DEFAULT_PROVIDER must be one of openai, anthropic, mock; got %q", c.Batch.DefaultProvider)
	}
	if c.Batch.DefaultProvider == "openai" && c.Providers.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when BATCH_DEFAULT_PROVIDER is openai")
	}
	if c.Batch.DefaultProvider == "anthropic" && c.Providers.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when BATCH_DEFAULT_PROVIDER is anthropic")
	}

	for name, url := range map[string]string{
		"OPENAI_BASE_URL":    c.Providers.OpenAI.BaseURL,
		"ANTHROPIC_BASE_URL": c.Providers.Anthropic.BaseURL,
	} {
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", name, url)
		}
	}

	if c.Worker.TickInterval <= 0 {
		return fmt.Errorf("WORKER_TICK_INTERVAL must be positive")
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("WORKER_MAX_ATTEMPTS must be at least 1, got %d", c.Worker.MaxAttempts)
	}
	if c.Worker.RetryMaxDelay < c.Worker.RetryBaseDelay {
		return fmt.Errorf("WORKER_RETRY_MAX_DELAY must not be lower than WORKER_RETRY_BASE_DELAY")
	}
	if c.Worker.StaleAfter <= c.Worker.TickInterval {
		return fmt.Errorf("WORKER_STALE_AFTER must be longer than WORKER_TICK_INTERVAL")
	}

	if c.Batch.PollMaxAttempts < 1 {
		return fmt.Errorf("BATCH_POLL_MAX_ATTEMPTS must be at least 1, got %d", c.Batch.PollMaxAttempts)
	}
	if c.Batch.PollMaxDelay < c.Batch.PollBaseDelay {
		return fmt.Errorf("BATCH_POLL_MAX_DELAY must not be lower than BATCH_POLL_BASE_DELAY")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
