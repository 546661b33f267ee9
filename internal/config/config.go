// Package config loads process configuration: defaults, then an optional
// YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"nvcstack.local/facilitator/internal/model"
)

const EnvConfigFile = "NVC_CONFIG_FILE"

type AppConfig struct {
	Name    string `yaml:"name" env:"NVC_APP_NAME"`
	Version string `yaml:"-"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"NVC_HTTP_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"NVC_HTTP_SHUTDOWN_TIMEOUT"`
	// CORSOrigins is echoed in Access-Control-Allow-Origin; "*" allows any.
	CORSOrigins        []string `yaml:"cors_origins" env:"NVC_CORS_ORIGINS" envSeparator:","`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute" env:"NVC_RATE_LIMIT_PER_MINUTE"`
}

type DBConfig struct {
	Driver string `yaml:"driver" env:"NVC_DB_DRIVER"`
	DSN    string `yaml:"dsn" env:"NVC_DB_DSN"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"NVC_REDIS_ADDR"`
	Password string `yaml:"password" env:"NVC_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"NVC_REDIS_DB"`
}

type AuthConfig struct {
	// JWTSecret empty disables token checks; the X-User-ID header names the
	// user instead.
	JWTSecret string        `yaml:"jwt_secret" env:"NVC_JWT_SECRET"`
	JWTIssuer string        `yaml:"jwt_issuer" env:"NVC_JWT_ISSUER"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"NVC_JWT_TTL"`

	// AdminUsers may enable or disable model providers at runtime.
	AdminUsers []string `yaml:"admin_users" env:"NVC_ADMIN_USERS" envSeparator:","`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"NVC_LOG_LEVEL"`
	Format string `yaml:"format" env:"NVC_LOG_FORMAT"`
}

type RealtimeConfig struct {
	Heartbeat      time.Duration `yaml:"heartbeat" env:"NVC_WS_HEARTBEAT"`
	SendBuffer     int           `yaml:"send_buffer" env:"NVC_WS_SEND_BUFFER"`
	ReplayLimit    int           `yaml:"replay_limit" env:"NVC_WS_REPLAY_LIMIT"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"NVC_WS_ALLOWED_ORIGINS" envSeparator:","`
}

type FacilitationConfig struct {
	MemorySize       int           `yaml:"memory_size" env:"NVC_MEMORY_SIZE"`
	ClarifyThreshold int           `yaml:"clarify_threshold" env:"NVC_CLARIFY_THRESHOLD"`
	MaxInputLength   int           `yaml:"max_input_length" env:"NVC_MAX_INPUT_LENGTH"`
	ReplyQueueSize   int           `yaml:"reply_queue_size" env:"NVC_REPLY_QUEUE_SIZE"`
	WorkerIdle       time.Duration `yaml:"worker_idle" env:"NVC_WORKER_IDLE"`
	RetryBase        time.Duration `yaml:"retry_base" env:"NVC_PROVIDER_RETRY_BASE"`
	RetryMax         time.Duration `yaml:"retry_max" env:"NVC_PROVIDER_RETRY_MAX"`
	DisableFallback  bool          `yaml:"disable_fallback" env:"NVC_DISABLE_FALLBACK"`
	Temperature      float64       `yaml:"temperature" env:"NVC_TEMPERATURE"`
}

type ProviderKeys struct {
	Anthropic string `yaml:"anthropic_api_key" env:"ANTHROPIC_API_KEY"`
	OpenAI    string `yaml:"openai_api_key" env:"OPENAI_API_KEY"`
	Google    string `yaml:"google_api_key" env:"GOOGLE_API_KEY"`
}

// For returns the API key of the named provider.
func (k ProviderKeys) For(name string) string {
	switch name {
	case model.ProviderAnthropic:
		return k.Anthropic
	case model.ProviderOpenAI:
		return k.OpenAI
	case model.ProviderGemini:
		return k.Google
	}
	return ""
}

type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"NVC_OTLP_ENDPOINT"`
	OTLPInsecure bool    `yaml:"otlp_insecure" env:"NVC_OTLP_INSECURE"`
	SampleRatio  float64 `yaml:"sample_ratio" env:"NVC_OTEL_SAMPLE_RATIO"`
}

type AnalyticsConfig struct {
	Webhooks      []string      `yaml:"webhooks" env:"NVC_ANALYTICS_WEBHOOKS" envSeparator:","`
	RetryCount    int           `yaml:"retry_count" env:"NVC_ANALYTICS_RETRY_COUNT"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" env:"NVC_ANALYTICS_RETRY_BACKOFF"`
	LogSummaries  bool          `yaml:"log_summaries" env:"NVC_ANALYTICS_LOG"`
	WebhookSecret string        `yaml:"webhook_secret" env:"NVC_ANALYTICS_WEBHOOK_SECRET"`
}

type Config struct {
	App          AppConfig
	HTTP         HTTPConfig
	DB           DBConfig
	Redis        RedisConfig
	Auth         AuthConfig
	Log          LogConfig
	Realtime     RealtimeConfig
	Facilitation FacilitationConfig
	Providers    []model.ProviderConfig
	Keys         ProviderKeys
	Telemetry    TelemetryConfig
	Analytics    AnalyticsConfig
}

func Default() Config {
	return Config{
		App:  AppConfig{Name: "NVC AI Facilitator", Version: "dev"},
		HTTP: HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second, CORSOrigins: []string{"*"}, RateLimitPerMinute: 60},
		DB:   DBConfig{Driver: "sqlite", DSN: "nvc.db"},
		Auth: AuthConfig{TokenTTL: time.Hour},
		Log:  LogConfig{Level: "info", Format: "json"},
		Realtime: RealtimeConfig{
			Heartbeat:   30 * time.Second,
			SendBuffer:  64,
			ReplayLimit: 256,
		},
		Facilitation: FacilitationConfig{
			MemorySize:       10,
			ClarifyThreshold: 50,
			MaxInputLength:   5000,
			ReplyQueueSize:   32,
			WorkerIdle:       time.Minute,
			RetryBase:        200 * time.Millisecond,
			RetryMax:         2 * time.Second,
			Temperature:      0.7,
		},
		Providers: []model.ProviderConfig{
			{Name: model.ProviderOpenAI, Model: "gpt-4o-mini", MaxTokens: 1024, Timeout: 30 * time.Second, MaxAttempts: 2, Enabled: true, Priority: 1},
			{Name: model.ProviderAnthropic, Model: "claude-3-5-haiku-latest", MaxTokens: 1024, Timeout: 30 * time.Second, MaxAttempts: 2, Enabled: true, Priority: 2},
			{Name: model.ProviderGemini, Model: "gemini-1.5-flash", MaxTokens: 1024, Timeout: 30 * time.Second, MaxAttempts: 2, Enabled: true, Priority: 3},
		},
		Analytics: AnalyticsConfig{RetryCount: 3, RetryBackoff: 150 * time.Millisecond, LogSummaries: true},
	}
}

type fileConfig struct {
	App          *AppConfig          `yaml:"app"`
	HTTP         *HTTPConfig         `yaml:"http"`
	DB           *DBConfig           `yaml:"db"`
	Redis        *RedisConfig        `yaml:"redis"`
	Auth         *AuthConfig         `yaml:"auth"`
	Log          *LogConfig          `yaml:"log"`
	Realtime     *RealtimeConfig     `yaml:"realtime"`
	Facilitation *FacilitationConfig `yaml:"facilitation"`
	Providers    []fileProvider      `yaml:"providers"`
	Keys         *ProviderKeys       `yaml:"keys"`
	Telemetry    *TelemetryConfig    `yaml:"telemetry"`
	Analytics    *AnalyticsConfig    `yaml:"analytics"`
}

type fileProvider struct {
	Name        string        `yaml:"name"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	Enabled     *bool         `yaml:"enabled"`
	Priority    int           `yaml:"priority"`
}

// Load builds the configuration. path may be empty, in which case
// NVC_CONFIG_FILE is consulted; a missing file is only an error when it was
// named explicitly.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = strings.TrimSpace(os.Getenv(EnvConfigFile))
		explicit = path != ""
	}
	if explicit {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	// Sections start from the current values so a file only needs the keys
	// it changes.
	fc := fileConfig{
		App:          &cfg.App,
		HTTP:         &cfg.HTTP,
		DB:           &cfg.DB,
		Redis:        &cfg.Redis,
		Auth:         &cfg.Auth,
		Log:          &cfg.Log,
		Realtime:     &cfg.Realtime,
		Facilitation: &cfg.Facilitation,
		Keys:         &cfg.Keys,
		Telemetry:    &cfg.Telemetry,
		Analytics:    &cfg.Analytics,
	}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if fc.Providers != nil {
		cfg.Providers = make([]model.ProviderConfig, 0, len(fc.Providers))
		for _, p := range fc.Providers {
			enabled := true
			if p.Enabled != nil {
				enabled = *p.Enabled
			}
			cfg.Providers = append(cfg.Providers, model.ProviderConfig{
				Name:        strings.ToLower(strings.TrimSpace(p.Name)),
				Model:       p.Model,
				MaxTokens:   p.MaxTokens,
				Timeout:     p.Timeout,
				MaxAttempts: p.MaxAttempts,
				Enabled:     enabled,
				Priority:    p.Priority,
			})
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	sections := []any{
		&cfg.App, &cfg.HTTP, &cfg.DB, &cfg.Redis, &cfg.Auth, &cfg.Log,
		&cfg.Realtime, &cfg.Facilitation, &cfg.Keys, &cfg.Telemetry, &cfg.Analytics,
	}
	for _, section := range sections {
		if err := env.Parse(section); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr must not be empty"))
	}
	switch strings.ToLower(strings.TrimSpace(c.DB.Driver)) {
	case "sqlite", "postgres":
	default:
		errs = append(errs, errors.New("db.driver must be sqlite or postgres"))
	}
	if strings.TrimSpace(c.DB.DSN) == "" {
		errs = append(errs, errors.New("db.dsn must not be empty"))
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 characters"))
	}
	if c.Realtime.Heartbeat <= 0 {
		errs = append(errs, errors.New("realtime.heartbeat must be > 0"))
	}
	if c.Facilitation.MemorySize <= 0 {
		errs = append(errs, errors.New("facilitation.memory_size must be > 0"))
	}
	if c.Facilitation.ClarifyThreshold < 0 || c.Facilitation.ClarifyThreshold > 100 {
		errs = append(errs, errors.New("facilitation.clarify_threshold must be within 0..100"))
	}
	if c.Facilitation.ReplyQueueSize <= 0 {
		errs = append(errs, errors.New("facilitation.reply_queue_size must be > 0"))
	}
	if c.HTTP.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("http.rate_limit_per_minute must be >= 0"))
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if strings.TrimSpace(p.Name) == "" {
			errs = append(errs, fmt.Errorf("providers[%d].name must not be empty", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("provider %q configured twice", p.Name))
		}
		seen[p.Name] = true
		if p.Timeout < 0 || p.MaxAttempts < 0 || p.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("provider %q has negative limits", p.Name))
		}
	}
	return errors.Join(errs...)
}
