// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported generation providers.
const (
	ProviderOpenAI  = "openai"
	ProviderBedrock = "bedrock"
)

// Secret keys looked up through the SecretsManager.
const (
	SecretLLMAPIKey         = "openai_api_key"
	SecretPaymentsKey       = "payments_secret_key"
	SecretPaymentsWebhook   = "payments_webhook_secret"
	SecretJWT               = "jwt_secret"
	defaultSecretsNamespace = ""
)

// Config is the complete runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	LLM       LLMConfig       `yaml:"llm"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Payments  PaymentsConfig  `yaml:"payments"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Secrets   SecretsConfig   `yaml:"secrets"`
}

type ServerConfig struct {
	Port               string        `yaml:"port"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig points at the Postgres ledger. An empty URL selects the
// in-memory ledger, which is only suitable for local development.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// LLMConfig selects the generation provider and its fixed sampling policy.
type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	Region      string        `yaml:"region"`
	APIKey      string        `yaml:"api_key"`
	Encoding    string        `yaml:"encoding"`
	Temperature float64       `yaml:"temperature"`
	TopP        float64       `yaml:"top_p"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// PricingConfig is expressed in ledger units per one million tokens. When
// File or Catalog (inline JSON) is set, the price table for the configured
// model is read from that catalog instead.
type PricingConfig struct {
	InputPerMillion  int64  `yaml:"input_per_million"`
	OutputPerMillion int64  `yaml:"output_per_million"`
	TotalTokenBudget int    `yaml:"total_token_budget"`
	File             string `yaml:"file"`
	Catalog          string `yaml:"catalog"`
}

type PaymentsConfig struct {
	BaseURL          string        `yaml:"base_url"`
	SecretKey        string        `yaml:"secret_key"`
	WebhookSecret    string        `yaml:"webhook_secret"`
	PriceID          string        `yaml:"price_id"`
	SuccessURL       string        `yaml:"success_url"`
	CancelURL        string        `yaml:"cancel_url"`
	WebhookTolerance time.Duration `yaml:"webhook_tolerance"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
}

// SecretsConfig selects where secrets come from. Backend is "env" or "aws".
type SecretsConfig struct {
	Backend  string        `yaml:"backend"`
	ID       string        `yaml:"id"`
	Region   string        `yaml:"region"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port: "8080",
			CORSAllowedOrigins: []string{
				"https://www.conduits.link",
				"https://api.conduits.link",
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			},
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{MaxOpenConns: 25},
		LLM: LLMConfig{
			Provider:    ProviderOpenAI,
			Model:       "gpt-3.5-turbo",
			BaseURL:     "https://api.openai.com",
			Region:      "us-east-1",
			Encoding:    "cl100k_base",
			Temperature: 0.6,
			TopP:        0.9,
			Timeout:     60 * time.Second,
			MaxRetries:  2,
		},
		Pricing: PricingConfig{
			InputPerMillion:  50,
			OutputPerMillion: 150,
			TotalTokenBudget: 4096,
		},
		Payments: PaymentsConfig{
			BaseURL:          "https://api.stripe.com",
			SuccessURL:       "https://www.conduits.link/credits/success?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:        "https://www.conduits.link/credits",
			WebhookTolerance: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{PerMinute: 30},
		Secrets: SecretsConfig{
			Backend:  "env",
			ID:       defaultSecretsNamespace,
			CacheTTL: 5 * time.Minute,
		},
	}
}

// Load assembles the configuration from defaults, the optional config file,
// the environment, and the secrets backend.
func Load(ctx context.Context) (Config, error) {
	cfg := Default()

	if path := os.Getenv("CONDUIT_CONFIG_FILE"); path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	secrets, err := NewSecretsManager(ctx, cfg.Secrets)
	if err != nil {
		return Config{}, err
	}
	if err := ResolveSecrets(ctx, &cfg, secrets); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides individual settings from environment variables. A
// numeric or duration variable that does not parse is an error.
func applyEnv(cfg *Config) error {
	setString(&cfg.Server.Port, "PORT")
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.CORSAllowedOrigins = splitList(origins)
	}
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Redis.URL, "REDIS_URL")

	setString(&cfg.LLM.Provider, "LLM_PROVIDER")
	setString(&cfg.LLM.Model, "LLM_MODEL")
	setString(&cfg.LLM.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.LLM.Region, "AWS_REGION")
	setString(&cfg.LLM.Encoding, "TOKENIZER_ENCODING")
	setString(&cfg.Pricing.File, "CONDUIT_PRICING_FILE")
	setString(&cfg.Pricing.Catalog, "CONDUIT_PRICING_CONFIG")

	setString(&cfg.Payments.BaseURL, "PAYMENTS_BASE_URL")
	setString(&cfg.Payments.PriceID, "CREDIT_PRICE_ID")
	setString(&cfg.Payments.SuccessURL, "CHECKOUT_SUCCESS_URL")
	setString(&cfg.Payments.CancelURL, "CHECKOUT_CANCEL_URL")

	setString(&cfg.Secrets.Backend, "SECRETS_BACKEND")
	setString(&cfg.Secrets.ID, "SECRETS_ID")
	if cfg.Secrets.Region == "" {
		cfg.Secrets.Region = cfg.LLM.Region
	}

	if err := setDuration(&cfg.LLM.Timeout, "GENERATION_TIMEOUT"); err != nil {
		return err
	}
	return setInt(&cfg.RateLimit.PerMinute, "RATE_LIMIT_PER_MINUTE")
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port must be set")
	}
	switch c.LLM.Provider {
	case ProviderOpenAI:
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm provider %s requires an API key", c.LLM.Provider)
		}
	case ProviderBedrock:
		if c.LLM.Region == "" {
			return fmt.Errorf("llm provider %s requires a region", c.LLM.Provider)
		}
	default:
		return fmt.Errorf("unsupported llm provider: %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm model must be set")
	}
	if c.Pricing.InputPerMillion <= 0 || c.Pricing.OutputPerMillion <= 0 {
		return fmt.Errorf("pricing must be positive (input=%d, output=%d)",
			c.Pricing.InputPerMillion, c.Pricing.OutputPerMillion)
	}
	if c.Pricing.TotalTokenBudget <= 0 {
		return fmt.Errorf("total token budget must be positive")
	}
	if c.Payments.SecretKey == "" {
		return fmt.Errorf("payments secret key must be set")
	}
	if c.Payments.WebhookSecret == "" {
		return fmt.Errorf("payments webhook secret must be set")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret must be set")
	}
	if c.RateLimit.PerMinute < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: must be an integer", key, v)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: must be a duration such as 30s", key, v)
	}
	*dst = d
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
