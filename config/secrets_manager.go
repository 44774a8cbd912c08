// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"conduit/platform/shared/logger"
)

// SecretsManager resolves a named secret into key/value pairs.
type SecretsManager interface {
	GetSecret(ctx context.Context, id string) (map[string]string, error)
}

// secretKeys are the keys ResolveSecrets asks for. Environment lookups use the
// upper-cased key, optionally prefixed with the secret id.
var secretKeys = []string{SecretLLMAPIKey, SecretPaymentsKey, SecretPaymentsWebhook, SecretJWT}

// NewSecretsManager builds the backend named in cfg.
func NewSecretsManager(ctx context.Context, cfg SecretsConfig) (SecretsManager, error) {
	switch cfg.Backend {
	case "", "env":
		return NewEnvSecretsManager(), nil
	case "aws":
		return NewAWSSecretsManager(ctx, AWSSecretsManagerOptions{
			Region:   cfg.Region,
			CacheTTL: cfg.CacheTTL,
		})
	default:
		return nil, fmt.Errorf("unsupported secrets backend: %q", cfg.Backend)
	}
}

// ResolveSecrets fills credential fields in cfg from sm. Values already set
// (for example from the config file) are only replaced by non-empty secrets.
func ResolveSecrets(ctx context.Context, cfg *Config, sm SecretsManager) error {
	values, err := sm.GetSecret(ctx, cfg.Secrets.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve secrets: %w", err)
	}

	assign := func(dst *string, key string) {
		if v := values[key]; v != "" {
			*dst = v
		}
	}
	assign(&cfg.LLM.APIKey, SecretLLMAPIKey)
	assign(&cfg.Payments.SecretKey, SecretPaymentsKey)
	assign(&cfg.Payments.WebhookSecret, SecretPaymentsWebhook)
	assign(&cfg.Auth.JWTSecret, SecretJWT)
	return nil
}

// secretsClient is the subset of the Secrets Manager API used here.
type secretsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManager reads JSON secrets from AWS Secrets Manager and caches
// them for a TTL.
type AWSSecretsManager struct {
	client secretsClient
	cache  map[string]*secretCacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	log    *logger.Logger
}

type secretCacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

type AWSSecretsManagerOptions struct {
	Region   string
	CacheTTL time.Duration
	Logger   *logger.Logger
}

// NewAWSSecretsManager creates a client using the default AWS credential chain.
func NewAWSSecretsManager(ctx context.Context, opts AWSSecretsManagerOptions) (*AWSSecretsManager, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newAWSSecretsManager(secretsmanager.NewFromConfig(awsCfg), opts), nil
}

func newAWSSecretsManager(client secretsClient, opts AWSSecretsManagerOptions) *AWSSecretsManager {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	l := opts.Logger
	if l == nil {
		l = logger.New("secrets")
	}
	return &AWSSecretsManager{
		client: client,
		cache:  make(map[string]*secretCacheEntry),
		ttl:    ttl,
		log:    l,
	}
}

// GetSecret fetches id, expecting a JSON object of string values. A plain
// string secret is returned under the key "value".
func (s *AWSSecretsManager) GetSecret(ctx context.Context, id string) (map[string]string, error) {
	if id == "" {
		return nil, fmt.Errorf("aws secrets backend requires a secret id")
	}

	s.mu.RLock()
	entry, ok := s.cache[id]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", maskSecretID(id), err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", maskSecretID(id))
	}

	var values map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &values); err != nil {
		values = map[string]string{"value": *out.SecretString}
	}

	s.mu.Lock()
	s.cache[id] = &secretCacheEntry{value: values, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	s.log.Info("", "", "secret loaded", map[string]interface{}{
		"secret": maskSecretID(id),
		"keys":   len(values),
	})
	return values, nil
}

// Invalidate drops id from the cache.
func (s *AWSSecretsManager) Invalidate(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}

// maskSecretID keeps only the last 8 characters of a secret id or ARN.
func maskSecretID(id string) string {
	if len(id) <= 12 {
		return "***"
	}
	return "..." + id[len(id)-8:]
}

// EnvSecretsManager reads secrets from environment variables. With an empty
// id the variables are OPENAI_API_KEY, PAYMENTS_SECRET_KEY,
// PAYMENTS_WEBHOOK_SECRET and JWT_SECRET; a non-empty id is used as a prefix
// (id "CONDUIT" reads CONDUIT_JWT_SECRET).
type EnvSecretsManager struct{}

func NewEnvSecretsManager() *EnvSecretsManager {
	return &EnvSecretsManager{}
}

func (EnvSecretsManager) GetSecret(_ context.Context, id string) (map[string]string, error) {
	values := make(map[string]string, len(secretKeys))
	for _, key := range secretKeys {
		name := strings.ToUpper(key)
		if id != "" {
			name = strings.ToUpper(id) + "_" + name
		}
		if v := os.Getenv(name); v != "" {
			values[key] = v
		}
	}
	return values, nil
}

// StaticSecretsManager serves fixed values, for tests and local runs.
type StaticSecretsManager map[string]map[string]string

func (s StaticSecretsManager) GetSecret(_ context.Context, id string) (map[string]string, error) {
	v, ok := s[id]
	if !ok {
		return nil, fmt.Errorf("secret %s not found", maskSecretID(id))
	}
	return v, nil
}
