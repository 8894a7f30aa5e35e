// Package secrets resolves provider credentials at startup. A config
// value may hold the credential directly, reference a named entry in AWS
// Secrets Manager, or carry a sealed ciphertext; the Resolver applies
// that precedence.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// ErrSecretNotFound reports a lookup for a name the store does not hold.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore fetches named secrets from an external backend.
type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// GetJSON fetches a secret and unmarshals it as JSON into v.
func GetJSON(ctx context.Context, store SecretStore, name string, v any) error {
	raw, err := store.GetSecret(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode secret %s: %w", name, err)
	}
	return nil
}

const defaultCacheTTL = 5 * time.Minute

// AWSSecretsManager is the Secrets Manager backed store. Fetched values
// are cached so repeated resolution of the same reference during startup
// and key rotation sweeps does not hammer the API.
type AWSSecretsManager struct {
	client *secretsmanager.Client
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	value     string
	fetchedAt time.Time
}

// AWSOption configures an AWSSecretsManager.
type AWSOption func(*AWSSecretsManager)

// WithCacheTTL overrides the default 5 minute cache lifetime.
func WithCacheTTL(ttl time.Duration) AWSOption {
	return func(s *AWSSecretsManager) { s.ttl = ttl }
}

func NewAWSSecretsManager(ctx context.Context, region string, opts ...AWSOption) (*AWSSecretsManager, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s := &AWSSecretsManager{
		client: secretsmanager.NewFromConfig(awsCfg),
		ttl:    defaultCacheTTL,
		cache:  make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	entry, ok := s.cache[name]
	s.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < s.ttl {
		return entry.value, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	var value string
	if out.SecretString != nil {
		value = *out.SecretString
	}

	s.mu.Lock()
	s.cache[name] = cacheEntry{value: value, fetchedAt: time.Now()}
	s.mu.Unlock()
	return value, nil
}

// Invalidate drops every cached value, forcing the next lookup back to
// the API. Call after rotating a secret.
func (s *AWSSecretsManager) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cacheEntry)
}

// InMemorySecretStore backs tests and single-node deployments that load
// secrets from the environment.
type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{secrets: make(map[string]string)}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

func (s *InMemorySecretStore) DeleteSecret(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, name)
}
