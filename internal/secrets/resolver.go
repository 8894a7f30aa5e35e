package secrets

import (
	"context"
	"fmt"
	"strings"

	"github.com/eaplan05/ai-core/internal/crypto"
)

// SecretRefPrefix marks a config value that names a Secrets Manager entry
// instead of carrying the credential inline.
const SecretRefPrefix = "secret:"

// Resolver turns raw config values into usable credentials. Three forms
// are accepted:
//
//	sk-plain-key          used as-is
//	secret:provider/key   fetched from the SecretStore
//	sealed:BASE64         decrypted with the configured encryption key
type Resolver struct {
	store     SecretStore
	encryptor *crypto.Encryptor
}

type ResolverOption func(*Resolver)

func WithStore(store SecretStore) ResolverOption {
	return func(r *Resolver) {
		r.store = store
	}
}

func WithEncryptor(enc *crypto.Encryptor) ResolverOption {
	return func(r *Resolver) {
		r.encryptor = enc
	}
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the credential a config value refers to. Empty values
// pass through unchanged so optional providers stay disabled.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	switch {
	case value == "":
		return "", nil

	case strings.HasPrefix(value, SecretRefPrefix):
		if r.store == nil {
			return "", fmt.Errorf("resolve %q: no secret store configured", value)
		}
		name := strings.TrimPrefix(value, SecretRefPrefix)
		secret, err := r.store.GetSecret(ctx, name)
		if err != nil {
			return "", fmt.Errorf("resolve secret reference %q: %w", name, err)
		}
		return secret, nil

	case crypto.IsSealed(value):
		if r.encryptor == nil {
			return "", fmt.Errorf("resolve sealed value: no encryption key configured")
		}
		plaintext, err := r.encryptor.Unseal(value)
		if err != nil {
			return "", fmt.Errorf("unseal value: %w", err)
		}
		return plaintext, nil

	default:
		return value, nil
	}
}

// ResolveAll resolves every value in place, keyed by provider name. It
// stops at the first failure so a misconfigured credential is caught at
// startup rather than on the first request.
func (r *Resolver) ResolveAll(ctx context.Context, values map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(values))
	for name, value := range values {
		v, err := r.Resolve(ctx, value)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		resolved[name] = v
	}
	return resolved, nil
}
