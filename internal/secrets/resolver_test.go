package secrets

import (
	"context"
	"testing"

	"github.com/eaplan05/ai-core/internal/crypto"
)

func TestResolver_PlainValue(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()

	value, err := r.Resolve(ctx, "sk-plain-key")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if value != "sk-plain-key" {
		t.Errorf("Resolve() = %v, want sk-plain-key", value)
	}
}

func TestResolver_EmptyValue(t *testing.T) {
	r := NewResolver()

	value, err := r.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if value != "" {
		t.Errorf("Resolve() = %q, want empty", value)
	}
}

func TestResolver_SecretReference(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("providers/openai", "sk-from-store")

	r := NewResolver(WithStore(store))

	value, err := r.Resolve(context.Background(), "secret:providers/openai")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if value != "sk-from-store" {
		t.Errorf("Resolve() = %v, want sk-from-store", value)
	}
}

func TestResolver_SecretReference_NotFound(t *testing.T) {
	r := NewResolver(WithStore(NewInMemorySecretStore()))

	_, err := r.Resolve(context.Background(), "secret:providers/missing")
	if err == nil {
		t.Error("Resolve() should fail for missing secret")
	}
}

func TestResolver_SecretReference_NoStore(t *testing.T) {
	r := NewResolver()

	_, err := r.Resolve(context.Background(), "secret:providers/openai")
	if err == nil {
		t.Error("Resolve() should fail without a secret store")
	}
}

func TestResolver_SealedValue(t *testing.T) {
	enc, err := crypto.NewEncryptor("config-encryption-key")
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	sealed, err := enc.Seal("sk-sealed-key")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	r := NewResolver(WithEncryptor(enc))

	value, err := r.Resolve(context.Background(), sealed)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if value != "sk-sealed-key" {
		t.Errorf("Resolve() = %v, want sk-sealed-key", value)
	}
}

func TestResolver_SealedValue_NoEncryptor(t *testing.T) {
	r := NewResolver()

	_, err := r.Resolve(context.Background(), "sealed:abc123")
	if err == nil {
		t.Error("Resolve() should fail without an encryption key")
	}
}

func TestResolver_SealedValue_WrongKey(t *testing.T) {
	enc1, _ := crypto.NewEncryptor("key-one")
	enc2, _ := crypto.NewEncryptor("key-two")

	sealed, _ := enc1.Seal("sk-secret")

	r := NewResolver(WithEncryptor(enc2))

	_, err := r.Resolve(context.Background(), sealed)
	if err == nil {
		t.Error("Resolve() should fail when sealed with a different key")
	}
}

func TestResolver_ResolveAll(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("providers/anthropic", "sk-ant-resolved")

	enc, _ := crypto.NewEncryptor("config-encryption-key")
	sealed, _ := enc.Seal("sk-gemini-resolved")

	r := NewResolver(WithStore(store), WithEncryptor(enc))

	resolved, err := r.ResolveAll(context.Background(), map[string]string{
		"openai":    "sk-openai-plain",
		"anthropic": "secret:providers/anthropic",
		"gemini":    sealed,
		"custom":    "",
	})
	if err != nil {
		t.Fatalf("ResolveAll() error = %v", err)
	}

	want := map[string]string{
		"openai":    "sk-openai-plain",
		"anthropic": "sk-ant-resolved",
		"gemini":    "sk-gemini-resolved",
		"custom":    "",
	}
	for name, expected := range want {
		if resolved[name] != expected {
			t.Errorf("resolved[%s] = %v, want %v", name, resolved[name], expected)
		}
	}
}

func TestResolver_ResolveAll_FailsFast(t *testing.T) {
	r := NewResolver(WithStore(NewInMemorySecretStore()))

	_, err := r.ResolveAll(context.Background(), map[string]string{
		"openai": "secret:providers/missing",
	})
	if err == nil {
		t.Error("ResolveAll() should fail when a reference cannot be resolved")
	}
}
