package auth

import (
	"context"
	"testing"
	"time"
)

func TestHMACTokenProvider_RoundTrip(t *testing.T) {
	provider, err := NewHMACTokenProvider("test-secret", "gateway", "https://canton.network.global", time.Minute)
	if err != nil {
		t.Fatalf("NewHMACTokenProvider() error: %v", err)
	}

	token, err := provider.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if token == "" {
		t.Fatal("Token() returned empty string")
	}

	sub, err := ValidateBearer(token, "test-secret")
	if err != nil {
		t.Fatalf("ValidateBearer() error: %v", err)
	}
	if sub != "gateway" {
		t.Errorf("subject = %s, want gateway", sub)
	}
}

func TestHMACTokenProvider_EmptySecret(t *testing.T) {
	if _, err := NewHMACTokenProvider("", "gateway", "aud", time.Minute); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestValidateBearer_WrongSecret(t *testing.T) {
	provider, _ := NewHMACTokenProvider("secret-a", "gateway", "aud", time.Minute)
	token, _ := provider.Token(context.Background())

	if _, err := ValidateBearer(token, "secret-b"); err == nil {
		t.Error("expected error for wrong secret")
	}
}

func TestStaticTokenProvider(t *testing.T) {
	provider := StaticTokenProvider("fixed-token")
	token, err := provider.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if token != "fixed-token" {
		t.Errorf("token = %s, want fixed-token", token)
	}
}
