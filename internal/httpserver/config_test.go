package httpserver

import (
	"reflect"
	"testing"
)

func TestConfigValidateAppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{TokenSigningKey: "secret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr {
		t.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.TokenIssuer != defaultTokenIssuer {
		t.Fatalf("expected default issuer, got %q", cfg.TokenIssuer)
	}
	if len(cfg.AllowedOrigins) == 0 {
		t.Fatal("expected default allowed origins")
	}
}

func TestConfigValidateRequiresSigningKey(t *testing.T) {
	t.Parallel()
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing signing key")
	}
}

func TestParseAllowedOrigins(t *testing.T) {
	t.Parallel()
	got := ParseAllowedOrigins(" https://app.example.com , http://localhost:3000 ,, ")
	want := []string{"https://app.example.com", "http://localhost:3000"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if len(ParseAllowedOrigins("  ")) != 0 {
		t.Fatal("blank input must produce no origins")
	}
}
