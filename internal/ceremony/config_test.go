package ceremony

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	cfg := LoadConfigFromEnv()

	if cfg.RPDisplayName != "Keyfold" {
		t.Fatalf("display name = %q, want %q", cfg.RPDisplayName, "Keyfold")
	}
	if cfg.RPID != "localhost" {
		t.Fatalf("rp id = %q, want %q", cfg.RPID, "localhost")
	}
	if len(cfg.RPOrigins) != 1 || cfg.RPOrigins[0] != "https://localhost" {
		t.Fatalf("origins = %v, want [https://localhost]", cfg.RPOrigins)
	}
	if cfg.ChallengeTTL != 5*time.Minute {
		t.Fatalf("challenge ttl = %s, want 5m", cfg.ChallengeTTL)
	}
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("KEYFOLD_WEBAUTHN_RP_DISPLAY_NAME", "Example")
	t.Setenv("KEYFOLD_WEBAUTHN_RP_ID", "example.com")
	t.Setenv("KEYFOLD_WEBAUTHN_RP_ORIGINS", "https://example.com,https://www.example.com")
	t.Setenv("KEYFOLD_WEBAUTHN_CHALLENGE_TTL", "90s")

	cfg := LoadConfigFromEnv()

	if cfg.RPDisplayName != "Example" {
		t.Fatalf("display name = %q, want %q", cfg.RPDisplayName, "Example")
	}
	if cfg.RPID != "example.com" {
		t.Fatalf("rp id = %q, want %q", cfg.RPID, "example.com")
	}
	if len(cfg.RPOrigins) != 2 {
		t.Fatalf("origins = %v, want two entries", cfg.RPOrigins)
	}
	if cfg.ChallengeTTL != 90*time.Second {
		t.Fatalf("challenge ttl = %s, want 90s", cfg.ChallengeTTL)
	}
}
