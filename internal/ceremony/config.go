package ceremony

import (
	"time"

	"github.com/caarlos0/env/v11"
)

const defaultRPDisplayName = "Keyfold"

// Config controls WebAuthn relying party settings.
type Config struct {
	RPDisplayName string        `env:"KEYFOLD_WEBAUTHN_RP_DISPLAY_NAME"`
	RPID          string        `env:"KEYFOLD_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string      `env:"KEYFOLD_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
	ChallengeTTL  time.Duration `env:"KEYFOLD_WEBAUTHN_CHALLENGE_TTL"   envDefault:"5m"`
}

// LoadConfigFromEnv returns ceremony configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			RPDisplayName: defaultRPDisplayName,
			RPID:          "localhost",
			RPOrigins:     []string{"https://localhost"},
			ChallengeTTL:  5 * time.Minute,
		}
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = defaultRPDisplayName
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"https://localhost"}
	}
	return cfg
}
