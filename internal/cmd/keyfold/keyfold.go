// Package keyfold wires command-line configuration into the keyfold server.
package keyfold

import (
	"context"
	"flag"
	"strconv"
	"strings"

	server "github.com/keyfold/keyfold/internal/app"
)

// Config holds keyfold command configuration.
type Config struct {
	Port int
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

// ParseConfig parses flags into a Config. Environment values provide
// defaults that flags override.
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	cfg := Config{
		Port: envPortOrDefault(lookup, "KEYFOLD_PORT", 8090),
	}

	fs.IntVar(&cfg.Port, "port", cfg.Port, "The keyfold gRPC server port")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the keyfold server.
func Run(ctx context.Context, cfg Config) error {
	return server.Run(ctx, cfg.Port)
}

func envPortOrDefault(lookup EnvLookup, key string, fallback int) int {
	if lookup == nil {
		return fallback
	}
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	port, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || port < 0 {
		return fallback
	}
	return port
}
