package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port                  int    `env:"PORT" envDefault:"8080"`
	DatabaseURL           string `env:"DATABASE_URL,required"`
	RedisURL              string `env:"REDIS_URL,required"`
	ChatPublicKey         string `env:"CHAT_PUBLIC_KEY,required"`
	SystemKey1            string `env:"SYSTEM_KEY_1"`
	SystemKey2            string `env:"SYSTEM_KEY_2"`
	SystemKey3            string `env:"SYSTEM_KEY_3"`
	SkyServiceURL         string `env:"SKY_SERVICE_URL" envDefault:"https://bsky.social"`
	InteractionTTLSeconds int    `env:"INTERACTION_TTL_SECONDS" envDefault:"300"`
	AutoQueueTTLSeconds   int    `env:"AUTO_QUEUE_TTL_SECONDS" envDefault:"900"`
	RateLimitPerMin       int    `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	LogLevel              string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) InteractionTTL() time.Duration {
	return time.Duration(c.InteractionTTLSeconds) * time.Second
}

func (c *Config) AutoQueueTTL() time.Duration {
	return time.Duration(c.AutoQueueTTLSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// SystemKeys returns the operator-held keyring material by slot ID.
// Absent slots are omitted rather than mapped to an empty string.
func (c *Config) SystemKeys() map[int]string {
	keys := make(map[int]string)
	for id, key := range map[int]string{1: c.SystemKey1, 2: c.SystemKey2, 3: c.SystemKey3} {
		if key != "" {
			keys[id] = key
		}
	}
	return keys
}

func (c *Config) Validate(isProduction bool) error {
	rawKey, err := hex.DecodeString(c.ChatPublicKey)
	if err != nil {
		return fmt.Errorf("CHAT_PUBLIC_KEY must be hex-encoded: %w", err)
	}
	if len(rawKey) != ed25519.PublicKeySize {
		return fmt.Errorf("CHAT_PUBLIC_KEY must be %d bytes (%d hex chars)", ed25519.PublicKeySize, ed25519.PublicKeySize*2)
	}

	keys := c.SystemKeys()
	if len(keys) == 0 {
		return fmt.Errorf("at least one of SYSTEM_KEY_1..%d must be set", SystemKeySlots)
	}

	if isProduction {
		if len(keys) < SystemKeySlots {
			log.Warn().Int("configured", len(keys)).Msg("not all system key slots are configured in production: sessions encrypted under a removed slot become unrecoverable")
		}
		for id, key := range keys {
			if err := validateSecret(fmt.Sprintf("SYSTEM_KEY_%d", id), key); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: go run scripts/gen-system-key.go)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
