// Package config loads the bot configuration from a YAML file with
// environment overrides.
package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nekobot/nekobot/cache"
)

// Config is the full bot configuration.
type Config struct {
	// Token authenticates the gateway connection. BetaToken is used instead
	// when Debug is set.
	Token     string `yaml:"token"`
	BetaToken string `yaml:"beta_token"`

	// Debug switches to the development prefix and the beta token.
	Debug bool `yaml:"debug"`

	// Instance numbers this process among the deployed bot instances; it
	// prefixes the published stat counters.
	Instance int `yaml:"instance"`

	// Shards is the total shard count across all instances. ShardIDs is the
	// subset this instance runs; empty means all of them.
	Shards   int   `yaml:"shards"`
	ShardIDs []int `yaml:"shard_ids"`

	GatewayURL string `yaml:"gateway_url"`

	// Workers sizes the dispatch worker pool.
	Workers int `yaml:"workers"`

	OwnerID uint64 `yaml:"owner_id"`

	// WebhookURL receives incident reports. Empty disables reporting.
	WebhookURL string `yaml:"webhook_url"`

	Redis cache.Config `yaml:"redis"`
}

// Default returns the configuration used when no file or overrides exist.
func Default() Config {
	return Config{
		Shards:     1,
		Workers:    4,
		GatewayURL: "wss://gateway.discord.gg/?v=9&encoding=json",
		Redis: cache.Config{
			Addr: "localhost:6379",
		},
	}
}

// Load reads the YAML file at path, if any, then applies environment
// overrides. A missing file is not an error; defaults are used.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Fall through to env overrides.
		case err != nil:
			return cfg, errors.Wrap(err, "failed to read config")
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, errors.Wrap(err, "failed to parse config")
			}
		}
	}

	cfg.applyEnv()

	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	return cfg, nil
}

func (cfg *Config) applyEnv() {
	if v := os.Getenv("NEKOBOT_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("NEKOBOT_BETA_TOKEN"); v != "" {
		cfg.BetaToken = v
	}
	if v := os.Getenv("NEKOBOT_DEBUG"); v != "" {
		cfg.Debug = v == "1" || v == "true"
	}
	if v := os.Getenv("NEKOBOT_INSTANCE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Instance = n
		}
	}
	if v := os.Getenv("NEKOBOT_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Shards = n
		}
	}
	if v := os.Getenv("NEKOBOT_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("NEKOBOT_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
}

// GatewayToken returns the token matching the operating mode.
func (cfg Config) GatewayToken() string {
	if cfg.Debug {
		return cfg.BetaToken
	}
	return cfg.Token
}
