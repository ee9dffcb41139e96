package config

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Env           string  `mapstructure:"FT_ENV"`
	DataDir       string  `mapstructure:"FT_DATA_DIR"`
	DBPath        string  `mapstructure:"FT_DB_PATH"`
	KeyFile       string  `mapstructure:"FT_KEY_FILE"`
	KeyPassphrase string  `mapstructure:"FT_KEY_PASSPHRASE"`
	LogLevel      string  `mapstructure:"FT_LOG_LEVEL"`
	RespRateMax   int     `mapstructure:"FT_RESP_RATE_MAX"`
	CapRefillMax  float64 `mapstructure:"FT_CAP_REFILL_MAX"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("FT_ENV", "development")
	v.SetDefault("FT_DATA_DIR", "./data")
	v.SetDefault("FT_LOG_LEVEL", "info")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("FT_ENV")
	v.BindEnv("FT_DATA_DIR")
	v.BindEnv("FT_DB_PATH")
	v.BindEnv("FT_KEY_FILE")
	v.BindEnv("FT_KEY_PASSPHRASE")
	v.BindEnv("FT_LOG_LEVEL")
	v.BindEnv("FT_RESP_RATE_MAX")
	v.BindEnv("FT_CAP_REFILL_MAX")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.KeyPassphrase == "" {
		log.Println("WARNING: FT_KEY_PASSPHRASE is not set; the data-encryption key is stored unwrapped, guarded only by file permissions.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the tool is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedDBPath returns FT_DB_PATH when set, otherwise the default database
// location under the data directory.
func (c *Config) ResolvedDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "fieldtriage.db")
}

// ResolvedKeyFile returns FT_KEY_FILE when set, otherwise the default key
// location under the data directory.
func (c *Config) ResolvedKeyFile() string {
	if c.KeyFile != "" {
		return c.KeyFile
	}
	return filepath.Join(c.DataDir, "fieldtriage.key")
}

// Validate checks that the configuration is safe to run: a known environment,
// a parseable log level, and non-negative triage threshold overrides.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "production" {
		return fmt.Errorf("FT_ENV must be \"development\" or \"production\", got %q", c.Env)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("FT_LOG_LEVEL %q is not a valid level: %w", c.LogLevel, err)
	}
	if c.DataDir == "" && c.DBPath == "" {
		return fmt.Errorf("FT_DATA_DIR or FT_DB_PATH is required")
	}
	if c.RespRateMax < 0 {
		return fmt.Errorf("FT_RESP_RATE_MAX must be non-negative, got %d", c.RespRateMax)
	}
	if c.CapRefillMax < 0 {
		return fmt.Errorf("FT_CAP_REFILL_MAX must be non-negative, got %g", c.CapRefillMax)
	}
	return nil
}
