package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "DELTA_BACKUP"
	configFileName = "config"
)

// Load reads the configuration from path (or the default search locations
// when path is empty), a .env file in the working directory and
// DELTA_BACKUP_* environment variables, in increasing precedence. Flags bound
// to v by the caller take precedence over all of them.
func Load(v *viper.Viper, path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(home, ".delta-backup"))
		v.AddConfigPath(filepath.Join(home, ".config", "delta-backup"))
		v.AddConfigPath(".")
		v.SetConfigName(configFileName)
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return Config{}, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Retry.Backoff = NormalizeRetryBackoff(string(cfg.Retry.Backoff))
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("retention_days", d.RetentionDays)
	v.SetDefault("retry.backoff", string(d.Retry.Backoff))
	v.SetDefault("retry.initial", d.Retry.Initial)
	v.SetDefault("retry.max", d.Retry.Max)
	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.jitter", d.Retry.Jitter)
	v.SetDefault("validation.require_size_match", d.Validation.RequireSizeMatch)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}
