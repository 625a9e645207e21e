package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/Ning0612/Meshsync/internal/domain"
)

// EnvPrefix prefixes environment overrides, e.g. MESHSYNC_POLICY=newest
const EnvPrefix = "MESHSYNC"

// DefaultConfigPaths returns the default paths to search for config files
func DefaultConfigPaths() []string {
	paths := []string{
		".",
		"./configs",
	}

	// Add user config directory
	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "meshsync"))
	}

	// Add home directory
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".config", "meshsync"))
		paths = append(paths, filepath.Join(homeDir, ".meshsync"))
	}

	return paths
}

// SetDefaults registers every key's default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("policy", string(domain.PolicyManual))
	v.SetDefault("debug", false)
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("coalesce_window", "200ms")
	v.SetDefault("suppression_ttl", "5s")
	v.SetDefault("reconcile_interval", "30s")
	v.SetDefault("retry_delay", "250ms")
	v.SetDefault("workers", 4)
	v.SetDefault("max_retries", 3)
	v.SetDefault("copy_attempts", 2)
	v.SetDefault("hash_algorithm", "md5")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.compress", true)
}

// NewViper returns a viper instance with defaults and MESHSYNC_ env
// overrides. Callers may bind CLI flags to it before calling FromViper.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Keys without a default are invisible to Unmarshal unless bound
	_ = v.BindEnv("roots")
	_ = v.BindEnv("ignore")
	return v
}

// ReadFile loads path into v. An empty path searches the default
// locations for config.yaml; finding none there is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		// Use specific file
		v.SetConfigFile(path)
	} else {
		// Search default paths
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range DefaultConfigPaths() {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			if path == "" {
				return nil
			}
			return domain.ErrConfigNotFound
		}
		if os.IsNotExist(err) {
			return domain.ErrConfigNotFound
		}
		return fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	return nil
}

// FromViper decodes and validates the merged configuration
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}

	// A comma-separated MESHSYNC_ROOTS arrives as a single element
	if len(cfg.Roots) == 1 && strings.Contains(cfg.Roots[0], ",") {
		cfg.Roots = strings.Split(cfg.Roots[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses a configuration file
// If path is empty, searches default locations for config.yaml
func Load(path string) (*Config, error) {
	v := NewViper()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return FromViper(v)
}

// LoadFromString parses configuration from a YAML string
func LoadFromString(yamlContent string) (*Config, error) {
	v := NewViper()
	v.SetConfigType("yaml")

	if err := v.ReadConfig(strings.NewReader(yamlContent)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	return FromViper(v)
}
