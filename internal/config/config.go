package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Ning0612/Meshsync/internal/core/checksum"
	"github.com/Ning0612/Meshsync/internal/domain"
	"github.com/Ning0612/Meshsync/internal/logger"
)

// Config represents the complete configuration for meshsync
type Config struct {
	// Roots are the directory trees kept identical. Order matters: the
	// position is the root id and lower ids win exact mtime ties.
	Roots []string `mapstructure:"roots"`

	// Policy names the conflict policy: manual or newest
	Policy string `mapstructure:"policy"`

	Debug bool `mapstructure:"debug"`

	// DataDir holds the audit database, lock and pid file
	DataDir string `mapstructure:"data_dir"`

	CoalesceWindow    time.Duration `mapstructure:"coalesce_window"`
	SuppressionTTL    time.Duration `mapstructure:"suppression_ttl"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`

	// Workers bounds concurrent propagation writes
	Workers int `mapstructure:"workers"`

	// MaxRetries bounds reconcile retries of a failed (root, path)
	MaxRetries int `mapstructure:"max_retries"`

	// CopyAttempts bounds copies retried after a digest mismatch
	CopyAttempts int `mapstructure:"copy_attempts"`

	HashAlgorithm string `mapstructure:"hash_algorithm"`

	// Ignore adds gitignore-style patterns to the built-in list
	Ignore []string `mapstructure:"ignore"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig configures console and file logging
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// Validate checks if the configuration is complete and consistent.
// Root paths are expanded and made absolute in place.
func (c *Config) Validate() error {
	if len(c.Roots) < 2 {
		return fmt.Errorf("%w: at least two roots are required, got %d", domain.ErrConfigInvalid, len(c.Roots))
	}

	seen := make(map[string]int, len(c.Roots))
	for i, r := range c.Roots {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("%w: root %d is empty", domain.ErrConfigInvalid, i)
		}
		abs, err := filepath.Abs(ExpandPath(r))
		if err != nil {
			return fmt.Errorf("%w: root %s: %v", domain.ErrConfigInvalid, r, err)
		}
		if j, dup := seen[abs]; dup {
			return fmt.Errorf("%w: roots %d and %d are the same directory: %s", domain.ErrConfigInvalid, j, i, abs)
		}
		seen[abs] = i
		c.Roots[i] = abs
	}

	for i, a := range c.Roots {
		for j, b := range c.Roots {
			if i != j && isWithin(a, b) {
				return fmt.Errorf("%w: root %s is nested inside root %s", domain.ErrConfigInvalid, b, a)
			}
		}
	}

	if _, err := domain.ParsePolicy(c.Policy); err != nil {
		return err
	}
	if !checksum.IsSupported(checksum.Algorithm(strings.ToLower(c.HashAlgorithm))) {
		return fmt.Errorf("%w: unsupported hash algorithm: %s", domain.ErrConfigInvalid, c.HashAlgorithm)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"coalesce_window", c.CoalesceWindow},
		{"suppression_ttl", c.SuppressionTTL},
		{"reconcile_interval", c.ReconcileInterval},
		{"retry_delay", c.RetryDelay},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", domain.ErrConfigInvalid, d.name, d.d)
		}
	}

	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive, got %d", domain.ErrConfigInvalid, c.Workers)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries cannot be negative", domain.ErrConfigInvalid)
	}
	if c.CopyAttempts <= 0 {
		return fmt.Errorf("%w: copy_attempts must be positive, got %d", domain.ErrConfigInvalid, c.CopyAttempts)
	}
	return nil
}

// ConflictPolicy returns the parsed policy
func (c *Config) ConflictPolicy() domain.Policy {
	p, err := domain.ParsePolicy(c.Policy)
	if err != nil {
		return domain.PolicyManual
	}
	return p
}

// Algorithm returns the configured digest algorithm
func (c *Config) Algorithm() checksum.Algorithm {
	return checksum.Algorithm(strings.ToLower(c.HashAlgorithm))
}

// DomainRoots returns the roots with their ordinal ids
func (c *Config) DomainRoots() []domain.Root {
	roots := make([]domain.Root, len(c.Roots))
	for i, p := range c.Roots {
		roots[i] = domain.Root{ID: i, Path: p}
	}
	return roots
}

// GetLockPath returns the directory holding the instance lock and pid file
func (c *Config) GetLockPath() string {
	return ExpandPath(c.DataDir)
}

// LoggerConfig converts the log section for logger.Init. Debug forces
// the debug level.
func (c *Config) LoggerConfig() logger.Config {
	level := logger.ParseLevel(c.Log.Level)
	if c.Debug {
		level = logger.LevelDebug
	}
	cfg := logger.Config{
		Level:  level,
		Format: logger.ParseFormat(c.Log.Format),
	}
	if c.Log.File != "" {
		cfg.File = logger.FileConfig{
			Path:       ExpandPath(c.Log.File),
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxAgeDays: c.Log.MaxAgeDays,
			MaxBackups: c.Log.MaxBackups,
			Compress:   c.Log.Compress,
		}
	}
	return cfg
}

// isWithin reports whether child lies strictly inside parent
func isWithin(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// DefaultDataDir returns the per-user data directory
func DefaultDataDir() string {
	if configDir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(configDir, "meshsync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".meshsync")
	}
	return ".meshsync"
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	// Expand ~ to home directory
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			if len(path) > 1 && (path[1] == '/' || path[1] == filepath.Separator) {
				path = filepath.Join(home, path[2:])
			} else if len(path) == 1 {
				path = home
			}
		}
	}
	// Expand environment variables
	path = os.ExpandEnv(path)
	return filepath.Clean(path)
}
