package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/TheMichaelB/notesync/internal/models"
)

// Config holds all application configuration.
type Config struct {
	// API configuration
	API APIConfig `mapstructure:"api" json:"api" yaml:"api"`

	// Authentication configuration
	Auth AuthConfig `mapstructure:"auth" json:"auth" yaml:"auth"`

	// Storage paths
	Storage StorageConfig `mapstructure:"storage" json:"storage" yaml:"storage"`

	// Deferred sync behavior
	Sync SyncConfig `mapstructure:"sync" json:"sync" yaml:"sync"`

	// Logging
	Log LogConfig `mapstructure:"log" json:"log" yaml:"log"`

	// Live note feed
	Feed FeedConfig `mapstructure:"feed" json:"feed" yaml:"feed"`
}

// APIConfig for server communication.
type APIConfig struct {
	BaseURL    string        `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" json:"max_retries" yaml:"max_retries"`
	UserAgent  string        `mapstructure:"user_agent" json:"user_agent" yaml:"user_agent"`
}

// AuthConfig for authentication settings.
type AuthConfig struct {
	// Account credentials for non-interactive login
	Username string `mapstructure:"username" json:"username,omitempty" yaml:"username,omitempty"`
	Password string `mapstructure:"password" json:"password,omitempty" yaml:"password,omitempty"`

	// Combined credentials file or AWS Secrets Manager secret id
	CredentialsFile   string `mapstructure:"credentials_file" json:"credentials_file,omitempty" yaml:"credentials_file,omitempty"`
	CredentialsSecret string `mapstructure:"credentials_secret" json:"credentials_secret,omitempty" yaml:"credentials_secret,omitempty"`

	// Encrypted token persistence
	TokenFile  string `mapstructure:"token_file" json:"token_file" yaml:"token_file"`
	KeyFile    string `mapstructure:"key_file" json:"key_file" yaml:"key_file"`
	Passphrase string `mapstructure:"passphrase" json:"passphrase,omitempty" yaml:"passphrase,omitempty"`
	KDF        string `mapstructure:"kdf" json:"kdf,omitempty" yaml:"kdf,omitempty"` // scrypt (default) or pbkdf2

	// Refresh the access token this long before it expires
	RefreshSkew time.Duration `mapstructure:"refresh_skew" json:"refresh_skew" yaml:"refresh_skew"`
}

// StorageConfig for local paths.
type StorageConfig struct {
	DataDir      string `mapstructure:"data_dir" json:"data_dir" yaml:"data_dir"`
	DatabasePath string `mapstructure:"database_path" json:"database_path" yaml:"database_path"`
}

// SyncConfig for the deferred operation queue.
type SyncConfig struct {
	MaxConcurrent       int           `mapstructure:"max_concurrent" json:"max_concurrent" yaml:"max_concurrent"`
	MaxAttempts         int           `mapstructure:"max_attempts" json:"max_attempts" yaml:"max_attempts"`
	RetryDelay          time.Duration `mapstructure:"retry_delay" json:"retry_delay" yaml:"retry_delay"`
	MaxRetryDelay       time.Duration `mapstructure:"max_retry_delay" json:"max_retry_delay" yaml:"max_retry_delay"`
	PollInterval        time.Duration `mapstructure:"poll_interval" json:"poll_interval" yaml:"poll_interval"`
	ConnectivityTimeout time.Duration `mapstructure:"connectivity_timeout" json:"connectivity_timeout" yaml:"connectivity_timeout"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level      string `mapstructure:"level" json:"level" yaml:"level"`                   // debug, info, warn, error
	Format     string `mapstructure:"format" json:"format" yaml:"format"`                // text, json
	File       string `mapstructure:"file" json:"file" yaml:"file"`                      // Log file path (empty = stderr)
	MaxSize    int    `mapstructure:"max_size" json:"max_size" yaml:"max_size"`          // Max log file size in MB
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"` // Max number of old logs
	MaxAge     int    `mapstructure:"max_age" json:"max_age" yaml:"max_age"`             // Max age in days
	Color      bool   `mapstructure:"color" json:"color" yaml:"color"`                   // Enable colored output
}

// FeedConfig for the websocket note feed.
type FeedConfig struct {
	Listen       string        `mapstructure:"listen" json:"listen" yaml:"listen"`
	PingInterval time.Duration `mapstructure:"ping_interval" json:"ping_interval" yaml:"ping_interval"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	cfg := baseConfig()
	cfg.ResolvePaths()
	return cfg
}

// baseConfig holds defaults without the paths derived from the data dir.
func baseConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:    "http://localhost:8000",
			Timeout:    15 * time.Second,
			MaxRetries: 2,
			UserAgent:  "notesync/1.0",
		},
		Auth: AuthConfig{
			RefreshSkew: 30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: ".notesync",
		},
		Sync: SyncConfig{
			MaxConcurrent:       4,
			MaxAttempts:         5,
			RetryDelay:          2 * time.Second,
			MaxRetryDelay:       5 * time.Minute,
			PollInterval:        30 * time.Second,
			ConnectivityTimeout: 3 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
			Color:      true,
		},
		Feed: FeedConfig{
			Listen:       "127.0.0.1:8787",
			PingInterval: 30 * time.Second,
		},
	}
}

// ResolvePaths expands "~/" prefixes and fills unset paths relative to
// the data directory.
func (c *Config) ResolvePaths() {
	c.Storage.DataDir = expandHome(c.Storage.DataDir)

	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = filepath.Join(c.Storage.DataDir, "notes.db")
	}
	if c.Auth.TokenFile == "" {
		c.Auth.TokenFile = filepath.Join(c.Storage.DataDir, "auth", "tokens.enc")
	}
	if c.Auth.KeyFile == "" && c.Auth.Passphrase == "" {
		c.Auth.KeyFile = filepath.Join(c.Storage.DataDir, "auth", "master.key")
	}

	c.Storage.DatabasePath = expandHome(c.Storage.DatabasePath)
	c.Auth.TokenFile = expandHome(c.Auth.TokenFile)
	c.Auth.KeyFile = expandHome(c.Auth.KeyFile)
	c.Auth.CredentialsFile = expandHome(c.Auth.CredentialsFile)
	c.Log.File = expandHome(c.Log.File)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("%w: api.base_url is required", models.ErrInvalidConfig)
	}

	if c.API.Timeout <= 0 {
		return fmt.Errorf("%w: api.timeout must be positive", models.ErrInvalidConfig)
	}

	if c.API.MaxRetries < 0 {
		return fmt.Errorf("%w: api.max_retries must not be negative", models.ErrInvalidConfig)
	}

	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("%w: storage.database_path is required", models.ErrInvalidConfig)
	}

	if c.Auth.TokenFile == "" {
		return fmt.Errorf("%w: auth.token_file is required", models.ErrInvalidConfig)
	}

	if c.Auth.Passphrase == "" && c.Auth.KeyFile == "" {
		return fmt.Errorf("%w: auth.passphrase or auth.key_file is required", models.ErrInvalidConfig)
	}

	switch c.Auth.KDF {
	case "", "scrypt", "pbkdf2":
	default:
		return fmt.Errorf("%w: unknown auth.kdf %q", models.ErrInvalidConfig, c.Auth.KDF)
	}

	if c.Sync.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: sync.max_concurrent must be positive", models.ErrInvalidConfig)
	}

	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("%w: sync.max_attempts must be positive", models.ErrInvalidConfig)
	}

	if c.Sync.RetryDelay <= 0 || c.Sync.MaxRetryDelay < c.Sync.RetryDelay {
		return fmt.Errorf("%w: sync.retry_delay must be positive and not exceed sync.max_retry_delay", models.ErrInvalidConfig)
	}

	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("%w: sync.poll_interval must be positive", models.ErrInvalidConfig)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s", models.ErrInvalidConfig, c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("%w: invalid log format: %s", models.ErrInvalidConfig, c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Dir(c.Storage.DatabasePath),
		filepath.Dir(c.Auth.TokenFile),
	}

	if c.Auth.KeyFile != "" {
		dirs = append(dirs, filepath.Dir(c.Auth.KeyFile))
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
