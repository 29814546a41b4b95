package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. NOTESYNC_LOG_LEVEL.
const EnvPrefix = "NOTESYNC"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  EnvPrefix,
	}
}

// Load reads configuration from defaults, file and environment, in that
// order of precedence (lowest first).
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	setDefaults(v, baseConfig())

	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.configPath != "" {
		v.SetConfigFile(l.configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		v.SetConfigName("notesync")
		for _, path := range l.defaultPaths() {
			v.AddConfigPath(path)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("load config file %s: %w", v.ConfigFileUsed(), err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	cfg.ResolvePaths()

	// Validate final config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// defaultPaths returns directories searched for notesync.{json,yaml,toml}.
func (l *Loader) defaultPaths() []string {
	paths := []string{"."}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "notesync"),
			filepath.Join(homeDir, ".notesync"),
		)
	}

	return paths
}

// setDefaults registers every key so environment overrides reach
// Unmarshal even when no config file mentions them.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.timeout", cfg.API.Timeout)
	v.SetDefault("api.max_retries", cfg.API.MaxRetries)
	v.SetDefault("api.user_agent", cfg.API.UserAgent)

	v.SetDefault("auth.username", cfg.Auth.Username)
	v.SetDefault("auth.password", cfg.Auth.Password)
	v.SetDefault("auth.credentials_file", cfg.Auth.CredentialsFile)
	v.SetDefault("auth.credentials_secret", cfg.Auth.CredentialsSecret)
	v.SetDefault("auth.token_file", cfg.Auth.TokenFile)
	v.SetDefault("auth.key_file", cfg.Auth.KeyFile)
	v.SetDefault("auth.passphrase", cfg.Auth.Passphrase)
	v.SetDefault("auth.kdf", cfg.Auth.KDF)
	v.SetDefault("auth.refresh_skew", cfg.Auth.RefreshSkew)

	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("storage.database_path", cfg.Storage.DatabasePath)

	v.SetDefault("sync.max_concurrent", cfg.Sync.MaxConcurrent)
	v.SetDefault("sync.max_attempts", cfg.Sync.MaxAttempts)
	v.SetDefault("sync.retry_delay", cfg.Sync.RetryDelay)
	v.SetDefault("sync.max_retry_delay", cfg.Sync.MaxRetryDelay)
	v.SetDefault("sync.poll_interval", cfg.Sync.PollInterval)
	v.SetDefault("sync.connectivity_timeout", cfg.Sync.ConnectivityTimeout)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size", cfg.Log.MaxSize)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age", cfg.Log.MaxAge)
	v.SetDefault("log.color", cfg.Log.Color)

	v.SetDefault("feed.listen", cfg.Feed.Listen)
	v.SetDefault("feed.ping_interval", cfg.Feed.PingInterval)
}

// SaveExample writes an example YAML config file.
func SaveExample(path string) error {
	cfg := DefaultConfig()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	header := "# notesync configuration file\n" +
		"# Environment variables override these settings using the NOTESYNC_ prefix,\n" +
		"# for example NOTESYNC_LOG_LEVEL=debug or NOTESYNC_API_BASE_URL=https://notes.example.com\n\n"

	if err := os.WriteFile(path, append([]byte(header), data...), 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}
