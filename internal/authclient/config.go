package authclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses from human-friendly strings (e.g., "60s") or numeric seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	}
	var seconds int64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return err
	}
	d.Duration = time.Duration(seconds) * time.Second
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	// plain integers would also decode as strings, so try them first
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		d.Duration = time.Duration(seconds) * time.Second
		return nil
	}
	var text string
	if err := value.Decode(&text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	}
	return errors.New("invalid duration format")
}

// Credential backends
const (
	BackendFile    = "file"
	BackendKeyring = "keyring"
	BackendRedis   = "redis"
	BackendMemory  = "memory"
)

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// Config holds client settings. Endpoint paths are relative to BaseURL.
type Config struct {
	BaseURL              string      `json:"base_url" yaml:"base_url"`
	StateDir             string      `json:"state_dir" yaml:"state_dir"`
	LogLevel             string      `json:"log_level" yaml:"log_level"`
	LogFormat            string      `json:"log_format" yaml:"log_format"`
	RequestTimeout       Duration    `json:"request_timeout" yaml:"request_timeout"`
	RefreshTimeout       Duration    `json:"refresh_timeout" yaml:"refresh_timeout"`
	ExpirySkew           Duration    `json:"expiry_skew" yaml:"expiry_skew"`
	RefreshCheckInterval Duration    `json:"refresh_check_interval" yaml:"refresh_check_interval"`
	MaxRefreshAttempts   int         `json:"max_refresh_attempts" yaml:"max_refresh_attempts"`
	RefreshPath          string      `json:"refresh_path" yaml:"refresh_path"`
	SignInPath           string      `json:"signin_path" yaml:"signin_path"`
	SignOutPath          string      `json:"signout_path" yaml:"signout_path"`
	CredentialBackend    string      `json:"credential_backend" yaml:"credential_backend"`
	KeyringService       string      `json:"keyring_service" yaml:"keyring_service"`
	Redis                RedisConfig `json:"redis" yaml:"redis"`
}

// CredentialPath returns the path of the file credential store
func (c *Config) CredentialPath() string {
	return filepath.Join(c.StateDir, "credentials.json")
}

func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}
	return Config{
		BaseURL:              "http://localhost:8080",
		StateDir:             filepath.Join(home, ".herita"),
		LogLevel:             "info",
		LogFormat:            LogFormatJSON,
		RequestTimeout:       Duration{Duration: 30 * time.Second},
		RefreshTimeout:       Duration{Duration: 15 * time.Second},
		ExpirySkew:           Duration{Duration: 30 * time.Second},
		RefreshCheckInterval: Duration{Duration: time.Minute},
		MaxRefreshAttempts:   defaultMaxRefreshAttempts,
		RefreshPath:          defaultRefreshPath,
		SignInPath:           defaultSignInPath,
		SignOutPath:          defaultSignOutPath,
		CredentialBackend:    BackendFile,
		KeyringService:       defaultKeyringService,
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		format := detectFormat(path)
		if err := decodeConfig(format, data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}

	ensureDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("base_url must include a host")
	}

	if c.LogFormat != LogFormatJSON && c.LogFormat != LogFormatConsole {
		return fmt.Errorf("log_format must be %s or %s", LogFormatJSON, LogFormatConsole)
	}

	if c.RequestTimeout.Duration <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if c.RefreshTimeout.Duration <= 0 {
		return errors.New("refresh_timeout must be positive")
	}
	if c.ExpirySkew.Duration < 0 {
		return errors.New("expiry_skew cannot be negative")
	}
	if c.RefreshCheckInterval.Duration <= 0 {
		return errors.New("refresh_check_interval must be positive")
	}
	if c.MaxRefreshAttempts <= 0 {
		return errors.New("max_refresh_attempts must be positive")
	}

	for name, p := range map[string]string{
		"refresh_path": c.RefreshPath,
		"signin_path":  c.SignInPath,
		"signout_path": c.SignOutPath,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with /", name)
		}
	}

	switch c.CredentialBackend {
	case BackendFile:
		if c.StateDir == "" {
			return errors.New("state_dir cannot be empty with the file backend")
		}
	case BackendKeyring:
		if c.KeyringService == "" {
			return errors.New("keyring_service cannot be empty with the keyring backend")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr cannot be empty with the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown credential_backend: %s", c.CredentialBackend)
	}

	return nil
}

func detectFormat(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return "json"
	case ".yml", ".yaml":
		return "yaml"
	default:
		return "yaml" // prefer YAML when ambiguous
	}
}

func decodeConfig(format string, data []byte, cfg *Config) error {
	switch format {
	case "json":
		return json.Unmarshal(data, cfg)
	case "yaml":
		return yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format: %s", format)
	}
}

func ensureDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.StateDir == "" {
		cfg.StateDir = def.StateDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
	if cfg.RequestTimeout.Duration == 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.RefreshTimeout.Duration == 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}
	if cfg.RefreshCheckInterval.Duration == 0 {
		cfg.RefreshCheckInterval = def.RefreshCheckInterval
	}
	if cfg.MaxRefreshAttempts == 0 {
		cfg.MaxRefreshAttempts = def.MaxRefreshAttempts
	}
	if cfg.RefreshPath == "" {
		cfg.RefreshPath = def.RefreshPath
	}
	if cfg.SignInPath == "" {
		cfg.SignInPath = def.SignInPath
	}
	if cfg.SignOutPath == "" {
		cfg.SignOutPath = def.SignOutPath
	}
	if cfg.CredentialBackend == "" {
		cfg.CredentialBackend = def.CredentialBackend
	}
	if cfg.KeyringService == "" {
		cfg.KeyringService = def.KeyringService
	}
}
