// Package config loads the daemon configuration from defaults, an optional
// YAML or TOML file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// authTypes are the AUTH mechanisms that can be configured.
var authTypes = []string{"PLAIN", "LOGIN"}

var logLevels = []string{"debug", "info", "warn", "error"}

// Config holds the complete application configuration.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp" toml:"smtp"`
	TLS     TLSConfig     `yaml:"tls" toml:"tls"`
	Auth    AuthConfig    `yaml:"auth" toml:"auth"`
	Storage StorageConfig `yaml:"storage" toml:"storage"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
}

// SMTPConfig holds the listener and greeting settings.
type SMTPConfig struct {
	Listen         string `yaml:"listen" toml:"listen"`
	Host           string `yaml:"host" toml:"host"`
	Domain         string `yaml:"domain" toml:"domain"`
	DefaultCharset string `yaml:"default_charset" toml:"default_charset"`
}

// TLSConfig controls STARTTLS. Without cert and key files a self-signed
// certificate is generated.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Force    bool   `yaml:"force" toml:"force"`
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
}

// AuthConfig controls SMTP AUTH. Password may be a bcrypt hash.
type AuthConfig struct {
	Types    []string `yaml:"types" toml:"types"`
	Force    bool     `yaml:"force" toml:"force"`
	Username string   `yaml:"username" toml:"username"`
	Password string   `yaml:"password" toml:"password"`
}

// StorageConfig holds where decoded content is written.
type StorageConfig struct {
	TempDir string `yaml:"temp_dir" toml:"temp_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
	File  string `yaml:"file" toml:"file"`
}

// MetricsConfig holds the Prometheus endpoint address. Empty disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a file as the base layer, then
// overrides it with environment variables. Files ending in .toml are read
// as TOML, anything else as YAML.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvVars()

	return cfg, nil
}

// AuthEnabled returns true if both the AUTH username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.Auth.Username != "" && c.Auth.Password != ""
}

// Validate reports every inconsistency in the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.SMTP.Listen == "" {
		errs = append(errs, errors.New("smtp.listen must not be empty"))
	}
	if c.Storage.TempDir == "" {
		errs = append(errs, errors.New("storage.temp_dir must not be empty"))
	}
	if !slices.Contains(logLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Logging.Level))
	}

	if c.TLS.Force && !c.TLS.Enabled {
		errs = append(errs, errors.New("tls.force requires tls.enabled"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}

	for _, t := range c.Auth.Types {
		if !slices.Contains(authTypes, strings.ToUpper(t)) {
			errs = append(errs, fmt.Errorf("unknown auth type %q", t))
		}
	}
	if c.Auth.Force && !c.AuthEnabled() {
		errs = append(errs, errors.New("auth.force requires auth.username and auth.password"))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Host = "127.0.0.1"
	c.SMTP.Domain = "localhost"
	c.SMTP.DefaultCharset = "UTF-8"
	c.Storage.TempDir = "tmp"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; booleans
// that do not parse are ignored.
func (c *Config) applyEnvVars() {
	setString(&c.SMTP.Listen, "SMTP_LISTEN")
	setString(&c.SMTP.Host, "SMTP_HOST")
	setString(&c.SMTP.Domain, "SMTP_DOMAIN")
	setString(&c.SMTP.DefaultCharset, "SMTP_DEFAULT_CHARSET")
	setString(&c.Storage.TempDir, "TEMP_DIR")

	setBool(&c.TLS.Enabled, "TLS_ENABLED")
	setBool(&c.TLS.Force, "TLS_FORCE")
	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	if v := os.Getenv("AUTH_TYPES"); v != "" {
		var types []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, strings.ToUpper(t))
			}
		}
		c.Auth.Types = types
	}
	setBool(&c.Auth.Force, "AUTH_FORCE")
	setString(&c.Auth.Username, "AUTH_USERNAME")
	setString(&c.Auth.Password, "AUTH_PASSWORD")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	setString(&c.Logging.File, "LOG_FILE")
	setString(&c.Metrics.Listen, "METRICS_LISTEN")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
