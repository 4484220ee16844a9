// Package config handles loading and parsing of listingbox configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the file. The credential names match
// the ones the functions were originally deployed with.
const (
	EnvConfigPath   = "LISTINGBOX_CONFIG"
	EnvRefreshToken = "DROPBOX_REFRESH_TOKEN"
	EnvAppKey       = "DROPBOX_APP_KEY"
	EnvAppSecret    = "DROPBOX_APP_SECRET"
)

// Config is the top-level configuration for listingbox.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Auth          AuthConfig          `yaml:"auth"`
	Storage       StorageConfig       `yaml:"storage"`
	Writer        WriterConfig        `yaml:"writer"`
	Record        RecordConfig        `yaml:"record"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout bounds the wait for in-flight requests on SIGTERM.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// RequestTimeout is the deadline applied to each operation, covering the
	// token exchange, reads, transforms, writes and retry waits. Zero
	// disables it.
	RequestTimeout Duration `yaml:"request_timeout"`
	// RoutePrefix is the path under which the two functions are mounted.
	RoutePrefix string `yaml:"route_prefix"`
}

// LoggingConfig holds log/slog settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuthConfig holds the OAuth2 refresh credential and token endpoint.
type AuthConfig struct {
	TokenURL string `yaml:"token_url"`
	// AuthStyle selects how the client id/secret reach the token endpoint:
	// "params" (form body) or "header" (HTTP Basic).
	AuthStyle    string `yaml:"auth_style"`
	RefreshToken string `yaml:"refresh_token"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// StorageConfig selects and configures the remote storage backend.
type StorageConfig struct {
	// Backend is one of "dropbox", "gcs", "azure", "s3" or "memory".
	Backend string        `yaml:"backend"`
	Dropbox DropboxConfig `yaml:"dropbox"`
	GCS     GCSConfig     `yaml:"gcs"`
	Azure   AzureConfig   `yaml:"azure"`
	S3      S3Config      `yaml:"s3"`
}

// DropboxConfig holds the Dropbox content endpoint. The token endpoint lives
// under auth.token_url.
type DropboxConfig struct {
	ContentURL string `yaml:"content_url"`
}

// GCSConfig holds Google Cloud Storage settings.
type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	// Prefix is prepended to every object name.
	Prefix string `yaml:"prefix"`
}

// AzureConfig holds Azure Blob Storage settings.
type AzureConfig struct {
	// AccountURL is the storage account URL, e.g.
	// https://account.blob.core.windows.net.
	AccountURL string `yaml:"account_url"`
	Container  string `yaml:"container"`
	Prefix     string `yaml:"prefix"`
}

// S3Config holds Amazon S3 (or S3-compatible) settings. S3 authenticates
// with AWS credentials rather than the OAuth2 bearer token.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	EndpointURL     string `yaml:"endpoint_url"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// WriterConfig holds the write throttle and retry policy.
type WriterConfig struct {
	MinInterval Duration `yaml:"min_interval"`
	MaxAttempts int      `yaml:"max_attempts"`
	// RetryUnit is multiplied by the attempt number for generic failures.
	RetryUnit Duration `yaml:"retry_unit"`
}

// RecordConfig holds the location of the JSON record.
type RecordConfig struct {
	Path string `yaml:"path"`
}

// ObservabilityConfig toggles the operational endpoints.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	HealthCheck bool `yaml:"health_check"`
}

// Duration is a time.Duration that unmarshals from strings such as "1s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads a YAML configuration file from the given path and returns a
// parsed Config with defaults applied and environment overrides on top.
// A missing file is not an error: serverless-style deployments configure
// everything through the environment.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnv(cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that cannot be defaulted. Missing credentials are
// deliberately not a load error: they are reported per request as a 500.
func (c *Config) Validate() error {
	switch c.Auth.AuthStyle {
	case "params", "header":
	default:
		return fmt.Errorf("auth.auth_style must be \"params\" or \"header\", got %q", c.Auth.AuthStyle)
	}
	switch c.Storage.Backend {
	case "dropbox", "memory":
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required when backend is 'gcs'")
		}
	case "azure":
		if c.Storage.Azure.AccountURL == "" || c.Storage.Azure.Container == "" {
			return fmt.Errorf("storage.azure.account_url and storage.azure.container are required when backend is 'azure'")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when backend is 's3'")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Writer.MaxAttempts < 1 {
		return fmt.Errorf("writer.max_attempts must be at least 1, got %d", c.Writer.MaxAttempts)
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8888,
			ShutdownTimeout: Duration(30 * time.Second),
			RequestTimeout:  Duration(60 * time.Second),
			RoutePrefix:     "/.netlify/functions",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Auth: AuthConfig{
			TokenURL:  "https://api.dropboxapi.com/oauth2/token",
			AuthStyle: "params",
		},
		Storage: StorageConfig{
			Backend: "dropbox",
			Dropbox: DropboxConfig{
				ContentURL: "https://content.dropboxapi.com",
			},
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Writer: WriterConfig{
			MinInterval: Duration(time.Second),
			MaxAttempts: 3,
			RetryUnit:   Duration(time.Second),
		},
		Record: RecordConfig{
			Path: "/Listings/address.json",
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	def := defaultConfig()
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Server.RoutePrefix == "" {
		cfg.Server.RoutePrefix = def.Server.RoutePrefix
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Auth.TokenURL == "" {
		cfg.Auth.TokenURL = def.Auth.TokenURL
	}
	if cfg.Auth.AuthStyle == "" {
		cfg.Auth.AuthStyle = def.Auth.AuthStyle
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = def.Storage.Backend
	}
	if cfg.Storage.Dropbox.ContentURL == "" {
		cfg.Storage.Dropbox.ContentURL = def.Storage.Dropbox.ContentURL
	}
	if cfg.Storage.S3.Region == "" {
		cfg.Storage.S3.Region = def.Storage.S3.Region
	}
	if cfg.Writer.MinInterval == 0 {
		cfg.Writer.MinInterval = def.Writer.MinInterval
	}
	if cfg.Writer.MaxAttempts == 0 {
		cfg.Writer.MaxAttempts = def.Writer.MaxAttempts
	}
	if cfg.Writer.RetryUnit == 0 {
		cfg.Writer.RetryUnit = def.Writer.RetryUnit
	}
	if cfg.Record.Path == "" {
		cfg.Record.Path = def.Record.Path
	}
}

// applyEnv overlays secrets and the credential from the environment. The
// environment always wins over the file.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvRefreshToken); ok && v != "" {
		cfg.Auth.RefreshToken = v
	}
	if v, ok := lookup(EnvAppKey); ok && v != "" {
		cfg.Auth.ClientID = v
	}
	if v, ok := lookup(EnvAppSecret); ok && v != "" {
		cfg.Auth.ClientSecret = v
	}
}
