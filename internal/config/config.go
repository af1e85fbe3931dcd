// internal/config/config.go
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/andresuchdata/export2s3/internal/domain"
)

// ConfigFileEnv names the variable holding an optional config file path.
const ConfigFileEnv = "EXPORT2S3_CONFIG_FILE"

type Config struct {
	Export   ExportConfig
	Storage  StorageConfig
	Transfer TransferConfig
	Database DatabaseConfig
	Cache    CacheConfig
	Server   ServerConfig
	Log      LogConfig
}

type ExportConfig struct {
	Endpoint             string
	APIKey               string
	APIKeyEnv            string
	APIKeySecretID       string
	PollIntervalSec      int
	ExportTimeoutSec     int
	HTTPTimeoutSec       int
	DriveCredentialsJSON string
}

func (c ExportConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c ExportConfig) ExportTimeout() time.Duration {
	return time.Duration(c.ExportTimeoutSec) * time.Second
}

func (c ExportConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}

type StorageConfig struct {
	Backend      string
	TargetBucket string
	TargetPrefix string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UseSSL       bool
	PathStyle    bool
	PartSizeMB   int
}

type TransferConfig struct {
	MaxWorkers             int
	HTTPDownloadTimeoutSec int
	CleanupAttempts        int
	SkipIfLoaded           bool
}

func (c TransferConfig) DownloadTimeout() time.Duration {
	return time.Duration(c.HTTPDownloadTimeoutSec) * time.Second
}

type DatabaseConfig struct {
	URL    string
	Driver string
}

type CacheConfig struct {
	Enabled          bool
	RedisURL         string
	RedisHost        string
	RedisPort        string
	RedisPassword    string
	RedisDB          int
	ResultTTLSeconds int
}

type ServerConfig struct {
	Port           string
	Mode           string
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("export.endpoint", "")
	v.SetDefault("export.api_key", "")
	v.SetDefault("export.api_key_env", "RAPID7_API_KEY")
	v.SetDefault("export.api_key_secret_id", "")
	v.SetDefault("export.poll_interval_sec", 30)
	v.SetDefault("export.export_timeout_sec", 3600)
	v.SetDefault("export.http_timeout_sec", 60)
	v.SetDefault("export.drive_credentials_json", "")

	v.SetDefault("storage.backend", "s3")
	v.SetDefault("storage.target_bucket", "")
	v.SetDefault("storage.target_prefix", "rapid7")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.path_style", false)
	v.SetDefault("storage.part_size_mb", 16)

	v.SetDefault("transfer.max_workers", 8)
	v.SetDefault("transfer.http_download_timeout_sec", 300)
	v.SetDefault("transfer.cleanup_attempts", 3)
	v.SetDefault("transfer.skip_if_loaded", true)

	v.SetDefault("database.url", "")
	v.SetDefault("database.driver", "pgx")

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.redis_host", "127.0.0.1")
	v.SetDefault("cache.redis_port", "6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.result_ttl_seconds", 7*24*3600)

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads .env, the environment and an optional config file (path, or
// the file named by EXPORT2S3_CONFIG_FILE). Environment variables use the
// upper-cased key with dots turned into underscores, e.g. TRANSFER_MAX_WORKERS.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(ConfigFileEnv)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	return &Config{
		Export: ExportConfig{
			Endpoint:             v.GetString("export.endpoint"),
			APIKey:               v.GetString("export.api_key"),
			APIKeyEnv:            v.GetString("export.api_key_env"),
			APIKeySecretID:       v.GetString("export.api_key_secret_id"),
			PollIntervalSec:      v.GetInt("export.poll_interval_sec"),
			ExportTimeoutSec:     v.GetInt("export.export_timeout_sec"),
			HTTPTimeoutSec:       v.GetInt("export.http_timeout_sec"),
			DriveCredentialsJSON: v.GetString("export.drive_credentials_json"),
		},
		Storage: StorageConfig{
			Backend:      strings.ToLower(v.GetString("storage.backend")),
			TargetBucket: v.GetString("storage.target_bucket"),
			TargetPrefix: strings.Trim(v.GetString("storage.target_prefix"), "/"),
			Region:       v.GetString("storage.region"),
			Endpoint:     v.GetString("storage.endpoint"),
			AccessKey:    v.GetString("storage.access_key"),
			SecretKey:    v.GetString("storage.secret_key"),
			UseSSL:       v.GetBool("storage.use_ssl"),
			PathStyle:    v.GetBool("storage.path_style"),
			PartSizeMB:   v.GetInt("storage.part_size_mb"),
		},
		Transfer: TransferConfig{
			MaxWorkers:             v.GetInt("transfer.max_workers"),
			HTTPDownloadTimeoutSec: v.GetInt("transfer.http_download_timeout_sec"),
			CleanupAttempts:        v.GetInt("transfer.cleanup_attempts"),
			SkipIfLoaded:           v.GetBool("transfer.skip_if_loaded"),
		},
		Database: DatabaseConfig{
			URL:    v.GetString("database.url"),
			Driver: v.GetString("database.driver"),
		},
		Cache: CacheConfig{
			Enabled:          v.GetBool("cache.enabled"),
			RedisURL:         v.GetString("cache.redis_url"),
			RedisHost:        v.GetString("cache.redis_host"),
			RedisPort:        v.GetString("cache.redis_port"),
			RedisPassword:    v.GetString("cache.redis_password"),
			RedisDB:          v.GetInt("cache.redis_db"),
			ResultTTLSeconds: v.GetInt("cache.result_ttl_seconds"),
		},
		Server: ServerConfig{
			Port:           v.GetString("server.port"),
			Mode:           v.GetString("server.mode"),
			AllowedOrigins: splitList(v.GetStringSlice("server.allowed_origins")),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}, nil
}

// splitList accepts both list values and a single comma separated string.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func invalid(field, reason string) error {
	return &domain.ConfigurationError{Field: field, Reason: reason}
}

// ValidateExport checks the settings the export stage needs.
func (c *Config) ValidateExport() error {
	e := c.Export
	switch {
	case strings.TrimSpace(e.Endpoint) == "":
		return invalid("export.endpoint", "is required")
	case e.APIKey == "" && e.APIKeyEnv == "" && e.APIKeySecretID == "":
		return invalid("export.api_key", "set api_key, api_key_env or api_key_secret_id")
	case e.PollIntervalSec <= 0:
		return invalid("export.poll_interval_sec", "must be positive")
	case e.ExportTimeoutSec <= 0:
		return invalid("export.export_timeout_sec", "must be positive")
	case e.HTTPTimeoutSec <= 0:
		return invalid("export.http_timeout_sec", "must be positive")
	}
	return nil
}

// ValidateTransfer checks the settings the transfer stage needs.
func (c *Config) ValidateTransfer() error {
	s, t := c.Storage, c.Transfer
	switch {
	case s.Backend != "s3" && s.Backend != "minio":
		return invalid("storage.backend", fmt.Sprintf("unknown backend %q, want s3 or minio", s.Backend))
	case s.Backend == "minio" && s.Endpoint == "":
		return invalid("storage.endpoint", "is required for the minio backend")
	case strings.TrimSpace(s.TargetBucket) == "":
		return invalid("storage.target_bucket", "is required")
	case s.PartSizeMB < 5:
		return invalid("storage.part_size_mb", "must be at least 5")
	case t.MaxWorkers <= 0:
		return invalid("transfer.max_workers", "must be positive")
	case t.HTTPDownloadTimeoutSec <= 0:
		return invalid("transfer.http_download_timeout_sec", "must be positive")
	case t.CleanupAttempts <= 0:
		return invalid("transfer.cleanup_attempts", "must be positive")
	}
	return nil
}

// ValidateStore checks the database and cache settings.
func (c *Config) ValidateStore() error {
	switch {
	case c.Database.URL != "" && c.Database.Driver != "pgx" && c.Database.Driver != "postgres":
		return invalid("database.driver", fmt.Sprintf("unknown driver %q, want pgx or postgres", c.Database.Driver))
	case c.Cache.Enabled && c.Cache.ResultTTLSeconds <= 0:
		return invalid("cache.result_ttl_seconds", "must be positive")
	}
	return nil
}

// Validate runs every check.
func (c *Config) Validate() error {
	if err := c.ValidateExport(); err != nil {
		return err
	}
	if err := c.ValidateTransfer(); err != nil {
		return err
	}
	return c.ValidateStore()
}

// SecretLookup fetches a secret value by id.
type SecretLookup func(ctx context.Context, id string) (string, error)

// ResolveAPIKey returns the explicit key, else the named environment
// variable, else the secret named by APIKeySecretID.
func (c ExportConfig) ResolveAPIKey(ctx context.Context, lookup SecretLookup) (string, error) {
	if c.APIKey != "" {
		return c.APIKey, nil
	}
	if c.APIKeyEnv != "" {
		if key := strings.TrimSpace(os.Getenv(c.APIKeyEnv)); key != "" {
			return key, nil
		}
	}
	if c.APIKeySecretID != "" && lookup != nil {
		key, err := lookup(ctx, c.APIKeySecretID)
		if err != nil {
			return "", invalid("export.api_key_secret_id", err.Error())
		}
		if key = strings.TrimSpace(key); key != "" {
			return key, nil
		}
	}
	return "", invalid("export.api_key",
		fmt.Sprintf("api key not found; set export.api_key or environment variable %s", c.APIKeyEnv))
}
