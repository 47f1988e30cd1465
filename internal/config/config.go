package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v2"

	"github.com/donkomura/fsspec-chfs/internal/storage/badger"
	"github.com/donkomura/fsspec-chfs/internal/storage/s3"
	"github.com/donkomura/fsspec-chfs/pkg/utils"
)

// Backend names accepted in storage.backend.
const (
	BackendMemory = "memory"
	BackendS3     = "s3"
	BackendBadger = "badger"
)

// Configuration represents the complete adapter configuration
type Configuration struct {
	Global  GlobalConfig      `yaml:"global"`
	Storage StorageConfig     `yaml:"storage"`
	Session SessionConfig     `yaml:"session"`
	Adapter AdapterConfig     `yaml:"adapter"`
	Metrics MetricsConfig     `yaml:"metrics"`
	FUSE    FUSEConfig        `yaml:"fuse"`
	Options map[string]string `yaml:"options,omitempty"`
}

// GlobalConfig represents process-wide settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=DEBUG INFO WARN WARNING ERROR debug info warn warning error"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=text json"`
	LogFile   string `yaml:"log_file"`
}

// StorageConfig selects and configures the storage client
type StorageConfig struct {
	Backend string `yaml:"backend" validate:"required,oneof=memory s3 badger"`

	// Server is the CHFS server address. It identifies the session and is
	// part of the fingerprint even for backends that do not dial it.
	Server string `yaml:"server"`

	// MaxCreateDepth bounds how many missing levels one recursive mkdir may
	// create. Zero means unlimited.
	MaxCreateDepth int `yaml:"max_create_depth" validate:"gte=0"`

	S3     s3.Config     `yaml:"s3"`
	Badger badger.Config `yaml:"badger"`
}

// SessionConfig represents session establishment settings
type SessionConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gte=0"`
}

// AdapterConfig represents filesystem adapter settings
type AdapterConfig struct {
	// MaxConcurrency bounds parallel calls in batched operations.
	MaxConcurrency int `yaml:"max_concurrency" validate:"gt=0"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port" validate:"omitempty,gt=0,lte=65535"`
	Namespace string `yaml:"namespace"`
}

// FUSEConfig represents mount settings
type FUSEConfig struct {
	Enabled    bool   `yaml:"enabled"`
	MountPoint string `yaml:"mount_point"`
	Scheme     string `yaml:"scheme"`
	ReadOnly   bool   `yaml:"read_only"`
	AllowOther bool   `yaml:"allow_other"`
	Debug      bool   `yaml:"debug"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			S3:      s3.DefaultConfig(),
			Badger: badger.Config{
				ConflictRetries: 4,
			},
		},
		Session: SessionConfig{
			ConnectTimeout: 30 * time.Second,
		},
		Adapter: AdapterConfig{
			MaxConcurrency: 16,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Port:      9090,
			Namespace: "chfs",
		},
		FUSE: FUSEConfig{
			Scheme: "chfs",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("CHFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("CHFS_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("CHFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}

	if val := os.Getenv("CHFS_SERVER"); val != "" {
		c.Storage.Server = val
	}
	if val := os.Getenv("CHFS_BACKEND"); val != "" {
		c.Storage.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("CHFS_MAX_CREATE_DEPTH"); val != "" {
		depth, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid CHFS_MAX_CREATE_DEPTH: %w", err)
		}
		c.Storage.MaxCreateDepth = depth
	}
	if val := os.Getenv("CHFS_S3_BUCKET"); val != "" {
		c.Storage.S3.Bucket = val
	}
	if val := os.Getenv("CHFS_S3_ENDPOINT"); val != "" {
		c.Storage.S3.Endpoint = val
	}
	if val := os.Getenv("CHFS_S3_MULTIPART_THRESHOLD"); val != "" {
		n, err := utils.ParseBytes(val)
		if err != nil {
			return fmt.Errorf("invalid CHFS_S3_MULTIPART_THRESHOLD: %w", err)
		}
		c.Storage.S3.MultipartThreshold = n
	}
	if val := os.Getenv("CHFS_S3_MULTIPART_CHUNK_SIZE"); val != "" {
		n, err := utils.ParseBytes(val)
		if err != nil {
			return fmt.Errorf("invalid CHFS_S3_MULTIPART_CHUNK_SIZE: %w", err)
		}
		c.Storage.S3.MultipartChunkSize = n
	}
	if val := os.Getenv("CHFS_BADGER_DIR"); val != "" {
		c.Storage.Badger.Dir = val
	}

	if val := os.Getenv("CHFS_MAX_CONCURRENCY"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid CHFS_MAX_CONCURRENCY: %w", err)
		}
		c.Adapter.MaxConcurrency = n
	}
	if val := os.Getenv("CHFS_CONNECT_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid CHFS_CONNECT_TIMEOUT: %w", err)
		}
		c.Session.ConnectTimeout = d
	}

	if val := os.Getenv("CHFS_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("CHFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Clone returns a deep copy.
func (c *Configuration) Clone() *Configuration {
	out := *c
	if c.Options != nil {
		out.Options = make(map[string]string, len(c.Options))
		for k, v := range c.Options {
			out.Options[k] = v
		}
	}
	return &out
}

// WithOptions returns a copy with opts merged into Options.
func (c *Configuration) WithOptions(opts map[string]string) *Configuration {
	out := c.Clone()
	if len(opts) == 0 {
		return out
	}
	if out.Options == nil {
		out.Options = make(map[string]string, len(opts))
	}
	for k, v := range opts {
		out.Options[k] = v
	}
	return out
}

// fingerprintInput is the subset of the configuration that identifies a
// session. Logging, metrics and mount settings do not.
type fingerprintInput struct {
	Storage StorageConfig     `yaml:"storage"`
	Options map[string]string `yaml:"options"`
}

// Fingerprint returns a hex BLAKE3 digest of the connection-relevant
// settings. Equal configurations share one session.
func (c *Configuration) Fingerprint() string {
	// yaml.v2 emits map keys sorted, so the encoding is stable.
	data, err := yaml.Marshal(fingerprintInput{Storage: c.Storage, Options: c.Options})
	if err != nil {
		panic("config: fingerprint encoding failed: " + err.Error())
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
