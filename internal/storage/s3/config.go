package s3

import (
	"time"
)

// Config represents S3 backend configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	MaxRetries     int           `yaml:"max_retries" validate:"gte=0"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// BreakerThreshold consecutive request failures open the circuit for
	// BreakerTimeout. Zero disables the breaker.
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`

	// Uploads at or above MultipartThreshold go through the CargoShip
	// transporter when it is enabled.
	EnableCargoShip    bool  `yaml:"enable_cargoship"`
	MultipartThreshold int64 `yaml:"multipart_threshold" validate:"gte=0"`
	MultipartChunkSize int64 `yaml:"multipart_chunk_size" validate:"gte=0"`
	Concurrency        int   `yaml:"concurrency" validate:"gte=0"`
}

// DefaultConfig returns S3 settings suitable for a local S3-compatible endpoint.
func DefaultConfig() Config {
	return Config{
		Region:             "us-east-1",
		ForcePathStyle:     true,
		MaxRetries:         3,
		RequestTimeout:     30 * time.Second,
		BreakerThreshold:   5,
		BreakerTimeout:     30 * time.Second,
		MultipartThreshold: 32 * 1024 * 1024,
		MultipartChunkSize: 16 * 1024 * 1024,
		Concurrency:        4,
	}
}
