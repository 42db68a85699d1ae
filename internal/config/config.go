// Package config loads server settings from environment variables with
// defaults, and validates them on startup so a bad value fails fast.
package config

import (
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Upload   UploadConfig
	Parse    ParseConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout bounds reading a request, including the archive body (default: 2m)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"2m"`

	// WriteTimeout bounds writing a response; 0 disables it (default: 0s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout applies to query routes; archive processing is bounded
	// only by the client connection (default: 30s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"30s"`
}

// UploadConfig holds archive upload settings.
type UploadConfig struct {
	// MaxFileSize is the largest accepted archive (default: 256MiB)
	MaxFileSize ByteSize `env:"UPLOAD_MAX_FILE_SIZE" default:"256MiB"`

	// MaxConcurrent is the number of archives decoded at once (default: 2)
	MaxConcurrent int `env:"UPLOAD_MAX_CONCURRENT" default:"2"`

	// MaxWaitTime is how long an upload waits for a slot (default: 30s)
	MaxWaitTime time.Duration `env:"UPLOAD_MAX_WAIT_TIME" default:"30s"`
}

// ParseConfig holds decoding settings.
type ParseConfig struct {
	// Workers is the parse concurrency; 0 means one per CPU (default: 0)
	Workers int `env:"PARSE_WORKERS" default:"0"`

	// MaxArtifactSize truncates any single extracted file (default: 16MiB)
	MaxArtifactSize ByteSize `env:"PARSE_MAX_ARTIFACT_SIZE" default:"16MiB"`

	// MaxArchiveSize stops extraction once the archive expands past it (default: 1GiB)
	MaxArchiveSize ByteSize `env:"PARSE_MAX_ARCHIVE_SIZE" default:"1GiB"`

	// RegistryFile replaces the built-in artifact registry when set
	RegistryFile string `env:"PARSE_REGISTRY_FILE"`
}

// RateLimitConfig holds per-client rate limits.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the limit per client IP for query routes (default: 120)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"120"`

	// UploadLimit is the limit per client IP for archive uploads (default: 6)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"6"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies lists proxy CIDRs whose forwarding headers are honored
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey rejects /api requests without a valid X-API-Key (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys lists the accepted API keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// ByteSize is a size in bytes, written in the environment as "16MiB",
// "500 kB" or a plain number.
type ByteSize int64

// ParseByteSize parses s with humanize.ParseBytes.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return ByteSize(n), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Int64 returns the size as an int64.
func (b ByteSize) Int64() int64 { return int64(b) }

// Set parses s into b. With Type it makes ByteSize a pflag.Value.
func (b *ByteSize) Set(s string) error {
	v, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// Type names the flag value type in help output.
func (b *ByteSize) Type() string { return "size" }
