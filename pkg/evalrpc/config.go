package evalrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Default configuration values.
const (
	// DefaultAddress is the default listen address for the server.
	DefaultAddress = "127.0.0.1:7411"

	// DefaultKeepaliveTime is the default interval for keepalive pings.
	DefaultKeepaliveTime = 30 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive responses.
	DefaultKeepaliveTimeout = 10 * time.Second

	// DefaultMaxMessageSize is the default maximum gRPC message size (64MB).
	// Requests carry whole bodies and responses whole allocations.
	DefaultMaxMessageSize = 64 * 1024 * 1024

	// DefaultRequestTimeout bounds a single evaluation on the server.
	DefaultRequestTimeout = 30 * time.Second

	// tokenHeader carries the shared secret.
	tokenHeader = "x-token"
)

// Configuration errors.
var (
	ErrNoEndpoint    = errors.New("evaluator endpoint is required")
	ErrInvalidConfig = errors.New("invalid evaluator rpc configuration")
)

// Config holds the configuration shared by Server and Client.
type Config struct {
	// Address is the server listen address or the client endpoint.
	Address string

	// Token is the shared secret sent in the x-token header.
	// Can use environment variable expansion with ${VAR_NAME}.
	// Empty disables authentication.
	Token string

	// UseTLS enables TLS on the client connection.
	UseTLS bool

	// Keepalive configuration.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	// RequestTimeout bounds each evaluation on the server. Zero means the
	// caller's deadline alone applies.
	RequestTimeout time.Duration

	// Dialer overrides how the client reaches Address (optional).
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:          DefaultAddress,
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
		MaxMessageSize:   DefaultMaxMessageSize,
		RequestTimeout:   DefaultRequestTimeout,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Address == "" {
		return ErrNoEndpoint
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}
	if c.KeepaliveTime <= 0 {
		return fmt.Errorf("%w: keepalive time must be positive", ErrInvalidConfig)
	}
	if c.KeepaliveTimeout <= 0 {
		return fmt.Errorf("%w: keepalive timeout must be positive", ErrInvalidConfig)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("%w: request timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()
	if c.Address == "" {
		c.Address = defaults.Address
	}
	if c.KeepaliveTime == 0 {
		c.KeepaliveTime = defaults.KeepaliveTime
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = defaults.KeepaliveTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	return c
}

// ExpandedToken returns the token with environment variable expansion.
func (c *Config) ExpandedToken() string {
	return expandEnvVars(c.Token)
}

// expandEnvVars expands ${VAR} references in a string.
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := result[start+2 : end]
		result = result[:start] + os.Getenv(varName) + result[end+1:]
	}
	return result
}
