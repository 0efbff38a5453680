package analysis

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/fortiblox/mirvm/pkg/interp"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid analysis configuration")

// Config tunes an Analyzer.
type Config struct {
	// Interp bounds every run.
	Interp interp.Config

	// OverflowChecks turns arithmetic overflow into an error. When false,
	// overflowing operations wrap.
	OverflowChecks bool

	// Tracer, when set, observes every step of every run.
	Tracer Tracer

	// Logger receives run events.
	Logger *log.Logger
}

// DefaultConfig returns the default analysis configuration: overflow
// checks on, default session limits.
func DefaultConfig() Config {
	return Config{
		Interp:         interp.DefaultConfig(),
		OverflowChecks: true,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Interp.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
