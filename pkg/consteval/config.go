package consteval

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/fortiblox/mirvm/internal/types"
	"github.com/fortiblox/mirvm/pkg/constcache"
	"github.com/fortiblox/mirvm/pkg/interp"
	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/fortiblox/mirvm/pkg/layout"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid const evaluator configuration")

// Config tunes an Evaluator.
type Config struct {
	// Interp bounds every evaluation session.
	Interp interp.Config

	// Store persists results across evaluators. Nil keeps results in
	// process only.
	Store constcache.Store

	// Namespace identifies the program the evaluated bodies belong to. It
	// is mixed into every cache key so that two programs never share
	// results for bodies that merely look alike.
	Namespace types.Hash

	// Logger receives cache and session events.
	Logger *log.Logger
}

// DefaultConfig returns an in-process configuration with the default
// session limits.
func DefaultConfig() Config {
	return Config{Interp: interp.DefaultConfig()}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Interp.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Store != nil && c.Namespace.IsZero() {
		return fmt.Errorf("%w: a persistent store needs a program namespace", ErrInvalidConfig)
	}
	return nil
}

// ItemSource supplies named const and static items.
type ItemSource interface {
	ConstOf(name string) (*ir.Body, error)
	StaticOf(name string) (*ir.Static, error)
}

// Env is everything an Evaluator consults.
type Env struct {
	interp.Env
	Items ItemSource
}

// ProgramEnv builds an Env serving every collaborator from p.
func ProgramEnv(p *ir.Program, layouts layout.Oracle) Env {
	return SourceEnv(p, layouts)
}

// Source is a complete program: bodies, impls and items.
type Source interface {
	interp.BodySource
	interp.ImplResolver
	ItemSource
}

// SourceEnv builds an environment over any program source, such as an
// on-disk IR store.
func SourceEnv(src Source, layouts layout.Oracle) Env {
	return Env{
		Env:   interp.Env{Layouts: layouts, Bodies: src, Impls: src},
		Items: src,
	}
}
