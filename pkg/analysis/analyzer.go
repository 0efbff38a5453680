// Package analysis runs whole programs on the interpreter to detect
// undefined behaviour: out-of-bounds and unaligned accesses, reads of
// uninitialized memory, use after free, invalid values and, when enabled,
// arithmetic overflow. A run also reports heap allocations that were never
// freed.
package analysis

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/fortiblox/mirvm/pkg/consteval"
	"github.com/fortiblox/mirvm/pkg/interp"
	"github.com/fortiblox/mirvm/pkg/ir"
)

// Tracer observes a run. OnStep is called after every step with the cursor
// the step started at.
type Tracer interface {
	OnStep(ctx *interp.EvalContext, at interp.Location, out interp.StepOutcome)
}

// TracerFunc adapts a function to Tracer.
type TracerFunc func(ctx *interp.EvalContext, at interp.Location, out interp.StepOutcome)

// OnStep implements Tracer.
func (f TracerFunc) OnStep(ctx *interp.EvalContext, at interp.Location, out interp.StepOutcome) {
	f(ctx, at, out)
}

// Leak is a heap allocation still live when the run finished.
type Leak struct {
	Alloc   interp.AllocID
	Address uint64
	Size    uint64
}

// Report summarizes one run.
type Report struct {
	Entry    ir.FnRef
	Value    *interp.ConstValue
	Steps    uint64
	MaxDepth int
	Leaks    []Leak
	Duration time.Duration

	// Err is the evaluation error that ended the run, if any.
	Err error
}

// OK reports whether the run finished without error and without leaks.
func (r *Report) OK() bool { return r.Err == nil && len(r.Leaks) == 0 }

// Analyzer runs programs under the analysis Machine. Runs are independent
// and may execute concurrently.
type Analyzer struct {
	env        consteval.Env
	config     Config
	logger     *log.Logger
	eval       *consteval.Evaluator
	intrinsics *interp.Intrinsics
	hosts      *Hosts
}

// New creates an Analyzer. Const items and static initializers are
// evaluated through eval; pass nil to create a private evaluator.
func New(env consteval.Env, eval *consteval.Evaluator, cfg Config) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("analysis")
	}
	if cfg.Interp.Logger == nil {
		cfg.Interp.Logger = logger
	}
	if eval == nil {
		ecfg := consteval.DefaultConfig()
		ecfg.Interp = cfg.Interp
		ecfg.Logger = logger
		var err error
		if eval, err = consteval.New(env, ecfg); err != nil {
			return nil, fmt.Errorf("create evaluator: %w", err)
		}
	}

	intrinsics := interp.NewIntrinsics()
	registerHeap(intrinsics)

	return &Analyzer{
		env:        env,
		config:     cfg,
		logger:     logger,
		eval:       eval,
		intrinsics: intrinsics,
		hosts:      NewHosts(),
	}, nil
}

// Hosts is the extern function registry.
func (a *Analyzer) Hosts() *Hosts { return a.hosts }

// Intrinsics is the builtin registry, including the heap builtins.
func (a *Analyzer) Intrinsics() *interp.Intrinsics { return a.intrinsics }

// NewSession prepares a run of entry without starting to step it, for
// callers that drive EvalContext.Step themselves.
func (a *Analyzer) NewSession(entry ir.FnRef, args ...*interp.ConstValue) (*interp.EvalContext, error) {
	body, err := a.env.Bodies.BodyOf(entry)
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", entry, err)
	}
	ctx := interp.NewEvalContext(newMachine(a), a.env.Env, a.config.Interp)
	vals := make([]interp.TypedValue, len(args))
	for i, cv := range args {
		l, err := ctx.LayoutOf(cv.Ty)
		if err != nil {
			return nil, err
		}
		vals[i] = ctx.Memory.ImportValue(cv, l)
	}
	if err := ctx.Start(entry, body, vals); err != nil {
		return nil, err
	}
	return ctx, nil
}

// Run executes entry to completion. A run that fails still returns its
// report; the error is both returned and recorded in Report.Err.
func (a *Analyzer) Run(entry ir.FnRef, args ...*interp.ConstValue) (*Report, error) {
	start := time.Now()
	report := &Report{Entry: entry}

	ctx, err := a.NewSession(entry, args...)
	if err != nil {
		report.Err = err
		return report, err
	}

	var out interp.StepOutcome
	for {
		var at interp.Location
		if top := ctx.Top(); top != nil {
			at = top.Location()
		}
		out = ctx.Step()
		if d := ctx.Depth(); d > report.MaxDepth {
			report.MaxDepth = d
		}
		if a.config.Tracer != nil {
			a.config.Tracer.OnStep(ctx, at, out)
		}
		if out.Kind != interp.StepContinue {
			break
		}
	}
	report.Steps = ctx.Meter.Consumed()
	report.Duration = time.Since(start)

	if out.Kind == interp.StepErrored {
		report.Err = out.Err
		a.logger.Debug("run failed", "entry", entry, "steps", report.Steps, "err", out.Err)
		return report, out.Err
	}

	if report.Value, err = ctx.Memory.ExportValue(out.Value); err != nil {
		report.Err = err
		return report, err
	}
	if err := ctx.ReleaseResult(); err != nil {
		report.Err = err
		return report, err
	}
	for _, id := range ctx.Memory.LiveAllocations(interp.MemHeap) {
		al, err := ctx.Memory.Get(id)
		if err != nil {
			continue
		}
		addr, _ := ctx.Memory.Address(id)
		report.Leaks = append(report.Leaks, Leak{Alloc: id, Address: addr, Size: al.Size()})
	}
	if len(report.Leaks) > 0 {
		a.logger.Warn("heap allocations leaked", "entry", entry, "count", len(report.Leaks))
	}
	a.logger.Debug("run finished", "entry", entry, "steps", report.Steps, "depth", report.MaxDepth)
	return report, nil
}
