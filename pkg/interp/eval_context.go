package interp

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/fortiblox/mirvm/pkg/layout"
)

// Default limits. They bound every session; none of them is part of the
// evaluation semantics.
const (
	DefaultStepLimit   = uint64(1_000_000)
	DefaultStackLimit  = 256
	DefaultMemoryLimit = uint64(64 << 20)
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid interpreter configuration")

// Config tunes a session.
type Config struct {
	// StepLimit is the step budget. Zero disables the budget.
	StepLimit uint64

	// StackLimit is the maximum number of frames.
	StackLimit int

	// MemoryLimit caps the bytes held by live allocations. Zero disables it.
	MemoryLimit uint64

	// Logger receives frame push/pop events at debug level.
	Logger *log.Logger
}

// DefaultConfig returns the default session limits.
func DefaultConfig() Config {
	return Config{
		StepLimit:   DefaultStepLimit,
		StackLimit:  DefaultStackLimit,
		MemoryLimit: DefaultMemoryLimit,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.StackLimit <= 0 {
		return fmt.Errorf("%w: stack limit must be positive", ErrInvalidConfig)
	}
	return nil
}

// CleanupKind says what happens when a frame pops.
type CleanupKind uint8

const (
	// CleanupGoto resumes the caller at Cleanup.Block.
	CleanupGoto CleanupKind = iota
	// CleanupNone finishes the session; used by the root frame.
	CleanupNone
	// CleanupUnreachable marks a call that must not return.
	CleanupUnreachable
)

// Cleanup is a frame's return policy.
type Cleanup struct {
	Kind  CleanupKind
	Block ir.BlockID
}

// Frame is one activation record.
type Frame struct {
	Fn          ir.FnRef
	Body        *ir.Body
	Block       ir.BlockID
	Stmt        int
	Locals      []LocalSlot
	ReturnPlace PlaceTy
	Cleanup     Cleanup
}

// Location is the frame's cursor.
func (f *Frame) Location() Location {
	return Location{Fn: string(f.Fn), Block: uint32(f.Block), Stmt: f.Stmt}
}

// EvalContext is one interpretation session: a memory, a frame stack and the
// machine deciding caller-specific semantics. It is not safe for concurrent
// use; independent sessions may run in parallel.
type EvalContext struct {
	Machine Machine
	Env     Env
	Memory  *Memory
	Meter   *StepMeter

	config   Config
	logger   *log.Logger
	stack    []*Frame
	consts   map[*ir.Constant]AllocID
	scratch  []AllocID
	root     PlaceTy
	started  bool
	finished bool
	err      error
}

// NewEvalContext creates a session.
func NewEvalContext(machine Machine, env Env, cfg Config) *EvalContext {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("interp")
	}
	if cfg.StackLimit <= 0 {
		cfg.StackLimit = DefaultStackLimit
	}
	return &EvalContext{
		Machine: machine,
		Env:     env,
		Memory:  NewMemory(cfg.MemoryLimit),
		Meter:   NewStepMeter(cfg.StepLimit),
		config:  cfg,
		logger:  logger,
		consts:  make(map[*ir.Constant]AllocID),
	}
}

// Logger returns the session logger.
func (ctx *EvalContext) Logger() *log.Logger { return ctx.logger }

// Depth is the number of frames on the stack.
func (ctx *EvalContext) Depth() int { return len(ctx.stack) }

// Frame returns the frame at stack index i.
func (ctx *EvalContext) Frame(i int) *Frame { return ctx.stack[i] }

// Top returns the innermost frame.
func (ctx *EvalContext) Top() *Frame {
	if len(ctx.stack) == 0 {
		return nil
	}
	return ctx.stack[len(ctx.stack)-1]
}

// Finished reports whether the root frame has returned.
func (ctx *EvalContext) Finished() bool { return ctx.finished }

// LayoutOf queries the layout oracle. Failures are layout errors.
func (ctx *EvalContext) LayoutOf(ty ir.Ty) (*layout.Layout, error) {
	l, err := ctx.Env.Layouts.LayoutOf(ty)
	if err != nil {
		return nil, asEvalError(err, KindLayoutError)
	}
	return l, nil
}

// Backtrace lists the cursor of every frame, innermost first.
func (ctx *EvalContext) Backtrace() []Location {
	out := make([]Location, 0, len(ctx.stack))
	for i := len(ctx.stack) - 1; i >= 0; i-- {
		out = append(out, ctx.stack[i].Location())
	}
	return out
}

// Start prepares a root frame for body. The return value is written to a
// stack allocation owned by the session until ReleaseResult.
func (ctx *EvalContext) Start(fn ir.FnRef, body *ir.Body, args []TypedValue) error {
	if ctx.started {
		return errors.New("session already started")
	}
	ctx.started = true
	if err := body.Validate(); err != nil {
		return ctx.fail(Errorf(KindExecutionStuck, "%v", err))
	}
	l, err := ctx.LayoutOf(body.ReturnTy())
	if err != nil {
		return ctx.fail(err)
	}
	id, err := ctx.Memory.Allocate(l.Size, l.Align, MemStack)
	if err != nil {
		return ctx.fail(err)
	}
	ctx.root = PlaceTy{Place: MemPlace(Pointer{Alloc: id}, l.Align), Layout: l}
	if err := ctx.PushFrame(fn, body, args, ctx.root, Cleanup{Kind: CleanupNone}); err != nil {
		return ctx.fail(err)
	}
	return nil
}

// Result reads the root frame's return value once the session finished.
func (ctx *EvalContext) Result() (TypedValue, error) {
	if !ctx.finished {
		return TypedValue{}, errors.New("session has not finished")
	}
	return ctx.ReadValue(ctx.root)
}

// ResultPlace is the root return place. It stays valid until ReleaseResult.
func (ctx *EvalContext) ResultPlace() PlaceTy { return ctx.root }

// ReleaseResult frees the root return place.
func (ctx *EvalContext) ReleaseResult() error {
	if !ctx.finished {
		return errors.New("session has not finished")
	}
	return ctx.Memory.Deallocate(ctx.root.Ptr.Alloc, ctx.root.Layout.Size, ctx.root.Layout.Align, MemStack)
}

// PushFrame enters body. Locals that need an address are allocated
// eagerly; locals named by a StorageLive statement start dead.
func (ctx *EvalContext) PushFrame(fn ir.FnRef, body *ir.Body, args []TypedValue, ret PlaceTy, cleanup Cleanup) error {
	if len(ctx.stack) >= ctx.config.StackLimit {
		return Errorf(KindResourceExhausted, "stack limit of %d frames exceeded calling %s", ctx.config.StackLimit, fn)
	}
	if len(args) != body.ArgCount {
		return Errorf(KindExecutionStuck, "%s takes %d arguments, got %d", fn, body.ArgCount, len(args))
	}

	addressed, storage := scanLocals(body)
	frame := &Frame{
		Fn:          fn,
		Body:        body,
		Locals:      make([]LocalSlot, len(body.Locals)),
		ReturnPlace: ret,
		Cleanup:     cleanup,
	}
	for i, decl := range body.Locals {
		l, err := ctx.LayoutOf(decl.Ty)
		if err != nil {
			return err
		}
		if l.Unsized {
			return Errorf(KindLayoutError, "local _%d of %s has unsized type %s", i, fn, decl.Ty)
		}
		slot := &frame.Locals[i]
		slot.Layout = l
		slot.InMemory = addressed[i] || !(l.IsScalar() || l.IsPair())
		isArg := i >= 1 && i <= body.ArgCount
		if storage[i] && !isArg {
			continue
		}
		if err := ctx.makeLive(slot); err != nil {
			return err
		}
	}

	ctx.stack = append(ctx.stack, frame)
	idx := len(ctx.stack) - 1
	for i, arg := range args {
		local := ir.Local(i + 1)
		p, err := ctx.localPlace(idx, local)
		if err != nil {
			return err
		}
		if err := ctx.WriteValue(arg, p); err != nil {
			return err
		}
	}
	ctx.logger.Debug("push frame", "fn", fn, "depth", len(ctx.stack), "locals", len(body.Locals))
	return nil
}

// PopFrame leaves the innermost frame: the return local is copied to the
// frame's return place, stack storage is released, then the cleanup runs.
func (ctx *EvalContext) PopFrame() error {
	if len(ctx.stack) == 0 {
		return Errorf(KindExecutionStuck, "pop from empty stack")
	}
	idx := len(ctx.stack) - 1
	frame := ctx.stack[idx]

	if frame.ReturnPlace.Layout != nil && !frame.ReturnPlace.Layout.IsZST() {
		src, err := ctx.localPlace(idx, ir.ReturnLocal)
		if err != nil {
			return err
		}
		v, err := ctx.ReadValue(src)
		if err != nil {
			return err
		}
		if err := ctx.WriteValue(v, frame.ReturnPlace); err != nil {
			return err
		}
	}

	for i := range frame.Locals {
		if err := ctx.makeDead(&frame.Locals[i]); err != nil {
			return err
		}
	}
	ctx.stack = ctx.stack[:idx]
	ctx.logger.Debug("pop frame", "fn", frame.Fn, "depth", len(ctx.stack))

	switch frame.Cleanup.Kind {
	case CleanupNone:
		ctx.finished = true
	case CleanupUnreachable:
		return Errorf(KindExecutionStuck, "diverging call to %s returned", frame.Fn)
	case CleanupGoto:
		caller := ctx.Top()
		if caller == nil {
			return Errorf(KindExecutionStuck, "frame %s returned to missing caller", frame.Fn)
		}
		caller.Block, caller.Stmt = frame.Cleanup.Block, 0
	}
	return nil
}

func (ctx *EvalContext) makeLive(slot *LocalSlot) error {
	if err := ctx.makeDead(slot); err != nil {
		return err
	}
	if slot.InMemory {
		id, err := ctx.Memory.Allocate(slot.Layout.Size, slot.Layout.Align, MemStack)
		if err != nil {
			return err
		}
		slot.Alloc = id
	} else {
		slot.Value = undefValue(slot.Layout)
	}
	slot.Live = true
	return nil
}

func (ctx *EvalContext) makeDead(slot *LocalSlot) error {
	if !slot.Live {
		return nil
	}
	slot.Live = false
	if slot.InMemory {
		return ctx.Memory.Deallocate(slot.Alloc, slot.Layout.Size, slot.Layout.Align, MemStack)
	}
	slot.Value = Value{}
	return nil
}

// scanLocals finds locals whose address is observed (borrowed or projected
// through) and locals with explicit storage markers.
func scanLocals(body *ir.Body) (addressed, storage []bool) {
	addressed = make([]bool, len(body.Locals))
	storage = make([]bool, len(body.Locals))
	mark := func(p ir.PlaceExpr) {
		if int(p.Local) >= len(addressed) {
			return
		}
		if len(p.Projection) > 0 && p.Projection[0].Kind != ir.ProjDeref {
			addressed[p.Local] = true
		}
	}
	markOp := func(op *ir.Operand) {
		if op != nil && op.Kind != ir.OpConst {
			mark(op.Place)
		}
	}
	for _, blk := range body.Blocks {
		for _, st := range blk.Statements {
			switch st.Kind {
			case ir.StmtStorageLive, ir.StmtStorageDead:
				if int(st.Local) < len(storage) {
					storage[st.Local] = true
				}
			case ir.StmtAssign:
				mark(st.Place)
				rv := st.Rvalue
				if rv.Kind == ir.RvRef {
					if len(rv.Place.Projection) == 0 && int(rv.Place.Local) < len(addressed) {
						addressed[rv.Place.Local] = true
					}
				}
				mark(rv.Place)
				for i := range rv.Operands {
					markOp(&rv.Operands[i])
				}
			}
		}
		t := blk.Terminator
		markOp(t.Discr)
		markOp(t.Cond)
		markOp(t.Len)
		markOp(t.Index)
		markOp(t.Callee.Ptr)
		for i := range t.Args {
			markOp(&t.Args[i])
		}
		if t.Kind == ir.TermCall {
			mark(t.Dest)
		}
	}
	return addressed, storage
}

// localPlace resolves a bare local of the frame at stack index idx.
func (ctx *EvalContext) localPlace(idx int, local ir.Local) (PlaceTy, error) {
	frame := ctx.stack[idx]
	if int(local) >= len(frame.Locals) {
		return PlaceTy{}, Errorf(KindExecutionStuck, "local _%d out of range in %s", local, frame.Fn)
	}
	slot := &frame.Locals[local]
	if !slot.Live {
		return PlaceTy{}, Errorf(KindUseAfterFree, "use of dead local _%d in %s", local, frame.Fn)
	}
	if slot.InMemory {
		return PlaceTy{Place: MemPlace(Pointer{Alloc: slot.Alloc}, slot.Layout.Align), Layout: slot.Layout}, nil
	}
	return PlaceTy{Place: LocalPlace(idx, local), Layout: slot.Layout}, nil
}

// ReadValue loads the value at p. Scalars and pairs are read eagerly and
// validated; aggregates are returned by reference after a bounds check.
func (ctx *EvalContext) ReadValue(p PlaceTy) (TypedValue, error) {
	l := p.Layout
	if p.IsLocal() {
		slot := &ctx.stack[p.Frame].Locals[p.Local]
		if !slot.Live {
			return TypedValue{}, Errorf(KindUseAfterFree, "use of dead local _%d", p.Local)
		}
		return TypedValue{Value: slot.Value, Layout: l}, nil
	}
	if l.IsZST() {
		return TypedValue{Value: ByRef(p.Ptr, p.Align), Layout: l}, nil
	}
	switch {
	case l.IsScalar():
		s, err := ctx.Memory.ReadScalar(p.Ptr, l.Size, l.Align)
		if err != nil {
			return TypedValue{}, err
		}
		if err := validateScalar(s, l); err != nil {
			return TypedValue{}, err
		}
		return TypedValue{Value: ByVal(s), Layout: l}, nil
	case l.IsPair():
		if _, err := ctx.Memory.check(p.Ptr, l.Size, l.Align); err != nil {
			return TypedValue{}, err
		}
		a, b, err := ctx.Memory.readPair(p.Ptr, l)
		if err != nil {
			return TypedValue{}, err
		}
		return TypedValue{Value: ByValPair(a, b), Layout: l}, nil
	}
	size := l.Size
	if p.HasExtra && l.Unsized {
		size = p.Extra * l.Stride
	}
	if _, err := ctx.Memory.check(p.Ptr, size, l.Align); err != nil {
		return TypedValue{}, err
	}
	return TypedValue{Value: ByRef(p.Ptr, l.Align), Layout: l}, nil
}

// WriteValue stores tv into p.
func (ctx *EvalContext) WriteValue(tv TypedValue, p PlaceTy) error {
	l := p.Layout
	if l.IsZST() {
		return nil
	}
	if tv.Kind == ValByRef && (l.IsScalar() || l.IsPair()) {
		v, err := ctx.ReadValue(PlaceTy{Place: MemPlace(tv.Ptr, tv.Align), Layout: l})
		if err != nil {
			return err
		}
		tv = v
	}
	if p.IsLocal() {
		slot := &ctx.stack[p.Frame].Locals[p.Local]
		if !slot.Live {
			return Errorf(KindUseAfterFree, "write to dead local _%d", p.Local)
		}
		slot.Value = tv.Value
		return nil
	}
	switch tv.Kind {
	case ValByVal:
		if !l.IsScalar() {
			return Errorf(KindInvalidValue, "scalar written to %s of type %s", p.Place, l.Ty)
		}
		return ctx.Memory.WriteScalar(p.Ptr, tv.A, l.Size, l.Align)
	case ValByValPair:
		if !l.IsPair() {
			return Errorf(KindInvalidValue, "scalar pair written to %s of type %s", p.Place, l.Ty)
		}
		if _, err := ctx.Memory.check(p.Ptr, l.Size, l.Align); err != nil {
			return err
		}
		if err := ctx.Memory.WriteScalar(p.Ptr.Add(l.FieldOffsets[0]), tv.A, layout.PointerSize, 1); err != nil {
			return err
		}
		return ctx.Memory.WriteScalar(p.Ptr.Add(l.FieldOffsets[1]), tv.B, layout.PointerSize, 1)
	}
	size := l.Size
	if p.HasExtra && l.Unsized {
		size = p.Extra * l.Stride
	}
	return ctx.Memory.Copy(tv.Ptr, p.Ptr, size, l.Align, l.Align, false)
}

// validateScalar rejects bit patterns that are invalid for l.
func validateScalar(s Scalar, l *layout.Layout) error {
	switch l.Prim {
	case layout.PrimBool:
		_, err := s.Bool()
		return err
	case layout.PrimChar:
		b, err := s.Bits()
		if err != nil {
			return err
		}
		if !b.IsUint64() || !validChar(b.Uint64()) {
			return Errorf(KindInvalidValue, "invalid char %s", b.Hex())
		}
	}
	return nil
}

func validChar(c uint64) bool {
	return c <= 0x10FFFF && (c < 0xD800 || c > 0xDFFF)
}

// fail records a terminal error with the current backtrace.
func (ctx *EvalContext) fail(err error) error {
	ee := asEvalError(err, KindExecutionStuck)
	if len(ee.Backtrace) == 0 {
		ee.Backtrace = ctx.Backtrace()
	}
	ctx.err = ee
	return ee
}
