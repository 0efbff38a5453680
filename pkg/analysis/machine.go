package analysis

import (
	"github.com/fortiblox/mirvm/pkg/interp"
	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/fortiblox/mirvm/pkg/layout"
)

// Machine is the run-time policy of one analysis run. Statics get
// session-owned memory, externs go to the host registry and pointer
// addresses behave like a real flat address space: a pointer whose
// address was exposed by a cast can be recovered from that address.
type Machine struct {
	analyzer *Analyzer
	globals  map[string]interp.Pointer
	exposed  map[interp.AllocID]bool
}

var _ interp.Machine = (*Machine)(nil)

func newMachine(a *Analyzer) *Machine {
	return &Machine{
		analyzer: a,
		globals:  make(map[string]interp.Pointer),
		exposed:  make(map[interp.AllocID]bool),
	}
}

// Name implements interp.Machine.
func (m *Machine) Name() string { return "analysis" }

// StaticPtr implements interp.Machine. Immutable statics share the
// evaluator's interned memory; mutable statics are copied into a Global
// allocation the first time the run touches them.
func (m *Machine) StaticPtr(ctx *interp.EvalContext, name string) (interp.Pointer, error) {
	if p, ok := m.globals[name]; ok {
		return p, nil
	}
	eval := m.analyzer.eval
	s, err := eval.StaticOf(name)
	if err != nil {
		return interp.Pointer{}, err
	}
	ca, err := eval.StaticInitializer(name)
	if err != nil {
		return interp.Pointer{}, err
	}
	src := interp.Pointer{Alloc: ctx.Memory.ImportConst(ca)}
	if !s.Mutable {
		m.globals[name] = src
		return src, nil
	}

	size := uint64(len(ca.Bytes))
	id, err := ctx.Memory.Allocate(size, ca.Align, interp.MemGlobal)
	if err != nil {
		return interp.Pointer{}, err
	}
	dst := interp.Pointer{Alloc: id}
	if err := ctx.Memory.Copy(src, dst, size, 1, 1, true); err != nil {
		return interp.Pointer{}, err
	}
	m.globals[name] = dst
	ctx.Logger().Debug("materialized global", "static", name, "size", size)
	return dst, nil
}

// ConstItem implements interp.Machine.
func (m *Machine) ConstItem(ctx *interp.EvalContext, name string, l *layout.Layout) (interp.TypedValue, error) {
	cv, err := m.analyzer.eval.EvaluateItem(name)
	if err != nil {
		return interp.TypedValue{}, err
	}
	if !cv.Ty.Equal(l.Ty) {
		return interp.TypedValue{}, interp.Errorf(interp.KindLayoutError, "const %s has type %s, used as %s", name, cv.Ty, l.Ty)
	}
	return ctx.Memory.ImportValue(cv, l), nil
}

// CallExtern implements interp.Machine.
func (m *Machine) CallExtern(ctx *interp.EvalContext, fn ir.FnRef, args []interp.TypedValue, dest interp.PlaceTy) error {
	return m.analyzer.hosts.Call(ctx, fn, args, dest)
}

// ResolveImpl implements interp.Machine.
func (m *Machine) ResolveImpl(ctx *interp.EvalContext, ty ir.Ty, method string) (ir.FnRef, error) {
	fn, err := ctx.Env.Impls.ResolveImpl(ty, method)
	if err != nil {
		return "", interp.Errorf(interp.KindNoImplementation, "%v", err)
	}
	return fn, nil
}

// CheckOverflow implements interp.Machine.
func (m *Machine) CheckOverflow(op ir.BinOp, ty ir.Ty) error {
	if !m.analyzer.config.OverflowChecks {
		return nil
	}
	return interp.Errorf(interp.KindOverflow, "attempt to compute %s on %s with overflow", op, ty)
}

// CallIntrinsic implements interp.Machine.
func (m *Machine) CallIntrinsic(ctx *interp.EvalContext, name string, typeArgs []ir.Ty, args []interp.TypedValue, dest interp.PlaceTy) (bool, error) {
	return m.analyzer.intrinsics.Call(ctx, name, typeArgs, args, dest)
}

// PtrToInt implements interp.Machine. The allocation's address becomes
// exposed.
func (m *Machine) PtrToInt(ctx *interp.EvalContext, ptr interp.Pointer) (uint64, error) {
	base, err := ctx.Memory.Address(ptr.Alloc)
	if err != nil {
		return 0, err
	}
	m.exposed[ptr.Alloc] = true
	return base + ptr.Offset, nil
}

// IntToPtr implements interp.Machine. Addresses inside an exposed live
// allocation regain its provenance; any other address stays an integer.
func (m *Machine) IntToPtr(ctx *interp.EvalContext, addr uint64) (interp.Scalar, error) {
	if p, ok := ctx.Memory.AllocAt(addr); ok && m.exposed[p.Alloc] {
		return interp.ScalarFromPtr(p), nil
	}
	return interp.ScalarFromUint(addr), nil
}

// ComparePointers implements interp.Machine by comparing addresses.
func (m *Machine) ComparePointers(ctx *interp.EvalContext, op ir.BinOp, a, b interp.Pointer) (bool, error) {
	x, err := ctx.Memory.Address(a.Alloc)
	if err != nil {
		return false, err
	}
	y, err := ctx.Memory.Address(b.Alloc)
	if err != nil {
		return false, err
	}
	x += a.Offset
	y += b.Offset
	switch op {
	case ir.BinEq:
		return x == y, nil
	case ir.BinNe:
		return x != y, nil
	case ir.BinLt:
		return x < y, nil
	case ir.BinLe:
		return x <= y, nil
	case ir.BinGt:
		return x > y, nil
	case ir.BinGe:
		return x >= y, nil
	}
	return false, interp.Errorf(interp.KindInvalidPointer, "%s is not a pointer comparison", op)
}
