package consteval

import (
	"github.com/fortiblox/mirvm/pkg/interp"
	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/fortiblox/mirvm/pkg/layout"
)

// heapIntrinsics are the allocator entry points, none of which may run at
// compile time.
var heapIntrinsics = map[string]bool{
	"alloc":   true,
	"dealloc": true,
	"realloc": true,
}

// Machine is the compile-time policy: deterministic, no side effects, no
// observable addresses. Every operation whose result could depend on the
// execution environment is rejected with NotConst.
type Machine struct {
	eval  *Evaluator
	chain []string
}

var _ interp.Machine = (*Machine)(nil)

// Name implements interp.Machine.
func (m *Machine) Name() string { return "const" }

// StaticPtr implements interp.Machine. Immutable statics are evaluated once
// per evaluator and shared as read-only memory.
func (m *Machine) StaticPtr(ctx *interp.EvalContext, name string) (interp.Pointer, error) {
	s, err := m.eval.StaticOf(name)
	if err != nil {
		return interp.Pointer{}, err
	}
	if s.Mutable {
		return interp.Pointer{}, interp.Errorf(interp.KindNotConst, "use of mutable static %s", name)
	}
	ca, err := m.eval.staticAlloc(name, m.chain)
	if err != nil {
		return interp.Pointer{}, err
	}
	return interp.Pointer{Alloc: ctx.Memory.ImportConst(ca)}, nil
}

// ConstItem implements interp.Machine.
func (m *Machine) ConstItem(ctx *interp.EvalContext, name string, l *layout.Layout) (interp.TypedValue, error) {
	cv, err := m.eval.evaluateItem(name, m.chain)
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
	return interp.Errorf(interp.KindNotConst, "call to non-const function %s", fn)
}

// ResolveImpl implements interp.Machine.
func (m *Machine) ResolveImpl(ctx *interp.EvalContext, ty ir.Ty, method string) (ir.FnRef, error) {
	fn, err := ctx.Env.Impls.ResolveImpl(ty, method)
	if err != nil {
		return "", interp.Errorf(interp.KindNoImplementation, "%v", err)
	}
	return fn, nil
}

// CheckOverflow implements interp.Machine. Overflow is always an error at
// compile time.
func (m *Machine) CheckOverflow(op ir.BinOp, ty ir.Ty) error {
	return interp.Errorf(interp.KindOverflow, "attempt to compute %s on %s with overflow", op, ty)
}

// CallIntrinsic implements interp.Machine.
func (m *Machine) CallIntrinsic(ctx *interp.EvalContext, name string, typeArgs []ir.Ty, args []interp.TypedValue, dest interp.PlaceTy) (bool, error) {
	if heapIntrinsics[name] {
		return true, interp.Errorf(interp.KindNotConst, "heap allocation via %s", name)
	}
	return m.eval.intrinsics.Call(ctx, name, typeArgs, args, dest)
}

// PtrToInt implements interp.Machine. The integer is the allocation's
// abstract address; it carries no provenance and cannot be turned back
// into a usable pointer.
func (m *Machine) PtrToInt(ctx *interp.EvalContext, ptr interp.Pointer) (uint64, error) {
	base, err := ctx.Memory.Address(ptr.Alloc)
	if err != nil {
		return 0, err
	}
	return base + ptr.Offset, nil
}

// IntToPtr implements interp.Machine.
func (m *Machine) IntToPtr(ctx *interp.EvalContext, addr uint64) (interp.Scalar, error) {
	return interp.ScalarFromUint(addr), nil
}

// ComparePointers implements interp.Machine. The relative placement of two
// allocations is not known at compile time.
func (m *Machine) ComparePointers(ctx *interp.EvalContext, op ir.BinOp, a, b interp.Pointer) (bool, error) {
	return false, interp.Errorf(interp.KindNotConst, "comparison %s between pointers into different allocations", op)
}
