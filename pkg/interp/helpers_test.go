package interp

import (
	"errors"
	"testing"

	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/fortiblox/mirvm/pkg/layout"
)

var testTarget = layout.NewTarget()

// testMachine is a minimal policy: no statics, no externs, overflow is an
// error unless wrap is set, addresses are the abstract base addresses.
type testMachine struct {
	intrinsics *Intrinsics
	wrap       bool
}

func newTestMachine() *testMachine {
	return &testMachine{intrinsics: NewIntrinsics()}
}

func (m *testMachine) Name() string { return "test" }

func (m *testMachine) StaticPtr(ctx *EvalContext, name string) (Pointer, error) {
	return Pointer{}, Errorf(KindNotConst, "static %s", name)
}

func (m *testMachine) ConstItem(ctx *EvalContext, name string, l *layout.Layout) (TypedValue, error) {
	return TypedValue{}, Errorf(KindNotConst, "const item %s", name)
}

func (m *testMachine) CallExtern(ctx *EvalContext, fn ir.FnRef, args []TypedValue, dest PlaceTy) error {
	return Errorf(KindNotConst, "call to extern %s", fn)
}

func (m *testMachine) ResolveImpl(ctx *EvalContext, ty ir.Ty, method string) (ir.FnRef, error) {
	fn, err := ctx.Env.Impls.ResolveImpl(ty, method)
	if err != nil {
		return "", Errorf(KindNoImplementation, "%v", err)
	}
	return fn, nil
}

func (m *testMachine) CheckOverflow(op ir.BinOp, ty ir.Ty) error {
	if m.wrap {
		return nil
	}
	return Errorf(KindOverflow, "attempt to compute %s on %s with overflow", op, ty)
}

func (m *testMachine) CallIntrinsic(ctx *EvalContext, name string, typeArgs []ir.Ty, args []TypedValue, dest PlaceTy) (bool, error) {
	return m.intrinsics.Call(ctx, name, typeArgs, args, dest)
}

func (m *testMachine) PtrToInt(ctx *EvalContext, ptr Pointer) (uint64, error) {
	base, err := ctx.Memory.Address(ptr.Alloc)
	if err != nil {
		return 0, err
	}
	return base + ptr.Offset, nil
}

func (m *testMachine) IntToPtr(ctx *EvalContext, addr uint64) (Scalar, error) {
	return ScalarFromUint(addr), nil
}

func (m *testMachine) ComparePointers(ctx *EvalContext, op ir.BinOp, a, b Pointer) (bool, error) {
	x, err := m.PtrToInt(ctx, a)
	if err != nil {
		return false, err
	}
	y, err := m.PtrToInt(ctx, b)
	if err != nil {
		return false, err
	}
	return compareResult(op, x < y, x > y), nil
}

func newTestContext(prog *ir.Program, m Machine, cfg Config) *EvalContext {
	return NewEvalContext(m, Env{Layouts: testTarget, Bodies: prog, Impls: prog}, cfg)
}

// runFn evaluates fn of prog to completion with the test machine.
func runFn(t *testing.T, prog *ir.Program, fn ir.FnRef, cfg Config, args ...TypedValue) (TypedValue, *EvalContext, error) {
	t.Helper()
	return runWith(t, prog, newTestMachine(), fn, cfg, args...)
}

func runWith(t *testing.T, prog *ir.Program, m Machine, fn ir.FnRef, cfg Config, args ...TypedValue) (TypedValue, *EvalContext, error) {
	t.Helper()
	body, err := prog.BodyOf(fn)
	if err != nil {
		t.Fatalf("BodyOf(%s): %v", fn, err)
	}
	ctx := newTestContext(prog, m, cfg)
	if err := ctx.Start(fn, body, args); err != nil {
		return TypedValue{}, ctx, err
	}
	v, err := ctx.Run()
	return v, ctx, err
}

func mustLayout(t *testing.T, ty ir.Ty) *layout.Layout {
	t.Helper()
	l, err := testTarget.LayoutOf(ty)
	if err != nil {
		t.Fatalf("LayoutOf(%s): %v", ty, err)
	}
	return l
}

func uintArg(t *testing.T, ty ir.Ty, v uint64) TypedValue {
	t.Helper()
	return TypedValue{Value: ByVal(ScalarFromUint(v)), Layout: mustLayout(t, ty)}
}

func intArg(t *testing.T, ty ir.Ty, v int64) TypedValue {
	t.Helper()
	return TypedValue{Value: ByVal(ScalarFromInt(v, ty.Bits)), Layout: mustLayout(t, ty)}
}

func floatArg(t *testing.T, ty ir.Ty, f float64) TypedValue {
	t.Helper()
	if ty.Bits == 32 {
		return TypedValue{Value: ByVal(ScalarFromF32(float32(f))), Layout: mustLayout(t, ty)}
	}
	return TypedValue{Value: ByVal(ScalarFromF64(f)), Layout: mustLayout(t, ty)}
}

func uintOf(t *testing.T, v TypedValue) uint64 {
	t.Helper()
	if v.Kind != ValByVal {
		t.Fatalf("value %s is not a scalar", v)
	}
	n, err := v.A.Uint64()
	if err != nil {
		t.Fatalf("Uint64(%s): %v", v, err)
	}
	return n
}

// fieldOf reads field i of an aggregate returned by reference.
func fieldOf(t *testing.T, ctx *EvalContext, v TypedValue, i int) TypedValue {
	t.Helper()
	if v.Kind != ValByRef {
		t.Fatalf("value %s is not by reference", v)
	}
	fp, err := ctx.FieldPlace(PlaceTy{Place: MemPlace(v.Ptr, v.Align), Layout: v.Layout}, i)
	if err != nil {
		t.Fatalf("FieldPlace(%d): %v", i, err)
	}
	fv, err := ctx.ReadValue(fp)
	if err != nil {
		t.Fatalf("ReadValue(field %d): %v", i, err)
	}
	return fv
}

func wantKind(t *testing.T, err error, sentinel error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", sentinel)
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected %v, got %v", sentinel, err)
	}
}

func program(fns map[ir.FnRef]*ir.Body) *ir.Program {
	p := ir.NewProgram()
	for name, body := range fns {
		p.AddBody(name, body)
	}
	return p
}
