package interp

import (
	"math"

	"github.com/holiman/uint256"

	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/fortiblox/mirvm/pkg/layout"
)

// wide assembles a 128-bit value from two words.
func wide(hi, lo uint64) *uint256.Int {
	return &uint256.Int{lo, hi, 0, 0}
}

// checkOverflow is the single point where an overflowed operation is either
// accepted (wrapping) or turned into an error, as the machine decides.
func (ctx *EvalContext) checkOverflow(op ir.BinOp, ty ir.Ty) error {
	return ctx.Machine.CheckOverflow(op, ty)
}

// BinaryOp evaluates op, returning the wrapped result and whether the
// mathematically exact result did not fit. Division by zero and signed
// division overflow are errors regardless of the overflow policy.
func (ctx *EvalContext) BinaryOp(op ir.BinOp, left, right TypedValue) (TypedValue, bool, error) {
	if left.Kind != ValByVal || right.Kind != ValByVal {
		return TypedValue{}, false, Errorf(KindInvalidValue, "binary %s on non-scalar operands", op)
	}
	ll := left.Layout
	if op == ir.BinOffset {
		return ctx.offset(left, right)
	}
	if left.A.IsPtr() || right.A.IsPtr() || ll.Prim == layout.PrimPointer {
		return ctx.pointerOp(op, left, right)
	}
	if op != ir.BinShl && op != ir.BinShr && !ll.Ty.Equal(right.Layout.Ty) {
		return TypedValue{}, false, Errorf(KindExecutionStuck, "%s on mismatched types %s and %s", op, ll.Ty, right.Layout.Ty)
	}
	if ll.Prim == layout.PrimFloat {
		return ctx.floatOp(op, left, right)
	}

	a, err := left.A.Bits()
	if err != nil {
		return TypedValue{}, false, err
	}
	b, err := right.A.Bits()
	if err != nil {
		return TypedValue{}, false, err
	}
	w, signed := ll.Bits, ll.Signed

	if op.IsComparison() {
		res, err := ctx.boolValue(compareInts(op, a, b, w, signed))
		return res, false, err
	}

	result := func(v *uint256.Int) TypedValue {
		return TypedValue{Value: ByVal(ScalarFromBits(v)), Layout: ll}
	}

	switch op {
	case ir.BinBitAnd:
		return result(new(uint256.Int).And(a, b)), false, nil
	case ir.BinBitOr:
		return result(new(uint256.Int).Or(a, b)), false, nil
	case ir.BinBitXor:
		return result(new(uint256.Int).Xor(a, b)), false, nil

	case ir.BinShl, ir.BinShr:
		amount := b
		overflow := false
		if right.Layout.Signed && signed256(b, right.Layout.Bits).Sign() < 0 {
			overflow = true
		}
		if !amount.IsUint64() || amount.Uint64() >= uint64(w) {
			overflow = true
		}
		shift := uint(amount.Uint64() & uint64(w-1))
		var v *uint256.Int
		if op == ir.BinShl {
			v = new(uint256.Int).Lsh(a, shift)
		} else if signed {
			v = new(uint256.Int).SRsh(signed256(a, w), shift)
		} else {
			v = new(uint256.Int).Rsh(a, shift)
		}
		return result(Truncate(v, w)), overflow, nil

	case ir.BinAdd, ir.BinSub, ir.BinMul:
		x, y := a, b
		if signed {
			x, y = signed256(a, w), signed256(b, w)
		}
		full := new(uint256.Int)
		switch op {
		case ir.BinAdd:
			full.Add(x, y)
		case ir.BinSub:
			full.Sub(x, y)
		default:
			full.Mul(x, y)
		}
		wrapped := Truncate(full, w)
		back := wrapped
		if signed {
			back = signed256(wrapped, w)
		}
		return result(wrapped), !back.Eq(full), nil

	case ir.BinDiv, ir.BinRem:
		if b.IsZero() {
			if op == ir.BinDiv {
				return TypedValue{}, false, Errorf(KindDivisionByZero, "attempt to divide %s by zero", ll.Ty)
			}
			return TypedValue{}, false, Errorf(KindDivisionByZero, "attempt to calculate the remainder of %s with a divisor of zero", ll.Ty)
		}
		if signed {
			x, y := signed256(a, w), signed256(b, w)
			if isMinSigned(a, w) && y.Eq(new(uint256.Int).SetAllOne()) {
				return TypedValue{}, false, Errorf(KindOverflow, "attempt to compute %s::MIN %s -1, which would overflow", ll.Ty, op)
			}
			v := new(uint256.Int)
			if op == ir.BinDiv {
				v.SDiv(x, y)
			} else {
				v.SMod(x, y)
			}
			return result(Truncate(v, w)), false, nil
		}
		if op == ir.BinDiv {
			return result(new(uint256.Int).Div(a, b)), false, nil
		}
		return result(new(uint256.Int).Mod(a, b)), false, nil
	}
	return TypedValue{}, false, Errorf(KindExecutionStuck, "unsupported integer operator %s", op)
}

func isMinSigned(v *uint256.Int, w uint) bool {
	min := new(uint256.Int).Lsh(uint256.NewInt(1), w-1)
	return Truncate(v, w).Eq(min)
}

func compareInts(op ir.BinOp, a, b *uint256.Int, w uint, signed bool) bool {
	var lt, gt bool
	if signed {
		x, y := signed256(a, w), signed256(b, w)
		lt, gt = x.Slt(y), x.Sgt(y)
	} else {
		lt, gt = a.Lt(b), a.Gt(b)
	}
	return compareResult(op, lt, gt)
}

func compareResult(op ir.BinOp, lt, gt bool) bool {
	eq := !lt && !gt
	switch op {
	case ir.BinEq:
		return eq
	case ir.BinNe:
		return !eq
	case ir.BinLt:
		return lt
	case ir.BinLe:
		return lt || eq
	case ir.BinGt:
		return gt
	case ir.BinGe:
		return gt || eq
	}
	return false
}

func (ctx *EvalContext) boolValue(b bool) (TypedValue, error) {
	l, err := ctx.LayoutOf(ir.Bool)
	if err != nil {
		return TypedValue{}, err
	}
	return TypedValue{Value: ByVal(ScalarFromBool(b)), Layout: l}, nil
}

func (ctx *EvalContext) floatOp(op ir.BinOp, left, right TypedValue) (TypedValue, bool, error) {
	x, err := floatOf(left)
	if err != nil {
		return TypedValue{}, false, err
	}
	y, err := floatOf(right)
	if err != nil {
		return TypedValue{}, false, err
	}
	if op.IsComparison() {
		var res bool
		switch op {
		case ir.BinEq:
			res = x == y
		case ir.BinNe:
			res = x != y
		case ir.BinLt:
			res = x < y
		case ir.BinLe:
			res = x <= y
		case ir.BinGt:
			res = x > y
		case ir.BinGe:
			res = x >= y
		}
		v, err := ctx.boolValue(res)
		return v, false, err
	}
	var r float64
	switch op {
	case ir.BinAdd:
		r = x + y
	case ir.BinSub:
		r = x - y
	case ir.BinMul:
		r = x * y
	case ir.BinDiv:
		r = x / y
	case ir.BinRem:
		r = math.Mod(x, y)
	default:
		return TypedValue{}, false, Errorf(KindExecutionStuck, "unsupported float operator %s", op)
	}
	return floatValue(r, left.Layout), false, nil
}

func floatOf(v TypedValue) (float64, error) {
	if v.Layout.Bits == 32 {
		f, err := v.A.F32()
		return float64(f), err
	}
	return v.A.F64()
}

func floatValue(f float64, l *layout.Layout) TypedValue {
	if l.Bits == 32 {
		return TypedValue{Value: ByVal(ScalarFromF32(float32(f))), Layout: l}
	}
	return TypedValue{Value: ByVal(ScalarFromF64(f)), Layout: l}
}

// pointerOp compares pointers. Pointers into the same allocation compare by
// offset; anything else is up to the machine.
func (ctx *EvalContext) pointerOp(op ir.BinOp, left, right TypedValue) (TypedValue, bool, error) {
	if !op.IsComparison() {
		return TypedValue{}, false, Errorf(KindInvalidPointer, "arithmetic %s on pointer value", op)
	}
	if left.Layout.Fat {
		return TypedValue{}, false, Errorf(KindInvalidPointer, "comparison of fat pointers")
	}
	ls, rs := left.A, right.A
	switch {
	case ls.IsPtr() && rs.IsPtr():
		lp, rp := ls.ptr, rs.ptr
		if lp.Alloc == rp.Alloc {
			v, err := ctx.boolValue(compareResult(op, lp.Offset < rp.Offset, lp.Offset > rp.Offset))
			return v, false, err
		}
		res, err := ctx.Machine.ComparePointers(ctx, op, lp, rp)
		if err != nil {
			return TypedValue{}, false, err
		}
		v, err := ctx.boolValue(res)
		return v, false, err

	case ls.IsPtr() || rs.IsPtr():
		ptr, other := ls, rs
		if rs.IsPtr() {
			ptr, other = rs, ls
		}
		bits, err := other.Bits()
		if err != nil {
			return TypedValue{}, false, err
		}
		if bits.IsZero() && (op == ir.BinEq || op == ir.BinNe) {
			v, err := ctx.boolValue(op == ir.BinNe)
			return v, false, err
		}
		addr, err := ctx.Machine.PtrToInt(ctx, ptr.ptr)
		if err != nil {
			return TypedValue{}, false, err
		}
		pa := new(uint256.Int).SetUint64(addr)
		la, ra := pa, bits
		if rs.IsPtr() {
			la, ra = bits, pa
		}
		v, err := ctx.boolValue(compareInts(op, la, ra, 64, false))
		return v, false, err
	}

	a, err := ls.Bits()
	if err != nil {
		return TypedValue{}, false, err
	}
	b, err := rs.Bits()
	if err != nil {
		return TypedValue{}, false, err
	}
	v, err := ctx.boolValue(compareInts(op, a, b, 64, false))
	return v, false, err
}

// offset advances a pointer by count elements of its pointee.
func (ctx *EvalContext) offset(left, right TypedValue) (TypedValue, bool, error) {
	pointee, ok := left.Layout.Ty.Pointee()
	if !ok {
		return TypedValue{}, false, Errorf(KindInvalidPointer, "offset on non-pointer type %s", left.Layout.Ty)
	}
	pl, err := ctx.LayoutOf(pointee)
	if err != nil {
		return TypedValue{}, false, err
	}
	count, err := right.A.Bits()
	if err != nil {
		return TypedValue{}, false, err
	}
	n := count.Uint64()
	if right.Layout.Signed {
		n = signed256(count, right.Layout.Bits).Uint64()
	}
	delta := n * pl.Size

	if !left.A.IsPtr() {
		base, err := left.A.Bits()
		if err != nil {
			return TypedValue{}, false, err
		}
		addr := base.Uint64() + delta
		return TypedValue{Value: ByVal(ScalarFromUint(addr)), Layout: left.Layout}, false, nil
	}
	ptr := left.A.ptr
	if ptr.Stride != 0 && ptr.Stride != pl.Size {
		return TypedValue{}, false, Errorf(KindInvalidPointer, "offset by %d-byte elements on pointer derived from %d-byte elements", pl.Size, ptr.Stride)
	}
	moved := ptr.Add(delta).WithStride(ptr.Stride)
	return TypedValue{Value: ByVal(ScalarFromPtr(moved)), Layout: left.Layout}, false, nil
}

// UnaryOp evaluates op, returning the wrapped result and an overflow flag.
func (ctx *EvalContext) UnaryOp(op ir.UnOp, v TypedValue) (TypedValue, bool, error) {
	if v.Kind != ValByVal {
		return TypedValue{}, false, Errorf(KindInvalidValue, "unary operator on non-scalar operand")
	}
	l := v.Layout
	if l.Prim == layout.PrimFloat {
		if op != ir.UnNeg {
			return TypedValue{}, false, Errorf(KindExecutionStuck, "bitwise not on float")
		}
		f, err := floatOf(v)
		if err != nil {
			return TypedValue{}, false, err
		}
		return floatValue(-f, l), false, nil
	}
	a, err := v.A.Bits()
	if err != nil {
		return TypedValue{}, false, err
	}
	switch op {
	case ir.UnNot:
		if l.Prim == layout.PrimBool {
			return TypedValue{Value: ByVal(ScalarFromBool(a.IsZero())), Layout: l}, false, nil
		}
		return TypedValue{Value: ByVal(ScalarFromBits(Truncate(new(uint256.Int).Not(a), l.Bits))), Layout: l}, false, nil
	case ir.UnNeg:
		if l.Prim != layout.PrimInt {
			return TypedValue{}, false, Errorf(KindExecutionStuck, "negation of %s", l.Ty)
		}
		neg := Truncate(new(uint256.Int).Neg(a), l.Bits)
		overflow := l.Signed && isMinSigned(a, l.Bits) || !l.Signed && !a.IsZero()
		return TypedValue{Value: ByVal(ScalarFromBits(neg)), Layout: l}, overflow, nil
	}
	return TypedValue{}, false, Errorf(KindExecutionStuck, "unknown unary operator %d", op)
}
