package interp

import (
	"math"
	"math/big"

	"github.com/holiman/uint256"

	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/fortiblox/mirvm/pkg/layout"
)

// Cast converts v to type to.
func (ctx *EvalContext) Cast(kind ir.CastKind, v TypedValue, to ir.Ty) (TypedValue, error) {
	dl, err := ctx.LayoutOf(to)
	if err != nil {
		return TypedValue{}, err
	}
	switch kind {
	case ir.CastNumeric:
		return ctx.numericCast(v, dl)
	case ir.CastPtrToInt:
		return ctx.ptrToInt(v, dl)
	case ir.CastIntToPtr:
		return ctx.intToPtr(v, dl)
	case ir.CastPtrToPtr:
		return ptrToPtr(v, dl)
	case ir.CastUnsize:
		return ctx.unsize(v, dl)
	case ir.CastTransmute:
		return ctx.transmute(v, dl)
	}
	return TypedValue{}, Errorf(KindExecutionStuck, "unknown cast kind %d", kind)
}

func (ctx *EvalContext) numericCast(v TypedValue, dl *layout.Layout) (TypedValue, error) {
	sl := v.Layout
	if v.Kind != ValByVal || !sl.IsScalar() || !dl.IsScalar() {
		return TypedValue{}, Errorf(KindExecutionStuck, "numeric cast from %s to %s", sl.Ty, dl.Ty)
	}
	if sl.Prim == layout.PrimPointer || dl.Prim == layout.PrimPointer {
		return TypedValue{}, Errorf(KindExecutionStuck, "numeric cast between %s and %s involves a pointer", sl.Ty, dl.Ty)
	}
	if dl.Prim == layout.PrimBool {
		return TypedValue{}, Errorf(KindExecutionStuck, "cast to bool from %s", sl.Ty)
	}

	if sl.Prim == layout.PrimFloat {
		f, err := floatOf(v)
		if err != nil {
			return TypedValue{}, err
		}
		if dl.Prim == layout.PrimFloat {
			return floatValue(f, dl), nil
		}
		if dl.Prim != layout.PrimInt {
			return TypedValue{}, Errorf(KindExecutionStuck, "cast from %s to %s", sl.Ty, dl.Ty)
		}
		return TypedValue{Value: ByVal(ScalarFromBits(saturate(f, dl.Bits, dl.Signed))), Layout: dl}, nil
	}

	a, err := v.A.Bits()
	if err != nil {
		return TypedValue{}, err
	}
	if sl.Signed {
		a = SignExtend(a, sl.Bits)
	}
	switch dl.Prim {
	case layout.PrimFloat:
		bf := new(big.Float).SetInt(intToBig(a, sl.Bits, sl.Signed))
		if dl.Bits == 32 {
			f, _ := bf.Float32()
			return TypedValue{Value: ByVal(ScalarFromF32(f)), Layout: dl}, nil
		}
		f, _ := bf.Float64()
		return TypedValue{Value: ByVal(ScalarFromF64(f)), Layout: dl}, nil
	case layout.PrimChar:
		out := Truncate(a, dl.Bits)
		if !out.IsUint64() || !validChar(out.Uint64()) {
			return TypedValue{}, Errorf(KindInvalidValue, "cast produces invalid char %s", out.Hex())
		}
		return TypedValue{Value: ByVal(ScalarFromBits(out)), Layout: dl}, nil
	}
	return TypedValue{Value: ByVal(ScalarFromBits(Truncate(a, dl.Bits))), Layout: dl}, nil
}

// intToBig interprets the low bits of v.
func intToBig(v *uint256.Int, bits uint, signed bool) *big.Int {
	if !signed {
		return Truncate(v, bits).ToBig()
	}
	ext := signed256(v, bits)
	if ext.Sign() < 0 {
		return new(big.Int).Neg(new(uint256.Int).Neg(ext).ToBig())
	}
	return ext.ToBig()
}

// saturate converts f to an integer of the given width, clamping to the
// target range. NaN becomes zero.
func saturate(f float64, bits uint, signed bool) *uint256.Int {
	min, max := intRange(bits, signed)
	var v *big.Int
	switch {
	case math.IsNaN(f):
		v = new(big.Int)
	case math.IsInf(f, 1):
		v = max
	case math.IsInf(f, -1):
		v = min
	default:
		v, _ = new(big.Float).SetFloat64(f).Int(nil)
		if v.Cmp(max) > 0 {
			v = max
		} else if v.Cmp(min) < 0 {
			v = min
		}
	}
	return bigToBits(v, bits)
}

func intRange(bits uint, signed bool) (min, max *big.Int) {
	one := big.NewInt(1)
	if !signed {
		return new(big.Int), new(big.Int).Sub(new(big.Int).Lsh(one, bits), one)
	}
	max = new(big.Int).Sub(new(big.Int).Lsh(one, bits-1), one)
	min = new(big.Int).Neg(new(big.Int).Lsh(one, bits-1))
	return min, max
}

// bigToBits encodes v in two's complement at the given width.
func bigToBits(v *big.Int, bits uint) *uint256.Int {
	abs, _ := uint256.FromBig(new(big.Int).Abs(v))
	if v.Sign() < 0 {
		abs.Neg(abs)
	}
	return Truncate(abs, bits)
}

func (ctx *EvalContext) ptrToInt(v TypedValue, dl *layout.Layout) (TypedValue, error) {
	if v.Kind != ValByVal || dl.Prim != layout.PrimInt {
		return TypedValue{}, Errorf(KindExecutionStuck, "pointer-to-int cast from %s to %s", v.Layout.Ty, dl.Ty)
	}
	if !v.A.IsPtr() {
		b, err := v.A.Bits()
		if err != nil {
			return TypedValue{}, err
		}
		return TypedValue{Value: ByVal(ScalarFromBits(Truncate(b, dl.Bits))), Layout: dl}, nil
	}
	addr, err := ctx.Machine.PtrToInt(ctx, v.A.ptr)
	if err != nil {
		return TypedValue{}, err
	}
	return TypedValue{Value: ByVal(ScalarFromBits(Truncate(new(uint256.Int).SetUint64(addr), dl.Bits))), Layout: dl}, nil
}

func (ctx *EvalContext) intToPtr(v TypedValue, dl *layout.Layout) (TypedValue, error) {
	if v.Kind != ValByVal || dl.Prim != layout.PrimPointer || dl.Fat {
		return TypedValue{}, Errorf(KindExecutionStuck, "int-to-pointer cast from %s to %s", v.Layout.Ty, dl.Ty)
	}
	addr, err := v.A.Uint64()
	if err != nil {
		return TypedValue{}, err
	}
	s, err := ctx.Machine.IntToPtr(ctx, addr)
	if err != nil {
		return TypedValue{}, err
	}
	return TypedValue{Value: ByVal(s), Layout: dl}, nil
}

func ptrToPtr(v TypedValue, dl *layout.Layout) (TypedValue, error) {
	sl := v.Layout
	if (sl.Prim != layout.PrimPointer && !sl.Fat) || (dl.Prim != layout.PrimPointer && !dl.Fat) {
		return TypedValue{}, Errorf(KindExecutionStuck, "pointer cast from %s to %s", sl.Ty, dl.Ty)
	}
	switch {
	case sl.Fat == dl.Fat:
		return TypedValue{Value: v.Value, Layout: dl}, nil
	case sl.Fat:
		return TypedValue{Value: ByVal(v.A), Layout: dl}, nil
	}
	return TypedValue{}, Errorf(KindExecutionStuck, "pointer cast from thin %s to fat %s needs an unsizing cast", sl.Ty, dl.Ty)
}

func (ctx *EvalContext) unsize(v TypedValue, dl *layout.Layout) (TypedValue, error) {
	pointee, ok := v.Layout.Ty.Pointee()
	if !ok || pointee.Kind != ir.TyArray || !dl.Fat {
		return TypedValue{}, Errorf(KindExecutionStuck, "unsizing cast from %s to %s", v.Layout.Ty, dl.Ty)
	}
	return TypedValue{Value: ByValPair(v.A, ScalarFromUint(pointee.Len)), Layout: dl}, nil
}

// transmute reinterprets the bytes of v as dl. The value round-trips
// through scratch memory so every byte-level check applies to the result.
func (ctx *EvalContext) transmute(v TypedValue, dl *layout.Layout) (TypedValue, error) {
	sl := v.Layout
	if sl.Size != dl.Size {
		return TypedValue{}, Errorf(KindLayoutError, "transmute between types of different sizes: %s (%d bytes) and %s (%d bytes)",
			sl.Ty, sl.Size, dl.Ty, dl.Size)
	}
	align := sl.Align
	if dl.Align > align {
		align = dl.Align
	}
	p, err := ctx.Scratch(sl.Size, align)
	if err != nil {
		return TypedValue{}, err
	}
	if err := ctx.WriteValue(v, PlaceTy{Place: p, Layout: sl}); err != nil {
		return TypedValue{}, err
	}
	return ctx.ReadValue(PlaceTy{Place: p, Layout: dl})
}

// Scratch allocates temporary memory that lives until the current step
// completes.
func (ctx *EvalContext) Scratch(size, align uint64) (Place, error) {
	id, err := ctx.Memory.Allocate(size, align, MemStack)
	if err != nil {
		return Place{}, err
	}
	ctx.scratch = append(ctx.scratch, id)
	return MemPlace(Pointer{Alloc: id}, align), nil
}

func (ctx *EvalContext) releaseScratch() {
	for _, id := range ctx.scratch {
		if ctx.Memory.IsLive(id) {
			ctx.Memory.release(id)
		}
	}
	ctx.scratch = ctx.scratch[:0]
}
