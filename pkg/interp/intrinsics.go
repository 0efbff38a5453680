package interp

import (
	"math/bits"
	"sort"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/mirvm/pkg/ir"
)

// IntrinsicFunc implements a builtin that ordinary IR cannot express.
type IntrinsicFunc func(ctx *EvalContext, typeArgs []ir.Ty, args []TypedValue, dest PlaceTy) error

// Intrinsics is a registry of builtins keyed by name.
type Intrinsics struct {
	fns map[string]IntrinsicFunc
}

// NewIntrinsics creates a registry holding every standard builtin.
func NewIntrinsics() *Intrinsics {
	r := &Intrinsics{fns: make(map[string]IntrinsicFunc)}
	r.registerMemory()
	r.registerArithmetic()
	r.registerMisc()
	return r
}

// Register adds or replaces a builtin.
func (r *Intrinsics) Register(name string, fn IntrinsicFunc) {
	r.fns[name] = fn
}

// Get looks up a builtin.
func (r *Intrinsics) Get(name string) (IntrinsicFunc, bool) {
	fn, ok := r.fns[name]
	return fn, ok
}

// Names lists the registered builtins in sorted order.
func (r *Intrinsics) Names() []string {
	out := make([]string, 0, len(r.fns))
	for name := range r.fns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Call runs name if it is registered. It reports false for unknown names.
func (r *Intrinsics) Call(ctx *EvalContext, name string, typeArgs []ir.Ty, args []TypedValue, dest PlaceTy) (bool, error) {
	fn, ok := r.fns[name]
	if !ok {
		return false, nil
	}
	if err := ctx.Meter.Consume(CostIntrinsic); err != nil {
		return true, err
	}
	return true, fn(ctx, typeArgs, args, dest)
}

func wantArgs(name string, typeArgs []ir.Ty, args []TypedValue, nty, nargs int) error {
	if len(typeArgs) != nty || len(args) != nargs {
		return Errorf(KindExecutionStuck, "%s expects %d type arguments and %d arguments, got %d and %d",
			name, nty, nargs, len(typeArgs), len(args))
	}
	return nil
}

func scalarPtrArg(v TypedValue) (Pointer, error) {
	if v.Kind != ValByVal {
		return Pointer{}, Errorf(KindInvalidPointer, "expected thin pointer, got %s", v.Layout.Ty)
	}
	return v.A.Ptr()
}

func (ctx *EvalContext) usize(v uint64, dest PlaceTy) error {
	return ctx.WriteValue(TypedValue{Value: ByVal(ScalarFromUint(v)), Layout: dest.Layout}, dest)
}

func (r *Intrinsics) registerMemory() {
	copyFn := func(name string, nonoverlapping bool) IntrinsicFunc {
		return func(ctx *EvalContext, typeArgs []ir.Ty, args []TypedValue, dest PlaceTy) error {
			if err := wantArgs(name, typeArgs, args, 1, 3); err != nil {
				return err
			}
			l, err := ctx.LayoutOf(typeArgs[0])
			if err != nil {
				return err
			}
			src, err := scalarPtrArg(args[0])
			if err != nil {
				return err
			}
			dst, err := scalarPtrArg(args[1])
			if err != nil {
				return err
			}
			count, err := args[2].A.Uint64()
			if err != nil {
				return err
			}
			size := count * l.Size
			if count != 0 && size/count != l.Size {
				return Errorf(KindOverflow, "%s of %d elements overflows the address space", name, count)
			}
			if err := ctx.Meter.ConsumeBytes(size); err != nil {
				return err
			}
			return ctx.Memory.Copy(src, dst, size, l.Align, l.Align, nonoverlapping)
		}
	}
	r.Register("copy_nonoverlapping", copyFn("copy_nonoverlapping", true))
	r.Register("copy", copyFn("copy", false))

	r.Register("write_bytes", func(ctx *EvalContext, typeArgs []ir.Ty, args []TypedValue, dest PlaceTy) error {
		if err := wantArgs("write_bytes", typeArgs, args, 1, 3); err != nil {
			return err
		}
		l, err := ctx.LayoutOf(typeArgs[0])
		if err != nil {
			return err
		}
		dst, err := scalarPtrArg(args[0])
		if err != nil {
			return err
		}
		b, err := args[1].A.Uint64()
		if err != nil {
			return err
		}
		count, err := args[2].A.Uint64()
		if err != nil {
			return err
		}
		size := count * l.Size
		if err := ctx.Meter.ConsumeBytes(size); err != nil {
			return err
		}
		if dst.Offset%l.Align != 0 {
			return Errorf(KindUnaligned, "write_bytes to %s requires alignment %d", dst, l.Align)
		}
		return ctx.Memory.WriteRepeat(dst, byte(b), size)
	})

	r.Register("size_of", func(ctx *EvalContext, typeArgs []ir.Ty, args []TypedValue, dest PlaceTy) error {
		if err := wantArgs("size_of", typeArgs, args, 1, 0); err != nil {
			return err
		}
		l, err := ctx.LayoutOf(typeArgs[0])
		if err != nil {
			return err
		}
		return ctx.usize(l.Size, dest)
	})

	r.Register("align_of", func(ctx *EvalContext, typeArgs []ir.Ty, args []TypedValue, dest PlaceTy) error {
		if err := wantArgs("align_of", typeArgs, args, 1, 0); err != nil {
			return err
		}
		l, err := ctx.LayoutOf(typeArgs[0])
		if err != nil {
			return err
		}
		return ctx.usize(l.Align, dest)
	})
}

func (r *Intrinsics) registerArithmetic() {
	ops := map[string]ir.BinOp{"add": ir.BinAdd, "sub": ir.BinSub, "mul": ir.BinMul}
	for name, op := range ops {
		op := op
		wrapping := "wrapping_" + name
		r.Register(wrapping, func(ctx *EvalContext, typeArgs []ir.Ty, args []TypedValue, dest PlaceTy) error {
			if err := wantArgs(wrapping, typeArgs, args, 1, 2); err != nil {
				return err
			}
			res, _, err := ctx.BinaryOp(op, args[0], args[1])
			if err != nil {
				return err
			}
			return ctx.WriteValue(res, dest)
		})
		checked := name + "_with_overflow"
		r.Register(checked, func(ctx *EvalContext, typeArgs []ir.Ty, args []TypedValue, dest PlaceTy) error {
			if err := wantArgs(checked, typeArgs, args, 1, 2); err != nil {
				return err
			}
			res, overflow, err := ctx.BinaryOp(op, args[0], args[1])
			if err != nil {
				return err
			}
			return ctx.writePair(dest, res, overflow)
		})
	}

	bitFn := func(name string, f func(v *uint256.Int, w uint) *uint256.Int) {
		r.Register(name, func(ctx *EvalContext, typeArgs []ir.Ty, args []TypedValue, dest PlaceTy) error {
			if err := wantArgs(name, typeArgs, args, 1, 1); err != nil {
				return err
			}
			v, err := args[0].A.Bits()
			if err != nil {
				return err
			}
			w := args[0].Layout.Bits
			out := Truncate(f(Truncate(v, w), w), dest.Layout.Bits)
			return ctx.WriteValue(TypedValue{Value: ByVal(ScalarFromBits(out)), Layout: dest.Layout}, dest)
		})
	}
	bitFn("ctpop", func(v *uint256.Int, w uint) *uint256.Int {
		n := 0
		for _, word := range *v {
			n += bits.OnesCount64(word)
		}
		return uint256.NewInt(uint64(n))
	})
	bitFn("ctlz", func(v *uint256.Int, w uint) *uint256.Int {
		return uint256.NewInt(uint64(w) - uint64(v.BitLen()))
	})
	bitFn("cttz", func(v *uint256.Int, w uint) *uint256.Int {
		if v.IsZero() {
			return uint256.NewInt(uint64(w))
		}
		n := 0
		for _, word := range *v {
			if word != 0 {
				return uint256.NewInt(uint64(n + bits.TrailingZeros64(word)))
			}
			n += 64
		}
		return uint256.NewInt(uint64(n))
	})
	bitFn("bswap", func(v *uint256.Int, w uint) *uint256.Int {
		be := v.Bytes32()
		var out [32]byte
		n := int(w / 8)
		for i := 0; i < n; i++ {
			out[32-n+i] = be[31-i]
		}
		return new(uint256.Int).SetBytes32(out[:])
	})
}

func (r *Intrinsics) registerMisc() {
	r.Register("abort", func(ctx *EvalContext, typeArgs []ir.Ty, args []TypedValue, dest PlaceTy) error {
		return Errorf(KindAssertionFailed, "abort intrinsic called")
	})

	r.Register("assume", func(ctx *EvalContext, typeArgs []ir.Ty, args []TypedValue, dest PlaceTy) error {
		if err := wantArgs("assume", typeArgs, args, 0, 1); err != nil {
			return err
		}
		ok, err := args[0].A.Bool()
		if err != nil {
			return err
		}
		if !ok {
			return Errorf(KindAssertionFailed, "assume called with false")
		}
		return nil
	})

	r.Register("black_box", func(ctx *EvalContext, typeArgs []ir.Ty, args []TypedValue, dest PlaceTy) error {
		if err := wantArgs("black_box", typeArgs, args, 1, 1); err != nil {
			return err
		}
		return ctx.WriteValue(args[0], dest)
	})

	r.Register("transmute", func(ctx *EvalContext, typeArgs []ir.Ty, args []TypedValue, dest PlaceTy) error {
		if err := wantArgs("transmute", typeArgs, args, 2, 1); err != nil {
			return err
		}
		v, err := ctx.Cast(ir.CastTransmute, args[0], typeArgs[1])
		if err != nil {
			return err
		}
		return ctx.WriteValue(v, dest)
	})

	// type_id hashes the canonical spelling of the type, so equal types get
	// equal ids in every session.
	r.Register("type_id", func(ctx *EvalContext, typeArgs []ir.Ty, args []TypedValue, dest PlaceTy) error {
		if err := wantArgs("type_id", typeArgs, args, 1, 0); err != nil {
			return err
		}
		if _, err := ctx.LayoutOf(typeArgs[0]); err != nil {
			return err
		}
		id := TypeID(typeArgs[0])
		return ctx.WriteValue(TypedValue{Value: ByVal(ScalarFromBits(Truncate(id, dest.Layout.Bits))), Layout: dest.Layout}, dest)
	})
}

// TypeID is the 128-bit identity of ty: the low 16 bytes of the keccak-256
// hash of its canonical name.
func TypeID(ty ir.Ty) *uint256.Int {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(ty.String()))
	sum := h.Sum(nil)
	return ReadTargetUint(sum[:16])
}
