package analysis

import (
	"github.com/fortiblox/mirvm/pkg/interp"
	"github.com/fortiblox/mirvm/pkg/ir"
)

// registerHeap adds the allocator builtins:
//
//	alloc(size, align) -> *mut u8
//	dealloc(ptr, size, align)
//	realloc(ptr, old_size, align, new_size) -> *mut u8
//
// Size and alignment passed to dealloc and realloc must match the
// allocation; anything else is reported the way Memory.Deallocate does.
func registerHeap(r *interp.Intrinsics) {
	r.Register("alloc", func(ctx *interp.EvalContext, typeArgs []ir.Ty, args []interp.TypedValue, dest interp.PlaceTy) error {
		vals, err := uintArgs("alloc", args, 2)
		if err != nil {
			return err
		}
		id, err := ctx.Memory.Allocate(vals[0], vals[1], interp.MemHeap)
		if err != nil {
			return err
		}
		return writePtr(ctx, interp.Pointer{Alloc: id}, dest)
	})

	r.Register("dealloc", func(ctx *interp.EvalContext, typeArgs []ir.Ty, args []interp.TypedValue, dest interp.PlaceTy) error {
		if len(args) != 3 {
			return interp.Errorf(interp.KindExecutionStuck, "dealloc expects 3 arguments, got %d", len(args))
		}
		ptr, err := heapPtr("dealloc", args[0])
		if err != nil {
			return err
		}
		vals, err := uintArgs("dealloc", args[1:], 2)
		if err != nil {
			return err
		}
		return ctx.Memory.Deallocate(ptr.Alloc, vals[0], vals[1], interp.MemHeap)
	})

	r.Register("realloc", func(ctx *interp.EvalContext, typeArgs []ir.Ty, args []interp.TypedValue, dest interp.PlaceTy) error {
		if len(args) != 4 {
			return interp.Errorf(interp.KindExecutionStuck, "realloc expects 4 arguments, got %d", len(args))
		}
		ptr, err := heapPtr("realloc", args[0])
		if err != nil {
			return err
		}
		vals, err := uintArgs("realloc", args[1:], 3)
		if err != nil {
			return err
		}
		oldSize, align, newSize := vals[0], vals[1], vals[2]
		id, err := ctx.Memory.Allocate(newSize, align, interp.MemHeap)
		if err != nil {
			return err
		}
		n := oldSize
		if newSize < n {
			n = newSize
		}
		if err := ctx.Meter.ConsumeBytes(n); err != nil {
			return err
		}
		if err := ctx.Memory.Copy(ptr, interp.Pointer{Alloc: id}, n, 1, 1, true); err != nil {
			return err
		}
		if err := ctx.Memory.Deallocate(ptr.Alloc, oldSize, align, interp.MemHeap); err != nil {
			return err
		}
		return writePtr(ctx, interp.Pointer{Alloc: id}, dest)
	})
}

func uintArgs(name string, args []interp.TypedValue, n int) ([]uint64, error) {
	if len(args) != n {
		return nil, interp.Errorf(interp.KindExecutionStuck, "%s expects %d integer arguments, got %d", name, n, len(args))
	}
	out := make([]uint64, n)
	for i, a := range args {
		if a.Kind != interp.ValByVal {
			return nil, interp.Errorf(interp.KindInvalidValue, "%s argument %d is not an integer", name, i)
		}
		v, err := a.A.Uint64()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func heapPtr(name string, v interp.TypedValue) (interp.Pointer, error) {
	if v.Kind != interp.ValByVal {
		return interp.Pointer{}, interp.Errorf(interp.KindInvalidPointer, "%s of non-pointer %s", name, v.Layout.Ty)
	}
	ptr, err := v.A.Ptr()
	if err != nil {
		return interp.Pointer{}, err
	}
	if ptr.Offset != 0 {
		return interp.Pointer{}, interp.Errorf(interp.KindInvalidPointer, "%s of %s which does not point to the start of an allocation", name, ptr)
	}
	return ptr, nil
}

func writePtr(ctx *interp.EvalContext, ptr interp.Pointer, dest interp.PlaceTy) error {
	return ctx.WriteValue(interp.TypedValue{Value: interp.ByVal(interp.ScalarFromPtr(ptr)), Layout: dest.Layout}, dest)
}
