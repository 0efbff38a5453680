package interp

import (
	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/fortiblox/mirvm/pkg/layout"
)

// EvalPlace resolves an lvalue of the current frame. Resolution computes an
// address and a layout; it never reads the bytes of the final place.
func (ctx *EvalContext) EvalPlace(expr ir.PlaceExpr) (PlaceTy, error) {
	p, err := ctx.localPlace(len(ctx.stack)-1, expr.Local)
	if err != nil {
		return PlaceTy{}, err
	}
	for _, proj := range expr.Projection {
		if p, err = ctx.project(p, proj); err != nil {
			return PlaceTy{}, err
		}
	}
	return p, nil
}

func (ctx *EvalContext) project(base PlaceTy, proj ir.Projection) (PlaceTy, error) {
	if proj.Kind == ir.ProjDeref {
		v, err := ctx.ReadValue(base)
		if err != nil {
			return PlaceTy{}, err
		}
		return ctx.Deref(v)
	}
	if base.IsLocal() {
		return PlaceTy{}, Errorf(KindExecutionStuck, "projection through immediate local _%d", base.Local)
	}

	switch proj.Kind {
	case ir.ProjField:
		return ctx.FieldPlace(base, proj.Field)

	case ir.ProjIndex:
		ip, err := ctx.localPlace(len(ctx.stack)-1, proj.Index)
		if err != nil {
			return PlaceTy{}, err
		}
		iv, err := ctx.ReadValue(ip)
		if err != nil {
			return PlaceTy{}, err
		}
		if iv.Kind != ValByVal {
			return PlaceTy{}, Errorf(KindInvalidValue, "index local _%d is not a scalar", proj.Index)
		}
		i, err := iv.A.Uint64()
		if err != nil {
			return PlaceTy{}, err
		}
		return ctx.IndexPlace(base, i)

	case ir.ProjConstantIndex:
		n, err := placeLen(base)
		if err != nil {
			return PlaceTy{}, err
		}
		i := proj.Offset
		if proj.FromEnd {
			if i == 0 || i > n {
				return PlaceTy{}, Errorf(KindOutOfBounds, "index %d from end out of bounds for length %d", i, n)
			}
			i = n - i
		}
		return ctx.IndexPlace(base, i)
	}
	return PlaceTy{}, Errorf(KindExecutionStuck, "unknown projection kind %d", proj.Kind)
}

// FieldPlace projects field i of base.
func (ctx *EvalContext) FieldPlace(base PlaceTy, i int) (PlaceTy, error) {
	l := base.Layout
	if i < 0 || i >= len(l.FieldOffsets) {
		return PlaceTy{}, Errorf(KindExecutionStuck, "type %s has no field %d", l.Ty, i)
	}
	fl, err := ctx.LayoutOf(l.FieldTys[i])
	if err != nil {
		return PlaceTy{}, err
	}
	return PlaceTy{Place: MemPlace(base.Ptr.Add(l.FieldOffsets[i]), fl.Align), Layout: fl}, nil
}

// IndexPlace projects element i of an array or slice place after checking
// it against the static count or the place's runtime length.
func (ctx *EvalContext) IndexPlace(base PlaceTy, i uint64) (PlaceTy, error) {
	l := base.Layout
	n, err := placeLen(base)
	if err != nil {
		return PlaceTy{}, err
	}
	if i >= n {
		return PlaceTy{}, Errorf(KindOutOfBounds, "index out of bounds: the len is %d but the index is %d", n, i)
	}
	ptr := base.Ptr.Add(i * l.Stride).WithStride(l.Stride)
	return PlaceTy{Place: MemPlace(ptr, l.Elem.Align), Layout: l.Elem}, nil
}

// placeLen is the element count of an array or slice place.
func placeLen(p PlaceTy) (uint64, error) {
	l := p.Layout
	if l.Elem == nil {
		return 0, Errorf(KindExecutionStuck, "indexing into non-array type %s", l.Ty)
	}
	if l.Unsized {
		if !p.HasExtra {
			return 0, Errorf(KindInvalidPointer, "slice place without length metadata")
		}
		return p.Extra, nil
	}
	return l.Count, nil
}

// Deref turns a pointer value into the place it points to. Null pointers,
// integers without provenance and function handles are rejected; freed
// targets are use-after-free.
func (ctx *EvalContext) Deref(v TypedValue) (PlaceTy, error) {
	pointee, ok := v.Layout.Ty.Pointee()
	if !ok {
		return PlaceTy{}, Errorf(KindInvalidPointer, "dereferencing value of non-pointer type %s", v.Layout.Ty)
	}
	pl, err := ctx.LayoutOf(pointee)
	if err != nil {
		return PlaceTy{}, err
	}
	ptr, err := v.A.Ptr()
	if err != nil {
		return PlaceTy{}, err
	}
	a, err := ctx.Memory.Get(ptr.Alloc)
	if err != nil {
		return PlaceTy{}, err
	}
	if a.Kind == MemFunction {
		return PlaceTy{}, Errorf(KindInvalidPointer, "dereferencing function pointer %s", ptr)
	}
	place := MemPlace(ptr, pl.Align)
	if v.Layout.Fat {
		if v.Kind != ValByValPair {
			return PlaceTy{}, Errorf(KindInvalidPointer, "fat pointer without length")
		}
		n, err := v.B.Uint64()
		if err != nil {
			return PlaceTy{}, err
		}
		place.Extra, place.HasExtra = n, true
	}
	return PlaceTy{Place: place, Layout: pl}, nil
}

// AddressOf builds the pointer value referring to p, of pointer type ptrTy.
func (ctx *EvalContext) AddressOf(p PlaceTy, ptrTy ir.Ty) (TypedValue, error) {
	if p.IsLocal() {
		return TypedValue{}, Errorf(KindExecutionStuck, "address of immediate local _%d", p.Local)
	}
	l, err := ctx.LayoutOf(ptrTy)
	if err != nil {
		return TypedValue{}, err
	}
	if l.Fat {
		if !p.HasExtra {
			return TypedValue{}, Errorf(KindInvalidPointer, "slice reference without length metadata")
		}
		return TypedValue{Value: ByValPair(ScalarFromPtr(p.Ptr), ScalarFromUint(p.Extra)), Layout: l}, nil
	}
	return TypedValue{Value: ByVal(ScalarFromPtr(p.Ptr)), Layout: l}, nil
}

// EvalOperand produces the value of an operand.
func (ctx *EvalContext) EvalOperand(op ir.Operand) (TypedValue, error) {
	if op.Kind == ir.OpConst {
		if op.Const == nil {
			return TypedValue{}, Errorf(KindExecutionStuck, "constant operand without value")
		}
		return ctx.EvalConstant(op.Const)
	}
	p, err := ctx.EvalPlace(op.Place)
	if err != nil {
		return TypedValue{}, err
	}
	return ctx.ReadValue(p)
}

// EvalConstant materializes a literal. Byte-array literals are allocated
// once per session as read-only static memory.
func (ctx *EvalContext) EvalConstant(c *ir.Constant) (TypedValue, error) {
	l, err := ctx.LayoutOf(c.Ty)
	if err != nil {
		return TypedValue{}, err
	}
	switch c.Kind {
	case ir.ConstKindInt:
		if !l.IsScalar() || l.Prim != layout.PrimInt {
			return TypedValue{}, Errorf(KindLayoutError, "integer literal of type %s", c.Ty)
		}
		return TypedValue{Value: ByVal(ScalarFromBits(Truncate(wide(c.Hi, c.Lo), l.Bits))), Layout: l}, nil

	case ir.ConstKindBool:
		return TypedValue{Value: ByVal(ScalarFromBool(c.Lo != 0)), Layout: l}, nil

	case ir.ConstKindFloat:
		if l.Bits == 32 {
			return TypedValue{Value: ByVal(ScalarFromF32(float32(c.Float))), Layout: l}, nil
		}
		return TypedValue{Value: ByVal(ScalarFromF64(c.Float)), Layout: l}, nil

	case ir.ConstKindBytes:
		if uint64(len(c.Bytes)) != l.Size {
			return TypedValue{}, Errorf(KindLayoutError, "literal of %d bytes for %s of size %d", len(c.Bytes), c.Ty, l.Size)
		}
		id, ok := ctx.consts[c]
		if !ok || !ctx.Memory.IsLive(id) {
			if id, err = ctx.Memory.AllocateBytes(c.Bytes, l.Align, MemStatic); err != nil {
				return TypedValue{}, err
			}
			ctx.consts[c] = id
		}
		return TypedValue{Value: ByRef(Pointer{Alloc: id}, l.Align), Layout: l}, nil

	case ir.ConstFn:
		return TypedValue{Value: ByVal(ScalarFromPtr(ctx.Memory.CreateFnAlloc(c.Fn))), Layout: l}, nil

	case ir.ConstStatic:
		ptr, err := ctx.Machine.StaticPtr(ctx, c.Name)
		if err != nil {
			return TypedValue{}, err
		}
		return TypedValue{Value: ByVal(ScalarFromPtr(ptr)), Layout: l}, nil

	case ir.ConstItem:
		return ctx.Machine.ConstItem(ctx, c.Name, l)

	case ir.ConstUnit:
		return TypedValue{Value: ByVal(ScalarUndef()), Layout: l}, nil
	}
	return TypedValue{}, Errorf(KindExecutionStuck, "unknown constant kind %d", c.Kind)
}
