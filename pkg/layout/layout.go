// Package layout computes the memory layout of IR types for the interpreter's
// fixed target: 8-byte pointers, little-endian byte order, C-style struct
// layout with natural alignment.
package layout

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fortiblox/mirvm/pkg/ir"
)

// Target constants.
const (
	PointerSize = 8
	MaxIntBits  = 128
)

var (
	// ErrNotConcrete is returned for types that mention generic parameters.
	ErrNotConcrete = errors.New("layout of non-concrete type")

	// ErrUnsupported is returned for types the target cannot lay out.
	ErrUnsupported = errors.New("unsupported type")
)

// Abi says how a value of a type travels when it is not in memory.
type Abi uint8

const (
	AbiAggregate  Abi = iota // always in memory
	AbiScalar                // one scalar
	AbiScalarPair            // two scalars, e.g. a slice pointer and its length
)

// Primitive classifies a scalar.
type Primitive uint8

const (
	PrimInt Primitive = iota
	PrimFloat
	PrimPointer
	PrimBool
	PrimChar
)

// Layout describes size, alignment and shape of a type.
type Layout struct {
	Ty    ir.Ty
	Size  uint64
	Align uint64
	Abi   Abi

	// Scalar description (Abi == AbiScalar).
	Prim   Primitive
	Signed bool
	Bits   uint

	// Struct and tuple fields.
	FieldOffsets []uint64
	FieldTys     []ir.Ty

	// Arrays and slices.
	Elem    *Layout
	Stride  uint64
	Count   uint64
	Unsized bool

	// Pointers: whether the pointee is unsized (fat pointer).
	Fat bool
}

// IsZST reports whether the type occupies no bytes.
func (l *Layout) IsZST() bool { return !l.Unsized && l.Size == 0 }

// IsScalar reports whether l is a single scalar.
func (l *Layout) IsScalar() bool { return l.Abi == AbiScalar }

// IsPair reports whether l is a scalar pair.
func (l *Layout) IsPair() bool { return l.Abi == AbiScalarPair }

// FieldCount is the number of addressable fields.
func (l *Layout) FieldCount() int {
	switch {
	case l.Elem != nil && !l.Unsized:
		return int(l.Count)
	default:
		return len(l.FieldOffsets)
	}
}

// Oracle answers layout queries.
type Oracle interface {
	LayoutOf(ty ir.Ty) (*Layout, error)
}

// Target is the default Oracle. It is safe for concurrent use.
type Target struct {
	mu    sync.RWMutex
	cache map[string]*Layout
}

// NewTarget creates an empty layout cache.
func NewTarget() *Target {
	return &Target{cache: make(map[string]*Layout)}
}

// LayoutOf implements Oracle.
func (t *Target) LayoutOf(ty ir.Ty) (*Layout, error) {
	key := ty.String()
	t.mu.RLock()
	l, ok := t.cache[key]
	t.mu.RUnlock()
	if ok {
		return l, nil
	}

	l, err := t.compute(ty)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.cache[key] = l
	t.mu.Unlock()
	return l, nil
}

func (t *Target) compute(ty ir.Ty) (*Layout, error) {
	if !ty.IsConcrete() {
		return nil, fmt.Errorf("%w: %s", ErrNotConcrete, ty)
	}

	switch ty.Kind {
	case ir.TyUnit:
		return &Layout{Ty: ty, Size: 0, Align: 1, Abi: AbiAggregate}, nil

	case ir.TyBool:
		return scalar(ty, 1, PrimBool, false), nil

	case ir.TyChar:
		return scalar(ty, 4, PrimChar, false), nil

	case ir.TyInt, ir.TyUint:
		if ty.Bits == 0 || ty.Bits > MaxIntBits || ty.Bits%8 != 0 || ty.Bits&(ty.Bits-1) != 0 {
			return nil, fmt.Errorf("%w: integer width %d", ErrUnsupported, ty.Bits)
		}
		return scalar(ty, uint64(ty.Bits/8), PrimInt, ty.Kind == ir.TyInt), nil

	case ir.TyFloat:
		if ty.Bits != 32 && ty.Bits != 64 {
			return nil, fmt.Errorf("%w: float width %d", ErrUnsupported, ty.Bits)
		}
		return scalar(ty, uint64(ty.Bits/8), PrimFloat, true), nil

	case ir.TyFnPtr:
		return scalar(ty, PointerSize, PrimPointer, false), nil

	case ir.TyPtr:
		pointee, _ := ty.Pointee()
		if pointee.Kind == ir.TySlice {
			l := &Layout{
				Ty:           ty,
				Size:         2 * PointerSize,
				Align:        PointerSize,
				Abi:          AbiScalarPair,
				Fat:          true,
				FieldOffsets: []uint64{0, PointerSize},
				FieldTys:     []ir.Ty{ir.Ptr(*pointee.Elem, ty.Mutable), ir.Usize},
			}
			return l, nil
		}
		return scalar(ty, PointerSize, PrimPointer, false), nil

	case ir.TyArray, ir.TySlice:
		elem, err := t.LayoutOf(*ty.Elem)
		if err != nil {
			return nil, err
		}
		stride := alignTo(elem.Size, elem.Align)
		l := &Layout{
			Ty:     ty,
			Align:  elem.Align,
			Abi:    AbiAggregate,
			Elem:   elem,
			Stride: stride,
		}
		if ty.Kind == ir.TySlice {
			l.Unsized = true
			return l, nil
		}
		if ty.Len != 0 && stride > ^uint64(0)/ty.Len {
			return nil, fmt.Errorf("%w: array %s too large", ErrUnsupported, ty)
		}
		l.Count = ty.Len
		l.Size = stride * ty.Len
		return l, nil

	case ir.TyTuple, ir.TyStruct:
		l := &Layout{Ty: ty, Align: 1, Abi: AbiAggregate}
		var offset uint64
		for _, f := range ty.Fields {
			fl, err := t.LayoutOf(f)
			if err != nil {
				return nil, err
			}
			if fl.Unsized {
				return nil, fmt.Errorf("%w: unsized field in %s", ErrUnsupported, ty)
			}
			start := alignTo(offset, fl.Align)
			if start < offset || fl.Size > ^uint64(0)-start {
				return nil, fmt.Errorf("%w: %s too large", ErrUnsupported, ty)
			}
			l.FieldOffsets = append(l.FieldOffsets, start)
			l.FieldTys = append(l.FieldTys, f)
			offset = start + fl.Size
			if fl.Align > l.Align {
				l.Align = fl.Align
			}
		}
		if l.Size = alignTo(offset, l.Align); l.Size < offset {
			return nil, fmt.Errorf("%w: %s too large", ErrUnsupported, ty)
		}
		return l, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupported, ty)
}

func scalar(ty ir.Ty, size uint64, prim Primitive, signed bool) *Layout {
	return &Layout{
		Ty:     ty,
		Size:   size,
		Align:  size,
		Abi:    AbiScalar,
		Prim:   prim,
		Signed: signed,
		Bits:   uint(size * 8),
	}
}

func alignTo(n, align uint64) uint64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}
