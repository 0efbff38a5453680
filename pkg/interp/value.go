package interp

import (
	"fmt"

	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/fortiblox/mirvm/pkg/layout"
)

// ValueKind says how a value is held.
type ValueKind uint8

const (
	ValByVal     ValueKind = iota // one immediate scalar
	ValByValPair                  // two immediate scalars
	ValByRef                      // bytes in memory
)

// Value is an immediate scalar, an immediate pair or a reference to bytes in
// an allocation.
type Value struct {
	Kind  ValueKind
	A, B  Scalar
	Ptr   Pointer
	Align uint64
}

// ByVal wraps one scalar.
func ByVal(s Scalar) Value { return Value{Kind: ValByVal, A: s} }

// ByValPair wraps two scalars.
func ByValPair(a, b Scalar) Value { return Value{Kind: ValByValPair, A: a, B: b} }

// ByRef refers to memory.
func ByRef(ptr Pointer, align uint64) Value { return Value{Kind: ValByRef, Ptr: ptr, Align: align} }

func (v Value) String() string {
	switch v.Kind {
	case ValByVal:
		return v.A.String()
	case ValByValPair:
		return fmt.Sprintf("(%s, %s)", v.A, v.B)
	}
	return fmt.Sprintf("ref %s", v.Ptr)
}

// TypedValue is a value with the layout needed to interpret it.
type TypedValue struct {
	Value
	Layout *layout.Layout
}

// Ty is the value's type.
func (tv TypedValue) Ty() ir.Ty { return tv.Layout.Ty }

// Place is a write target: memory at a pointer, or an immediate local of a
// frame on the stack. Frames are named by stack index.
type Place struct {
	Ptr      Pointer
	Align    uint64
	Extra    uint64 // element count of an unsized place
	HasExtra bool

	isLocal bool
	Frame   int
	Local   ir.Local
}

// MemPlace is a place in memory.
func MemPlace(ptr Pointer, align uint64) Place {
	return Place{Ptr: ptr, Align: align}
}

// LocalPlace names an immediate local.
func LocalPlace(frame int, local ir.Local) Place {
	return Place{isLocal: true, Frame: frame, Local: local}
}

// IsLocal reports whether the place is an immediate local.
func (p Place) IsLocal() bool { return p.isLocal }

func (p Place) String() string {
	if p.isLocal {
		return fmt.Sprintf("frame%d._%d", p.Frame, p.Local)
	}
	if p.HasExtra {
		return fmt.Sprintf("%s[..%d]", p.Ptr, p.Extra)
	}
	return p.Ptr.String()
}

// PlaceTy is a place with its layout.
type PlaceTy struct {
	Place
	Layout *layout.Layout
}

// LocalSlot holds one local of a frame.
type LocalSlot struct {
	Layout *layout.Layout
	Live   bool

	// Memory-backed locals.
	InMemory bool
	Alloc    AllocID

	// Immediate locals.
	Value Value
}

func undefValue(l *layout.Layout) Value {
	if l.IsPair() {
		return ByValPair(ScalarUndef(), ScalarUndef())
	}
	return ByVal(ScalarUndef())
}
