package interp

import (
	"encoding/hex"
	"fmt"
	"maps"
	"math/big"
	"slices"
	"strings"

	"github.com/holiman/uint256"

	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/fortiblox/mirvm/pkg/layout"
)

// ConstAlloc is an immutable allocation that outlives the session that
// produced it. ConstAllocs form a graph through their relocations and are
// shared by reference between sessions.
type ConstAlloc struct {
	Bytes  []byte
	Mask   *InitMask
	Relocs map[uint64]*ConstAlloc
	Align  uint64
	Fn     ir.FnRef // set for function handles
}

// ConstScalar is an allocation-free scalar: plain bits or a pointer into a
// ConstAlloc.
type ConstScalar struct {
	Bits   uint256.Int
	Ptr    *ConstAlloc
	Offset uint64
	Undef  bool
}

// IsPtr reports whether the scalar is a pointer.
func (s ConstScalar) IsPtr() bool { return s.Ptr != nil }

// ConstValueKind says how a constant is represented.
type ConstValueKind uint8

const (
	ConstZST ConstValueKind = iota
	ConstScalarValue
	ConstPair
	ConstIndirect
)

// ConstValue is the result of constant evaluation. Scalars and pairs carry no
// allocation; anything else refers to an interned ConstAlloc.
type ConstValue struct {
	Ty     ir.Ty
	Kind   ConstValueKind
	A, B   ConstScalar
	Alloc  *ConstAlloc
	Offset uint64
}

// Uint64 returns a scalar constant's bits.
func (c *ConstValue) Uint64() (uint64, error) {
	if c.Kind != ConstScalarValue || c.A.IsPtr() || c.A.Undef {
		return 0, fmt.Errorf("constant %s is not an integer", c)
	}
	if !c.A.Bits.IsUint64() {
		return 0, fmt.Errorf("constant %s does not fit in 64 bits", c)
	}
	return c.A.Bits.Uint64(), nil
}

// Int64 returns an integer constant as an int64.
func (c *ConstValue) Int64() (int64, error) {
	if c.Kind != ConstScalarValue || c.A.IsPtr() || c.A.Undef {
		return 0, fmt.Errorf("constant %s is not an integer", c)
	}
	v := c.Big()
	if !v.IsInt64() {
		return 0, fmt.Errorf("constant %s does not fit in 64 bits", c)
	}
	return v.Int64(), nil
}

// Big returns a scalar integer constant honoring its signedness.
func (c *ConstValue) Big() *big.Int {
	bits := &c.A.Bits
	if c.Ty.IsSigned() {
		w := c.Ty.Bits
		ext := signed256(bits, w)
		if ext.Sign() < 0 {
			neg := new(uint256.Int).Neg(ext)
			return new(big.Int).Neg(neg.ToBig())
		}
		return ext.ToBig()
	}
	return bits.ToBig()
}

// Bytes returns the raw bytes of an indirect constant of the given size.
func (c *ConstValue) Bytes(size uint64) ([]byte, error) {
	if c.Kind != ConstIndirect {
		return nil, fmt.Errorf("constant %s is not in memory", c)
	}
	end := c.Offset + size
	if end > uint64(len(c.Alloc.Bytes)) {
		return nil, fmt.Errorf("constant %s shorter than %d bytes", c, size)
	}
	return c.Alloc.Bytes[c.Offset:end], nil
}

func (c *ConstValue) String() string {
	switch c.Kind {
	case ConstZST:
		return c.Ty.String() + "{}"
	case ConstScalarValue:
		return c.scalarString(c.A, c.Ty)
	case ConstPair:
		return fmt.Sprintf("(%s, %s)", c.scalarString(c.A, ir.Ty{}), c.scalarString(c.B, ir.Usize))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s@", c.Ty)
	b.WriteString(hex.EncodeToString(c.Alloc.Bytes))
	if len(c.Alloc.Relocs) > 0 {
		fmt.Fprintf(&b, "+%drelocs", len(c.Alloc.Relocs))
	}
	return b.String()
}

func (c *ConstValue) scalarString(s ConstScalar, ty ir.Ty) string {
	switch {
	case s.Undef:
		return "undef"
	case s.Ptr != nil && s.Ptr.Fn != "":
		return "fn " + string(s.Ptr.Fn)
	case s.Ptr != nil:
		return fmt.Sprintf("&const+%#x", s.Offset)
	}
	switch ty.Kind {
	case ir.TyBool:
		return fmt.Sprint(!s.Bits.IsZero())
	case ir.TyInt:
		return (&ConstValue{Ty: ty, Kind: ConstScalarValue, A: s}).Big().String()
	case ir.TyUint:
		return s.Bits.ToBig().String()
	case ir.TyChar:
		return fmt.Sprintf("%q", rune(s.Bits.Uint64()))
	case ir.TyFloat:
		if ty.Bits == 32 {
			f, _ := ScalarFromBits(&s.Bits).F32()
			return fmt.Sprint(f)
		}
		f, _ := ScalarFromBits(&s.Bits).F64()
		return fmt.Sprint(f)
	}
	return s.Bits.Hex()
}

// ImportConst makes ca and everything it points to available in this
// memory as read-only static allocations. Bytes are shared, not copied.
func (m *Memory) ImportConst(ca *ConstAlloc) AllocID {
	if m.imported == nil {
		m.imported = make(map[*ConstAlloc]AllocID)
		m.origin = make(map[AllocID]*ConstAlloc)
	}
	if id, ok := m.imported[ca]; ok && m.IsLive(id) {
		return id
	}
	if ca.Fn != "" {
		id := m.CreateFnAlloc(ca.Fn).Alloc
		m.imported[ca] = id
		m.origin[id] = ca
		return id
	}
	a := &Allocation{
		Bytes:  ca.Bytes,
		Mask:   ca.Mask,
		Relocs: make(map[uint64]AllocID, len(ca.Relocs)),
		Align:  ca.Align,
		Kind:   MemStatic,
	}
	id := m.adopt(a)
	m.imported[ca] = id
	m.origin[id] = ca
	// Targets are imported in offset order so they get the same addresses
	// in every session.
	for _, off := range slices.Sorted(maps.Keys(ca.Relocs)) {
		a.Relocs[off] = m.ImportConst(ca.Relocs[off])
	}
	return id
}

// ExportAlloc turns id and everything reachable from it into ConstAllocs.
// Allocations that were imported export to their original ConstAlloc.
func (m *Memory) ExportAlloc(id AllocID) (*ConstAlloc, error) {
	return m.export(id, make(map[AllocID]*ConstAlloc))
}

func (m *Memory) export(id AllocID, seen map[AllocID]*ConstAlloc) (*ConstAlloc, error) {
	if ca, ok := seen[id]; ok {
		return ca, nil
	}
	if ca, ok := m.origin[id]; ok {
		return ca, nil
	}
	a, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if fn, ok := m.fns[id]; ok {
		ca := &ConstAlloc{Fn: fn, Align: 1, Mask: NewInitMask(0)}
		seen[id] = ca
		return ca, nil
	}
	ca := &ConstAlloc{
		Bytes:  append([]byte(nil), a.Bytes...),
		Mask:   a.Mask.Slice(0, a.Size()),
		Relocs: make(map[uint64]*ConstAlloc, len(a.Relocs)),
		Align:  a.Align,
	}
	seen[id] = ca
	for off, target := range a.Relocs {
		t, err := m.export(target, seen)
		if err != nil {
			return nil, err
		}
		ca.Relocs[off] = t
	}
	return ca, nil
}

// exportScalar converts a session scalar into a ConstScalar.
func (m *Memory) exportScalar(s Scalar) (ConstScalar, error) {
	switch {
	case s.IsUndef():
		return ConstScalar{Undef: true}, nil
	case s.IsPtr():
		ca, err := m.ExportAlloc(s.ptr.Alloc)
		if err != nil {
			return ConstScalar{}, err
		}
		return ConstScalar{Ptr: ca, Offset: s.ptr.Offset}, nil
	}
	var cs ConstScalar
	cs.Bits.Set(&s.bits)
	return cs, nil
}

// importScalar is the inverse of exportScalar.
func (m *Memory) importScalar(cs ConstScalar) Scalar {
	switch {
	case cs.Undef:
		return ScalarUndef()
	case cs.Ptr != nil:
		return ScalarFromPtr(Pointer{Alloc: m.ImportConst(cs.Ptr), Offset: cs.Offset})
	}
	return ScalarFromBits(&cs.Bits)
}

// ExportValue extracts tv into an allocation-free ConstValue when it is a
// scalar, a pair or zero-sized, and into an interned ConstAlloc otherwise.
func (m *Memory) ExportValue(tv TypedValue) (*ConstValue, error) {
	l := tv.Layout
	cv := &ConstValue{Ty: l.Ty}
	if l.IsZST() {
		cv.Kind = ConstZST
		return cv, nil
	}
	switch tv.Kind {
	case ValByVal:
		a, err := m.exportScalar(tv.A)
		if err != nil {
			return nil, err
		}
		cv.Kind, cv.A = ConstScalarValue, a
		return cv, nil
	case ValByValPair:
		a, err := m.exportScalar(tv.A)
		if err != nil {
			return nil, err
		}
		b, err := m.exportScalar(tv.B)
		if err != nil {
			return nil, err
		}
		cv.Kind, cv.A, cv.B = ConstPair, a, b
		return cv, nil
	}

	switch {
	case l.IsScalar():
		s, err := m.ReadScalar(tv.Ptr, l.Size, l.Align)
		if err != nil {
			return nil, err
		}
		return m.ExportValue(TypedValue{Value: ByVal(s), Layout: l})
	case l.IsPair():
		a, b, err := m.readPair(tv.Ptr, l)
		if err != nil {
			return nil, err
		}
		return m.ExportValue(TypedValue{Value: ByValPair(a, b), Layout: l})
	}

	// Copy the value into a fresh allocation so the exported graph holds
	// exactly the value's bytes.
	id, err := m.Allocate(l.Size, l.Align, MemStatic)
	if err != nil {
		return nil, err
	}
	m.allocs[id].Mutable = true
	if err := m.Copy(tv.Ptr, Pointer{Alloc: id}, l.Size, 1, 1, true); err != nil {
		return nil, err
	}
	m.allocs[id].Mutable = false
	ca, err := m.ExportAlloc(id)
	if err != nil {
		return nil, err
	}
	m.release(id)
	cv.Kind, cv.Alloc = ConstIndirect, ca
	return cv, nil
}

// ImportValue materializes a ConstValue in this memory.
func (m *Memory) ImportValue(cv *ConstValue, l *layout.Layout) TypedValue {
	switch cv.Kind {
	case ConstScalarValue:
		return TypedValue{Value: ByVal(m.importScalar(cv.A)), Layout: l}
	case ConstPair:
		return TypedValue{Value: ByValPair(m.importScalar(cv.A), m.importScalar(cv.B)), Layout: l}
	case ConstIndirect:
		id := m.ImportConst(cv.Alloc)
		return TypedValue{Value: ByRef(Pointer{Alloc: id, Offset: cv.Offset}, cv.Alloc.Align), Layout: l}
	}
	return TypedValue{Value: undefValue(l), Layout: l}
}

// readPair reads a scalar pair laid out as l.
func (m *Memory) readPair(ptr Pointer, l *layout.Layout) (Scalar, Scalar, error) {
	a, err := m.ReadScalar(ptr.Add(l.FieldOffsets[0]), layout.PointerSize, 1)
	if err != nil {
		return Scalar{}, Scalar{}, err
	}
	b, err := m.ReadScalar(ptr.Add(l.FieldOffsets[1]), layout.PointerSize, 1)
	if err != nil {
		return Scalar{}, Scalar{}, err
	}
	return a, b, nil
}
