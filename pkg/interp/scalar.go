package interp

import (
	"fmt"
	"math"

	"github.com/holiman/uint256"
)

// ScalarBits is the width of the interpreter's canonical integer.
const ScalarBits = 128

// Truncate drops every bit of v above the low bits. Shifting left discards
// the high bits, shifting back fills with zeroes. The result is at most 128
// bits wide.
func Truncate(v *uint256.Int, bits uint) *uint256.Int {
	if bits == 0 {
		return new(uint256.Int)
	}
	if bits > ScalarBits {
		bits = ScalarBits
	}
	shift := 256 - bits
	z := new(uint256.Int).Lsh(v, shift)
	return z.Rsh(z, shift)
}

// SignExtend treats the low bits of v as a two's complement number and fills
// the bits above it, up to 128, with its sign bit.
func SignExtend(v *uint256.Int, bits uint) *uint256.Int {
	return Truncate(signed256(v, bits), ScalarBits)
}

// signed256 sign-extends the low bits of v over the full 256-bit word, which
// is the domain signed arithmetic runs in.
func signed256(v *uint256.Int, bits uint) *uint256.Int {
	if bits == 0 {
		return new(uint256.Int)
	}
	if bits > ScalarBits {
		bits = ScalarBits
	}
	shift := 256 - bits
	z := new(uint256.Int).Lsh(v, shift)
	return z.SRsh(z, shift)
}

// ReadTargetUint decodes a little-endian unsigned integer of up to 16 bytes.
func ReadTargetUint(b []byte) *uint256.Int {
	var be [32]byte
	for i, c := range b {
		be[31-i] = c
	}
	return new(uint256.Int).SetBytes32(be[:])
}

// WriteTargetUint encodes the low len(b) bytes of v little-endian into b.
func WriteTargetUint(b []byte, v *uint256.Int) {
	be := v.Bytes32()
	for i := range b {
		b[i] = be[31-i]
	}
}

type scalarKind uint8

const (
	scalarBits scalarKind = iota
	scalarPtr
	scalarUndef
)

// Scalar is a primitive value: raw bits, a pointer with provenance, or
// undefined. Bits are kept truncated to the width they were produced at.
type Scalar struct {
	kind scalarKind
	bits uint256.Int
	ptr  Pointer
}

// ScalarUndef is an uninitialized scalar.
func ScalarUndef() Scalar { return Scalar{kind: scalarUndef} }

// ScalarFromBits wraps raw bits.
func ScalarFromBits(v *uint256.Int) Scalar {
	s := Scalar{kind: scalarBits}
	s.bits.Set(v)
	return s
}

// ScalarFromUint wraps a 64-bit unsigned value.
func ScalarFromUint(v uint64) Scalar {
	s := Scalar{kind: scalarBits}
	s.bits.SetUint64(v)
	return s
}

// ScalarFromInt wraps a signed value truncated to bits.
func ScalarFromInt(v int64, bits uint) Scalar {
	x := new(uint256.Int).SetUint64(uint64(v))
	if v < 0 {
		x = signed256(x, 64)
	}
	return ScalarFromBits(Truncate(x, bits))
}

// ScalarFromBool wraps a bool as 0 or 1.
func ScalarFromBool(b bool) Scalar {
	if b {
		return ScalarFromUint(1)
	}
	return ScalarFromUint(0)
}

// ScalarFromF32 wraps the bits of a float32.
func ScalarFromF32(f float32) Scalar { return ScalarFromUint(uint64(math.Float32bits(f))) }

// ScalarFromF64 wraps the bits of a float64.
func ScalarFromF64(f float64) Scalar { return ScalarFromUint(math.Float64bits(f)) }

// ScalarFromPtr wraps a pointer.
func ScalarFromPtr(p Pointer) Scalar { return Scalar{kind: scalarPtr, ptr: p} }

// IsUndef reports whether the scalar is uninitialized.
func (s Scalar) IsUndef() bool { return s.kind == scalarUndef }

// IsPtr reports whether the scalar carries provenance.
func (s Scalar) IsPtr() bool { return s.kind == scalarPtr }

// Bits returns the raw integer bits.
func (s Scalar) Bits() (*uint256.Int, error) {
	switch s.kind {
	case scalarUndef:
		return nil, Errorf(KindInvalidUninit, "use of uninitialized scalar")
	case scalarPtr:
		return nil, Errorf(KindInvalidPointer, "pointer %s used as plain integer", s.ptr)
	}
	return new(uint256.Int).Set(&s.bits), nil
}

// Uint64 returns the bits as a uint64, failing if they do not fit.
func (s Scalar) Uint64() (uint64, error) {
	b, err := s.Bits()
	if err != nil {
		return 0, err
	}
	if !b.IsUint64() {
		return 0, Errorf(KindOverflow, "value %s does not fit in 64 bits", b.Hex())
	}
	return b.Uint64(), nil
}

// Bool decodes a bool, rejecting anything but 0 and 1.
func (s Scalar) Bool() (bool, error) {
	b, err := s.Bits()
	if err != nil {
		return false, err
	}
	switch {
	case b.IsZero():
		return false, nil
	case b.IsUint64() && b.Uint64() == 1:
		return true, nil
	}
	return false, Errorf(KindInvalidValue, "invalid bool %s", b.Hex())
}

// F32 decodes a float32.
func (s Scalar) F32() (float32, error) {
	b, err := s.Bits()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(uint32(b.Uint64())), nil
}

// F64 decodes a float64.
func (s Scalar) F64() (float64, error) {
	b, err := s.Bits()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(b.Uint64()), nil
}

// Ptr returns the pointer. Integers never convert implicitly: a zero is a
// null pointer and anything else has no provenance.
func (s Scalar) Ptr() (Pointer, error) {
	switch s.kind {
	case scalarPtr:
		return s.ptr, nil
	case scalarUndef:
		return Pointer{}, Errorf(KindInvalidUninit, "use of uninitialized pointer")
	}
	if s.bits.IsZero() {
		return Pointer{}, Errorf(KindInvalidPointer, "null pointer dereference")
	}
	return Pointer{}, Errorf(KindInvalidPointer, "dangling pointer: address %s has no provenance", s.bits.Hex())
}

// Equal compares two scalars structurally.
func (s Scalar) Equal(o Scalar) bool {
	if s.kind != o.kind {
		return false
	}
	switch s.kind {
	case scalarPtr:
		return s.ptr.Alloc == o.ptr.Alloc && s.ptr.Offset == o.ptr.Offset
	case scalarBits:
		return s.bits.Eq(&o.bits)
	}
	return true
}

func (s Scalar) String() string {
	switch s.kind {
	case scalarUndef:
		return "undef"
	case scalarPtr:
		return s.ptr.String()
	}
	return s.bits.Hex()
}

// AllocID identifies an allocation within one memory.
type AllocID uint64

// Pointer addresses a byte in an allocation. Stride, when set, is the element
// size of the array the pointer was derived from.
type Pointer struct {
	Alloc  AllocID
	Offset uint64
	Stride uint64
}

// Add moves the pointer by n bytes, wrapping.
func (p Pointer) Add(n uint64) Pointer {
	return Pointer{Alloc: p.Alloc, Offset: p.Offset + n}
}

// WithStride tags the pointer with an element stride.
func (p Pointer) WithStride(stride uint64) Pointer {
	p.Stride = stride
	return p
}

func (p Pointer) String() string {
	return fmt.Sprintf("alloc%d+%#x", p.Alloc, p.Offset)
}
