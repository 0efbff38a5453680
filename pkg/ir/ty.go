package ir

import (
	"fmt"
	"strings"
)

// TyKind classifies a type.
type TyKind uint8

const (
	TyUnit TyKind = iota
	TyBool
	TyChar
	TyInt   // signed integer, Bits wide
	TyUint  // unsigned integer, Bits wide
	TyFloat // IEEE float, Bits = 32 or 64
	TyPtr   // pointer to Elem
	TyArray // [Elem; Len]
	TySlice // [Elem], unsized
	TyTuple
	TyStruct
	TyFnPtr
	TyParam // unsubstituted generic parameter
)

var tyKindNames = [...]string{
	TyUnit:   "unit",
	TyBool:   "bool",
	TyChar:   "char",
	TyInt:    "int",
	TyUint:   "uint",
	TyFloat:  "float",
	TyPtr:    "ptr",
	TyArray:  "array",
	TySlice:  "slice",
	TyTuple:  "tuple",
	TyStruct: "struct",
	TyFnPtr:  "fn",
	TyParam:  "param",
}

func (k TyKind) String() string {
	if int(k) < len(tyKindNames) {
		return tyKindNames[k]
	}
	return fmt.Sprintf("TyKind(%d)", k)
}

// Ty is a fully described IR type. Struct and tuple field types are listed
// in declaration order.
type Ty struct {
	Kind    TyKind `json:"kind"`
	Bits    uint   `json:"bits,omitempty"`
	Mutable bool   `json:"mutable,omitempty"`
	Elem    *Ty    `json:"elem,omitempty"`
	Len     uint64 `json:"len,omitempty"`
	Name    string `json:"name,omitempty"`
	Fields  []Ty   `json:"fields,omitempty"`
}

// Common types.
var (
	Unit  = Ty{Kind: TyUnit}
	Bool  = Ty{Kind: TyBool}
	Char  = Ty{Kind: TyChar}
	I8    = Int(8)
	I16   = Int(16)
	I32   = Int(32)
	I64   = Int(64)
	I128  = Int(128)
	U8    = Uint(8)
	U16   = Uint(16)
	U32   = Uint(32)
	U64   = Uint(64)
	U128  = Uint(128)
	Isize = Int(64)
	Usize = Uint(64)
	F32   = Ty{Kind: TyFloat, Bits: 32}
	F64   = Ty{Kind: TyFloat, Bits: 64}
	FnPtr = Ty{Kind: TyFnPtr}
)

// Int returns a signed integer type of the given width.
func Int(bits uint) Ty { return Ty{Kind: TyInt, Bits: bits} }

// Uint returns an unsigned integer type of the given width.
func Uint(bits uint) Ty { return Ty{Kind: TyUint, Bits: bits} }

// Ptr returns a pointer to elem.
func Ptr(elem Ty, mutable bool) Ty {
	return Ty{Kind: TyPtr, Elem: &elem, Mutable: mutable}
}

// Array returns [elem; n].
func Array(elem Ty, n uint64) Ty {
	return Ty{Kind: TyArray, Elem: &elem, Len: n}
}

// Slice returns the unsized [elem].
func Slice(elem Ty) Ty {
	return Ty{Kind: TySlice, Elem: &elem}
}

// Tuple returns a tuple of the given fields.
func Tuple(fields ...Ty) Ty {
	return Ty{Kind: TyTuple, Fields: fields}
}

// Struct returns a named struct with the given fields.
func Struct(name string, fields ...Ty) Ty {
	return Ty{Kind: TyStruct, Name: name, Fields: fields}
}

// Param returns a generic placeholder.
func Param(name string) Ty {
	return Ty{Kind: TyParam, Name: name}
}

// IsInteger reports whether t is a signed or unsigned integer.
func (t Ty) IsInteger() bool { return t.Kind == TyInt || t.Kind == TyUint }

// IsSigned reports whether t is a signed integer.
func (t Ty) IsSigned() bool { return t.Kind == TyInt }

// IsUnit reports whether t is the empty tuple.
func (t Ty) IsUnit() bool {
	return t.Kind == TyUnit || (t.Kind == TyTuple && len(t.Fields) == 0)
}

// IsConcrete reports whether t mentions no generic parameter.
func (t Ty) IsConcrete() bool {
	switch t.Kind {
	case TyParam:
		return false
	case TyPtr, TyArray, TySlice:
		return t.Elem != nil && t.Elem.IsConcrete()
	case TyTuple, TyStruct:
		for _, f := range t.Fields {
			if !f.IsConcrete() {
				return false
			}
		}
	}
	return true
}

// Pointee returns the element type of a pointer.
func (t Ty) Pointee() (Ty, bool) {
	if t.Kind != TyPtr || t.Elem == nil {
		return Ty{}, false
	}
	return *t.Elem, true
}

// Equal reports structural equality.
func (t Ty) Equal(o Ty) bool { return t.String() == o.String() }

// String returns the canonical spelling used for impl tables and type ids.
func (t Ty) String() string {
	var b strings.Builder
	t.write(&b)
	return b.String()
}

func (t Ty) write(b *strings.Builder) {
	switch t.Kind {
	case TyUnit:
		b.WriteString("()")
	case TyBool:
		b.WriteString("bool")
	case TyChar:
		b.WriteString("char")
	case TyInt:
		fmt.Fprintf(b, "i%d", t.Bits)
	case TyUint:
		fmt.Fprintf(b, "u%d", t.Bits)
	case TyFloat:
		fmt.Fprintf(b, "f%d", t.Bits)
	case TyPtr:
		if t.Mutable {
			b.WriteString("*mut ")
		} else {
			b.WriteString("*const ")
		}
		t.elem().write(b)
	case TyArray:
		b.WriteByte('[')
		t.elem().write(b)
		fmt.Fprintf(b, "; %d]", t.Len)
	case TySlice:
		b.WriteByte('[')
		t.elem().write(b)
		b.WriteByte(']')
	case TyTuple:
		b.WriteByte('(')
		for i, f := range t.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			f.write(b)
		}
		if len(t.Fields) == 1 {
			b.WriteByte(',')
		}
		b.WriteByte(')')
	case TyStruct:
		b.WriteString(t.Name)
	case TyFnPtr:
		b.WriteString("fn()")
	case TyParam:
		b.WriteString(t.Name)
	default:
		fmt.Fprintf(b, "<%s>", t.Kind)
	}
}

func (t Ty) elem() Ty {
	if t.Elem == nil {
		return Unit
	}
	return *t.Elem
}
