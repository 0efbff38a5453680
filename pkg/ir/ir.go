// Package ir defines the typed, block-structured intermediate representation
// executed by the interpreter.
//
// A Body is a list of basic blocks over numbered locals. Local 0 is the return
// slot and locals 1..ArgCount hold the incoming arguments. Block 0 is the
// entry block. Every block ends in exactly one Terminator.
package ir

import "fmt"

// Local indexes a body's local declarations.
type Local uint32

// ReturnLocal is the slot holding a body's result.
const ReturnLocal Local = 0

// BlockID indexes a body's blocks.
type BlockID uint32

// FnRef names a function in the program.
type FnRef string

// LocalDecl declares one local.
type LocalDecl struct {
	Name string `json:"name,omitempty"`
	Ty   Ty     `json:"ty"`
}

// Body is the IR of one function or constant initializer.
type Body struct {
	Name     string      `json:"name"`
	Locals   []LocalDecl `json:"locals"`
	ArgCount int         `json:"arg_count,omitempty"`
	Blocks   []Block     `json:"blocks"`
}

// ReturnTy is the type of local 0.
func (b *Body) ReturnTy() Ty {
	if len(b.Locals) == 0 {
		return Unit
	}
	return b.Locals[ReturnLocal].Ty
}

// Validate checks the structural invariants the interpreter relies on.
func (b *Body) Validate() error {
	if len(b.Locals) == 0 {
		return fmt.Errorf("body %s: missing return local", b.Name)
	}
	if b.ArgCount < 0 || b.ArgCount >= len(b.Locals) {
		return fmt.Errorf("body %s: arg count %d out of range", b.Name, b.ArgCount)
	}
	if len(b.Blocks) == 0 {
		return fmt.Errorf("body %s: no blocks", b.Name)
	}
	for i := range b.Blocks {
		for _, target := range b.Blocks[i].Terminator.Successors() {
			if int(target) >= len(b.Blocks) {
				return fmt.Errorf("body %s: block %d jumps to missing block %d", b.Name, i, target)
			}
		}
	}
	return nil
}

// Block is a basic block.
type Block struct {
	Statements []Statement `json:"statements,omitempty"`
	Terminator Terminator  `json:"terminator"`
}

// StatementKind classifies a statement.
type StatementKind uint8

const (
	StmtNop StatementKind = iota
	StmtAssign
	StmtStorageLive
	StmtStorageDead
)

// Statement is a non-branching instruction.
type Statement struct {
	Kind   StatementKind `json:"kind"`
	Place  PlaceExpr     `json:"place,omitempty"`
	Rvalue Rvalue        `json:"rvalue,omitempty"`
	Local  Local         `json:"local,omitempty"`
}

// ProjectionKind classifies a place projection.
type ProjectionKind uint8

const (
	ProjField ProjectionKind = iota
	ProjIndex
	ProjConstantIndex
	ProjDeref
)

// Projection is one step of a place expression.
type Projection struct {
	Kind    ProjectionKind `json:"kind"`
	Field   int            `json:"field,omitempty"`
	Index   Local          `json:"index,omitempty"`
	Offset  uint64         `json:"offset,omitempty"`
	FromEnd bool           `json:"from_end,omitempty"`
}

// PlaceExpr is an lvalue: a local followed by projections.
type PlaceExpr struct {
	Local      Local        `json:"local"`
	Projection []Projection `json:"projection,omitempty"`
}

// Field projects field i.
func (p PlaceExpr) Field(i int) PlaceExpr {
	return p.project(Projection{Kind: ProjField, Field: i})
}

// Index projects the element selected by the usize local idx.
func (p PlaceExpr) Index(idx Local) PlaceExpr {
	return p.project(Projection{Kind: ProjIndex, Index: idx})
}

// ConstIndex projects a fixed element.
func (p PlaceExpr) ConstIndex(offset uint64, fromEnd bool) PlaceExpr {
	return p.project(Projection{Kind: ProjConstantIndex, Offset: offset, FromEnd: fromEnd})
}

// Deref dereferences the pointer stored in p.
func (p PlaceExpr) Deref() PlaceExpr {
	return p.project(Projection{Kind: ProjDeref})
}

func (p PlaceExpr) project(proj Projection) PlaceExpr {
	out := PlaceExpr{Local: p.Local, Projection: make([]Projection, len(p.Projection), len(p.Projection)+1)}
	copy(out.Projection, p.Projection)
	out.Projection = append(out.Projection, proj)
	return out
}

// OperandKind classifies an operand.
type OperandKind uint8

const (
	OpCopy OperandKind = iota
	OpMove
	OpConst
)

// Operand is an rvalue input.
type Operand struct {
	Kind  OperandKind `json:"kind"`
	Place PlaceExpr   `json:"place,omitempty"`
	Const *Constant   `json:"const,omitempty"`
}

// ConstKind classifies a constant operand.
type ConstKind uint8

const (
	ConstKindInt   ConstKind = iota // Lo/Hi hold the two's complement bits
	ConstKindBool                   // Lo is 0 or 1
	ConstKindFloat                  // Float
	ConstKindBytes                  // Bytes, for arrays of integers
	ConstFn                         // Fn, a function handle
	ConstStatic                     // Name, a pointer to a static item
	ConstItem                       // Name, the value of a named const item
	ConstUnit
)

// Constant is a literal operand.
type Constant struct {
	Kind  ConstKind `json:"kind"`
	Ty    Ty        `json:"ty"`
	Lo    uint64    `json:"lo,omitempty"`
	Hi    uint64    `json:"hi,omitempty"`
	Float float64   `json:"float,omitempty"`
	Bytes []byte    `json:"bytes,omitempty"`
	Fn    FnRef     `json:"fn,omitempty"`
	Name  string    `json:"name,omitempty"`
}

// RvalueKind classifies an rvalue.
type RvalueKind uint8

const (
	RvUse RvalueKind = iota
	RvRef
	RvBinaryOp
	RvCheckedBinaryOp
	RvUnaryOp
	RvCast
	RvAggregate
	RvLen
	RvRepeat
	RvNullaryOp
)

// BinOp is a binary operator.
type BinOp uint8

const (
	BinAdd BinOp = iota
	BinSub
	BinMul
	BinDiv
	BinRem
	BinBitXor
	BinBitAnd
	BinBitOr
	BinShl
	BinShr
	BinEq
	BinLt
	BinLe
	BinNe
	BinGe
	BinGt
	BinOffset
)

var binOpNames = [...]string{
	BinAdd: "add", BinSub: "sub", BinMul: "mul", BinDiv: "div", BinRem: "rem",
	BinBitXor: "bitxor", BinBitAnd: "bitand", BinBitOr: "bitor",
	BinShl: "shl", BinShr: "shr", BinEq: "eq", BinLt: "lt", BinLe: "le",
	BinNe: "ne", BinGe: "ge", BinGt: "gt", BinOffset: "offset",
}

func (op BinOp) String() string {
	if int(op) < len(binOpNames) {
		return binOpNames[op]
	}
	return fmt.Sprintf("BinOp(%d)", op)
}

// IsComparison reports whether op yields a bool.
func (op BinOp) IsComparison() bool {
	switch op {
	case BinEq, BinLt, BinLe, BinNe, BinGe, BinGt:
		return true
	}
	return false
}

// UnOp is a unary operator.
type UnOp uint8

const (
	UnNot UnOp = iota
	UnNeg
)

// CastKind classifies a cast.
type CastKind uint8

const (
	CastNumeric CastKind = iota // int, float, bool and char conversions
	CastPtrToInt
	CastIntToPtr
	CastPtrToPtr
	CastUnsize // *[T; N] -> *[T]
	CastTransmute
)

// AggregateKind classifies an aggregate constructor.
type AggregateKind uint8

const (
	AggArray AggregateKind = iota
	AggTuple
	AggStruct
)

// NullOp is a type-level query.
type NullOp uint8

const (
	NullSizeOf NullOp = iota
	NullAlignOf
)

// Rvalue computes the value stored by an assignment.
type Rvalue struct {
	Kind     RvalueKind    `json:"kind"`
	Operands []Operand     `json:"operands,omitempty"`
	Place    PlaceExpr     `json:"place,omitempty"`
	Mutable  bool          `json:"mutable,omitempty"`
	BinOp    BinOp         `json:"bin_op,omitempty"`
	UnOp     UnOp          `json:"un_op,omitempty"`
	Cast     CastKind      `json:"cast,omitempty"`
	Agg      AggregateKind `json:"agg,omitempty"`
	NullOp   NullOp        `json:"null_op,omitempty"`
	Count    uint64        `json:"count,omitempty"`
	Ty       Ty            `json:"ty,omitempty"`
}

// TerminatorKind classifies a terminator.
type TerminatorKind uint8

const (
	TermGoto TerminatorKind = iota
	TermSwitchInt
	TermCall
	TermReturn
	TermUnreachable
	TermAbort
	TermAssert
)

// AssertKind says what an Assert guards.
type AssertKind uint8

const (
	AssertMessage AssertKind = iota
	AssertBoundsCheck
	AssertOverflow
	AssertDivisionByZero
)

// Callee names the function a Call invokes. Exactly one form is used: a
// direct reference, a polymorphic (type, method) pair, or an operand holding
// a function pointer.
type Callee struct {
	Fn     FnRef    `json:"fn,omitempty"`
	Method string   `json:"method,omitempty"`
	SelfTy *Ty      `json:"self_ty,omitempty"`
	Ptr    *Operand `json:"ptr,omitempty"`
}

// SwitchValue is a 128-bit switch case given as two words. Only the bits
// that fit the discriminant's type take part in the comparison, so a
// negative case may be written sign-filled.
type SwitchValue struct {
	Hi uint64 `json:"hi,omitempty"`
	Lo uint64 `json:"lo,omitempty"`
}

// Terminator ends a block.
type Terminator struct {
	Kind TerminatorKind `json:"kind"`

	// Goto, Call, Assert
	Target    BlockID `json:"target,omitempty"`
	HasTarget bool    `json:"has_target,omitempty"`

	// SwitchInt
	Discr        *Operand      `json:"discr,omitempty"`
	Values       []SwitchValue `json:"values,omitempty"`
	Targets      []BlockID     `json:"targets,omitempty"`
	Otherwise    BlockID       `json:"otherwise,omitempty"`
	HasOtherwise bool          `json:"has_otherwise,omitempty"`

	// Call
	Callee   Callee    `json:"callee,omitempty"`
	TypeArgs []Ty      `json:"type_args,omitempty"`
	Args     []Operand `json:"args,omitempty"`
	Dest     PlaceExpr `json:"dest,omitempty"`

	// Assert
	Cond       *Operand   `json:"cond,omitempty"`
	Expected   bool       `json:"expected,omitempty"`
	AssertKind AssertKind `json:"assert_kind,omitempty"`
	Msg        string     `json:"msg,omitempty"`
	Len        *Operand   `json:"len,omitempty"`
	Index      *Operand   `json:"index,omitempty"`
	Op         BinOp      `json:"op,omitempty"`
}

// Successors lists the blocks control may transfer to.
func (t Terminator) Successors() []BlockID {
	switch t.Kind {
	case TermGoto:
		return []BlockID{t.Target}
	case TermSwitchInt:
		out := append([]BlockID(nil), t.Targets...)
		if t.HasOtherwise {
			out = append(out, t.Otherwise)
		}
		return out
	case TermCall:
		if t.HasTarget {
			return []BlockID{t.Target}
		}
	case TermAssert:
		return []BlockID{t.Target}
	}
	return nil
}
