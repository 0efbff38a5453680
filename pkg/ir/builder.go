package ir

// Builder assembles a Body incrementally. Blocks can be reserved before their
// contents are known so that forward jumps can be written naturally.
type Builder struct {
	body *Body
}

// NewBuilder starts a body returning ret and taking args as locals 1..n.
func NewBuilder(name string, ret Ty, args ...Ty) *Builder {
	b := &Builder{body: &Body{Name: name, ArgCount: len(args)}}
	b.body.Locals = append(b.body.Locals, LocalDecl{Name: "_0", Ty: ret})
	for _, a := range args {
		b.body.Locals = append(b.body.Locals, LocalDecl{Ty: a})
	}
	return b
}

// Arg returns the local holding argument i (0-based).
func (b *Builder) Arg(i int) Local { return Local(i + 1) }

// Local declares a fresh local.
func (b *Builder) Local(name string, ty Ty) Local {
	b.body.Locals = append(b.body.Locals, LocalDecl{Name: name, Ty: ty})
	return Local(len(b.body.Locals) - 1)
}

// Reserve allocates an empty block and returns its id.
func (b *Builder) Reserve() BlockID {
	b.body.Blocks = append(b.body.Blocks, Block{Terminator: Unreachable()})
	return BlockID(len(b.body.Blocks) - 1)
}

// Set fills a reserved block.
func (b *Builder) Set(id BlockID, term Terminator, stmts ...Statement) {
	b.body.Blocks[id] = Block{Statements: stmts, Terminator: term}
}

// Block appends a complete block and returns its id.
func (b *Builder) Block(term Terminator, stmts ...Statement) BlockID {
	id := b.Reserve()
	b.Set(id, term, stmts...)
	return id
}

// Build returns the finished body.
func (b *Builder) Build() *Body { return b.body }

// Place returns the bare place for l.
func Place(l Local) PlaceExpr { return PlaceExpr{Local: l} }

// Copy reads a local by copy.
func Copy(l Local) Operand { return Operand{Kind: OpCopy, Place: Place(l)} }

// CopyPlace reads a place by copy.
func CopyPlace(p PlaceExpr) Operand { return Operand{Kind: OpCopy, Place: p} }

// Move reads a place by move.
func Move(p PlaceExpr) Operand { return Operand{Kind: OpMove, Place: p} }

// ConstInt is a signed or unsigned integer literal; negative values are
// sign-filled into the high word.
func ConstInt(ty Ty, v int64) Operand {
	c := &Constant{Kind: ConstKindInt, Ty: ty, Lo: uint64(v)}
	if v < 0 {
		c.Hi = ^uint64(0)
	}
	return Operand{Kind: OpConst, Const: c}
}

// ConstUint is an unsigned integer literal.
func ConstUint(ty Ty, v uint64) Operand {
	return Operand{Kind: OpConst, Const: &Constant{Kind: ConstKindInt, Ty: ty, Lo: v}}
}

// ConstWide is a 128-bit integer literal given as two words.
func ConstWide(ty Ty, hi, lo uint64) Operand {
	return Operand{Kind: OpConst, Const: &Constant{Kind: ConstKindInt, Ty: ty, Lo: lo, Hi: hi}}
}

// ConstBool is a bool literal.
func ConstBool(v bool) Operand {
	c := &Constant{Kind: ConstKindBool, Ty: Bool}
	if v {
		c.Lo = 1
	}
	return Operand{Kind: OpConst, Const: c}
}

// ConstFloat is a float literal of type ty.
func ConstFloat(ty Ty, v float64) Operand {
	return Operand{Kind: OpConst, Const: &Constant{Kind: ConstKindFloat, Ty: ty, Float: v}}
}

// ConstBytes is an array literal backed by raw little-endian bytes.
func ConstBytes(ty Ty, data []byte) Operand {
	return Operand{Kind: OpConst, Const: &Constant{Kind: ConstKindBytes, Ty: ty, Bytes: data}}
}

// ConstFnPtr is a function handle.
func ConstFnPtr(fn FnRef) Operand {
	return Operand{Kind: OpConst, Const: &Constant{Kind: ConstFn, Ty: FnPtr, Fn: fn}}
}

// StaticRef is a pointer to the named static.
func StaticRef(name string, ty Ty) Operand {
	return Operand{Kind: OpConst, Const: &Constant{Kind: ConstStatic, Ty: ty, Name: name}}
}

// ItemRef is the value of the named const item.
func ItemRef(name string, ty Ty) Operand {
	return Operand{Kind: OpConst, Const: &Constant{Kind: ConstItem, Ty: ty, Name: name}}
}

// UnitValue is the () literal.
func UnitValue() Operand {
	return Operand{Kind: OpConst, Const: &Constant{Kind: ConstUnit, Ty: Unit}}
}

// Assign stores rv into p.
func Assign(p PlaceExpr, rv Rvalue) Statement {
	return Statement{Kind: StmtAssign, Place: p, Rvalue: rv}
}

// StorageLive marks l live.
func StorageLive(l Local) Statement { return Statement{Kind: StmtStorageLive, Local: l} }

// StorageDead marks l dead.
func StorageDead(l Local) Statement { return Statement{Kind: StmtStorageDead, Local: l} }

// Use is the identity rvalue.
func Use(op Operand) Rvalue { return Rvalue{Kind: RvUse, Operands: []Operand{op}} }

// Ref takes the address of p.
func Ref(p PlaceExpr, mutable bool) Rvalue {
	return Rvalue{Kind: RvRef, Place: p, Mutable: mutable}
}

// Binary applies op.
func Binary(op BinOp, l, r Operand) Rvalue {
	return Rvalue{Kind: RvBinaryOp, BinOp: op, Operands: []Operand{l, r}}
}

// CheckedBinary applies op and yields (result, overflowed).
func CheckedBinary(op BinOp, l, r Operand) Rvalue {
	return Rvalue{Kind: RvCheckedBinaryOp, BinOp: op, Operands: []Operand{l, r}}
}

// Unary applies op.
func Unary(op UnOp, v Operand) Rvalue {
	return Rvalue{Kind: RvUnaryOp, UnOp: op, Operands: []Operand{v}}
}

// CastTo converts v to ty.
func CastTo(kind CastKind, v Operand, ty Ty) Rvalue {
	return Rvalue{Kind: RvCast, Cast: kind, Operands: []Operand{v}, Ty: ty}
}

// Aggregate builds an array, tuple or struct of type ty.
func Aggregate(kind AggregateKind, ty Ty, ops ...Operand) Rvalue {
	return Rvalue{Kind: RvAggregate, Agg: kind, Ty: ty, Operands: ops}
}

// Len is the element count of p.
func Len(p PlaceExpr) Rvalue { return Rvalue{Kind: RvLen, Place: p} }

// Repeat builds [v; n] of type ty.
func Repeat(v Operand, n uint64, ty Ty) Rvalue {
	return Rvalue{Kind: RvRepeat, Operands: []Operand{v}, Count: n, Ty: ty}
}

// SizeOf is the byte size of ty.
func SizeOf(ty Ty) Rvalue { return Rvalue{Kind: RvNullaryOp, NullOp: NullSizeOf, Ty: ty} }

// AlignOf is the alignment of ty.
func AlignOf(ty Ty) Rvalue { return Rvalue{Kind: RvNullaryOp, NullOp: NullAlignOf, Ty: ty} }

// Goto jumps to target.
func Goto(target BlockID) Terminator { return Terminator{Kind: TermGoto, Target: target} }

// Switch branches on discr; a nil otherwise means no default arm.
func Switch(discr Operand, values []uint64, targets []BlockID, otherwise *BlockID) Terminator {
	wide := make([]SwitchValue, len(values))
	for i, v := range values {
		wide[i].Lo = v
	}
	return SwitchWide(discr, wide, targets, otherwise)
}

// SwitchWide is Switch with 128-bit case values.
func SwitchWide(discr Operand, values []SwitchValue, targets []BlockID, otherwise *BlockID) Terminator {
	t := Terminator{Kind: TermSwitchInt, Discr: &discr, Values: values, Targets: targets}
	if otherwise != nil {
		t.Otherwise, t.HasOtherwise = *otherwise, true
	}
	return t
}

// If branches to then when cond is true, else to els.
func If(cond Operand, then, els BlockID) Terminator {
	return Switch(cond, []uint64{0}, []BlockID{els}, &then)
}

// Call invokes fn and continues at target.
func Call(fn FnRef, dest PlaceExpr, target BlockID, args ...Operand) Terminator {
	return Terminator{Kind: TermCall, Callee: Callee{Fn: fn}, Args: args, Dest: dest, Target: target, HasTarget: true}
}

// CallMethod invokes method on selfTy through the impl table.
func CallMethod(selfTy Ty, method string, dest PlaceExpr, target BlockID, args ...Operand) Terminator {
	return Terminator{Kind: TermCall, Callee: Callee{Method: method, SelfTy: &selfTy}, Args: args, Dest: dest, Target: target, HasTarget: true}
}

// CallPtr invokes the function pointer held by ptr.
func CallPtr(ptr Operand, dest PlaceExpr, target BlockID, args ...Operand) Terminator {
	return Terminator{Kind: TermCall, Callee: Callee{Ptr: &ptr}, Args: args, Dest: dest, Target: target, HasTarget: true}
}

// CallIntrinsic invokes a builtin with type arguments.
func CallIntrinsic(name string, typeArgs []Ty, dest PlaceExpr, target BlockID, args ...Operand) Terminator {
	t := Call(FnRef(name), dest, target, args...)
	t.TypeArgs = typeArgs
	return t
}

// Return pops the current frame.
func Return() Terminator { return Terminator{Kind: TermReturn} }

// Unreachable marks code that must never run.
func Unreachable() Terminator { return Terminator{Kind: TermUnreachable} }

// Abort stops evaluation.
func Abort() Terminator { return Terminator{Kind: TermAbort} }

// Assert continues at target when cond equals expected.
func Assert(cond Operand, expected bool, msg string, target BlockID) Terminator {
	return Terminator{Kind: TermAssert, Cond: &cond, Expected: expected, AssertKind: AssertMessage, Msg: msg, Target: target}
}

// BoundsCheck asserts cond and reports an index/len pair on failure.
func BoundsCheck(cond, length, index Operand, target BlockID) Terminator {
	return Terminator{Kind: TermAssert, Cond: &cond, Expected: true, AssertKind: AssertBoundsCheck, Len: &length, Index: &index, Target: target}
}
