package interp

import "github.com/fortiblox/mirvm/pkg/ir"

// StepOutcomeKind classifies the result of a step.
type StepOutcomeKind uint8

const (
	StepContinue StepOutcomeKind = iota
	StepFinished
	StepErrored
)

// StepOutcome is what Step reports. Value is set for StepFinished, Err for
// StepErrored.
type StepOutcome struct {
	Kind  StepOutcomeKind
	Value TypedValue
	Err   error
}

// Step executes one statement or terminator of the innermost frame. Once a
// session finished or failed, Step keeps reporting that outcome.
func (ctx *EvalContext) Step() (out StepOutcome) {
	if ctx.err != nil {
		return StepOutcome{Kind: StepErrored, Err: ctx.err}
	}
	if ctx.finished {
		return ctx.finishedOutcome()
	}
	if len(ctx.stack) == 0 {
		return StepOutcome{Kind: StepErrored, Err: ctx.fail(Errorf(KindExecutionStuck, "step with empty frame stack"))}
	}

	defer func() {
		if rec := recover(); rec != nil {
			out = StepOutcome{Kind: StepErrored, Err: ctx.fail(Errorf(KindExecutionStuck, "interpreter panic: %v", rec))}
		}
	}()
	defer ctx.releaseScratch()

	if err := ctx.step(); err != nil {
		return StepOutcome{Kind: StepErrored, Err: ctx.fail(err)}
	}
	if ctx.finished {
		return ctx.finishedOutcome()
	}
	return StepOutcome{Kind: StepContinue}
}

func (ctx *EvalContext) finishedOutcome() StepOutcome {
	v, err := ctx.Result()
	if err != nil {
		return StepOutcome{Kind: StepErrored, Err: ctx.fail(err)}
	}
	return StepOutcome{Kind: StepFinished, Value: v}
}

// Run steps until the session finishes or fails.
func (ctx *EvalContext) Run() (TypedValue, error) {
	for {
		out := ctx.Step()
		switch out.Kind {
		case StepFinished:
			return out.Value, nil
		case StepErrored:
			return TypedValue{}, out.Err
		}
	}
}

func (ctx *EvalContext) step() error {
	frame := ctx.Top()
	if int(frame.Block) >= len(frame.Body.Blocks) {
		return Errorf(KindExecutionStuck, "%s has no block bb%d", frame.Fn, frame.Block)
	}
	blk := &frame.Body.Blocks[frame.Block]
	if frame.Stmt < len(blk.Statements) {
		if err := ctx.Meter.Consume(CostStatement); err != nil {
			return err
		}
		if err := ctx.statement(frame, &blk.Statements[frame.Stmt]); err != nil {
			return err
		}
		frame.Stmt++
		return nil
	}
	if err := ctx.Meter.Consume(CostTerminator); err != nil {
		return err
	}
	return ctx.terminator(frame, &blk.Terminator)
}

func (ctx *EvalContext) statement(frame *Frame, st *ir.Statement) error {
	switch st.Kind {
	case ir.StmtNop:
		return nil
	case ir.StmtAssign:
		dest, err := ctx.EvalPlace(st.Place)
		if err != nil {
			return err
		}
		return ctx.evalRvalueInto(&st.Rvalue, dest)
	case ir.StmtStorageLive, ir.StmtStorageDead:
		if int(st.Local) >= len(frame.Locals) {
			return Errorf(KindExecutionStuck, "storage marker for missing local _%d", st.Local)
		}
		if st.Kind == ir.StmtStorageLive {
			return ctx.makeLive(&frame.Locals[st.Local])
		}
		return ctx.makeDead(&frame.Locals[st.Local])
	}
	return Errorf(KindExecutionStuck, "unknown statement kind %d", st.Kind)
}

func (ctx *EvalContext) evalRvalueInto(rv *ir.Rvalue, dest PlaceTy) error {
	switch rv.Kind {
	case ir.RvUse:
		v, err := ctx.operand(rv, 0)
		if err != nil {
			return err
		}
		return ctx.WriteValue(v, dest)

	case ir.RvRef:
		p, err := ctx.EvalPlace(rv.Place)
		if err != nil {
			return err
		}
		v, err := ctx.AddressOf(p, dest.Layout.Ty)
		if err != nil {
			return err
		}
		return ctx.WriteValue(v, dest)

	case ir.RvBinaryOp, ir.RvCheckedBinaryOp:
		l, err := ctx.operand(rv, 0)
		if err != nil {
			return err
		}
		r, err := ctx.operand(rv, 1)
		if err != nil {
			return err
		}
		res, overflow, err := ctx.BinaryOp(rv.BinOp, l, r)
		if err != nil {
			return err
		}
		if rv.Kind == ir.RvCheckedBinaryOp {
			return ctx.writePair(dest, res, overflow)
		}
		if overflow {
			if err := ctx.checkOverflow(rv.BinOp, l.Layout.Ty); err != nil {
				return err
			}
		}
		return ctx.WriteValue(res, dest)

	case ir.RvUnaryOp:
		v, err := ctx.operand(rv, 0)
		if err != nil {
			return err
		}
		res, overflow, err := ctx.UnaryOp(rv.UnOp, v)
		if err != nil {
			return err
		}
		if overflow {
			if err := ctx.checkOverflow(ir.BinSub, v.Layout.Ty); err != nil {
				return err
			}
		}
		return ctx.WriteValue(res, dest)

	case ir.RvCast:
		v, err := ctx.operand(rv, 0)
		if err != nil {
			return err
		}
		res, err := ctx.Cast(rv.Cast, v, rv.Ty)
		if err != nil {
			return err
		}
		return ctx.WriteValue(res, dest)

	case ir.RvAggregate:
		return ctx.aggregate(rv, dest)

	case ir.RvLen:
		p, err := ctx.EvalPlace(rv.Place)
		if err != nil {
			return err
		}
		n, err := placeLen(p)
		if err != nil {
			return err
		}
		return ctx.WriteValue(TypedValue{Value: ByVal(ScalarFromUint(n)), Layout: dest.Layout}, dest)

	case ir.RvRepeat:
		v, err := ctx.operand(rv, 0)
		if err != nil {
			return err
		}
		n, err := placeLen(dest)
		if err != nil {
			return err
		}
		if n != rv.Count {
			return Errorf(KindExecutionStuck, "repeat of %d elements into %s", rv.Count, dest.Layout.Ty)
		}
		if err := ctx.Meter.ConsumeBytes(dest.Layout.Size); err != nil {
			return err
		}
		for i := uint64(0); i < n; i++ {
			ep, err := ctx.IndexPlace(dest, i)
			if err != nil {
				return err
			}
			if err := ctx.WriteValue(v, ep); err != nil {
				return err
			}
		}
		return nil

	case ir.RvNullaryOp:
		l, err := ctx.LayoutOf(rv.Ty)
		if err != nil {
			return err
		}
		n := l.Size
		if rv.NullOp == ir.NullAlignOf {
			n = l.Align
		}
		return ctx.WriteValue(TypedValue{Value: ByVal(ScalarFromUint(n)), Layout: dest.Layout}, dest)
	}
	return Errorf(KindExecutionStuck, "unknown rvalue kind %d", rv.Kind)
}

func (ctx *EvalContext) operand(rv *ir.Rvalue, i int) (TypedValue, error) {
	if i >= len(rv.Operands) {
		return TypedValue{}, Errorf(KindExecutionStuck, "rvalue is missing operand %d", i)
	}
	return ctx.EvalOperand(rv.Operands[i])
}

// writePair stores (value, flag) into a two-field tuple place.
func (ctx *EvalContext) writePair(dest PlaceTy, v TypedValue, flag bool) error {
	if dest.IsLocal() || len(dest.Layout.FieldOffsets) != 2 {
		return Errorf(KindExecutionStuck, "checked operation into %s", dest.Layout.Ty)
	}
	vp, err := ctx.FieldPlace(dest, 0)
	if err != nil {
		return err
	}
	if err := ctx.WriteValue(v, vp); err != nil {
		return err
	}
	fp, err := ctx.FieldPlace(dest, 1)
	if err != nil {
		return err
	}
	b, err := ctx.boolValue(flag)
	if err != nil {
		return err
	}
	return ctx.WriteValue(b, fp)
}

func (ctx *EvalContext) aggregate(rv *ir.Rvalue, dest PlaceTy) error {
	if dest.IsLocal() {
		return Errorf(KindExecutionStuck, "aggregate into immediate local _%d", dest.Local)
	}
	if want := dest.Layout.FieldCount(); want != len(rv.Operands) {
		return Errorf(KindExecutionStuck, "aggregate of %d operands for %s with %d fields", len(rv.Operands), dest.Layout.Ty, want)
	}
	// Operands may alias dest, so every by-reference operand is copied out
	// before the first field is written.
	values := make([]TypedValue, len(rv.Operands))
	for i := range rv.Operands {
		v, err := ctx.EvalOperand(rv.Operands[i])
		if err != nil {
			return err
		}
		if values[i], err = ctx.detach(v); err != nil {
			return err
		}
	}
	for i, v := range values {
		var fp PlaceTy
		var err error
		if rv.Agg == ir.AggArray {
			fp, err = ctx.IndexPlace(dest, uint64(i))
		} else {
			fp, err = ctx.FieldPlace(dest, i)
		}
		if err != nil {
			return err
		}
		if err := ctx.WriteValue(v, fp); err != nil {
			return err
		}
	}
	return nil
}

// detach returns v with no reference into memory the current statement may
// overwrite. Scalars and pairs are loaded; larger values move to scratch.
func (ctx *EvalContext) detach(v TypedValue) (TypedValue, error) {
	if v.Kind != ValByRef || v.Layout.IsZST() {
		return v, nil
	}
	l := v.Layout
	if l.IsScalar() || l.IsPair() {
		return ctx.ReadValue(PlaceTy{Place: MemPlace(v.Ptr, v.Align), Layout: l})
	}
	p, err := ctx.Scratch(l.Size, l.Align)
	if err != nil {
		return TypedValue{}, err
	}
	if err := ctx.WriteValue(v, PlaceTy{Place: p, Layout: l}); err != nil {
		return TypedValue{}, err
	}
	return TypedValue{Value: ByRef(p.Ptr, l.Align), Layout: l}, nil
}

// describe renders an operand for error messages.
func describe(v TypedValue) string {
	if v.Kind == ValByVal {
		if b, err := v.A.Bits(); err == nil {
			return b.ToBig().String()
		}
	}
	return v.String()
}
