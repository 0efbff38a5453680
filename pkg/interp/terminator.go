package interp

import (
	"errors"

	"github.com/fortiblox/mirvm/pkg/ir"
)

func (ctx *EvalContext) terminator(frame *Frame, t *ir.Terminator) error {
	switch t.Kind {
	case ir.TermGoto:
		frame.Block, frame.Stmt = t.Target, 0
		return nil

	case ir.TermSwitchInt:
		return ctx.switchInt(frame, t)

	case ir.TermCall:
		return ctx.call(frame, t)

	case ir.TermReturn:
		return ctx.PopFrame()

	case ir.TermUnreachable:
		return Errorf(KindExecutionStuck, "entered unreachable code")

	case ir.TermAbort:
		return Errorf(KindAssertionFailed, "evaluation aborted")

	case ir.TermAssert:
		return ctx.assert(frame, t)
	}
	return Errorf(KindExecutionStuck, "unknown terminator kind %d", t.Kind)
}

// switchInt jumps to the target whose value equals the discriminant, to the
// default arm when none does, and gets stuck when there is no default.
func (ctx *EvalContext) switchInt(frame *Frame, t *ir.Terminator) error {
	if t.Discr == nil || len(t.Values) != len(t.Targets) {
		return Errorf(KindExecutionStuck, "malformed switch in %s bb%d", frame.Fn, frame.Block)
	}
	d, err := ctx.EvalOperand(*t.Discr)
	if err != nil {
		return err
	}
	if d.Kind != ValByVal {
		return Errorf(KindInvalidValue, "switch on non-scalar %s", d.Layout.Ty)
	}
	if err := validateScalar(d.A, d.Layout); err != nil {
		return err
	}
	bits, err := d.A.Bits()
	if err != nil {
		return err
	}
	width := d.Layout.Bits
	if width == 0 {
		width = ScalarBits
	}
	bits = Truncate(bits, width)
	for i, v := range t.Values {
		if Truncate(wide(v.Hi, v.Lo), width).Eq(bits) {
			frame.Block, frame.Stmt = t.Targets[i], 0
			return nil
		}
	}
	if t.HasOtherwise {
		frame.Block, frame.Stmt = t.Otherwise, 0
		return nil
	}
	return Errorf(KindExecutionStuck, "no switch arm matches %s", bits.Hex())
}

// call resolves the callee, evaluates arguments and the destination, and
// either hands the call to the machine or pushes a frame.
func (ctx *EvalContext) call(frame *Frame, t *ir.Terminator) error {
	if err := ctx.Meter.Consume(CostCall); err != nil {
		return err
	}
	fn, err := ctx.resolveCallee(t.Callee)
	if err != nil {
		return err
	}
	args := make([]TypedValue, len(t.Args))
	for i := range t.Args {
		if args[i], err = ctx.EvalOperand(t.Args[i]); err != nil {
			return err
		}
	}
	dest, err := ctx.EvalPlace(t.Dest)
	if err != nil {
		return err
	}

	resume := func() error {
		if !t.HasTarget {
			return Errorf(KindExecutionStuck, "diverging call to %s returned", fn)
		}
		frame.Block, frame.Stmt = t.Target, 0
		return nil
	}

	handled, err := ctx.Machine.CallIntrinsic(ctx, string(fn), t.TypeArgs, args, dest)
	if err != nil {
		return err
	}
	if handled {
		return resume()
	}

	body, err := ctx.Env.Bodies.BodyOf(fn)
	if errors.Is(err, ir.ErrNoBody) {
		if err := ctx.Machine.CallExtern(ctx, fn, args, dest); err != nil {
			return err
		}
		return resume()
	}
	if err != nil {
		return asEvalError(err, KindExecutionStuck)
	}

	cleanup := Cleanup{Kind: CleanupGoto, Block: t.Target}
	if !t.HasTarget {
		cleanup = Cleanup{Kind: CleanupUnreachable}
	}
	return ctx.PushFrame(fn, body, args, dest, cleanup)
}

func (ctx *EvalContext) resolveCallee(c ir.Callee) (ir.FnRef, error) {
	switch {
	case c.Ptr != nil:
		v, err := ctx.EvalOperand(*c.Ptr)
		if err != nil {
			return "", err
		}
		if v.Kind != ValByVal {
			return "", Errorf(KindInvalidPointer, "call through non-scalar %s", v.Layout.Ty)
		}
		ptr, err := v.A.Ptr()
		if err != nil {
			return "", err
		}
		return ctx.Memory.FnOf(ptr)
	case c.Method != "":
		if c.SelfTy == nil {
			return "", Errorf(KindNoImplementation, "method %s called without a receiver type", c.Method)
		}
		return ctx.Machine.ResolveImpl(ctx, *c.SelfTy, c.Method)
	}
	if c.Fn == "" {
		return "", Errorf(KindExecutionStuck, "call without callee")
	}
	return c.Fn, nil
}

func (ctx *EvalContext) assert(frame *Frame, t *ir.Terminator) error {
	if t.Cond == nil {
		return Errorf(KindExecutionStuck, "assert without condition")
	}
	c, err := ctx.EvalOperand(*t.Cond)
	if err != nil {
		return err
	}
	ok, err := c.A.Bool()
	if err != nil {
		return err
	}
	if ok == t.Expected {
		frame.Block, frame.Stmt = t.Target, 0
		return nil
	}

	switch t.AssertKind {
	case ir.AssertBoundsCheck:
		n, i := ctx.assertOperand(t.Len), ctx.assertOperand(t.Index)
		return Errorf(KindOutOfBounds, "index out of bounds: the len is %s but the index is %s", n, i)
	case ir.AssertOverflow:
		return Errorf(KindOverflow, "attempt to compute %s with overflow", t.Op)
	case ir.AssertDivisionByZero:
		if t.Op == ir.BinRem {
			return Errorf(KindDivisionByZero, "attempt to calculate the remainder with a divisor of zero")
		}
		return Errorf(KindDivisionByZero, "attempt to divide by zero")
	}
	msg := t.Msg
	if msg == "" {
		msg = "assertion failed"
	}
	return Errorf(KindAssertionFailed, "%s", msg)
}

// assertOperand renders an optional operand of a failed assertion.
func (ctx *EvalContext) assertOperand(op *ir.Operand) string {
	if op == nil {
		return "?"
	}
	v, err := ctx.EvalOperand(*op)
	if err != nil {
		return "?"
	}
	return describe(v)
}
