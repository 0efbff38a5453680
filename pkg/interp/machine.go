package interp

import (
	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/fortiblox/mirvm/pkg/layout"
)

// BodySource returns the IR of a function. Functions without a body return
// an error wrapping ir.ErrNoBody.
type BodySource interface {
	BodyOf(fn ir.FnRef) (*ir.Body, error)
}

// ImplResolver maps a concrete (type, method) pair to a function.
type ImplResolver interface {
	ResolveImpl(ty ir.Ty, method string) (ir.FnRef, error)
}

// Env bundles the collaborators a session consults.
type Env struct {
	Layouts layout.Oracle
	Bodies  BodySource
	Impls   ImplResolver
}

// Machine supplies the caller-specific semantics of a session. Every hook
// receives the running context; hooks must not retain it.
type Machine interface {
	// Name identifies the policy in logs and errors.
	Name() string

	// StaticPtr returns a pointer to the named static item.
	StaticPtr(ctx *EvalContext, name string) (Pointer, error)

	// ConstItem returns the value of the named const item.
	ConstItem(ctx *EvalContext, name string, l *layout.Layout) (TypedValue, error)

	// CallExtern runs a function the body source has no IR for.
	CallExtern(ctx *EvalContext, fn ir.FnRef, args []TypedValue, dest PlaceTy) error

	// ResolveImpl resolves a polymorphic call.
	ResolveImpl(ctx *EvalContext, ty ir.Ty, method string) (ir.FnRef, error)

	// CheckOverflow is consulted whenever an arithmetic operation overflowed.
	// A nil return lets the wrapped result stand.
	CheckOverflow(op ir.BinOp, ty ir.Ty) error

	// CallIntrinsic runs a builtin. It reports false when name is not an
	// intrinsic this machine knows.
	CallIntrinsic(ctx *EvalContext, name string, typeArgs []ir.Ty, args []TypedValue, dest PlaceTy) (bool, error)

	// PtrToInt converts a pointer to an integer address.
	PtrToInt(ctx *EvalContext, ptr Pointer) (uint64, error)

	// IntToPtr converts an integer address back to a pointer scalar.
	IntToPtr(ctx *EvalContext, addr uint64) (Scalar, error)

	// ComparePointers evaluates a comparison between two pointers into
	// different allocations.
	ComparePointers(ctx *EvalContext, op ir.BinOp, a, b Pointer) (bool, error)
}
