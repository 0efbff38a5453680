package interp

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies an evaluation failure.
type ErrorKind uint8

const (
	KindOutOfBounds ErrorKind = iota + 1
	KindUnaligned
	KindInvalidUninit
	KindUseAfterFree
	KindInvalidPointer
	KindInvalidValue
	KindOverflow
	KindDivisionByZero
	KindExecutionStuck
	KindAssertionFailed
	KindNotConst
	KindNoImplementation
	KindLayoutError
	KindResourceExhausted
)

// Sentinels matched by errors.Is against any *EvalError of the same kind.
var (
	ErrOutOfBounds       = errors.New("out of bounds")
	ErrUnaligned         = errors.New("unaligned access")
	ErrInvalidUninit     = errors.New("use of uninitialized bytes")
	ErrUseAfterFree      = errors.New("use after free")
	ErrInvalidPointer    = errors.New("invalid pointer")
	ErrInvalidValue      = errors.New("invalid value")
	ErrOverflow          = errors.New("arithmetic overflow")
	ErrDivisionByZero    = errors.New("division by zero")
	ErrExecutionStuck    = errors.New("execution stuck")
	ErrAssertionFailed   = errors.New("assertion failed")
	ErrNotConst          = errors.New("not allowed in constant evaluation")
	ErrNoImplementation  = errors.New("no implementation")
	ErrLayout            = errors.New("layout error")
	ErrResourceExhausted = errors.New("resource exhausted")
)

var kindSentinels = map[ErrorKind]error{
	KindOutOfBounds:       ErrOutOfBounds,
	KindUnaligned:         ErrUnaligned,
	KindInvalidUninit:     ErrInvalidUninit,
	KindUseAfterFree:      ErrUseAfterFree,
	KindInvalidPointer:    ErrInvalidPointer,
	KindInvalidValue:      ErrInvalidValue,
	KindOverflow:          ErrOverflow,
	KindDivisionByZero:    ErrDivisionByZero,
	KindExecutionStuck:    ErrExecutionStuck,
	KindAssertionFailed:   ErrAssertionFailed,
	KindNotConst:          ErrNotConst,
	KindNoImplementation:  ErrNoImplementation,
	KindLayoutError:       ErrLayout,
	KindResourceExhausted: ErrResourceExhausted,
}

var kindNames = map[ErrorKind]string{
	KindOutOfBounds:       "OutOfBounds",
	KindUnaligned:         "Unaligned",
	KindInvalidUninit:     "InvalidUninit",
	KindUseAfterFree:      "UseAfterFree",
	KindInvalidPointer:    "InvalidPointer",
	KindInvalidValue:      "InvalidValue",
	KindOverflow:          "Overflow",
	KindDivisionByZero:    "DivisionByZero",
	KindExecutionStuck:    "ExecutionStuck",
	KindAssertionFailed:   "AssertionFailed",
	KindNotConst:          "NotConst",
	KindNoImplementation:  "NoImplementation",
	KindLayoutError:       "LayoutError",
	KindResourceExhausted: "ResourceExhausted",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// ParseErrorKind is the inverse of ErrorKind.String.
func ParseErrorKind(s string) (ErrorKind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Location is one backtrace entry.
type Location struct {
	Fn    string
	Block uint32
	Stmt  int
}

func (l Location) String() string {
	return fmt.Sprintf("%s bb%d[%d]", l.Fn, l.Block, l.Stmt)
}

// EvalError is a definitive evaluation failure. It is terminal for the
// session that produced it.
type EvalError struct {
	Kind      ErrorKind
	Msg       string
	Backtrace []Location
}

// Error implements the error interface.
func (e *EvalError) Error() string {
	var b strings.Builder
	b.WriteString(kindSentinels[e.Kind].Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if len(e.Backtrace) > 0 {
		fmt.Fprintf(&b, " (at %s)", e.Backtrace[0])
	}
	return b.String()
}

// Is matches the sentinel of the error's kind.
func (e *EvalError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Errorf builds an EvalError of the given kind.
func Errorf(kind ErrorKind, format string, args ...interface{}) *EvalError {
	return &EvalError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of an evaluation error.
func KindOf(err error) (ErrorKind, bool) {
	var ee *EvalError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return 0, false
}

// asEvalError coerces err into an *EvalError. Errors from collaborators that
// are not already classified are treated as layout failures when they come
// from the layout oracle and as stuck execution otherwise.
func asEvalError(err error, fallback ErrorKind) *EvalError {
	var ee *EvalError
	if errors.As(err, &ee) {
		return ee
	}
	return &EvalError{Kind: fallback, Msg: err.Error()}
}
