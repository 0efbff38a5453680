package rpc

import (
	"errors"
	"fmt"

	"github.com/fortiblox/mirvm/pkg/interp"
)

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// Evaluator-specific error codes.
const (
	// EvaluationFailed indicates the evaluated program hit an error. The
	// error kind and backtrace are in the error data.
	EvaluationFailed = -32001

	// NotConst indicates the program did something constant evaluation
	// forbids.
	NotConst = -32002

	// LimitExceeded indicates a step, stack or memory limit was hit.
	LimitExceeded = -32003

	// NodeUnhealthy indicates the server is not accepting evaluations.
	NodeUnhealthy = -32005
)

// Common error messages.
var (
	ErrParseError     = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest = NewRPCError(InvalidRequest, "Invalid Request")
	ErrMethodNotFound = NewRPCError(MethodNotFound, "Method not found")
	ErrInvalidParams  = NewRPCError(InvalidParams, "Invalid params")
	ErrInternalError  = NewRPCError(InternalError, "Internal error")
	ErrNodeUnhealthy  = NewRPCError(NodeUnhealthy, "Node is unhealthy")
)

// NewRPCError creates a new RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewRPCErrorWithData creates a new RPC error with additional data.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// InvalidParamsError creates an invalid params error with a custom message.
func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

// InvalidParamsErrorf creates an invalid params error with a formatted message.
func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

// InternalServerErrorf creates an internal server error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// EvalError converts an evaluation failure. Errors that are not
// interpreter errors become internal errors.
func EvalError(err error) *RPCError {
	var ee *interp.EvalError
	if !errors.As(err, &ee) {
		return InternalServerErrorf("%v", err)
	}

	data := EvalErrorData{Kind: ee.Kind.String()}
	for _, loc := range ee.Backtrace {
		data.Backtrace = append(data.Backtrace, loc.String())
	}

	code := EvaluationFailed
	switch ee.Kind {
	case interp.KindNotConst:
		code = NotConst
	case interp.KindResourceExhausted:
		code = LimitExceeded
	}
	return NewRPCErrorWithData(code, ee.Error(), data)
}
