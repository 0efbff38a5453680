package rpc

import (
	"encoding/json"

	"github.com/fortiblox/mirvm/pkg/ir"
)

// JSON-RPC constants.
const (
	// JSONRPCVersion is the JSON-RPC protocol version.
	JSONRPCVersion = "2.0"

	// APIVersion is reported in every response context.
	APIVersion = "1.0.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Context identifies the program a response was computed against.
type Context struct {
	Fingerprint string `json:"fingerprint"`
	APIVersion  string `json:"apiVersion,omitempty"`
}

// ResponseWithContext wraps a value with context.
type ResponseWithContext struct {
	Context Context     `json:"context"`
	Value   interface{} `json:"value"`
}

// Encoding types for constant bytes.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
	EncodingHex        Encoding = "hex"
)

// EncodingConfig is the optional trailing parameter of evaluation methods.
type EncodingConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
}

// ConstInfo is the JSON form of an evaluated constant.
type ConstInfo struct {
	// Type is the canonical spelling of the constant's type.
	Type string `json:"type"`

	// Kind is one of "zst", "scalar", "pair" or "indirect".
	Kind string `json:"kind"`

	// Display is the human-readable rendering.
	Display string `json:"display"`

	// Scalars holds 256-bit hex bits of non-pointer scalars.
	Scalars []string `json:"scalars,omitempty"`

	// Data is the encoded top-level allocation of an indirect constant,
	// as [data, encoding].
	Data []string `json:"data,omitempty"`

	// Relocations counts pointers inside Data.
	Relocations int `json:"relocations,omitempty"`
}

// BodyParams carries an anonymous constant initializer.
type BodyParams struct {
	Body *ir.Body `json:"body"`
}

// EvalErrorData is attached to evaluation failures.
type EvalErrorData struct {
	Kind      string   `json:"kind"`
	Backtrace []string `json:"backtrace,omitempty"`
}

// RunResult reports one dynamic-analysis run.
type RunResult struct {
	Entry      string     `json:"entry"`
	Value      *ConstInfo `json:"value,omitempty"`
	Steps      uint64     `json:"steps"`
	MaxDepth   int        `json:"maxDepth"`
	DurationUs int64      `json:"durationUs"`
	Leaks      []LeakInfo `json:"leaks,omitempty"`
	Error      *RPCError  `json:"error,omitempty"`
}

// LeakInfo describes heap memory still live at the end of a run.
type LeakInfo struct {
	Address uint64 `json:"address"`
	Size    uint64 `json:"size"`
}

// CacheStats mirrors the evaluator's cache counters.
type CacheStats struct {
	Hits       uint64 `json:"hits"`
	StoreHits  uint64 `json:"storeHits"`
	Misses     uint64 `json:"misses"`
	Failures   uint64 `json:"failures"`
	StaticRuns uint64 `json:"staticRuns"`
}

// VersionInfo is returned by getVersion.
type VersionInfo struct {
	Core       string `json:"mirvm-core"`
	APIVersion string `json:"api-version"`
}
