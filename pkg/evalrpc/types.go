package evalrpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"google.golang.org/grpc/encoding"

	"github.com/fortiblox/mirvm/pkg/interp"
	"github.com/fortiblox/mirvm/pkg/ir"
)

// codecName is the gRPC content subtype used by this service. The IR is
// JSON-native, so messages are plain JSON rather than protobuf.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return codecName }

// EvaluateRequest asks for one constant. Exactly one of Item and Body is set.
type EvaluateRequest struct {
	// Item names a const item of the served program.
	Item string `json:"item,omitempty"`

	// Body is an anonymous constant initializer.
	Body *ir.Body `json:"body,omitempty"`
}

func (r *EvaluateRequest) validate() error {
	switch {
	case r.Item == "" && r.Body == nil:
		return errors.New("request names neither an item nor a body")
	case r.Item != "" && r.Body != nil:
		return errors.New("request names both an item and a body")
	case r.Body != nil:
		return r.Body.Validate()
	}
	return nil
}

// EvaluateResponse carries the evaluated constant.
type EvaluateResponse struct {
	Value *Value `json:"value"`

	// BodyHash is the cache key of an anonymous body, base58-encoded.
	BodyHash string `json:"body_hash,omitempty"`
}

// Value is the wire form of a constant. Scalars travel as 256-bit hex;
// indirect constants travel as the bytes of their top-level allocation.
type Value struct {
	Ty      ir.Ty    `json:"ty"`
	Kind    string   `json:"kind"`
	Scalars []string `json:"scalars,omitempty"`
	Bytes   []byte   `json:"bytes,omitempty"`
	Offset  uint64   `json:"offset,omitempty"`
	Relocs  int      `json:"relocs,omitempty"`
	Display string   `json:"display"`
}

var kindNames = map[interp.ConstValueKind]string{
	interp.ConstZST:         "zst",
	interp.ConstScalarValue: "scalar",
	interp.ConstPair:        "pair",
	interp.ConstIndirect:    "indirect",
}

// NewValue converts a constant to its wire form. Pointer scalars are
// reported only through Display; their target has no stable address.
func NewValue(cv *interp.ConstValue) *Value {
	v := &Value{
		Ty:      cv.Ty,
		Kind:    kindNames[cv.Kind],
		Offset:  cv.Offset,
		Display: cv.String(),
	}
	switch cv.Kind {
	case interp.ConstScalarValue:
		v.Scalars = []string{scalarHex(cv.A)}
	case interp.ConstPair:
		v.Scalars = []string{scalarHex(cv.A), scalarHex(cv.B)}
	case interp.ConstIndirect:
		v.Bytes = cv.Alloc.Bytes
		v.Relocs = len(cv.Alloc.Relocs)
	}
	return v
}

func scalarHex(s interp.ConstScalar) string {
	if s.Undef || s.IsPtr() {
		return ""
	}
	return s.Bits.Hex()
}

// Uint64 returns the first scalar of v.
func (v *Value) Uint64() (uint64, error) {
	if len(v.Scalars) == 0 || v.Scalars[0] == "" {
		return 0, fmt.Errorf("value %s has no integer scalar", v.Display)
	}
	n, err := uint256.FromHex(v.Scalars[0])
	if err != nil {
		return 0, fmt.Errorf("decode scalar: %w", err)
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("value %s does not fit in 64 bits", v.Display)
	}
	return n.Uint64(), nil
}

// StatsRequest asks for evaluator counters.
type StatsRequest struct{}

// StatsResponse mirrors consteval.Stats.
type StatsResponse struct {
	Hits       uint64 `json:"hits"`
	StoreHits  uint64 `json:"store_hits"`
	Misses     uint64 `json:"misses"`
	Failures   uint64 `json:"failures"`
	StaticRuns uint64 `json:"static_runs"`
}
