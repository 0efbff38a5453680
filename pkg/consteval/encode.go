package consteval

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/fortiblox/mirvm/pkg/interp"
	"github.com/fortiblox/mirvm/pkg/ir"
)

// encodingVersion prefixes every persisted result. Entries with another
// version are ignored.
const encodingVersion = 1

var errBadEncoding = errors.New("malformed cached result")

type wireScalar struct {
	Bits   [32]byte
	Ptr    int
	Offset uint64
	Undef  bool
}

type wireAlloc struct {
	Bytes  []byte
	Init   []byte
	Relocs map[uint64]int
	Align  uint64
	Fn     string
}

type wireResult struct {
	Failed    bool
	ErrKind   uint8
	ErrMsg    string
	Backtrace []interp.Location

	// Ty travels as JSON: gob drops pointers to zero values, which would
	// turn a pointer to unit into a bare pointer.
	Ty     []byte
	Kind   uint8
	A, B   wireScalar
	Alloc  int
	Offset uint64
	Allocs []wireAlloc
}

// encodeResult serializes an evaluation outcome. Only evaluation errors
// are persisted; other failures report false.
func encodeResult(cv *interp.ConstValue, evalErr error) ([]byte, bool, error) {
	var w wireResult
	if evalErr != nil {
		var ee *interp.EvalError
		if !errors.As(evalErr, &ee) {
			return nil, false, nil
		}
		w.Failed = true
		w.ErrKind = uint8(ee.Kind)
		w.ErrMsg = ee.Msg
		w.Backtrace = ee.Backtrace
	} else {
		ty, err := json.Marshal(cv.Ty)
		if err != nil {
			return nil, false, fmt.Errorf("encode type: %w", err)
		}
		enc := &allocEncoder{index: make(map[*interp.ConstAlloc]int)}
		w.Ty = ty
		w.Kind = uint8(cv.Kind)
		w.A = enc.scalar(cv.A)
		w.B = enc.scalar(cv.B)
		w.Alloc = enc.alloc(cv.Alloc)
		w.Offset = cv.Offset
		w.Allocs = enc.allocs
	}

	var buf bytes.Buffer
	buf.WriteByte(encodingVersion)
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, false, fmt.Errorf("encode result: %w", err)
	}
	return buf.Bytes(), true, nil
}

type allocEncoder struct {
	index  map[*interp.ConstAlloc]int
	allocs []wireAlloc
}

func (e *allocEncoder) alloc(ca *interp.ConstAlloc) int {
	if ca == nil {
		return -1
	}
	if i, ok := e.index[ca]; ok {
		return i
	}
	i := len(e.allocs)
	e.index[ca] = i
	e.allocs = append(e.allocs, wireAlloc{
		Bytes: ca.Bytes,
		Init:  packMask(ca.Mask),
		Align: ca.Align,
		Fn:    string(ca.Fn),
	})
	relocs := make(map[uint64]int, len(ca.Relocs))
	for _, off := range slices.Sorted(maps.Keys(ca.Relocs)) {
		relocs[off] = e.alloc(ca.Relocs[off])
	}
	e.allocs[i].Relocs = relocs
	return i
}

func (e *allocEncoder) scalar(s interp.ConstScalar) wireScalar {
	return wireScalar{
		Bits:   s.Bits.Bytes32(),
		Ptr:    e.alloc(s.Ptr),
		Offset: s.Offset,
		Undef:  s.Undef,
	}
}

func packMask(m *interp.InitMask) []byte {
	if m == nil {
		return nil
	}
	out := make([]byte, (m.Len()+7)/8)
	for i := uint64(0); i < m.Len(); i++ {
		if m.Get(i) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

func unpackMask(b []byte, n uint64) *interp.InitMask {
	m := interp.NewInitMask(n)
	for i := uint64(0); i < n; i++ {
		if int(i/8) < len(b) && b[i/8]&(1<<(i%8)) != 0 {
			m.SetRange(i, i+1, true)
		}
	}
	return m
}

// decodeResult is the inverse of encodeResult.
func decodeResult(data []byte) (*result, error) {
	if len(data) == 0 || data[0] != encodingVersion {
		return nil, errBadEncoding
	}
	var w wireResult
	if err := gob.NewDecoder(bytes.NewReader(data[1:])).Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadEncoding, err)
	}
	if w.Failed {
		return &result{err: &interp.EvalError{Kind: interp.ErrorKind(w.ErrKind), Msg: w.ErrMsg, Backtrace: w.Backtrace}}, nil
	}

	allocs := make([]*interp.ConstAlloc, len(w.Allocs))
	for i, wa := range w.Allocs {
		allocs[i] = &interp.ConstAlloc{
			Bytes: wa.Bytes,
			Mask:  unpackMask(wa.Init, uint64(len(wa.Bytes))),
			Align: wa.Align,
			Fn:    ir.FnRef(wa.Fn),
		}
	}
	ref := func(i int) (*interp.ConstAlloc, error) {
		if i == -1 {
			return nil, nil
		}
		if i < 0 || i >= len(allocs) {
			return nil, errBadEncoding
		}
		return allocs[i], nil
	}
	for i, wa := range w.Allocs {
		allocs[i].Relocs = make(map[uint64]*interp.ConstAlloc, len(wa.Relocs))
		for off, t := range wa.Relocs {
			target, err := ref(t)
			if err != nil || target == nil {
				return nil, errBadEncoding
			}
			allocs[i].Relocs[off] = target
		}
	}
	scalar := func(ws wireScalar) (interp.ConstScalar, error) {
		cs := interp.ConstScalar{Offset: ws.Offset, Undef: ws.Undef}
		cs.Bits.SetBytes32(ws.Bits[:])
		p, err := ref(ws.Ptr)
		cs.Ptr = p
		return cs, err
	}

	cv := &interp.ConstValue{Kind: interp.ConstValueKind(w.Kind), Offset: w.Offset}
	if err := json.Unmarshal(w.Ty, &cv.Ty); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadEncoding, err)
	}
	var err error
	if cv.A, err = scalar(w.A); err != nil {
		return nil, err
	}
	if cv.B, err = scalar(w.B); err != nil {
		return nil, err
	}
	if cv.Alloc, err = ref(w.Alloc); err != nil {
		return nil, err
	}
	if cv.Kind == interp.ConstIndirect && cv.Alloc == nil {
		return nil, errBadEncoding
	}
	return &result{value: cv}, nil
}
