package interp

import (
	"testing"

	"github.com/holiman/uint256"
)

func samples() []*uint256.Int {
	return []*uint256.Int{
		uint256.NewInt(0),
		uint256.NewInt(1),
		uint256.NewInt(0x7f),
		uint256.NewInt(0x80),
		uint256.NewInt(0xdeadbeefcafebabe),
		wide(0x8000000000000000, 0),
		wide(^uint64(0), ^uint64(0)),
		new(uint256.Int).SetAllOne(),
	}
}

func TestTruncateSignExtendIdempotent(t *testing.T) {
	for bits := uint(1); bits <= ScalarBits; bits++ {
		for _, v := range samples() {
			tr := Truncate(v, bits)
			if got := Truncate(tr, bits); !got.Eq(tr) {
				t.Fatalf("bits=%d v=%s: Truncate not idempotent: %s then %s", bits, v.Hex(), tr.Hex(), got.Hex())
			}
			se := SignExtend(v, bits)
			if got := SignExtend(se, bits); !got.Eq(se) {
				t.Fatalf("bits=%d v=%s: SignExtend not idempotent: %s then %s", bits, v.Hex(), se.Hex(), got.Hex())
			}
			if got := Truncate(se, bits); !got.Eq(tr) {
				t.Fatalf("bits=%d v=%s: Truncate(SignExtend) = %s, want %s", bits, v.Hex(), got.Hex(), tr.Hex())
			}
			if tr.BitLen() > int(bits) {
				t.Fatalf("bits=%d v=%s: Truncate kept %d bits", bits, v.Hex(), tr.BitLen())
			}
		}
	}
}

func TestSignExtend(t *testing.T) {
	tests := []struct {
		name string
		v    uint64
		bits uint
		want *uint256.Int
	}{
		{"positive i8", 0x7f, 8, uint256.NewInt(0x7f)},
		{"negative i8", 0x80, 8, wide(^uint64(0), 0xffffffffffffff80)},
		{"minus one i32", 0xffffffff, 32, wide(^uint64(0), ^uint64(0))},
		{"high bits ignored", 0x1ff, 8, wide(^uint64(0), ^uint64(0))},
		{"one bit", 1, 1, wide(^uint64(0), ^uint64(0))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SignExtend(uint256.NewInt(tt.v), tt.bits)
			if !got.Eq(tt.want) {
				t.Errorf("SignExtend(%#x, %d) = %s, want %s", tt.v, tt.bits, got.Hex(), tt.want.Hex())
			}
		})
	}
}

func TestTargetUintRoundTrip(t *testing.T) {
	for _, size := range []int{1, 2, 4, 8, 16} {
		for _, v := range samples() {
			want := Truncate(v, uint(size*8))
			b := make([]byte, size)
			WriteTargetUint(b, want)
			if got := ReadTargetUint(b); !got.Eq(want) {
				t.Errorf("size %d: round trip of %s gave %s", size, want.Hex(), got.Hex())
			}
		}
	}

	b := make([]byte, 4)
	WriteTargetUint(b, uint256.NewInt(0x01020304))
	if b[0] != 0x04 || b[3] != 0x01 {
		t.Errorf("encoding is not little-endian: % x", b)
	}
}

func TestScalarAccessors(t *testing.T) {
	if _, err := ScalarUndef().Bits(); err == nil {
		t.Error("Bits() of undef succeeded")
	} else {
		wantKind(t, err, ErrInvalidUninit)
	}

	if _, err := ScalarFromUint(2).Bool(); err == nil {
		t.Error("Bool() of 2 succeeded")
	} else {
		wantKind(t, err, ErrInvalidValue)
	}

	_, err := ScalarFromUint(0).Ptr()
	wantKind(t, err, ErrInvalidPointer)

	_, err = ScalarFromUint(0x10000).Ptr()
	wantKind(t, err, ErrInvalidPointer)

	_, err = ScalarFromBits(wide(1, 0)).Uint64()
	wantKind(t, err, ErrOverflow)

	p := Pointer{Alloc: 3, Offset: 8}
	got, err := ScalarFromPtr(p).Ptr()
	if err != nil || got != p {
		t.Errorf("Ptr() = %v, %v; want %v", got, err, p)
	}
	_, err = ScalarFromPtr(p).Bits()
	wantKind(t, err, ErrInvalidPointer)

	f, err := ScalarFromF64(1.5).F64()
	if err != nil || f != 1.5 {
		t.Errorf("F64() = %v, %v", f, err)
	}
	if !ScalarFromInt(-1, 8).Equal(ScalarFromUint(0xff)) {
		t.Error("ScalarFromInt(-1, 8) != 0xff")
	}
}

func TestPointerStride(t *testing.T) {
	p := Pointer{Alloc: 1}.WithStride(4)
	if q := p.Add(4); q.Stride != 0 || q.Offset != 4 {
		t.Errorf("Add kept stride: %+v", q)
	}
	if p.String() != "alloc1+0x0" {
		t.Errorf("String() = %q", p.String())
	}
}
