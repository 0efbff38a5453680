package layout

import (
	"errors"
	"sync"
	"testing"

	"github.com/fortiblox/mirvm/pkg/ir"
)

func TestLayoutOf(t *testing.T) {
	tests := []struct {
		name  string
		ty    ir.Ty
		size  uint64
		align uint64
		abi   Abi
	}{
		{"unit", ir.Unit, 0, 1, AbiAggregate},
		{"bool", ir.Bool, 1, 1, AbiScalar},
		{"char", ir.Char, 4, 4, AbiScalar},
		{"u16", ir.U16, 2, 2, AbiScalar},
		{"i128", ir.I128, 16, 16, AbiScalar},
		{"f32", ir.F32, 4, 4, AbiScalar},
		{"thin pointer", ir.Ptr(ir.U8, false), 8, 8, AbiScalar},
		{"fat pointer", ir.Ptr(ir.Slice(ir.U8), false), 16, 8, AbiScalarPair},
		{"fn pointer", ir.FnPtr, 8, 8, AbiScalar},
		{"array", ir.Array(ir.U32, 3), 12, 4, AbiAggregate},
		{"empty array", ir.Array(ir.U64, 0), 0, 8, AbiAggregate},
		{"padded tuple", ir.Tuple(ir.U8, ir.U32, ir.U8), 12, 4, AbiAggregate},
		{"single field struct", ir.Struct("Wrap", ir.U64), 8, 8, AbiAggregate},
	}
	target := NewTarget()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := target.LayoutOf(tt.ty)
			if err != nil {
				t.Fatalf("LayoutOf(%s) error = %v", tt.ty, err)
			}
			if l.Size != tt.size || l.Align != tt.align || l.Abi != tt.abi {
				t.Errorf("LayoutOf(%s) = size %d align %d abi %d, want %d %d %d",
					tt.ty, l.Size, l.Align, l.Abi, tt.size, tt.align, tt.abi)
			}
		})
	}
}

func TestFieldOffsets(t *testing.T) {
	l, err := NewTarget().LayoutOf(ir.Tuple(ir.U8, ir.U32, ir.U16))
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{0, 4, 8}
	if len(l.FieldOffsets) != len(want) {
		t.Fatalf("FieldOffsets = %v, want %v", l.FieldOffsets, want)
	}
	for i := range want {
		if l.FieldOffsets[i] != want[i] {
			t.Errorf("FieldOffsets[%d] = %d, want %d", i, l.FieldOffsets[i], want[i])
		}
	}
	if l.FieldCount() != 3 {
		t.Errorf("FieldCount() = %d, want 3", l.FieldCount())
	}

	arr, _ := NewTarget().LayoutOf(ir.Array(ir.U16, 5))
	if arr.FieldCount() != 5 || arr.Stride != 2 {
		t.Errorf("array FieldCount() = %d stride %d", arr.FieldCount(), arr.Stride)
	}

	fat, _ := NewTarget().LayoutOf(ir.Ptr(ir.Slice(ir.U32), true))
	if !fat.Fat || fat.FieldTys[1].String() != "u64" || fat.FieldTys[0].String() != "*mut u32" {
		t.Errorf("fat pointer fields = %v", fat.FieldTys)
	}
}

func TestLayoutErrors(t *testing.T) {
	tests := []struct {
		name string
		ty   ir.Ty
		want error
	}{
		{"generic", ir.Param("T"), ErrNotConcrete},
		{"generic field", ir.Tuple(ir.U8, ir.Param("T")), ErrNotConcrete},
		{"odd int width", ir.Uint(24), ErrUnsupported},
		{"wide int", ir.Int(256), ErrUnsupported},
		{"f16", ir.Ty{Kind: ir.TyFloat, Bits: 16}, ErrUnsupported},
		{"unsized field", ir.Tuple(ir.U8, ir.Slice(ir.U8)), ErrUnsupported},
		{"huge array", ir.Array(ir.U64, 1<<62), ErrUnsupported},
		{"huge tuple", ir.Tuple(ir.Array(ir.U8, 1<<63), ir.Array(ir.U8, 1<<63)), ErrUnsupported},
		{"huge field padding", ir.Tuple(ir.Array(ir.U8, ^uint64(0)), ir.U64), ErrUnsupported},
		{"huge tail padding", ir.Tuple(ir.U64, ir.Array(ir.U8, ^uint64(0)-8)), ErrUnsupported},
	}
	target := NewTarget()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := target.LayoutOf(tt.ty); !errors.Is(err, tt.want) {
				t.Errorf("LayoutOf(%s) error = %v, want %v", tt.ty, err, tt.want)
			}
		})
	}
}

func TestSliceIsUnsized(t *testing.T) {
	l, err := NewTarget().LayoutOf(ir.Slice(ir.U32))
	if err != nil {
		t.Fatal(err)
	}
	if !l.Unsized || l.IsZST() || l.Stride != 4 {
		t.Errorf("slice layout = %+v", l)
	}
}

func TestConcurrentLayoutOf(t *testing.T) {
	target := NewTarget()
	ty := ir.Struct("Pair", ir.U64, ir.Array(ir.U8, 3))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := target.LayoutOf(ty)
			if err != nil || l.Size != 16 {
				t.Errorf("LayoutOf() = %+v, %v", l, err)
			}
		}()
	}
	wg.Wait()
}
