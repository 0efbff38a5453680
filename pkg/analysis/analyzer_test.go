package analysis

import (
	"errors"
	"testing"

	"github.com/fortiblox/mirvm/pkg/consteval"
	"github.com/fortiblox/mirvm/pkg/interp"
	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/fortiblox/mirvm/pkg/layout"
)

var (
	bytePtr = ir.Ptr(ir.U8, true)
	wordPtr = ir.Ptr(ir.U64, true)
	u32Mut  = ir.Ptr(ir.U32, true)
)

type heapMode int

const (
	heapFree heapMode = iota
	heapLeak
	heapUseAfterFree
	heapDoubleFree
)

// heapBody allocates a u64 on the heap, stores 99 through it and reads it
// back. The mode decides what happens to the allocation afterwards.
func heapBody(mode heapMode) *ir.Body {
	b := ir.NewBuilder("heap", ir.U64)
	p := b.Local("p", bytePtr)
	q := b.Local("q", wordPtr)
	unit := b.Local("unit", ir.Unit)

	entry := b.Reserve()
	use := b.Reserve()
	freed := b.Reserve()
	done := b.Reserve()

	size, align := ir.ConstUint(ir.Usize, 8), ir.ConstUint(ir.Usize, 8)
	b.Set(entry, ir.CallIntrinsic("alloc", nil, ir.Place(p), use, size, align))

	stmts := []ir.Statement{
		ir.Assign(ir.Place(q), ir.CastTo(ir.CastPtrToPtr, ir.Copy(p), wordPtr)),
		ir.Assign(ir.Place(q).Deref(), ir.Use(ir.ConstUint(ir.U64, 99))),
		ir.Assign(ir.Place(ir.ReturnLocal), ir.Use(ir.CopyPlace(ir.Place(q).Deref()))),
	}
	if mode == heapLeak {
		b.Set(use, ir.Return(), stmts...)
	} else {
		b.Set(use, ir.CallIntrinsic("dealloc", nil, ir.Place(unit), freed, ir.Copy(p), size, align), stmts...)
	}

	switch mode {
	case heapUseAfterFree:
		b.Set(freed, ir.Goto(done),
			ir.Assign(ir.Place(ir.ReturnLocal), ir.Use(ir.CopyPlace(ir.Place(q).Deref()))))
	case heapDoubleFree:
		b.Set(freed, ir.CallIntrinsic("dealloc", nil, ir.Place(unit), done, ir.Copy(p), size, align))
	default:
		b.Set(freed, ir.Goto(done))
	}
	b.Set(done, ir.Return())
	return b.Build()
}

// bumpBody increments the mutable static COUNTER and returns it.
func bumpBody() *ir.Body {
	b := ir.NewBuilder("bump", ir.U32)
	p := b.Local("p", u32Mut)
	b.Block(ir.Return(),
		ir.Assign(ir.Place(p), ir.Use(ir.StaticRef("COUNTER", u32Mut))),
		ir.Assign(ir.Place(p).Deref(), ir.Binary(ir.BinAdd, ir.CopyPlace(ir.Place(p).Deref()), ir.ConstUint(ir.U32, 1))),
		ir.Assign(ir.Place(ir.ReturnLocal), ir.Use(ir.CopyPlace(ir.Place(p).Deref()))))
	return b.Build()
}

func twiceBody() *ir.Body {
	b := ir.NewBuilder("twice", ir.U32)
	tmp := b.Local("tmp", ir.U32)
	first := b.Reserve()
	second := b.Reserve()
	done := b.Reserve()
	b.Set(first, ir.Call("bump", ir.Place(tmp), second))
	b.Set(second, ir.Call("bump", ir.Place(ir.ReturnLocal), done))
	b.Set(done, ir.Return())
	return b.Build()
}

func constBody(name string, ty ir.Ty, rv ir.Rvalue) *ir.Body {
	b := ir.NewBuilder(name, ty)
	b.Block(ir.Return(), ir.Assign(ir.Place(ir.ReturnLocal), rv))
	return b.Build()
}

func testProgram() *ir.Program {
	p := ir.NewProgram()
	for name, mode := range map[ir.FnRef]heapMode{
		"heap_free": heapFree, "heap_leak": heapLeak,
		"heap_uaf": heapUseAfterFree, "heap_double_free": heapDoubleFree,
	} {
		p.AddBody(name, heapBody(mode))
	}
	p.AddBody("bump", bumpBody())
	p.AddBody("twice", twiceBody())
	p.AddStatic(&ir.Static{Name: "COUNTER", Ty: ir.U32, Mutable: true, Init: constBody("COUNTER", ir.U32, ir.Use(ir.ConstUint(ir.U32, 0)))})
	p.AddStatic(&ir.Static{Name: "LIMIT", Ty: ir.U32, Init: constBody("LIMIT", ir.U32, ir.Use(ir.ConstUint(ir.U32, 7)))})
	p.AddConst("SEED", constBody("SEED", ir.U64, ir.Use(ir.ConstUint(ir.U64, 40))))

	inc := ir.NewBuilder("inc", ir.U8, ir.U8)
	inc.Block(ir.Return(),
		ir.Assign(ir.Place(ir.ReturnLocal), ir.Binary(ir.BinAdd, ir.Copy(inc.Arg(0)), ir.ConstUint(ir.U8, 1))))
	p.AddBody("inc", inc.Build())

	host := ir.NewBuilder("call_host", ir.U64)
	entry := host.Reserve()
	done := host.Reserve()
	host.Set(entry, ir.Call("host_add", ir.Place(ir.ReturnLocal), done, ir.ItemRef("SEED", ir.U64), ir.ConstUint(ir.U64, 2)))
	host.Set(done, ir.Return())
	p.AddBody("call_host", host.Build())
	p.Externs = append(p.Externs, "host_add")

	write := ir.NewBuilder("write_limit", ir.Unit)
	wp := write.Local("p", u32Mut)
	write.Block(ir.Return(),
		ir.Assign(ir.Place(wp), ir.Use(ir.StaticRef("LIMIT", u32Mut))),
		ir.Assign(ir.Place(wp).Deref(), ir.Use(ir.ConstUint(ir.U32, 8))))
	p.AddBody("write_limit", write.Build())

	p.AddBody("roundtrip", provenanceBody(true))
	p.AddBody("forged", provenanceBody(false))
	return p
}

// provenanceBody stores 5 in a local, casts its address to an integer and
// back, and reads through the result. A forged body reads through the
// address of an allocation whose address was never exposed.
func provenanceBody(exposed bool) *ir.Body {
	b := ir.NewBuilder("provenance", ir.U32)
	x := b.Local("x", ir.U32)
	p := b.Local("p", u32Mut)
	addr := b.Local("addr", ir.Usize)
	q := b.Local("q", u32Mut)
	stmts := []ir.Statement{
		ir.Assign(ir.Place(x), ir.Use(ir.ConstUint(ir.U32, 5))),
		ir.Assign(ir.Place(p), ir.Ref(ir.Place(x), true)),
	}
	if exposed {
		stmts = append(stmts, ir.Assign(ir.Place(addr), ir.CastTo(ir.CastPtrToInt, ir.Copy(p), ir.Usize)))
	} else {
		stmts = append(stmts, ir.Assign(ir.Place(addr), ir.Use(ir.ConstUint(ir.Usize, 0x10000))))
	}
	stmts = append(stmts,
		ir.Assign(ir.Place(q), ir.CastTo(ir.CastIntToPtr, ir.Copy(addr), u32Mut)),
		ir.Assign(ir.Place(ir.ReturnLocal), ir.Use(ir.CopyPlace(ir.Place(q).Deref()))))
	b.Block(ir.Return(), stmts...)
	return b.Build()
}

func newAnalyzer(t *testing.T, cfg Config) *Analyzer {
	t.Helper()
	prog := testProgram()
	env := consteval.ProgramEnv(prog, layout.NewTarget())
	a, err := New(env, nil, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	a.Hosts().Register("host_add", 0, func(ctx *interp.EvalContext, args []interp.TypedValue, dest interp.PlaceTy) error {
		x, err := args[0].A.Uint64()
		if err != nil {
			return err
		}
		y, err := args[1].A.Uint64()
		if err != nil {
			return err
		}
		return ctx.WriteValue(interp.TypedValue{Value: interp.ByVal(interp.ScalarFromUint(x + y)), Layout: dest.Layout}, dest)
	})
	return a
}

func wantValue(t *testing.T, r *Report, err error, want uint64) {
	t.Helper()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got, err := r.Value.Uint64()
	if err != nil {
		t.Fatalf("Uint64() error = %v", err)
	}
	if got != want {
		t.Errorf("value = %d, want %d", got, want)
	}
}

func TestHeap(t *testing.T) {
	tests := []struct {
		entry ir.FnRef
		want  error
		leaks int
	}{
		{"heap_free", nil, 0},
		{"heap_leak", nil, 1},
		{"heap_uaf", interp.ErrUseAfterFree, 0},
		{"heap_double_free", interp.ErrUseAfterFree, 0},
	}
	a := newAnalyzer(t, DefaultConfig())
	for _, tt := range tests {
		t.Run(string(tt.entry), func(t *testing.T) {
			r, err := a.Run(tt.entry)
			if tt.want != nil {
				if !errors.Is(err, tt.want) {
					t.Fatalf("Run() error = %v, want %v", err, tt.want)
				}
				if r.Err != err {
					t.Errorf("Report.Err = %v, want %v", r.Err, err)
				}
				return
			}
			wantValue(t, r, err, 99)
			if len(r.Leaks) != tt.leaks {
				t.Fatalf("leaks = %d, want %d", len(r.Leaks), tt.leaks)
			}
			if tt.leaks > 0 && r.Leaks[0].Size != 8 {
				t.Errorf("leak size = %d, want 8", r.Leaks[0].Size)
			}
			if r.OK() != (tt.leaks == 0) {
				t.Errorf("OK() = %v", r.OK())
			}
		})
	}
}

func TestOverflowChecks(t *testing.T) {
	arg := &interp.ConstValue{Ty: ir.U8, Kind: interp.ConstScalarValue}
	arg.A.Bits.SetUint64(255)

	checked := newAnalyzer(t, DefaultConfig())
	_, err := checked.Run("inc", arg)
	if !errors.Is(err, interp.ErrOverflow) {
		t.Errorf("Run() with checks error = %v, want %v", err, interp.ErrOverflow)
	}

	cfg := DefaultConfig()
	cfg.OverflowChecks = false
	wrapping := newAnalyzer(t, cfg)
	r, err := wrapping.Run("inc", arg)
	wantValue(t, r, err, 0)
}

func TestMutableGlobal(t *testing.T) {
	a := newAnalyzer(t, DefaultConfig())
	r, err := a.Run("twice")
	wantValue(t, r, err, 2)

	// Every run starts from the initializer.
	r, err = a.Run("twice")
	wantValue(t, r, err, 2)

	_, err = a.Run("write_limit")
	if !errors.Is(err, interp.ErrInvalidPointer) {
		t.Errorf("write to immutable static error = %v, want %v", err, interp.ErrInvalidPointer)
	}
}

func TestHosts(t *testing.T) {
	a := newAnalyzer(t, DefaultConfig())
	r, err := a.Run("call_host")
	wantValue(t, r, err, 42)

	if names := a.Hosts().Names(); len(names) != 1 || names[0] != "host_add" {
		t.Errorf("Names() = %v", names)
	}

	prog := testProgram()
	bare, err := New(consteval.ProgramEnv(prog, layout.NewTarget()), nil, DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = bare.Run("call_host")
	if !errors.Is(err, interp.ErrNoImplementation) {
		t.Errorf("Run() without host error = %v, want %v", err, interp.ErrNoImplementation)
	}
}

func TestProvenance(t *testing.T) {
	a := newAnalyzer(t, DefaultConfig())
	r, err := a.Run("roundtrip")
	wantValue(t, r, err, 5)

	_, err = a.Run("forged")
	if !errors.Is(err, interp.ErrInvalidPointer) {
		t.Errorf("Run(forged) error = %v, want %v", err, interp.ErrInvalidPointer)
	}
}

func TestTracer(t *testing.T) {
	var steps int
	var last interp.StepOutcome
	var fns = make(map[string]bool)
	cfg := DefaultConfig()
	cfg.Tracer = TracerFunc(func(ctx *interp.EvalContext, at interp.Location, out interp.StepOutcome) {
		steps++
		last = out
		fns[at.Fn] = true
	})
	a := newAnalyzer(t, cfg)
	r, err := a.Run("twice")
	wantValue(t, r, err, 2)

	if steps == 0 || last.Kind != interp.StepFinished {
		t.Errorf("tracer saw %d steps ending with %d", steps, last.Kind)
	}
	if !fns["twice"] || !fns["bump"] {
		t.Errorf("tracer saw functions %v", fns)
	}
	if r.MaxDepth != 2 {
		t.Errorf("MaxDepth = %d, want 2", r.MaxDepth)
	}
}

func TestUnknownEntry(t *testing.T) {
	a := newAnalyzer(t, DefaultConfig())
	r, err := a.Run("missing")
	if !errors.Is(err, ir.ErrNoBody) {
		t.Errorf("Run() error = %v, want %v", err, ir.ErrNoBody)
	}
	if r == nil || r.Err == nil {
		t.Error("failed run did not record its error")
	}
}
