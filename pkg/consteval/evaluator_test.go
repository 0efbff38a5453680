package consteval

import (
	"errors"
	"sync"
	"testing"

	"github.com/fortiblox/mirvm/internal/types"
	"github.com/fortiblox/mirvm/pkg/constcache"
	"github.com/fortiblox/mirvm/pkg/interp"
	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/fortiblox/mirvm/pkg/layout"
)

var u32Ptr = ir.Ptr(ir.U32, false)

// powFn computes base^exp with a loop.
func powFn() *ir.Body {
	b := ir.NewBuilder("pow", ir.U64, ir.U64, ir.U32)
	base, exp := b.Arg(0), b.Arg(1)
	cond := b.Local("cond", ir.Bool)

	entry := b.Reserve()
	head := b.Reserve()
	loop := b.Reserve()
	done := b.Reserve()

	b.Set(entry, ir.Goto(head),
		ir.Assign(ir.Place(ir.ReturnLocal), ir.Use(ir.ConstUint(ir.U64, 1))))
	b.Set(head, ir.If(ir.Copy(cond), loop, done),
		ir.Assign(ir.Place(cond), ir.Binary(ir.BinGt, ir.Copy(exp), ir.ConstUint(ir.U32, 0))))
	b.Set(loop, ir.Goto(head),
		ir.Assign(ir.Place(ir.ReturnLocal), ir.Binary(ir.BinMul, ir.Copy(ir.ReturnLocal), ir.Copy(base))),
		ir.Assign(ir.Place(exp), ir.Binary(ir.BinSub, ir.Copy(exp), ir.ConstUint(ir.U32, 1))))
	b.Set(done, ir.Return())
	return b.Build()
}

// callConst is a const initializer returning fn(args...).
func callConst(name string, ret ir.Ty, fn ir.FnRef, args ...ir.Operand) *ir.Body {
	b := ir.NewBuilder(name, ret)
	entry := b.Reserve()
	done := b.Reserve()
	b.Set(entry, ir.Call(fn, ir.Place(ir.ReturnLocal), done, args...))
	b.Set(done, ir.Return())
	return b.Build()
}

// valueConst is a const initializer returning rv.
func valueConst(name string, ret ir.Ty, rv ir.Rvalue) *ir.Body {
	b := ir.NewBuilder(name, ret)
	b.Block(ir.Return(), ir.Assign(ir.Place(ir.ReturnLocal), rv))
	return b.Build()
}

// indexConst reads element idx of [10, 20, 30, 40].
func indexConst(idx uint64) *ir.Body {
	b := ir.NewBuilder("index", ir.U32)
	arr := b.Local("arr", ir.Array(ir.U32, 4))
	i := b.Local("i", ir.Usize)
	b.Block(ir.Return(),
		ir.Assign(ir.Place(arr), ir.Aggregate(ir.AggArray, ir.Array(ir.U32, 4),
			ir.ConstUint(ir.U32, 10), ir.ConstUint(ir.U32, 20), ir.ConstUint(ir.U32, 30), ir.ConstUint(ir.U32, 40))),
		ir.Assign(ir.Place(i), ir.Use(ir.ConstUint(ir.Usize, idx))),
		ir.Assign(ir.Place(ir.ReturnLocal), ir.Use(ir.CopyPlace(ir.Place(arr).Index(i)))))
	return b.Build()
}

// derefStatic reads the u32 static name through a pointer.
func derefStatic(name string) *ir.Body {
	b := ir.NewBuilder("read_"+name, ir.U32)
	p := b.Local("p", u32Ptr)
	b.Block(ir.Return(),
		ir.Assign(ir.Place(p), ir.Use(ir.StaticRef(name, u32Ptr))),
		ir.Assign(ir.Place(ir.ReturnLocal), ir.Use(ir.CopyPlace(ir.Place(p).Deref()))))
	return b.Build()
}

func testProgram() *ir.Program {
	p := ir.NewProgram()
	p.AddBody("pow", powFn())

	down := ir.NewBuilder("down", ir.U64, ir.U64)
	entry := down.Reserve()
	ret := down.Reserve()
	down.Set(entry, ir.Call("down", ir.Place(ir.ReturnLocal), ret, ir.Copy(down.Arg(0))))
	down.Set(ret, ir.Return())
	p.AddBody("down", down.Build())

	p.Externs = append(p.Externs, "getpid")

	p.AddStatic(&ir.Static{Name: "LIMIT", Ty: ir.U32, Init: valueConst("LIMIT", ir.U32, ir.Use(ir.ConstUint(ir.U32, 7)))})
	p.AddStatic(&ir.Static{Name: "COUNTER", Ty: ir.U32, Mutable: true, Init: valueConst("COUNTER", ir.U32, ir.Use(ir.ConstUint(ir.U32, 0)))})
	p.AddStatic(&ir.Static{Name: "PING", Ty: u32Ptr, Init: valueConst("PING", u32Ptr, ir.Use(ir.StaticRef("PONG", u32Ptr)))})
	p.AddStatic(&ir.Static{Name: "PONG", Ty: u32Ptr, Init: valueConst("PONG", u32Ptr, ir.Use(ir.StaticRef("PING", u32Ptr)))})

	p.AddConst("BASE", valueConst("BASE", ir.U64, ir.Use(ir.ConstUint(ir.U64, 41))))
	p.AddConst("ANSWER", valueConst("ANSWER", ir.U64, ir.Binary(ir.BinAdd, ir.ItemRef("BASE", ir.U64), ir.ConstUint(ir.U64, 1))))
	p.AddConst("TICK", valueConst("TICK", ir.U64, ir.Use(ir.ItemRef("TOCK", ir.U64))))
	p.AddConst("TOCK", valueConst("TOCK", ir.U64, ir.Use(ir.ItemRef("TICK", ir.U64))))
	return p
}

func newEvaluator(t *testing.T, cfg Config) *Evaluator {
	t.Helper()
	e, err := New(ProgramEnv(testProgram(), layout.NewTarget()), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func wantKind(t *testing.T, err error, sentinel error) {
	t.Helper()
	if !errors.Is(err, sentinel) {
		t.Fatalf("error = %v, want %v", err, sentinel)
	}
}

func wantUint(t *testing.T, cv *interp.ConstValue, err error, want uint64) {
	t.Helper()
	if err != nil {
		t.Fatalf("evaluation error = %v", err)
	}
	got, err := cv.Uint64()
	if err != nil {
		t.Fatalf("Uint64() error = %v", err)
	}
	if got != want {
		t.Errorf("value = %d, want %d", got, want)
	}
}

func TestEvaluateConstant(t *testing.T) {
	e := newEvaluator(t, DefaultConfig())
	cv, err := e.EvaluateConstant(callConst("POW", ir.U64, "pow", ir.ConstUint(ir.U64, 2), ir.ConstUint(ir.U32, 10)))
	wantUint(t, cv, err, 1024)
	if cv.Kind != interp.ConstScalarValue || cv.Alloc != nil {
		t.Errorf("scalar result kept an allocation: %+v", cv)
	}
}

func TestEvaluateErrors(t *testing.T) {
	tests := []struct {
		name string
		body *ir.Body
		want error
	}{
		{"overflow", valueConst("OVF", ir.U8, ir.Binary(ir.BinAdd, ir.ConstUint(ir.U8, 255), ir.ConstUint(ir.U8, 1))), interp.ErrOverflow},
		{"division by zero", valueConst("DIV", ir.U32, ir.Binary(ir.BinDiv, ir.ConstUint(ir.U32, 1), ir.ConstUint(ir.U32, 0))), interp.ErrDivisionByZero},
		{"out of bounds", indexConst(5), interp.ErrOutOfBounds},
		{"extern call", callConst("PID", ir.U32, "getpid"), interp.ErrNotConst},
		{"mutable static", derefStatic("COUNTER"), interp.ErrNotConst},
		{"unknown static", derefStatic("MISSING"), interp.ErrExecutionStuck},
		{"unbounded recursion", callConst("DOWN", ir.U64, "down", ir.ConstUint(ir.U64, 0)), interp.ErrResourceExhausted},
	}
	e := newEvaluator(t, DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.EvaluateConstant(tt.body)
			wantKind(t, err, tt.want)
		})
	}
}

func TestHeapIntrinsicNotConst(t *testing.T) {
	b := ir.NewBuilder("HEAP", u32Ptr)
	entry := b.Reserve()
	done := b.Reserve()
	b.Set(entry, ir.CallIntrinsic("alloc", []ir.Ty{ir.U32}, ir.Place(ir.ReturnLocal), done))
	b.Set(done, ir.Return())

	e := newEvaluator(t, DefaultConfig())
	_, err := e.EvaluateConstant(b.Build())
	wantKind(t, err, interp.ErrNotConst)
}

func TestPointerComparisonNotConst(t *testing.T) {
	b := ir.NewBuilder("CMP", ir.Bool)
	x := b.Local("x", ir.U32)
	y := b.Local("y", ir.U32)
	px := b.Local("px", u32Ptr)
	py := b.Local("py", u32Ptr)
	b.Block(ir.Return(),
		ir.Assign(ir.Place(x), ir.Use(ir.ConstUint(ir.U32, 1))),
		ir.Assign(ir.Place(y), ir.Use(ir.ConstUint(ir.U32, 1))),
		ir.Assign(ir.Place(px), ir.Ref(ir.Place(x), false)),
		ir.Assign(ir.Place(py), ir.Ref(ir.Place(y), false)),
		ir.Assign(ir.Place(ir.ReturnLocal), ir.Binary(ir.BinLt, ir.Copy(px), ir.Copy(py))))

	e := newEvaluator(t, DefaultConfig())
	_, err := e.EvaluateConstant(b.Build())
	wantKind(t, err, interp.ErrNotConst)
}

func TestCachedFailureIsIdentical(t *testing.T) {
	e := newEvaluator(t, DefaultConfig())
	_, first := e.EvaluateConstant(indexConst(5))
	_, second := e.EvaluateConstant(indexConst(5))
	wantKind(t, first, interp.ErrOutOfBounds)
	if first != second {
		t.Errorf("second evaluation returned a different error: %v vs %v", first, second)
	}
	if s := e.Stats(); s.Misses != 1 || s.Hits != 1 || s.Failures != 1 {
		t.Errorf("Stats() = %+v, want 1 miss, 1 hit, 1 failure", s)
	}
}

func TestStatics(t *testing.T) {
	e := newEvaluator(t, DefaultConfig())
	cv, err := e.EvaluateConstant(derefStatic("LIMIT"))
	wantUint(t, cv, err, 7)

	// A different body reading the same static reuses its memory.
	b := ir.NewBuilder("double", ir.U32)
	p := b.Local("p", u32Ptr)
	b.Block(ir.Return(),
		ir.Assign(ir.Place(p), ir.Use(ir.StaticRef("LIMIT", u32Ptr))),
		ir.Assign(ir.Place(ir.ReturnLocal), ir.Binary(ir.BinMul, ir.CopyPlace(ir.Place(p).Deref()), ir.ConstUint(ir.U32, 2))))
	cv, err = e.EvaluateConstant(b.Build())
	wantUint(t, cv, err, 14)

	if runs := e.Stats().StaticRuns; runs != 1 {
		t.Errorf("static initializer ran %d times, want 1", runs)
	}

	_, err = e.EvaluateConstant(valueConst("CYCLE", u32Ptr, ir.Use(ir.StaticRef("PING", u32Ptr))))
	wantKind(t, err, interp.ErrExecutionStuck)
}

func TestStaticIsReadOnly(t *testing.T) {
	b := ir.NewBuilder("WRITE", ir.Unit)
	p := b.Local("p", ir.Ptr(ir.U32, true))
	b.Block(ir.Return(),
		ir.Assign(ir.Place(p), ir.Use(ir.StaticRef("LIMIT", ir.Ptr(ir.U32, true)))),
		ir.Assign(ir.Place(p).Deref(), ir.Use(ir.ConstUint(ir.U32, 9))))

	e := newEvaluator(t, DefaultConfig())
	if _, err := e.EvaluateConstant(b.Build()); err == nil {
		t.Fatal("write through a pointer to an immutable static succeeded")
	}
}

func TestEvaluateItem(t *testing.T) {
	e := newEvaluator(t, DefaultConfig())
	cv, err := e.EvaluateItem("ANSWER")
	wantUint(t, cv, err, 42)

	_, err = e.EvaluateItem("TICK")
	wantKind(t, err, interp.ErrExecutionStuck)

	_, err = e.EvaluateItem("NOPE")
	wantKind(t, err, interp.ErrExecutionStuck)

	// A use with the wrong type is a layout error.
	_, err = e.EvaluateConstant(valueConst("WRONG", ir.U32, ir.Use(ir.ItemRef("BASE", ir.U32))))
	wantKind(t, err, interp.ErrLayout)
}

func TestConstField(t *testing.T) {
	pair := ir.Tuple(ir.U8, ir.U32)
	e := newEvaluator(t, DefaultConfig())
	cv, err := e.EvaluateConstant(valueConst("PAIR", pair,
		ir.Aggregate(ir.AggTuple, pair, ir.ConstUint(ir.U8, 1), ir.ConstUint(ir.U32, 7))))
	if err != nil {
		t.Fatalf("EvaluateConstant() error = %v", err)
	}
	if cv.Kind != interp.ConstIndirect {
		t.Fatalf("tuple constant kind = %d, want indirect", cv.Kind)
	}
	f, err := e.ConstField(cv, 1)
	wantUint(t, f, err, 7)
	if !f.Ty.Equal(ir.U32) {
		t.Errorf("field type = %s, want u32", f.Ty)
	}
	_, err = e.ConstField(cv, 2)
	wantKind(t, err, interp.ErrOutOfBounds)

	arr, err := e.EvaluateConstant(valueConst("ARR", ir.Array(ir.U16, 3),
		ir.Repeat(ir.ConstUint(ir.U16, 9), 3, ir.Array(ir.U16, 3))))
	if err != nil {
		t.Fatalf("EvaluateConstant(array) error = %v", err)
	}
	f, err = e.ConstField(arr, 2)
	wantUint(t, f, err, 9)
}

func TestConcurrentEvaluation(t *testing.T) {
	e := newEvaluator(t, DefaultConfig())
	body := callConst("POW", ir.U64, "pow", ir.ConstUint(ir.U64, 3), ir.ConstUint(ir.U32, 4))

	const workers = 16
	results := make([]*interp.ConstValue, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cv, err := e.EvaluateConstant(body)
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			results[i] = cv
		}(i)
	}
	wg.Wait()
	for i, cv := range results {
		if cv != results[0] {
			t.Errorf("worker %d got a different interned value", i)
		}
	}
	wantUint(t, results[0], nil, 81)
}

func TestPersistentStore(t *testing.T) {
	store := constcache.NewMemoryStore()
	defer store.Close()
	cfg := DefaultConfig()
	cfg.Store = store
	cfg.Namespace = types.ComputeHash([]byte("test program"))

	tableTy := ir.Tuple(u32Ptr, ir.U64)
	table := valueConst("TABLE", tableTy,
		ir.Aggregate(ir.AggTuple, tableTy, ir.StaticRef("LIMIT", u32Ptr), ir.ConstUint(ir.U64, 3)))

	first := newEvaluator(t, cfg)
	want, err := first.EvaluateConstant(table)
	if err != nil {
		t.Fatalf("EvaluateConstant() error = %v", err)
	}
	_, wantErr := first.EvaluateConstant(indexConst(5))
	if n, _ := store.Len(); n != 2 {
		t.Fatalf("store holds %d entries, want 2", n)
	}

	second := newEvaluator(t, cfg)
	got, err := second.EvaluateConstant(table)
	if err != nil {
		t.Fatalf("EvaluateConstant() from store error = %v", err)
	}
	if s := second.Stats(); s.StoreHits != 1 || s.Misses != 0 {
		t.Errorf("Stats() = %+v, want one store hit", s)
	}
	if got.String() != want.String() {
		t.Errorf("decoded %s, want %s", got, want)
	}
	target := got.Alloc.Relocs[0]
	if target == nil || string(target.Bytes) != string(want.Alloc.Relocs[0].Bytes) {
		t.Errorf("relocation at offset 0 not restored: %+v", got.Alloc.Relocs)
	}
	f, err := second.ConstField(got, 1)
	wantUint(t, f, err, 3)

	_, gotErr := second.EvaluateConstant(indexConst(5))
	wantKind(t, gotErr, interp.ErrOutOfBounds)
	if gotErr.Error() != wantErr.Error() {
		t.Errorf("cached failure = %q, want %q", gotErr, wantErr)
	}
}

func TestConfigValidate(t *testing.T) {
	store := constcache.NewMemoryStore()
	defer store.Close()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"store with namespace", func(c *Config) {
			c.Store = store
			c.Namespace = types.ComputeHash([]byte("program"))
		}, false},
		{"store without namespace", func(c *Config) { c.Store = store }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
			if _, err := New(ProgramEnv(testProgram(), layout.NewTarget()), cfg); (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBodyHash(t *testing.T) {
	body := indexConst(1)
	a := newEvaluator(t, DefaultConfig())

	cfg := DefaultConfig()
	cfg.Namespace = types.ComputeHash([]byte("other program"))
	b := newEvaluator(t, cfg)

	cfg = DefaultConfig()
	cfg.Interp.StepLimit = 10
	c := newEvaluator(t, cfg)

	ha, _ := a.BodyHash(body)
	hb, _ := b.BodyHash(body)
	hc, _ := c.BodyHash(body)
	if ha == hb || ha == hc {
		t.Error("namespace and limits must change the body identity")
	}
	if again, _ := a.BodyHash(indexConst(1)); again != ha {
		t.Error("identical bodies hash differently")
	}
	if other, _ := a.BodyHash(indexConst(2)); other == ha {
		t.Error("different bodies hash identically")
	}
}

func TestFingerprint(t *testing.T) {
	a, err := Fingerprint(testProgram())
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	b, _ := Fingerprint(testProgram())
	if a != b {
		t.Error("Fingerprint is not deterministic")
	}
	p := testProgram()
	p.AddConst("EXTRA", valueConst("EXTRA", ir.U8, ir.Use(ir.ConstUint(ir.U8, 1))))
	if c, _ := Fingerprint(p); c == a {
		t.Error("Fingerprint ignores added items")
	}
}
