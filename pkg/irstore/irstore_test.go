package irstore

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fortiblox/mirvm/pkg/consteval"
	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/fortiblox/mirvm/pkg/layout"
)

// doubleFn returns 2*x.
func doubleFn() *ir.Body {
	b := ir.NewBuilder("double", ir.U32, ir.U32)
	b.Block(ir.Return(),
		ir.Assign(ir.Place(ir.ReturnLocal), ir.Binary(ir.BinAdd, ir.Copy(b.Arg(0)), ir.Copy(b.Arg(0)))))
	return b.Build()
}

// unitFn returns (). Its return local has the zero-valued unit type.
func unitFn() *ir.Body {
	b := ir.NewBuilder("nothing", ir.Unit)
	b.Block(ir.Return())
	return b.Build()
}

func constBody(name string, ret ir.Ty, rv ir.Rvalue) *ir.Body {
	b := ir.NewBuilder(name, ret)
	b.Block(ir.Return(), ir.Assign(ir.Place(ir.ReturnLocal), rv))
	return b.Build()
}

func callBody(name string, ret ir.Ty, fn ir.FnRef, args ...ir.Operand) *ir.Body {
	b := ir.NewBuilder(name, ret)
	entry := b.Reserve()
	done := b.Reserve()
	b.Set(entry, ir.Call(fn, ir.Place(ir.ReturnLocal), done, args...))
	b.Set(done, ir.Return())
	return b.Build()
}

func testProgram() *ir.Program {
	p := ir.NewProgram()
	p.AddBody("double", doubleFn())
	p.AddBody("nothing", unitFn())
	p.Externs = append(p.Externs, "getpid")
	p.AddImpl(ir.U32, "twice", "double")

	unitPtr := ir.Ptr(ir.Unit, false)
	p.AddStatic(&ir.Static{Name: "LIMIT", Ty: ir.U32, Init: constBody("LIMIT", ir.U32, ir.Use(ir.ConstUint(ir.U32, 21)))})
	p.AddStatic(&ir.Static{Name: "EMPTY", Ty: unitPtr, Init: constBody("EMPTY", unitPtr, ir.Use(ir.StaticRef("LIMIT", unitPtr)))})
	p.AddConst("ANSWER", callBody("ANSWER", ir.U32, "double", ir.ConstUint(ir.U32, 21)))
	return p
}

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestImportExport(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "ir.db"))

	if _, err := s.Export(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Export() on empty store error = %v, want ErrEmpty", err)
	}
	if _, err := s.Fingerprint(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Fingerprint() on empty store error = %v, want ErrEmpty", err)
	}

	p := testProgram()
	if err := s.Import(p); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	want, err := consteval.Fingerprint(p)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if got != want {
		t.Errorf("Fingerprint() = %s, want %s", got.Short(), want.Short())
	}

	out, err := s.Export()
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	roundTrip, err := consteval.Fingerprint(out)
	if err != nil {
		t.Fatal(err)
	}
	if roundTrip != want {
		t.Errorf("exported program fingerprint = %s, want %s", roundTrip.Short(), want.Short())
	}
	if !out.IsExtern("getpid") {
		t.Error("exported program lost extern getpid")
	}

	names, err := s.FnNames()
	if err != nil {
		t.Fatalf("FnNames() error = %v", err)
	}
	if len(names) != 2 || names[0] != "double" || names[1] != "nothing" {
		t.Errorf("FnNames() = %v", names)
	}

	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.Bodies != 2 || stats.Consts != 1 || stats.Statics != 2 || stats.Impls != 1 {
		t.Errorf("GetStats() = %+v", stats)
	}
	if stats.ImportedAt.IsZero() {
		t.Error("ImportedAt not recorded")
	}
}

func TestLookups(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "ir.db"))
	if err := s.Import(testProgram()); err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	b1, err := s.BodyOf("double")
	if err != nil {
		t.Fatalf("BodyOf() error = %v", err)
	}
	b2, _ := s.BodyOf("double")
	if b1 != b2 {
		t.Error("BodyOf() returned different pointers for the same function")
	}
	if b1.ArgCount != 1 || b1.ReturnTy().Kind != ir.TyUint {
		t.Errorf("decoded body = %+v", b1)
	}

	unit, err := s.BodyOf("nothing")
	if err != nil {
		t.Fatalf("BodyOf(nothing) error = %v", err)
	}
	if unit.ReturnTy().Kind != ir.TyUnit {
		t.Errorf("unit return type decoded as %s", unit.ReturnTy())
	}

	st, err := s.StaticOf("EMPTY")
	if err != nil {
		t.Fatalf("StaticOf() error = %v", err)
	}
	if st.Ty.Elem == nil || st.Ty.Elem.Kind != ir.TyUnit {
		t.Errorf("pointer to unit decoded as %s", st.Ty)
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"missing body", func() error { _, err := s.BodyOf("missing"); return err }(), ir.ErrNoBody},
		{"extern body", func() error { _, err := s.BodyOf("getpid"); return err }(), ir.ErrNoBody},
		{"missing const", func() error { _, err := s.ConstOf("NOPE"); return err }(), ir.ErrNoItem},
		{"missing static", func() error { _, err := s.StaticOf("NOPE"); return err }(), ir.ErrNoItem},
		{"missing impl", func() error { _, err := s.ResolveImpl(ir.U64, "twice"); return err }(), ir.ErrNoImpl},
		{"generic impl", func() error { _, err := s.ResolveImpl(ir.Param("T"), "twice"); return err }(), ir.ErrNoImpl},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("error = %v, want %v", tt.err, tt.want)
			}
		})
	}

	fn, err := s.ResolveImpl(ir.U32, "twice")
	if err != nil || fn != "double" {
		t.Errorf("ResolveImpl() = %q, %v", fn, err)
	}
	if !s.IsExtern("getpid") || s.IsExtern("double") {
		t.Error("IsExtern() mismatch")
	}
}

func TestConcurrentBodyOf(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "ir.db"))
	if err := s.Import(testProgram()); err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	const workers = 8
	bodies := make([]*ir.Body, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bodies[i], _ = s.BodyOf("double")
		}(i)
	}
	wg.Wait()
	for i := 1; i < workers; i++ {
		if bodies[i] == nil || bodies[i] != bodies[0] {
			t.Fatalf("worker %d saw body %p, want %p", i, bodies[i], bodies[0])
		}
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ir.db")
	s, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Import(testProgram()); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	want, _ := s.Fingerprint()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := s.BodyOf("double"); !errors.Is(err, ErrClosed) {
		t.Errorf("BodyOf() after Close error = %v, want ErrClosed", err)
	}

	cfg := DefaultConfig(path)
	cfg.ReadOnly = true
	ro, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open(read-only) error = %v", err)
	}
	defer ro.Close()

	got, err := ro.Fingerprint()
	if err != nil || got != want {
		t.Errorf("Fingerprint() after reopen = %s, %v", got.Short(), err)
	}
	if fn, err := ro.ResolveImpl(ir.U32, "twice"); err != nil || fn != "double" {
		t.Errorf("ResolveImpl() after reopen = %q, %v", fn, err)
	}
	if err := ro.Import(testProgram()); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Import() on read-only store error = %v, want ErrReadOnly", err)
	}
}

func TestReimportReplaces(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "ir.db"))
	if err := s.Import(testProgram()); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if _, err := s.BodyOf("double"); err != nil {
		t.Fatal(err)
	}

	next := ir.NewProgram()
	next.AddBody("nothing", unitFn())
	if err := s.Import(next); err != nil {
		t.Fatalf("second Import() error = %v", err)
	}
	if _, err := s.BodyOf("double"); !errors.Is(err, ir.ErrNoBody) {
		t.Errorf("stale body survived re-import: %v", err)
	}
	if _, err := s.ResolveImpl(ir.U32, "twice"); !errors.Is(err, ir.ErrNoImpl) {
		t.Errorf("stale impl survived re-import: %v", err)
	}
}

func TestEvaluateFromStore(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "ir.db"))
	if err := s.Import(testProgram()); err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	eval, err := consteval.New(consteval.SourceEnv(s, layout.NewTarget()), consteval.DefaultConfig())
	if err != nil {
		t.Fatalf("consteval.New() error = %v", err)
	}
	cv, err := eval.EvaluateItem("ANSWER")
	if err != nil {
		t.Fatalf("EvaluateItem() error = %v", err)
	}
	if got, _ := cv.Uint64(); got != 42 {
		t.Errorf("ANSWER = %d, want 42", got)
	}

	ca, err := eval.StaticInitializer("LIMIT")
	if err != nil {
		t.Fatalf("StaticInitializer() error = %v", err)
	}
	if len(ca.Bytes) != 4 || ca.Bytes[0] != 21 {
		t.Errorf("LIMIT bytes = %v, want 21 little-endian", ca.Bytes)
	}
}
