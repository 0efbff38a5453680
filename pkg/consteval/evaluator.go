// Package consteval evaluates constant initializers at compile time.
//
// An Evaluator runs each body in a fresh interpreter session under the
// compile-time Machine and caches the outcome by content identity: the same
// body in the same program always yields the same ConstValue, or fails with
// the same error. Results are interned and immutable so later sessions can
// import them by reference.
package consteval

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/fortiblox/mirvm/internal/types"
	"github.com/fortiblox/mirvm/pkg/constcache"
	"github.com/fortiblox/mirvm/pkg/interp"
	"github.com/fortiblox/mirvm/pkg/ir"
)

// result is one cached outcome.
type result struct {
	value *interp.ConstValue
	err   error
}

// Stats counts cache activity.
type Stats struct {
	Hits       uint64
	StoreHits  uint64
	Misses     uint64
	Failures   uint64
	StaticRuns uint64
}

// Evaluator is the constant evaluation driver. It is safe for concurrent
// use: every evaluation owns its own session and the caches are guarded.
type Evaluator struct {
	env        Env
	config     Config
	logger     *log.Logger
	intrinsics *interp.Intrinsics

	mu      sync.Mutex
	results map[types.Hash]*result
	statics map[string]*staticResult

	hits, storeHits, misses, failures, staticRuns atomic.Uint64
}

type staticResult struct {
	alloc *interp.ConstAlloc
	err   error
}

// New creates an Evaluator over env.
func New(env Env, cfg Config) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if env.Layouts == nil || env.Bodies == nil || env.Impls == nil {
		return nil, fmt.Errorf("%w: layouts, bodies and impls are required", ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("consteval")
	}
	if cfg.Interp.Logger == nil {
		cfg.Interp.Logger = logger
	}
	return &Evaluator{
		env:        env,
		config:     cfg,
		logger:     logger,
		intrinsics: interp.NewIntrinsics(),
		results:    make(map[types.Hash]*result),
		statics:    make(map[string]*staticResult),
	}, nil
}

// Intrinsics is the builtin registry shared by every session.
func (e *Evaluator) Intrinsics() *interp.Intrinsics { return e.intrinsics }

// Stats returns a snapshot of the cache counters.
func (e *Evaluator) Stats() Stats {
	return Stats{
		Hits:       e.hits.Load(),
		StoreHits:  e.storeHits.Load(),
		Misses:     e.misses.Load(),
		Failures:   e.failures.Load(),
		StaticRuns: e.staticRuns.Load(),
	}
}

// BodyHash is the cache identity of body under this evaluator's namespace
// and session limits.
func (e *Evaluator) BodyHash(body *ir.Body) (types.Hash, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return types.Hash{}, fmt.Errorf("encode body: %w", err)
	}
	var limits [24]byte
	binary.LittleEndian.PutUint64(limits[0:], e.config.Interp.StepLimit)
	binary.LittleEndian.PutUint64(limits[8:], uint64(e.config.Interp.StackLimit))
	binary.LittleEndian.PutUint64(limits[16:], e.config.Interp.MemoryLimit)

	h := types.NewHasher("mirvm.const.v1")
	h.Write(e.config.Namespace[:])
	h.Write(limits[:])
	h.Write(data)
	return h.Sum(), nil
}

// EvaluateConstant evaluates a body that takes no arguments.
func (e *Evaluator) EvaluateConstant(body *ir.Body) (*interp.ConstValue, error) {
	return e.evaluate(body, nil)
}

// EvaluateItem evaluates the named const item of the program.
func (e *Evaluator) EvaluateItem(name string) (*interp.ConstValue, error) {
	return e.evaluateItem(name, nil)
}

func (e *Evaluator) evaluateItem(name string, chain []string) (*interp.ConstValue, error) {
	key := "const " + name
	if inChain(chain, key) {
		return nil, interp.Errorf(interp.KindExecutionStuck, "cycle detected evaluating %s", key)
	}
	if e.env.Items == nil {
		return nil, interp.Errorf(interp.KindExecutionStuck, "no item source for const %s", name)
	}
	body, err := e.env.Items.ConstOf(name)
	if err != nil {
		return nil, interp.Errorf(interp.KindExecutionStuck, "%v", err)
	}
	return e.evaluate(body, append(chain[:len(chain):len(chain)], key))
}

func inChain(chain []string, key string) bool {
	for _, c := range chain {
		if c == key {
			return true
		}
	}
	return false
}

func (e *Evaluator) evaluate(body *ir.Body, chain []string) (*interp.ConstValue, error) {
	key, err := e.BodyHash(body)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	r, ok := e.results[key]
	e.mu.Unlock()
	if ok {
		e.hits.Add(1)
		e.logger.Debug("cache hit", "body", body.Name, "key", key.Short(), "failed", r.err != nil)
		return r.value, r.err
	}

	if r := e.load(key); r != nil {
		e.storeHits.Add(1)
		r = e.remember(key, r)
		return r.value, r.err
	}

	e.misses.Add(1)
	value, evalErr := e.run(body, chain)
	if evalErr != nil {
		e.failures.Add(1)
		e.logger.Debug("evaluation failed", "body", body.Name, "key", key.Short(), "err", evalErr)
	}
	r = e.remember(key, &result{value: value, err: evalErr})
	e.save(key, r)
	return r.value, r.err
}

// remember stores r unless another goroutine got there first, in which case
// the earlier result wins so every caller sees the same interned value.
func (e *Evaluator) remember(key types.Hash, r *result) *result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.results[key]; ok {
		return prev
	}
	e.results[key] = r
	return r
}

func (e *Evaluator) load(key types.Hash) *result {
	if e.config.Store == nil {
		return nil
	}
	data, err := e.config.Store.Get(key)
	if err != nil {
		if !errors.Is(err, constcache.ErrNotFound) {
			e.logger.Warn("cache store read failed", "key", key.Short(), "err", err)
		}
		return nil
	}
	r, err := decodeResult(data)
	if err != nil {
		e.logger.Warn("discarding cached result", "key", key.Short(), "err", err)
		return nil
	}
	return r
}

func (e *Evaluator) save(key types.Hash, r *result) {
	if e.config.Store == nil {
		return
	}
	data, ok, err := encodeResult(r.value, r.err)
	if err != nil {
		e.logger.Warn("cannot encode result", "key", key.Short(), "err", err)
		return
	}
	if !ok {
		return
	}
	if err := e.config.Store.Put(key, data); err != nil {
		e.logger.Warn("cache store write failed", "key", key.Short(), "err", err)
	}
}

// session runs body to completion under the compile-time machine and hands
// the finished context to extract before the return place is released.
func (e *Evaluator) session(body *ir.Body, chain []string, extract func(*interp.EvalContext, interp.TypedValue) error) error {
	m := &Machine{eval: e, chain: chain}
	ctx := interp.NewEvalContext(m, e.env.Env, e.config.Interp)
	fn := ir.FnRef(body.Name)
	if fn == "" {
		fn = "<const>"
	}
	if err := ctx.Start(fn, body, nil); err != nil {
		return err
	}
	v, err := ctx.Run()
	if err != nil {
		return err
	}
	if err := extract(ctx, v); err != nil {
		return err
	}
	if err := ctx.ReleaseResult(); err != nil {
		return err
	}
	if live := ctx.Memory.LiveAllocations(interp.MemStack, interp.MemHeap); len(live) > 0 {
		return interp.Errorf(interp.KindExecutionStuck, "%d allocations outlive the evaluation of %s", len(live), fn)
	}
	e.logger.Debug("evaluated", "body", fn, "steps", ctx.Meter.Consumed())
	return nil
}

func (e *Evaluator) run(body *ir.Body, chain []string) (*interp.ConstValue, error) {
	var cv *interp.ConstValue
	err := e.session(body, chain, func(ctx *interp.EvalContext, v interp.TypedValue) error {
		var err error
		cv, err = ctx.Memory.ExportValue(v)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cv, nil
}

// StaticInitializer evaluates the initializer of the named static once and
// returns its interned memory. Mutability is not checked here: callers that
// give statics run-time identity copy the result into their own memory.
func (e *Evaluator) StaticInitializer(name string) (*interp.ConstAlloc, error) {
	return e.staticAlloc(name, nil)
}

// StaticOf looks up a static item.
func (e *Evaluator) StaticOf(name string) (*ir.Static, error) {
	if e.env.Items == nil {
		return nil, interp.Errorf(interp.KindExecutionStuck, "no item source for static %s", name)
	}
	s, err := e.env.Items.StaticOf(name)
	if err != nil {
		return nil, interp.Errorf(interp.KindExecutionStuck, "%v", err)
	}
	return s, nil
}

func (e *Evaluator) staticAlloc(name string, chain []string) (*interp.ConstAlloc, error) {
	key := "static " + name
	if inChain(chain, key) {
		return nil, interp.Errorf(interp.KindExecutionStuck, "cycle detected evaluating %s", key)
	}
	e.mu.Lock()
	sr, ok := e.statics[name]
	e.mu.Unlock()
	if ok {
		return sr.alloc, sr.err
	}

	sr = e.runStatic(name, append(chain[:len(chain):len(chain)], key))

	e.mu.Lock()
	if prev, ok := e.statics[name]; ok {
		sr = prev
	} else {
		e.statics[name] = sr
	}
	e.mu.Unlock()
	return sr.alloc, sr.err
}

func (e *Evaluator) runStatic(name string, chain []string) *staticResult {
	s, err := e.StaticOf(name)
	if err != nil {
		return &staticResult{err: err}
	}
	if !s.Init.ReturnTy().Equal(s.Ty) {
		return &staticResult{err: interp.Errorf(interp.KindLayoutError, "static %s of type %s initialized with %s", name, s.Ty, s.Init.ReturnTy())}
	}

	e.staticRuns.Add(1)
	var ca *interp.ConstAlloc
	err = e.session(s.Init, chain, func(ctx *interp.EvalContext, _ interp.TypedValue) error {
		var err error
		ca, err = ctx.Memory.ExportAlloc(ctx.ResultPlace().Ptr.Alloc)
		return err
	})
	if err != nil {
		return &staticResult{err: err}
	}
	return &staticResult{alloc: ca}
}

// ConstField projects field i out of an evaluated aggregate. Array
// elements are addressed by index.
func (e *Evaluator) ConstField(cv *interp.ConstValue, i int) (*interp.ConstValue, error) {
	l, err := e.env.Layouts.LayoutOf(cv.Ty)
	if err != nil {
		return nil, interp.Errorf(interp.KindLayoutError, "%v", err)
	}
	if i < 0 || i >= l.FieldCount() {
		return nil, interp.Errorf(interp.KindOutOfBounds, "field %d of %s with %d fields", i, cv.Ty, l.FieldCount())
	}

	if cv.Kind == interp.ConstZST {
		var fty ir.Ty
		if l.Elem != nil {
			fty = l.Elem.Ty
		} else {
			fty = l.FieldTys[i]
		}
		return &interp.ConstValue{Ty: fty, Kind: interp.ConstZST}, nil
	}

	ctx := interp.NewEvalContext(&Machine{eval: e}, e.env.Env, e.config.Interp)
	tv := ctx.Memory.ImportValue(cv, l)
	switch tv.Kind {
	case interp.ValByValPair:
		fl, err := ctx.LayoutOf(l.FieldTys[i])
		if err != nil {
			return nil, err
		}
		s := tv.A
		if i == 1 {
			s = tv.B
		}
		return ctx.Memory.ExportValue(interp.TypedValue{Value: interp.ByVal(s), Layout: fl})
	case interp.ValByVal:
		return nil, interp.Errorf(interp.KindExecutionStuck, "scalar constant of type %s has no fields", cv.Ty)
	}

	base := interp.PlaceTy{Place: interp.MemPlace(tv.Ptr, tv.Align), Layout: l}
	var fp interp.PlaceTy
	if l.Elem != nil {
		fp, err = ctx.IndexPlace(base, uint64(i))
	} else {
		fp, err = ctx.FieldPlace(base, i)
	}
	if err != nil {
		return nil, err
	}
	fv, err := ctx.ReadValue(fp)
	if err != nil {
		return nil, err
	}
	return ctx.Memory.ExportValue(fv)
}

// Fingerprint is the content identity of a whole program, suitable as a
// Config.Namespace.
func Fingerprint(p *ir.Program) (types.Hash, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return types.Hash{}, fmt.Errorf("encode program: %w", err)
	}
	h := types.NewHasher("mirvm.program.v1")
	h.Write(data)
	return h.Sum(), nil
}
