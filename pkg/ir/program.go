package ir

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

var (
	// ErrNoBody is returned when a function has no IR (extern or unknown).
	ErrNoBody = errors.New("no body available")

	// ErrNoImpl is returned when a (type, method) pair has no implementation.
	ErrNoImpl = errors.New("no implementation")

	// ErrNoItem is returned for unknown statics and const items.
	ErrNoItem = errors.New("no such item")
)

// Static is a global item.
type Static struct {
	Name    string `json:"name"`
	Ty      Ty     `json:"ty"`
	Mutable bool   `json:"mutable,omitempty"`
	Init    *Body  `json:"init"`
}

// Impl binds a method of a concrete type to a function.
type Impl struct {
	SelfTy Ty     `json:"self_ty"`
	Method string `json:"method"`
	Fn     FnRef  `json:"fn"`
}

// Program is a closed set of function bodies, items and impls.
type Program struct {
	Bodies  map[FnRef]*Body    `json:"bodies"`
	Consts  map[string]*Body   `json:"consts,omitempty"`
	Statics map[string]*Static `json:"statics,omitempty"`
	Externs []FnRef            `json:"externs,omitempty"`
	Impls   []Impl             `json:"impls,omitempty"`

	implMu    sync.Mutex
	implIndex map[string]FnRef
}

// NewProgram returns an empty program.
func NewProgram() *Program {
	return &Program{
		Bodies:  make(map[FnRef]*Body),
		Consts:  make(map[string]*Body),
		Statics: make(map[string]*Static),
	}
}

// ImplKey is the lookup key for a (type, method) pair.
func ImplKey(ty Ty, method string) string {
	return ty.String() + "::" + method
}

// AddBody registers a function body under fn.
func (p *Program) AddBody(fn FnRef, body *Body) {
	if p.Bodies == nil {
		p.Bodies = make(map[FnRef]*Body)
	}
	p.Bodies[fn] = body
}

// AddConst registers a named const item.
func (p *Program) AddConst(name string, body *Body) {
	if p.Consts == nil {
		p.Consts = make(map[string]*Body)
	}
	p.Consts[name] = body
}

// AddStatic registers a static item.
func (p *Program) AddStatic(s *Static) {
	if p.Statics == nil {
		p.Statics = make(map[string]*Static)
	}
	p.Statics[s.Name] = s
}

// AddImpl registers an implementation.
func (p *Program) AddImpl(selfTy Ty, method string, fn FnRef) {
	p.implMu.Lock()
	defer p.implMu.Unlock()
	p.Impls = append(p.Impls, Impl{SelfTy: selfTy, Method: method, Fn: fn})
	p.implIndex = nil
}

// BodyOf returns the IR of fn.
func (p *Program) BodyOf(fn FnRef) (*Body, error) {
	if b, ok := p.Bodies[fn]; ok && b != nil {
		return b, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoBody, fn)
}

// ResolveImpl returns the concrete function implementing method for ty.
func (p *Program) ResolveImpl(ty Ty, method string) (FnRef, error) {
	if !ty.IsConcrete() {
		return "", fmt.Errorf("%w: %s is not concrete", ErrNoImpl, ty)
	}
	p.implMu.Lock()
	defer p.implMu.Unlock()
	if p.implIndex == nil {
		p.implIndex = make(map[string]FnRef, len(p.Impls))
		for _, im := range p.Impls {
			p.implIndex[ImplKey(im.SelfTy, im.Method)] = im.Fn
		}
	}
	fn, ok := p.implIndex[ImplKey(ty, method)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoImpl, ImplKey(ty, method))
	}
	return fn, nil
}

// StaticOf returns the named static.
func (p *Program) StaticOf(name string) (*Static, error) {
	if s, ok := p.Statics[name]; ok && s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: static %s", ErrNoItem, name)
}

// ConstOf returns the initializer of the named const item.
func (p *Program) ConstOf(name string) (*Body, error) {
	if b, ok := p.Consts[name]; ok && b != nil {
		return b, nil
	}
	return nil, fmt.Errorf("%w: const %s", ErrNoItem, name)
}

// IsExtern reports whether fn was declared without a body.
func (p *Program) IsExtern(fn FnRef) bool {
	for _, e := range p.Externs {
		if e == fn {
			return true
		}
	}
	return false
}

// Validate checks every body in the program.
func (p *Program) Validate() error {
	for _, name := range p.FnNames() {
		if err := p.Bodies[name].Validate(); err != nil {
			return err
		}
	}
	for name, b := range p.Consts {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("const %s: %w", name, err)
		}
	}
	for name, s := range p.Statics {
		if s.Init == nil {
			return fmt.Errorf("static %s: missing initializer", name)
		}
		if err := s.Init.Validate(); err != nil {
			return fmt.Errorf("static %s: %w", name, err)
		}
	}
	return nil
}

// FnNames returns the function names in sorted order.
func (p *Program) FnNames() []FnRef {
	names := make([]FnRef, 0, len(p.Bodies))
	for n := range p.Bodies {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// LoadProgram decodes a JSON program and validates it.
func LoadProgram(r io.Reader) (*Program, error) {
	p := NewProgram()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("decode program: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// WriteProgram encodes p as indented JSON.
func WriteProgram(w io.Writer, p *Program) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}
