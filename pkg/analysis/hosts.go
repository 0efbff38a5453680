package analysis

import (
	"sort"
	"sync"

	"github.com/fortiblox/mirvm/pkg/interp"
	"github.com/fortiblox/mirvm/pkg/ir"
)

// HostFunc implements an extern function in Go. It writes its result, if
// any, to dest.
type HostFunc func(ctx *interp.EvalContext, args []interp.TypedValue, dest interp.PlaceTy) error

// DefaultHostCost is the step cost of a host call registered without one.
const DefaultHostCost = uint64(10)

type host struct {
	fn   HostFunc
	cost uint64
}

// Hosts maps extern function names to Go implementations.
type Hosts struct {
	mu  sync.RWMutex
	fns map[ir.FnRef]host
}

// NewHosts creates an empty registry.
func NewHosts() *Hosts {
	return &Hosts{fns: make(map[ir.FnRef]host)}
}

// Register adds or replaces a host function with the given step cost.
func (h *Hosts) Register(name ir.FnRef, cost uint64, fn HostFunc) {
	if cost == 0 {
		cost = DefaultHostCost
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fns[name] = host{fn: fn, cost: cost}
}

// Names lists the registered functions in sorted order.
func (h *Hosts) Names() []ir.FnRef {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ir.FnRef, 0, len(h.fns))
	for name := range h.fns {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Call charges the host's cost and runs it.
func (h *Hosts) Call(ctx *interp.EvalContext, name ir.FnRef, args []interp.TypedValue, dest interp.PlaceTy) error {
	h.mu.RLock()
	hf, ok := h.fns[name]
	h.mu.RUnlock()
	if !ok {
		return interp.Errorf(interp.KindNoImplementation, "no host implementation for extern %s", name)
	}
	if err := ctx.Meter.Consume(hf.cost); err != nil {
		return err
	}
	return hf.fn(ctx, args, dest)
}
