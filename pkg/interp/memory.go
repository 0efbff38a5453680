package interp

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/fortiblox/mirvm/pkg/ir"
	"github.com/fortiblox/mirvm/pkg/layout"
)

// MemoryKind says who owns an allocation and how it may be released.
type MemoryKind uint8

const (
	MemStack    MemoryKind = iota // frame locals, freed on pop
	MemHeap                       // explicit allocator calls
	MemStatic                     // immutable constant data
	MemGlobal                     // session-owned mutable statics
	MemFunction                   // zero-sized function handles
)

var memoryKindNames = [...]string{
	MemStack:    "stack",
	MemHeap:     "heap",
	MemStatic:   "static",
	MemGlobal:   "global",
	MemFunction: "function",
}

func (k MemoryKind) String() string {
	if int(k) < len(memoryKindNames) {
		return memoryKindNames[k]
	}
	return fmt.Sprintf("MemoryKind(%d)", k)
}

const (
	// addrBase is the abstract address of the first allocation. Low
	// addresses stay unused so that small integers never alias memory.
	addrBase = 0x10000
	addrGap  = 16
)

// Allocation is one independently addressed block of bytes. Relocations map
// the offset of a pointer-sized slot to the allocation it points into; the
// slot's bytes hold the offset within that target.
type Allocation struct {
	Bytes   []byte
	Mask    *InitMask
	Relocs  map[uint64]AllocID
	Align   uint64
	Kind    MemoryKind
	Mutable bool

	addr uint64
}

// Size is the allocation's length in bytes.
func (a *Allocation) Size() uint64 { return uint64(len(a.Bytes)) }

// Memory is the allocation table of one session. It is not safe for
// concurrent use.
type Memory struct {
	allocs   map[AllocID]*Allocation
	freed    map[AllocID]MemoryKind
	fns      map[AllocID]ir.FnRef
	fnIDs    map[ir.FnRef]AllocID
	nextID   AllocID
	nextAddr uint64
	used     uint64
	limit    uint64

	imported map[*ConstAlloc]AllocID
	origin   map[AllocID]*ConstAlloc
}

// NewMemory creates an empty memory. A zero limit disables the byte budget.
func NewMemory(limit uint64) *Memory {
	return &Memory{
		allocs:   make(map[AllocID]*Allocation),
		freed:    make(map[AllocID]MemoryKind),
		fns:      make(map[AllocID]ir.FnRef),
		fnIDs:    make(map[ir.FnRef]AllocID),
		nextID:   1,
		nextAddr: addrBase,
		limit:    limit,
	}
}

// Allocate creates a zero-filled, undefined, mutable allocation.
func (m *Memory) Allocate(size, align uint64, kind MemoryKind) (AllocID, error) {
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return 0, Errorf(KindLayoutError, "alignment %d is not a power of two", align)
	}
	if m.limit > 0 && (size > m.limit || m.used+size > m.limit) {
		return 0, Errorf(KindResourceExhausted, "allocation of %d bytes exceeds memory limit %d (in use %d)", size, m.limit, m.used)
	}
	a := &Allocation{
		Bytes:   make([]byte, size),
		Mask:    NewInitMask(size),
		Relocs:  make(map[uint64]AllocID),
		Align:   align,
		Kind:    kind,
		Mutable: kind != MemStatic && kind != MemFunction,
	}
	return m.insert(a), nil
}

// AllocateBytes creates an allocation holding data, fully defined.
func (m *Memory) AllocateBytes(data []byte, align uint64, kind MemoryKind) (AllocID, error) {
	id, err := m.Allocate(uint64(len(data)), align, kind)
	if err != nil {
		return 0, err
	}
	a := m.allocs[id]
	copy(a.Bytes, data)
	a.Mask.SetRange(0, a.Size(), true)
	return id, nil
}

// adopt installs an existing allocation, sharing its storage.
func (m *Memory) adopt(a *Allocation) AllocID {
	return m.insert(a)
}

func (m *Memory) insert(a *Allocation) AllocID {
	id := m.nextID
	m.nextID++
	a.addr = alignTo(m.nextAddr, a.Align)
	m.nextAddr = a.addr + a.Size() + addrGap
	m.used += a.Size()
	m.allocs[id] = a
	return id
}

// Deallocate frees id. Size, alignment and kind must match the original
// request.
func (m *Memory) Deallocate(id AllocID, size, align uint64, kind MemoryKind) error {
	if prev, ok := m.freed[id]; ok {
		return Errorf(KindUseAfterFree, "double free of alloc%d (%s)", id, prev)
	}
	a, ok := m.allocs[id]
	if !ok {
		return Errorf(KindInvalidPointer, "deallocating unknown alloc%d", id)
	}
	if a.Kind != kind {
		return Errorf(KindInvalidPointer, "deallocating %s alloc%d as %s memory", a.Kind, id, kind)
	}
	if a.Kind == MemStatic || a.Kind == MemFunction {
		return Errorf(KindInvalidPointer, "deallocating %s alloc%d", a.Kind, id)
	}
	if align == 0 {
		align = 1
	}
	if a.Size() != size || a.Align != align {
		return Errorf(KindUseAfterFree, "deallocating alloc%d with size %d align %d, allocated with size %d align %d",
			id, size, align, a.Size(), a.Align)
	}
	m.release(id)
	return nil
}

func (m *Memory) release(id AllocID) {
	a := m.allocs[id]
	m.used -= a.Size()
	m.freed[id] = a.Kind
	delete(m.allocs, id)
}

// Get returns the live allocation id.
func (m *Memory) Get(id AllocID) (*Allocation, error) {
	if a, ok := m.allocs[id]; ok {
		return a, nil
	}
	if kind, ok := m.freed[id]; ok {
		return nil, Errorf(KindUseAfterFree, "%s alloc%d has been freed", kind, id)
	}
	return nil, Errorf(KindInvalidPointer, "dangling pointer to unknown alloc%d", id)
}

// IsLive reports whether id names a live allocation.
func (m *Memory) IsLive(id AllocID) bool {
	_, ok := m.allocs[id]
	return ok
}

// check validates an access of size bytes at ptr with the given alignment.
func (m *Memory) check(ptr Pointer, size, align uint64) (*Allocation, error) {
	a, err := m.Get(ptr.Alloc)
	if err != nil {
		return nil, err
	}
	end := ptr.Offset + size
	if end < ptr.Offset || end > a.Size() {
		return nil, Errorf(KindOutOfBounds, "access of %d bytes at %s, allocation has size %d", size, ptr, a.Size())
	}
	if align > 1 && (a.Align < align || ptr.Offset%align != 0) {
		return nil, Errorf(KindUnaligned, "access at %s requires alignment %d, pointer has alignment %d",
			ptr, align, effectiveAlign(a.Align, ptr.Offset))
	}
	return a, nil
}

func effectiveAlign(base, offset uint64) uint64 {
	if offset == 0 {
		return base
	}
	low := offset & -offset
	if low < base {
		return low
	}
	return base
}

// relocsIn returns the relocation offsets overlapping [start, end), sorted.
func (a *Allocation) relocsIn(start, end uint64) []uint64 {
	var out []uint64
	lo := uint64(0)
	if start >= layout.PointerSize-1 {
		lo = start - (layout.PointerSize - 1)
	}
	for off := range a.Relocs {
		if off >= lo && off < end {
			out = append(out, off)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// clearRelocs drops relocations overlapping [start, end). Pointer bytes
// outside the range lose their meaning and become undefined.
func (a *Allocation) clearRelocs(start, end uint64) {
	for _, off := range a.relocsIn(start, end) {
		delete(a.Relocs, off)
		if off < start {
			a.Mask.SetRange(off, start, false)
		}
		if tail := off + layout.PointerSize; tail > end {
			a.Mask.SetRange(end, tail, false)
		}
	}
}

// GetBytes returns the bytes of [ptr, ptr+size). The range must be defined
// and must not contain pointers. The returned slice must not be modified.
func (m *Memory) GetBytes(ptr Pointer, size, align uint64) ([]byte, error) {
	a, err := m.check(ptr, size, align)
	if err != nil {
		return nil, err
	}
	if off, undef := a.Mask.FirstUndefined(ptr.Offset, ptr.Offset+size); undef {
		return nil, Errorf(KindInvalidUninit, "reading uninitialized byte at alloc%d+%#x", ptr.Alloc, off)
	}
	if rs := a.relocsIn(ptr.Offset, ptr.Offset+size); len(rs) > 0 {
		return nil, Errorf(KindInvalidPointer, "invalid type reinterpretation: pointer at alloc%d+%#x read as plain bytes", ptr.Alloc, rs[0])
	}
	return a.Bytes[ptr.Offset : ptr.Offset+size], nil
}

// GetBytesMut returns [ptr, ptr+size) for writing. The range is marked
// defined and loses any pointers it held.
func (m *Memory) GetBytesMut(ptr Pointer, size, align uint64) ([]byte, error) {
	a, err := m.check(ptr, size, align)
	if err != nil {
		return nil, err
	}
	if !a.Mutable {
		return nil, Errorf(KindInvalidPointer, "write to read-only %s alloc%d", a.Kind, ptr.Alloc)
	}
	a.clearRelocs(ptr.Offset, ptr.Offset+size)
	a.Mask.SetRange(ptr.Offset, ptr.Offset+size, true)
	return a.Bytes[ptr.Offset : ptr.Offset+size], nil
}

// ReadScalar decodes a size-byte little-endian scalar at ptr. A pointer-sized
// read exactly covering a relocation yields a pointer.
func (m *Memory) ReadScalar(ptr Pointer, size, align uint64) (Scalar, error) {
	a, err := m.check(ptr, size, align)
	if err != nil {
		return Scalar{}, err
	}
	start, end := ptr.Offset, ptr.Offset+size
	if off, undef := a.Mask.FirstUndefined(start, end); undef {
		return Scalar{}, Errorf(KindInvalidUninit, "reading uninitialized byte at alloc%d+%#x", ptr.Alloc, off)
	}
	rs := a.relocsIn(start, end)
	if len(rs) > 0 {
		if size == layout.PointerSize && len(rs) == 1 && rs[0] == start {
			target := a.Relocs[start]
			return ScalarFromPtr(Pointer{Alloc: target, Offset: binary.LittleEndian.Uint64(a.Bytes[start:end])}), nil
		}
		return Scalar{}, Errorf(KindInvalidPointer, "invalid type reinterpretation: partial read of pointer at alloc%d+%#x", ptr.Alloc, rs[0])
	}
	return ScalarFromBits(ReadTargetUint(a.Bytes[start:end])), nil
}

// WriteScalar encodes s into size bytes at ptr.
func (m *Memory) WriteScalar(ptr Pointer, s Scalar, size, align uint64) error {
	if s.IsUndef() {
		return m.WriteUndef(ptr, size, align)
	}
	if s.IsPtr() && size != layout.PointerSize {
		return Errorf(KindInvalidPointer, "writing pointer into %d-byte slot", size)
	}
	b, err := m.GetBytesMut(ptr, size, align)
	if err != nil {
		return err
	}
	if s.IsPtr() {
		binary.LittleEndian.PutUint64(b, s.ptr.Offset)
		m.allocs[ptr.Alloc].Relocs[ptr.Offset] = s.ptr.Alloc
		return nil
	}
	WriteTargetUint(b, &s.bits)
	return nil
}

// WriteUndef marks [ptr, ptr+size) undefined.
func (m *Memory) WriteUndef(ptr Pointer, size, align uint64) error {
	a, err := m.check(ptr, size, align)
	if err != nil {
		return err
	}
	if !a.Mutable {
		return Errorf(KindInvalidPointer, "write to read-only %s alloc%d", a.Kind, ptr.Alloc)
	}
	a.clearRelocs(ptr.Offset, ptr.Offset+size)
	a.Mask.SetRange(ptr.Offset, ptr.Offset+size, false)
	return nil
}

// MarkStaticReadOnly freezes id. Later writes fail.
func (m *Memory) MarkStaticReadOnly(id AllocID) error {
	a, err := m.Get(id)
	if err != nil {
		return err
	}
	a.Mutable = false
	return nil
}

// Copy moves size bytes from src to dst together with their definedness and
// relocations. With nonoverlapping set, overlapping ranges are an error.
func (m *Memory) Copy(src, dst Pointer, size, srcAlign, dstAlign uint64, nonoverlapping bool) error {
	sa, err := m.check(src, size, srcAlign)
	if err != nil {
		return err
	}
	da, err := m.check(dst, size, dstAlign)
	if err != nil {
		return err
	}
	if !da.Mutable {
		return Errorf(KindInvalidPointer, "copy into read-only %s alloc%d", da.Kind, dst.Alloc)
	}
	if size == 0 {
		return nil
	}
	if nonoverlapping && src.Alloc == dst.Alloc &&
		src.Offset < dst.Offset+size && dst.Offset < src.Offset+size {
		return Errorf(KindInvalidPointer, "copy_nonoverlapping on overlapping ranges %s and %s", src, dst)
	}

	relocs := make(map[uint64]AllocID)
	for _, off := range sa.relocsIn(src.Offset, src.Offset+size) {
		if off < src.Offset || off+layout.PointerSize > src.Offset+size {
			return Errorf(KindInvalidPointer, "invalid type reinterpretation: copy splits pointer at alloc%d+%#x", src.Alloc, off)
		}
		relocs[off-src.Offset] = sa.Relocs[off]
	}
	mask := sa.Mask.Slice(src.Offset, src.Offset+size)

	copy(da.Bytes[dst.Offset:dst.Offset+size], sa.Bytes[src.Offset:src.Offset+size])
	da.clearRelocs(dst.Offset, dst.Offset+size)
	da.Mask.Apply(dst.Offset, mask)
	for off, target := range relocs {
		da.Relocs[dst.Offset+off] = target
	}
	return nil
}

// WriteRepeat fills count bytes at dst with b.
func (m *Memory) WriteRepeat(dst Pointer, b byte, count uint64) error {
	buf, err := m.GetBytesMut(dst, count, 1)
	if err != nil {
		return err
	}
	for i := range buf {
		buf[i] = b
	}
	return nil
}

// Address returns the abstract base address of id. Addresses are
// deterministic for a given allocation order.
func (m *Memory) Address(id AllocID) (uint64, error) {
	a, err := m.Get(id)
	if err != nil {
		return 0, err
	}
	return a.addr, nil
}

// AllocAt maps an address back to a pointer into the live allocation
// containing it. One-past-the-end addresses belong to their allocation.
func (m *Memory) AllocAt(addr uint64) (Pointer, bool) {
	for id, a := range m.allocs {
		if addr >= a.addr && addr <= a.addr+a.Size() {
			return Pointer{Alloc: id, Offset: addr - a.addr}, true
		}
	}
	return Pointer{}, false
}

// LiveAllocations returns the live allocations of the given kinds, or of
// every kind when none are given, in id order.
func (m *Memory) LiveAllocations(kinds ...MemoryKind) []AllocID {
	var out []AllocID
	for id, a := range m.allocs {
		if len(kinds) == 0 || containsKind(kinds, a.Kind) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func containsKind(kinds []MemoryKind, k MemoryKind) bool {
	for _, kk := range kinds {
		if kk == k {
			return true
		}
	}
	return false
}

// CreateFnAlloc returns the pointer representing fn. Each function gets one
// handle per memory.
func (m *Memory) CreateFnAlloc(fn ir.FnRef) Pointer {
	if id, ok := m.fnIDs[fn]; ok {
		return Pointer{Alloc: id}
	}
	id := m.insert(&Allocation{
		Mask:   NewInitMask(0),
		Relocs: make(map[uint64]AllocID),
		Align:  1,
		Kind:   MemFunction,
	})
	m.fns[id] = fn
	m.fnIDs[fn] = id
	return Pointer{Alloc: id}
}

// FnOf returns the function a pointer designates.
func (m *Memory) FnOf(ptr Pointer) (ir.FnRef, error) {
	fn, ok := m.fns[ptr.Alloc]
	if !ok {
		if _, err := m.Get(ptr.Alloc); err != nil {
			return "", err
		}
		return "", Errorf(KindInvalidPointer, "%s is not a function pointer", ptr)
	}
	if ptr.Offset != 0 {
		return "", Errorf(KindInvalidPointer, "function pointer %s has nonzero offset", ptr)
	}
	return fn, nil
}

func alignTo(n, align uint64) uint64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}
