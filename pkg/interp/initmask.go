package interp

import "math/bits"

// InitMask records which bytes of an allocation hold defined data.
type InitMask struct {
	words []uint64
	len   uint64
}

// NewInitMask returns a mask of n bytes, all undefined.
func NewInitMask(n uint64) *InitMask {
	return &InitMask{words: make([]uint64, (n+63)/64), len: n}
}

// Len is the number of bytes covered.
func (m *InitMask) Len() uint64 { return m.len }

// Get reports whether byte i is defined.
func (m *InitMask) Get(i uint64) bool {
	return m.words[i/64]&(1<<(i%64)) != 0
}

// SetRange marks [start, end) as defined or undefined.
func (m *InitMask) SetRange(start, end uint64, defined bool) {
	for i := start; i < end; {
		w, b := i/64, i%64
		if b == 0 && end-i >= 64 {
			if defined {
				m.words[w] = ^uint64(0)
			} else {
				m.words[w] = 0
			}
			i += 64
			continue
		}
		if defined {
			m.words[w] |= 1 << b
		} else {
			m.words[w] &^= 1 << b
		}
		i++
	}
}

// FirstUndefined returns the first undefined byte in [start, end).
func (m *InitMask) FirstUndefined(start, end uint64) (uint64, bool) {
	for i := start; i < end; {
		w, b := i/64, i%64
		word := ^m.words[w] >> b
		span := 64 - b
		if rest := end - i; rest < span {
			word &= (1 << rest) - 1
			span = rest
		}
		if word != 0 {
			return i + uint64(bits.TrailingZeros64(word)), true
		}
		i += span
	}
	return 0, false
}

// IsDefined reports whether every byte of [start, end) is defined.
func (m *InitMask) IsDefined(start, end uint64) bool {
	_, found := m.FirstUndefined(start, end)
	return !found
}

// Slice copies the definedness of [start, end) into a new mask.
func (m *InitMask) Slice(start, end uint64) *InitMask {
	out := NewInitMask(end - start)
	for i := start; i < end; i++ {
		if m.Get(i) {
			out.words[(i-start)/64] |= 1 << ((i - start) % 64)
		}
	}
	return out
}

// Apply overwrites [at, at+src.Len()) with src.
func (m *InitMask) Apply(at uint64, src *InitMask) {
	for i := uint64(0); i < src.len; i++ {
		m.SetRange(at+i, at+i+1, src.Get(i))
	}
}
