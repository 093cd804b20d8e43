package xfer

// Handle addresses a SlotMap entry. A handle outlives its entry: once the
// entry is removed the slot's generation moves on and the handle goes stale.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h was never issued.
func (h Handle) IsZero() bool { return h.gen == 0 }

type slot[T any] struct {
	gen  uint32
	used bool
	v    T
}

// SlotMap is an arena with generational handles.
// Not safe for concurrent use.
type SlotMap[T any] struct {
	slots []slot[T]
	free  []uint32
	n     int
}

// Insert stores v and returns its handle.
func (m *SlotMap[T]) Insert(v T) Handle {
	var idx uint32
	if k := len(m.free); k > 0 {
		idx = m.free[k-1]
		m.free = m.free[:k-1]
	} else {
		m.slots = append(m.slots, slot[T]{})
		idx = uint32(len(m.slots) - 1)
	}
	s := &m.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.used, s.v = true, v
	m.n++
	return Handle{index: idx, gen: s.gen}
}

// Get returns the entry for h if it is still live.
func (m *SlotMap[T]) Get(h Handle) (v T, ok bool) {
	if s := m.lookup(h); s != nil {
		return s.v, true
	}
	return v, false
}

// Remove deletes the entry for h. It returns false for stale handles.
func (m *SlotMap[T]) Remove(h Handle) (v T, ok bool) {
	s := m.lookup(h)
	if s == nil {
		return v, false
	}
	v = s.v
	var zero T
	s.used, s.v = false, zero
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	m.free = append(m.free, h.index)
	m.n--
	return v, true
}

// Len returns the number of live entries.
func (m *SlotMap[T]) Len() int { return m.n }

// Each calls fn for every live entry in slot order.
func (m *SlotMap[T]) Each(fn func(Handle, T)) {
	for i := range m.slots {
		if s := &m.slots[i]; s.used {
			fn(Handle{index: uint32(i), gen: s.gen}, s.v)
		}
	}
}

func (m *SlotMap[T]) lookup(h Handle) *slot[T] {
	if h.gen == 0 || int(h.index) >= len(m.slots) {
		return nil
	}
	s := &m.slots[h.index]
	if !s.used || s.gen != h.gen {
		return nil
	}
	return s
}
