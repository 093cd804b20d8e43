package smem

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Word is a 32-bit flag word inside a mapped window.
// Loads and stores are single atomic accesses; there is no read-modify-write.
type Word struct {
	p *uint32
}

// WordAt returns the flag word at byte offset off of b.
// off must be 4-byte aligned and inside b.
func WordAt(b []byte, off uint64) Word {
	if off%4 != 0 || off > uint64(len(b)) || uint64(len(b))-off < 4 {
		panic(fmt.Sprintf("smem: flag word at %d outside %d byte window", off, len(b)))
	}
	p := unsafe.Pointer(&b[off])
	if uintptr(p)&3 != 0 {
		panic(fmt.Sprintf("smem: flag word at %p is misaligned", p))
	}
	return Word{p: (*uint32)(p)}
}

func (w Word) Load() uint32 { return atomic.LoadUint32(w.p) }

func (w Word) Store(v uint32) { atomic.StoreUint32(w.p, v) }

// IsZero reports whether w refers to no memory.
func (w Word) IsZero() bool { return w.p == nil }
