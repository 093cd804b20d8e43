package smem

import (
	"strconv"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/opencpi/opencpi-sub021/endpoint"
)

// heapRegion is a reference counted process-local window.
// The backing array is allocated as uint64 words so flag words are aligned.
type heapRegion struct {
	p    *Provider
	key  string
	buf  []byte
	refs int
}

func (p *Provider) openHeap(ep *endpoint.EndPoint) (*heapView, error) {
	// Windows at different offsets of one target are separate regions.
	key := ep.Protocol + "/" + ep.Target + "." + strconv.FormatUint(ep.Offset, 10)
	r, ok := p.heap[key]
	if !ok {
		words := make([]uint64, (ep.Size+7)/8)
		var buf []byte
		if len(words) > 0 {
			buf = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
		}
		r = &heapRegion{p: p, key: key, buf: buf[:ep.Size]}
		p.heap[key] = r
	} else if uint64(len(r.buf)) < ep.Size {
		return nil, errors.Wrapf(ErrSizeMismatch, "%s has %d bytes", key, len(r.buf))
	}
	r.refs++
	return &heapView{r: r, buf: r.buf[:ep.Size:ep.Size]}, nil
}

// heapView is one Services' reference to a heapRegion.
type heapView struct {
	r   *heapRegion
	buf []byte
}

func (v *heapView) Bytes() []byte { return v.buf }

func (v *heapView) Close() error {
	p := v.r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	v.r.refs--
	if v.r.refs == 0 && p.heap[v.r.key] == v.r {
		delete(p.heap, v.r.key)
	}
	return nil
}
