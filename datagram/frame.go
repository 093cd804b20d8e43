package datagram

import "time"

// msgRef names one message carried by a frame.
type msgRef struct {
	tx  *Transaction
	seq uint16
}

// Frame is one send buffer. A frame is in use from the moment it is packed
// until its ACK arrives or its resends run out.
type Frame struct {
	Seq     uint32
	buf     []byte
	n       int
	refs    []msgRef
	sent    time.Time
	resends int
	inUse   bool
}

// Bytes returns the encoded frame.
func (f *Frame) Bytes() []byte { return f.buf[:f.n] }

// framePool is a fixed set of frames with a free stack.
type framePool struct {
	frames []*Frame
	free   []*Frame
}

func newFramePool(count, size int) framePool {
	p := framePool{
		frames: make([]*Frame, count),
		free:   make([]*Frame, 0, count),
	}
	for i := range p.frames {
		f := &Frame{buf: make([]byte, size)}
		p.frames[i] = f
		p.free = append(p.free, f)
	}
	return p
}

// get returns a free frame or nil when every frame is in flight.
func (p *framePool) get() *Frame {
	k := len(p.free)
	if k == 0 {
		return nil
	}
	f := p.free[k-1]
	p.free = p.free[:k-1]
	f.inUse = true
	return f
}

func (p *framePool) put(f *Frame) {
	f.inUse = false
	f.refs = f.refs[:0]
	f.n, f.resends = 0, 0
	p.free = append(p.free, f)
}

// available returns the number of free frames.
func (p *framePool) available() int { return len(p.free) }
