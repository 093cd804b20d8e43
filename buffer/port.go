// Package buffer implements the empty/full handshake of port buffers over
// mapped memory. Every flag word holds one of four sentinel values; any
// other value is a protocol violation and panics.
package buffer

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/opencpi/opencpi-sub021/smem"
	"github.com/opencpi/opencpi-sub021/xfer"
)

var (
	ErrPortTooLarge = errors.New("buffer: port does not fit its window")
	ErrBadPort      = errors.New("buffer: port header mismatch")
)

// Port is the region of one port inside a memory window. The window may
// be remote, in which case only offsets are available.
type Port struct {
	smem   *smem.Services
	base   uint64
	layout Layout
	mem    []byte // nil for remote windows

	outputs []*OutputBuffer
	inputs  []*InputBuffer
}

// OpenPort maps the region of a port at base inside s.
func OpenPort(s *smem.Services, base uint64, l Layout) (*Port, error) {
	if l.Buffers <= 0 {
		return nil, errors.Errorf("buffer: port needs at least one buffer, got %d", l.Buffers)
	}
	size := l.Size()
	if base > s.Size() || size > s.Size()-base {
		return nil, errors.Wrapf(ErrPortTooLarge,
			"[%d,+%d) in %d bytes of %s", base, size, s.Size(), s.EndPoint())
	}
	p := &Port{
		smem:    s,
		base:    base,
		layout:  l,
		outputs: make([]*OutputBuffer, l.Buffers),
		inputs:  make([]*InputBuffer, l.Buffers),
	}
	if !s.Remote() {
		mem, err := s.Map(base, size)
		if err != nil {
			return nil, err
		}
		p.mem = mem
	}
	return p, nil
}

func (p *Port) Smem() *smem.Services { return p.smem }
func (p *Port) Layout() Layout       { return p.layout }
func (p *Port) Base() uint64         { return p.base }

// Local reports whether the port's memory is mapped in this process.
func (p *Port) Local() bool { return p.mem != nil }

// Offset converts a port relative offset to a window offset.
func (p *Port) Offset(rel uint64) uint64 { return p.base + rel }

func (p *Port) word(rel uint64) smem.Word {
	if p.mem == nil {
		xfer.Violate("flag access on remote port of %s", p.smem.EndPoint())
	}
	return smem.WordAt(p.mem, rel)
}

// Init writes the header and the initial flag values. Only the process
// owning the window calls Init.
func (p *Port) Init() {
	l := p.layout
	p.word(l.Const(ConstEFEmpty)).Store(EFEmptyValue)
	p.word(l.Const(ConstEFFull)).Store(EFFullValue)
	p.word(l.Const(ConstFFFull)).Store(FFFullValue)
	p.word(l.Const(ConstFFEmpty)).Store(FFEmptyValue)
	binary.LittleEndian.PutUint32(p.mem[magicOffset:], portMagic)
	binary.LittleEndian.PutUint32(p.mem[magicOffset+4:], uint32(l.Buffers))
	binary.LittleEndian.PutUint64(p.mem[magicOffset+8:], l.BufferSize)
	for i := range l.Buffers {
		for slot := range MaxPContribs {
			p.word(l.EmptyWord(i, slot)).Store(EFEmptyValue)
			p.word(l.FullWord(i, slot)).Store(FFEmptyValue)
		}
	}
	for port := range MaxPContribs {
		for j := range l.Shadow {
			p.word(l.ShadowWord(port, j)).Store(EFEmptyValue)
		}
	}
}

// Check verifies the header written by Init.
func (p *Port) Check() error {
	if p.mem == nil {
		return nil
	}
	magic := binary.LittleEndian.Uint32(p.mem[magicOffset:])
	n := binary.LittleEndian.Uint32(p.mem[magicOffset+4:])
	size := binary.LittleEndian.Uint64(p.mem[magicOffset+8:])
	if magic != portMagic || int(n) != p.layout.Buffers || size != p.layout.BufferSize {
		return errors.Wrapf(ErrBadPort, "magic 0x%x, %d buffers of %d bytes", magic, n, size)
	}
	return nil
}

// LoadEF reads an empty word and panics unless it holds an empty sentinel.
func (p *Port) LoadEF(rel uint64) uint32 {
	v := p.word(rel).Load()
	if v != EFEmptyValue && v != EFFullValue {
		xfer.Violate("empty flag at %s+%d holds 0x%08x", p.smem.EndPoint(), p.base+rel, v)
	}
	return v
}

// LoadFF reads a full word and panics unless it holds a full sentinel.
func (p *Port) LoadFF(rel uint64) uint32 {
	v := p.word(rel).Load()
	if v != FFFullValue && v != FFEmptyValue {
		xfer.Violate("full flag at %s+%d holds 0x%08x", p.smem.EndPoint(), p.base+rel, v)
	}
	return v
}

func (p *Port) StoreEF(rel uint64, v uint32) {
	if v != EFEmptyValue && v != EFFullValue {
		xfer.Violate("storing 0x%08x into an empty flag", v)
	}
	p.word(rel).Store(v)
}

func (p *Port) StoreFF(rel uint64, v uint32) {
	if v != FFFullValue && v != FFEmptyValue {
		xfer.Violate("storing 0x%08x into a full flag", v)
	}
	p.word(rel).Store(v)
}

// Shadow reads the mirror of input buffer buf of input port port.
func (p *Port) Shadow(port, buf int) uint32 {
	return p.LoadEF(p.layout.ShadowWord(port, buf))
}

func (p *Port) SetShadow(port, buf int, v uint32) {
	p.StoreEF(p.layout.ShadowWord(port, buf), v)
}

// Words visits every flag word of the port with its kind.
func (p *Port) Words(fn func(rel uint64, v uint32, empty bool)) {
	l := p.layout
	for i := range l.Buffers {
		for slot := range MaxPContribs {
			fn(l.EmptyWord(i, slot), p.word(l.EmptyWord(i, slot)).Load(), true)
			fn(l.FullWord(i, slot), p.word(l.FullWord(i, slot)).Load(), false)
		}
	}
	for port := range MaxPContribs {
		for j := range l.Shadow {
			fn(l.ShadowWord(port, j), p.word(l.ShadowWord(port, j)).Load(), true)
		}
	}
}

func (p *Port) bytes(rel, n uint64) []byte {
	if p.mem == nil {
		xfer.Violate("memory access on remote port of %s", p.smem.EndPoint())
	}
	return p.mem[rel : rel+n : rel+n]
}

func (p *Port) metaData(rel uint64) MetaData {
	var md MetaData
	md.Decode(p.bytes(rel, MetaDataSize))
	return md
}

func (p *Port) setMetaData(rel uint64, md MetaData) {
	md.Encode(p.bytes(rel, MetaDataSize))
}

// Close unmaps the port.
func (p *Port) Close() error {
	if p.mem == nil {
		return nil
	}
	p.mem = nil
	return p.smem.Unmap()
}
