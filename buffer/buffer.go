package buffer

import (
	"github.com/pkg/errors"

	"github.com/opencpi/opencpi-sub021/xfer"
)

// OutputBuffer is buffer i of an output port. It is empty once every
// transfer out of it has completed and every zero-copy alias of it has been
// released downstream.
type OutputBuffer struct {
	port  *Port
	index int
	slave bool

	pending    []xfer.Request
	holds      int
	dependents []*InputBuffer
}

// Output returns buffer i of the port, creating it on first use. A slave
// buffer's empty flag is written by its peer and never forced locally.
func (p *Port) Output(i int, slave bool) *OutputBuffer {
	p.layout.Buffer(i)
	if b := p.outputs[i]; b != nil {
		return b
	}
	b := &OutputBuffer{port: p, index: i, slave: slave}
	p.outputs[i] = b
	return b
}

func (b *OutputBuffer) Index() int  { return b.index }
func (b *OutputBuffer) Port() *Port { return b.port }

// Data returns the whole data region of the buffer.
func (b *OutputBuffer) Data() []byte {
	l := b.port.layout
	return b.port.bytes(l.Data(b.index), l.BufferSize)
}

// DataOffset is the window offset of the data region.
func (b *OutputBuffer) DataOffset() uint64 { return b.port.Offset(b.port.layout.Data(b.index)) }

// MetaOffset is the window offset of the metadata slot for receiver slot.
func (b *OutputBuffer) MetaOffset(slot int) uint64 {
	return b.port.Offset(b.port.layout.Meta(b.index, slot))
}

func (b *OutputBuffer) MetaData(slot int) MetaData {
	return b.port.metaData(b.port.layout.Meta(b.index, slot))
}

// SetMetaData stages md in the slot of one receiver.
func (b *OutputBuffer) SetMetaData(slot int, md MetaData) {
	b.port.setMetaData(b.port.layout.Meta(b.index, slot), md)
}

// MarkFull records that the producer filled the buffer.
func (b *OutputBuffer) MarkFull() {
	b.port.StoreEF(b.port.layout.EmptyWord(b.index, 0), EFFullValue)
}

// AddPending tracks a started transfer reading from the buffer.
func (b *OutputBuffer) AddPending(r xfer.Request) { b.pending = append(b.pending, r) }

// Hold keeps the buffer non-empty for a transfer that is queued but not yet
// started. Unhold drops one hold.
func (b *OutputBuffer) Hold() { b.holds++ }

func (b *OutputBuffer) Unhold() {
	if b.holds == 0 {
		xfer.Violate("unhold of output buffer %d without hold", b.index)
	}
	b.holds--
}

// AddDependent records an input buffer aliasing this buffer's data.
func (b *OutputBuffer) AddDependent(in *InputBuffer) { b.dependents = append(b.dependents, in) }

// Pending returns the number of started transfers not yet complete.
func (b *OutputBuffer) Pending() int { return len(b.pending) }

// IsEmpty drains completed transfers and reports whether the buffer can be
// filled again. A failed transfer is returned as error and dropped from
// tracking.
func (b *OutputBuffer) IsEmpty() (bool, error) {
	var firstErr error
	live := b.pending[:0]
	for _, r := range b.pending {
		st, err := r.Status()
		switch {
		case err != nil:
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "transfer from output buffer %d", b.index)
			}
		case st != xfer.Complete:
			live = append(live, r)
		}
	}
	clear(b.pending[len(live):])
	b.pending = live

	ew := b.port.layout.EmptyWord(b.index, 0)
	if !b.slave && len(b.pending) == 0 && b.holds == 0 {
		b.port.StoreEF(ew, EFEmptyValue)
	}

	deps := b.dependents[:0]
	for _, in := range b.dependents {
		if in.IsFull() && in.alias == b {
			deps = append(deps, in)
		}
	}
	clear(b.dependents[len(deps):])
	b.dependents = deps
	if len(deps) > 0 {
		return false, firstErr
	}
	return b.port.LoadEF(ew) == EFEmptyValue, firstErr
}

// InputBuffer is buffer j of an input port. It is full once every
// contributor slot reads full.
type InputBuffer struct {
	port     *Port
	index    int
	contribs int

	returns []xfer.Request
	alias   *OutputBuffer
	data    []byte // aliased data while alias is set
}

// Input returns buffer j of the port, creating it on first use. The buffer
// is full when contribs contributor slots read full.
func (p *Port) Input(j, contribs int) *InputBuffer {
	p.layout.Buffer(j)
	if contribs < 1 || contribs > MaxPContribs {
		xfer.Violate("%d contributors out of range [1,%d]", contribs, MaxPContribs)
	}
	if b := p.inputs[j]; b != nil {
		return b
	}
	b := &InputBuffer{port: p, index: j, contribs: contribs}
	p.inputs[j] = b
	return b
}

func (b *InputBuffer) Index() int  { return b.index }
func (b *InputBuffer) Port() *Port { return b.port }

func (b *InputBuffer) DataOffset() uint64 { return b.port.Offset(b.port.layout.Data(b.index)) }

func (b *InputBuffer) MetaOffset(slot int) uint64 {
	return b.port.Offset(b.port.layout.Meta(b.index, slot))
}

func (b *InputBuffer) FullOffset(slot int) uint64 {
	return b.port.Offset(b.port.layout.FullWord(b.index, slot))
}

// Data returns the received bytes, or the aliased producer data for a
// zero-copy hand-off. Its length is the largest length any contributor
// wrote into its metadata slot.
func (b *InputBuffer) Data() []byte {
	var n uint64
	for slot := range b.contribs {
		n = max(n, uint64(b.MetaData(slot).Length))
	}
	if b.alias != nil {
		return b.data[:min(n, uint64(len(b.data)))]
	}
	l := b.port.layout
	return b.port.bytes(l.Data(b.index), min(n, l.BufferSize))
}

func (b *InputBuffer) MetaData(slot int) MetaData {
	return b.port.metaData(b.port.layout.Meta(b.index, slot))
}

// IsFull reports whether every contributor has delivered.
func (b *InputBuffer) IsFull() bool {
	for slot := range b.contribs {
		if b.port.LoadFF(b.port.layout.FullWord(b.index, slot)) != FFFullValue {
			return false
		}
	}
	return true
}

// SetReturn sets the requests started on Release to tell the producers the
// buffer is empty again.
func (b *InputBuffer) SetReturn(reqs ...xfer.Request) { b.returns = reqs }

// AddReturn adds one return request, for buffers fed by several producers.
func (b *InputBuffer) AddReturn(r xfer.Request) { b.returns = append(b.returns, r) }

// Contributors is the number of producer slots that must read full.
func (b *InputBuffer) Contributors() int { return b.contribs }

// Alias fills the buffer by aliasing data of out instead of copying it.
func (b *InputBuffer) Alias(out *OutputBuffer, data []byte, md MetaData) {
	if b.IsFull() {
		xfer.Violate("zero-copy into full input buffer %d", b.index)
	}
	b.alias, b.data = out, data
	b.port.setMetaData(b.port.layout.Meta(b.index, 0), md)
	for slot := range b.contribs {
		b.port.StoreFF(b.port.layout.FullWord(b.index, slot), FFFullValue)
	}
	out.AddDependent(b)
}

// Release marks the buffer empty and starts the return requests.
func (b *InputBuffer) Release() error {
	if !b.IsFull() {
		xfer.Violate("release of input buffer %d that is not full", b.index)
	}
	for slot := range b.contribs {
		b.port.StoreFF(b.port.layout.FullWord(b.index, slot), FFEmptyValue)
	}
	b.alias, b.data = nil, nil
	for _, r := range b.returns {
		if err := r.Start(); err != nil {
			return errors.Wrapf(err, "returning input buffer %d", b.index)
		}
	}
	return nil
}
