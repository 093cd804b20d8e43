// Package transfer caches the requests realizing one data distribution
// pattern so that steady state produce cycles only start them.
package transfer

import (
	"github.com/pkg/errors"

	"github.com/opencpi/opencpi-sub021/buffer"
	"github.com/opencpi/opencpi-sub021/xfer"
)

// GateKey names one gated transfer: the sequence-th sub-transfer of a whole
// into buffer Buffer of input port Port.
type GateKey struct {
	Sequence int
	Port     int
	Buffer   int
}

// MetaWriter is where preset metadata is staged, typically an output buffer.
type MetaWriter interface {
	SetMetaData(slot int, md buffer.MetaData)
}

type preset struct {
	w    MetaWriter
	slot int
	md   buffer.MetaData
}

// ZeroCopy hands data to an input buffer without moving it. The input
// buffer receives the metadata staged in slot Slot of Out.
type ZeroCopy struct {
	Out  *buffer.OutputBuffer
	In   *buffer.InputBuffer
	Slot int
	// Off and Len select the aliased bytes of Out's data.
	Off, Len uint64

	src []byte // replaces Out's data after SetSource
}

// Template is a reusable set of requests plus gated continuations.
type Template struct {
	maxSequence int
	requests    []xfer.Request
	owners      []xfer.Services
	zcopy       []ZeroCopy
	presets     []preset
	gated       map[GateKey]*Template
	cursor      map[int]int

	// Tag is free for the builder to record what the template was built for.
	Tag any
}

// New returns an empty template whose gated sequences are bounded by
// maxSequence.
func New(maxSequence int) *Template {
	return &Template{
		maxSequence: maxSequence,
		gated:       make(map[GateKey]*Template),
		cursor:      make(map[int]int),
	}
}

// MaxSequence is the bound on gated sequences.
func (t *Template) MaxSequence() int { return t.maxSequence }

func (t *Template) checkKey(k GateKey) {
	if k.Sequence < 0 || k.Sequence >= t.maxSequence {
		xfer.Violate("gated sequence %d out of range [0,%d) for port %d buffer %d",
			k.Sequence, t.maxSequence, k.Port, k.Buffer)
	}
}

// AddRequest adds r, created by owner, to the requests started by Produce.
func (t *Template) AddRequest(owner xfer.Services, r xfer.Request) {
	t.owners = append(t.owners, owner)
	t.requests = append(t.requests, r)
}

// Requests returns the requests started by Produce.
func (t *Template) Requests() []xfer.Request { return t.requests }

// AddZeroCopyTransfer adds an aliasing hand-off performed by Produce.
func (t *Template) AddZeroCopyTransfer(z ZeroCopy) { t.zcopy = append(t.zcopy, z) }

// ZeroCopy reports whether the template hands off by aliasing.
func (t *Template) ZeroCopy() bool { return len(t.zcopy) > 0 }

// AddGatedTransfer stores g under k, replacing and releasing any previous
// template there.
func (t *Template) AddGatedTransfer(k GateKey, g *Template) {
	t.checkKey(k)
	if old := t.gated[k]; old != nil && old != g {
		_ = old.Release()
	}
	t.gated[k] = g
}

// GatedTransfer returns the gated template for k, or nil.
func (t *Template) GatedTransfer(k GateKey) *Template {
	t.checkKey(k)
	return t.gated[k]
}

// NextGatedTransfer returns the key at the cursor of port and the template
// stored there, which may be nil, and advances the cursor.
func (t *Template) NextGatedTransfer(port, buf int) (*Template, GateKey) {
	k := GateKey{Sequence: t.cursor[port], Port: port, Buffer: buf}
	g := t.GatedTransfer(k)
	t.cursor[port]++
	return g, k
}

// Sequence returns the cursor of port.
func (t *Template) Sequence(port int) int { return t.cursor[port] }

// ResetSequence rewinds every cursor for a new whole.
func (t *Template) ResetSequence() { clear(t.cursor) }

// PresetMetaData stages md for slot of w, written just before Produce starts
// the requests. A preset for the same writer and slot is replaced.
func (t *Template) PresetMetaData(w MetaWriter, slot int, md buffer.MetaData) {
	for i := range t.presets {
		if t.presets[i].w == w && t.presets[i].slot == slot {
			t.presets[i].md = md
			return
		}
	}
	t.presets = append(t.presets, preset{w: w, slot: slot, md: md})
}

// SetSource moves the source of the template's data to window offset src.
// Requests are patched through Modify. Zero-copy hand-offs alias data
// instead, or Out's own data again when data is nil.
func (t *Template) SetSource(src uint64, data []byte) error {
	for _, r := range t.requests {
		segs := r.Segments()
		if len(segs) == 0 || !segs[0].Flags.Has(xfer.SizeModifiable) || segs[0].Src == src {
			continue
		}
		if _, err := r.Modify([]uint64{src}); err != nil {
			return errors.Wrap(err, "moving transfer source")
		}
	}
	for i := range t.zcopy {
		t.zcopy[i].src = data
	}
	return nil
}

// Produce writes the preset metadata, performs the zero-copy hand-offs and
// starts every request.
func (t *Template) Produce() error {
	for _, p := range t.presets {
		p.w.SetMetaData(p.slot, p.md)
	}
	for _, z := range t.zcopy {
		data := z.src
		if data == nil {
			data = z.Out.Data()[z.Off : z.Off+z.Len]
		}
		z.In.Alias(z.Out, data[:min(z.Len, uint64(len(data)))], z.Out.MetaData(z.Slot))
	}
	for _, r := range t.requests {
		if err := r.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Status aggregates the status of the template's requests: failed if any
// failed, pending if any is pending.
func (t *Template) Status() (xfer.Status, error) {
	st := xfer.Complete
	for _, r := range t.requests {
		s, err := r.Status()
		if err != nil {
			return xfer.Failed, err
		}
		if s == xfer.Pending {
			st = xfer.Pending
		}
	}
	return st, nil
}

// Release releases every request of the template and its gated templates.
func (t *Template) Release() error {
	var firstErr error
	for i, r := range t.requests {
		if err := t.owners[i].Release(r); err != nil && !errors.Is(err, xfer.ErrReleased) && firstErr == nil {
			firstErr = err
		}
	}
	t.requests, t.owners, t.zcopy = nil, nil, nil
	for k, g := range t.gated {
		if err := g.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.gated, k)
	}
	return firstErr
}
