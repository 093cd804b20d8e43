// Package circuit moves the buffers of one output port set to the buffers
// of its input port sets.
//
// A circuit is built from the same Config in every process taking part in
// it. Each process owns some of the ports: it initializes them and drives
// them, while the ports it does not own are only addressed through offsets.
// Producers never read a consumer's memory. They keep a shadow copy of each
// input buffer's empty flag in their own output port, written back by the
// consumer when it releases the buffer, and queue transfers to buffers whose
// shadow reads full. Nothing is dropped.
package circuit

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opencpi/opencpi-sub021/buffer"
	"github.com/opencpi/opencpi-sub021/smem"
	"github.com/opencpi/opencpi-sub021/transfer"
	"github.com/opencpi/opencpi-sub021/xfer"
)

var (
	ErrUnsupportedTopology = errors.New("circuit: unsupported topology")
	ErrDisconnecting       = errors.New("circuit: disconnecting")
	ErrClosed              = errors.New("circuit: closed")
	ErrNotProducer         = errors.New("circuit: no owned output port")
	ErrNoEmptyBuffer       = errors.New("circuit: no empty output buffer")
	ErrNotSameWindow       = errors.New("circuit: input buffer is not in the output window")
)

// Status of a circuit.
type Status int

const (
	Unknown Status = iota
	Active
	Disconnecting
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Disconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// Resolver creates the transfer services between two windows. *xfer.Factory
// is a Resolver for windows of one protocol.
type Resolver interface {
	XferServices(src, dst *smem.Services) (xfer.Services, error)
}

// PortConfig places one port in its window.
type PortConfig struct {
	Smem       *smem.Services
	Base       uint64
	Buffers    int
	BufferSize uint64
	// Owned ports are initialized and driven by this circuit.
	Owned bool
}

// PortSetConfig is a set of ports sharing one distribution.
type PortSetConfig struct {
	Distribution Distribution
	// PartSize is required for Block sets.
	PartSize uint64
	Ports    []PortConfig
}

// Config describes the topology of a circuit.
type Config struct {
	ID     string
	Output PortSetConfig
	Inputs []PortSetConfig
}

func (c *Config) validate() error {
	outs := c.Output.Ports
	if len(outs) == 0 {
		return errors.Wrap(ErrUnsupportedTopology, "no output port")
	}
	owned := 0
	for _, p := range outs {
		if p.Owned {
			owned++
		}
	}
	if owned > 1 {
		return errors.Wrapf(ErrUnsupportedTopology, "%d owned output ports", owned)
	}
	if c.Output.Distribution == Indivisible && len(outs) != 1 {
		return errors.Wrapf(ErrUnsupportedTopology, "%d indivisible output ports", len(outs))
	}
	if len(outs) > buffer.MaxPContribs {
		return errors.Wrapf(ErrUnsupportedTopology, "%d output ports", len(outs))
	}
	if c.Output.Distribution == Block {
		if c.Output.PartSize == 0 {
			return errors.Wrap(ErrUnsupportedTopology, "block output without part size")
		}
		if err := partsFit(c.Output.PartSize, outs, "output"); err != nil {
			return err
		}
	}
	n := 0
	for i, set := range c.Inputs {
		if len(set.Ports) == 0 {
			return errors.Wrapf(ErrUnsupportedTopology, "input set %d has no ports", i)
		}
		if set.Distribution == Block {
			if set.PartSize == 0 {
				return errors.Wrapf(ErrUnsupportedTopology, "block input set %d without part size", i)
			}
			if err := partsFit(set.PartSize, set.Ports, fmt.Sprintf("input set %d", i)); err != nil {
				return err
			}
			if c.Output.Distribution == Block {
				if len(outs) != 1 {
					return errors.Wrapf(ErrUnsupportedTopology,
						"parts to parts from %d output ports", len(outs))
				}
				// Output parts travel whole into input buffers.
				if err := partsFit(c.Output.PartSize, set.Ports, fmt.Sprintf("input set %d", i)); err != nil {
					return err
				}
			}
		}
		n += len(set.Ports)
	}
	if n == 0 || n > buffer.MaxPContribs {
		return errors.Wrapf(ErrUnsupportedTopology, "%d input ports", n)
	}
	return nil
}

// partsFit checks that a part of size bytes fits every port buffer.
func partsFit(size uint64, ports []PortConfig, side string) error {
	for r, p := range ports {
		if size > p.BufferSize {
			return errors.Wrapf(ErrUnsupportedTopology,
				"%s port %d: part size %d exceeds buffer size %d", side, r, size, p.BufferSize)
		}
	}
	return nil
}

type inPort struct {
	ordinal  int
	set      *inSet
	rank     int
	port     *buffer.Port
	owned    bool
	contribs int

	svc   xfer.Services // output window to this port, producers only
	fill  int           // next buffer filled by the producer
	take  int           // next buffer taken by the consumer
	queue []*Transfer
}

type inSet struct {
	conf  PortSetConfig
	ports []*inPort
	next  int // rank receiving the next whole
}

type ioChain struct {
	out *buffer.OutputBuffer
	in  *buffer.InputBuffer
}

type returnReq struct {
	svc xfer.Services
	r   xfer.Request
}

// Circuit connects one output port set to its input port sets.
type Circuit struct {
	conf     Config
	log      *logrus.Entry
	resolver Resolver
	status   Status

	outs []*buffer.Port
	rank int          // owned output port, -1 if none
	out  *buffer.Port // owned output port

	sets   []*inSet
	inputs []*inPort // by ordinal

	fill      int // next output buffer
	partSeq   int // parts of the current whole sent by this rank
	templates []*transfer.Template
	chains    []ioChain
	returns   []returnReq
}

// New opens the ports of conf, initializes the owned ones and creates the
// requests returning released input buffers to their producers.
func New(conf Config, resolver Resolver, log *logrus.Entry) (*Circuit, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Circuit{
		conf:     conf,
		log:      log.WithField("circuit", conf.ID),
		resolver: resolver,
		status:   Active,
		rank:     -1,
	}
	if err := c.open(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Circuit) open() error {
	shadow := 0
	for _, set := range c.conf.Inputs {
		for _, p := range set.Ports {
			shadow = max(shadow, p.Buffers)
		}
	}
	for rank, pc := range c.conf.Output.Ports {
		p, err := buffer.OpenPort(pc.Smem, pc.Base, buffer.Layout{
			Buffers: pc.Buffers, BufferSize: pc.BufferSize, Shadow: shadow,
		})
		if err != nil {
			return errors.Wrapf(err, "output port %d", rank)
		}
		c.outs = append(c.outs, p)
		if pc.Owned {
			p.Init()
			c.rank, c.out = rank, p
		}
	}
	for s, sc := range c.conf.Inputs {
		set := &inSet{conf: sc}
		contribs := 1
		if c.conf.Output.Distribution == Block && sc.Distribution == Indivisible {
			contribs = len(c.outs)
		}
		for rank, pc := range sc.Ports {
			p, err := buffer.OpenPort(pc.Smem, pc.Base, buffer.Layout{
				Buffers: pc.Buffers, BufferSize: pc.BufferSize,
			})
			if err != nil {
				return errors.Wrapf(err, "input set %d port %d", s, rank)
			}
			in := &inPort{
				ordinal:  len(c.inputs),
				set:      set,
				rank:     rank,
				port:     p,
				owned:    pc.Owned,
				contribs: contribs,
			}
			set.ports = append(set.ports, in)
			c.inputs = append(c.inputs, in)
			if in.owned {
				p.Init()
				if err := c.openReturns(in); err != nil {
					return err
				}
			}
			if c.out != nil {
				if in.svc, err = c.resolver.XferServices(c.out.Smem(), p.Smem()); err != nil {
					return errors.Wrapf(err, "services to input %d", in.ordinal)
				}
			}
		}
		c.sets = append(c.sets, set)
	}
	if c.out != nil {
		maxSeq := c.maxSequence()
		c.templates = make([]*transfer.Template, c.out.Layout().Buffers)
		for i := range c.templates {
			c.templates[i] = transfer.New(maxSeq)
		}
	}
	c.log.WithFields(logrus.Fields{
		"outputs": len(c.outs),
		"inputs":  len(c.inputs),
		"rank":    c.rank,
	}).Debug("circuit opened")
	return nil
}

// openReturns creates, for every buffer of an owned input port, the requests
// writing EFEmptyValue into the shadow word of every producer.
func (c *Circuit) openReturns(in *inPort) error {
	l := in.port.Layout()
	src := in.port.Offset(l.Const(buffer.ConstEFEmpty))
	for _, out := range c.outs {
		svc, err := c.resolver.XferServices(in.port.Smem(), out.Smem())
		if err != nil {
			return errors.Wrapf(err, "return services of input %d", in.ordinal)
		}
		for j := range l.Buffers {
			dst := out.Offset(out.Layout().ShadowWord(in.ordinal, j))
			r, err := svc.Copy(src, dst, 4, xfer.FlagTransfer|xfer.FirstTransfer|xfer.LastTransfer, nil)
			if err != nil {
				return errors.Wrapf(err, "return request of input %d buffer %d", in.ordinal, j)
			}
			c.returns = append(c.returns, returnReq{svc: svc, r: r})
			in.port.Input(j, in.contribs).AddReturn(r)
		}
	}
	return nil
}

// maxSequence bounds the partition sequences one output buffer produces.
func (c *Circuit) maxSequence() int {
	n := 1
	out := c.conf.Output
	for _, set := range c.sets {
		switch {
		case out.Distribution == Indivisible && set.conf.Distribution == Block:
			step := uint64(len(set.ports)) * set.conf.PartSize
			n = max(n, int((c.out.Layout().BufferSize+step-1)/step))
		case out.Distribution == Block && set.conf.Distribution == Indivisible:
			step := uint64(len(c.outs)) * out.PartSize
			for _, in := range set.ports {
				n = max(n, int((in.port.Layout().BufferSize+step-1)/step))
			}
		}
	}
	return n
}

func (c *Circuit) ID() string { return c.conf.ID }

// Status reports Active until Disconnect, and Unknown once closed.
func (c *Circuit) Status() Status { return c.status }

// OutputPort returns the owned output port, or nil.
func (c *Circuit) OutputPort() *buffer.Port { return c.out }

// InputPort returns the port of input ordinal.
func (c *Circuit) InputPort(ordinal int) *buffer.Port { return c.inputs[ordinal].port }

// InputPorts returns the number of input ports over all sets.
func (c *Circuit) InputPorts() int { return len(c.inputs) }

// Queued returns the number of transfers waiting for an input buffer.
func (c *Circuit) Queued() int {
	n := 0
	for _, in := range c.inputs {
		n += len(in.queue)
	}
	return n
}

func (c *Circuit) checkSend() error {
	switch c.status {
	case Disconnecting:
		return ErrDisconnecting
	case Unknown:
		return ErrClosed
	}
	if c.out == nil {
		return ErrNotProducer
	}
	return nil
}

// NextEmptyOutputBuffer starts whatever queued transfers can start and
// returns the next output buffer if it is empty, or nil.
func (c *Circuit) NextEmptyOutputBuffer() (*buffer.OutputBuffer, error) {
	if err := c.checkSend(); err != nil && !errors.Is(err, ErrDisconnecting) {
		return nil, err
	}
	if err := c.CheckQueuedTransfers(); err != nil {
		return nil, err
	}
	b := c.out.Output(c.fill, false)
	empty, err := b.IsEmpty()
	if err != nil || !empty {
		return nil, err
	}
	return b, nil
}

// SendOutputBuffer marks out full and transfers md.Length bytes of it to the
// input port sets according to their distribution.
func (c *Circuit) SendOutputBuffer(out *buffer.OutputBuffer, md buffer.MetaData) error {
	if err := c.checkSend(); err != nil {
		return err
	}
	out.MarkFull()
	return c.send(out, md, nil, false)
}

// BroadcastBuffer marks out full and sends all of it to every input port.
func (c *Circuit) BroadcastBuffer(out *buffer.OutputBuffer, md buffer.MetaData) error {
	if err := c.checkSend(); err != nil {
		return err
	}
	out.MarkFull()
	return c.send(out, md, nil, true)
}

// SendZcopyInputBuffer forwards the data of in, an input buffer of another
// circuit living in this circuit's output window, without copying it into an
// output buffer first. An empty output buffer carries the transfers; in is
// released once they completed.
func (c *Circuit) SendZcopyInputBuffer(in *buffer.InputBuffer, md buffer.MetaData) error {
	if err := c.checkSend(); err != nil {
		return err
	}
	if in.Port().Smem() != c.out.Smem() {
		return errors.Wrapf(ErrNotSameWindow, "%s and %s",
			in.Port().Smem().EndPoint(), c.out.Smem().EndPoint())
	}
	out, err := c.NextEmptyOutputBuffer()
	if err != nil {
		return err
	}
	if out == nil {
		return ErrNoEmptyBuffer
	}
	out.MarkFull()
	if err := c.send(out, md, in, false); err != nil {
		return err
	}
	c.chains = append(c.chains, ioChain{out: out, in: in})
	return nil
}

func (c *Circuit) send(out *buffer.OutputBuffer, md buffer.MetaData, src *buffer.InputBuffer, broadcast bool) error {
	if out.Index() == c.fill {
		c.fill = (c.fill + 1) % c.out.Layout().Buffers
	}
	for _, t := range c.plan(out, md, src, broadcast) {
		if c.CanTransferBuffer(t) {
			if err := c.StartTransfer(t); err != nil {
				return err
			}
			continue
		}
		c.QueTransfer(t, false)
	}
	return nil
}

func (c *Circuit) side(in *inPort) Side {
	return Side{
		Distribution: in.set.conf.Distribution,
		PortCount:    len(in.set.ports),
		Rank:         in.rank,
		PartSize:     in.set.conf.PartSize,
		BufferSize:   in.port.Layout().BufferSize,
	}
}

// plan computes the transfers of one send and assigns each the next input
// buffer of its port.
func (c *Circuit) plan(out *buffer.OutputBuffer, md buffer.MetaData, src *buffer.InputBuffer, broadcast bool) []*Transfer {
	o := c.conf.Output
	from := Side{
		Distribution: o.Distribution,
		PortCount:    len(c.outs),
		Rank:         c.rank,
		PartSize:     o.PartSize,
		BufferSize:   c.out.Layout().BufferSize,
		Length:       uint64(md.Length),
	}
	if broadcast {
		from.Distribution = Indivisible
	}

	var plans []*Transfer
	add := func(in *inPort, seq int, info Info) {
		t := &Transfer{
			out:   out,
			in:    in,
			seq:   seq,
			info:  info,
			slot:  len(plans) % buffer.MaxPContribs,
			md:    md,
			src:   src,
			buf:   in.fill,
		}
		t.md.Length = uint32(info.Length)
		t.md.PartSequence = uint32(seq)
		if in.contribs > 1 {
			t.contrib = c.rank
			t.md.Length = uint32(info.DstOffset + info.Length)
		}
		if info.Last {
			in.fill = (in.fill + 1) % in.port.Layout().Buffers
		}
		plans = append(plans, t)
	}

	lastPart := false
	for _, set := range c.sets {
		dst := set.conf.Distribution
		switch {
		case broadcast:
			for _, in := range set.ports {
				to := c.side(in)
				to.Distribution = Indivisible
				add(in, 0, CalculateBufferOffsets(0, from, to))
			}
		case from.Distribution == Indivisible && dst == Indivisible:
			in := set.ports[set.next]
			set.next = (set.next + 1) % len(set.ports)
			add(in, 0, CalculateBufferOffsets(0, from, c.side(in)))
		case from.Distribution == Indivisible:
			for _, in := range set.ports {
				for seq := 0; ; seq++ {
					info := CalculateBufferOffsets(seq, from, c.side(in))
					if info.Length == 0 && (seq > 0 || in.rank > 0) {
						break
					}
					add(in, seq, info)
				}
			}
		case dst == Indivisible:
			in := set.ports[set.next]
			info := CalculateBufferOffsets(c.partSeq, from, c.side(in))
			info.Last = info.Last || md.EndOfWhole
			if info.Last {
				set.next = (set.next + 1) % len(set.ports)
				lastPart = true
			}
			if info.Length > 0 || info.Last {
				add(in, c.partSeq, info)
			}
		default:
			info := CalculateBufferOffsets(c.partSeq, from, c.side(set.ports[0]))
			add(set.ports[info.DstRank], 0, info)
		}
	}
	if from.Distribution == Block {
		c.partSeq++
		if lastPart || md.EndOfWhole {
			c.partSeq = 0
		}
	}
	return plans
}

// CanTransferBuffer reports whether t can start now: its input buffer is
// empty as far as the shadow flag tells and no earlier transfer to the same
// input port is waiting.
func (c *Circuit) CanTransferBuffer(t *Transfer) bool {
	if q := t.in.queue; len(q) > 0 && q[0] != t {
		return false
	}
	return c.out.Shadow(t.in.ordinal, t.buf) == buffer.EFEmptyValue
}

// QueTransfer queues t behind the transfers waiting for the same input
// port, or in front of them when urgent. The output buffer stays full while
// t is queued.
func (c *Circuit) QueTransfer(t *Transfer, urgent bool) {
	if !t.held {
		t.out.Hold()
		t.held = true
	}
	in := t.in
	if urgent {
		in.queue = append([]*Transfer{t}, in.queue...)
	} else {
		in.queue = append(in.queue, t)
	}
	c.log.WithFields(logrus.Fields{
		"input":  in.ordinal,
		"buffer": t.buf,
		"queued": len(in.queue),
	}).Debug("transfer queued")
}

// CheckQueuedTransfers starts the queued transfers whose input buffers
// became available and releases the input buffers of completed zero-copy
// chains.
func (c *Circuit) CheckQueuedTransfers() error {
	if c.out != nil {
		for _, in := range c.inputs {
			for len(in.queue) > 0 {
				t := in.queue[0]
				if !c.CanTransferBuffer(t) {
					break
				}
				in.queue[0] = nil
				in.queue = in.queue[1:]
				if err := c.StartTransfer(t); err != nil {
					return err
				}
				if t.held {
					break // requeued
				}
			}
		}
	}
	chains := c.chains[:0]
	var firstErr error
	for _, ch := range c.chains {
		empty, err := ch.out.IsEmpty()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if !empty {
			chains = append(chains, ch)
			continue
		}
		if err := ch.in.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	clear(c.chains[len(chains):])
	c.chains = chains
	return firstErr
}

// StartTransfer starts t through its cached template. A transfer the
// transport has no resources for is queued in front and retried by
// CheckQueuedTransfers.
func (c *Circuit) StartTransfer(t *Transfer) error {
	g, err := c.template(t)
	if err != nil {
		return err
	}
	if t.info.Last {
		c.out.SetShadow(t.in.ordinal, t.buf, buffer.EFFullValue)
	}
	srcOff := t.out.DataOffset() + t.info.SrcOffset
	var data []byte
	if t.src != nil {
		srcOff = t.src.DataOffset() + t.info.SrcOffset
		data = t.src.Data()[min(t.info.SrcOffset, uint64(len(t.src.Data()))):]
	}
	if err := g.SetSource(srcOff, data); err != nil {
		return err
	}
	g.PresetMetaData(t.out, t.slot, t.md)
	if err := g.Produce(); err != nil {
		if !xfer.IsResourceError(err) {
			return errors.Wrapf(err, "transfer to input %d buffer %d", t.in.ordinal, t.buf)
		}
		if t.info.Last {
			c.out.SetShadow(t.in.ordinal, t.buf, buffer.EFEmptyValue)
		}
		c.log.WithError(err).WithField("input", t.in.ordinal).Warn("transfer deferred")
		c.QueTransfer(t, true)
		return nil
	}
	for _, r := range g.Requests() {
		t.out.AddPending(r)
	}
	if t.held {
		t.out.Unhold()
		t.held = false
	}
	return nil
}

type templateTag struct {
	info    Info
	slot    int
	contrib int
	zcopy   bool
}

// template returns the cached template of t, building it on first use or
// when the shape of the transfer changed.
func (c *Circuit) template(t *Transfer) (*transfer.Template, error) {
	root := c.templates[t.out.Index()]
	key := transfer.GateKey{Sequence: t.seq, Port: t.in.ordinal, Buffer: t.buf}
	tag := templateTag{info: t.info, slot: t.slot, contrib: t.contrib, zcopy: c.zeroCopy(t)}
	if g := root.GatedTransfer(key); g != nil && g.Tag == tag {
		return g, nil
	}
	g := transfer.New(1)
	g.Tag = tag
	ib := t.in.port.Input(t.buf, t.in.contribs)
	if tag.zcopy {
		g.AddZeroCopyTransfer(transfer.ZeroCopy{
			Out: t.out, In: ib, Slot: t.slot, Off: t.info.SrcOffset, Len: t.info.Length,
		})
		root.AddGatedTransfer(key, g)
		return g, nil
	}

	svc := t.in.svc
	var r xfer.Request
	release := func(err error) (*transfer.Template, error) {
		if r != nil {
			_ = svc.Release(r)
		}
		return nil, errors.Wrapf(err, "building transfer to input %d buffer %d", t.in.ordinal, t.buf)
	}
	var err error
	metaFlags := xfer.FirstTransfer
	if t.info.Length > 0 {
		r, err = svc.Copy(t.out.DataOffset()+t.info.SrcOffset, ib.DataOffset()+t.info.DstOffset,
			t.info.Length, xfer.FirstTransfer|xfer.SizeModifiable|xfer.DataOffset, nil)
		if err != nil {
			return release(err)
		}
		metaFlags = 0
	}
	if !t.info.Last {
		metaFlags |= xfer.LastTransfer
	}
	m, err := svc.Copy(t.out.MetaOffset(t.slot), ib.MetaOffset(t.contrib), buffer.MetaDataSize, metaFlags, r)
	if err != nil {
		return release(err)
	}
	r = m
	if t.info.Last {
		ff := c.out.Offset(c.out.Layout().Const(buffer.ConstFFFull))
		if _, err := svc.Copy(ff, ib.FullOffset(t.contrib), 4, xfer.FlagTransfer|xfer.LastTransfer, r); err != nil {
			return release(err)
		}
	}
	g.AddRequest(svc, r)
	root.AddGatedTransfer(key, g)
	return g, nil
}

// zeroCopy reports whether t can alias instead of copying: the input port
// lives in the output window and is consumed by this circuit, and t fills
// the whole input buffer alone.
func (c *Circuit) zeroCopy(t *Transfer) bool {
	return t.in.owned && t.in.port.Smem() == c.out.Smem() &&
		t.in.contribs == 1 && t.info.DstOffset == 0 && t.info.Last
}

// NextFullInputBuffer returns the next buffer of the owned input port
// ordinal if it is full, or nil.
func (c *Circuit) NextFullInputBuffer(ordinal int) *buffer.InputBuffer {
	in := c.inputs[ordinal]
	if !in.owned {
		xfer.Violate("input %d of circuit %s is not owned", ordinal, c.conf.ID)
	}
	b := in.port.Input(in.take, in.contribs)
	if !b.IsFull() {
		return nil
	}
	in.take = (in.take + 1) % in.port.Layout().Buffers
	return b
}

// ReleaseInputBuffer empties b and tells its producers.
func (c *Circuit) ReleaseInputBuffer(b *buffer.InputBuffer) error {
	return b.Release()
}

// Disconnect stops accepting new buffers. Queued transfers still drain.
func (c *Circuit) Disconnect() {
	if c.status == Active {
		c.status = Disconnecting
		c.log.Debug("circuit disconnecting")
	}
}

// Close releases every request of the circuit and unmaps its ports.
func (c *Circuit) Close() error {
	if c.status == Unknown && c.outs == nil {
		return nil
	}
	c.status = Unknown
	var firstErr error
	keep := func(err error) {
		if err != nil && !errors.Is(err, xfer.ErrReleased) && firstErr == nil {
			firstErr = err
		}
	}
	for _, t := range c.templates {
		keep(t.Release())
	}
	for _, rr := range c.returns {
		keep(rr.svc.Release(rr.r))
	}
	for _, p := range c.outs {
		keep(p.Close())
	}
	for _, in := range c.inputs {
		keep(in.port.Close())
	}
	c.templates, c.returns, c.chains = nil, nil, nil
	c.outs, c.inputs, c.sets, c.out = nil, nil, nil, nil
	return firstErr
}

func (c *Circuit) String() string {
	return fmt.Sprintf("circuit %s (%d outputs, %d inputs, %s)", c.conf.ID, len(c.outs), len(c.inputs), c.status)
}
